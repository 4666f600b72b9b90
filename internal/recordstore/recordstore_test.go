// Copyright 2025 James Ross
package recordstore

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/assert"
)

func TestIsConditionFailedRecognizesDynamoDBCode(t *testing.T) {
	err := awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "condition failed", nil)
	assert.True(t, isConditionFailed(err))
}

func TestIsConditionFailedRejectsOtherAWSErrors(t *testing.T) {
	err := awserr.New(dynamodb.ErrCodeResourceNotFoundException, "table missing", nil)
	assert.False(t, isConditionFailed(err))
}

func TestIsConditionFailedRejectsNonAWSErrors(t *testing.T) {
	assert.False(t, isConditionFailed(errors.New("boom")))
}

// Copyright 2025 James Ross
// Package recordstore is the durable, conditionally-written home for job
// records (spec §3 "Record", I3 "version is monotonic and CAS-enforced"),
// built on the same aws-sdk-go session-construction pattern the teacher uses
// for its S3 exporter (internal/long-term-archives/s3_exporter.go).
package recordstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/schedulererr"
)

// Store is the DynamoDB-backed job record table. Every mutating call is a
// conditional write keyed on Record.Version, so two lifecycle transitions
// racing on the same job never both succeed (spec I3).
type Store struct {
	client *dynamodb.DynamoDB
	table  string
}

// New builds a Store from cfg, honoring the dev-mode endpoint override named
// in spec §6 ("--endpoint" for DynamoDB Local).
func New(cfg *config.Config) (*Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.AWS.Region)}
	if cfg.AWS.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.AWS.Endpoint)
	}
	if cfg.AWS.AccessKeyID != "" && cfg.AWS.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("recordstore: new aws session: %w", err)
	}
	return &Store{client: dynamodb.New(sess), table: cfg.Store.JobTableName}, nil
}

// Create inserts a brand-new record at version 1, failing with
// CONCURRENT_MODIFICATION if the job ID is already present.
func (s *Store) Create(ctx context.Context, rec *model.Record) error {
	rec.Version = 1
	item, err := dynamodbattribute.MarshalMap(rec)
	if err != nil {
		return schedulererr.Internalf("marshal record: %v", err)
	}
	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return schedulererr.New(schedulererr.ConcurrentModification, "job id already exists")
		}
		return schedulererr.Internalf("create record: %v", err)
	}
	return nil
}

// Get fetches the current record for jobID.
func (s *Store) Get(ctx context.Context, jobID string) (*model.Record, error) {
	out, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]*dynamodb.AttributeValue{
			"job_id": {S: aws.String(jobID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, schedulererr.Internalf("get record: %v", err)
	}
	if out.Item == nil {
		return nil, schedulererr.New(schedulererr.NotFound, "job not found: "+jobID)
	}
	var rec model.Record
	if err := dynamodbattribute.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, schedulererr.Internalf("unmarshal record: %v", err)
	}
	if rec.Timestamps == nil {
		rec.Timestamps = map[string]time.Time{}
	}
	return &rec, nil
}

// CompareAndSwap writes rec conditionally on the stored version still
// equalling rec.Version, then increments it. The caller is responsible for
// the lifecycle coordinator's single retry on failure (spec §4.4, §7).
func (s *Store) CompareAndSwap(ctx context.Context, rec *model.Record) error {
	expected := rec.Version
	rec.Version = expected + 1
	item, err := dynamodbattribute.MarshalMap(rec)
	if err != nil {
		rec.Version = expected
		return schedulererr.Internalf("marshal record: %v", err)
	}
	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":expected": {N: aws.String(fmt.Sprintf("%d", expected))},
		},
	})
	if err != nil {
		rec.Version = expected
		if isConditionFailed(err) {
			return schedulererr.New(schedulererr.ConcurrentModification, "record version changed")
		}
		return schedulererr.Internalf("compare-and-swap record: %v", err)
	}
	return nil
}

// ScanRunning returns every record currently in RUNNING, for the timeout
// sweeper to inspect against settings.timeout (spec §4.4 "Timeouts"). A full
// table scan is acceptable at the sweeper's cadence and table sizes this
// control plane targets; a GSI on status would be the first optimization if
// that changes.
func (s *Store) ScanRunning(ctx context.Context) ([]*model.Record, error) {
	var out []*model.Record
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("#status = :running"),
		ExpressionAttributeNames: map[string]*string{
			"#status": aws.String("status"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":running": {S: aws.String(string(model.StatusRunning))},
		},
	}
	err := s.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		for _, item := range page.Items {
			var rec model.Record
			if err := dynamodbattribute.UnmarshalMap(item, &rec); err != nil {
				continue
			}
			out = append(out, &rec)
		}
		return true
	})
	if err != nil {
		return nil, schedulererr.Internalf("scan running records: %v", err)
	}
	return out, nil
}

func isConditionFailed(err error) bool {
	if ae, ok := err.(awserr.Error); ok {
		return ae.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}

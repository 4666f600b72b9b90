// Copyright 2025 James Ross
// Package objectstore mediates presigned-URL access to the program/result
// bucket (spec §3 "program_ref"/"result_ref", spec §5 "object-store
// transfers"), adapted from the teacher's S3 session-construction pattern in
// internal/long-term-archives/s3_exporter.go.
package objectstore

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/schedulererr"
)

// Store issues presigned PUT/GET URLs against the program bucket. Callers
// never hold AWS credentials; they hand the presigned URL to the client or
// worker, which performs the transfer directly against S3 (spec §5).
type Store struct {
	client *s3.S3
	bucket string
	expiry time.Duration
}

// New builds a Store from cfg, honoring the dev-mode endpoint override named
// in spec §6 ("--s3_endpoint", path-style addressing for MinIO/LocalStack).
func New(cfg *config.Config) (*Store, error) {
	awsCfg := &aws.Config{Region: aws.String(cfg.AWS.Region)}
	if cfg.AWS.S3Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.AWS.S3Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}
	if cfg.AWS.AccessKeyID != "" && cfg.AWS.SecretAccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(
			cfg.AWS.AccessKeyID, cfg.AWS.SecretAccessKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: new aws session: %w", err)
	}
	expiry := cfg.Store.PresignExpiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &Store{
		client: s3.New(sess),
		bucket: cfg.Store.ProgramBucketName,
		expiry: expiry,
	}, nil
}

// key is the object key a job's program or result is stored under, keyed by
// job ID and an artifact name so program and result never collide (spec §6:
// "jobs/<job_id>/program", "jobs/<job_id>/result").
func key(jobID, artifact string) string {
	return fmt.Sprintf("jobs/%s/%s", jobID, artifact)
}

// PresignProgramUpload returns a presigned PUT URL the submitting client
// uploads its compiled program payload to (spec §5 "submission transfer").
func (s *Store) PresignProgramUpload(jobID string) (string, error) {
	return s.presignPut(key(jobID, "program"))
}

// PresignProgramDownload returns a presigned GET URL a worker downloads the
// program payload from before execution.
func (s *Store) PresignProgramDownload(jobID string) (string, error) {
	return s.presignGet(key(jobID, "program"))
}

// PresignResultUpload returns a presigned PUT URL a worker uploads its
// execution result to on completion.
func (s *Store) PresignResultUpload(jobID string) (string, error) {
	return s.presignPut(key(jobID, "result"))
}

// PresignResultDownload returns a presigned GET URL the submitting client
// downloads its result from (spec §5 "GetJobResult").
func (s *Store) PresignResultDownload(jobID string) (string, error) {
	return s.presignGet(key(jobID, "result"))
}

func (s *Store) presignPut(k string) (string, error) {
	req, _ := s.client.PutObjectRequest(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	url, err := req.Presign(s.expiry)
	if err != nil {
		return "", schedulererr.Internalf("presign put: %v", err)
	}
	return url, nil
}

// DeleteProgram best-effort deletes a submitted program object, used to roll
// back a SubmitJob whose admission reservation was released after the
// upload URL was already issued (Design Note "Object-store cleanup on
// admission rollback"). Callers should log, not fail, on a non-nil error.
func (s *Store) DeleteProgram(jobID string) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key(jobID, "program")),
	})
	if err != nil {
		return schedulererr.Internalf("delete program object: %v", err)
	}
	return nil
}

func (s *Store) presignGet(k string) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(k),
	})
	url, err := req.Presign(s.expiry)
	if err != nil {
		return "", schedulererr.Internalf("presign get: %v", err)
	}
	return url, nil
}

// ObjectRef returns the stable (non-presigned) reference stored on the job
// record as program_ref/result_ref.
func ObjectRef(jobID, artifact string) string {
	return key(jobID, artifact)
}

// Copyright 2025 James Ross
// Package paramstore fetches bootstrap configuration (the backend catalog
// TOML document, spec §3 "backend catalog") from SSM Parameter Store, using
// the same aws-sdk-go session pattern as internal/objectstore and
// internal/recordstore.
package paramstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/schedulererr"
)

// Client fetches string parameters from SSM Parameter Store.
type Client struct {
	client *ssm.SSM
}

// New builds a Client from cfg, honoring the dev-mode endpoint override.
func New(cfg *config.Config) (*Client, error) {
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
		return nil, fmt.Errorf("paramstore: new aws session: %w", err)
	}
	return &Client{client: ssm.New(sess)}, nil
}

// GetString fetches and decrypts (if a SecureString) a single parameter.
func (c *Client) GetString(ctx context.Context, name string) (string, error) {
	out, err := c.client.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", schedulererr.Internalf("get parameter: %v", err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", schedulererr.New(schedulererr.NotFound, "parameter not set: "+name)
	}
	return *out.Parameter.Value, nil
}

// GetBackendCatalog fetches the TOML backend catalog document named by
// cfg.Store.BackendConfigParam.
func (c *Client) GetBackendCatalog(ctx context.Context, cfg *config.Config) ([]byte, error) {
	v, err := c.GetString(ctx, cfg.Store.BackendConfigParam)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

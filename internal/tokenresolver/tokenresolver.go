// Copyright 2025 James Ross
// Package tokenresolver resolves a submitted bearer token into the identity
// that the admission controller and job record key on: token name, role, and
// expiry (spec §3 "token_name"/"role", spec §4.1 "authentication").
package tokenresolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/roles"
	"github.com/mqc3/scheduler/internal/schedulererr"
)

// Identity is the resolved identity behind a submitted token.
type Identity struct {
	TokenName string
	Role      roles.Role
	ExpiresAt time.Time
}

type wireIdentity struct {
	TokenName string    `json:"token_name"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Resolver calls an external token-info HTTP service, per SPEC_FULL.md's
// token-resolver component. A token the service rejects (404 or 401) is
// UNAUTHENTICATED at once; any other failure gets one local retry and then
// propagates as INTERNAL (spec §7 "external I/O failures").
type Resolver struct {
	endpoint string
	client   *http.Client
}

// New builds a Resolver from cfg.
func New(cfg *config.Config) *Resolver {
	timeout := cfg.TokenResolver.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Resolver{
		endpoint: cfg.TokenResolver.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Resolve exchanges token for an Identity, retrying the HTTP round trip
// exactly once on any failure other than a rejected token.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		id, err := r.resolveOnce(ctx, token)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if se, ok := schedulererr.As(err); ok && se.Code == schedulererr.Unauthenticated {
			return nil, err
		}
	}
	return nil, schedulererr.Wrap(schedulererr.Internal, "token resolution failed", lastErr)
}

func (r *Resolver) resolveOnce(ctx context.Context, token string) (*Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/tokens/"+token, nil)
	if err != nil {
		return nil, schedulererr.Internalf("build token request: %v", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, schedulererr.Internalf("token request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized {
		return nil, schedulererr.New(schedulererr.Unauthenticated, "unknown or expired token")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schedulererr.Internalf("token service returned %v", fmt.Errorf("status %d", resp.StatusCode))
	}

	var wi wireIdentity
	if err := json.NewDecoder(resp.Body).Decode(&wi); err != nil {
		return nil, schedulererr.Internalf("decode token response: %v", err)
	}
	return &Identity{
		TokenName: wi.TokenName,
		Role:      roles.Parse(wi.Role),
		ExpiresAt: wi.ExpiresAt,
	}, nil
}

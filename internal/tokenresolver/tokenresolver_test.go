// Copyright 2025 James Ross
package tokenresolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/roles"
	"github.com/mqc3/scheduler/internal/schedulererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolverAgainst(t *testing.T, srv *httptest.Server) *Resolver {
	t.Helper()
	cfg := &config.Config{}
	cfg.TokenResolver.Endpoint = srv.URL
	cfg.TokenResolver.Timeout = time.Second
	return New(cfg)
}

func TestResolveReturnsIdentityOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_name":"alice","role":"developer","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	id, err := resolverAgainst(t, srv).Resolve(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.TokenName)
	assert.Equal(t, roles.Developer, id.Role)
}

func TestResolveUnauthenticatedOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := resolverAgainst(t, srv).Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, schedulererr.Unauthenticated, schedulererr.CodeOf(err))
}

func TestResolveRetriesOnceOnTransportFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			// simulate transient failure by hanging up without a response body
			panic("simulated transient failure")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_name":"bob","role":"admin","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	id, err := resolverAgainst(t, srv).Resolve(context.Background(), "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "bob", id.TokenName)
	assert.Equal(t, 2, calls)
}

func TestResolveUnknownRoleDefaultsToGuest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_name":"carol","role":"bogus","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	id, err := resolverAgainst(t, srv).Resolve(context.Background(), "tok-3")
	require.NoError(t, err)
	assert.Equal(t, roles.Guest, id.Role)
}

// Copyright 2025 James Ross
package submission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/mqc3/scheduler/internal/admission"
	"github.com/mqc3/scheduler/internal/catalog"
	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/jobqueue"
	"github.com/mqc3/scheduler/internal/lifecycle"
	"github.com/mqc3/scheduler/internal/messagelog"
	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/objectstore"
	"github.com/mqc3/scheduler/internal/roles"
	"github.com/mqc3/scheduler/internal/schedulererr"
	"github.com/mqc3/scheduler/internal/tokenresolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleCatalog = `
[[backend]]
name = "borealis"
aliases = ["b1"]
status = "available"
description = "photonic QPU"

[[backend]]
name = "down"
status = "unavailable"
description = "offline"
`

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*model.Record
}

func newFakeStore() *fakeStore { return &fakeStore{records: map[string]*model.Record{}} }

func (f *fakeStore) Create(ctx context.Context, rec *model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Version = 1
	f.records[rec.JobID] = rec.Clone()
	return nil
}

func (f *fakeStore) Get(ctx context.Context, jobID string) (*model.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[jobID]
	if !ok {
		return nil, schedulererr.New(schedulererr.NotFound, "no such job")
	}
	return rec.Clone(), nil
}

func (f *fakeStore) CompareAndSwap(ctx context.Context, rec *model.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.Version++
	f.records[rec.JobID] = rec.Clone()
	return nil
}

type noopLog struct{}

func (noopLog) Append(ctx context.Context, jobID, source, message string) error { return nil }

func (noopLog) Tail(ctx context.Context, jobID string) ([]messagelog.Entry, error) {
	return nil, nil
}

type noopAdmission struct{ mu sync.Mutex }

func (n *noopAdmission) Release(role roles.Role) {}

func newHandler(t *testing.T) (*Handler, *fakeStore, *jobqueue.Queue) {
	t.Helper()
	store := newFakeStore()
	coord := lifecycle.New(store, noopLog{}, &noopAdmission{}, zap.NewNop())
	admissionC := admission.New(admission.DefaultLimits())
	queue := jobqueue.New(10 << 20)
	cat, err := catalog.New([]byte(sampleCatalog), false)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.AWS.Region = "us-east-1"
	cfg.AWS.S3Endpoint = "http://127.0.0.1:9000"
	cfg.Store.ProgramBucketName = "test-bucket"
	cfg.Store.PresignExpiry = 10 * time.Minute
	objects, err := objectstore.New(cfg)
	require.NoError(t, err)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Path, "bad-token") || strings.HasSuffix(r.URL.Path, "/tokens/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"token_name":"alice","role":"developer","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	t.Cleanup(tokenSrv.Close)
	tokenCfg := &config.Config{}
	tokenCfg.TokenResolver.Endpoint = tokenSrv.URL
	tokenCfg.TokenResolver.Timeout = time.Second
	tokens := tokenresolver.New(tokenCfg)

	h := New(admissionC, queue, cat, coord, objects, tokens, noopLog{}, zap.NewNop(), 10)
	return h, store, queue
}

func router(h *Handler) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func TestSubmitJobHappyPath(t *testing.T) {
	h, store, queue := newHandler(t)
	body := `{"token":"tok","backend":"b1","program_base64":"AAAA","settings":{"n_shots":100,"timeout":5000000000}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.NotEmpty(t, resp.UploadURL)

	stored, err := store.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, stored.Status)
	assert.Equal(t, 1, queue.Depth("borealis"))
}

func TestSubmitJobUnknownBackend(t *testing.T) {
	h, _, _ := newHandler(t)
	body := `{"token":"tok","backend":"nonexistent","program_base64":"AAAA"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubmitJobUnavailableBackend(t *testing.T) {
	h, _, _ := newHandler(t)
	body := `{"token":"tok","backend":"down","program_base64":"AAAA"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSubmitJobBadToken(t *testing.T) {
	h, _, _ := newHandler(t)
	body := `{"token":"bad-token","backend":"b1","program_base64":"AAAA"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCancelQueuedJob(t *testing.T) {
	h, _, queue := newHandler(t)
	body := `{"token":"tok","backend":"b1","program_base64":"AAAA"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	cancelReq := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/"+resp.JobID+"/cancel?token=tok", nil)
	cancelRec := httptest.NewRecorder()
	router(h).ServeHTTP(cancelRec, cancelReq)
	assert.Equal(t, http.StatusOK, cancelRec.Code)
	assert.Equal(t, 0, queue.Depth("borealis"))
}

func TestGetJobStatusRejectsBadToken(t *testing.T) {
	h, _, _ := newHandler(t)
	body := `{"token":"tok","backend":"b1","program_base64":"AAAA"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	statusReq := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+resp.JobID+"?token=bad-token", nil)
	statusRec := httptest.NewRecorder()
	router(h).ServeHTTP(statusRec, statusReq)
	assert.Equal(t, http.StatusUnauthorized, statusRec.Code)
}

func TestGetServiceStatus(t *testing.T) {
	h, _, _ := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/backends/b1?token=tok", nil)
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp serviceStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "borealis", resp.Canonical)
	assert.Equal(t, catalog.Available, resp.Status)
}

func TestGetServiceStatusRejectsUnauthenticated(t *testing.T) {
	h, _, _ := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/backends/b1", nil)
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGetServiceStatusRejectsBadToken(t *testing.T) {
	h, _, _ := newHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/backends/b1?token=bad-token", nil)
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

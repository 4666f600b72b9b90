// Copyright 2025 James Ross
package execution

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
	"github.com/mqc3/scheduler/internal/config"
	"github.com/mqc3/scheduler/internal/jobqueue"
	"github.com/mqc3/scheduler/internal/lifecycle"
	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/objectstore"
	"github.com/mqc3/scheduler/internal/roles"
	"github.com/mqc3/scheduler/internal/schedulererr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

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

type noopAdmission struct{}

func (noopAdmission) Release(role roles.Role) {}

func newHandler(t *testing.T) (*Handler, *fakeStore, *jobqueue.Queue) {
	t.Helper()
	store := newFakeStore()
	coord := lifecycle.New(store, noopLog{}, noopAdmission{}, zap.NewNop())
	queue := jobqueue.New(10 << 20)

	cfg := &config.Config{}
	cfg.AWS.Region = "us-east-1"
	cfg.AWS.S3Endpoint = "http://127.0.0.1:9000"
	cfg.Store.ProgramBucketName = "test-bucket"
	cfg.Store.PresignExpiry = 10 * time.Minute
	objects, err := objectstore.New(cfg)
	require.NoError(t, err)

	h := New(queue, coord, objects, zap.NewNop(), 10)
	return h, store, queue
}

func router(h *Handler) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func queueJob(t *testing.T, store *fakeStore, queue *jobqueue.Queue, jobID, backend string) {
	t.Helper()
	rec := &model.Record{JobID: jobID, Role: "DEVELOPER", BackendCanonical: backend, Timestamps: map[string]time.Time{}}
	require.NoError(t, store.Create(context.Background(), rec))
	queue.Enqueue(model.QueueEntry{JobID: jobID, BackendCanonical: backend, ProgramSizeBytes: 10})
}

func TestAssignNextJobHappyPath(t *testing.T) {
	h, store, queue := newHandler(t)
	queueJob(t, store, queue, "job-1", "borealis")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/worker/backends/borealis/next", nil)
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp assignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
	assert.NotEmpty(t, resp.ProgramURL)
	assert.NotEmpty(t, resp.ResultUploadURL)

	got, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestAssignNextJobSkipsCancelledJob(t *testing.T) {
	h, store, queue := newHandler(t)
	queueJob(t, store, queue, "job-2", "borealis")

	cancelled, err := store.Get(context.Background(), "job-2")
	require.NoError(t, err)
	cancelled.Status = model.StatusCancelled
	require.NoError(t, store.CompareAndSwap(context.Background(), cancelled))

	queueJob(t, store, queue, "job-3", "borealis")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/worker/backends/borealis/next", nil)
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp assignResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-3", resp.JobID)
}

func TestReportExecutionResultCompletesJob(t *testing.T) {
	h, store, queue := newHandler(t)
	queueJob(t, store, queue, "job-4", "borealis")

	assignReq := httptest.NewRequest(http.MethodPost, "/api/v1/worker/backends/borealis/next", nil)
	assignRec := httptest.NewRecorder()
	router(h).ServeHTTP(assignRec, assignReq)
	require.Equal(t, http.StatusOK, assignRec.Code)

	body := `{"status":"SUCCESS","detail":"ok","uploaded_result":true,"actual_backend":"borealis"}`
	reportReq := httptest.NewRequest(http.MethodPost, "/api/v1/worker/jobs/job-4/result", strings.NewReader(body))
	reportRec := httptest.NewRecorder()
	router(h).ServeHTTP(reportRec, reportReq)
	assert.Equal(t, http.StatusOK, reportRec.Code)

	got, err := store.Get(context.Background(), "job-4")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.NotEmpty(t, got.ResultRef)
}

func TestRefreshUploadURLRejectsNonRunning(t *testing.T) {
	h, store, queue := newHandler(t)
	queueJob(t, store, queue, "job-5", "borealis")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/worker/jobs/job-5/upload-url", nil)
	rec := httptest.NewRecorder()
	router(h).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

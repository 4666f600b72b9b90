// Copyright 2025 James Ross
// Package submission implements the user-facing RPC surface (spec §4.5):
// SubmitJob, CancelJob, GetJobStatus, GetJobResult, GetServiceStatus, and a
// health probe. Routing follows the teacher's gorilla/mux + JSON-handler
// pattern (internal/long-term-archives/handlers.go).
package submission

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mqc3/scheduler/internal/admission"
	"github.com/mqc3/scheduler/internal/catalog"
	"github.com/mqc3/scheduler/internal/jobqueue"
	"github.com/mqc3/scheduler/internal/lifecycle"
	"github.com/mqc3/scheduler/internal/messagelog"
	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/obs"
	"github.com/mqc3/scheduler/internal/objectstore"
	"github.com/mqc3/scheduler/internal/roles"
	"github.com/mqc3/scheduler/internal/schedulererr"
	"github.com/mqc3/scheduler/internal/tokenresolver"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// logTailer is the subset of *messagelog.Log the handler needs, narrowed to
// an interface so tests can substitute a fake instead of talking to Redis.
type logTailer interface {
	Tail(ctx context.Context, jobID string) ([]messagelog.Entry, error)
}

// Handler implements the submission RPC surface over HTTP/JSON, authenticated
// by a bearer token resolved via the token-info service.
type Handler struct {
	admissionC *admission.Controller
	queue      *jobqueue.Queue
	catalogC   *catalog.Catalog
	coord      *lifecycle.Coordinator
	objects    *objectstore.Store
	tokens     *tokenresolver.Resolver
	logs       logTailer
	logger     *zap.Logger
	sem        *semaphore.Weighted
}

// New builds a Handler, capping concurrently in-flight RPCs at maxWorkers
// (spec §5 "SCHEDULER_SUBMISSION_MAX_WORKERS").
func New(admissionC *admission.Controller, queue *jobqueue.Queue, catalogC *catalog.Catalog,
	coord *lifecycle.Coordinator, objects *objectstore.Store, tokens *tokenresolver.Resolver,
	logs logTailer, logger *zap.Logger, maxWorkers int64) *Handler {
	if maxWorkers <= 0 {
		maxWorkers = 100
	}
	return &Handler{
		admissionC: admissionC, queue: queue, catalogC: catalogC, coord: coord,
		objects: objects, tokens: tokens, logs: logs, logger: logger, sem: semaphore.NewWeighted(maxWorkers),
	}
}

// RegisterRoutes wires the submission surface under router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", h.withWorkerSlot(h.submitJob)).Methods("POST")
	api.HandleFunc("/jobs/{jobId}/cancel", h.withWorkerSlot(h.cancelJob)).Methods("POST")
	api.HandleFunc("/jobs/{jobId}", h.withWorkerSlot(h.getJobStatus)).Methods("GET")
	api.HandleFunc("/jobs/{jobId}/result", h.withWorkerSlot(h.getJobResult)).Methods("GET")
	api.HandleFunc("/backends/{backend}", h.withWorkerSlot(h.getServiceStatus)).Methods("GET")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
}

// withWorkerSlot bounds concurrent handler execution to the submission
// worker pool, returning 503 immediately rather than queueing unboundedly
// when the pool is saturated and the request context is already gone.
func (h *Handler) withWorkerSlot(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := h.sem.Acquire(r.Context(), 1); err != nil {
			writeError(w, http.StatusServiceUnavailable, schedulererr.ResourceExhausted, "worker pool saturated")
			return
		}
		defer h.sem.Release(1)
		next(w, r)
	}
}

// submitRequest is the JSON body of POST /api/v1/jobs.
type submitRequest struct {
	Token      string         `json:"token"`
	Backend    string         `json:"backend"`
	SDKVersion string         `json:"sdk_version"`
	Settings   model.Settings `json:"settings"`
	ProgramB64 string         `json:"program_base64"`
	SaveJob    bool           `json:"save_job"`
}

type submitResponse struct {
	JobID        string `json:"job_id"`
	UploadURL    string `json:"upload_url"`
	UploadExpiry string `json:"upload_expiry"`
}

func (h *Handler) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, schedulererr.Internal, "invalid request body")
		return
	}

	identity, err := h.tokens.Resolve(r.Context(), req.Token)
	if err != nil {
		writeErr(w, err)
		return
	}

	ctx, span := obs.StartSubmissionSpan(r.Context(), req.Backend, identity.Role.String())
	defer span.End()

	canonical, status, _, err := h.catalogC.Resolve(req.Backend)
	if err != nil {
		obs.JobsRejected.WithLabelValues("unknown_backend").Inc()
		obs.RecordError(ctx, err)
		writeErr(w, err)
		return
	}
	if !h.catalogC.IsDispatchEligible(canonical) {
		obs.JobsRejected.WithLabelValues("backend_unavailable").Inc()
		err := schedulererr.New(schedulererr.BackendUnavailable, "backend "+canonical+" is "+string(status))
		obs.RecordError(ctx, err)
		writeError(w, http.StatusServiceUnavailable, schedulererr.BackendUnavailable,
			"backend "+canonical+" is "+string(status))
		return
	}

	// Size against the decoded payload, not the base64 encoding of it (~33%
	// larger), so MAX_JOB_BYTES and the queue byte budget are enforced
	// against the real transfer size.
	programBytes, err := base64.StdEncoding.DecodeString(req.ProgramB64)
	if err != nil {
		writeError(w, http.StatusBadRequest, schedulererr.Internal, "invalid program_base64 encoding")
		return
	}
	sizeBytes := int64(len(programBytes))

	decision := h.admissionC.TryReserve(identity.Role, sizeBytes)
	switch decision {
	case admission.RejectSize:
		obs.JobsRejected.WithLabelValues("payload_too_large").Inc()
		writeError(w, http.StatusRequestEntityTooLarge, schedulererr.PayloadTooLarge, "program exceeds per-role byte limit")
		return
	case admission.RejectQuota:
		obs.JobsRejected.WithLabelValues("quota_exceeded").Inc()
		writeError(w, http.StatusTooManyRequests, schedulererr.QuotaExceeded, "active job quota exceeded")
		return
	}

	jobID := uuid.Must(uuid.NewV7()).String()
	uploadURL, err := h.objects.PresignProgramUpload(jobID)
	if err != nil {
		h.admissionC.Release(identity.Role)
		obs.RecordError(ctx, err)
		writeErr(w, err)
		return
	}

	rec := &model.Record{
		JobID:            jobID,
		TokenName:        identity.TokenName,
		Role:             identity.Role.String(),
		BackendRequested: req.Backend,
		BackendCanonical: canonical,
		ProgramRef:       objectstore.ObjectRef(jobID, "program"),
		ProgramSizeBytes: sizeBytes,
		Settings:         req.Settings,
		SaveJob:          req.SaveJob,
		Timestamps:       map[string]time.Time{},
	}
	if err := h.coord.Submit(ctx, rec); err != nil {
		h.admissionC.Release(identity.Role)
		h.rollbackUpload(ctx, jobID)
		obs.RecordError(ctx, err)
		writeErr(w, err)
		return
	}

	// A cancelled RPC between admission and enqueue must still release the
	// slot and drop the presigned object, since nothing else will ever
	// dequeue or report a result for this job (spec §5 "Cancellation").
	if ctx.Err() != nil {
		h.admissionC.Release(identity.Role)
		h.rollbackUpload(ctx, jobID)
		writeError(w, http.StatusServiceUnavailable, schedulererr.Internal, "request cancelled")
		return
	}

	entry := model.QueueEntry{
		JobID:            jobID,
		BackendCanonical: canonical,
		Role:             identity.Role.String(),
		ProgramSizeBytes: sizeBytes,
		EnqueuedAt:       time.Now(),
	}
	if h.queue.Enqueue(entry) == jobqueue.RejectMemory {
		obs.JobsRejected.WithLabelValues("queue_full").Inc()
		if _, err := h.coord.MarkQueueFull(ctx, jobID); err != nil && h.logger != nil {
			h.logger.Warn("mark queue full failed", obs.String("job_id", jobID), obs.Err(err))
		}
		h.rollbackUpload(ctx, jobID)
		writeError(w, http.StatusInsufficientStorage, schedulererr.ResourceExhausted, "queue full")
		return
	}

	obs.JobsSubmitted.Inc()
	obs.SetSpanSuccess(ctx)
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: jobID, UploadURL: uploadURL})
}

// rollbackUpload best-effort deletes a just-presigned program object when a
// SubmitJob fails after the upload URL was issued but before the job is
// durably queued (Design Note "Object-store cleanup on admission rollback").
func (h *Handler) rollbackUpload(ctx context.Context, jobID string) {
	if err := h.objects.DeleteProgram(jobID); err != nil && h.logger != nil {
		h.logger.Warn("rollback delete failed", obs.String("job_id", jobID), obs.Err(err))
	}
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	token := r.URL.Query().Get("token")
	identity, err := h.tokens.Resolve(r.Context(), token)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := h.coord.Get(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rec.TokenName != identity.TokenName {
		writeError(w, http.StatusForbidden, schedulererr.Unauthorized, "token does not own job")
		return
	}
	h.queue.Drop(jobID)
	updated, err := h.coord.Cancel(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// jobStatusResponse carries the record plus its diagnostic message log, kept
// readable alongside GetJobStatus per SPEC_FULL.md "Message log retention".
type jobStatusResponse struct {
	*model.Record
	Log []messagelog.Entry `json:"log,omitempty"`
}

func (h *Handler) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	token := r.URL.Query().Get("token")
	identity, err := h.tokens.Resolve(r.Context(), token)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := h.coord.Get(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rec.TokenName != identity.TokenName {
		writeError(w, http.StatusForbidden, schedulererr.Unauthorized, "token does not own job")
		return
	}
	resp := jobStatusResponse{Record: rec}
	if h.logs != nil {
		if entries, err := h.logs.Tail(r.Context(), jobID); err != nil {
			if h.logger != nil {
				h.logger.Warn("message log tail failed", obs.String("job_id", jobID), obs.Err(err))
			}
		} else {
			resp.Log = entries
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobResultResponse struct {
	Status    model.Status `json:"status"`
	ResultURL string       `json:"result_url,omitempty"`
}

func (h *Handler) getJobResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	token := r.URL.Query().Get("token")
	identity, err := h.tokens.Resolve(r.Context(), token)
	if err != nil {
		writeErr(w, err)
		return
	}
	rec, err := h.coord.Get(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rec.TokenName != identity.TokenName {
		writeError(w, http.StatusForbidden, schedulererr.Unauthorized, "token does not own job")
		return
	}
	resp := jobResultResponse{Status: rec.Status}
	if rec.Status == model.StatusCompleted {
		url, err := h.objects.PresignResultDownload(jobID)
		if err != nil {
			writeErr(w, err)
			return
		}
		resp.ResultURL = url
	}
	writeJSON(w, http.StatusOK, resp)
}

type serviceStatusResponse struct {
	Canonical   string           `json:"canonical"`
	Status      catalog.Status   `json:"status"`
	Description string           `json:"description"`
}

func (h *Handler) getServiceStatus(w http.ResponseWriter, r *http.Request) {
	backend := mux.Vars(r)["backend"]
	token := r.URL.Query().Get("token")
	if _, err := h.tokens.Resolve(r.Context(), token); err != nil {
		writeErr(w, err)
		return
	}
	canonical, status, desc, err := h.catalogC.Resolve(backend)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serviceStatusResponse{Canonical: canonical, Status: status, Description: desc})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    schedulererr.Code `json:"code"`
	Message string            `json:"message"`
}

func writeError(w http.ResponseWriter, httpStatus int, code schedulererr.Code, message string) {
	writeJSON(w, httpStatus, errorBody{Code: code, Message: message})
}

// writeErr maps a schedulererr.Code to its HTTP status and writes the body.
func writeErr(w http.ResponseWriter, err error) {
	code := schedulererr.CodeOf(err)
	writeError(w, httpStatusFor(code), code, err.Error())
}

func httpStatusFor(code schedulererr.Code) int {
	switch code {
	case schedulererr.Unauthenticated:
		return http.StatusUnauthorized
	case schedulererr.Unauthorized:
		return http.StatusForbidden
	case schedulererr.UnknownBackend, schedulererr.NotFound:
		return http.StatusNotFound
	case schedulererr.BackendUnavailable:
		return http.StatusServiceUnavailable
	case schedulererr.QuotaExceeded:
		return http.StatusTooManyRequests
	case schedulererr.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case schedulererr.ResourceExhausted:
		return http.StatusInsufficientStorage
	case schedulererr.AlreadyTerminal, schedulererr.IllegalTransition, schedulererr.ConcurrentModification:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

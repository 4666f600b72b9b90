// Copyright 2025 James Ross
// Package execution implements the worker-facing RPC surface (spec §4.6):
// AssignNextJob, ReportExecutionResult, RefreshUploadUrl, and a health probe.
// Workers authenticate by network position (a dedicated port), not by
// token, per spec §4.6.
package execution

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mqc3/scheduler/internal/jobqueue"
	"github.com/mqc3/scheduler/internal/lifecycle"
	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/obs"
	"github.com/mqc3/scheduler/internal/objectstore"
	"github.com/mqc3/scheduler/internal/schedulererr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler implements the execution RPC surface over HTTP/JSON.
type Handler struct {
	queue   *jobqueue.Queue
	coord   *lifecycle.Coordinator
	objects *objectstore.Store
	logger  *zap.Logger
	sem     *semaphore.Weighted
}

// New builds a Handler, capping concurrently in-flight RPCs at maxWorkers
// (spec §5 "SCHEDULER_EXECUTION_MAX_WORKERS").
func New(queue *jobqueue.Queue, coord *lifecycle.Coordinator, objects *objectstore.Store, logger *zap.Logger, maxWorkers int64) *Handler {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	return &Handler{queue: queue, coord: coord, objects: objects, logger: logger, sem: semaphore.NewWeighted(maxWorkers)}
}

// RegisterRoutes wires the execution surface under router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1/worker").Subrouter()
	api.HandleFunc("/backends/{backend}/next", h.withWorkerSlot(h.assignNextJob)).Methods("POST")
	api.HandleFunc("/jobs/{jobId}/result", h.withWorkerSlot(h.reportExecutionResult)).Methods("POST")
	api.HandleFunc("/jobs/{jobId}/upload-url", h.withWorkerSlot(h.refreshUploadURL)).Methods("POST")
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
}

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

type assignResponse struct {
	JobID            string         `json:"job_id"`
	ProgramURL       string         `json:"program_url"`
	Settings         model.Settings `json:"settings"`
	ResultUploadURL  string         `json:"result_upload_url"`
	ResultUploadExpiry string       `json:"result_upload_expiry"`
}

// assignNextJob implements spec §4.6's AssignNextJob, looping past any job
// that raced a CancelJob between queue.take and the RUNNING transition
// attempt (step 5: "do not return the job; loop back to step 1").
func (h *Handler) assignNextJob(w http.ResponseWriter, r *http.Request) {
	backend := mux.Vars(r)["backend"]
	ctx, span := obs.StartDispatchSpan(r.Context(), backend)
	defer span.End()

	for {
		entry, ok := h.queue.Take(ctx, backend)
		if !ok {
			writeError(w, http.StatusRequestTimeout, schedulererr.ResourceExhausted, "no job available before cancellation")
			return
		}

		rec, err := h.coord.Assign(ctx, entry.JobID)
		if err != nil {
			if schedulererr.CodeOf(err) == schedulererr.IllegalTransition {
				// the job was cancelled while queued; try the next one
				obs.AddEvent(ctx, "assign_raced_cancel", obs.KeyValue("job.id", entry.JobID))
				continue
			}
			obs.RecordError(ctx, err)
			writeErr(w, err)
			return
		}

		programURL, err := h.objects.PresignProgramDownload(rec.JobID)
		if err != nil {
			obs.RecordError(ctx, err)
			writeErr(w, err)
			return
		}
		resultURL, err := h.objects.PresignResultUpload(rec.JobID)
		if err != nil {
			obs.RecordError(ctx, err)
			writeErr(w, err)
			return
		}

		obs.JobsDispatched.Inc()
		obs.SetSpanSuccess(ctx)
		writeJSON(w, http.StatusOK, assignResponse{
			JobID:           rec.JobID,
			ProgramURL:      programURL,
			Settings:        rec.Settings,
			ResultUploadURL: resultURL,
		})
		return
	}
}

type reportRequest struct {
	Status        lifecycle.WorkerStatus  `json:"status"`
	Detail        string                  `json:"detail"`
	UploadedResult bool                   `json:"uploaded_result"`
	ActualBackend string                  `json:"actual_backend"`
	Timestamps    map[string]time.Time    `json:"timestamps"`
}

func (h *Handler) reportExecutionResult(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, schedulererr.Internal, "invalid request body")
		return
	}

	var resultRef string
	if req.Status == lifecycle.WorkerSuccess && req.UploadedResult {
		resultRef = objectstore.ObjectRef(jobID, "result")
	}

	rec, err := h.coord.ReportResult(r.Context(), jobID, req.Status, req.Detail, resultRef, req.ActualBackend, req.Timestamps)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) refreshUploadURL(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	rec, err := h.coord.Get(r.Context(), jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if rec.Status != model.StatusRunning {
		writeError(w, http.StatusConflict, schedulererr.IllegalTransition, "upload url refresh valid only while RUNNING")
		return
	}
	url, err := h.objects.PresignResultUpload(jobID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result_upload_url": url})
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

func writeErr(w http.ResponseWriter, err error) {
	code := schedulererr.CodeOf(err)
	writeError(w, httpStatusFor(code), code, err.Error())
}

func httpStatusFor(code schedulererr.Code) int {
	switch code {
	case schedulererr.NotFound:
		return http.StatusNotFound
	case schedulererr.IllegalTransition, schedulererr.AlreadyTerminal, schedulererr.ConcurrentModification:
		return http.StatusConflict
	case schedulererr.ResourceExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Copyright 2025 James Ross
// Package lifecycle owns the job state machine (spec §4.4): it is the sole
// writer of the record store, serializing every transition through a
// CAS-on-version retry discipline and releasing the admission slot whenever
// a job reaches a terminal state.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/obs"
	"github.com/mqc3/scheduler/internal/roles"
	"github.com/mqc3/scheduler/internal/schedulererr"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// WorkerStatus is one of the three statuses a worker's ReportExecutionResult
// may report, distinct from model.Status because "SUCCESS"/"FAILURE" are the
// worker's vocabulary, not the record's (spec §4.6 step 2).
type WorkerStatus string

const (
	WorkerSuccess WorkerStatus = "SUCCESS"
	WorkerFailure WorkerStatus = "FAILURE"
	WorkerTimeout WorkerStatus = "TIMEOUT"
)

func mapWorkerStatus(ws WorkerStatus) (model.Status, error) {
	switch ws {
	case WorkerSuccess:
		return model.StatusCompleted, nil
	case WorkerFailure:
		return model.StatusFailed, nil
	case WorkerTimeout:
		return model.StatusTimeout, nil
	default:
		return "", schedulererr.New(schedulererr.Internal, "unrecognized worker status: "+string(ws))
	}
}

// recordStore is the subset of *recordstore.Store the coordinator needs,
// narrowed to an interface so tests can substitute an in-memory fake instead
// of talking to DynamoDB.
type recordStore interface {
	Create(ctx context.Context, rec *model.Record) error
	Get(ctx context.Context, jobID string) (*model.Record, error)
	CompareAndSwap(ctx context.Context, rec *model.Record) error
}

// messageAppender is the subset of *messagelog.Log the coordinator needs.
type messageAppender interface {
	Append(ctx context.Context, jobID, source, message string) error
}

// admissionReleaser is the subset of *admission.Controller the coordinator
// needs to release a slot on terminal transitions.
type admissionReleaser interface {
	Release(role roles.Role)
}

// Coordinator is the sole writer of the record store (Design Notes, "Two RPC
// servers, one coordinator").
type Coordinator struct {
	store      recordStore
	log        messageAppender
	admissionC admissionReleaser
	logger     *zap.Logger
}

// New builds a Coordinator. store, log and admissionC need only satisfy the
// narrow interfaces this package consumes, so callers can substitute fakes
// in tests without this package exporting the interface types themselves.
func New(store recordStore, log messageAppender, admissionC admissionReleaser, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: store, log: log, admissionC: admissionC, logger: logger}
}

// Submit writes the initial QUEUED record for a newly admitted job (spec
// §4.5 step 6). The admission slot for role must already be reserved by the
// caller before Submit is called.
func (c *Coordinator) Submit(ctx context.Context, rec *model.Record) error {
	now := time.Now()
	rec.Status = model.StatusQueued
	rec.StatusDetail = "queued"
	if rec.Timestamps == nil {
		rec.Timestamps = map[string]time.Time{}
	}
	rec.Timestamps[model.TsSubmittedAt] = now
	rec.Timestamps[model.TsQueuedAt] = now
	if err := c.store.Create(ctx, rec); err != nil {
		return err
	}
	c.appendLog(ctx, rec.JobID, "lifecycle", "submitted, queued for "+rec.BackendCanonical)
	return nil
}

// MarkQueueFull transitions a just-admitted, just-recorded job straight to
// FAILED when the job queue rejects the enqueue for REJECT_MEMORY (spec §4.5
// step 7). It also releases the admission slot the caller reserved.
func (c *Coordinator) MarkQueueFull(ctx context.Context, jobID string) (*model.Record, error) {
	return c.casWithRetry(ctx, jobID, "lifecycle.mark_queue_full", func(rec *model.Record) (bool, error) {
		rec.Status = model.StatusFailed
		rec.StatusDetail = "queue full"
		rec.Timestamps[model.TsFinishedAt] = time.Now()
		return false, nil
	})
}

// Assign transitions QUEUED to RUNNING when a worker dequeues the job (spec
// §4.6 step 2).
func (c *Coordinator) Assign(ctx context.Context, jobID string) (*model.Record, error) {
	return c.casWithRetry(ctx, jobID, "lifecycle.assign", func(rec *model.Record) (bool, error) {
		if rec.Status != model.StatusQueued {
			return false, schedulererr.New(schedulererr.IllegalTransition,
				fmt.Sprintf("cannot assign job in status %s", rec.Status))
		}
		now := time.Now()
		rec.Status = model.StatusRunning
		rec.StatusDetail = "assigned to worker"
		rec.Timestamps[model.TsDequeuedAt] = now
		rec.Timestamps[model.TsExecutionStartedAt] = now
		return false, nil
	})
}

// Cancel transitions QUEUED or RUNNING to CANCELLED (spec §4.5 CancelJob).
// Terminal records return ALREADY_TERMINAL.
func (c *Coordinator) Cancel(ctx context.Context, jobID string) (*model.Record, error) {
	return c.casWithRetry(ctx, jobID, "lifecycle.cancel", func(rec *model.Record) (bool, error) {
		switch rec.Status {
		case model.StatusQueued, model.StatusRunning:
			rec.Status = model.StatusCancelled
			rec.StatusDetail = "cancelled by owner"
			rec.Timestamps[model.TsFinishedAt] = time.Now()
			return false, nil
		default:
			return false, schedulererr.New(schedulererr.AlreadyTerminal,
				fmt.Sprintf("job already %s", rec.Status))
		}
	})
}

// MarkTimeout transitions a RUNNING job whose settings.timeout has elapsed
// to TIMEOUT, called by the sweeper (spec §4.4 "Timeouts").
func (c *Coordinator) MarkTimeout(ctx context.Context, jobID string) (*model.Record, error) {
	return c.casWithRetry(ctx, jobID, "lifecycle.mark_timeout", func(rec *model.Record) (bool, error) {
		if rec.Status != model.StatusRunning {
			return true, nil // already moved on; sweeper races lost are not errors
		}
		rec.Status = model.StatusTimeout
		rec.StatusDetail = "execution exceeded settings.timeout"
		rec.Timestamps[model.TsFinishedAt] = time.Now()
		return false, nil
	})
}

// ReportResult applies a worker's ReportExecutionResult (spec §4.6). It
// implements three distinct outcomes: a normal RUNNING→terminal transition,
// an idempotent no-op against a matching terminal record, and the
// cancellation-race post-mortem path against a CANCELLED record.
func (c *Coordinator) ReportResult(ctx context.Context, jobID string, ws WorkerStatus, detail, resultRef, actualBackend string, workerTimestamps map[string]time.Time) (*model.Record, error) {
	mapped, err := mapWorkerStatus(ws)
	if err != nil {
		return nil, err
	}
	return c.casWithRetry(ctx, jobID, "lifecycle.report_result", func(rec *model.Record) (bool, error) {
		if rec.Status == model.StatusCancelled {
			rec.PostMortem = &model.PostMortemReport{
				ReportedStatus: string(ws),
				ReportedAt:     time.Now(),
				ActualBackend:  actualBackend,
			}
			return false, nil
		}
		if rec.Status.Terminal() {
			if rec.Status == mapped {
				return true, nil // idempotent duplicate report, no write
			}
			return false, schedulererr.New(schedulererr.IllegalTransition,
				fmt.Sprintf("conflicting report: record is %s, worker reported %s", rec.Status, mapped))
		}
		if rec.Status != model.StatusRunning {
			return false, schedulererr.New(schedulererr.IllegalTransition,
				fmt.Sprintf("cannot report result for job in status %s", rec.Status))
		}
		for _, k := range []string{model.TsCompileStartedAt, model.TsCompileFinishedAt, model.TsExecutionStartedAt, model.TsExecutionFinishedAt} {
			if v, ok := workerTimestamps[k]; ok {
				rec.Timestamps[k] = v
			}
		}
		rec.Status = mapped
		rec.StatusDetail = detail
		rec.Timestamps[model.TsFinishedAt] = time.Now()
		if mapped == model.StatusCompleted {
			rec.ResultRef = resultRef
		}
		return false, nil
	})
}

// casWithRetry implements spec §4.4's five-step transition: read, mutate,
// conditional write with one retry on CAS miss, best-effort log append, and
// admission release on terminal status. mutate returns (noop, err): noop
// means the record already reflects the desired end state and no write
// should be attempted.
func (c *Coordinator) casWithRetry(ctx context.Context, jobID, op string, mutate func(*model.Record) (bool, error)) (*model.Record, error) {
	start := time.Now()
	defer func() { obs.TransitionDuration.Observe(time.Since(start).Seconds()) }()

	var span trace.Span
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := c.store.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if span == nil {
			ctx, span = obs.ContextWithJobSpan(ctx, op, rec)
			defer span.End()
		}
		wasTerminal := rec.Status.Terminal()
		noop, err := mutate(rec)
		if err != nil {
			obs.RecordError(ctx, err)
			return nil, err
		}
		if noop {
			obs.SetSpanSuccess(ctx)
			return rec, nil
		}
		if err := c.store.CompareAndSwap(ctx, rec); err != nil {
			if schedulererr.CodeOf(err) == schedulererr.ConcurrentModification && attempt == 0 {
				obs.ConcurrentModifications.Inc()
				obs.AddEvent(ctx, "cas_conflict_retry")
				continue
			}
			obs.RecordError(ctx, err)
			return nil, err
		}
		c.onTransitioned(ctx, rec, wasTerminal)
		obs.SetSpanSuccess(ctx)
		return rec, nil
	}
	err := schedulererr.New(schedulererr.ConcurrentModification, "transition retry exhausted for "+jobID)
	obs.RecordError(ctx, err)
	return nil, err
}

func (c *Coordinator) onTransitioned(ctx context.Context, rec *model.Record, wasTerminal bool) {
	c.appendLog(ctx, rec.JobID, "lifecycle", fmt.Sprintf("%s: %s", rec.Status, rec.StatusDetail))
	if wasTerminal {
		// a post-mortem write on an already-terminal record: the slot was
		// released and the status counted when the record first became terminal
		return
	}
	c.bumpStatusMetric(rec.Status)
	if rec.Status.Terminal() {
		c.admissionC.Release(roles.Parse(rec.Role))
	}
}

func (c *Coordinator) bumpStatusMetric(s model.Status) {
	switch s {
	case model.StatusCompleted:
		obs.JobsCompleted.Inc()
	case model.StatusFailed:
		obs.JobsFailed.Inc()
	case model.StatusCancelled:
		obs.JobsCancelled.Inc()
	case model.StatusTimeout:
		obs.JobsTimedOut.Inc()
	}
}

func (c *Coordinator) appendLog(ctx context.Context, jobID, source, message string) {
	if c.log == nil {
		return
	}
	if err := c.log.Append(ctx, jobID, source, message); err != nil && c.logger != nil {
		c.logger.Warn("message log append failed", obs.String("job_id", jobID), obs.Err(err))
	}
}

// Get is a pass-through read, used by the RPC surfaces for GetJobStatus and
// GetJobResult (spec §4.5). The record store remains the single source of
// truth; no caching is performed here (spec §5 "Shared-resource policy").
func (c *Coordinator) Get(ctx context.Context, jobID string) (*model.Record, error) {
	return c.store.Get(ctx, jobID)
}

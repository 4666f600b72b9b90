// Copyright 2025 James Ross
// Package model holds the durable job record and its in-memory companions,
// generalizing the teacher's internal/queue.Job to the full data model of
// spec.md §3.
package model

import (
	"encoding/json"
	"time"
)

// Status is one of the states a job traverses on its way through the
// lifecycle coordinator's state machine (spec §4.4).
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether s is one of the four states that never transition
// further (spec §4.4 "Terminal states").
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	default:
		return false
	}
}

// Timestamp event names, spec §3 "timestamps".
const (
	TsSubmittedAt         = "submitted_at"
	TsQueuedAt            = "queued_at"
	TsDequeuedAt          = "dequeued_at"
	TsCompileStartedAt    = "compile_started_at"
	TsCompileFinishedAt   = "compile_finished_at"
	TsExecutionStartedAt  = "execution_started_at"
	TsExecutionFinishedAt = "execution_finished_at"
	TsFinishedAt          = "finished_at"
)

// Settings mirrors spec §3 "settings": n_shots, timeout, state-save policy,
// resource-squeezing level.
type Settings struct {
	NShots           int           `json:"n_shots"`
	Timeout          time.Duration `json:"timeout"`
	StateSavePolicy  string        `json:"state_save_policy"`
	SqueezingLevel   float64       `json:"squeezing_level"`
}

// ExecVersions captures the worker-reported physical-lab / simulator
// versions that executed the job (spec §3 "exec_version").
type ExecVersions struct {
	PhysicalLabVersion string `json:"physical_lab_version,omitempty"`
	SimulatorVersion   string `json:"simulator_version,omitempty"`
}

// Record is the durable job record, keyed by JobID, stored in the record
// store and mutated only by the lifecycle coordinator (spec §3, I3).
type Record struct {
	JobID             string            `json:"job_id"`
	TokenName         string            `json:"token_name"`
	Role              string            `json:"role"`
	BackendRequested  string            `json:"backend_requested"`
	BackendCanonical  string            `json:"backend_canonical"`
	ProgramRef        string            `json:"program_ref"`
	ProgramSizeBytes  int64             `json:"program_size_bytes"`
	Settings          Settings          `json:"settings"`
	Status            Status            `json:"status"`
	StatusDetail      string            `json:"status_detail"`
	ResultRef         string            `json:"result_ref,omitempty"`
	Version           int64             `json:"version"`
	Timestamps        map[string]time.Time `json:"timestamps"`
	ExecVersions      ExecVersions      `json:"exec_version"`
	SaveJob           bool              `json:"save_job"`
	// PostMortem records a worker report that arrived after the record
	// already moved to CANCELLED: accepted without changing status or
	// result_ref, and returned with the record (GetJobStatus, CancelJob) so an
	// operator can reconcile what the worker thought happened (spec §4.4
	// "Cancellation race", SPEC_FULL.md Open Question resolution).
	PostMortem *PostMortemReport `json:"post_mortem,omitempty"`
}

// PostMortemReport is the artifact of a worker's ReportExecutionResult that
// raced a CancelJob and lost.
type PostMortemReport struct {
	ReportedStatus string    `json:"reported_status"`
	ReportedAt     time.Time `json:"reported_at"`
	ActualBackend  string    `json:"actual_backend,omitempty"`
}

// Clone returns a deep-enough copy of r safe to mutate independently: the
// lifecycle coordinator always works from a clone so a CAS failure never
// leaves the caller's view of the record half-mutated.
func (r *Record) Clone() *Record {
	c := *r
	c.Timestamps = make(map[string]time.Time, len(r.Timestamps))
	for k, v := range r.Timestamps {
		c.Timestamps[k] = v
	}
	if r.PostMortem != nil {
		pm := *r.PostMortem
		c.PostMortem = &pm
	}
	return &c
}

// Marshal/Unmarshal round-trip the record through JSON, the wire and
// record-store attribute format used throughout the scheduler.
func (r *Record) Marshal() ([]byte, error) { return json.Marshal(r) }

func Unmarshal(b []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	if r.Timestamps == nil {
		r.Timestamps = map[string]time.Time{}
	}
	return &r, nil
}

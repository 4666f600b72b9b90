// Copyright 2025 James Ross
package model

import "time"

// QueueEntry is the in-memory descriptor of an admitted job waiting for a
// worker (spec §3 "Queue entry"). It is a pure value owned by the job queue;
// it is never itself persisted.
type QueueEntry struct {
	JobID            string
	BackendCanonical string
	Role             string
	ProgramSizeBytes int64
	EnqueuedAt       time.Time
}

// Copyright 2025 James Ross
// Package jobqueue implements the memory-bounded, per-backend FIFO of spec
// §4.2. The teacher's internal/worker dequeues by polling a Redis list with
// BRPOPLPUSH and a short timeout, in a loop over the configured priorities;
// here there is no external broker to poll, so the same "wait for the next
// of several sources, respecting cancellation" shape is built with a
// per-backend condition variable instead of a network round trip.
package jobqueue

import (
	"container/list"
	"context"
	"sync"

	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/obs"
)

// Decision is the outcome of an Enqueue call.
type Decision int

const (
	OK Decision = iota
	RejectMemory
)

type backendQueue struct {
	entries *list.List // of *model.QueueEntry, front = oldest
}

// Queue is a map of backend_canonical -> FIFO, bounded by total bytes across
// all backends (spec §4.2).
type Queue struct {
	mu            sync.Mutex
	cond          *sync.Cond
	byBackend     map[string]*backendQueue
	byJobID       map[string]string // job_id -> backend, for O(1) drop routing
	totalBytes    int64
	maxQueueBytes int64
}

const defaultMaxQueueBytes = 100 << 20 // 100MB, spec §4.2 default

func New(maxQueueBytes int64) *Queue {
	if maxQueueBytes <= 0 {
		maxQueueBytes = defaultMaxQueueBytes
	}
	q := &Queue{
		byBackend:     make(map[string]*backendQueue),
		byJobID:       make(map[string]string),
		maxQueueBytes: maxQueueBytes,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) backendFor(name string) *backendQueue {
	bq, ok := q.byBackend[name]
	if !ok {
		bq = &backendQueue{entries: list.New()}
		q.byBackend[name] = bq
	}
	return bq
}

// Enqueue appends entry to its backend's FIFO unless doing so would push the
// shared byte budget over the limit.
func (q *Queue) Enqueue(entry model.QueueEntry) Decision {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.totalBytes+entry.ProgramSizeBytes > q.maxQueueBytes {
		return RejectMemory
	}

	bq := q.backendFor(entry.BackendCanonical)
	e := entry
	bq.entries.PushBack(&e)
	q.byJobID[entry.JobID] = entry.BackendCanonical
	q.totalBytes += entry.ProgramSizeBytes
	obs.QueueDepth.WithLabelValues(entry.BackendCanonical).Set(float64(bq.entries.Len()))
	obs.QueueBytes.Set(float64(q.totalBytes))

	q.cond.Broadcast()
	return OK
}

// Take blocks until an entry is available for backendCanonical or ctx is
// done, whichever comes first. On success the entry is removed from the
// queue and its bytes released from the shared budget.
func (q *Queue) Take(ctx context.Context, backendCanonical string) (model.QueueEntry, bool) {
	// Wake this goroutine's wait whenever ctx is cancelled, since
	// sync.Cond has no native context support.
	stop := q.watchCancellation(ctx)
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return model.QueueEntry{}, false
		}
		bq, ok := q.byBackend[backendCanonical]
		if ok && bq.entries.Len() > 0 {
			front := bq.entries.Remove(bq.entries.Front()).(*model.QueueEntry)
			delete(q.byJobID, front.JobID)
			q.totalBytes -= front.ProgramSizeBytes
			obs.QueueDepth.WithLabelValues(backendCanonical).Set(float64(bq.entries.Len()))
			obs.QueueBytes.Set(float64(q.totalBytes))
			return *front, true
		}
		q.cond.Wait()
	}
}

// watchCancellation starts a goroutine that broadcasts on the queue's
// condition variable when ctx is done, so a blocked Take wakes promptly
// instead of waiting for an unrelated Enqueue/Drop. The returned func stops
// the watcher and must always be called.
func (q *Queue) watchCancellation(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// Drop removes a queued entry by job id, used by CancelJob on a still-queued
// job. Returns whether the entry was present.
func (q *Queue) Drop(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	backend, ok := q.byJobID[jobID]
	if !ok {
		return false
	}
	bq := q.byBackend[backend]
	for e := bq.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*model.QueueEntry)
		if entry.JobID == jobID {
			bq.entries.Remove(e)
			delete(q.byJobID, jobID)
			q.totalBytes -= entry.ProgramSizeBytes
			obs.QueueDepth.WithLabelValues(backend).Set(float64(bq.entries.Len()))
			obs.QueueBytes.Set(float64(q.totalBytes))
			return true
		}
	}
	return false
}

// Depth returns the number of queued entries for backendCanonical, for
// introspection; the QueueDepth metric is set directly by Enqueue/Take/Drop.
func (q *Queue) Depth(backendCanonical string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	bq, ok := q.byBackend[backendCanonical]
	if !ok {
		return 0
	}
	return bq.entries.Len()
}

// TotalBytes returns the current shared byte occupancy across all backends.
func (q *Queue) TotalBytes() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalBytes
}

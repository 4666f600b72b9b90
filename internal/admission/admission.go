// Copyright 2025 James Ross
// Package admission implements the per-role concurrency and size gate of
// spec §4.1. It is deliberately the simplest component in the scheduler: a
// mutex-guarded pair of counter maps, O(1) per call, never blocking — the
// same "protect a small piece of state behind one mutex, do no I/O under the
// lock" shape as the teacher's internal/breaker.CircuitBreaker.
package admission

import (
	"sync"

	"github.com/mqc3/scheduler/internal/obs"
	"github.com/mqc3/scheduler/internal/roles"
)

// Decision is the outcome of a reservation attempt.
type Decision int

const (
	OK Decision = iota
	RejectSize
	RejectQuota
)

// Limits configures the per-role quotas. Defaults per spec §4.1.
type Limits struct {
	MaxConcurrent map[roles.Role]int
	MaxJobBytes   map[roles.Role]int64
}

// DefaultLimits returns the defaults named in spec §4.1: 1000/10/5 jobs and
// 10MB/10MB/1MB payload size for ADMIN/DEVELOPER/GUEST respectively.
func DefaultLimits() Limits {
	const mb = 1 << 20
	return Limits{
		MaxConcurrent: map[roles.Role]int{
			roles.Admin:     1000,
			roles.Developer: 10,
			roles.Guest:     5,
		},
		MaxJobBytes: map[roles.Role]int64{
			roles.Admin:     10 * mb,
			roles.Developer: 10 * mb,
			roles.Guest:     1 * mb,
		},
	}
}

// Controller tracks active-job counts per role and enforces Limits.
type Controller struct {
	mu     sync.Mutex
	limits Limits
	active map[roles.Role]int
}

func New(limits Limits) *Controller {
	return &Controller{
		limits: limits,
		active: make(map[roles.Role]int, len(roles.All())),
	}
}

// TryReserve atomically checks size and quota limits and, on OK, increments
// the role's active count. Callers that get anything other than OK must not
// call Release.
func (c *Controller) TryReserve(role roles.Role, sizeBytes int64) Decision {
	if max, ok := c.limits.MaxJobBytes[role]; ok && sizeBytes > max {
		return RejectSize
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	limit := c.limits.MaxConcurrent[role]
	if c.active[role] >= limit {
		return RejectQuota
	}
	c.active[role]++
	obs.ActiveJobs.WithLabelValues(role.String()).Set(float64(c.active[role]))
	return OK
}

// Release decrements the role's active count. It is a defensive no-op if the
// count is already zero, which signals a coordinator bug rather than a
// legitimate double-release (spec §4.1).
func (c *Controller) Release(role roles.Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[role] > 0 {
		c.active[role]--
	}
	obs.ActiveJobs.WithLabelValues(role.String()).Set(float64(c.active[role]))
}

// ActiveCount reports the current reservation count for role, used by the
// property test in spec §8 ("active_jobs per role equals the count of
// records with status in {QUEUED, RUNNING}").
func (c *Controller) ActiveCount(role roles.Role) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[role]
}

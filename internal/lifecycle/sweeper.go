// Copyright 2025 James Ross
// Sweeper scans RUNNING records for expired settings.timeout and transitions
// them to TIMEOUT (spec §4.4 "Timeouts"). Adapted from the teacher's
// internal/reaper ticker loop, retargeted from Redis processing-list
// scanning to a record-store scan and driven by robfig/cron instead of a
// bare time.Ticker so the cadence is configurable as a cron expression.
package lifecycle

import (
	"context"
	"time"

	"github.com/mqc3/scheduler/internal/model"
	"github.com/mqc3/scheduler/internal/obs"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper periodically scans for RUNNING jobs whose timeout has elapsed.
type Sweeper struct {
	coord    *Coordinator
	recordsT recordScanner
	logger   *zap.Logger
	cron     *cron.Cron
	schedule string
}

// recordScanner is the subset of *recordstore.Store the sweeper needs,
// narrowed to ease testing with a fake.
type recordScanner interface {
	ScanRunning(ctx context.Context) ([]*model.Record, error)
}

// NewSweeper builds a Sweeper that fires on schedule (a robfig/cron
// expression, e.g. "@every 5s").
func NewSweeper(coord *Coordinator, scanner recordScanner, logger *zap.Logger, schedule string) *Sweeper {
	if schedule == "" {
		schedule = "@every 5s"
	}
	return &Sweeper{coord: coord, recordsT: scanner, logger: logger, schedule: schedule}
}

// Start registers the sweep job and begins the cron scheduler. Call Stop to
// halt it during graceful shutdown.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithSeconds())
	_, err := c.AddFunc(s.schedule, func() { s.sweepOnce(ctx) })
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	running, err := s.recordsT.ScanRunning(ctx)
	if err != nil {
		s.logger.Warn("sweeper scan failed", obs.Err(err))
		return
	}
	now := time.Now()
	for _, rec := range running {
		started, ok := rec.Timestamps[model.TsExecutionStartedAt]
		if !ok {
			continue
		}
		if rec.Settings.Timeout <= 0 {
			continue
		}
		if now.Before(started.Add(rec.Settings.Timeout)) {
			continue
		}
		updated, err := s.coord.MarkTimeout(ctx, rec.JobID)
		if err != nil {
			s.logger.Warn("sweeper timeout transition failed", obs.String("job_id", rec.JobID), obs.Err(err))
			continue
		}
		if updated.Status != model.StatusTimeout {
			continue // the job left RUNNING before the sweeper reached it
		}
		obs.SweeperRecovered.Inc()
		s.logger.Info("job timed out", obs.String("job_id", rec.JobID), obs.String("backend", rec.BackendCanonical))
	}
}

// Copyright 2025 James Ross
package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/mqc3/scheduler/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeScanner struct {
	running []*model.Record
}

func (f *fakeScanner) ScanRunning(ctx context.Context) ([]*model.Record, error) {
	return f.running, nil
}

func TestSweepOnceTimesOutExpiredRunningJob(t *testing.T) {
	c, store, admissionC := newTestCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, baseRecord("job-sweep-1")))
	_, err := c.Assign(ctx, "job-sweep-1")
	require.NoError(t, err)

	rec, err := store.Get(ctx, "job-sweep-1")
	require.NoError(t, err)
	rec.Timestamps[model.TsExecutionStartedAt] = time.Now().Add(-10 * time.Second)
	rec.Settings.Timeout = time.Second

	scanner := &fakeScanner{running: []*model.Record{rec}}
	sweeper := NewSweeper(c, scanner, zap.NewNop(), "")
	sweeper.sweepOnce(ctx)

	got, err := store.Get(ctx, "job-sweep-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimeout, got.Status)
	assert.NotEmpty(t, admissionC.released)
}

func TestSweepOnceSkipsJobsStillWithinTimeout(t *testing.T) {
	c, store, _ := newTestCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, baseRecord("job-sweep-2")))
	_, err := c.Assign(ctx, "job-sweep-2")
	require.NoError(t, err)

	rec, err := store.Get(ctx, "job-sweep-2")
	require.NoError(t, err)
	rec.Settings.Timeout = time.Hour

	scanner := &fakeScanner{running: []*model.Record{rec}}
	sweeper := NewSweeper(c, scanner, zap.NewNop(), "")
	sweeper.sweepOnce(ctx)

	got, err := store.Get(ctx, "job-sweep-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestSweepOnceSkipsRecordsWithoutExecutionStartedAt(t *testing.T) {
	c, store, _ := newTestCoordinator()
	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, baseRecord("job-sweep-3")))

	rec, err := store.Get(ctx, "job-sweep-3")
	require.NoError(t, err)
	rec.Status = model.StatusRunning // simulate a malformed record missing its timestamp

	scanner := &fakeScanner{running: []*model.Record{rec}}
	sweeper := NewSweeper(c, scanner, zap.NewNop(), "")
	sweeper.sweepOnce(ctx)
}

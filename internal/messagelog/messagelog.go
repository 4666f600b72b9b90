// Copyright 2025 James Ross
// Package messagelog maintains the bounded per-job diagnostic ring described
// in SPEC_FULL.md "Message log retention": every lifecycle transition and
// worker-reported note is appended, capped at a configured entry count,
// readable alongside GetJobStatus. Adapted from the teacher's Redis list
// operations in internal/redisclient and internal/producer.
package messagelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mqc3/scheduler/internal/config"
	"github.com/redis/go-redis/v9"
)

// Entry is one diagnostic line in a job's message log.
type Entry struct {
	Time    time.Time `json:"time"`
	Source  string    `json:"source"`
	Message string    `json:"message"`
}

// Log is a bounded, append-only ring per job ID, backed by a Redis list.
type Log struct {
	rdb        *redis.Client
	keyPrefix  string
	maxEntries int64
}

// New builds a Log from cfg and an already-constructed Redis client.
func New(cfg *config.Config, rdb *redis.Client) *Log {
	max := int64(cfg.MessageLog.MaxEntries)
	if max <= 0 {
		max = 50
	}
	prefix := cfg.MessageLog.KeyPrefix
	if prefix == "" {
		prefix = "mqc3:joblog"
	}
	return &Log{rdb: rdb, keyPrefix: prefix, maxEntries: max}
}

func (l *Log) key(jobID string) string {
	return fmt.Sprintf("%s:%s", l.keyPrefix, jobID)
}

// Append adds an entry to jobID's log, trimming the ring to maxEntries. Log
// failures are never fatal to a lifecycle transition (spec §7: diagnostics
// are best-effort); callers should log a warning and continue on error.
func (l *Log) Append(ctx context.Context, jobID, source, message string) error {
	entry := Entry{Time: time.Now(), Source: source, Message: message}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("messagelog: marshal entry: %w", err)
	}
	key := l.key(jobID)
	pipe := l.rdb.TxPipeline()
	pipe.LPush(ctx, key, b)
	pipe.LTrim(ctx, key, 0, l.maxEntries-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("messagelog: append: %w", err)
	}
	return nil
}

// Tail returns up to maxEntries log lines for jobID, oldest first.
func (l *Log) Tail(ctx context.Context, jobID string) ([]Entry, error) {
	raw, err := l.rdb.LRange(ctx, l.key(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("messagelog: tail: %w", err)
	}
	entries := make([]Entry, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var e Entry
		if err := json.Unmarshal([]byte(raw[i]), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Purge deletes jobID's log. Nothing in the scheduler calls it; job records
// are never deleted by the scheduler.
func (l *Log) Purge(ctx context.Context, jobID string) error {
	return l.rdb.Del(ctx, l.key(jobID)).Err()
}

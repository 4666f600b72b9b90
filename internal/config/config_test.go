// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("SERVERS_SUBMISSION_MAX_WORKERS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Servers.SubmissionMaxWorkers != 100 {
		t.Fatalf("expected default submission worker pool 100, got %d", cfg.Servers.SubmissionMaxWorkers)
	}
	if cfg.MessageLog.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Roles.MaxConcurrentGuest != 5 {
		t.Fatalf("expected default guest quota 5, got %d", cfg.Roles.MaxConcurrentGuest)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Servers.SubmissionMaxWorkers = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for submission_max_workers < 1")
	}

	cfg = defaultConfig()
	cfg.Servers.SubmissionPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for invalid submission_port")
	}

	cfg = defaultConfig()
	cfg.Queue.MaxQueueBytes = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for max_queue_bytes <= 0")
	}
}

// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("WORKERS_COUNT")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers.Count != 3 {
		t.Fatalf("expected default worker count 3, got %d", cfg.Workers.Count)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Upstream.RPS <= 0 {
		t.Fatalf("expected default upstream rps > 0")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Workers.Count = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for workers.count < 1")
	}

	cfg = defaultConfig()
	cfg.Queue.Lease = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for queue.lease < 5s")
	}

	cfg = defaultConfig()
	cfg.Upstream.RPS = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for upstream.rps <= 0")
	}

	cfg = defaultConfig()
	cfg.Progress.EstimatedCommentsPerPost = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for progress.estimated_comments_per_post < 1")
	}
}

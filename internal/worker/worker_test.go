// Copyright 2025 James Ross
package worker

import (
	"context"
	"testing"

	"github.com/flyingrobots/vk-collector/internal/task"
)

func TestCheckCancelledReturnsNilWhenLive(t *testing.T) {
	w := &Worker{}
	if err := w.checkCancelled(context.Background(), "task-1"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestCheckCancelledReportsCancelledKind(t *testing.T) {
	w := &Worker{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.checkCancelled(ctx, "task-1")
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
	if task.KindOf(err) != task.KindCancelled {
		t.Fatalf("expected KindCancelled, got %s", task.KindOf(err))
	}
}

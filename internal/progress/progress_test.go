// Copyright 2025 James Ross
package progress

import (
	"testing"

	"github.com/flyingrobots/vk-collector/internal/task"
)

func TestCalculatePureAndMonotonic(t *testing.T) {
	m := task.Metrics{GroupsTotal: 1, GroupsProcessed: 1, PostsTotal: 2, PostsProcessed: 1, CommentsTotal: 0, CommentsProcessed: 3}
	p1 := Calculate(task.StatusProcessing, m, 15)
	p2 := Calculate(task.StatusProcessing, m, 15)
	if p1 != p2 {
		t.Fatalf("expected equal outputs for equal inputs: %+v vs %+v", p1, p2)
	}
	if p1.Percentage < 0 || p1.Percentage > 100 {
		t.Fatalf("percentage out of range: %d", p1.Percentage)
	}
}

func TestCalculateCompletedAlwaysHundred(t *testing.T) {
	m := task.Metrics{GroupsTotal: 1, GroupsProcessed: 1, PostsTotal: 1, PostsProcessed: 1, CommentsTotal: 0, CommentsProcessed: 0}
	p := Calculate(task.StatusCompleted, m, 15)
	if p.Percentage != 100 {
		t.Fatalf("expected 100 for completed task, got %d", p.Percentage)
	}
}

func TestCalculateZeroMetrics(t *testing.T) {
	p := Calculate(task.StatusPending, task.Metrics{}, 15)
	if p.Percentage != 0 {
		t.Fatalf("expected 0 percent for zero metrics, got %d", p.Percentage)
	}
}

func TestCalculateEstimatesCommentsWhenUnknownTotal(t *testing.T) {
	m := task.Metrics{GroupsTotal: 1, GroupsProcessed: 1, PostsTotal: 10, PostsProcessed: 10, CommentsTotal: 0, CommentsProcessed: 150}
	p := Calculate(task.StatusProcessing, m, 15)
	if p.Percentage != 100 {
		t.Fatalf("expected estimate to cap at full comments weight, got %d", p.Percentage)
	}
}

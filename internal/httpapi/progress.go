// Copyright 2025 James Ross
package httpapi

import (
	"github.com/flyingrobots/vk-collector/internal/progress"
	"github.com/flyingrobots/vk-collector/internal/task"
)

// taskWithProgress attaches the computed progress snapshot to a task's JSON
// representation as described in §4 (task details with progress).
func taskWithProgress(t task.Task, estCommentsPerPost int) map[string]interface{} {
	p := progress.Calculate(t.Status, t.Metrics, estCommentsPerPost)
	return map[string]interface{}{
		"id":            t.ID,
		"type":          t.Type,
		"status":        t.Status,
		"priority":      t.Priority,
		"groups":        t.Groups,
		"metrics":       t.Metrics,
		"error":         t.Error,
		"executionTime": t.ExecutionTime,
		"startedAt":     t.StartedAt,
		"finishedAt":    t.FinishedAt,
		"createdBy":     t.CreatedBy,
		"createdAt":     t.CreatedAt,
		"updatedAt":     t.UpdatedAt,
		"progress":      p,
	}
}

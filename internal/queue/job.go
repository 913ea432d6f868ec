// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"time"
)

// Job is the unit of work placed on the queue: a reference to a task that
// still has work to do, plus the retry/trace bookkeeping the worker needs.
type Job struct {
	ID           string `json:"id"`
	TaskID       string `json:"task_id"`
	TaskType     string `json:"task_type"`
	Attempts     int    `json:"attempts"`
	CreationTime string `json:"creation_time"`
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
}

func NewJob(id, taskID, taskType, traceID, spanID string) Job {
	return Job{
		ID:           id,
		TaskID:       taskID,
		TaskType:     taskType,
		Attempts:     0,
		CreationTime: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:      traceID,
		SpanID:       spanID,
	}
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

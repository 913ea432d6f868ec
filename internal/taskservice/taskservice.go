// Copyright 2025 James Ross
package taskservice

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/obs"
	"github.com/flyingrobots/vk-collector/internal/queue"
	"github.com/flyingrobots/vk-collector/internal/store"
	"github.com/flyingrobots/vk-collector/internal/task"
	"github.com/google/uuid"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

var groupsSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"required": ["groups"],
	"properties": {
		"groups": {
			"type": "array",
			"minItems": 1,
			"items": {}
		}
	}
}`)

// CollectRequest is the decoded body of POST /api/tasks/collect. Each group
// entry may be a bare numeric id, a digit-string, or {id, name}.
type CollectRequest struct {
	Groups []json.RawMessage `json:"groups"`
}

// Service is the HTTP-facing façade over Store and Queue implementing the
// task state machine's externally-triggered transitions.
type Service struct {
	cfg   *config.Config
	store *store.Store
	q     *queue.Queue
	log   *zap.Logger
}

func New(cfg *config.Config, st *store.Store, q *queue.Queue, log *zap.Logger) *Service {
	return &Service{cfg: cfg, store: st, q: q, log: log}
}

// CreateTask inserts a task row of the given type with no groups attached,
// used by internally-triggered task types such as analyze_posts.
func (s *Service) CreateTask(ctx context.Context, typ task.Type, params []byte, createdBy string) (task.Task, error) {
	return s.store.CreateTask(ctx, task.CreateInput{Type: typ, Parameters: params, CreatedBy: createdBy})
}

// CreateVkCollect validates and deduplicates the raw group list, creates a
// fetch_comments task, then enqueues its job. Creation and enqueue are not
// one transaction: if the enqueue fails, the already-created task is marked
// failed and the error is returned.
func (s *Service) CreateVkCollect(ctx context.Context, body []byte, createdBy string) (task.Task, error) {
	doc := gojsonschema.NewBytesLoader(body)
	result, err := gojsonschema.Validate(groupsSchema, doc)
	if err != nil || !result.Valid() {
		return task.Task{}, task.NewError(task.KindValidation, "invalid collect request body", err)
	}

	var req CollectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return task.Task{}, task.NewError(task.KindValidation, "malformed json body", err)
	}

	groups, err := normalizeGroups(req.Groups)
	if err != nil {
		return task.Task{}, err
	}
	if len(groups) == 0 {
		return task.Task{}, task.NewError(task.KindValidation, "at least one group is required", nil)
	}

	t, err := s.store.CreateTask(ctx, task.CreateInput{
		Type:      task.TypeFetchComments,
		Groups:    groups,
		CreatedBy: createdBy,
	})
	if err != nil {
		return task.Task{}, task.NewError(task.KindStoreUnavailable, "create task", err)
	}

	if err := s.enqueue(ctx, t); err != nil {
		finished := time.Now().UTC()
		_ = s.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, store.StatusUpdate{FinishedAt: &finished, Error: err.Error()})
		return task.Task{}, err
	}
	return t, nil
}

// normalizeGroups accepts bare numeric ids, digit-strings, or {id, name}
// objects and collapses duplicates by vkId, keeping the first name seen.
func normalizeGroups(raw []json.RawMessage) ([]task.Group, error) {
	seen := make(map[string]bool, len(raw))
	out := make([]task.Group, 0, len(raw))
	for _, r := range raw {
		vkID, name, err := parseGroupEntry(r)
		if err != nil {
			return nil, err
		}
		if seen[vkID] {
			continue
		}
		seen[vkID] = true
		out = append(out, task.Group{VKID: vkID, Name: name})
	}
	return out, nil
}

func parseGroupEntry(raw json.RawMessage) (vkID, name string, err error) {
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return strconv.FormatInt(int64(asNumber), 10), "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		for _, ch := range asString {
			if ch < '0' || ch > '9' {
				return "", "", task.NewError(task.KindValidation, fmt.Sprintf("invalid group id %q", asString), nil)
			}
		}
		return asString, "", nil
	}

	var asObject struct {
		ID   json.Number `json:"id"`
		Name string      `json:"name"`
	}
	if err := json.Unmarshal(raw, &asObject); err == nil && asObject.ID != "" {
		return asObject.ID.String(), asObject.Name, nil
	}

	return "", "", task.NewError(task.KindValidation, "unrecognized group entry", nil)
}

func (s *Service) enqueue(ctx context.Context, t task.Task) error {
	traceID, spanID := obs.GetTraceAndSpanID(ctx)
	job := queue.NewJob(uuid.NewString(), t.ID, string(t.Type), traceID, spanID)
	ctx, span := obs.StartEnqueueSpan(ctx, s.q.WaitingKey(), string(t.Type))
	defer span.End()

	ok, err := s.q.Enqueue(ctx, job, s.cfg.Queue.Lease)
	if err != nil {
		obs.RecordError(ctx, err)
		return task.NewError(task.KindQueueUnavailable, "enqueue job", err)
	}
	if ok {
		obs.TasksCreated.Inc()
	}
	obs.SetSpanSuccess(ctx)
	return nil
}

// StartCollect ensures taskID has an outstanding job. Re-issuing on a
// non-terminal task is a no-op; on a terminal task it is also a no-op per
// §4.5 (re-ingestion requires a new task).
func (s *Service) StartCollect(ctx context.Context, taskID string) (task.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return task.Task{}, err
	}
	if t.Status.IsTerminal() {
		return t, nil
	}
	if err := s.enqueue(ctx, t); err != nil {
		return task.Task{}, err
	}
	return t, nil
}

// GetTaskStatus loads a task for status/progress reporting.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (task.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// ListFilter mirrors store.ListFilter plus an optional fuzzy query matched
// against group names, applied after the Store's SQL-level filters.
type ListFilter struct {
	Page   int
	Limit  int
	Status task.Status
	Type   task.Type
	Query  string
}

func (s *Service) ListTasks(ctx context.Context, f ListFilter) (store.ListResult, error) {
	res, err := s.store.ListTasks(ctx, store.ListFilter{Page: f.Page, Limit: f.Limit, Status: f.Status, Type: f.Type})
	if err != nil {
		return store.ListResult{}, err
	}
	if f.Query == "" {
		return res, nil
	}

	filtered := res.Items[:0]
	for _, t := range res.Items {
		if taskMatchesQuery(t, f.Query) {
			filtered = append(filtered, t)
		}
	}
	return store.ListResult{Items: filtered, Total: len(filtered)}, nil
}

func taskMatchesQuery(t task.Task, query string) bool {
	for _, g := range t.Groups {
		if fuzzy.MatchFold(query, g.Name) || fuzzy.MatchFold(query, g.VKID) {
			return true
		}
	}
	return false
}

// GetResults loads a task's collected posts/comments.
func (s *Service) GetResults(ctx context.Context, taskID string, f store.ResultsFilter) (store.Results, error) {
	return s.store.GetResults(ctx, taskID, f)
}

// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/store"
	"github.com/flyingrobots/vk-collector/internal/task"
	"github.com/flyingrobots/vk-collector/internal/taskservice"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server exposes the task collection/status/results surface described in
// the external interfaces section: collect, start, status, list, results.
type Server struct {
	cfg  *config.Config
	svc  *taskservice.Service
	log  *zap.Logger
	http *http.Server
}

func New(cfg *config.Config, svc *taskservice.Service, log *zap.Logger) *Server {
	return &Server{cfg: cfg, svc: svc, log: log}
}

func (s *Server) Start() error {
	api := s.cfg.HTTPAPI
	handler := s.routes()
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.log)(handler)
	if len(api.CORSAllowOrigins) > 0 {
		handler = CORSMiddleware(api.CORSAllowOrigins)(handler)
	}
	if api.AuditLogPath != "" {
		handler = AuditMiddleware(api.AuditLogPath, api.AuditRotateSizeMB, api.AuditMaxBackups, s.log)(handler)
	}
	if api.RateLimitPerMinute > 0 {
		handler = RateLimitMiddleware(api.RateLimitPerMinute, api.RateLimitBurst, s.log)(handler)
	}

	s.http = &http.Server{
		Addr:         api.ListenAddr,
		Handler:      handler,
		ReadTimeout:  api.ReadTimeout,
		WriteTimeout: api.WriteTimeout,
	}
	s.log.Info("starting http api", zap.String("addr", api.ListenAddr))
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/api/tasks/collect", s.handleCreateCollect).Methods(http.MethodPost)
	r.HandleFunc("/api/collect/{taskId}", s.handleStartCollect).Methods(http.MethodPost)
	r.HandleFunc("/api/tasks/{taskId}", s.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/api/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/api/results/{taskId}", s.handleGetResults).Methods(http.MethodGet)
	return r
}

func (s *Server) handleCreateCollect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "failed to read request body", nil)
		return
	}

	t, err := s.svc.CreateVkCollect(r.Context(), body, requestIDFromContext(r.Context()))
	if err != nil {
		writeTaskServiceError(w, r, err)
		return
	}

	writeData(w, r, http.StatusCreated, map[string]interface{}{
		"taskId":      t.ID,
		"status":      "created",
		"type":        t.Type,
		"groupsCount": len(t.Groups),
		"createdAt":   t.CreatedAt,
	})
}

func (s *Server) handleStartCollect(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	t, err := s.svc.StartCollect(r.Context(), taskID)
	if err != nil {
		writeTaskServiceError(w, r, err)
		return
	}
	resp := map[string]interface{}{"taskId": t.ID, "status": t.Status}
	if t.StartedAt != nil {
		resp["startedAt"] = *t.StartedAt
	}
	writeData(w, r, http.StatusAccepted, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	t, err := s.svc.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		writeTaskServiceError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, taskWithProgress(t, s.progressEstimate()))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := intQueryParam(q, "page", 1)
	limit := intQueryParam(q, "limit", 20)
	if limit > 100 {
		limit = 100
	}
	res, err := s.svc.ListTasks(r.Context(), taskservice.ListFilter{
		Page:   page,
		Limit:  limit,
		Status: task.Status(q.Get("status")),
		Type:   task.Type(q.Get("type")),
		Query:  q.Get("q"),
	})
	if err != nil {
		writeTaskServiceError(w, r, err)
		return
	}

	items := make([]interface{}, 0, len(res.Items))
	for _, t := range res.Items {
		items = append(items, taskWithProgress(t, s.progressEstimate()))
	}
	writeEnvelope(w, r, http.StatusOK, Envelope{
		Success: true,
		Data: map[string]interface{}{
			"items":      items,
			"pagination": paginate(page, limit, res.Total),
		},
	})
}

func (s *Server) handleGetResults(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["taskId"]
	q := r.URL.Query()

	var postVKID int64
	if v := q.Get("postId"); v != "" {
		postVKID, _ = strconv.ParseInt(v, 10, 64)
	}

	results, err := s.svc.GetResults(r.Context(), taskID, store.ResultsFilter{
		GroupVKID: q.Get("groupId"),
		PostVKID:  postVKID,
		Limit:     intQueryParam(q, "limit", 100),
		Offset:    intQueryParam(q, "offset", 0),
	})
	if err != nil {
		writeTaskServiceError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]interface{}{
		"posts":         results.Posts,
		"totalComments": results.TotalComments,
	})
}

func (s *Server) progressEstimate() int {
	if s.cfg.Progress.EstimatedCommentsPerPost <= 0 {
		return 15
	}
	return s.cfg.Progress.EstimatedCommentsPerPost
}

func intQueryParam(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeTaskServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch task.KindOf(err) {
	case task.KindValidation:
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error(), nil)
	case task.KindNotFound:
		writeErrorResponse(w, r, http.StatusNotFound, err.Error(), nil)
	case task.KindConflict:
		writeErrorResponse(w, r, http.StatusConflict, err.Error(), nil)
	case task.KindRateLimited:
		writeErrorResponse(w, r, http.StatusTooManyRequests, err.Error(), nil)
	default:
		writeErrorResponse(w, r, http.StatusInternalServerError, err.Error(), nil)
	}
}

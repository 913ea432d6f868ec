//go:build integration_tests
// +build integration_tests

// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/queue"
	"github.com/flyingrobots/vk-collector/internal/store"
	"github.com/flyingrobots/vk-collector/internal/task"
	"github.com/flyingrobots/vk-collector/internal/upstream"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"
)

// vkStub fakes just enough of the upstream wire protocol (groups.getById,
// wall.get, wall.getComments) to drive a full collect run end to end.
type vkStub struct {
	groupID       string
	groupName     string
	posts         []int
	commentsPer   map[int]int
	malformedWall bool

	// rateLimitFirstNWallCalls, when non-zero, makes the first N calls to
	// wall.get return a VK flood-control error (code 6) before the stub
	// starts answering normally, to exercise the cool-off/retry path.
	rateLimitFirstNWallCalls int32
	wallCalls                int32
}

func (s *vkStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[1:]
		q := r.URL.Query()
		switch method {
		case "groups.getById":
			fmt.Fprintf(w, `{"response":{"groups":[{"id":%s,"name":%q}]}}`, s.groupID, s.groupName)
		case "wall.get":
			offset := q.Get("offset")
			if s.malformedWall {
				fmt.Fprint(w, `not json`)
				return
			}
			if n := atomic.AddInt32(&s.wallCalls, 1); n <= s.rateLimitFirstNWallCalls {
				fmt.Fprint(w, `{"error":{"error_code":6,"error_msg":"Too many requests per second"}}`)
				return
			}
			if offset != "0" {
				fmt.Fprint(w, `{"response":{"items":[]}}`)
				return
			}
			items := make([]string, 0, len(s.posts))
			for i, id := range s.posts {
				items = append(items, fmt.Sprintf(`{"id":%d,"owner_id":-%s,"text":"post %d","likes":{"count":%d},"date":1700000000}`, id, s.groupID, i, i))
			}
			fmt.Fprintf(w, `{"response":{"items":[%s]}}`, joinJSON(items))
		case "wall.getComments":
			postID := q.Get("post_id")
			offset := q.Get("offset")
			if offset != "0" {
				fmt.Fprint(w, `{"response":{"items":[]}}`)
				return
			}
			var pid int
			fmt.Sscanf(postID, "%d", &pid)
			n := s.commentsPer[pid]
			items := make([]string, 0, n)
			for i := 0; i < n; i++ {
				items = append(items, fmt.Sprintf(`{"id":%d,"from_id":1,"text":"comment %d","likes":{"count":0},"date":1700000000}`, i+1, i))
			}
			fmt.Fprintf(w, `{"response":{"items":[%s]}}`, joinJSON(items))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func joinJSON(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ","
		}
		out += it
	}
	return out
}

func setupIntegrationWorker(t *testing.T, vk *vkStub) (*Worker, *store.Store, *queue.Queue, *config.Config, func()) {
	t.Helper()
	ctx := context.Background()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("vkcollector"),
		postgres.WithUsername("vkcollector"),
		postgres.WithPassword("vkcollector"),
	)
	require.NoError(t, err)
	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	st, err := store.Open(store.Config{DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	require.NoError(t, err)

	srv := httptest.NewServer(vk.handler())

	cfg := &config.Config{
		Workers: config.Workers{Count: 1},
		Queue: config.QueueConfig{
			BaseDelay:   1 * time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 1,
			Lease:       5 * time.Second,
			KeyPrefix:   "vktest",
		},
		Upstream: config.UpstreamConfig{
			BaseURL:             srv.URL,
			APIVersion:          "5.131",
			RPS:                 1000,
			Burst:               1000,
			Concurrency:         10,
			RequestTimeout:      2 * time.Second,
			TransientRetries:    2,
			RateLimitCoolOff:    10 * time.Millisecond,
			RateLimitCoolOffMax: 50 * time.Millisecond,
		},
		CircuitBreaker: config.CircuitBreaker{
			FailureThreshold: 0.9,
			Window:           time.Second,
			CooldownPeriod:   10 * time.Millisecond,
			MinSamples:       5,
		},
	}

	q := queue.New(rdb, cfg.Queue.KeyPrefix)
	up := upstream.New(cfg.Upstream)
	log := zap.NewNop()
	w := New(cfg, rdb, q, st, up, nil, nil, log)

	cleanup := func() {
		srv.Close()
		_ = st.Close()
		_ = pgContainer.Terminate(ctx)
		rdb.Close()
		mr.Close()
	}
	return w, st, q, cfg, cleanup
}

func TestWorkerCollectsPostsAndComments(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	vk := &vkStub{
		groupID:     "111",
		groupName:   "Test Group",
		posts:       []int{1, 2},
		commentsPer: map[int]int{1: 3, 2: 1},
	}
	w, st, q, cfg, cleanup := setupIntegrationWorker(t, vk)
	defer cleanup()
	ctx := context.Background()

	created, err := st.CreateTask(ctx, task.CreateInput{
		Type:      task.TypeFetchComments,
		Priority:  0,
		Groups:    []task.Group{{VKID: "111"}},
		CreatedBy: "test",
	})
	require.NoError(t, err)

	job := queue.NewJob("job-1", created.ID, string(created.Type), "", "")
	ok, err := q.Enqueue(ctx, job, cfg.Queue.Lease)
	require.NoError(t, err)
	require.True(t, ok)

	reserved, reservedPayload, err := q.Reserve(ctx, "w1", time.Second, cfg.Queue.Lease)
	require.NoError(t, err)
	require.NotEmpty(t, reservedPayload)

	success := w.processJob(ctx, "w1", reserved, reservedPayload)
	require.True(t, success)

	final, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, 2, final.Metrics.PostsTotal)
	require.Equal(t, 4, final.Metrics.CommentsTotal)

	results, err := st.GetResults(ctx, created.ID, store.ResultsFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, results.Posts, 2)

	completedDepth, err := q.Depth(ctx, q.CompletedKey())
	require.NoError(t, err)
	require.Equal(t, int64(1), completedDepth)
}

// TestWorkerDegradesGroupAfterExhaustingTransientRetries exercises a wall.get
// that never recovers: every attempt, including every in-place retry, fails
// to decode. Once upstream's retry budget (TransientRetries) is exhausted,
// the failure is reclassified as permanent for that one group rather than
// nacking the whole job, so the task still completes with its error count
// incremented instead of being dead-lettered and re-run from scratch.
func TestWorkerDegradesGroupAfterExhaustingTransientRetries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	vk := &vkStub{groupID: "222", groupName: "Flaky Group", malformedWall: true}
	w, st, q, cfg, cleanup := setupIntegrationWorker(t, vk)
	defer cleanup()
	ctx := context.Background()

	created, err := st.CreateTask(ctx, task.CreateInput{
		Type:      task.TypeFetchComments,
		Priority:  0,
		Groups:    []task.Group{{VKID: "222"}},
		CreatedBy: "test",
	})
	require.NoError(t, err)

	job := queue.NewJob("job-2", created.ID, string(created.Type), "", "")
	ok, err := q.Enqueue(ctx, job, cfg.Queue.Lease)
	require.NoError(t, err)
	require.True(t, ok)

	reserved, reservedPayload, err := q.Reserve(ctx, "w1", time.Second, cfg.Queue.Lease)
	require.NoError(t, err)

	success := w.processJob(ctx, "w1", reserved, reservedPayload)
	require.True(t, success)

	completedDepth, err := q.Depth(ctx, q.CompletedKey())
	require.NoError(t, err)
	require.Equal(t, int64(1), completedDepth)

	final, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, 0, final.Metrics.PostsTotal)
	require.GreaterOrEqual(t, final.Metrics.Errors, 1)
}

// TestWorkerRecoversFromRateLimitedResponse exercises VK flood-control
// responses (error_code 6) on the first two wall.get calls: the upstream
// client must wait out its cool-off and retry in place rather than
// surfacing the rate-limit as a task-terminating error (spec scenario S3).
func TestWorkerRecoversFromRateLimitedResponse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	vk := &vkStub{
		groupID:                  "333",
		groupName:                "Rate Limited Group",
		posts:                    []int{1},
		commentsPer:              map[int]int{1: 0},
		rateLimitFirstNWallCalls: 2,
	}
	w, st, q, cfg, cleanup := setupIntegrationWorker(t, vk)
	defer cleanup()
	ctx := context.Background()

	created, err := st.CreateTask(ctx, task.CreateInput{
		Type:      task.TypeFetchComments,
		Priority:  0,
		Groups:    []task.Group{{VKID: "333"}},
		CreatedBy: "test",
	})
	require.NoError(t, err)

	job := queue.NewJob("job-3", created.ID, string(created.Type), "", "")
	ok, err := q.Enqueue(ctx, job, cfg.Queue.Lease)
	require.NoError(t, err)
	require.True(t, ok)

	reserved, reservedPayload, err := q.Reserve(ctx, "w1", time.Second, cfg.Queue.Lease)
	require.NoError(t, err)

	success := w.processJob(ctx, "w1", reserved, reservedPayload)
	require.True(t, success)

	final, err := st.GetTask(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, final.Status)
	require.Equal(t, 1, final.Metrics.PostsTotal)
	require.Equal(t, 0, final.Metrics.Errors)
}

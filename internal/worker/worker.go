// Copyright 2025 James Ross
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/flyingrobots/vk-collector/internal/archive"
	"github.com/flyingrobots/vk-collector/internal/breaker"
	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/eventhooks"
	"github.com/flyingrobots/vk-collector/internal/obs"
	"github.com/flyingrobots/vk-collector/internal/queue"
	"github.com/flyingrobots/vk-collector/internal/store"
	"github.com/flyingrobots/vk-collector/internal/task"
	"github.com/flyingrobots/vk-collector/internal/upstream"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Worker consumes jobs from the Queue and drives the Task State Machine,
// invoking the Upstream Client and Store and updating metrics along the way.
type Worker struct {
	cfg      *config.Config
	rdb      *redis.Client
	q        *queue.Queue
	store    *store.Store
	upstream *upstream.Client
	hooks    *eventhooks.Publisher
	archive  *archive.Archiver
	log      *zap.Logger
	cb       *breaker.CircuitBreaker
	baseID   string
}

func New(cfg *config.Config, rdb *redis.Client, q *queue.Queue, st *store.Store, up *upstream.Client, hooks *eventhooks.Publisher, ar *archive.Archiver, log *zap.Logger) *Worker {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	host, _ := os.Hostname()
	base := fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().UnixNano())
	return &Worker{cfg: cfg, rdb: rdb, q: q, store: st, upstream: up, hooks: hooks, archive: ar, log: log, cb: cb, baseID: base}
}

func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers.Count; i++ {
		wg.Add(1)
		id := fmt.Sprintf("%s-%d", w.baseID, i)
		go func(workerID string) {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			w.runOne(ctx, workerID)
		}(id)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				switch w.cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.Set(2)
				}
			}
		}
	}()

	wg.Wait()
	return nil
}

func (w *Worker) runOne(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		if !w.cb.Allow() {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		deqCtx, deqSpan := obs.StartDequeueSpan(ctx, w.q.WaitingKey())
		job, payload, err := w.q.Reserve(deqCtx, workerID, 2*time.Second, w.cfg.Queue.Lease)
		if err != nil {
			obs.RecordError(deqCtx, err)
			deqSpan.End()
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("reserve error", obs.Err(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if payload == "" {
			deqSpan.End()
			continue
		}
		obs.SetSpanSuccess(deqCtx)
		obs.AddEvent(deqCtx, "job_reserved", obs.KeyValue("task_id", job.TaskID))
		deqSpan.End()

		obs.TasksStarted.Inc()
		start := time.Now()
		ok := w.processJob(ctx, workerID, job, payload)
		obs.TaskProcessingDuration.Observe(time.Since(start).Seconds())

		prev := w.cb.State()
		w.cb.Record(ok)
		curr := w.cb.State()
		if prev != curr && curr == breaker.Open {
			obs.CircuitBreakerTrips.Inc()
		}
	}
}

func (w *Worker) processJob(ctx context.Context, workerID string, job queue.Job, payload string) bool {
	ctx, span := obs.ContextWithJobSpan(ctx, job)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", workerID))

	// Keep the heartbeat alive while the job runs so the reclaimer only
	// requeues jobs whose worker has stopped.
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(w.cfg.Queue.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_ = w.rdb.Set(hbCtx, w.q.HeartbeatKey(workerID), payload, w.cfg.Queue.Lease).Err()
			}
		}
	}()

	t, err := w.store.GetTask(ctx, job.TaskID)
	if err != nil {
		w.log.Error("task not found for job, dropping", obs.String("task_id", job.TaskID), obs.Err(err))
		_ = w.q.Ack(ctx, workerID, job, payload)
		return false
	}

	if t.Status.IsTerminal() {
		_ = w.q.Ack(ctx, workerID, job, payload)
		return true
	}

	if t.Status == task.StatusPending {
		now := time.Now().UTC()
		if err := w.store.UpdateTaskStatus(ctx, t.ID, task.StatusProcessing, store.StatusUpdate{StartedAt: &now}); err != nil {
			w.log.Error("transition to processing failed", obs.Err(err))
			return w.fail(ctx, workerID, job, payload, t, err)
		}
		w.publish(ctx, eventhooks.EventTaskStarted, t.ID)
	}

	var runErr error
	switch t.Type {
	case task.TypeAnalyzePosts:
		runErr = w.runAnalyzePosts(ctx, t)
	default:
		runErr = w.runCollect(ctx, t)
	}

	if runErr != nil {
		return w.fail(ctx, workerID, job, payload, t, runErr)
	}

	finished := time.Now().UTC()
	if err := w.store.UpdateTaskStatus(ctx, t.ID, task.StatusCompleted, store.StatusUpdate{FinishedAt: &finished}); err != nil {
		w.log.Error("transition to completed failed", obs.Err(err))
		return w.fail(ctx, workerID, job, payload, t, err)
	}
	obs.TasksCompleted.Inc()
	w.publish(ctx, eventhooks.EventTaskCompleted, t.ID)
	_ = w.q.Ack(ctx, workerID, job, payload)
	obs.SetSpanSuccess(ctx)
	return true
}

// fail classifies runErr: transient failures with attempts remaining are
// nacked for retry; everything else terminates the task.
func (w *Worker) fail(ctx context.Context, workerID string, job queue.Job, payload string, t task.Task, runErr error) bool {
	obs.RecordError(ctx, runErr)
	kind := task.KindOf(runErr)
	transient := kind == task.KindUpstreamTransient || kind == task.KindStoreUnavailable || kind == task.KindQueueUnavailable

	deadLettered := false
	if transient {
		requeued, err := w.q.Nack(ctx, workerID, job, payload, w.cfg.Queue.MaxAttempts, w.cfg.Queue.BaseDelay, w.cfg.Queue.MaxDelay)
		if err != nil {
			w.log.Error("nack failed", obs.Err(err))
		}
		if requeued {
			obs.TasksRetried.Inc()
			return false
		}
		deadLettered = err == nil
	}

	finished := time.Now().UTC()
	errMsg := runErr.Error()
	if err := w.store.UpdateTaskStatus(ctx, t.ID, task.StatusFailed, store.StatusUpdate{FinishedAt: &finished, Error: errMsg}); err != nil {
		w.log.Error("transition to failed failed", obs.Err(err))
	}
	obs.TasksFailed.Inc()
	w.publish(ctx, eventhooks.EventTaskFailed, t.ID)
	if deadLettered {
		obs.TasksDeadLetter.Inc()
	} else {
		_ = w.q.Ack(ctx, workerID, job, payload)
	}
	return false
}

func (w *Worker) publish(ctx context.Context, event eventhooks.Event, taskID string) {
	if w.hooks == nil {
		return
	}
	if err := w.hooks.Publish(ctx, event, taskID); err != nil {
		w.log.Warn("event hook publish failed", obs.String("task_id", taskID), obs.Err(err))
	}
}

// runCollect implements the §4.4 algorithm: resolve groups, then walk posts
// and (for fetch_comments) comments pagewise, sequentially within the task.
func (w *Worker) runCollect(ctx context.Context, t task.Task) error {
	vkIDs := make([]string, 0, len(t.Groups))
	for _, g := range t.Groups {
		vkIDs = append(vkIDs, g.VKID)
	}

	if err := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{GroupsTotal: len(vkIDs) - t.Metrics.GroupsTotal}); err != nil {
		return task.NewError(task.KindStoreUnavailable, "record groups total", err)
	}

	resolutions, err := w.upstream.ResolveGroups(ctx, vkIDs)
	if err != nil {
		return err // KindUpstreamAuth propagates directly per §4.3
	}

	resolved := make([]task.Group, 0, len(resolutions))
	for _, r := range resolutions {
		g := task.Group{TaskID: t.ID, VKID: r.VKID, Name: r.Name}
		if r.Error != nil {
			g.Status = task.GroupInvalid
			if err := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{Errors: 1}); err != nil {
				return task.NewError(task.KindStoreUnavailable, "increment errors", err)
			}
			// An invalid group has no post phase to finish, so it is
			// processed the moment resolution fails it.
			if err := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{GroupsProcessed: 1}); err != nil {
				return task.NewError(task.KindStoreUnavailable, "increment groups processed", err)
			}
		} else {
			g.Status = task.GroupValid
			resolved = append(resolved, g)
		}
		if _, err := w.store.UpsertGroups(ctx, t.ID, []task.Group{g}); err != nil {
			return task.NewError(task.KindStoreUnavailable, "upsert group", err)
		}
		if err := w.checkCancelled(ctx, t.ID); err != nil {
			return err
		}
	}

	// groupsProcessed for a valid group only increments after its posts (and,
	// for fetch_comments tasks, their comments) have finished (§4.4 step 5),
	// not at resolution time — otherwise progress reports the comments phase
	// before a single post has been listed.
	for _, g := range resolved {
		if err := w.collectGroup(ctx, t, g); err != nil {
			return err
		}
		if err := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{GroupsProcessed: 1}); err != nil {
			return task.NewError(task.KindStoreUnavailable, "increment groups processed", err)
		}
	}
	return nil
}

func (w *Worker) collectGroup(ctx context.Context, t task.Task, g task.Group) error {
	pager := w.upstream.ListPosts(g.VKID, 100, 0)
	for {
		start := time.Now()
		posts, done, err := pager.Next(ctx)
		obs.UpstreamRequestDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			if task.KindOf(err) == task.KindUpstreamPermanent {
				if ierr := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{Errors: 1}); ierr != nil {
					return task.NewError(task.KindStoreUnavailable, "increment errors", ierr)
				}
				obs.UpstreamRequests.WithLabelValues("wall.get", "permanent").Inc()
				break
			}
			obs.UpstreamRequests.WithLabelValues("wall.get", "error").Inc()
			return err
		}
		obs.UpstreamRequests.WithLabelValues("wall.get", "ok").Inc()

		if len(posts) > 0 {
			for i := range posts {
				posts[i].TaskID = t.ID
			}
			if err := w.store.UpsertPosts(ctx, t.ID, posts); err != nil {
				return task.NewError(task.KindStoreUnavailable, "upsert posts", err)
			}
			obs.PostsIngested.Add(float64(len(posts)))
			if err := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{PostsTotal: len(posts)}); err != nil {
				return task.NewError(task.KindStoreUnavailable, "increment posts total", err)
			}

			if t.Type != task.TypeProcessGroups {
				for _, p := range posts {
					if err := w.collectComments(ctx, t, p); err != nil {
						return err
					}
				}
			}

			if err := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{PostsProcessed: len(posts)}); err != nil {
				return task.NewError(task.KindStoreUnavailable, "increment posts processed", err)
			}
		}

		if err := w.checkCancelled(ctx, t.ID); err != nil {
			return err
		}
		if done {
			break
		}
	}
	return nil
}

func (w *Worker) collectComments(ctx context.Context, t task.Task, p task.Post) error {
	pager := w.upstream.ListComments(p.VKPostID, p.OwnerID, upstream.SortAsc, 100)
	for {
		comments, done, err := pager.Next(ctx)
		if err != nil {
			if task.KindOf(err) == task.KindUpstreamPermanent {
				if ierr := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{Errors: 1}); ierr != nil {
					return task.NewError(task.KindStoreUnavailable, "increment errors", ierr)
				}
				obs.UpstreamRequests.WithLabelValues("wall.getComments", "permanent").Inc()
				break
			}
			obs.UpstreamRequests.WithLabelValues("wall.getComments", "error").Inc()
			return err
		}
		obs.UpstreamRequests.WithLabelValues("wall.getComments", "ok").Inc()

		if len(comments) > 0 {
			if err := w.store.UpsertComments(ctx, comments); err != nil {
				return task.NewError(task.KindStoreUnavailable, "upsert comments", err)
			}
			obs.CommentsIngested.Add(float64(len(comments)))
			if err := w.store.IncrementMetrics(ctx, t.ID, task.MetricsDelta{CommentsTotal: len(comments), CommentsProcessed: len(comments)}); err != nil {
				return task.NewError(task.KindStoreUnavailable, "increment comments", err)
			}
		}
		if done {
			break
		}
	}
	return nil
}

func (w *Worker) runAnalyzePosts(ctx context.Context, t task.Task) error {
	if w.archive == nil {
		return nil
	}
	return w.archive.RollupTask(ctx, t.ID)
}

// checkCancelled observes cooperative cancellation at sub-unit boundaries.
func (w *Worker) checkCancelled(ctx context.Context, taskID string) error {
	select {
	case <-ctx.Done():
		return task.NewError(task.KindCancelled, "task cancelled", ctx.Err())
	default:
		return nil
	}
}

// Copyright 2025 James Ross
package reclaimer

import (
	"context"
	"strings"
	"time"

	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/obs"
	"github.com/flyingrobots/vk-collector/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reclaimer periodically scans worker processing lists for jobs whose
// owning worker has stopped heartbeating, and requeues them onto the
// waiting list so no task is stuck behind a dead worker indefinitely.
type Reclaimer struct {
	cfg       *config.Config
	rdb       *redis.Client
	q         *queue.Queue
	keyPrefix string
	log       *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, q *queue.Queue, keyPrefix string, log *zap.Logger) *Reclaimer {
	return &Reclaimer{cfg: cfg, rdb: rdb, q: q, keyPrefix: keyPrefix, log: log}
}

func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.scanOnce(ctx)
		}
	}
}

func (r *Reclaimer) scanOnce(ctx context.Context) {
	pattern := r.keyPrefix + ":processing:*"
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reclaimer scan error", obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			parts := strings.Split(plist, ":")
			if len(parts) < 3 {
				continue
			}
			workerID := parts[len(parts)-1]
			hbKey := r.q.HeartbeatKey(workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}

			for {
				payload, err := r.rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reclaimer rpop error", obs.Err(err))
					break
				}
				job, err := queue.UnmarshalJob(payload)
				if err != nil {
					continue
				}
				if err := r.rdb.LPush(ctx, r.q.WaitingKey(), payload).Err(); err != nil {
					r.log.Error("reclaimer requeue failed", obs.Err(err))
					continue
				}
				obs.ReclaimerRecovered.Inc()
				r.log.Warn("requeued orphaned job",
					obs.String("task_id", job.TaskID),
					obs.String("from_worker", workerID),
					obs.String("trace_id", job.TraceID))
			}
		}
		if cursor == 0 {
			break
		}
	}
}

// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/queue"
	"go.uber.org/zap"
)

// StartQueueDepthUpdater samples queue state depths and updates a gauge.
func StartQueueDepthUpdater(ctx context.Context, cfg *config.Config, q *queue.Queue, log *zap.Logger) {
	interval := cfg.Observability.QueueSampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	states := map[string]string{
		"waiting":   q.WaitingKey(),
		"completed": q.CompletedKey(),
		"dead":      q.DeadLetterKey(),
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for state, key := range states {
					n, err := q.Depth(ctx, key)
					if err != nil {
						log.Debug("queue depth poll error", String("state", state), Err(err))
						continue
					}
					QueueDepth.WithLabelValues(state).Set(float64(n))
				}
			}
		}
	}()
}

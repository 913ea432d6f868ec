// Copyright 2025 James Ross
package pruner

import (
	"context"
	"time"

	"github.com/flyingrobots/vk-collector/internal/config"
	"github.com/flyingrobots/vk-collector/internal/obs"
	"github.com/flyingrobots/vk-collector/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Pruner runs Store.PruneOlderThan on a cron schedule, removing terminal
// tasks (and optionally their posts/comments) past the configured
// retention age.
type Pruner struct {
	cfg   config.PrunerConfig
	store *store.Store
	log   *zap.Logger
	c     *cron.Cron
}

func New(cfg config.PrunerConfig, st *store.Store, log *zap.Logger) *Pruner {
	return &Pruner{cfg: cfg, store: st, log: log}
}

// Start registers the prune job and begins the cron scheduler. It returns
// immediately; call Stop to shut it down.
func (p *Pruner) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}
	p.c = cron.New()
	_, err := p.c.AddFunc(p.cfg.Schedule, func() { p.runOnce(ctx) })
	if err != nil {
		return err
	}
	p.c.Start()
	return nil
}

func (p *Pruner) Stop() {
	if p.c != nil {
		p.c.Stop()
	}
}

func (p *Pruner) runOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.cfg.RetentionAge)
	n, err := p.store.PruneOlderThan(ctx, cutoff, p.cfg.DeletePosts, p.cfg.DeleteComments)
	if err != nil {
		p.log.Error("prune failed", obs.Err(err))
		return
	}
	p.log.Info("pruned terminal tasks", obs.Int("count", int(n)), obs.String("cutoff", cutoff.Format(time.RFC3339)))
}

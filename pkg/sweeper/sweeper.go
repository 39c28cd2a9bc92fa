// Package sweeper hard-deletes tombstoned posts once nothing references
// them anymore. Tombstones exist only to keep thread structure intact
// for live descendants; when a tombstone's replies are all gone the
// sweep removes it outright, cascading up dead branches across passes.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"factdb/pkg/facts"
	"factdb/pkg/logger"
	"factdb/pkg/models"
	"factdb/pkg/posts"
)

type Config struct {
	Enabled bool   `yaml:"enabled"`
	Cron    string `yaml:"cron"`
	DryRun  bool   `yaml:"dry_run"`
}

type Sweeper struct {
	cfg     Config
	store   facts.Store
	engine  *posts.Engine
	mu      sync.Mutex
	running bool
}

func New(cfg Config, store facts.Store, engine *posts.Engine) *Sweeper {
	return &Sweeper{cfg: cfg, store: store, engine: engine}
}

// Start launches the cron loop. The returned cancel stops it; when the
// sweep is disabled Start is a no-op.
func (s *Sweeper) Start(ctx context.Context) context.CancelFunc {
	if !s.cfg.Enabled {
		logger.Log.Info("sweeper_disabled")
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	logger.Log.Info("sweeper_enabled", zap.String("cron", s.cfg.Cron))
	go s.loop(ctx)
	return cancel
}

func (s *Sweeper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cfg.Cron, time.Now(), false)
		if err != nil {
			logger.Log.Error("sweeper_nexttick_failed",
				zap.String("cron", s.cfg.Cron), zap.Error(err))
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		wait := time.Until(next)
		if wait <= 0 {
			s.runJob()
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(wait):
			s.runJob()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sweeper) runJob() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.RunOnce(); err != nil {
		logger.Log.Error("sweeper_run_error", zap.Error(err))
	}
}

// RunOnce sweeps until a full pass removes nothing, so a dead branch of
// chained tombstones goes in one call. Returns the number removed. In
// dry-run mode a single pass counts eligible tombstones without touching
// anything.
func (s *Sweeper) RunOnce() (int, error) {
	start := time.Now()
	total := 0
	for {
		n, err := s.pass()
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 || s.cfg.DryRun {
			break
		}
	}
	logger.Log.Info("sweeper_run_done",
		zap.Int("purged", total), zap.Bool("dry_run", s.cfg.DryRun),
		zap.Duration("took", time.Since(start)))
	return total, nil
}

// pass removes every tombstone that no longer has replies.
func (s *Sweeper) pass() (int, error) {
	tombs, err := s.store.Select(facts.Query{Where: facts.And(
		[]facts.Pred{facts.KindEq(models.KindLastVersion)},
		[]facts.Pred{facts.NumEq(0)},
	)})
	if err != nil {
		return 0, err
	}

	purged := 0
	for _, t := range tombs {
		replies, err := s.store.Select(facts.Query{Where: facts.And(
			facts.OwnerEq(t.ID),
			[]facts.Pred{facts.KindEq(models.KindLastVersion)},
		), Limit: 1})
		if err != nil {
			return purged, err
		}
		if len(replies) > 0 {
			continue
		}
		if s.cfg.DryRun {
			logger.Log.Info("sweeper_would_purge", zap.Int64("ts", t.ID.TS))
			purged++
			continue
		}
		if err := s.engine.Delete(t.ID, nil); err != nil {
			logger.Log.Error("sweeper_purge_failed",
				zap.Int64("ts", t.ID.TS), zap.Error(err))
			continue
		}
		purged++
	}
	return purged, nil
}

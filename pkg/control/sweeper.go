package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/store"
)

// Sweeper deletes settled rows past their retention TTLs: done/failed
// routine events, sent/failed effects, and plugin audit rows. Unknown
// effects are never swept; they hold operator-actionable state.
type Sweeper struct {
	store *store.Store
	cfg   *config.RetentionConfig

	sweeping atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSweeper creates the retention sweeper.
func NewSweeper(st *store.Store, cfg *config.RetentionConfig) *Sweeper {
	return &Sweeper{
		store:  st,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		logger: slog.Default().With("component", "retention"),
	}
}

// Start begins the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("Retention sweeper started", "interval", s.cfg.SweepInterval)

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Retention sweeper shutting down")
			return
		case <-ctx.Done():
			s.logger.Info("Context cancelled, retention sweeper shutting down")
			return
		default:
			if err := s.sweep(ctx); err != nil {
				if store.IsSchemaDrift(err) {
					store.LogSchemaDrift(s.logger, err)
					s.logger.Error("Retention sweeper stopped on schema drift")
					return
				}
				s.logger.Error("Retention sweep failed", "error", err)
			}
			s.sleep(s.cfg.SweepInterval)
		}
	}
}

func (s *Sweeper) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopCh:
	case <-timer.C:
	}
}

func (s *Sweeper) sweep(ctx context.Context) error {
	if !s.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer s.sweeping.Store(false)

	now := time.Now()
	events, err := s.store.PurgeSettledRoutineEvents(ctx, now.Add(-s.cfg.SettledEventTTL))
	if err != nil {
		return fmt.Errorf("purge routine events: %w", err)
	}
	effects, err := s.store.PurgeResolvedEffects(ctx, now.Add(-s.cfg.ResolvedEffectTTL))
	if err != nil {
		return fmt.Errorf("purge effects: %w", err)
	}
	audits, err := s.store.PurgePluginEvents(ctx, now.Add(-s.cfg.PluginEventTTL))
	if err != nil {
		return fmt.Errorf("purge plugin events: %w", err)
	}

	if events > 0 || effects > 0 || audits > 0 {
		s.logger.Info("Retention sweep removed rows",
			"routine_events", events,
			"effects", effects,
			"plugin_events", audits)
	}
	return nil
}

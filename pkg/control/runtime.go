package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/dispatch"
	"github.com/crewhq/crewd/pkg/outbox"
	"github.com/crewhq/crewd/pkg/routines"
)

// RuntimeDeps lists the workers the coordinator owns. Nil entries are
// skipped, which keeps partial wirings (tests, tools) possible.
type RuntimeDeps struct {
	Dispatch  *dispatch.Worker
	Outbox    *outbox.Worker
	Scheduler *routines.Scheduler
	Events    *routines.EventWorker
	Recovery  *Recovery
	Sweeper   *Sweeper
	Runtime   *config.RuntimeConfig
}

// Runtime coordinates worker lifecycles. Startup runs recovery before any
// tick loop so no worker can claim rows a dead process still appears to
// hold; shutdown stops every ticker first and then drains in-flight runs.
type Runtime struct {
	dispatch  *dispatch.Worker
	outbox    *outbox.Worker
	scheduler *routines.Scheduler
	events    *routines.EventWorker
	recovery  *Recovery
	sweeper   *Sweeper
	cfg       *config.RuntimeConfig
	logger    *slog.Logger
}

// NewRuntime creates the coordinator.
func NewRuntime(deps RuntimeDeps) *Runtime {
	return &Runtime{
		dispatch:  deps.Dispatch,
		outbox:    deps.Outbox,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		recovery:  deps.Recovery,
		sweeper:   deps.Sweeper,
		cfg:       deps.Runtime,
		logger:    slog.Default().With("component", "runtime"),
	}
}

// Start runs startup recovery and then launches every worker.
func (r *Runtime) Start(ctx context.Context) error {
	if r.recovery != nil {
		if _, err := r.recovery.RunStartup(ctx); err != nil {
			return err
		}
		r.recovery.Start(ctx)
	}
	if r.dispatch != nil {
		r.dispatch.Start(ctx)
	}
	if r.outbox != nil {
		r.outbox.Start(ctx)
	}
	if r.scheduler != nil {
		r.scheduler.Start(ctx)
	}
	if r.events != nil {
		r.events.Start(ctx)
	}
	if r.sweeper != nil {
		r.sweeper.Start(ctx)
	}
	r.logger.Info("Runtime started")
	return nil
}

// Shutdown stops every ticker so nothing new is claimed, then waits for
// in-flight runs to drain. Runs still active when the drain window closes
// are cancelled; recovery settles whatever they leave behind on next boot.
func (r *Runtime) Shutdown(ctx context.Context) {
	r.logger.Info("Runtime shutting down")
	if r.sweeper != nil {
		r.sweeper.Stop()
	}
	if r.recovery != nil {
		r.recovery.Stop()
	}
	if r.scheduler != nil {
		r.scheduler.Stop()
	}
	if r.events != nil {
		r.events.Stop()
	}
	if r.outbox != nil {
		r.outbox.Stop()
	}
	if r.dispatch != nil {
		r.dispatch.Stop()
		r.drain(ctx)
	}
	r.logger.Info("Runtime stopped")
}

func (r *Runtime) drain(ctx context.Context) {
	active := r.dispatch.Active()
	if active.Size() == 0 {
		return
	}
	r.logger.Info("Draining active runs",
		"active_runs", active.Size(),
		"window", r.cfg.GracefulShutdownTimeout)

	deadline := time.NewTimer(r.cfg.GracefulShutdownTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(r.cfg.DrainPollInterval)
	defer poll.Stop()

	for {
		if active.Size() == 0 {
			r.logger.Info("Active runs drained")
			return
		}
		select {
		case <-ctx.Done():
			r.logger.Warn("Shutdown context cancelled, aborting remaining runs",
				"cancelled", active.CancelAll())
			return
		case <-deadline.C:
			r.logger.Warn("Drain window elapsed, aborting remaining runs",
				"cancelled", active.CancelAll(),
				"dispatch_ids", active.IDs())
			return
		case <-poll.C:
		}
	}
}

// Package outbox delivers deferred side effects at most once. The worker
// claims due rows, resolves the channel handler, runs the pre-deliver hook
// gate, and maps the handler outcome onto the sent/failed/unknown tri-state.
// Delivered agent responses on public channels additionally fan back out as
// relay work items.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/pkg/telemetry"
)

// Deps bundles the collaborators a Worker needs.
type Deps struct {
	Store    *store.Store
	Registry *plugins.Registry
	Hooks    *plugins.Hooks

	// Relay enqueues follow-up work items for delivered agent responses.
	// Nil disables relaying.
	Relay *intake.Service

	Outbox *config.OutboxConfig
}

// Worker owns the delivery tick loop. Effects are delivered one at a time in
// outbox order; throughput comes from cheap handler calls, not parallelism,
// which keeps the at-most-once reasoning simple.
type Worker struct {
	store    *store.Store
	registry *plugins.Registry
	hooks    *plugins.Hooks
	relay    *intake.Service
	cfg      *config.OutboxConfig

	delivering atomic.Bool
	kickCh     chan struct{}
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	logger     *slog.Logger

	mu           sync.RWMutex
	delivered    int
	lastActivity time.Time
}

// Health is a point-in-time snapshot for the health endpoint.
type Health struct {
	Delivered    int       `json:"delivered"`
	LastActivity time.Time `json:"last_activity"`
}

// NewWorker creates the outbox worker.
func NewWorker(deps Deps) *Worker {
	hooks := deps.Hooks
	if hooks == nil {
		hooks = plugins.NewHooks(deps.Store)
	}
	return &Worker{
		store:        deps.Store,
		registry:     deps.Registry,
		hooks:        hooks,
		relay:        deps.Relay,
		cfg:          deps.Outbox,
		kickCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		logger:       slog.Default().With("component", "outbox_worker"),
		lastActivity: time.Now(),
	}
}

// Start begins the tick loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight delivery.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Kick requests an immediate tick instead of waiting out the interval, e.g.
// after an operator re-queues an unknown effect. Non-blocking.
func (w *Worker) Kick() {
	select {
	case w.kickCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the worker health.
func (w *Worker) Snapshot() Health {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Health{Delivered: w.delivered, LastActivity: w.lastActivity}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	w.logger.Info("Outbox worker started", "tick_interval", w.cfg.TickInterval)

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Outbox worker shutting down")
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, outbox worker shutting down")
			return
		default:
			if err := w.tick(ctx); err != nil {
				if store.IsSchemaDrift(err) {
					store.LogSchemaDrift(w.logger, err)
					w.logger.Error("Outbox worker stopped on schema drift")
					return
				}
				w.logger.Error("Outbox tick failed", "error", err)
				w.sleep(time.Second)
				continue
			}
			w.sleep(w.cfg.TickInterval)
		}
	}
}

func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-w.kickCh:
	case <-timer.C:
	}
}

// tick drains every due effect. Overlapping ticks are gated by the
// delivering flag.
func (w *Worker) tick(ctx context.Context) error {
	if !w.delivering.CompareAndSwap(false, true) {
		return nil
	}
	defer w.delivering.Store(false)

	rc, err := w.store.GetRuntimeControl(ctx)
	if err != nil {
		return fmt.Errorf("read runtime control: %w", err)
	}
	if !rc.ProcessingEnabled {
		return nil
	}

	for {
		select {
		case <-w.stopCh:
			return nil
		default:
		}

		effect, err := w.store.ClaimNextEffect(ctx)
		if errors.Is(err, store.ErrNoEffectAvailable) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim effect: %w", err)
		}
		if err := w.deliver(ctx, effect); err != nil {
			// The row stays in sending; recovery parks it as unknown.
			return fmt.Errorf("deliver effect %s: %w", effect.ID, err)
		}
		w.markDelivered()
	}
}

// deliver runs one claimed effect to a terminal (or re-queued) state. Every
// return path marks the row; a mark rejected with ErrStaleEpoch means the
// claim was preempted and the result is discarded.
func (w *Worker) deliver(ctx context.Context, effect *models.Effect) error {
	ctx, span := telemetry.Tracer().Start(ctx, "effect.deliver",
		trace.WithAttributes(
			attribute.String("effect.id", effect.ID),
			attribute.String("effect.kind", string(effect.Kind)),
			attribute.Int("effect.attempt", effect.AttemptCount),
		))
	defer span.End()

	logger := w.logger.With(
		"effect_id", effect.ID,
		"effect_key", effect.EffectKey,
		"attempt", effect.AttemptCount)

	instance, failReason, err := w.resolveInstance(ctx, effect)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve instance")
		return err
	}
	if failReason != "" {
		logger.Warn("Effect not deliverable", "reason", failReason)
		span.SetAttributes(attribute.String("effect.outcome", string(plugins.OutcomeFailed)))
		return w.markFailed(ctx, effect, failReason, false)
	}

	handler, ok := w.registry.Get(instance.PluginType)
	if !ok {
		logger.Warn("No handler for effect", "plugin_type", instance.PluginType)
		span.SetAttributes(attribute.String("effect.outcome", string(plugins.OutcomeFailed)))
		return w.markFailed(ctx, effect, fmt.Sprintf("no handler for plugin type %q", instance.PluginType), false)
	}

	if res := w.hooks.Dispatch(ctx, &plugins.HookEvent{
		Hook:       plugins.HookResponsePreDeliver,
		InstanceID: instance.ID,
		Effect:     effect,
		Content:    effect.Payload.Content,
	}); res != nil {
		if res.Blocked {
			logger.Info("Delivery blocked by hook", "reason", res.Reason)
			return w.markFailed(ctx, effect, "blocked by pre-deliver hook: "+res.Reason, false)
		}
		if res.Content != nil {
			effect.Payload.Content = *res.Content
		}
	}

	deliverCtx, cancel := context.WithTimeout(ctx, w.cfg.DeliveryTimeout)
	result, postErr := handler.PostResponse(deliverCtx, instance, effect)
	cancel()

	outcome, err := w.settle(ctx, effect, result, postErr)
	if errors.Is(err, store.ErrStaleEpoch) {
		logger.Warn("Delivery result discarded, claim was preempted")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settle effect")
		return err
	}
	span.SetAttributes(attribute.String("effect.outcome", string(outcome)))
	if postErr != nil {
		span.RecordError(postErr)
	}

	logger.Info("Effect settled", "outcome", outcome)

	w.hooks.Dispatch(ctx, &plugins.HookEvent{
		Hook:       plugins.HookResponsePostDeliver,
		InstanceID: instance.ID,
		Effect:     effect,
		Content:    effect.Payload.Content,
	})

	if outcome == plugins.OutcomeSent {
		w.maybeRelay(ctx, effect)
	}
	return nil
}

// resolveInstance loads the effect's plugin instance. A missing or disabled
// instance is a permanent failure, not an error; the disabled case also
// leaves a permission-denied audit row.
func (w *Worker) resolveInstance(ctx context.Context, effect *models.Effect) (*models.PluginInstance, string, error) {
	if effect.PluginInstanceID == nil {
		return nil, "effect has no plugin instance", nil
	}
	instance, err := w.store.GetInstance(ctx, *effect.PluginInstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Sprintf("plugin instance %s no longer exists", *effect.PluginInstanceID), nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("resolve instance: %w", err)
	}
	if !instance.Enabled {
		w.hooks.RecordPermissionDenied(ctx, instance.ID,
			fmt.Sprintf("delivery of effect %s refused: instance is disabled", effect.ID))
		return nil, fmt.Sprintf("plugin instance %s is disabled", instance.ID), nil
	}
	return instance, "", nil
}

// settle maps the handler result onto the outbox tri-state. A handler error
// means the call itself blew up and the side effect may or may not have
// happened, so the row parks as unknown for operator reconciliation.
func (w *Worker) settle(ctx context.Context, effect *models.Effect, result *plugins.PostResult, postErr error) (plugins.Outcome, error) {
	if postErr != nil {
		return plugins.OutcomeUnknown,
			w.store.MarkEffectUnknown(ctx, effect.ID, postErr.Error(), effect.ClaimedEpoch)
	}

	switch result.Outcome {
	case plugins.OutcomeSent:
		return plugins.OutcomeSent,
			w.store.MarkEffectSent(ctx, effect.ID, result.ProviderRef, effect.ClaimedEpoch)
	case plugins.OutcomeUnknown:
		return plugins.OutcomeUnknown,
			w.store.MarkEffectUnknown(ctx, effect.ID, result.Detail, effect.ClaimedEpoch)
	default:
		var next time.Time
		if result.Retryable {
			next = time.Now().Add(w.backoff(effect.AttemptCount))
		}
		return plugins.OutcomeFailed,
			w.store.MarkEffectFailed(ctx, effect.ID, result.Detail, result.Retryable, next, effect.ClaimedEpoch)
	}
}

// backoff computes the retry delay for the given attempt number, linear in
// the attempt count and clamped to the configured window.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * w.cfg.BackoffStep
	if d < w.cfg.BackoffMin {
		d = w.cfg.BackoffMin
	}
	if d > w.cfg.BackoffMax {
		d = w.cfg.BackoffMax
	}
	return d
}

// maybeRelay fans a delivered agent response back out to teammates. Relay
// errors never affect the delivery outcome; the effect is already sent.
func (w *Worker) maybeRelay(ctx context.Context, effect *models.Effect) {
	if w.relay == nil {
		return
	}
	receipt, err := w.relay.EnqueueRelay(ctx, effect)
	if err != nil {
		w.logger.Warn("Relay enqueue failed", "effect_id", effect.ID, "error", err)
		return
	}
	if receipt == nil {
		return
	}
	w.logger.Info("Agent response relayed",
		"effect_id", effect.ID,
		"work_item_id", receipt.WorkItem.ID,
		"lanes", len(receipt.QueueKeys),
		"relay_depth", receipt.WorkItem.Payload.RelayDepth)
}

func (w *Worker) markFailed(ctx context.Context, effect *models.Effect, reason string, retryable bool) error {
	var next time.Time
	if retryable {
		next = time.Now().Add(w.backoff(effect.AttemptCount))
	}
	err := w.store.MarkEffectFailed(ctx, effect.ID, reason, retryable, next, effect.ClaimedEpoch)
	if errors.Is(err, store.ErrStaleEpoch) {
		return nil
	}
	return err
}

func (w *Worker) markDelivered() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delivered++
	w.lastActivity = time.Now()
}

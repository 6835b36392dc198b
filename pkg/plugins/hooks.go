package plugins

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crewhq/crewd/pkg/models"
)

// Hook names. Pre hooks may veto or rewrite; post hooks only observe.
const (
	HookWorkItemPreCreate   = "work_item.pre_create"
	HookWorkItemPostCreate  = "work_item.post_create"
	HookResponsePreDeliver  = "response.pre_deliver"
	HookResponsePostDeliver = "response.post_deliver"
)

// HookEvent is the payload handed to hook functions. Exactly one of WorkItem
// and Effect is set depending on the hook.
type HookEvent struct {
	Hook       string
	InstanceID string
	WorkItem   *models.WorkItem
	Effect     *models.Effect
	// Content is the delivery text for response hooks.
	Content string
}

// HookResult is what a pre hook returns. Post hooks' results are ignored.
type HookResult struct {
	// Blocked vetoes the operation. Only honored on pre hooks.
	Blocked bool
	Reason  string
	// Content, when non-nil on response.pre_deliver, replaces the delivery
	// text.
	Content *string
}

// HookFunc is one registered hook. A nil result means "no opinion".
type HookFunc func(ctx context.Context, ev *HookEvent) (*HookResult, error)

// Recorder persists plugin events for operator review. The store satisfies
// this.
type Recorder interface {
	RecordPluginEvent(ctx context.Context, ev *models.PluginEvent) error
}

// Hooks runs registered hook functions in registration order. Hook faults
// never fail the surrounding operation: errors are logged, recorded, and
// skipped. Only an explicit Blocked result stops a pre hook chain.
type Hooks struct {
	recorder Recorder
	logger   *slog.Logger
	funcs    map[string][]HookFunc
}

// NewHooks creates an empty hook pipeline. recorder may be nil.
func NewHooks(recorder Recorder) *Hooks {
	return &Hooks{
		recorder: recorder,
		logger:   slog.Default().With("component", "plugin_hooks"),
		funcs:    make(map[string][]HookFunc),
	}
}

// On registers fn for the named hook.
func (h *Hooks) On(hook string, fn HookFunc) {
	h.funcs[hook] = append(h.funcs[hook], fn)
}

// Dispatch runs the hook chain for ev.Hook. The returned result is the first
// Blocked result, or the accumulated content rewrite, or nil when no hook had
// an opinion.
func (h *Hooks) Dispatch(ctx context.Context, ev *HookEvent) *HookResult {
	chain := h.funcs[ev.Hook]
	if len(chain) == 0 {
		return nil
	}
	var out *HookResult
	for _, fn := range chain {
		res, err := fn(ctx, ev)
		if err != nil {
			h.logger.Warn("Hook failed, continuing",
				"hook", ev.Hook,
				"instance_id", ev.InstanceID,
				"error", err)
			h.record(ctx, ev, models.PluginEventHookError, err.Error())
			continue
		}
		if res == nil {
			continue
		}
		if res.Blocked {
			h.logger.Info("Hook blocked operation",
				"hook", ev.Hook,
				"instance_id", ev.InstanceID,
				"reason", res.Reason)
			h.record(ctx, ev, models.PluginEventHookBlocked, res.Reason)
			return res
		}
		if res.Content != nil {
			// Later hooks see the rewritten content.
			ev.Content = *res.Content
			if out == nil {
				out = &HookResult{}
			}
			out.Content = res.Content
		}
	}
	return out
}

func (h *Hooks) record(ctx context.Context, ev *HookEvent, kind, detail string) {
	if h.recorder == nil {
		return
	}
	rec := &models.PluginEvent{Kind: kind, Hook: ev.Hook, Detail: detail}
	if ev.InstanceID != "" {
		id := ev.InstanceID
		rec.PluginInstanceID = &id
	}
	if err := h.recorder.RecordPluginEvent(ctx, rec); err != nil {
		h.logger.Warn("Failed to record plugin event", "kind", kind, "error", err)
	}
}

// RecordPermissionDenied writes the audit row for a refused plugin capability,
// such as a disabled instance trying to submit or receive work. Best effort:
// the refusal stands whether or not the row lands.
func (h *Hooks) RecordPermissionDenied(ctx context.Context, instanceID, detail string) {
	h.record(ctx, &HookEvent{InstanceID: instanceID}, models.PluginEventPermissionDenied, detail)
}

// BlockedError converts a blocked hook result into an error for callers that
// surface the veto.
func BlockedError(hook string, res *HookResult) error {
	return fmt.Errorf("%s hook blocked: %s", hook, res.Reason)
}

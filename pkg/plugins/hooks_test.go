package plugins

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/models"
)

type recordingSink struct {
	events []*models.PluginEvent
}

func (r *recordingSink) RecordPluginEvent(_ context.Context, ev *models.PluginEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func TestHooksDispatch(t *testing.T) {
	t.Run("no registered hooks returns nil", func(t *testing.T) {
		hooks := NewHooks(nil)
		res := hooks.Dispatch(context.Background(), &HookEvent{Hook: HookWorkItemPreCreate})
		assert.Nil(t, res)
	})

	t.Run("blocked result stops the chain and is recorded", func(t *testing.T) {
		sink := &recordingSink{}
		hooks := NewHooks(sink)
		secondRan := false
		hooks.On(HookWorkItemPreCreate, func(_ context.Context, _ *HookEvent) (*HookResult, error) {
			return &HookResult{Blocked: true, Reason: "sender is rate limited"}, nil
		})
		hooks.On(HookWorkItemPreCreate, func(_ context.Context, _ *HookEvent) (*HookResult, error) {
			secondRan = true
			return nil, nil
		})

		res := hooks.Dispatch(context.Background(), &HookEvent{
			Hook:       HookWorkItemPreCreate,
			InstanceID: "inst-1",
		})
		require.NotNil(t, res)
		assert.True(t, res.Blocked)
		assert.Equal(t, "sender is rate limited", res.Reason)
		assert.False(t, secondRan)

		require.Len(t, sink.events, 1)
		assert.Equal(t, models.PluginEventHookBlocked, sink.events[0].Kind)
		assert.Equal(t, HookWorkItemPreCreate, sink.events[0].Hook)
		require.NotNil(t, sink.events[0].PluginInstanceID)
		assert.Equal(t, "inst-1", *sink.events[0].PluginInstanceID)
	})

	t.Run("hook errors are recorded and skipped", func(t *testing.T) {
		sink := &recordingSink{}
		hooks := NewHooks(sink)
		hooks.On(HookResponsePreDeliver, func(_ context.Context, _ *HookEvent) (*HookResult, error) {
			return nil, errors.New("upstream unavailable")
		})
		hooks.On(HookResponsePreDeliver, func(_ context.Context, ev *HookEvent) (*HookResult, error) {
			redacted := "[redacted]"
			return &HookResult{Content: &redacted}, nil
		})

		res := hooks.Dispatch(context.Background(), &HookEvent{
			Hook:    HookResponsePreDeliver,
			Content: "original",
		})
		require.NotNil(t, res)
		require.NotNil(t, res.Content)
		assert.Equal(t, "[redacted]", *res.Content)

		require.Len(t, sink.events, 1)
		assert.Equal(t, models.PluginEventHookError, sink.events[0].Kind)
		assert.Contains(t, sink.events[0].Detail, "upstream unavailable")
	})

	t.Run("content rewrites chain through later hooks", func(t *testing.T) {
		hooks := NewHooks(nil)
		var secondSaw string
		hooks.On(HookResponsePreDeliver, func(_ context.Context, _ *HookEvent) (*HookResult, error) {
			first := "first rewrite"
			return &HookResult{Content: &first}, nil
		})
		hooks.On(HookResponsePreDeliver, func(_ context.Context, ev *HookEvent) (*HookResult, error) {
			secondSaw = ev.Content
			second := ev.Content + " + second"
			return &HookResult{Content: &second}, nil
		})

		res := hooks.Dispatch(context.Background(), &HookEvent{
			Hook:    HookResponsePreDeliver,
			Content: "original",
		})
		assert.Equal(t, "first rewrite", secondSaw)
		require.NotNil(t, res)
		require.NotNil(t, res.Content)
		assert.Equal(t, "first rewrite + second", *res.Content)
	})

	t.Run("no opinion returns nil result", func(t *testing.T) {
		hooks := NewHooks(nil)
		hooks.On(HookWorkItemPostCreate, func(_ context.Context, _ *HookEvent) (*HookResult, error) {
			return nil, nil
		})
		res := hooks.Dispatch(context.Background(), &HookEvent{Hook: HookWorkItemPostCreate})
		assert.Nil(t, res)
	})
}

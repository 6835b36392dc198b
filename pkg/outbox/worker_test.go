package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/store"
	testdb "github.com/crewhq/crewd/test/database"
)

const scriptedPluginType = "scripted"

type scriptedResult struct {
	res *plugins.PostResult
	err error
}

// scriptedHandler returns canned results in order, repeating the last one,
// and records the content it was asked to deliver.
type scriptedHandler struct {
	mu      sync.Mutex
	script  []scriptedResult
	calls   int
	content []string
}

func (h *scriptedHandler) PluginType() string                { return scriptedPluginType }
func (h *scriptedHandler) ResponseMode() models.ResponseMode { return models.ResponseFinal }

func (h *scriptedHandler) PostResponse(ctx context.Context, instance *models.PluginInstance, effect *models.Effect) (*plugins.PostResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	idx := h.calls
	if idx >= len(h.script) {
		idx = len(h.script) - 1
	}
	h.calls++
	h.content = append(h.content, effect.Payload.Content)
	r := h.script[idx]
	return r.res, r.err
}

func (h *scriptedHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func (h *scriptedHandler) delivered() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.content...)
}

type outboxEnv struct {
	store    *store.Store
	worker   *Worker
	handler  *scriptedHandler
	instance *models.PluginInstance
}

func setupOutboxEnv(t *testing.T, script ...scriptedResult) *outboxEnv {
	t.Helper()
	st := testdb.NewTestStore(t)
	ctx := context.Background()

	if len(script) == 0 {
		script = []scriptedResult{{res: &plugins.PostResult{Outcome: plugins.OutcomeSent}}}
	}
	handler := &scriptedHandler{script: script}
	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register(handler))

	instance := &models.PluginInstance{
		PluginType:  scriptedPluginType,
		DisplayName: "Scripted",
		Config:      &models.InstanceConfig{},
		Enabled:     true,
	}
	require.NoError(t, st.CreateInstance(ctx, instance, ""))

	cfg := config.DefaultOutboxConfig()
	cfg.TickInterval = 20 * time.Millisecond
	cfg.DeliveryTimeout = 2 * time.Second
	cfg.BackoffStep = 20 * time.Millisecond
	cfg.BackoffMin = 10 * time.Millisecond
	cfg.BackoffMax = 100 * time.Millisecond

	w := NewWorker(Deps{Store: st, Registry: registry, Outbox: cfg})
	t.Cleanup(w.Stop)

	return &outboxEnv{store: st, worker: w, handler: handler, instance: instance}
}

func (e *outboxEnv) insertEffect(t *testing.T, key, content string) *models.Effect {
	t.Helper()
	eff := &models.Effect{
		EffectKey:        key,
		Kind:             models.EffectKindFinalResponse,
		PluginInstanceID: &e.instance.ID,
		Payload:          models.EffectPayload{Content: content, Actor: models.ActorEnvelope{Kind: models.ActorHuman}},
	}
	inserted, err := e.store.InsertEffect(context.Background(), eff)
	require.NoError(t, err)
	require.True(t, inserted)
	return eff
}

// awaitStatus ticks the worker until the effect reaches the wanted status.
func (e *outboxEnv) awaitStatus(t *testing.T, id string, status models.EffectStatus) *models.Effect {
	t.Helper()
	ctx := context.Background()
	var got *models.Effect
	require.Eventually(t, func() bool {
		require.NoError(t, e.worker.tick(ctx))
		eff, err := e.store.GetEffect(ctx, id)
		if err != nil {
			return false
		}
		got = eff
		return eff.Status == status
	}, 5*time.Second, 10*time.Millisecond, "effect never reached %s", status)
	return got
}

func TestDeliverySent(t *testing.T) {
	env := setupOutboxEnv(t, scriptedResult{res: &plugins.PostResult{Outcome: plugins.OutcomeSent, ProviderRef: "msg-42"}})
	eff := env.insertEffect(t, "k1", "hello out there")

	got := env.awaitStatus(t, eff.ID, models.EffectSent)
	assert.Equal(t, 1, got.AttemptCount)
	require.NotNil(t, got.ProviderRef)
	assert.Equal(t, "msg-42", *got.ProviderRef)
	assert.NotNil(t, got.ResolvedAt)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, []string{"hello out there"}, env.handler.delivered())
}

func TestDeliveryRetryableFailureThenSent(t *testing.T) {
	env := setupOutboxEnv(t,
		scriptedResult{res: &plugins.PostResult{Outcome: plugins.OutcomeFailed, Retryable: true, Detail: "rate limited"}},
		scriptedResult{res: &plugins.PostResult{Outcome: plugins.OutcomeSent}},
	)
	eff := env.insertEffect(t, "k1", "retry me")

	got := env.awaitStatus(t, eff.ID, models.EffectSent)
	assert.Equal(t, 2, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "rate limited", *got.LastError)
}

func TestDeliveryPermanentFailure(t *testing.T) {
	env := setupOutboxEnv(t, scriptedResult{res: &plugins.PostResult{Outcome: plugins.OutcomeFailed, Retryable: false, Detail: "channel gone"}})
	eff := env.insertEffect(t, "k1", "no retry")

	got := env.awaitStatus(t, eff.ID, models.EffectFailed)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Nil(t, got.NextAttemptAt)
	assert.NotNil(t, got.ResolvedAt)

	// Further ticks must not touch a resolved row.
	require.NoError(t, env.worker.tick(context.Background()))
	assert.Equal(t, 1, env.handler.callCount())
}

func TestDeliveryUnknownParksForOperator(t *testing.T) {
	env := setupOutboxEnv(t,
		scriptedResult{err: errors.New("connection reset mid-flight")},
		scriptedResult{res: &plugins.PostResult{Outcome: plugins.OutcomeSent}},
	)
	ctx := context.Background()
	eff := env.insertEffect(t, "k1", "ambiguous")

	got := env.awaitStatus(t, eff.ID, models.EffectUnknown)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "connection reset")

	// Unknown is never auto-retried.
	for i := 0; i < 5; i++ {
		require.NoError(t, env.worker.tick(ctx))
	}
	assert.Equal(t, 1, env.handler.callCount())

	t.Run("operator re-queues it", func(t *testing.T) {
		require.NoError(t, env.store.ResolveUnknownEffect(ctx, eff.ID, models.EffectPending))
		resolved := env.awaitStatus(t, eff.ID, models.EffectSent)
		assert.Equal(t, 2, resolved.AttemptCount)
	})
}

func TestDeliveryUnknownOutcomeFromHandler(t *testing.T) {
	env := setupOutboxEnv(t, scriptedResult{res: &plugins.PostResult{Outcome: plugins.OutcomeUnknown, Detail: "timeout after send"}})
	eff := env.insertEffect(t, "k1", "maybe sent")

	got := env.awaitStatus(t, eff.ID, models.EffectUnknown)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "timeout after send", *got.LastError)
}

func TestDeliveryWithoutInstanceFailsPermanently(t *testing.T) {
	env := setupOutboxEnv(t)
	eff := &models.Effect{
		EffectKey: "orphan",
		Kind:      models.EffectKindFinalResponse,
		Payload:   models.EffectPayload{Content: "nowhere to go"},
	}
	inserted, err := env.store.InsertEffect(context.Background(), eff)
	require.NoError(t, err)
	require.True(t, inserted)

	got := env.awaitStatus(t, eff.ID, models.EffectFailed)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "no plugin instance")
	assert.Equal(t, 0, env.handler.callCount())
}

func TestDeliveryUnregisteredHandlerFailsPermanently(t *testing.T) {
	env := setupOutboxEnv(t)
	ctx := context.Background()

	ghost := &models.PluginInstance{PluginType: "ghost", DisplayName: "Ghost", Enabled: true}
	require.NoError(t, env.store.CreateInstance(ctx, ghost, ""))
	eff := &models.Effect{
		EffectKey:        "ghosted",
		Kind:             models.EffectKindFinalResponse,
		PluginInstanceID: &ghost.ID,
		Payload:          models.EffectPayload{Content: "hi"},
	}
	inserted, err := env.store.InsertEffect(ctx, eff)
	require.NoError(t, err)
	require.True(t, inserted)

	got := env.awaitStatus(t, eff.ID, models.EffectFailed)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, `no handler for plugin type "ghost"`)
}

func TestDeliveryToDisabledInstanceFailsPermanently(t *testing.T) {
	env := setupOutboxEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.SetInstanceEnabled(ctx, env.instance.ID, false))

	eff := env.insertEffect(t, "k1", "talking to a wall")
	got := env.awaitStatus(t, eff.ID, models.EffectFailed)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "is disabled")
	assert.Equal(t, 0, env.handler.callCount())

	events, err := env.store.ListPluginEvents(ctx, "permission_denied", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].PluginInstanceID)
	assert.Equal(t, env.instance.ID, *events[0].PluginInstanceID)
}

func TestPreDeliverHookBlocksDelivery(t *testing.T) {
	env := setupOutboxEnv(t)
	ctx := context.Background()

	env.worker.hooks.On(plugins.HookResponsePreDeliver, func(ctx context.Context, ev *plugins.HookEvent) (*plugins.HookResult, error) {
		return &plugins.HookResult{Blocked: true, Reason: "contains secrets"}, nil
	})

	eff := env.insertEffect(t, "k1", "AKIA...")
	got := env.awaitStatus(t, eff.ID, models.EffectFailed)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "blocked by pre-deliver hook: contains secrets")
	assert.Equal(t, 0, env.handler.callCount(), "handler must not run for blocked content")

	events, err := env.store.ListPluginEvents(ctx, "hook_blocked", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestPreDeliverHookRewritesContent(t *testing.T) {
	env := setupOutboxEnv(t)

	env.worker.hooks.On(plugins.HookResponsePreDeliver, func(ctx context.Context, ev *plugins.HookEvent) (*plugins.HookResult, error) {
		redacted := "[redacted]"
		return &plugins.HookResult{Content: &redacted}, nil
	})

	eff := env.insertEffect(t, "k1", "password=hunter2")
	env.awaitStatus(t, eff.ID, models.EffectSent)
	assert.Equal(t, []string{"[redacted]"}, env.handler.delivered())
}

func TestProcessingGateHoldsDelivery(t *testing.T) {
	env := setupOutboxEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.SetProcessingEnabled(ctx, false, models.PauseSoft))
	eff := env.insertEffect(t, "k1", "held")

	for i := 0; i < 3; i++ {
		require.NoError(t, env.worker.tick(ctx))
	}
	got, err := env.store.GetEffect(ctx, eff.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EffectPending, got.Status)
	assert.Equal(t, 0, env.handler.callCount())

	require.NoError(t, env.store.SetProcessingEnabled(ctx, true, models.PauseSoft))
	env.awaitStatus(t, eff.ID, models.EffectSent)
}

func TestDeliveredAgentResponseRelays(t *testing.T) {
	env := setupOutboxEnv(t)
	ctx := context.Background()
	st := env.store

	alpha := &models.Agent{Handle: "alpha", DisplayName: "Alpha", Enabled: true}
	bravo := &models.Agent{Handle: "bravo", DisplayName: "Bravo", Enabled: true}
	require.NoError(t, st.CreateAgent(ctx, alpha))
	require.NoError(t, st.CreateAgent(ctx, bravo))

	channel := &models.PluginInstance{
		PluginType:      scriptedPluginType,
		DisplayName:     "Team channel",
		AgentIDs:        []string{alpha.ID, bravo.ID},
		IsPublicChannel: true,
		Enabled:         true,
	}
	require.NoError(t, st.CreateInstance(ctx, channel, ""))

	lanes := config.DefaultLanesConfig()
	lanes.Debounce = 10 * time.Millisecond
	lanes.FanoutStagger = 0
	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register(env.handler))
	env.worker.relay = intake.NewService(st, nil, registry, lanes, 12)

	parentRef := "chat:1"
	parent := &models.WorkItem{
		PluginInstanceID: &channel.ID,
		SessionKey:       "sess-r",
		Source:           models.SourceChat,
		SourceRef:        &parentRef,
		Title:            "hello",
		Payload:          models.WorkItemPayload{Text: "hello", Actor: models.ActorEnvelope{Kind: models.ActorHuman}},
	}
	created, err := st.CreateWorkItem(ctx, parent)
	require.NoError(t, err)
	require.True(t, created)

	eff := &models.Effect{
		EffectKey:        "relay-src",
		Kind:             models.EffectKindFinalResponse,
		PluginInstanceID: &channel.ID,
		WorkItemID:       &parent.ID,
		Payload: models.EffectPayload{
			Content: "Alpha here, shipping it.",
			Actor: models.ActorEnvelope{
				Kind:        models.ActorAgent,
				AgentID:     alpha.ID,
				Handle:      "alpha",
				DisplayName: "Alpha",
			},
		},
	}
	inserted, err := st.InsertEffect(ctx, eff)
	require.NoError(t, err)
	require.True(t, inserted)

	env.awaitStatus(t, eff.ID, models.EffectSent)

	t.Run("relay work item created", func(t *testing.T) {
		relay, err := st.GetWorkItemBySourceRef(ctx, intake.RelaySourceRefPrefix+eff.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SourceRelay, relay.Source)
		assert.Equal(t, 1, relay.Payload.RelayDepth)
		assert.Equal(t, "sess-r", relay.SessionKey)
	})

	t.Run("origin agent excluded from fan-out", func(t *testing.T) {
		_, err := st.GetLane(ctx, "sess-r:"+bravo.ID)
		require.NoError(t, err)
		_, err = st.GetLane(ctx, "sess-r:"+alpha.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("redelivery does not relay twice", func(t *testing.T) {
		receipt, err := env.worker.relay.EnqueueRelay(ctx, eff)
		require.NoError(t, err)
		require.NotNil(t, receipt)
		assert.False(t, receipt.Created)
	})
}

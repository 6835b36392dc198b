package intake

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/store"
	testdb "github.com/crewhq/crewd/test/database"
)

type intakeEnv struct {
	store    *store.Store
	svc      *Service
	hooks    *plugins.Hooks
	agents   []*models.Agent
	instance *models.PluginInstance
}

// setupIntake seeds two enabled agents assigned to one public instance.
func setupIntake(t *testing.T) *intakeEnv {
	t.Helper()
	st := testdb.NewTestStore(t)
	ctx := context.Background()

	alpha := &models.Agent{Handle: "alpha", DisplayName: "Alpha", Enabled: true}
	bravo := &models.Agent{Handle: "bravo", DisplayName: "Bravo", Enabled: true}
	require.NoError(t, st.CreateAgent(ctx, alpha))
	require.NoError(t, st.CreateAgent(ctx, bravo))

	inst := &models.PluginInstance{
		PluginType:      plugins.ChatPluginType,
		DisplayName:     "Team Chat",
		Config:          &models.InstanceConfig{},
		AgentIDs:        []string{alpha.ID, bravo.ID},
		IsPublicChannel: true,
		Enabled:         true,
	}
	require.NoError(t, st.CreateInstance(ctx, inst, "hook-secret"))

	hooks := plugins.NewHooks(st)
	lanes := config.DefaultLanesConfig()
	lanes.Debounce = 50 * time.Millisecond
	lanes.FanoutStagger = 100 * time.Millisecond
	svc := NewService(st, hooks, plugins.NewRegistry(), lanes, 12)

	return &intakeEnv{store: st, svc: svc, hooks: hooks, agents: []*models.Agent{alpha, bravo}, instance: inst}
}

func TestSubmitFanOut(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()

	receipt, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       "ship the release notes",
		SenderName: "casey",
	})
	require.NoError(t, err)
	require.True(t, receipt.Created)
	assert.Len(t, receipt.QueueKeys, 2)
	assert.Empty(t, receipt.ExcludedAgents)

	t.Run("one pending message per agent lane", func(t *testing.T) {
		for _, a := range env.agents {
			msgs, err := env.store.ListPendingMessages(ctx, "sess-1:"+a.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "ship the release notes", msgs[0].Text)
			assert.Equal(t, receipt.WorkItem.ID, msgs[0].WorkItemID)
		}
	})

	t.Run("later lane gets the fan-out stagger", func(t *testing.T) {
		var windows []time.Time
		for _, a := range env.agents {
			lane, err := env.store.GetLane(ctx, "sess-1:"+a.ID)
			require.NoError(t, err)
			windows = append(windows, lane.DebounceUntil)
		}
		gap := windows[1].Sub(windows[0])
		if gap < 0 {
			gap = -gap
		}
		assert.InDelta(t, 100, gap.Milliseconds(), 30)
	})

	t.Run("inbound transcript recorded", func(t *testing.T) {
		msgs, err := env.store.ListSessionMessages(ctx, "sess-1", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, models.RoleUser, msgs[0].Role)
		assert.Equal(t, "casey", msgs[0].Author)
	})

	t.Run("lifecycle event published", func(t *testing.T) {
		ev, err := env.store.ClaimNextRoutineEvent(ctx)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.Equal(t, "work_item.created", ev.Envelope.EventType)
		assert.Equal(t, receipt.WorkItem.ID, ev.Envelope.EventID)
	})
}

func TestSubmitDedupesOnSourceRef(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()

	first, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceWebhook,
		SourceRef:  "delivery-42",
		Text:       "deploy failed",
	})
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceWebhook,
		SourceRef:  "delivery-42",
		Text:       "deploy failed",
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.WorkItem.ID, second.WorkItem.ID)
	assert.Empty(t, second.QueueKeys)

	msgs, err := env.store.ListPendingMessages(ctx, "sess-1:"+env.agents[0].ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSubmitOriginExclusion(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()

	receipt, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceRelay,
		Text:       "alpha said something",
		Actor: models.ActorEnvelope{
			Kind:    models.ActorAgent,
			AgentID: env.agents[0].ID,
			Handle:  "alpha",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1:" + env.agents[1].ID}, receipt.QueueKeys)
	assert.Equal(t, []string{env.agents[0].ID}, receipt.ExcludedAgents)
}

func TestSubmitSkipsDisabledAgents(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()
	require.NoError(t, env.store.SetAgentEnabled(ctx, env.agents[1].ID, false))

	receipt, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1:" + env.agents[0].ID}, receipt.QueueKeys)
	assert.Equal(t, []string{env.agents[1].ID}, receipt.ExcludedAgents)
}

func TestSubmitAllTargetsExcludedFails(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()
	require.NoError(t, env.store.SetAgentEnabled(ctx, env.agents[0].ID, false))
	require.NoError(t, env.store.SetAgentEnabled(ctx, env.agents[1].ID, false))

	_, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       "hello",
	})
	require.ErrorIs(t, err, ErrNoTargetAgents)
}

func TestSubmitHookVeto(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()
	env.hooks.On(plugins.HookWorkItemPreCreate, func(_ context.Context, ev *plugins.HookEvent) (*plugins.HookResult, error) {
		if ev.WorkItem != nil && ev.WorkItem.Payload.Text == "spam" {
			return &plugins.HookResult{Blocked: true, Reason: "looks like spam"}, nil
		}
		return nil, nil
	})

	_, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       "spam",
	})
	require.ErrorIs(t, err, ErrHookBlocked)
	assert.Contains(t, err.Error(), "looks like spam")

	events, err := env.store.ListPluginEvents(ctx, models.PluginEventHookBlocked, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, plugins.HookWorkItemPreCreate, events[0].Hook)

	// Nothing reached the lanes.
	msgs, err := env.store.ListPendingMessages(ctx, "sess-1:"+env.agents[0].ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSubmitDisabledInstance(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()
	require.NoError(t, env.store.SetInstanceEnabled(ctx, env.instance.ID, false))

	_, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       "still there?",
	})
	require.ErrorIs(t, err, ErrPermissionDenied)

	t.Run("denial is audited", func(t *testing.T) {
		events, err := env.store.ListPluginEvents(ctx, models.PluginEventPermissionDenied, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.NotNil(t, events[0].PluginInstanceID)
		assert.Equal(t, env.instance.ID, *events[0].PluginInstanceID)
	})

	t.Run("nothing reached the lanes", func(t *testing.T) {
		msgs, err := env.store.ListPendingMessages(ctx, "sess-1:"+env.agents[0].ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestEnqueueRelay(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()

	// Parent work item at depth 0, answered by alpha.
	parent, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       "status?",
	})
	require.NoError(t, err)

	effect := &models.Effect{
		EffectKey:        "dispatch:d1:assistant_final_response",
		PluginInstanceID: &env.instance.ID,
		WorkItemID:       &parent.WorkItem.ID,
		Kind:             models.EffectKindFinalResponse,
		Payload: models.EffectPayload{
			Content: "all green",
			Actor: models.ActorEnvelope{
				Kind:        models.ActorAgent,
				AgentID:     env.agents[0].ID,
				Handle:      "alpha",
				DisplayName: "Alpha",
			},
		},
	}
	_, err = env.store.InsertEffect(ctx, effect)
	require.NoError(t, err)

	t.Run("relays to the other agent only", func(t *testing.T) {
		receipt, err := env.svc.EnqueueRelay(ctx, effect)
		require.NoError(t, err)
		require.NotNil(t, receipt)
		assert.True(t, receipt.Created)
		assert.Equal(t, models.SourceRelay, receipt.WorkItem.Source)
		assert.Equal(t, 1, receipt.WorkItem.Payload.RelayDepth)
		require.NotNil(t, receipt.WorkItem.SourceRef)
		assert.Equal(t, RelaySourceRefPrefix+effect.ID, *receipt.WorkItem.SourceRef)
		assert.Equal(t, []string{"sess-1:" + env.agents[1].ID}, receipt.QueueKeys)
		assert.Equal(t, []string{env.agents[0].ID}, receipt.ExcludedAgents)
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		receipt, err := env.svc.EnqueueRelay(ctx, effect)
		require.NoError(t, err)
		require.NotNil(t, receipt)
		assert.False(t, receipt.Created)
	})

	t.Run("human-origin effects do not relay", func(t *testing.T) {
		humanEffect := &models.Effect{
			EffectKey:        "dispatch:d2:assistant_final_response",
			PluginInstanceID: &env.instance.ID,
			WorkItemID:       &parent.WorkItem.ID,
			Kind:             models.EffectKindFinalResponse,
			Payload: models.EffectPayload{
				Content: "hi",
				Actor:   models.ActorEnvelope{Kind: models.ActorHuman},
			},
		}
		receipt, err := env.svc.EnqueueRelay(ctx, humanEffect)
		require.NoError(t, err)
		assert.Nil(t, receipt)
	})

	t.Run("depth limit refuses the relay", func(t *testing.T) {
		deep, err := env.svc.Submit(ctx, &Submission{
			InstanceID: env.instance.ID,
			SessionKey: "sess-2",
			Source:     models.SourceRelay,
			Text:       "deep chain",
			RelayDepth: 12,
			Actor:      models.ActorEnvelope{Kind: models.ActorAgent, AgentID: env.agents[0].ID},
		})
		require.NoError(t, err)

		deepEffect := &models.Effect{
			EffectKey:        "dispatch:d3:assistant_final_response",
			PluginInstanceID: &env.instance.ID,
			WorkItemID:       &deep.WorkItem.ID,
			Kind:             models.EffectKindFinalResponse,
			Payload: models.EffectPayload{
				Content: "even deeper",
				Actor:   models.ActorEnvelope{Kind: models.ActorAgent, AgentID: env.agents[1].ID},
			},
		}
		_, err = env.store.InsertEffect(ctx, deepEffect)
		require.NoError(t, err)

		receipt, err := env.svc.EnqueueRelay(ctx, deepEffect)
		require.NoError(t, err)
		assert.Nil(t, receipt)
	})

	t.Run("private channels do not relay", func(t *testing.T) {
		private := &models.PluginInstance{
			PluginType:      plugins.ChatPluginType,
			DisplayName:     "DM",
			Config:          &models.InstanceConfig{},
			AgentIDs:        []string{env.agents[0].ID, env.agents[1].ID},
			IsPublicChannel: false,
			Enabled:         true,
		}
		require.NoError(t, env.store.CreateInstance(ctx, private, ""))

		privEffect := &models.Effect{
			EffectKey:        "dispatch:d4:assistant_final_response",
			PluginInstanceID: &private.ID,
			WorkItemID:       &parent.WorkItem.ID,
			Kind:             models.EffectKindFinalResponse,
			Payload: models.EffectPayload{
				Content: "psst",
				Actor:   models.ActorEnvelope{Kind: models.ActorAgent, AgentID: env.agents[0].ID},
			},
		}
		receipt, err := env.svc.EnqueueRelay(ctx, privEffect)
		require.NoError(t, err)
		assert.Nil(t, receipt)
	})
}

// TestRelayAlternation walks a ten-turn agent conversation: each turn's
// response relays to the opposite agent only, with the speaker excluded
// every time.
func TestRelayAlternation(t *testing.T) {
	env := setupIntake(t)
	ctx := context.Background()
	alpha, bravo := env.agents[0], env.agents[1]

	// Turn 0: a human kicks the session off.
	seed, err := env.svc.Submit(ctx, &Submission{
		InstanceID: env.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       "kick off",
	})
	require.NoError(t, err)

	targets := map[string]int{}
	prev := seed.WorkItem
	for turn := 1; turn <= 10; turn++ {
		speaker, listener := alpha, bravo
		if turn%2 == 0 {
			speaker, listener = bravo, alpha
		}

		effect := &models.Effect{
			EffectKey:        fmt.Sprintf("dispatch:turn-%d:assistant_final_response", turn),
			PluginInstanceID: &env.instance.ID,
			WorkItemID:       &prev.ID,
			Kind:             models.EffectKindFinalResponse,
			Payload: models.EffectPayload{
				Content: fmt.Sprintf("turn %d", turn),
				Actor: models.ActorEnvelope{
					Kind:        models.ActorAgent,
					AgentID:     speaker.ID,
					Handle:      speaker.Handle,
					DisplayName: speaker.DisplayName,
				},
			},
		}
		_, err := env.store.InsertEffect(ctx, effect)
		require.NoError(t, err)

		receipt, err := env.svc.EnqueueRelay(ctx, effect)
		require.NoError(t, err)
		require.NotNil(t, receipt, "turn %d must relay", turn)
		require.True(t, receipt.Created)
		assert.Equal(t, turn, receipt.WorkItem.Payload.RelayDepth)
		assert.Equal(t, []string{"sess-1:" + listener.ID}, receipt.QueueKeys,
			"turn %d must reach only the other agent", turn)
		assert.Equal(t, []string{speaker.ID}, receipt.ExcludedAgents,
			"turn %d must exclude its speaker", turn)

		targets[listener.ID]++
		prev = receipt.WorkItem
	}

	assert.Equal(t, 5, targets[alpha.ID])
	assert.Equal(t, 5, targets[bravo.ID])
	assert.Equal(t, "turn 10", prev.Payload.Text)
}

package control

import (
	"context"
	"errors"
	"fmt"
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

type controlEnv struct {
	store  *store.Store
	svc    *Service
	intake *intake.Service
	agent  *models.Agent
}

func setupControlEnv(t *testing.T) *controlEnv {
	t.Helper()
	st := testdb.NewTestStore(t)
	ctx := context.Background()

	env := &controlEnv{store: st, svc: NewService(st, nil)}
	env.agent = &models.Agent{Handle: "alpha", DisplayName: "Alpha", Enabled: true}
	require.NoError(t, st.CreateAgent(ctx, env.agent))

	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register(plugins.NewChatHandler()))

	lanes := config.DefaultLanesConfig()
	lanes.Debounce = 0
	lanes.FanoutStagger = 0
	env.intake = intake.NewService(st, plugins.NewHooks(st), registry, lanes, 12)
	return env
}

// drainEvents settles every queued lifecycle event so a test can reason
// about the one it publishes itself.
func (e *controlEnv) drainEvents(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		ev, err := e.store.ClaimNextRoutineEvent(ctx)
		if errors.Is(err, store.ErrNoEventAvailable) {
			return
		}
		require.NoError(t, err)
		require.NoError(t, e.store.MarkRoutineEventDone(ctx, ev.ID, ev.ClaimedEpoch))
	}
}

// seedQueuedDispatch submits a work item and promotes its lane into a queued
// dispatch.
func (e *controlEnv) seedQueuedDispatch(t *testing.T, sessionKey string) *models.RunDispatch {
	t.Helper()
	ctx := context.Background()
	_, err := e.intake.Submit(ctx, &intake.Submission{
		SessionKey:     sessionKey,
		Source:         models.SourceChat,
		SourceRef:      "seed:" + sessionKey,
		Text:           "do the thing",
		SenderName:     "casey",
		TargetAgentIDs: []string{e.agent.ID},
	})
	require.NoError(t, err)

	var promoted []*models.RunDispatch
	require.Eventually(t, func() bool {
		promoted, err = e.store.PromoteDueLanes(ctx, 10)
		return err == nil && len(promoted) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return promoted[0]
}

func TestServicePauseResume(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	t.Run("soft pause closes the gate and nothing else", func(t *testing.T) {
		report, err := env.svc.Pause(ctx, models.PauseSoft, "maintenance window")
		require.NoError(t, err)
		assert.Empty(t, report.Dispatches)

		rc, err := env.store.GetRuntimeControl(ctx)
		require.NoError(t, err)
		assert.False(t, rc.ProcessingEnabled)
		assert.Equal(t, models.PauseSoft, rc.PauseMode)
	})

	t.Run("resume reopens the gate", func(t *testing.T) {
		require.NoError(t, env.svc.Resume(ctx))
		rc, err := env.store.GetRuntimeControl(ctx)
		require.NoError(t, err)
		assert.True(t, rc.ProcessingEnabled)
	})

	t.Run("unknown pause mode rejected", func(t *testing.T) {
		_, err := env.svc.Pause(ctx, models.PauseMode("violent"), "")
		require.Error(t, err)
		var verr *store.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestServiceEmergencyStop(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	queued := env.seedQueuedDispatch(t, "sess-stop")

	// One delivery in flight: emergency stop cannot know whether the
	// provider got it, so it must park as unknown.
	_, err := env.store.InsertEffect(ctx, &models.Effect{
		EffectKey: "stop-test-effect",
		Kind:      models.EffectKindFinalResponse,
		Payload:   models.EffectPayload{Content: "in flight"},
	})
	require.NoError(t, err)
	_, err = env.store.ClaimNextEffect(ctx)
	require.NoError(t, err)

	report, err := env.svc.EmergencyStop(ctx, "operator hit the button")
	require.NoError(t, err)

	t.Run("gate closes hard", func(t *testing.T) {
		rc, err := env.store.GetRuntimeControl(ctx)
		require.NoError(t, err)
		assert.False(t, rc.ProcessingEnabled)
		assert.Equal(t, models.PauseHard, rc.PauseMode)
	})

	t.Run("queued dispatch is terminated", func(t *testing.T) {
		require.Len(t, report.Dispatches, 1)
		d, err := env.store.GetRunDispatch(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DispatchCancelled, d.Status)
	})

	t.Run("in-flight delivery parks as unknown", func(t *testing.T) {
		assert.EqualValues(t, 1, report.EffectsUnknown)
		effects, err := env.store.ListEffects(ctx, models.EffectUnknown, 10)
		require.NoError(t, err)
		require.Len(t, effects, 1)
		require.NotNil(t, effects[0].LastError)
		assert.Equal(t, "operator hit the button", *effects[0].LastError)
	})

	t.Run("control epoch is bumped", func(t *testing.T) {
		rc, err := env.store.GetRuntimeControl(ctx)
		require.NoError(t, err)
		assert.Equal(t, report.ControlEpoch, rc.ControlEpoch)
		assert.GreaterOrEqual(t, rc.ControlEpoch, int64(1))
	})

	t.Run("resume does not resurrect terminated work", func(t *testing.T) {
		require.NoError(t, env.svc.Resume(ctx))
		promoted, err := env.store.PromoteDueLanes(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, promoted)
	})
}

func TestServiceRunDirectives(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	queued := env.seedQueuedDispatch(t, "sess-directive")
	claimed, err := env.store.ClaimNextRunDispatch(ctx, "test-host", time.Minute)
	require.NoError(t, err)
	require.Equal(t, queued.ID, claimed.ID)
	require.NoError(t, env.store.AttachJobToDispatch(ctx, claimed.ID, "job-123", env.agent.ID))

	t.Run("pause by job id", func(t *testing.T) {
		d, err := env.svc.PauseRunByJob(ctx, "job-123", "operator pause")
		require.NoError(t, err)
		assert.Equal(t, models.ControlPauseRequested, d.ControlState)
	})

	t.Run("resume by job id", func(t *testing.T) {
		d, err := env.svc.ResumeRunByJob(ctx, "job-123", "")
		require.NoError(t, err)
		assert.Equal(t, models.ControlResumeRequested, d.ControlState)
	})

	t.Run("cancel by job id", func(t *testing.T) {
		d, err := env.svc.CancelRunByJob(ctx, "job-123", "wrong task")
		require.NoError(t, err)
		assert.Equal(t, models.ControlCancelRequested, d.ControlState)
		require.NotNil(t, d.ControlReason)
		assert.Equal(t, "wrong task", *d.ControlReason)
	})

	t.Run("unknown job id", func(t *testing.T) {
		_, err := env.svc.PauseRunByJob(ctx, "job-ghost", "")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestServiceSetMaxConcurrent(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	require.NoError(t, env.svc.SetMaxConcurrent(ctx, 3))
	status, err := env.svc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Control.MaxConcurrentDispatches)
	assert.Equal(t, 0, status.ActiveDispatches)
	assert.Equal(t, 0, status.LocalRuns)

	err = env.svc.SetMaxConcurrent(ctx, 0)
	require.Error(t, err)
}

func TestRecoveryStartup(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	// A dispatch claimed with a lease that expired long before the stale
	// cutoff, as if the process died mid-run.
	queued := env.seedQueuedDispatch(t, "sess-crash")
	_, err := env.store.ClaimNextRunDispatch(ctx, "dead-host", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	// Settle the lifecycle events intake published so the crashed event
	// below is the only one left.
	env.drainEvents(t)

	// An event a dead worker left in processing.
	_, _, err = env.store.PublishRoutineEvent(ctx, "ev-crash", models.EventEnvelope{
		Source:    models.SourceWebhook,
		EventType: "work_item.created",
	})
	require.NoError(t, err)
	_, err = env.store.ClaimNextRoutineEvent(ctx)
	require.NoError(t, err)

	runtime := config.DefaultRuntimeConfig()
	runtime.StartupStaleAfter = time.Millisecond
	rec := NewRecovery(RecoveryDeps{
		Store:    env.store,
		Runtime:  runtime,
		Routines: config.DefaultRoutinesConfig(),
	})

	report, err := rec.RunStartup(ctx)
	require.NoError(t, err)

	t.Run("stale dispatch is abandoned", func(t *testing.T) {
		require.Len(t, report.Dispatches, 1)
		d, err := env.store.GetRunDispatch(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DispatchAbandoned, d.Status)
	})

	t.Run("its lane is released", func(t *testing.T) {
		lane, err := env.store.GetLane(ctx, "sess-crash:"+env.agent.ID)
		require.NoError(t, err)
		assert.Equal(t, models.LaneStateQueued, lane.State)
		assert.Nil(t, lane.ActiveDispatchID)
	})

	t.Run("processing event is requeued", func(t *testing.T) {
		assert.EqualValues(t, 1, report.EventsRequeued)
		ev, err := env.store.ClaimNextRoutineEvent(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ev-crash", ev.EventKey)
	})

	t.Run("epoch is bumped", func(t *testing.T) {
		assert.GreaterOrEqual(t, report.ControlEpoch, int64(1))
	})
}

func TestRecoveryPeriodicPass(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	queued := env.seedQueuedDispatch(t, "sess-lease")
	_, err := env.store.ClaimNextRunDispatch(ctx, "flaky-host", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	rec := NewRecovery(RecoveryDeps{
		Store:    env.store,
		Runtime:  config.DefaultRuntimeConfig(),
		Routines: config.DefaultRoutinesConfig(),
	})

	t.Run("gate holds the pass", func(t *testing.T) {
		require.NoError(t, env.store.SetProcessingEnabled(ctx, false, models.PauseSoft))
		report, err := rec.TriggerPass(ctx)
		require.NoError(t, err)
		assert.True(t, report.Skipped)
		d, err := env.store.GetRunDispatch(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DispatchRunning, d.Status)
	})

	t.Run("expired lease is reaped once processing resumes", func(t *testing.T) {
		require.NoError(t, env.store.SetProcessingEnabled(ctx, true, models.PauseSoft))
		report, err := rec.TriggerPass(ctx)
		require.NoError(t, err)
		assert.False(t, report.Skipped)
		assert.Equal(t, 1, report.DispatchesAbandoned)
		d, err := env.store.GetRunDispatch(ctx, queued.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DispatchAbandoned, d.Status)
	})
}

func TestSweeper(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	// A resolved effect, a settled event, and an unknown effect that must
	// survive every sweep.
	_, err := env.store.InsertEffect(ctx, &models.Effect{
		EffectKey: "swept",
		Kind:      models.EffectKindFinalResponse,
		Payload:   models.EffectPayload{Content: "old news"},
	})
	require.NoError(t, err)
	claimed, err := env.store.ClaimNextEffect(ctx)
	require.NoError(t, err)
	require.NoError(t, env.store.MarkEffectSent(ctx, claimed.ID, "provider-1", claimed.ClaimedEpoch))

	_, err = env.store.InsertEffect(ctx, &models.Effect{
		EffectKey: "kept",
		Kind:      models.EffectKindFinalResponse,
		Payload:   models.EffectPayload{Content: "needs an operator"},
	})
	require.NoError(t, err)
	claimed, err = env.store.ClaimNextEffect(ctx)
	require.NoError(t, err)
	require.NoError(t, env.store.MarkEffectUnknown(ctx, claimed.ID, "handler exploded", claimed.ClaimedEpoch))

	_, _, err = env.store.PublishRoutineEvent(ctx, "ev-settled", models.EventEnvelope{
		Source:    models.SourceWebhook,
		EventType: "work_item.created",
	})
	require.NoError(t, err)
	ev, err := env.store.ClaimNextRoutineEvent(ctx)
	require.NoError(t, err)
	require.NoError(t, env.store.MarkRoutineEventDone(ctx, ev.ID, ev.ClaimedEpoch))

	time.Sleep(20 * time.Millisecond)

	retention := &config.RetentionConfig{
		SweepInterval:     time.Hour,
		SettledEventTTL:   time.Millisecond,
		ResolvedEffectTTL: time.Millisecond,
		PluginEventTTL:    time.Millisecond,
	}
	sweeper := NewSweeper(env.store, retention)
	require.NoError(t, sweeper.sweep(ctx))

	sent, err := env.store.ListEffects(ctx, models.EffectSent, 10)
	require.NoError(t, err)
	assert.Empty(t, sent, "resolved effects past TTL are removed")

	unknown, err := env.store.ListEffects(ctx, models.EffectUnknown, 10)
	require.NoError(t, err)
	assert.Len(t, unknown, 1, "unknown effects are never swept")

	_, err = env.store.ClaimNextRoutineEvent(ctx)
	require.ErrorIs(t, err, store.ErrNoEventAvailable, "settled event is gone, not requeued")
}

func TestRuntimeLifecycle(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	runtime := config.DefaultRuntimeConfig()
	runtime.StartupStaleAfter = time.Millisecond
	runtime.GracefulShutdownTimeout = time.Second
	runtime.DrainPollInterval = 10 * time.Millisecond

	rec := NewRecovery(RecoveryDeps{
		Store:    env.store,
		Runtime:  runtime,
		Routines: config.DefaultRoutinesConfig(),
	})
	coord := NewRuntime(RuntimeDeps{
		Recovery: rec,
		Sweeper:  NewSweeper(env.store, config.DefaultRetentionConfig()),
		Runtime:  runtime,
	})

	require.NoError(t, coord.Start(ctx))
	coord.Shutdown(ctx)

	rc, err := env.store.GetRuntimeControl(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rc.ControlEpoch, int64(1), "startup recovery bumped the epoch")
}

func TestTerminateScopeValidation(t *testing.T) {
	env := setupControlEnv(t)
	_, err := env.store.ForceTerminateActive(context.Background(),
		store.TerminateScope("everything"), time.Now(), "nope", false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown terminate scope")
}

func TestEmergencyStopCancelsPendingMessages(t *testing.T) {
	env := setupControlEnv(t)
	ctx := context.Background()

	// A submission whose lane has not been promoted yet: its message is
	// still pending and must be cancelled, not run after resume.
	lanes := config.DefaultLanesConfig()
	lanes.Debounce = time.Hour
	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register(plugins.NewChatHandler()))
	slowIntake := intake.NewService(env.store, plugins.NewHooks(env.store), registry, lanes, 12)

	receipt, err := slowIntake.Submit(ctx, &intake.Submission{
		SessionKey:     "sess-pending",
		Source:         models.SourceChat,
		SourceRef:      "seed:pending",
		Text:           "later",
		SenderName:     "casey",
		TargetAgentIDs: []string{env.agent.ID},
	})
	require.NoError(t, err)
	require.Len(t, receipt.QueueKeys, 1)
	queueKey := receipt.QueueKeys[0]

	report, err := env.svc.EmergencyStop(ctx, "drop everything")
	require.NoError(t, err)
	assert.EqualValues(t, 1, report.MessagesCancelled)

	pending, err := env.store.ListPendingMessages(ctx, queueKey)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, env.svc.Resume(ctx))
	promoted, err := env.store.PromoteDueLanes(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, promoted, fmt.Sprintf("cancelled message on %s must not promote", queueKey))
}

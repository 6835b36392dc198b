package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/intake"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/plugins"
	"github.com/crewhq/crewd/pkg/runner"
	"github.com/crewhq/crewd/pkg/steering"
	"github.com/crewhq/crewd/pkg/store"
	testdb "github.com/crewhq/crewd/test/database"
)

type dispatchEnv struct {
	store    *store.Store
	worker   *Worker
	intake   *intake.Service
	agent    *models.Agent
	teammate *models.Agent
	instance *models.PluginInstance
}

// setupDispatchEnv seeds one agent on a chat instance and a worker driven by
// the given runner. Ticks are issued manually by the tests.
func setupDispatchEnv(t *testing.T, r runner.Runner, agentCount int) *dispatchEnv {
	t.Helper()
	st := testdb.NewTestStore(t)
	ctx := context.Background()

	env := &dispatchEnv{store: st}
	env.agent = &models.Agent{Handle: "alpha", DisplayName: "Alpha", Enabled: true}
	require.NoError(t, st.CreateAgent(ctx, env.agent))
	agentIDs := []string{env.agent.ID}
	if agentCount > 1 {
		env.teammate = &models.Agent{Handle: "bravo", DisplayName: "Bravo", Enabled: true}
		require.NoError(t, st.CreateAgent(ctx, env.teammate))
		agentIDs = append(agentIDs, env.teammate.ID)
	}

	env.instance = &models.PluginInstance{
		PluginType:      plugins.ChatPluginType,
		DisplayName:     "Chat",
		Config:          &models.InstanceConfig{},
		AgentIDs:        agentIDs,
		IsPublicChannel: true,
		Enabled:         true,
	}
	require.NoError(t, st.CreateInstance(ctx, env.instance, ""))

	registry := plugins.NewRegistry()
	require.NoError(t, registry.Register(plugins.NewChatHandler()))

	runtime := config.DefaultRuntimeConfig()
	runtime.ClaimInterval = 20 * time.Millisecond
	runtime.ClaimIntervalJitter = 0
	runtime.HeartbeatInterval = 50 * time.Millisecond
	runtime.DispatchLease = 10 * time.Second
	runtime.DispatchTimeout = 10 * time.Second

	lanes := config.DefaultLanesConfig()
	lanes.Debounce = 20 * time.Millisecond
	lanes.FanoutStagger = 0

	env.worker = NewWorker("test-worker", Deps{
		Store:    st,
		Runner:   r,
		Registry: registry,
		Runtime:  runtime,
		Lanes:    lanes,
		Steering: config.DefaultSteeringConfig(),
	})
	t.Cleanup(env.worker.Stop)

	env.intake = intake.NewService(st, plugins.NewHooks(st), registry, lanes, 12)
	return env
}

func (e *dispatchEnv) submit(t *testing.T, text string) *intake.Receipt {
	t.Helper()
	receipt, err := e.intake.Submit(context.Background(), &intake.Submission{
		InstanceID: e.instance.ID,
		SessionKey: "sess-1",
		Source:     models.SourceChat,
		Text:       text,
		SenderName: "casey",
	})
	require.NoError(t, err)
	return receipt
}

// awaitDispatch ticks the worker until a dispatch reaches the wanted status.
func (e *dispatchEnv) awaitDispatch(t *testing.T, status models.DispatchStatus) *models.RunDispatch {
	t.Helper()
	ctx := context.Background()
	var found *models.RunDispatch
	require.Eventually(t, func() bool {
		_ = e.worker.tick(ctx)
		list, err := e.store.ListRunDispatches(ctx, models.DispatchFilters{Status: string(status), Limit: 5})
		if err != nil || len(list) == 0 {
			return false
		}
		found = list[0]
		return true
	}, 10*time.Second, 20*time.Millisecond, "no dispatch reached status %s", status)
	return found
}

func fastRunner() *runner.StubRunner {
	return &runner.StubRunner{Steps: 2, StepDelay: 5 * time.Millisecond}
}

func slowRunner() *runner.StubRunner {
	return &runner.StubRunner{Steps: 100, StepDelay: 20 * time.Millisecond}
}

func TestDispatchHappyPath(t *testing.T) {
	env := setupDispatchEnv(t, fastRunner(), 1)
	ctx := context.Background()

	receipt := env.submit(t, "hi")
	done := env.awaitDispatch(t, models.DispatchCompleted)

	assert.Equal(t, env.agent.ID, done.AgentID)
	assert.Equal(t, "sess-1:"+env.agent.ID, done.QueueKey)
	assert.NotNil(t, done.JobID)
	assert.NotNil(t, done.CompletedAt)

	t.Run("work item settled", func(t *testing.T) {
		item, err := env.store.GetWorkItem(ctx, receipt.WorkItem.ID)
		require.NoError(t, err)
		assert.Equal(t, models.WorkItemStatusDone, item.Status)
	})

	t.Run("lane released", func(t *testing.T) {
		lane, err := env.store.GetLane(ctx, done.QueueKey)
		require.NoError(t, err)
		assert.Equal(t, models.LaneStateQueued, lane.State)
		assert.Nil(t, lane.ActiveDispatchID)
	})

	t.Run("final response effect enqueued without prefix", func(t *testing.T) {
		effects, err := env.store.ListEffects(ctx, models.EffectPending, 10)
		require.NoError(t, err)
		require.Len(t, effects, 1)
		e := effects[0]
		assert.Equal(t, "dispatch:"+done.ID+":assistant_final_response", e.EffectKey)
		assert.Equal(t, models.EffectKindFinalResponse, e.Kind)
		assert.Equal(t, "Acknowledged: hi", e.Payload.Content)
		assert.Equal(t, models.ActorAgent, e.Payload.Actor.Kind)
		assert.Equal(t, env.agent.ID, e.Payload.Actor.AgentID)
	})

	t.Run("assistant transcript recorded", func(t *testing.T) {
		msgs, err := env.store.ListSessionMessages(ctx, "sess-1", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, models.RoleUser, msgs[0].Role)
		assert.Equal(t, models.RoleAssistant, msgs[1].Role)
		assert.Equal(t, "Acknowledged: hi", msgs[1].Content)
	})
}

func TestDispatchMultiAgentResponsePrefix(t *testing.T) {
	env := setupDispatchEnv(t, fastRunner(), 2)
	ctx := context.Background()

	env.submit(t, "hello team")

	// Two lanes, two dispatches.
	require.Eventually(t, func() bool {
		_ = env.worker.tick(ctx)
		list, err := env.store.ListRunDispatches(ctx, models.DispatchFilters{Status: string(models.DispatchCompleted), Limit: 5})
		return err == nil && len(list) == 2
	}, 10*time.Second, 20*time.Millisecond)

	effects, err := env.store.ListEffects(ctx, models.EffectPending, 10)
	require.NoError(t, err)
	require.Len(t, effects, 2)
	var prefixes []string
	for _, e := range effects {
		prefixes = append(prefixes, e.Payload.Content)
	}
	assert.Contains(t, prefixes, "Alpha: Acknowledged: hello team")
	assert.Contains(t, prefixes, "Bravo: Acknowledged: hello team")
}

func TestDispatchCancelDirective(t *testing.T) {
	env := setupDispatchEnv(t, slowRunner(), 1)
	ctx := context.Background()

	receipt := env.submit(t, "long job")
	running := env.awaitDispatch(t, models.DispatchRunning)

	require.NoError(t, env.store.SetDispatchControlState(ctx, running.ID, models.ControlCancelRequested, "operator cancel"))

	cancelled := env.awaitDispatch(t, models.DispatchCancelled)
	assert.Equal(t, running.ID, cancelled.ID)

	item, err := env.store.GetWorkItem(ctx, receipt.WorkItem.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusFailed, item.Status)

	// Cancellation is not a failure: no notice, no response.
	effects, err := env.store.ListEffects(ctx, models.EffectPending, 10)
	require.NoError(t, err)
	assert.Empty(t, effects)
}

func TestDispatchPauseResume(t *testing.T) {
	env := setupDispatchEnv(t, slowRunner(), 1)
	ctx := context.Background()

	env.submit(t, "pausable job")
	running := env.awaitDispatch(t, models.DispatchRunning)

	require.NoError(t, env.store.SetDispatchControlState(ctx, running.ID, models.ControlPauseRequested, "operator pause"))
	paused := env.awaitDispatch(t, models.DispatchPaused)
	assert.Equal(t, running.ID, paused.ID)

	lane, err := env.store.GetLane(ctx, paused.QueueKey)
	require.NoError(t, err)
	assert.Equal(t, models.LaneStatePaused, lane.State)

	require.NoError(t, env.store.SetDispatchControlState(ctx, paused.ID, models.ControlResumeRequested, "operator resume"))
	done := env.awaitDispatch(t, models.DispatchCompleted)
	assert.Equal(t, running.ID, done.ID)
}

func TestDispatchSteerInterrupt(t *testing.T) {
	env := setupDispatchEnv(t, slowRunner(), 1)
	ctx := context.Background()

	env.submit(t, "review the deploy pipeline")
	running := env.awaitDispatch(t, models.DispatchRunning)

	// A new message with an urgency keyword lands mid-run.
	_, err := env.store.EnqueueQueueMessage(ctx, store.EnqueueParams{
		QueueKey:   running.QueueKey,
		SessionKey: "sess-1",
		AgentID:    env.agent.ID,
		WorkItemID: running.WorkItemID,
		Text:       "stop and check staging first",
		Mode:       models.LaneModeSteer,
		DebounceMS: 10,
		MaxQueued:  10,
	})
	require.NoError(t, err)

	done := env.awaitDispatch(t, models.DispatchCompleted)
	assert.Equal(t, running.ID, done.ID)

	t.Run("steer recorded on the dispatch", func(t *testing.T) {
		require.NotNil(t, done.ControlReason)
		assert.Contains(t, *done.ControlReason, "arbiter:interrupt_now")
	})

	t.Run("runner saw the folded message", func(t *testing.T) {
		effects, err := env.store.ListEffects(ctx, models.EffectPending, 10)
		require.NoError(t, err)
		require.Len(t, effects, 1)
		assert.Contains(t, effects[0].Payload.Content, "noted 1 follow-up message(s)")
	})

	t.Run("message consumed into the dispatch", func(t *testing.T) {
		pending, err := env.store.ListPendingMessages(ctx, running.QueueKey)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}

func TestDispatchRunnerFailure(t *testing.T) {
	failing := runner.RunnerFunc(func(ctx context.Context, in runner.RunInput) (*runner.RunResult, error) {
		return nil, errors.New("backend exploded")
	})
	env := setupDispatchEnv(t, failing, 1)
	ctx := context.Background()

	receipt := env.submit(t, "doomed")
	failed := env.awaitDispatch(t, models.DispatchFailed)

	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "backend exploded")

	item, err := env.store.GetWorkItem(ctx, receipt.WorkItem.ID)
	require.NoError(t, err)
	assert.Equal(t, models.WorkItemStatusFailed, item.Status)

	t.Run("failure notice enqueued as system actor", func(t *testing.T) {
		effects, err := env.store.ListEffects(ctx, models.EffectPending, 10)
		require.NoError(t, err)
		require.Len(t, effects, 1)
		e := effects[0]
		assert.Equal(t, models.EffectKindFailureNotice, e.Kind)
		assert.Equal(t, "dispatch:"+failed.ID+":failure_notice", e.EffectKey)
		assert.Equal(t, models.ActorSystem, e.Payload.Actor.Kind)
		assert.Contains(t, e.Payload.Content, "backend exploded")
	})
}

func TestDispatchGateBlocksClaims(t *testing.T) {
	env := setupDispatchEnv(t, fastRunner(), 1)
	ctx := context.Background()

	require.NoError(t, env.store.SetProcessingEnabled(ctx, false, models.PauseSoft))
	env.submit(t, "held back")

	time.Sleep(100 * time.Millisecond) // past the debounce window
	require.NoError(t, env.worker.tick(ctx))

	list, err := env.store.ListRunDispatches(ctx, models.DispatchFilters{Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, list, "gated worker must not promote or claim")

	require.NoError(t, env.store.SetProcessingEnabled(ctx, true, models.PauseSoft))
	env.awaitDispatch(t, models.DispatchCompleted)
}

func TestSteerCandidateShortCircuit(t *testing.T) {
	env := setupDispatchEnv(t, slowRunner(), 1)
	ctx := context.Background()

	// Count arbiter consultations through a wrapper.
	calls := 0
	env.worker.arbiter = steering.ArbiterFunc(func(ctx context.Context, cand *steering.Candidate) (steering.Verdict, error) {
		calls++
		return steering.Verdict{Decision: steering.DecisionDoNotInterrupt, Reason: "busy"}, nil
	})

	env.submit(t, "first task")
	running := env.awaitDispatch(t, models.DispatchRunning)

	_, err := env.store.EnqueueQueueMessage(ctx, store.EnqueueParams{
		QueueKey:   running.QueueKey,
		SessionKey: "sess-1",
		AgentID:    env.agent.ID,
		WorkItemID: running.WorkItemID,
		Text:       "second task",
		Mode:       models.LaneModeSteer,
		DebounceMS: 10,
		MaxQueued:  10,
	})
	require.NoError(t, err)

	// Let several directive polls pass with the same pending set.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, calls, "same pending set must consult the arbiter once")

	t.Run("held message coalesces into the next dispatch", func(t *testing.T) {
		env.awaitDispatch(t, models.DispatchCompleted)
		next := env.awaitDispatch(t, models.DispatchRunning)
		assert.Contains(t, next.InputText, "second task")
	})
}

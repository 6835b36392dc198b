package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/runner"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/pkg/telemetry"
)

// runEnv is everything executeDispatch resolves once up front: the rows the
// run reads and the claim epoch all transitional writes must carry.
type runEnv struct {
	dispatch *models.RunDispatch
	agent    *models.Agent
	workItem *models.WorkItem
	instance *models.PluginInstance
	epoch    int64
}

// executeDispatch drives one claimed dispatch to a terminal state. Every exit
// path finalizes the row (epoch-guarded) and stops the heartbeat; terminal
// writes use a fresh context because the run context may already be dead.
func (w *Worker) executeDispatch(ctx context.Context, claimed *models.RunDispatch) {
	log := w.logger.With("dispatch_id", claimed.ID, "run_key", claimed.RunKey)

	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.execute",
		trace.WithAttributes(
			attribute.String("dispatch.id", claimed.ID),
			attribute.String("dispatch.queue_key", claimed.QueueKey),
			attribute.String("agent.id", claimed.AgentID),
		))
	defer span.End()

	runCtx, cancelRun := context.WithTimeout(ctx, w.cfg.DispatchTimeout)
	defer cancelRun()

	w.active.Register(claimed.ID, cancelRun)
	defer func() {
		w.active.Unregister(claimed.ID)
		w.steerCache.Forget(claimed.ID)
		w.markProcessed()
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(runCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, claimed, cancelRun)

	env, err := w.resolveRunEnv(runCtx, claimed)
	if err != nil {
		log.Error("Failed to assemble run context", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "assemble run context")
		w.failRun(context.Background(), &runEnv{dispatch: claimed, epoch: claimed.ClaimedEpoch},
			fmt.Sprintf("assemble run context: %v", err))
		return
	}

	team, err := w.assembleTeamContext(runCtx, env)
	if err != nil {
		// Degraded context is better than a failed run.
		log.Warn("Team context incomplete", "error", err)
	}

	result, runErr := w.runner.Run(runCtx, runner.RunInput{
		DispatchID:   claimed.ID,
		AgentID:      claimed.AgentID,
		AgentName:    env.agent.DisplayName,
		WorkItemID:   claimed.WorkItemID,
		SessionKey:   env.workItem.SessionKey,
		Input:        claimed.InputText,
		ResponseMode: w.responseMode(env.instance),
		Team:         team,
		Controls: runner.Controls{
			Directive: func(ctx context.Context) (models.Directive, error) {
				return w.resolveDirective(ctx, env)
			},
			OnJobStarted: func(ctx context.Context, jobID string) error {
				return w.store.AttachJobToDispatch(ctx, claimed.ID, jobID, claimed.AgentID)
			},
			OnPaused: func(ctx context.Context) {
				if err := w.store.MarkRunDispatchPaused(ctx, claimed.ID, env.epoch); err != nil {
					log.Warn("Failed to mark dispatch paused", "error", err)
				} else {
					log.Info("Dispatch paused")
				}
			},
			OnResumed: func(ctx context.Context) {
				log.Info("Dispatch resumed")
			},
		},
	})

	stopHeartbeat()

	// The run context may be cancelled or expired; settle with a fresh one.
	exitCtx := context.Background()
	switch {
	case runErr == nil:
		span.SetAttributes(attribute.String("dispatch.status", string(models.DispatchCompleted)))
		w.completeRun(exitCtx, env, result)
	case errors.Is(runErr, runner.ErrRunCancelled):
		log.Info("Run cancelled")
		span.SetAttributes(attribute.String("dispatch.status", string(models.DispatchCancelled)))
		w.finalize(exitCtx, env, models.DispatchCancelled, "")
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Warn("Run timed out", "timeout", w.cfg.DispatchTimeout)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "dispatch timeout")
		w.failRun(exitCtx, env, fmt.Sprintf("run exceeded %s dispatch timeout", w.cfg.DispatchTimeout))
	default:
		log.Error("Run failed", "error", runErr)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		w.failRun(exitCtx, env, runErr.Error())
	}
}

// runHeartbeat extends the lease until the run exits. A stale epoch means the
// claim was reaped or force-terminated, so the run is aborted rather than
// left computing a result nobody will accept.
func (w *Worker) runHeartbeat(ctx context.Context, d *models.RunDispatch, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.store.HeartbeatRunDispatch(ctx, d.ID, w.cfg.DispatchLease, d.ClaimedEpoch)
			if errors.Is(err, store.ErrStaleEpoch) {
				w.logger.Warn("Lost dispatch claim, aborting run",
					"dispatch_id", d.ID, "epoch", d.ClaimedEpoch)
				cancelRun()
				return
			}
			if err != nil {
				w.logger.Warn("Heartbeat failed",
					"dispatch_id", d.ID, "error", err)
			}
		}
	}
}

func (w *Worker) resolveRunEnv(ctx context.Context, claimed *models.RunDispatch) (*runEnv, error) {
	agent, err := w.store.GetAgent(ctx, claimed.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent %s: %w", claimed.AgentID, err)
	}
	workItem, err := w.store.GetWorkItem(ctx, claimed.WorkItemID)
	if err != nil {
		return nil, fmt.Errorf("load work item %s: %w", claimed.WorkItemID, err)
	}
	env := &runEnv{
		dispatch: claimed,
		agent:    agent,
		workItem: workItem,
		epoch:    claimed.ClaimedEpoch,
	}
	if workItem.PluginInstanceID != nil {
		instance, err := w.store.GetInstance(ctx, *workItem.PluginInstanceID)
		if err != nil {
			return nil, fmt.Errorf("load plugin instance: %w", err)
		}
		env.instance = instance
	}
	return env, nil
}

func (w *Worker) responseMode(instance *models.PluginInstance) models.ResponseMode {
	if instance == nil || w.registry == nil {
		return models.ResponseFinal
	}
	handler, ok := w.registry.Get(instance.PluginType)
	if !ok {
		return models.ResponseFinal
	}
	return handler.ResponseMode()
}

// assembleTeamContext builds the read-only awareness bundle: teammates on the
// same instance with their load, recent session transcript lines, and whoever
// else currently holds a run on the same work item.
func (w *Worker) assembleTeamContext(ctx context.Context, env *runEnv) (*models.TeamContext, error) {
	team := &models.TeamContext{}

	if env.instance != nil && len(env.instance.AgentIDs) > 1 {
		agents, err := w.store.ListAgentsByIDs(ctx, env.instance.AgentIDs)
		if err != nil {
			return team, fmt.Errorf("load teammates: %w", err)
		}
		counts, err := w.store.CountActiveDispatchesByAgent(ctx, env.instance.AgentIDs)
		if err != nil {
			return team, fmt.Errorf("count teammate load: %w", err)
		}
		for _, a := range agents {
			if a.ID == env.agent.ID {
				continue
			}
			team.Teammates = append(team.Teammates, models.Teammate{
				AgentID:     a.ID,
				Handle:      a.Handle,
				DisplayName: a.DisplayName,
				Role:        a.Role,
				ActiveRuns:  counts[a.ID],
			})
		}
	}

	msgs, err := w.store.ListSessionMessages(ctx, env.workItem.SessionKey, 10)
	if err != nil {
		return team, fmt.Errorf("load recent activity: %w", err)
	}
	for _, m := range msgs {
		author := m.Author
		if author == "" {
			author = string(m.Role)
		}
		team.RecentActivity = append(team.RecentActivity,
			fmt.Sprintf("%s: %s", author, clip(m.Content, 160)))
	}

	sibling, err := w.store.FindActiveSiblingDispatch(ctx, env.workItem.ID, env.dispatch.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return team, fmt.Errorf("find sibling dispatch: %w", err)
	}
	if sibling != nil {
		if holder, err := w.store.GetAgent(ctx, sibling.AgentID); err == nil {
			team.ExclusiveHolder = holder.Handle
		}
	}
	return team, nil
}

// completeRun settles a successful run: finalize first (epoch-guarded), then
// transcript and outbox. A worker that lost its claim skips delivery — the
// recovery path owns the dispatch now.
func (w *Worker) completeRun(ctx context.Context, env *runEnv, result *runner.RunResult) {
	log := w.logger.With("dispatch_id", env.dispatch.ID)

	if err := w.store.FinalizeRunDispatch(ctx, env.dispatch.ID, models.DispatchCompleted, "", env.epoch); err != nil {
		if errors.Is(err, store.ErrStaleEpoch) {
			log.Warn("Finalize skipped, claim was preempted")
		} else {
			log.Error("Failed to finalize dispatch", "error", err)
		}
		return
	}
	log.Info("Dispatch completed", "hit_limit", result.HitLimit)

	if result.FinalResponse == "" {
		w.publishSettledEvent(ctx, env, models.DispatchCompleted)
		return
	}

	w.recordAssistantMessage(ctx, env, result.FinalResponse)

	if env.instance != nil {
		content := result.FinalResponse
		// Label the speaker only when the channel hosts more than one
		// agent; a single-agent channel needs no attribution.
		if len(env.instance.AgentIDs) > 1 {
			content = env.agent.DisplayName + ": " + content
		}
		w.enqueueEffect(ctx, env, models.EffectKindFinalResponse, content, result.HitLimit)
	}
	w.publishSettledEvent(ctx, env, models.DispatchCompleted)
}

// failRun settles a failed run and enqueues the operator-visible failure
// notice on the originating channel.
func (w *Worker) failRun(ctx context.Context, env *runEnv, reason string) {
	if !w.finalize(ctx, env, models.DispatchFailed, reason) {
		return
	}
	if env.instance != nil && env.agent != nil {
		notice := fmt.Sprintf("%s could not complete this request: %s",
			env.agent.DisplayName, clip(reason, 300))
		w.enqueueEffect(ctx, env, models.EffectKindFailureNotice, notice, false)
	}
	w.publishSettledEvent(ctx, env, models.DispatchFailed)
}

// finalize writes the terminal status; false means the claim was lost and the
// caller must not produce side effects.
func (w *Worker) finalize(ctx context.Context, env *runEnv, status models.DispatchStatus, errMsg string) bool {
	err := w.store.FinalizeRunDispatch(ctx, env.dispatch.ID, status, errMsg, env.epoch)
	if errors.Is(err, store.ErrStaleEpoch) {
		w.logger.Warn("Finalize skipped, claim was preempted",
			"dispatch_id", env.dispatch.ID, "status", status)
		return false
	}
	if err != nil {
		w.logger.Error("Failed to finalize dispatch",
			"dispatch_id", env.dispatch.ID, "status", status, "error", err)
		return false
	}
	if status == models.DispatchCancelled {
		w.publishSettledEvent(ctx, env, status)
	}
	return true
}

// recordAssistantMessage writes the final response into the session
// transcript. The transcript is the system of record; channel delivery is a
// projection of it.
func (w *Worker) recordAssistantMessage(ctx context.Context, env *runEnv, content string) {
	msg := &models.Message{
		SessionKey: env.workItem.SessionKey,
		WorkItemID: &env.workItem.ID,
		AgentID:    &env.agent.ID,
		Role:       models.RoleAssistant,
		Author:     env.agent.DisplayName,
		Content:    content,
	}
	if err := w.store.InsertMessage(ctx, msg); err != nil {
		w.logger.Warn("Failed to record assistant message",
			"dispatch_id", env.dispatch.ID, "error", err)
	}
}

// enqueueEffect inserts the delivery intent. The effect key is derived from
// the dispatch id and kind, so a crashed worker that retries can never queue
// a duplicate delivery.
func (w *Worker) enqueueEffect(ctx context.Context, env *runEnv, kind models.EffectKind, content string, hitLimit bool) {
	actor := models.ActorEnvelope{
		Kind:        models.ActorAgent,
		AgentID:     env.agent.ID,
		Handle:      env.agent.Handle,
		DisplayName: env.agent.DisplayName,
	}
	if kind == models.EffectKindFailureNotice {
		// Failure notices speak for the system, and system actors are
		// never relayed back to other agents.
		actor = models.ActorEnvelope{Kind: models.ActorSystem}
	}

	effect := &models.Effect{
		EffectKey:        fmt.Sprintf("dispatch:%s:%s", env.dispatch.ID, kind),
		DispatchID:       &env.dispatch.ID,
		PluginInstanceID: env.workItem.PluginInstanceID,
		WorkItemID:       &env.workItem.ID,
		JobID:            env.dispatch.JobID,
		Kind:             kind,
		Payload: models.EffectPayload{
			Content:         content,
			Actor:           actor,
			ResponseContext: env.workItem.Payload.ResponseContext,
			HitLimit:        hitLimit,
		},
	}
	inserted, err := w.store.InsertEffect(ctx, effect)
	if err != nil {
		w.logger.Error("Failed to enqueue effect",
			"dispatch_id", env.dispatch.ID, "kind", kind, "error", err)
		return
	}
	if !inserted {
		w.logger.Info("Effect already enqueued",
			"dispatch_id", env.dispatch.ID, "effect_key", effect.EffectKey)
	}
}

// publishSettledEvent emits the lifecycle envelope for event routines. The
// envelope's source is the work item's source, which is what lets the event
// worker block routine-triggered recursion.
func (w *Worker) publishSettledEvent(ctx context.Context, env *runEnv, status models.DispatchStatus) {
	if env.workItem == nil {
		return
	}
	envle := models.EventEnvelope{
		EventID:    env.dispatch.ID,
		Source:     env.workItem.Source,
		EventType:  "dispatch.settled",
		SessionKey: env.workItem.SessionKey,
		Status:     string(status),
		Title:      env.workItem.Title,
		CreatedAt:  time.Now(),
	}
	if env.workItem.SourceRef != nil {
		envle.SourceRef = *env.workItem.SourceRef
	}
	if env.workItem.PluginInstanceID != nil {
		envle.PluginInstanceID = *env.workItem.PluginInstanceID
	}
	envle.ActorKind = env.workItem.Payload.Actor.Kind
	envle.ActorHandle = env.workItem.Payload.Actor.Handle

	if _, _, err := w.store.PublishRoutineEvent(ctx, "dispatch.settled:"+env.dispatch.ID, envle); err != nil {
		w.logger.Warn("Failed to publish settled event",
			"dispatch_id", env.dispatch.ID, "error", err)
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

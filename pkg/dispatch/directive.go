package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/steering"
	"github.com/crewhq/crewd/pkg/store"
)

var continueDirective = models.Directive{Action: models.DirectiveContinue}

// resolveDirective answers one runner poll. Operator control wins over
// steering; a paused dispatch keeps answering pause until an operator resumes
// it. Store hiccups degrade to continue — a flaky read must not kill a run
// the lease machinery would otherwise keep alive.
func (w *Worker) resolveDirective(ctx context.Context, env *runEnv) (models.Directive, error) {
	cur, err := w.store.GetRunDispatch(ctx, env.dispatch.ID)
	if err != nil {
		w.logger.Warn("Directive poll could not read dispatch",
			"dispatch_id", env.dispatch.ID, "error", err)
		return continueDirective, nil
	}

	switch cur.ControlState {
	case models.ControlCancelRequested:
		return models.Directive{Action: models.DirectiveCancel}, nil
	case models.ControlPauseRequested:
		return models.Directive{Action: models.DirectivePause}, nil
	case models.ControlResumeRequested:
		if err := w.store.MarkRunDispatchResumed(ctx, env.dispatch.ID, env.epoch); err != nil {
			if errors.Is(err, store.ErrStaleEpoch) {
				// The claim is gone; stop the run.
				return models.Directive{Action: models.DirectiveCancel}, nil
			}
			w.logger.Warn("Failed to mark dispatch resumed",
				"dispatch_id", env.dispatch.ID, "error", err)
			return models.Directive{Action: models.DirectivePause}, nil
		}
		return continueDirective, nil
	}

	if cur.Status == models.DispatchPaused {
		// Honored pause, no resume yet: stay parked.
		return models.Directive{Action: models.DirectivePause}, nil
	}

	return w.resolveSteer(ctx, env)
}

// resolveSteer offers the lane's pending messages to the arbiter and maps its
// verdict onto the directive protocol.
func (w *Worker) resolveSteer(ctx context.Context, env *runEnv) (models.Directive, error) {
	if !w.steering.Enabled {
		return continueDirective, nil
	}

	lane, err := w.store.GetLane(ctx, env.dispatch.QueueKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("Directive poll could not read lane",
				"queue_key", env.dispatch.QueueKey, "error", err)
		}
		return continueDirective, nil
	}
	if lane.Mode != models.LaneModeSteer {
		// Coalesce lanes defer everything to the next dispatch.
		return continueDirective, nil
	}

	pending, err := w.store.ListPendingMessages(ctx, env.dispatch.QueueKey)
	if err != nil {
		w.logger.Warn("Directive poll could not list pending messages",
			"queue_key", env.dispatch.QueueKey, "error", err)
		return continueDirective, nil
	}
	if len(pending) == 0 {
		return continueDirective, nil
	}

	signature := steering.Signature(pending)
	if w.steerCache.ShouldSkip(env.dispatch.ID, signature) {
		return continueDirective, nil
	}

	verdict, err := w.arbiter.Decide(ctx, &steering.Candidate{
		DispatchID: env.dispatch.ID,
		AgentID:    env.dispatch.AgentID,
		AgentName:  env.agent.DisplayName,
		Objective:  env.dispatch.InputText,
		Pending:    pending,
		ActiveWork: w.activeWorkSnapshot(ctx, env),
	})
	if err != nil {
		// Arbiter faults never interrupt a run.
		w.logger.Warn("Arbiter failed",
			"dispatch_id", env.dispatch.ID, "error", err)
		return continueDirective, nil
	}

	w.steerCache.Remember(env.dispatch.ID, signature, verdict.Decision)
	reason := fmt.Sprintf("arbiter:%s:%s", verdict.Decision, verdict.Reason)
	if err := w.store.RecordSteeringDecision(ctx, env.dispatch.ID, reason); err != nil {
		w.logger.Warn("Failed to record steering decision",
			"dispatch_id", env.dispatch.ID, "error", err)
	}
	w.logger.Info("Steering decision",
		"dispatch_id", env.dispatch.ID,
		"decision", verdict.Decision,
		"reason", verdict.Reason,
		"pending", len(pending))

	switch verdict.Decision {
	case steering.DecisionInterruptNow:
		msgs, err := w.store.ConsumePendingForSteer(ctx, env.dispatch.QueueKey, env.dispatch.ID)
		if err != nil {
			w.logger.Warn("Failed to consume steer messages",
				"dispatch_id", env.dispatch.ID, "error", err)
			return continueDirective, nil
		}
		if len(msgs) == 0 {
			return continueDirective, nil
		}
		steer := make([]models.SteerMessage, 0, len(msgs))
		for _, m := range msgs {
			steer = append(steer, models.SteerMessage{
				ID:         m.ID,
				Text:       m.Text,
				SenderName: m.SenderName,
			})
		}
		return models.Directive{Action: models.DirectiveSteer, Messages: steer}, nil

	case steering.DecisionIgnore:
		if _, err := w.store.DropPendingMessages(ctx, env.dispatch.QueueKey, verdict.Reason); err != nil {
			w.logger.Warn("Failed to drop ignored messages",
				"dispatch_id", env.dispatch.ID, "error", err)
		}
		return continueDirective, nil

	default:
		return continueDirective, nil
	}
}

// activeWorkSnapshot lists the agent's other in-flight runs for the arbiter.
func (w *Worker) activeWorkSnapshot(ctx context.Context, env *runEnv) []steering.ActiveRun {
	dispatches, err := w.store.ListRunDispatches(ctx, models.DispatchFilters{
		AgentID: env.dispatch.AgentID,
		Status:  string(models.DispatchRunning),
		Limit:   10,
	})
	if err != nil {
		return nil
	}
	var out []steering.ActiveRun
	for _, d := range dispatches {
		if d.ID == env.dispatch.ID {
			continue
		}
		out = append(out, steering.ActiveRun{QueueKey: d.QueueKey, RunKey: d.RunKey})
	}
	return out
}

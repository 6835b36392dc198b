// Package steering decides what to do with messages that arrive while a
// dispatch is already running on their lane: fold them into the run, hold
// them for the next turn, or drop them as noise.
package steering

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/models"
)

// Decision is the arbiter's verdict on a steer candidate.
type Decision string

const (
	// DecisionInterruptNow folds the pending messages into the running
	// dispatch at its next suspension point.
	DecisionInterruptNow Decision = "interrupt_now"
	// DecisionDoNotInterrupt leaves the messages queued for the next turn.
	DecisionDoNotInterrupt Decision = "do_not_interrupt"
	// DecisionIgnore drops the messages as noise.
	DecisionIgnore Decision = "ignore"
)

// Verdict is a decision plus the human-readable reason recorded on the
// dispatch.
type Verdict struct {
	Decision Decision
	Reason   string
}

// ActiveRun describes one other in-flight dispatch of the same agent, so the
// arbiter can weigh how loaded the agent already is.
type ActiveRun struct {
	QueueKey string
	RunKey   string
}

// Candidate is everything the arbiter sees for one decision.
type Candidate struct {
	DispatchID string
	AgentID    string
	AgentName  string
	// Objective is the input text the running dispatch was started with.
	Objective string
	// Pending holds the lane's waiting messages in arrival order.
	Pending []*models.QueueMessage
	// ActiveWork lists the agent's other in-flight dispatches.
	ActiveWork []ActiveRun
}

// Arbiter decides whether new input supersedes an in-flight run.
type Arbiter interface {
	Decide(ctx context.Context, cand *Candidate) (Verdict, error)
}

// ArbiterFunc adapts a function to the Arbiter interface.
type ArbiterFunc func(ctx context.Context, cand *Candidate) (Verdict, error)

func (f ArbiterFunc) Decide(ctx context.Context, cand *Candidate) (Verdict, error) {
	return f(ctx, cand)
}

// RuleArbiter is the default arbiter. It interrupts on configured urgency
// keywords, drops exact duplicates of the current objective, and otherwise
// lets the run finish its turn.
type RuleArbiter struct {
	keywords []string
	logger   *slog.Logger
}

// NewRuleArbiter builds the default arbiter from steering config.
func NewRuleArbiter(cfg *config.SteeringConfig) *RuleArbiter {
	keywords := make([]string, 0, len(cfg.InterruptKeywords))
	for _, kw := range cfg.InterruptKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return &RuleArbiter{
		keywords: keywords,
		logger:   slog.Default().With("component", "steering_arbiter"),
	}
}

func (a *RuleArbiter) Decide(_ context.Context, cand *Candidate) (Verdict, error) {
	if len(cand.Pending) == 0 {
		return Verdict{Decision: DecisionDoNotInterrupt, Reason: "no pending messages"}, nil
	}

	objective := normalize(cand.Objective)
	allDuplicate := objective != ""
	for _, msg := range cand.Pending {
		text := normalize(msg.Text)
		if text == "" {
			continue
		}
		if kw := a.matchKeyword(text); kw != "" {
			a.logger.Info("Steering interrupt",
				"dispatch_id", cand.DispatchID,
				"agent_id", cand.AgentID,
				"keyword", kw)
			return Verdict{
				Decision: DecisionInterruptNow,
				Reason:   fmt.Sprintf("matched keyword %q", kw),
			}, nil
		}
		if text != objective {
			allDuplicate = false
		}
	}
	if allDuplicate {
		return Verdict{
			Decision: DecisionIgnore,
			Reason:   "duplicate of current objective",
		}, nil
	}
	return Verdict{Decision: DecisionDoNotInterrupt, Reason: "no interrupt signal"}, nil
}

func (a *RuleArbiter) matchKeyword(text string) string {
	for _, kw := range a.keywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewhq/crewd/pkg/models"
)

// StubRunner is a development Runner with no agent backend. It assigns a job
// id, walks a fixed number of steps honoring directives between them, and
// returns an acknowledgement of its input. Deployments wire a real backend;
// the stub keeps the control plane fully exercisable without one.
type StubRunner struct {
	Steps     int
	StepDelay time.Duration

	logger *slog.Logger
}

// NewStub creates a stub runner with small defaults.
func NewStub() *StubRunner {
	return &StubRunner{
		Steps:     3,
		StepDelay: 100 * time.Millisecond,
		logger:    slog.With("component", "stub_runner"),
	}
}

// Run walks the configured steps, polling the directive between each.
func (r *StubRunner) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	controls := in.Controls.Normalize()
	log := r.logger
	if log == nil {
		log = slog.With("component", "stub_runner")
	}

	jobID := uuid.Must(uuid.NewV7()).String()
	if err := controls.OnJobStarted(ctx, jobID); err != nil {
		return nil, fmt.Errorf("report job started: %w", err)
	}
	log.Info("Stub run started",
		"dispatch_id", in.DispatchID,
		"agent_id", in.AgentID,
		"job_id", jobID)

	var steered []string
	paused := false

	for step := 0; step < r.Steps; step++ {
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			directive, err := controls.Directive(ctx)
			if err != nil {
				return nil, fmt.Errorf("poll directive: %w", err)
			}

			switch directive.Action {
			case models.DirectiveCancel:
				return nil, ErrRunCancelled
			case models.DirectivePause:
				if !paused {
					paused = true
					controls.OnPaused(ctx)
				}
				if err := sleepCtx(ctx, r.StepDelay); err != nil {
					return nil, err
				}
				continue
			case models.DirectiveSteer:
				for _, m := range directive.Messages {
					steered = append(steered, m.Text)
				}
			}

			if paused {
				paused = false
				controls.OnResumed(ctx)
			}
			break
		}
		if err := sleepCtx(ctx, r.StepDelay); err != nil {
			return nil, err
		}
	}

	response := "Acknowledged: " + truncate(in.Input, 200)
	if len(steered) > 0 {
		response += fmt.Sprintf(" (noted %d follow-up message(s))", len(steered))
	}
	return &RunResult{
		JobID:         jobID,
		FinalResponse: response,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Package runner defines the contract between the dispatch worker and the
// agent execution backend.
package runner

import (
	"context"
	"errors"

	"github.com/crewhq/crewd/pkg/models"
)

// Sentinel errors for run outcomes.
var (
	// ErrRunCancelled indicates the run stopped because a cancel directive
	// was honored. Callers map it to a cancelled dispatch, not a failed one.
	ErrRunCancelled = errors.New("run cancelled")
)

// Runner executes one agent run end to end.
//
// The runner owns the agent loop internally. The dispatch worker only
// handles claiming, heartbeat, directive resolution, terminal status, and
// response delivery. Between its own steps the runner polls
// Controls.Directive and must honor what it gets back:
//   - continue: keep going
//   - steer:    fold the attached messages into the in-flight conversation
//   - pause:    report via Controls.OnPaused once, park, keep polling
//   - cancel:   stop and return ErrRunCancelled
type Runner interface {
	Run(ctx context.Context, in RunInput) (*RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, in RunInput) (*RunResult, error)

// Run calls fn.
func (fn RunnerFunc) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	return fn(ctx, in)
}

// RunInput carries everything a runner needs for one run.
type RunInput struct {
	DispatchID string
	AgentID    string
	AgentName  string
	WorkItemID string
	SessionKey string

	// Input is the coalesced text of the promoted message batch.
	Input string

	// ResponseMode tells the runner how the channel wants output delivered.
	ResponseMode models.ResponseMode

	// Team is the awareness bundle: teammates, their load, recent session
	// activity, and any exclusive holder on the same work item.
	Team *models.TeamContext

	Controls Controls
}

// Controls are the callbacks wired by the dispatch worker. All fields are
// optional; Normalize fills no-ops so runners never nil-check.
type Controls struct {
	// Directive is polled between agent steps.
	Directive func(ctx context.Context) (models.Directive, error)

	// OnJobStarted reports the backend-assigned job id as soon as one
	// exists, so operators can address the run before it finishes.
	OnJobStarted func(ctx context.Context, jobID string) error

	// OnPaused fires once when a pause directive is honored.
	OnPaused func(ctx context.Context)

	// OnResumed fires once when a paused run continues.
	OnResumed func(ctx context.Context)
}

// Normalize returns a copy with every nil callback replaced by a no-op.
func (c Controls) Normalize() Controls {
	out := c
	if out.Directive == nil {
		out.Directive = func(context.Context) (models.Directive, error) {
			return models.Directive{Action: models.DirectiveContinue}, nil
		}
	}
	if out.OnJobStarted == nil {
		out.OnJobStarted = func(context.Context, string) error { return nil }
	}
	if out.OnPaused == nil {
		out.OnPaused = func(context.Context) {}
	}
	if out.OnResumed == nil {
		out.OnResumed = func(context.Context) {}
	}
	return out
}

// RunResult is the terminal state of a run.
type RunResult struct {
	// JobID is the backend-assigned id, also reported via OnJobStarted.
	JobID string

	// FinalResponse is the text to deliver back to the channel.
	FinalResponse string

	// HitLimit reports that the run ended by exhausting its step budget
	// rather than by the agent concluding.
	HitLimit bool
}

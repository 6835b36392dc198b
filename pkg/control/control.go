// Package control is the runtime-control plane: the processing gate,
// emergency stop, per-run operator directives, crash recovery, retention,
// and the coordinator that owns every worker's lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crewhq/crewd/pkg/dispatch"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/store"
)

// Service exposes the operator-facing control operations. All state lives in
// the runtime_control row and on the dispatches themselves; the only
// in-process side effect is cancelling local runs through the active set.
type Service struct {
	store  *store.Store
	active *dispatch.ActiveSet
	logger *slog.Logger
}

// NewService creates the control service. The active set is shared with the
// dispatch worker so hard stops can abort runs on this host immediately.
func NewService(st *store.Store, active *dispatch.ActiveSet) *Service {
	if active == nil {
		active = dispatch.NewActiveSet()
	}
	return &Service{
		store:  st,
		active: active,
		logger: slog.Default().With("component", "control"),
	}
}

// Status is the control-plane snapshot returned by the API.
type Status struct {
	Control          *models.RuntimeControl `json:"control"`
	ActiveDispatches int                    `json:"active_dispatches"`
	LocalRuns        int                    `json:"local_runs"`
}

// Status reports the gate, epoch, concurrency ceiling, and live run counts.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	rc, err := s.store.GetRuntimeControl(ctx)
	if err != nil {
		return nil, err
	}
	active, err := s.store.CountActiveDispatches(ctx)
	if err != nil {
		return nil, err
	}
	return &Status{
		Control:          rc,
		ActiveDispatches: active,
		LocalRuns:        s.active.Size(),
	}, nil
}

// Pause halts processing. A soft pause closes the gate and lets in-flight
// work finish; a hard pause additionally force-terminates everything active,
// exactly like EmergencyStop.
func (s *Service) Pause(ctx context.Context, mode models.PauseMode, reason string) (*store.TerminateReport, error) {
	switch mode {
	case models.PauseSoft:
		if err := s.store.SetProcessingEnabled(ctx, false, mode); err != nil {
			return nil, err
		}
		s.logger.Info("Processing paused", "mode", mode, "reason", reason)
		return &store.TerminateReport{}, nil
	case models.PauseHard:
		if reason == "" {
			reason = "hard pause"
		}
		return s.stopRuntime(ctx, reason)
	default:
		return nil, store.NewValidationError("mode", "must be soft or hard")
	}
}

// Resume reopens the processing gate. Work force-terminated by a hard pause
// stays terminal; only pending lanes and queued effects pick back up.
func (s *Service) Resume(ctx context.Context) error {
	if err := s.store.SetProcessingEnabled(ctx, true, models.PauseSoft); err != nil {
		return err
	}
	s.logger.Info("Processing resumed")
	return nil
}

// EmergencyStop closes the gate and terminates every non-terminal dispatch,
// cancels pending lane messages, parks in-flight deliveries as unknown, and
// bumps the control epoch so preempted holders cannot write.
func (s *Service) EmergencyStop(ctx context.Context, reason string) (*store.TerminateReport, error) {
	if reason == "" {
		reason = "emergency stop"
	}
	return s.stopRuntime(ctx, reason)
}

func (s *Service) stopRuntime(ctx context.Context, reason string) (*store.TerminateReport, error) {
	if err := s.store.SetProcessingEnabled(ctx, false, models.PauseHard); err != nil {
		return nil, err
	}
	report, err := s.store.ForceTerminateActive(ctx, store.TerminateAll, time.Now(), reason, true, true)
	if err != nil {
		return nil, err
	}
	signalled := s.active.CancelAll()
	s.logger.Warn("Runtime stopped",
		"reason", reason,
		"dispatches_terminated", len(report.Dispatches),
		"effects_parked", report.EffectsUnknown,
		"messages_cancelled", report.MessagesCancelled,
		"events_requeued", report.EventsRequeued,
		"local_runs_signalled", signalled,
		"control_epoch", report.ControlEpoch)
	return report, nil
}

// SetMaxConcurrent changes the global dispatch concurrency ceiling.
func (s *Service) SetMaxConcurrent(ctx context.Context, n int) error {
	if err := s.store.SetMaxConcurrentDispatches(ctx, n); err != nil {
		return err
	}
	s.logger.Info("Concurrency ceiling changed", "max_concurrent_dispatches", n)
	return nil
}

// PauseRunByJob posts a pause directive on the dispatch owning the job. The
// run honors it at its next directive poll.
func (s *Service) PauseRunByJob(ctx context.Context, jobID, reason string) (*models.RunDispatch, error) {
	return s.postDirective(ctx, jobID, models.ControlPauseRequested, reason)
}

// ResumeRunByJob posts a resume directive on the dispatch owning the job.
func (s *Service) ResumeRunByJob(ctx context.Context, jobID, reason string) (*models.RunDispatch, error) {
	return s.postDirective(ctx, jobID, models.ControlResumeRequested, reason)
}

// CancelRunByJob posts a cancel directive on the dispatch owning the job.
func (s *Service) CancelRunByJob(ctx context.Context, jobID, reason string) (*models.RunDispatch, error) {
	return s.postDirective(ctx, jobID, models.ControlCancelRequested, reason)
}

func (s *Service) postDirective(ctx context.Context, jobID string, state models.ControlState, reason string) (*models.RunDispatch, error) {
	d, err := s.store.GetRunDispatchByJobID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("resolve job %s: %w", jobID, err)
	}
	if err := s.store.SetDispatchControlState(ctx, d.ID, state, reason); err != nil {
		return nil, err
	}
	s.logger.Info("Run directive posted",
		"job_id", jobID,
		"dispatch_id", d.ID,
		"control_state", state,
		"reason", reason)
	return s.store.GetRunDispatch(ctx, d.ID)
}

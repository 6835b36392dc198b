package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/store"
)

// PauseRequest is the body of POST /api/v1/control/pause.
type PauseRequest struct {
	// Mode is "soft" (stop claiming, let running work finish) or "hard"
	// (terminate everything active). Defaults to soft.
	Mode   string `json:"mode"`
	Reason string `json:"reason"`
}

// StopRequest is the body of POST /api/v1/control/emergency-stop.
type StopRequest struct {
	Reason string `json:"reason"`
}

// MaxConcurrentRequest is the body of PUT /api/v1/control/max-concurrent.
type MaxConcurrentRequest struct {
	MaxConcurrent int `json:"max_concurrent"`
}

// DirectiveRequest carries the optional operator note on job directives.
type DirectiveRequest struct {
	Reason string `json:"reason"`
}

// TerminateReportResponse summarizes what a hard pause or emergency stop
// terminated.
type TerminateReportResponse struct {
	DispatchesTerminated int   `json:"dispatches_terminated"`
	EffectsUnknown       int64 `json:"effects_unknown"`
	MessagesCancelled    int64 `json:"messages_cancelled"`
	EventsRequeued       int64 `json:"events_requeued"`
	ControlEpoch         int64 `json:"control_epoch"`
}

func terminateReportResponse(r *store.TerminateReport) *TerminateReportResponse {
	if r == nil {
		return nil
	}
	return &TerminateReportResponse{
		DispatchesTerminated: len(r.Dispatches),
		EffectsUnknown:       r.EffectsUnknown,
		MessagesCancelled:    r.MessagesCancelled,
		EventsRequeued:       r.EventsRequeued,
		ControlEpoch:         r.ControlEpoch,
	}
}

// controlStatusHandler handles GET /api/v1/control.
func (s *Server) controlStatusHandler(c *gin.Context) {
	status, err := s.deps.Control.Status(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// pauseHandler handles POST /api/v1/control/pause.
func (s *Server) pauseHandler(c *gin.Context) {
	var req PauseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body")
			return
		}
	}
	mode := models.PauseMode(req.Mode)
	if req.Mode == "" {
		mode = models.PauseSoft
	}

	report, err := s.deps.Control.Pause(c.Request.Context(), mode, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "paused",
		"mode":   string(mode),
		"report": terminateReportResponse(report),
	})
}

// resumeHandler handles POST /api/v1/control/resume.
func (s *Server) resumeHandler(c *gin.Context) {
	if err := s.deps.Control.Resume(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

// emergencyStopHandler handles POST /api/v1/control/emergency-stop.
func (s *Server) emergencyStopHandler(c *gin.Context) {
	var req StopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid JSON body")
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "emergency stop by " + extractAuthor(c)
	}

	report, err := s.deps.Control.EmergencyStop(c.Request.Context(), reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "stopped",
		"report": terminateReportResponse(report),
	})
}

// recoverHandler handles POST /api/v1/control/recover: one recovery pass on
// demand instead of waiting for the next periodic tick.
func (s *Server) recoverHandler(c *gin.Context) {
	if s.deps.Recovery == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "recovery worker is not running"})
		return
	}
	report, err := s.deps.Recovery.TriggerPass(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// setMaxConcurrentHandler handles PUT /api/v1/control/max-concurrent.
func (s *Server) setMaxConcurrentHandler(c *gin.Context) {
	var req MaxConcurrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if err := s.deps.Control.SetMaxConcurrent(c.Request.Context(), req.MaxConcurrent); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_concurrent": req.MaxConcurrent})
}

// jobDirective selects which control-state directive a job endpoint posts.
type jobDirective int

const (
	directivePause jobDirective = iota
	directiveResume
	directiveCancel
)

// jobDirectiveHandler builds the handler for POST /api/v1/jobs/:id/{pause,
// resume,cancel}. The directive lands on the job's active dispatch and is
// picked up at the run's next control poll.
func (s *Server) jobDirectiveHandler(d jobDirective) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if jobID == "" {
			badRequest(c, "job id is required")
			return
		}
		var req DirectiveRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				badRequest(c, "invalid JSON body")
				return
			}
		}

		ctx := c.Request.Context()
		var (
			dispatch *models.RunDispatch
			err      error
		)
		switch d {
		case directivePause:
			dispatch, err = s.deps.Control.PauseRunByJob(ctx, jobID, req.Reason)
		case directiveResume:
			dispatch, err = s.deps.Control.ResumeRunByJob(ctx, jobID, req.Reason)
		case directiveCancel:
			dispatch, err = s.deps.Control.CancelRunByJob(ctx, jobID, req.Reason)
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"dispatch": dispatch})
	}
}

package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/models"
)

func fastStub() *StubRunner {
	r := NewStub()
	r.StepDelay = time.Millisecond
	return r
}

func TestStubRunReportsJobAndCompletes(t *testing.T) {
	var reportedJob string
	res, err := fastStub().Run(context.Background(), RunInput{
		DispatchID: "d1",
		AgentID:    "a1",
		Input:      "hello team",
		Controls: Controls{
			OnJobStarted: func(_ context.Context, jobID string) error {
				reportedJob = jobID
				return nil
			},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	assert.NotEmpty(t, res.JobID)
	assert.Equal(t, res.JobID, reportedJob)
	assert.Contains(t, res.FinalResponse, "hello team")
	assert.False(t, res.HitLimit)
}

func TestStubRunHonorsCancelDirective(t *testing.T) {
	res, err := fastStub().Run(context.Background(), RunInput{
		Controls: Controls{
			Directive: func(context.Context) (models.Directive, error) {
				return models.Directive{Action: models.DirectiveCancel}, nil
			},
		},
	})
	require.ErrorIs(t, err, ErrRunCancelled)
	assert.Nil(t, res)
}

func TestStubRunFoldsSteerMessages(t *testing.T) {
	var polls atomic.Int32
	res, err := fastStub().Run(context.Background(), RunInput{
		Input: "original ask",
		Controls: Controls{
			Directive: func(context.Context) (models.Directive, error) {
				if polls.Add(1) == 1 {
					return models.Directive{
						Action:   models.DirectiveSteer,
						Messages: []models.SteerMessage{{ID: "m1", Text: "also check staging"}},
					}, nil
				}
				return models.Directive{Action: models.DirectiveContinue}, nil
			},
		},
	})
	require.NoError(t, err)
	assert.Contains(t, res.FinalResponse, "1 follow-up message")
}

func TestStubRunPauseThenResume(t *testing.T) {
	var polls atomic.Int32
	var pausedAt, resumedAt atomic.Int32
	res, err := fastStub().Run(context.Background(), RunInput{
		Controls: Controls{
			Directive: func(context.Context) (models.Directive, error) {
				n := polls.Add(1)
				if n <= 3 {
					return models.Directive{Action: models.DirectivePause}, nil
				}
				return models.Directive{Action: models.DirectiveContinue}, nil
			},
			OnPaused:  func(context.Context) { pausedAt.Add(1) },
			OnResumed: func(context.Context) { resumedAt.Add(1) },
		},
	})
	require.NoError(t, err)
	require.NotNil(t, res)

	// Paused once despite three pause polls, resumed once.
	assert.Equal(t, int32(1), pausedAt.Load())
	assert.Equal(t, int32(1), resumedAt.Load())
}

func TestStubRunStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fastStub().Run(ctx, RunInput{})
	require.ErrorIs(t, err, context.Canceled)
}

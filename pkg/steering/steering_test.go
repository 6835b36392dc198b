package steering

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/models"
)

func pending(texts ...string) []*models.QueueMessage {
	msgs := make([]*models.QueueMessage, len(texts))
	for i, text := range texts {
		msgs[i] = &models.QueueMessage{ID: string(rune('a' + i)), Text: text}
	}
	return msgs
}

func TestRuleArbiterDecide(t *testing.T) {
	arbiter := NewRuleArbiter(config.DefaultSteeringConfig())

	t.Run("keyword interrupts", func(t *testing.T) {
		v, err := arbiter.Decide(context.Background(), &Candidate{
			DispatchID: "d1",
			Objective:  "review the deploy pipeline",
			Pending:    pending("actually STOP, wrong branch"),
		})
		require.NoError(t, err)
		assert.Equal(t, DecisionInterruptNow, v.Decision)
		assert.Contains(t, v.Reason, "stop")
	})

	t.Run("duplicate of objective is ignored", func(t *testing.T) {
		v, err := arbiter.Decide(context.Background(), &Candidate{
			DispatchID: "d1",
			Objective:  "Review the deploy  pipeline",
			Pending:    pending("review the deploy pipeline"),
		})
		require.NoError(t, err)
		assert.Equal(t, DecisionIgnore, v.Decision)
		assert.Equal(t, "duplicate of current objective", v.Reason)
	})

	t.Run("new direction waits for next turn", func(t *testing.T) {
		v, err := arbiter.Decide(context.Background(), &Candidate{
			DispatchID: "d1",
			Objective:  "review the deploy pipeline",
			Pending:    pending("also check the staging logs"),
		})
		require.NoError(t, err)
		assert.Equal(t, DecisionDoNotInterrupt, v.Decision)
	})

	t.Run("mixed duplicate and new text is not ignored", func(t *testing.T) {
		v, err := arbiter.Decide(context.Background(), &Candidate{
			DispatchID: "d1",
			Objective:  "review the deploy pipeline",
			Pending:    pending("review the deploy pipeline", "and the helm chart"),
		})
		require.NoError(t, err)
		assert.Equal(t, DecisionDoNotInterrupt, v.Decision)
	})

	t.Run("empty pending does not interrupt", func(t *testing.T) {
		v, err := arbiter.Decide(context.Background(), &Candidate{DispatchID: "d1"})
		require.NoError(t, err)
		assert.Equal(t, DecisionDoNotInterrupt, v.Decision)
	})

	t.Run("custom keywords", func(t *testing.T) {
		cfg := &config.SteeringConfig{Enabled: true, InterruptKeywords: []string{"ABORT "}}
		a := NewRuleArbiter(cfg)
		v, err := a.Decide(context.Background(), &Candidate{
			Objective: "ship it",
			Pending:   pending("abort the release"),
		})
		require.NoError(t, err)
		assert.Equal(t, DecisionInterruptNow, v.Decision)
	})
}

func TestSignature(t *testing.T) {
	t.Run("order insensitive", func(t *testing.T) {
		a := []*models.QueueMessage{{ID: "1", Text: "x"}, {ID: "2", Text: "y"}}
		b := []*models.QueueMessage{{ID: "2", Text: "y"}, {ID: "1", Text: "x"}}
		assert.Equal(t, Signature(a), Signature(b))
	})

	t.Run("text changes the signature", func(t *testing.T) {
		a := []*models.QueueMessage{{ID: "1", Text: "x"}}
		b := []*models.QueueMessage{{ID: "1", Text: "y"}}
		assert.NotEqual(t, Signature(a), Signature(b))
	})

	t.Run("id changes the signature", func(t *testing.T) {
		a := []*models.QueueMessage{{ID: "1", Text: "x"}}
		b := []*models.QueueMessage{{ID: "2", Text: "x"}}
		assert.NotEqual(t, Signature(a), Signature(b))
	})
}

func TestCache(t *testing.T) {
	msgs := pending("hello")
	sig := Signature(msgs)

	t.Run("skips repeat non-interrupt decisions", func(t *testing.T) {
		c := NewCache()
		assert.False(t, c.ShouldSkip("d1", sig))
		c.Remember("d1", sig, DecisionDoNotInterrupt)
		assert.True(t, c.ShouldSkip("d1", sig))
	})

	t.Run("interrupt decisions are not skipped", func(t *testing.T) {
		c := NewCache()
		c.Remember("d1", sig, DecisionInterruptNow)
		assert.False(t, c.ShouldSkip("d1", sig))
	})

	t.Run("new pending set re-consults", func(t *testing.T) {
		c := NewCache()
		c.Remember("d1", sig, DecisionIgnore)
		other := Signature(pending("hello", "world"))
		assert.False(t, c.ShouldSkip("d1", other))
	})

	t.Run("forget clears the entry", func(t *testing.T) {
		c := NewCache()
		c.Remember("d1", sig, DecisionDoNotInterrupt)
		c.Forget("d1")
		assert.False(t, c.ShouldSkip("d1", sig))
	})
}

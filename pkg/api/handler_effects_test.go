package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/models"
)

// seedUnknownEffect drives one effect to unknown: inserted, claimed, then
// parked the way a timed-out delivery would be.
func seedUnknownEffect(t *testing.T, env *apiEnv, key string) string {
	t.Helper()
	ctx := context.Background()

	_, err := env.store.InsertEffect(ctx, &models.Effect{
		EffectKey: key,
		Kind:      models.EffectKindFinalResponse,
		Payload:   models.EffectPayload{Content: "did this get through?"},
	})
	require.NoError(t, err)

	claimed, err := env.store.ClaimNextEffect(ctx)
	require.NoError(t, err)
	require.NoError(t, env.store.MarkEffectUnknown(ctx, claimed.ID, "delivery timed out", claimed.ClaimedEpoch))
	return claimed.ID
}

func TestEffectReconciliation(t *testing.T) {
	env := setupAPIEnv(t)
	id := seedUnknownEffect(t, env, "api-effect-1")

	t.Run("unknown effects form the worklist", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/effects?status=unknown", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Effects []models.Effect `json:"effects"`
			Count   int             `json:"count"`
		}
		decode(t, rec, &resp)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, id, resp.Effects[0].ID)
		require.NotNil(t, resp.Effects[0].LastError)
		assert.Equal(t, "delivery timed out", *resp.Effects[0].LastError)
	})

	t.Run("get by id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/effects/"+id, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var effect models.Effect
		decode(t, rec, &effect)
		assert.Equal(t, models.EffectUnknown, effect.Status)
	})

	t.Run("resolve settles it as sent", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/effects/"+id+"/resolve", ResolveEffectRequest{Outcome: "sent"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var effect models.Effect
		decode(t, rec, &effect)
		assert.Equal(t, models.EffectSent, effect.Status)
		assert.NotNil(t, effect.ResolvedAt)
	})

	t.Run("resolving twice conflicts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/effects/"+id+"/resolve", ResolveEffectRequest{Outcome: "failed"})
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, rec.Body.String(), "not awaiting reconciliation")
	})

	t.Run("invalid outcome", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/effects/"+id+"/resolve", ResolveEffectRequest{Outcome: "maybe"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown effect id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/effects/no-such-effect", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResolveEffectRequeues(t *testing.T) {
	env := setupAPIEnv(t)
	id := seedUnknownEffect(t, env, "api-effect-2")

	rec := env.do(t, http.MethodPost, "/api/v1/effects/"+id+"/resolve", ResolveEffectRequest{Outcome: "pending"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var effect models.Effect
	decode(t, rec, &effect)
	assert.Equal(t, models.EffectPending, effect.Status)

	// Back on the queue: the outbox worker can claim it again.
	claimed, err := env.store.ClaimNextEffect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, claimed.ID)
}

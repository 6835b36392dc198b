package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewhq/crewd/pkg/models"
)

// promoteOne seeds a chat message and promotes its lane into a dispatch.
func promoteOne(t *testing.T, env *apiEnv, sessionKey string) *models.RunDispatch {
	t.Helper()
	ctx := context.Background()
	submitSeed(t, env, sessionKey)

	var promoted []*models.RunDispatch
	require.Eventually(t, func() bool {
		var err error
		promoted, err = env.store.PromoteDueLanes(ctx, 10)
		require.NoError(t, err)
		return len(promoted) == 1
	}, 5*time.Second, 50*time.Millisecond)
	return promoted[0]
}

func TestDispatchEndpoints(t *testing.T) {
	env := setupAPIEnv(t)
	ctx := context.Background()
	queued := promoteOne(t, env, "sess-disp")

	t.Run("list by session", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/dispatches?session_key=sess-disp", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp struct {
			Dispatches []models.RunDispatch `json:"dispatches"`
			Count      int                  `json:"count"`
		}
		decode(t, rec, &resp)
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, queued.ID, resp.Dispatches[0].ID)
	})

	t.Run("list filters by status", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/dispatches?status=completed", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rec, &resp)
		assert.Zero(t, resp.Count)
	})

	t.Run("get by id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/dispatches/"+queued.ID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var d models.RunDispatch
		decode(t, rec, &d)
		assert.Equal(t, models.DispatchQueued, d.Status)
	})

	t.Run("unknown dispatch id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/dispatches/no-such-dispatch", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("replaying a live dispatch is rejected", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/dispatches/"+queued.ID+"/replay", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "terminal")
	})

	t.Run("replaying a terminal dispatch queues a clone", func(t *testing.T) {
		claimed, err := env.store.ClaimNextRunDispatch(ctx, "test-host", time.Minute)
		require.NoError(t, err)
		require.NoError(t, env.store.FinalizeRunDispatch(ctx, claimed.ID, models.DispatchFailed, "agent crashed", claimed.ClaimedEpoch))

		rec := env.do(t, http.MethodPost, "/api/v1/dispatches/"+claimed.ID+"/replay", nil)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

		var replay models.RunDispatch
		decode(t, rec, &replay)
		assert.Equal(t, models.DispatchQueued, replay.Status)
		require.NotNil(t, replay.ReplayOfDispatchID)
		assert.Equal(t, claimed.ID, *replay.ReplayOfDispatchID)
		assert.Equal(t, "replay:"+claimed.ID+":1", replay.RunKey)
	})
}

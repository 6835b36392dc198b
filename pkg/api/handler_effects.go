package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/models"
)

var validEffectStatuses = map[string]struct{}{
	string(models.EffectPending): {},
	string(models.EffectSending): {},
	string(models.EffectSent):    {},
	string(models.EffectFailed):  {},
	string(models.EffectUnknown): {},
}

// ResolveEffectRequest is the body of POST /api/v1/effects/:id/resolve.
type ResolveEffectRequest struct {
	// Outcome is what the operator established out of band: "sent" or
	// "failed" settles the effect, "pending" re-queues it for delivery.
	Outcome string `json:"outcome"`
}

// listEffectsHandler handles GET /api/v1/effects. `status=unknown` is the
// reconciliation worklist: deliveries whose outcome the system could not
// establish and will not retry on its own.
func (s *Server) listEffectsHandler(c *gin.Context) {
	status := c.Query("status")
	if status != "" {
		if _, ok := validEffectStatuses[status]; !ok {
			badRequest(c, "invalid status: "+status)
			return
		}
	}
	limit, ok := parseLimit(c, "limit")
	if !ok {
		badRequest(c, "invalid limit")
		return
	}

	effects, err := s.deps.Store.ListEffects(c.Request.Context(), models.EffectStatus(status), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"effects": effects,
		"count":   len(effects),
	})
}

// getEffectHandler handles GET /api/v1/effects/:id.
func (s *Server) getEffectHandler(c *gin.Context) {
	effect, err := s.deps.Store.GetEffect(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, effect)
}

// resolveEffectHandler handles POST /api/v1/effects/:id/resolve: the manual
// settlement path for unknown-outcome deliveries.
func (s *Server) resolveEffectHandler(c *gin.Context) {
	var req ResolveEffectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}

	id := c.Param("id")
	if err := s.deps.Store.ResolveUnknownEffect(c.Request.Context(), id, models.EffectStatus(req.Outcome)); err != nil {
		respondError(c, err)
		return
	}
	s.logger.Info("Effect resolved by operator",
		"effect_id", id,
		"outcome", req.Outcome,
		"author", extractAuthor(c))

	effect, err := s.deps.Store.GetEffect(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, effect)
}

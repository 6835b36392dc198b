package intake

import (
	"context"
	"fmt"

	"github.com/crewhq/crewd/pkg/models"
)

// RelaySourceRefPrefix namespaces relay idempotency keys by originating
// effect.
const RelaySourceRefPrefix = "agent_relay:"

// EnqueueRelay turns a delivered agent response on a public channel into a
// new work item for the other agents on the same instance. Guardrails: the
// source ref is unique per effect so redelivery is a no-op, depth is bounded,
// and the originating agent is excluded from the fan-out.
//
// A nil receipt with nil error means the effect is not relayable.
func (s *Service) EnqueueRelay(ctx context.Context, effect *models.Effect) (*Receipt, error) {
	if effect.PluginInstanceID == nil || effect.WorkItemID == nil {
		return nil, nil
	}
	if effect.Payload.Actor.Kind != models.ActorAgent {
		return nil, nil
	}
	if effect.Kind != models.EffectKindFinalResponse {
		return nil, nil
	}

	instance, err := s.store.GetInstance(ctx, *effect.PluginInstanceID)
	if err != nil {
		return nil, fmt.Errorf("resolve relay instance: %w", err)
	}
	if !instance.IsPublicChannel {
		return nil, nil
	}
	if len(instance.AgentIDs) < 2 {
		// Nobody to relay to.
		return nil, nil
	}

	parent, err := s.store.GetWorkItem(ctx, *effect.WorkItemID)
	if err != nil {
		return nil, fmt.Errorf("resolve relay parent: %w", err)
	}
	depth := parent.Payload.RelayDepth + 1
	if depth > s.maxRelayDepth {
		s.logger.Warn("Relay depth limit reached",
			"effect_id", effect.ID,
			"depth", depth,
			"limit", s.maxRelayDepth)
		return nil, nil
	}

	sender := effect.Payload.Actor.DisplayName
	if sender == "" {
		sender = effect.Payload.Actor.Handle
	}

	return s.Submit(ctx, &Submission{
		InstanceID: instance.ID,
		SessionKey: parent.SessionKey,
		Source:     models.SourceRelay,
		SourceRef:  RelaySourceRefPrefix + effect.ID,
		Title:      fmt.Sprintf("Relay from %s", sender),
		Text:       effect.Payload.Content,
		SenderName: sender,
		Actor:      effect.Payload.Actor,
		RelayDepth: depth,
		// Instance assignment decides the audience; origin exclusion in
		// fan-out keeps the speaker out of it.
		ResponseContext: effect.Payload.ResponseContext,
	})
}

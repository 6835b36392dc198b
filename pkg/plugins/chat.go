package plugins

import (
	"context"
	"log/slog"

	"github.com/crewhq/crewd/pkg/models"
)

// ChatPluginType is the registry key for the web chat channel.
const ChatPluginType = "chat"

// ChatHandler is the web chat channel. Chat clients read responses from the
// session transcript, so delivery is an acknowledgement rather than an
// outbound call: marking the effect sent is what makes it visible.
type ChatHandler struct {
	logger *slog.Logger
}

// NewChatHandler creates the chat channel handler.
func NewChatHandler() *ChatHandler {
	return &ChatHandler{logger: slog.Default().With("component", "chat_handler")}
}

func (h *ChatHandler) PluginType() string { return ChatPluginType }

func (h *ChatHandler) ResponseMode() models.ResponseMode { return models.ResponseStreaming }

// PostResponse acknowledges the effect. The transcript row was written when
// the dispatch finalized; there is no provider to call.
func (h *ChatHandler) PostResponse(ctx context.Context, instance *models.PluginInstance, effect *models.Effect) (*PostResult, error) {
	h.logger.Debug("Chat response acknowledged",
		"instance_id", instance.ID,
		"effect_id", effect.ID)
	return &PostResult{Outcome: OutcomeSent}, nil
}

package realtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/store"
)

// ReactionCoordinator toggles reactions and pushes the resulting list to
// both participants of the message.
type ReactionCoordinator struct {
	reg   Registry
	store Store
	log   *zap.Logger
}

func NewReactionCoordinator(reg Registry, st Store, log *zap.Logger) *ReactionCoordinator {
	return &ReactionCoordinator{reg: reg, store: st, log: log}
}

// Toggle applies one reaction click. A message that does not exist (or was
// deleted in the meantime) is a silent no-op and returns nil, nil.
func (c *ReactionCoordinator) Toggle(ctx context.Context, actingUserID, messageID int, emoji string) ([]models.Reaction, error) {
	msg, err := c.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		c.log.Debug("reaction on missing message", zap.Int("message_id", messageID), zap.Int("user_id", actingUserID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	if msg.SenderID != actingUserID && msg.ReceiverID != actingUserID {
		return nil, ErrForbidden
	}

	reactions, err := c.store.ToggleReaction(ctx, messageID, actingUserID, emoji)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if reactions == nil {
		reactions = []models.Reaction{}
	}

	ev := protocol.NewServerEvent(protocol.ReactionUpdated, protocol.ReactionUpdatedPayload{
		MessageID: messageID,
		Reactions: reactions,
	})
	sendTo(c.reg, msg.SenderID, ev)
	sendTo(c.reg, msg.ReceiverID, ev)
	return reactions, nil
}

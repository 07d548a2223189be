package realtime

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/store"
)

// ReadReceiptCoordinator advances delivery status and tells every original
// sender about their own messages only.
type ReadReceiptCoordinator struct {
	reg   Registry
	store Store
	log   *zap.Logger
}

func NewReadReceiptCoordinator(reg Registry, st Store, log *zap.Logger) *ReadReceiptCoordinator {
	return &ReadReceiptCoordinator{reg: reg, store: st, log: log}
}

// MarkRead marks the batch read on behalf of receiverID. Ids addressed to
// someone else are ignored. It returns the ids that actually changed.
func (r *ReadReceiptCoordinator) MarkRead(ctx context.Context, receiverID int, messageIDs []int) ([]int, error) {
	changed, err := r.store.MarkMessagesRead(ctx, receiverID, messageIDs)
	if err != nil {
		return nil, err
	}
	if skipped := len(messageIDs) - len(changed); skipped > 0 {
		r.log.Debug("read receipts skipped",
			zap.Int("receiver_id", receiverID), zap.Int("requested", len(messageIDs)), zap.Int("skipped", skipped))
	}
	r.notify(changed, models.StatusRead)
	return ids(changed), nil
}

// MarkConversationRead marks everything receiverID got in the conversation
// as read and resets its unread counter.
func (r *ReadReceiptCoordinator) MarkConversationRead(ctx context.Context, conversationID, receiverID int) ([]int, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(receiverID) {
		return nil, ErrForbidden
	}
	changed, err := r.store.MarkConversationRead(ctx, conversationID, receiverID)
	if err != nil {
		return nil, err
	}
	r.notify(changed, models.StatusRead)
	return ids(changed), nil
}

// DeliverPending advances messages that waited for receiverID to come
// online and notifies their senders.
func (r *ReadReceiptCoordinator) DeliverPending(ctx context.Context, receiverID int) error {
	changed, err := r.store.MarkDelivered(ctx, receiverID)
	if err != nil {
		return err
	}
	r.notify(changed, models.StatusDelivered)
	return nil
}

// notify emits one messages_status_updated per distinct sender.
func (r *ReadReceiptCoordinator) notify(changed []models.Message, status models.DeliveryStatus) {
	if len(changed) == 0 {
		return
	}
	bySender := make(map[int][]int)
	for _, m := range changed {
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
	}
	for senderID, msgIDs := range bySender {
		sort.Ints(msgIDs)
		sendTo(r.reg, senderID, protocol.NewServerEvent(protocol.MessagesStatusUpdated, protocol.MessagesStatusPayload{
			MessageIDs:    msgIDs,
			MessageStatus: status,
		}))
	}
}

func ids(msgs []models.Message) []int {
	out := make([]int, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

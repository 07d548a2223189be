package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/media"
	"github.com/4xmen/chatpat/internal/metrics"
	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/store"
)

type SendRequest struct {
	SenderID   int
	ReceiverID int
	Content    string
	Media      *Attachment
}

// DeliveryPipeline accepts composed messages, persists them and fans them
// out to both participants.
type DeliveryPipeline struct {
	reg    Registry
	store  Store
	media  MediaStore
	pusher OfflineNotifier
	log    *zap.Logger
}

func NewDeliveryPipeline(reg Registry, st Store, ms MediaStore, pusher OfflineNotifier, log *zap.Logger) *DeliveryPipeline {
	return &DeliveryPipeline{reg: reg, store: st, media: ms, pusher: pusher, log: log}
}

// Send validates, persists and fans out one message. Validation failures
// leave no trace in storage; a failed upload aborts before the message row
// is written.
func (p *DeliveryPipeline) Send(ctx context.Context, req SendRequest) (*models.Message, error) {
	if req.SenderID == req.ReceiverID {
		return nil, ErrSelfMessage
	}
	content := strings.TrimSpace(req.Content)
	if req.Media == nil && content == "" {
		return nil, ErrContentRequired
	}

	sender, err := p.store.GetUser(ctx, req.SenderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sender: %w", err)
	}
	if _, err := p.store.GetUser(ctx, req.ReceiverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRecipientUnknown
		}
		return nil, fmt.Errorf("failed to load receiver: %w", err)
	}

	contentType := models.ContentText
	var mediaURL *string
	if req.Media != nil {
		if p.media == nil {
			return nil, fmt.Errorf("media uploads are not configured")
		}
		up, err := p.media.Save(ctx, req.Media.Filename, req.Media.Body)
		if errors.Is(err, media.ErrUnsupportedType) {
			return nil, ErrUnsupportedMedia
		}
		if err != nil {
			return nil, fmt.Errorf("failed to upload media: %w", err)
		}
		if up.URL == "" {
			return nil, fmt.Errorf("failed to upload media: empty url")
		}
		switch {
		case up.IsImage():
			contentType = models.ContentImage
		case up.IsVideo():
			contentType = models.ContentVideo
		default:
			p.discard(ctx, &up.URL)
			return nil, ErrUnsupportedMedia
		}
		mediaURL = &up.URL
	}

	conv, err := p.store.FindOrCreateConversation(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		p.discard(ctx, mediaURL)
		return nil, fmt.Errorf("failed to resolve conversation: %w", err)
	}

	status := models.StatusSent
	if isOnline(p.reg, req.ReceiverID) {
		status = models.StatusDelivered
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Content:        content,
		ContentType:    contentType,
		MediaURL:       mediaURL,
		Status:         status,
	}
	if err := p.store.CreateMessage(ctx, msg); err != nil {
		p.discard(ctx, mediaURL)
		return nil, fmt.Errorf("failed to save message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(string(status)).Inc()

	full, err := p.store.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	ev := protocol.NewServerEvent(protocol.ReceiveMessage, full)
	sendTo(p.reg, req.SenderID, ev)
	if !sendTo(p.reg, req.ReceiverID, ev) && p.pusher != nil {
		p.pusher.NotifyNewMessage(ctx, req.ReceiverID, sender.Summary().Username, full)
	}

	p.log.Debug("message delivered",
		zap.Int("message_id", full.ID),
		zap.Int("sender_id", full.SenderID),
		zap.Int("receiver_id", full.ReceiverID),
		zap.String("status", string(full.Status)))
	return full, nil
}

// discard removes an upload whose message was never stored.
func (p *DeliveryPipeline) discard(ctx context.Context, url *string) {
	if url == nil {
		return
	}
	removeUpload(ctx, p.media, p.log, *url)
}

// Delete removes a message on behalf of its sender and tells the receiver.
func (p *DeliveryPipeline) Delete(ctx context.Context, actingUserID, messageID int) error {
	msg, err := p.store.GetMessage(ctx, messageID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if msg.SenderID != actingUserID {
		return ErrForbidden
	}
	if err := p.store.DeleteMessage(ctx, messageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	sendTo(p.reg, msg.ReceiverID, protocol.NewServerEvent(protocol.MessageDeleted, protocol.MessageDeletedPayload{
		DeletedMessageID: messageID,
	}))
	return nil
}

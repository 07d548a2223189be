// Package realtime coordinates everything that happens over the live client
// connections: presence, typing indicators, message delivery, reactions, read
// receipts, call signaling and status broadcasts.
package realtime

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/media"
	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
)

var (
	ErrSelfMessage      = errors.New("cannot send message to yourself")
	ErrContentRequired  = errors.New("message content is required")
	ErrUnsupportedMedia = errors.New("unsupported file type")
	ErrRecipientUnknown = errors.New("receiver not found")
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrMissingIdentity  = errors.New("missing user id")
	ErrIdentityMismatch = errors.New("user id does not match credential")
	ErrStaleCall        = errors.New("unknown or stale call")
	ErrRateLimited      = errors.New("rate limit exceeded")
)

// Store is the persistence the coordinators need.
type Store interface {
	GetUser(ctx context.Context, id int) (*models.User, error)
	SetPresence(ctx context.Context, id int, online bool, at time.Time) error

	FindOrCreateConversation(ctx context.Context, userA, userB int) (*models.Conversation, error)
	GetConversation(ctx context.Context, id int) (*models.Conversation, error)
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id int) (*models.Message, error)
	DeleteMessage(ctx context.Context, id int) error

	ToggleReaction(ctx context.Context, messageID, userID int, emoji string) ([]models.Reaction, error)

	MarkMessagesRead(ctx context.Context, receiverID int, messageIDs []int) ([]models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID, receiverID int) ([]models.Message, error)
	MarkDelivered(ctx context.Context, receiverID int) ([]models.Message, error)

	CreateStatus(ctx context.Context, st *models.Status) error
	GetStatus(ctx context.Context, id int) (*models.Status, error)
	ListActiveStatuses(ctx context.Context, now time.Time) ([]*models.Status, error)
	AddStatusViewer(ctx context.Context, statusID, viewerID int) (bool, error)
	DeleteStatus(ctx context.Context, id int) error
}

// MediaStore persists an uploaded file and returns where it is served from.
// Remove discards a saved file whose message or status was never stored.
type MediaStore interface {
	Save(ctx context.Context, filename string, r io.Reader) (media.Upload, error)
	Remove(ctx context.Context, url string) error
}

func removeUpload(ctx context.Context, ms MediaStore, log *zap.Logger, url string) {
	if err := ms.Remove(ctx, url); err != nil {
		log.Warn("failed to remove orphaned upload", zap.String("url", url), zap.Error(err))
	}
}

// OfflineNotifier reaches receivers that have no live connection.
type OfflineNotifier interface {
	NotifyNewMessage(ctx context.Context, receiverID int, senderName string, m *models.Message)
}

// EventLimiter throttles chatty client events per user.
type EventLimiter interface {
	Allow(ctx context.Context, userID int, event protocol.EventType) bool
}

// Attachment is an uploaded file travelling with a message or status.
type Attachment struct {
	Filename string
	Body     io.Reader
}

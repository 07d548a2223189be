package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/realtime"
)

// ChatStore is the read side of conversations and messages.
type ChatStore interface {
	ListConversations(ctx context.Context, userID int) ([]*models.Conversation, error)
	ListMessages(ctx context.Context, conversationID int) ([]*models.Message, error)
}

type ChatHandler struct {
	store    ChatStore
	messages *realtime.DeliveryPipeline
	receipts *realtime.ReadReceiptCoordinator
	log      *zap.Logger
}

func NewChatHandler(st ChatStore, messages *realtime.DeliveryPipeline, receipts *realtime.ReadReceiptCoordinator, log *zap.Logger) *ChatHandler {
	return &ChatHandler{store: st, messages: messages, receipts: receipts, log: log}
}

// SendMessage accepts a multipart form with receiverId, content and an
// optional "media" file.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	receiverID, err := strconv.Atoi(c.PostForm("receiverId"))
	if err != nil || receiverID <= 0 {
		respondError(c, http.StatusBadRequest, "invalid receiverId")
		return
	}

	att, done, err := attachment(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid request")
		return
	}
	defer done()

	msg, err := h.messages.Send(c.Request.Context(), realtime.SendRequest{
		SenderID:   userID,
		ReceiverID: receiverID,
		Content:    c.PostForm("content"),
		Media:      att,
	})
	if err != nil {
		if status, text, ok := badInput(err); ok {
			respondError(c, status, text)
			return
		}
		if errors.Is(err, realtime.ErrRecipientUnknown) {
			respondError(c, http.StatusNotFound, err.Error())
			return
		}
		h.log.Error("send message failed", zap.Int("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to send message")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *ChatHandler) Conversations(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	convs, err := h.store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		h.log.Error("list conversations failed", zap.Int("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to fetch conversations")
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// Messages returns the history of a conversation, oldest first. Opening a
// conversation reads everything the caller received in it.
func (h *ChatHandler) Messages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	convID, ok := paramID(c, "id")
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid conversation id")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.receipts.MarkConversationRead(ctx, convID, userID); err != nil {
		switch {
		case errors.Is(err, realtime.ErrNotFound):
			respondError(c, http.StatusNotFound, "conversation not found")
		case errors.Is(err, realtime.ErrForbidden):
			respondError(c, http.StatusForbidden, "not a participant")
		default:
			h.log.Error("mark conversation read failed", zap.Int("conversation_id", convID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "failed to update message")
		}
		return
	}

	msgs, err := h.store.ListMessages(ctx, convID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to fetch messages")
		return
	}
	if msgs == nil {
		msgs = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type MarkReadRequest struct {
	MessageIDs []int `json:"messageIds" binding:"required,min=1,dive,gt=0"`
}

// MarkRead marks the listed messages addressed to the caller as read and
// returns the ids that actually changed.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "messageIds required")
		return
	}

	changed, err := h.receipts.MarkRead(c.Request.Context(), userID, req.MessageIDs)
	if err != nil {
		h.log.Error("mark read failed", zap.Int("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to update message")
		return
	}
	if changed == nil {
		changed = []int{}
	}
	c.JSON(http.StatusOK, gin.H{"messageIds": changed, "messageStatus": models.StatusRead})
}

// DeleteMessage deletes a message (only sender can delete)
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	messageID, ok := paramID(c, "id")
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid message id")
		return
	}

	if err := h.messages.Delete(c.Request.Context(), userID, messageID); err != nil {
		switch {
		case errors.Is(err, realtime.ErrNotFound):
			respondError(c, http.StatusNotFound, "message not found")
		case errors.Is(err, realtime.ErrForbidden):
			respondError(c, http.StatusForbidden, "can only delete own messages")
		default:
			h.log.Error("delete message failed", zap.Int("message_id", messageID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "failed to delete message")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"deletedMessageId": messageID})
}

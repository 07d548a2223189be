package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/models"
)

type PushStore interface {
	SavePushSubscription(ctx context.Context, userID int, sub models.PushSubscription) error
	DeletePushSubscription(ctx context.Context, userID int, endpoint string) error
}

type PushHandler struct {
	store     PushStore
	publicKey string
	log       *zap.Logger
}

// NewPushHandler serves subscriptions for the VAPID key pair whose public
// half is publicKey. An empty key means push is switched off.
func NewPushHandler(st PushStore, publicKey string, log *zap.Logger) *PushHandler {
	return &PushHandler{store: st, publicKey: publicKey, log: log}
}

// SubscribeRequest is the browser's PushSubscription.toJSON() shape.
type SubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" binding:"required"`
		Auth   string `json:"auth" binding:"required"`
	} `json:"keys" binding:"required"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

func (h *PushHandler) VAPIDPublicKey(c *gin.Context) {
	if h.publicKey == "" {
		respondError(c, http.StatusNotFound, "push notifications not configured")
		return
	}
	c.JSON(http.StatusOK, gin.H{"publicKey": h.publicKey})
}

func (h *PushHandler) Subscribe(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request")
		return
	}

	sub := models.PushSubscription{Endpoint: req.Endpoint, KeyP256dh: req.Keys.P256dh, KeyAuth: req.Keys.Auth}
	if err := h.store.SavePushSubscription(c.Request.Context(), userID, sub); err != nil {
		h.log.Error("save push subscription failed", zap.Int("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to save subscription")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "subscribed"})
}

func (h *PushHandler) Unsubscribe(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req UnsubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request")
		return
	}
	if err := h.store.DeletePushSubscription(c.Request.Context(), userID, req.Endpoint); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to remove subscription")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed"})
}

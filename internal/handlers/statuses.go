package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/realtime"
)

type StatusHandler struct {
	statuses *realtime.StatusCoordinator
	log      *zap.Logger
}

func NewStatusHandler(statuses *realtime.StatusCoordinator, log *zap.Logger) *StatusHandler {
	return &StatusHandler{statuses: statuses, log: log}
}

func (h *StatusHandler) Create(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	att, done, err := attachment(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid request")
		return
	}
	defer done()

	st, err := h.statuses.Create(c.Request.Context(), userID, c.PostForm("content"), att)
	if err != nil {
		if status, msg, ok := badInput(err); ok {
			respondError(c, status, msg)
			return
		}
		h.log.Error("create status failed", zap.Int("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to create status")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": st})
}

func (h *StatusHandler) List(c *gin.Context) {
	if _, ok := requireUser(c); !ok {
		return
	}
	list, err := h.statuses.List(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to fetch statuses")
		return
	}
	c.JSON(http.StatusOK, gin.H{"statuses": list})
}

func (h *StatusHandler) View(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	statusID, ok := paramID(c, "id")
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid status id")
		return
	}

	st, err := h.statuses.View(c.Request.Context(), userID, statusID)
	if errors.Is(err, realtime.ErrNotFound) {
		respondError(c, http.StatusNotFound, "status not found")
		return
	}
	if err != nil {
		h.log.Error("view status failed", zap.Int("status_id", statusID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to view status")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": st})
}

func (h *StatusHandler) Delete(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	statusID, ok := paramID(c, "id")
	if !ok {
		respondError(c, http.StatusBadRequest, "invalid status id")
		return
	}

	err := h.statuses.Delete(c.Request.Context(), userID, statusID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"statusId": statusID})
	case errors.Is(err, realtime.ErrNotFound):
		respondError(c, http.StatusNotFound, "status not found")
	case errors.Is(err, realtime.ErrForbidden):
		respondError(c, http.StatusForbidden, "can only delete own statuses")
	default:
		h.log.Error("delete status failed", zap.Int("status_id", statusID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to delete status")
	}
}

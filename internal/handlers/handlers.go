// Package handlers exposes the HTTP API. Every handler that changes chat
// state goes through the realtime coordinators so live clients see the same
// events as with the websocket surface.
package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/chatpat/internal/media"
	"github.com/4xmen/chatpat/internal/realtime"
	"github.com/4xmen/chatpat/pkg/i18n"
)

// respondError writes {"error": msg}, in Persian when the client asks for it.
func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": i18n.For(c.GetHeader("Accept-Language"), msg)})
}

func currentUserID(c *gin.Context) (int, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := v.(int)
	return id, ok && id > 0
}

// requireUser returns the authenticated user id or answers 401.
func requireUser(c *gin.Context) (int, bool) {
	id, ok := currentUserID(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
	}
	return id, ok
}

func paramID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	return id, err == nil && id > 0
}

// badInput reports errors caused by what the client sent, with the status
// to answer and the message to show.
func badInput(err error) (int, string, bool) {
	switch {
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, media.ErrTooLarge.Error(), true
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusBadRequest, media.ErrUnsupportedType.Error(), true
	}
	for _, known := range []error{
		realtime.ErrSelfMessage,
		realtime.ErrContentRequired,
		realtime.ErrUnsupportedMedia,
		realtime.ErrStatusContentRequired,
	} {
		if errors.Is(err, known) {
			return http.StatusBadRequest, known.Error(), true
		}
	}
	return 0, "", false
}

// attachment opens the optional "media" file of a multipart request. The
// returned close func is never nil.
func attachment(c *gin.Context) (*realtime.Attachment, func(), error) {
	file, header, err := c.Request.FormFile("media")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, func() {}, nil
	}
	if err != nil {
		return nil, func() {}, err
	}
	return &realtime.Attachment{Filename: header.Filename, Body: file}, func() { file.Close() }, nil
}

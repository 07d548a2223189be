package handlers

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/auth"
	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/realtime"
	"github.com/4xmen/chatpat/internal/store"
)

const authCookie = "auth_token"

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// UserStore is what the account endpoints read and write.
type UserStore interface {
	UpdateProfile(ctx context.Context, id int, upd store.ProfileUpdate) (*models.User, error)
	ListUsers(ctx context.Context, exclude int) ([]store.UserWithConversation, error)
}

type AuthHandler struct {
	authSvc      *auth.Service
	users        UserStore
	media        realtime.MediaStore
	secureCookie bool
	log          *zap.Logger
}

func NewAuthHandler(authSvc *auth.Service, users UserStore, ms realtime.MediaStore, secureCookie bool, log *zap.Logger) *AuthHandler {
	return &AuthHandler{authSvc: authSvc, users: users, media: ms, secureCookie: secureCookie, log: log}
}

type VerifyOTPRequest struct {
	auth.Identifier
	OTP string `json:"otp" binding:"required"`
}

type AuthResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// SendOTP issues a one-time code to an email address or a phone number.
func (h *AuthHandler) SendOTP(c *gin.Context) {
	var req auth.Identifier
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request")
		return
	}

	if _, err := h.authSvc.SendOTP(c.Request.Context(), req); err != nil {
		switch {
		case errors.Is(err, auth.ErrIdentifierRequired), errors.Is(err, auth.ErrInvalidEmail):
			respondError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, auth.ErrDeliveryFailed):
			respondError(c, http.StatusBadGateway, auth.ErrDeliveryFailed.Error())
		default:
			h.log.Error("send otp failed", zap.Error(err))
			respondError(c, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "otp sent"})
}

// VerifyOTP exchanges a valid code for a token, returned in the body and as
// an http-only cookie.
func (h *AuthHandler) VerifyOTP(c *gin.Context) {
	var req VerifyOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "otp required")
		return
	}

	token, user, err := h.authSvc.VerifyOTP(c.Request.Context(), req.Identifier, req.OTP)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUserNotFound):
			respondError(c, http.StatusNotFound, err.Error())
		case errors.Is(err, auth.ErrIdentifierRequired), errors.Is(err, auth.ErrInvalidEmail), errors.Is(err, auth.ErrInvalidOTP):
			respondError(c, http.StatusBadRequest, err.Error())
		default:
			h.log.Error("verify otp failed", zap.Error(err))
			respondError(c, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.setAuthCookie(c, token, int(h.authSvc.TokenTTL().Seconds()))
	c.JSON(http.StatusOK, AuthResponse{Token: token, User: user})
}

func (h *AuthHandler) CheckAuth(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	user, err := h.authSvc.GetUser(c.Request.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to validate user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	h.setAuthCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

// UpdateProfile takes a multipart form with optional username, about,
// agreed and a "media" image used as the profile picture.
func (h *AuthHandler) UpdateProfile(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var upd store.ProfileUpdate
	if v, ok := c.GetPostForm("username"); ok {
		v = strings.TrimSpace(v)
		if len(v) < 3 || len(v) > 32 {
			respondError(c, http.StatusBadRequest, "username must be between 3 and 32 characters")
			return
		}
		if !usernamePattern.MatchString(v) {
			respondError(c, http.StatusBadRequest, "username can only contain letters, numbers, and underscores")
			return
		}
		upd.Username = &v
	}
	if v, ok := c.GetPostForm("about"); ok {
		v = strings.TrimSpace(v)
		upd.About = &v
	}
	if v, ok := c.GetPostForm("agreed"); ok {
		agreed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid request")
			return
		}
		upd.Agreed = &agreed
	}

	att, done, err := attachment(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid request")
		return
	}
	defer done()
	if att != nil {
		if h.media == nil {
			respondError(c, http.StatusInternalServerError, "failed to save file")
			return
		}
		up, err := h.media.Save(c.Request.Context(), att.Filename, att.Body)
		if status, msg, ok := badInput(err); ok {
			respondError(c, status, msg)
			return
		}
		if err != nil {
			h.log.Error("profile picture upload failed", zap.Int("user_id", userID), zap.Error(err))
			respondError(c, http.StatusInternalServerError, "failed to save file")
			return
		}
		if !up.IsImage() {
			h.removeUpload(c, up.URL)
			respondError(c, http.StatusBadRequest, "file must be an image")
			return
		}
		upd.ProfilePicture = &up.URL
	}

	user, err := h.users.UpdateProfile(c.Request.Context(), userID, upd)
	if err != nil {
		if upd.ProfilePicture != nil {
			h.removeUpload(c, *upd.ProfilePicture)
		}
		h.log.Error("profile update failed", zap.Int("user_id", userID), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to update profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *AuthHandler) removeUpload(c *gin.Context, url string) {
	if err := h.media.Remove(c.Request.Context(), url); err != nil {
		h.log.Warn("failed to remove upload", zap.String("url", url), zap.Error(err))
	}
}

// Users lists everyone except the caller, each with the conversation they
// share with the caller if there is one.
func (h *AuthHandler) Users(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	users, err := h.users.ListUsers(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to fetch users")
		return
	}
	if users == nil {
		users = []store.UserWithConversation{}
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *AuthHandler) setAuthCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(authCookie, value, maxAge, "/", "", h.secureCookie, true)
}

// AuthMiddleware validates JWT token
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" {
			if cookie, err := c.Cookie(authCookie); err == nil {
				token = cookie
			}
		}

		// If not in header or cookie, try query parameter (for WebSocket)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			respondError(c, http.StatusUnauthorized, "missing authorization token")
			c.Abort()
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "invalid token")
			c.Abort()
			return
		}

		exists, err := h.authSvc.UserExists(c.Request.Context(), claims.UserID)
		if err != nil {
			respondError(c, http.StatusInternalServerError, "failed to validate user")
			c.Abort()
			return
		}
		if !exists {
			respondError(c, http.StatusUnauthorized, "user not found")
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Next()
	}
}

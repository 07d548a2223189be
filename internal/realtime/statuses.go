package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/media"
	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/store"
)

// DefaultStatusTTL is how long a status stays visible.
const DefaultStatusTTL = 24 * time.Hour

var ErrStatusContentRequired = errors.New("status content is required")

// StatusCoordinator persists ephemeral statuses and fans their lifecycle out
// to every connected user other than the author.
type StatusCoordinator struct {
	reg   Registry
	store Store
	media MediaStore
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

func NewStatusCoordinator(reg Registry, st Store, ms MediaStore, ttl time.Duration, log *zap.Logger) *StatusCoordinator {
	if ttl <= 0 {
		ttl = DefaultStatusTTL
	}
	return &StatusCoordinator{
		reg:   reg,
		store: st,
		media: ms,
		ttl:   ttl,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a status for authorID and broadcasts new_status.
func (c *StatusCoordinator) Create(ctx context.Context, authorID int, content string, att *Attachment) (*models.Status, error) {
	content = strings.TrimSpace(content)
	if att == nil && content == "" {
		return nil, ErrStatusContentRequired
	}

	st := &models.Status{
		UserID:      authorID,
		Content:     content,
		ContentType: models.ContentText,
	}
	if att != nil {
		if c.media == nil {
			return nil, fmt.Errorf("media uploads are not configured")
		}
		up, err := c.media.Save(ctx, att.Filename, att.Body)
		if errors.Is(err, media.ErrUnsupportedType) {
			return nil, ErrUnsupportedMedia
		}
		if err != nil {
			return nil, fmt.Errorf("failed to upload media: %w", err)
		}
		if up.IsVideo() {
			st.ContentType = models.ContentVideo
		} else {
			st.ContentType = models.ContentImage
		}
		st.MediaURL = &up.URL
	}

	now := c.now()
	st.CreatedAt = now
	st.ExpiresAt = now.Add(c.ttl)
	if err := c.store.CreateStatus(ctx, st); err != nil {
		if st.MediaURL != nil {
			removeUpload(ctx, c.media, c.log, *st.MediaURL)
		}
		return nil, err
	}

	n := broadcastExcept(c.reg, authorID, protocol.NewServerEvent(protocol.NewStatus, st))
	c.log.Debug("status created", zap.Int("status_id", st.ID), zap.Int("user_id", authorID), zap.Int("recipients", n))
	return st, nil
}

// List returns the statuses that have not expired yet.
func (c *StatusCoordinator) List(ctx context.Context) ([]*models.Status, error) {
	out, err := c.store.ListActiveStatuses(ctx, c.now())
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.Status{}
	}
	return out, nil
}

// View records viewerID as a viewer. The owner viewing their own status and
// repeated views change nothing. A new view is reported to the owner with
// status_viewed.
func (c *StatusCoordinator) View(ctx context.Context, viewerID, statusID int) (*models.Status, error) {
	st, err := c.active(ctx, statusID)
	if err != nil {
		return nil, err
	}
	if st.UserID == viewerID {
		return st, nil
	}

	added, err := c.store.AddStatusViewer(ctx, statusID, viewerID)
	if err != nil {
		return nil, err
	}
	if !added {
		return st, nil
	}

	st, err = c.store.GetStatus(ctx, statusID)
	if err != nil {
		return nil, err
	}
	sendTo(c.reg, st.UserID, protocol.NewServerEvent(protocol.StatusViewed, protocol.StatusViewedPayload{
		StatusID: statusID,
		ViewerID: viewerID,
		Viewers:  st.Viewers,
	}))
	return st, nil
}

// Delete removes a status on behalf of its owner and broadcasts
// status_deleted.
func (c *StatusCoordinator) Delete(ctx context.Context, actingUserID, statusID int) error {
	st, err := c.store.GetStatus(ctx, statusID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if st.UserID != actingUserID {
		return ErrForbidden
	}
	if err := c.store.DeleteStatus(ctx, statusID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	broadcastExcept(c.reg, actingUserID, protocol.NewServerEvent(protocol.StatusDeleted, protocol.StatusDeletedPayload{
		StatusID: statusID,
	}))
	return nil
}

// active loads a status and treats expired ones as missing.
func (c *StatusCoordinator) active(ctx context.Context, statusID int) (*models.Status, error) {
	st, err := c.store.GetStatus(ctx, statusID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if c.now().After(st.ExpiresAt) {
		return nil, ErrNotFound
	}
	return st, nil
}

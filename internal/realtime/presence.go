package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/store"
)

// PresenceTracker turns registry membership into online/offline state that
// is persisted and broadcast.
type PresenceTracker struct {
	reg   Registry
	store Store
	log   *zap.Logger
	now   func() time.Time
}

func NewPresenceTracker(reg Registry, st Store, log *zap.Logger) *PresenceTracker {
	return &PresenceTracker{
		reg:   reg,
		store: st,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Connect registers conn for the announced identity. The announcement must
// match the identity the connection authenticated with; otherwise the call
// is aborted and the connection stays unregistered.
func (p *PresenceTracker) Connect(ctx context.Context, conn Conn, authUserID, announced int) error {
	if announced == 0 {
		p.log.Warn("user_connected without user id", zap.String("conn_id", conn.ID()), zap.Int("auth_user_id", authUserID))
		return ErrMissingIdentity
	}
	if announced != authUserID {
		p.log.Warn("user_connected identity mismatch",
			zap.String("conn_id", conn.ID()),
			zap.Int("auth_user_id", authUserID),
			zap.Int("announced_user_id", announced))
		return ErrIdentityMismatch
	}

	if prev := p.reg.Register(authUserID, conn); prev != nil && prev.ID() != conn.ID() {
		p.log.Info("connection replaced", zap.Int("user_id", authUserID),
			zap.String("old_conn_id", prev.ID()), zap.String("new_conn_id", conn.ID()))
	}

	if err := p.store.SetPresence(ctx, authUserID, true, p.now()); err != nil {
		p.log.Error("failed to persist presence", zap.Int("user_id", authUserID), zap.Error(err))
	}

	broadcast(p.reg, protocol.NewServerEvent(protocol.UserStatus, protocol.UserStatusPayload{
		UserID:   authUserID,
		IsOnline: true,
	}))
	return nil
}

// MarkOffline persists and broadcasts the departure of a user whose entry
// was already removed from the registry. A user who reconnected in the
// meantime stays online.
func (p *PresenceTracker) MarkOffline(ctx context.Context, userID int) {
	if isOnline(p.reg, userID) {
		return
	}
	lastSeen := p.now()
	if err := p.store.SetPresence(ctx, userID, false, lastSeen); err != nil {
		p.log.Error("failed to persist presence", zap.Int("user_id", userID), zap.Error(err))
	}
	broadcastExcept(p.reg, userID, protocol.NewServerEvent(protocol.UserStatus, protocol.UserStatusPayload{
		UserID:   userID,
		IsOnline: false,
		LastSeen: &lastSeen,
	}))
}

// Status answers get_user_status. Online users report now as last seen;
// offline users report the persisted value.
func (p *PresenceTracker) Status(ctx context.Context, userID int) (protocol.UserStatusPayload, error) {
	out := protocol.UserStatusPayload{UserID: userID}
	if isOnline(p.reg, userID) {
		now := p.now()
		out.IsOnline = true
		out.LastSeen = &now
		return out, nil
	}
	u, err := p.store.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return out, ErrNotFound
	}
	if err != nil {
		return out, err
	}
	out.LastSeen = u.LastSeen
	return out, nil
}

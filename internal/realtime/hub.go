package realtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/metrics"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/store"
)

type HubConfig struct {
	TypingTimeout time.Duration
	RingTimeout   time.Duration
	StatusTTL     time.Duration
}

// Hub owns the registry and every coordinator and routes decoded client
// events to them. HTTP handlers reach the same coordinators through the
// exported fields, so both surfaces share one fan-out path.
type Hub struct {
	reg     Registry
	store   Store
	limiter EventLimiter
	log     *zap.Logger

	Presence  *PresenceTracker
	Typing    *TypingCoordinator
	Messages  *DeliveryPipeline
	Reactions *ReactionCoordinator
	Receipts  *ReadReceiptCoordinator
	Calls     *CallRelay
	Statuses  *StatusCoordinator
}

// NewHub wires the coordinators around reg. ms, pusher and limiter may be
// nil.
func NewHub(reg Registry, st Store, ms MediaStore, pusher OfflineNotifier, limiter EventLimiter, log *zap.Logger, cfg HubConfig) *Hub {
	return &Hub{
		reg:       reg,
		store:     st,
		limiter:   limiter,
		log:       log,
		Presence:  NewPresenceTracker(reg, st, log),
		Typing:    NewTypingCoordinator(reg, cfg.TypingTimeout),
		Messages:  NewDeliveryPipeline(reg, st, ms, pusher, log),
		Reactions: NewReactionCoordinator(reg, st, log),
		Receipts:  NewReadReceiptCoordinator(reg, st, log),
		Calls:     NewCallRelay(reg, st, log, cfg.RingTimeout),
		Statuses:  NewStatusCoordinator(reg, st, ms, cfg.StatusTTL, log),
	}
}

func (h *Hub) Registry() Registry {
	return h.reg
}

// Dispatch handles one decoded event from conn, authenticated as userID.
// Failures never escape: send_message failures are answered with
// message_error, everything else is logged and dropped.
func (h *Hub) Dispatch(ctx context.Context, conn Conn, userID int, requestID string, ev protocol.ClientEvent) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EventErrorsTotal.WithLabelValues("panic").Inc()
			h.log.Error("panic in event handler",
				zap.String("event", string(ev.Type())),
				zap.Int("user_id", userID),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	metrics.EventsTotal.WithLabelValues(string(ev.Type())).Inc()

	if h.limiter != nil && !h.limiter.Allow(ctx, userID, ev.Type()) {
		metrics.EventErrorsTotal.WithLabelValues("rate_limited").Inc()
		h.log.Debug("event rate limited", zap.String("event", string(ev.Type())), zap.Int("user_id", userID))
		if e, ok := ev.(*protocol.SendMessageEvent); ok {
			h.reply(conn, requestID, protocol.MessageError, protocol.MessageErrorPayload{
				Error:           ErrRateLimited.Error(),
				ClientMessageID: e.ClientMessageID,
			})
		}
		return
	}

	var err error
	switch e := ev.(type) {
	case *protocol.UserConnectedEvent:
		err = h.connect(ctx, conn, userID, int(e.UserID))

	case *protocol.GetUserStatusEvent:
		var status protocol.UserStatusPayload
		status, err = h.Presence.Status(ctx, int(e.UserID))
		switch {
		case err == nil:
			h.reply(conn, requestID, protocol.UserStatusResult, status)
		case errors.Is(err, ErrNotFound):
			// unknown users read as offline, never seen
			err = nil
			h.reply(conn, requestID, protocol.UserStatusResult, protocol.UserStatusPayload{UserID: int(e.UserID)})
		default:
			h.reply(conn, requestID, protocol.RequestError, protocol.RequestErrorPayload{Error: "failed to fetch user status"})
		}

	case *protocol.TypingEvent:
		if e.ConversationID == 0 || e.ReceiverID == 0 {
			break
		}
		var peer int
		if peer, err = h.typingPeer(ctx, userID, e.ConversationID); err != nil {
			break
		}
		if peer != e.ReceiverID {
			err = fmt.Errorf("%w: user %d is not in conversation %d", ErrForbidden, e.ReceiverID, e.ConversationID)
			break
		}
		if e.Stop {
			h.Typing.Stop(userID, e.ConversationID, peer)
		} else {
			h.Typing.Start(userID, e.ConversationID, peer)
		}

	case *protocol.SendMessageEvent:
		_, err = h.Messages.Send(ctx, SendRequest{
			SenderID:   userID,
			ReceiverID: e.ReceiverID,
			Content:    e.Content,
		})
		if err != nil {
			h.reply(conn, requestID, protocol.MessageError, protocol.MessageErrorPayload{
				Error:           clientError(err),
				ClientMessageID: e.ClientMessageID,
			})
		}

	case *protocol.MarkReadEvent:
		_, err = h.Receipts.MarkRead(ctx, userID, e.MessageIDs)

	case *protocol.AddReactionEvent:
		if e.UserID != 0 && e.UserID != userID {
			h.log.Warn("add_reaction user id ignored", zap.Int("user_id", userID), zap.Int("claimed_user_id", e.UserID))
		}
		_, err = h.Reactions.Toggle(ctx, userID, e.MessageID, e.Emoji)

	case *protocol.InitiateCallEvent:
		_, err = h.Calls.Initiate(ctx, userID, e)

	case *protocol.AcceptCallEvent:
		err = h.Calls.Accept(ctx, userID, e)

	case *protocol.RejectCallEvent:
		err = h.Calls.Reject(userID, e)

	case *protocol.EndCallEvent:
		err = h.Calls.End(userID, e)

	case *protocol.SignalEvent:
		err = h.Calls.Relay(userID, e)

	default:
		err = fmt.Errorf("%w: %s", protocol.ErrUnknownEvent, ev.Type())
	}

	if err != nil {
		metrics.EventErrorsTotal.WithLabelValues("handler").Inc()
		h.log.Warn("event failed",
			zap.String("event", string(ev.Type())),
			zap.Int("user_id", userID),
			zap.String("conn_id", conn.ID()),
			zap.Error(err))
	}
}

func (h *Hub) connect(ctx context.Context, conn Conn, userID, announced int) error {
	if err := h.Presence.Connect(ctx, conn, userID, announced); err != nil {
		return err
	}
	if err := h.Receipts.DeliverPending(ctx, userID); err != nil {
		h.log.Error("failed to deliver pending messages", zap.Int("user_id", userID), zap.Error(err))
	}
	return nil
}

// typingPeer returns the other participant of conversationID, which must
// include userID. A pending indicator already carries the answer.
func (h *Hub) typingPeer(ctx context.Context, userID, conversationID int) (int, error) {
	if peer, ok := h.Typing.receiver(userID, conversationID); ok {
		return peer, nil
	}
	conv, err := h.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(userID) {
		return 0, ErrForbidden
	}
	return conv.Peer(userID), nil
}

// Disconnect tears down the state of a closed connection. A connection that
// was never registered, or was already replaced by a newer one, leaves the
// user's state alone.
func (h *Hub) Disconnect(ctx context.Context, userID int, connID string) {
	if !h.reg.Unregister(userID, connID) {
		return
	}
	h.Typing.ClearUser(userID)
	h.Calls.DropUser(userID)
	h.Presence.MarkOffline(ctx, userID)
}

// Close stops all timers and forgets every connection.
func (h *Hub) Close() {
	h.Typing.Close()
	h.Calls.Close()
	if c, ok := h.reg.(interface{ Clear() }); ok {
		c.Clear()
	}
}

func (h *Hub) reply(conn Conn, requestID string, t protocol.EventType, data any) {
	ev := protocol.NewServerEvent(t, data)
	ev.RequestID = requestID
	conn.Send(ev)
}

// clientError hides internal failures from clients.
func clientError(err error) string {
	for _, known := range []error{
		ErrSelfMessage, ErrContentRequired, ErrUnsupportedMedia, ErrRecipientUnknown, ErrRateLimited,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "failed to send message"
}

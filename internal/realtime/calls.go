package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/metrics"
	"github.com/4xmen/chatpat/internal/protocol"
)

// DefaultRingTimeout is how long an unanswered call keeps ringing.
const DefaultRingTimeout = 45 * time.Second

const (
	ReasonOffline      = "user is offline"
	ReasonBusy         = "user is busy"
	ReasonTimeout      = "timeout"
	ReasonDisconnected = "user disconnected"
)

var ErrSelfCall = errors.New("cannot call yourself")

type CallState int

const (
	CallRinging CallState = iota + 1
	CallConnecting
	CallConnected
)

func (s CallState) String() string {
	switch s {
	case CallRinging:
		return "ringing"
	case CallConnecting:
		return "connecting"
	case CallConnected:
		return "connected"
	}
	return "idle"
}

// CallSession is one call attempt between two users.
type CallSession struct {
	ID         string
	CallerID   int
	ReceiverID int
	Type       protocol.CallType
	State      CallState
	StartedAt  time.Time

	ringTimer *time.Timer
}

// Peer returns the other participant, or 0 when userID is not part of the
// call.
func (s *CallSession) Peer(userID int) int {
	switch userID {
	case s.CallerID:
		return s.ReceiverID
	case s.ReceiverID:
		return s.CallerID
	}
	return 0
}

// CallRelay keeps the authoritative table of calls and relays lifecycle and
// WebRTC signaling events between the two parties. Every event after
// initiate_call must name a live session the sender belongs to.
type CallRelay struct {
	reg         Registry
	store       Store
	log         *zap.Logger
	ringTimeout time.Duration

	mu     sync.Mutex
	calls  map[string]*CallSession
	byUser map[int]string
}

func NewCallRelay(reg Registry, st Store, log *zap.Logger, ringTimeout time.Duration) *CallRelay {
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &CallRelay{
		reg:         reg,
		store:       st,
		log:         log,
		ringTimeout: ringTimeout,
		calls:       make(map[string]*CallSession),
		byUser:      make(map[int]string),
	}
}

// Initiate rings ev.ReceiverID on behalf of callerID and returns the new
// call id. An offline or busy receiver gets no incoming_call; the caller is
// told why with call_failed and the returned id is empty.
func (r *CallRelay) Initiate(ctx context.Context, callerID int, ev *protocol.InitiateCallEvent) (string, error) {
	if ev.CallerID != 0 && ev.CallerID != callerID {
		return "", ErrIdentityMismatch
	}
	if ev.ReceiverID == callerID {
		return "", ErrSelfCall
	}

	if !isOnline(r.reg, ev.ReceiverID) {
		r.fail(callerID, ev.ReceiverID, ReasonOffline)
		return "", nil
	}

	r.mu.Lock()
	_, callerBusy := r.byUser[callerID]
	_, receiverBusy := r.byUser[ev.ReceiverID]
	if callerBusy || receiverBusy {
		r.mu.Unlock()
		r.fail(callerID, ev.ReceiverID, ReasonBusy)
		return "", nil
	}
	sess := &CallSession{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: ev.ReceiverID,
		Type:       ev.CallType,
		State:      CallRinging,
		StartedAt:  time.Now().UTC(),
	}
	id := sess.ID
	sess.ringTimer = time.AfterFunc(r.ringTimeout, func() { r.expire(id) })
	r.calls[id] = sess
	r.byUser[callerID] = id
	r.byUser[ev.ReceiverID] = id
	metrics.ActiveCalls.Set(float64(len(r.calls)))
	r.mu.Unlock()

	name, avatar := r.peerInfo(ctx, callerID, ev.CallerInfo)
	delivered := sendTo(r.reg, ev.ReceiverID, protocol.NewServerEvent(protocol.IncomingCall, protocol.IncomingCallPayload{
		CallerID:     callerID,
		CallerName:   name,
		CallerAvatar: avatar,
		CallID:       id,
		CallType:     ev.CallType,
	}))
	if !delivered {
		// receiver dropped between the lookup and the emit
		r.remove(id)
		r.fail(callerID, ev.ReceiverID, ReasonOffline)
		return "", nil
	}

	metrics.CallsTotal.WithLabelValues("initiated").Inc()
	r.log.Info("call ringing", zap.String("call_id", id),
		zap.Int("caller_id", callerID), zap.Int("receiver_id", ev.ReceiverID), zap.String("call_type", string(ev.CallType)))
	return id, nil
}

// Accept moves a ringing call to connecting and tells the caller.
func (r *CallRelay) Accept(ctx context.Context, receiverID int, ev *protocol.AcceptCallEvent) error {
	r.mu.Lock()
	sess, ok := r.calls[ev.CallID]
	if !ok || sess.ReceiverID != receiverID || sess.CallerID != ev.CallerID || sess.State != CallRinging {
		r.mu.Unlock()
		return ErrStaleCall
	}
	sess.State = CallConnecting
	sess.ringTimer.Stop()
	r.mu.Unlock()

	name, avatar := r.peerInfo(ctx, receiverID, ev.ReceiverInfo)
	delivered := sendTo(r.reg, sess.CallerID, protocol.NewServerEvent(protocol.CallAccepted, protocol.CallAcceptedPayload{
		CallerName:   name,
		CallerAvatar: avatar,
		CallID:       ev.CallID,
	}))
	if !delivered {
		r.remove(ev.CallID)
		sendTo(r.reg, receiverID, protocol.NewServerEvent(protocol.CallEnded, protocol.CallEndedPayload{
			CallID: ev.CallID,
			Reason: ReasonOffline,
		}))
		return nil
	}
	metrics.CallsTotal.WithLabelValues("accepted").Inc()
	return nil
}

// Reject ends a ringing call on behalf of its receiver.
func (r *CallRelay) Reject(receiverID int, ev *protocol.RejectCallEvent) error {
	r.mu.Lock()
	sess, ok := r.calls[ev.CallID]
	if !ok || sess.ReceiverID != receiverID || sess.CallerID != ev.CallerID || sess.State != CallRinging {
		r.mu.Unlock()
		return ErrStaleCall
	}
	r.removeLocked(sess)
	r.mu.Unlock()

	sendTo(r.reg, sess.CallerID, protocol.NewServerEvent(protocol.CallRejected, protocol.CallRejectedPayload{
		CallID: ev.CallID,
	}))
	metrics.CallsTotal.WithLabelValues("rejected").Inc()
	return nil
}

// End closes the call from either side in any state. The session is gone
// whether or not the peer could be told.
func (r *CallRelay) End(userID int, ev *protocol.EndCallEvent) error {
	r.mu.Lock()
	sess, ok := r.calls[ev.CallID]
	if !ok || sess.Peer(userID) == 0 || sess.Peer(userID) != ev.ParticipantID {
		r.mu.Unlock()
		return ErrStaleCall
	}
	r.removeLocked(sess)
	r.mu.Unlock()

	sendTo(r.reg, ev.ParticipantID, protocol.NewServerEvent(protocol.CallEnded, protocol.CallEndedPayload{
		CallID: ev.CallID,
	}))
	metrics.CallsTotal.WithLabelValues("ended").Inc()
	r.log.Info("call ended", zap.String("call_id", ev.CallID), zap.Int("ended_by", userID),
		zap.Duration("duration", time.Since(sess.StartedAt)))
	return nil
}

// Relay forwards an opaque offer, answer or ICE candidate to the other party
// of an accepted call, stamped with the sender's identity. An answer marks
// the call connected. An unreachable receiver drops the payload.
func (r *CallRelay) Relay(senderID int, ev *protocol.SignalEvent) error {
	r.mu.Lock()
	sess, ok := r.calls[ev.CallID]
	if !ok || sess.Peer(senderID) == 0 || sess.Peer(senderID) != ev.ReceiverID || sess.State == CallRinging {
		r.mu.Unlock()
		return ErrStaleCall
	}
	if ev.Kind == protocol.WebRTCAnswer && sess.State == CallConnecting {
		sess.State = CallConnected
	}
	r.mu.Unlock()

	out := protocol.SignalPayload{SenderID: senderID, CallID: ev.CallID}
	switch ev.Kind {
	case protocol.WebRTCOffer:
		out.Offer = ev.Offer
	case protocol.WebRTCAnswer:
		out.Answer = ev.Answer
	case protocol.WebRTCIceCandidate:
		out.Candidate = ev.Candidate
	}
	if !sendTo(r.reg, ev.ReceiverID, protocol.NewServerEvent(ev.Kind, out)) {
		r.log.Debug("signal dropped, receiver unreachable",
			zap.String("event", string(ev.Kind)), zap.String("call_id", ev.CallID), zap.Int("receiver_id", ev.ReceiverID))
	}
	return nil
}

// DropUser ends the call userID is part of, if any, and tells the peer.
func (r *CallRelay) DropUser(userID int) {
	r.mu.Lock()
	id, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sess := r.calls[id]
	r.removeLocked(sess)
	r.mu.Unlock()

	sendTo(r.reg, sess.Peer(userID), protocol.NewServerEvent(protocol.CallEnded, protocol.CallEndedPayload{
		CallID: id,
		Reason: ReasonDisconnected,
	}))
	metrics.CallsTotal.WithLabelValues("dropped").Inc()
}

// Active returns a copy of the session userID is part of.
func (r *CallRelay) Active(userID int) (CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[userID]
	if !ok {
		return CallSession{}, false
	}
	sess := *r.calls[id]
	sess.ringTimer = nil
	return sess, true
}

// Close stops all ring timers and forgets every session.
func (r *CallRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.calls {
		sess.ringTimer.Stop()
	}
	r.calls = make(map[string]*CallSession)
	r.byUser = make(map[int]string)
	metrics.ActiveCalls.Set(0)
}

func (r *CallRelay) expire(id string) {
	r.mu.Lock()
	sess, ok := r.calls[id]
	if !ok || sess.State != CallRinging {
		r.mu.Unlock()
		return
	}
	r.removeLocked(sess)
	r.mu.Unlock()

	ev := protocol.NewServerEvent(protocol.CallEnded, protocol.CallEndedPayload{CallID: id, Reason: ReasonTimeout})
	sendTo(r.reg, sess.CallerID, ev)
	sendTo(r.reg, sess.ReceiverID, ev)
	metrics.CallsTotal.WithLabelValues("missed").Inc()
	r.log.Info("call timed out", zap.String("call_id", id))
}

func (r *CallRelay) fail(callerID, receiverID int, reason string) {
	sendTo(r.reg, callerID, protocol.NewServerEvent(protocol.CallFailed, protocol.CallFailedPayload{
		Reason:     reason,
		ReceiverID: receiverID,
	}))
	metrics.CallsTotal.WithLabelValues("failed").Inc()
}

func (r *CallRelay) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.calls[id]; ok {
		r.removeLocked(sess)
	}
}

func (r *CallRelay) removeLocked(sess *CallSession) {
	sess.ringTimer.Stop()
	delete(r.calls, sess.ID)
	if r.byUser[sess.CallerID] == sess.ID {
		delete(r.byUser, sess.CallerID)
	}
	if r.byUser[sess.ReceiverID] == sess.ID {
		delete(r.byUser, sess.ReceiverID)
	}
	metrics.ActiveCalls.Set(float64(len(r.calls)))
}

// peerInfo prefers the profile the client sent and falls back to the stored
// one.
func (r *CallRelay) peerInfo(ctx context.Context, userID int, info *protocol.PeerInfo) (string, string) {
	if info != nil && info.Username != "" {
		return info.Username, info.ProfilePicture
	}
	u, err := r.store.GetUser(ctx, userID)
	if err != nil {
		r.log.Debug("failed to load caller profile", zap.Int("user_id", userID), zap.Error(err))
		return "", ""
	}
	s := u.Summary()
	return s.Username, s.ProfilePicture
}

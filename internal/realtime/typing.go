package realtime

import (
	"sync"
	"time"

	"github.com/4xmen/chatpat/internal/protocol"
)

// DefaultTypingTimeout is how long a typing indicator lives without a new
// typing_start.
const DefaultTypingTimeout = 3 * time.Second

type typingKey struct {
	userID         int
	conversationID int
}

type typingState struct {
	receiverID int
	timer      *time.Timer
	// gen identifies the timer currently allowed to expire this state.
	gen uint64
}

// TypingCoordinator tracks who is typing in which conversation and expires
// indicators that were never stopped.
type TypingCoordinator struct {
	reg     Registry
	timeout time.Duration

	mu     sync.Mutex
	states map[typingKey]*typingState
	gen    uint64
}

func NewTypingCoordinator(reg Registry, timeout time.Duration) *TypingCoordinator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingCoordinator{
		reg:     reg,
		timeout: timeout,
		states:  make(map[typingKey]*typingState),
	}
}

// Start marks userID as typing in conversationID and (re)arms the expiry
// timer. A repeated start replaces the pending timer instead of adding one.
func (t *TypingCoordinator) Start(userID, conversationID, receiverID int) {
	if userID == 0 || conversationID == 0 || receiverID == 0 {
		return
	}
	key := typingKey{userID, conversationID}

	t.mu.Lock()
	st, ok := t.states[key]
	if ok {
		st.timer.Stop()
	} else {
		st = &typingState{}
		t.states[key] = st
	}
	t.gen++
	gen := t.gen
	st.gen = gen
	st.receiverID = receiverID
	st.timer = time.AfterFunc(t.timeout, func() { t.expire(key, gen) })
	t.mu.Unlock()

	t.notify(userID, conversationID, receiverID, true)
}

// Stop ends the indicator. Nothing is sent when the user was not typing.
func (t *TypingCoordinator) Stop(userID, conversationID, receiverID int) {
	if userID == 0 || conversationID == 0 || receiverID == 0 {
		return
	}
	key := typingKey{userID, conversationID}

	t.mu.Lock()
	st, ok := t.states[key]
	if ok {
		st.timer.Stop()
		delete(t.states, key)
	}
	t.mu.Unlock()

	if ok {
		t.notify(userID, conversationID, st.receiverID, false)
	}
}

func (t *TypingCoordinator) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	st, ok := t.states[key]
	if !ok || st.gen != gen {
		// stopped, or re-armed after this timer fired
		t.mu.Unlock()
		return
	}
	delete(t.states, key)
	t.mu.Unlock()

	t.notify(key.userID, key.conversationID, st.receiverID, false)
}

// ClearUser drops every pending indicator of userID without notifying
// anyone. Called when the user disconnects.
func (t *TypingCoordinator) ClearUser(userID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.states {
		if key.userID == userID {
			st.timer.Stop()
			delete(t.states, key)
		}
	}
}

// IsTyping reports whether an indicator is pending for the pair.
func (t *TypingCoordinator) IsTyping(userID, conversationID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[typingKey{userID, conversationID}]
	return ok
}

// receiver returns who is being shown the pending indicator, if any.
func (t *TypingCoordinator) receiver(userID, conversationID int) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[typingKey{userID, conversationID}]
	if !ok {
		return 0, false
	}
	return st.receiverID, true
}

// Close stops every timer.
func (t *TypingCoordinator) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.states {
		st.timer.Stop()
		delete(t.states, key)
	}
}

func (t *TypingCoordinator) notify(userID, conversationID, receiverID int, typing bool) {
	sendTo(t.reg, receiverID, protocol.NewServerEvent(protocol.UserTyping, protocol.UserTypingPayload{
		UserID:         userID,
		ConversationID: conversationID,
		IsTyping:       typing,
	}))
}

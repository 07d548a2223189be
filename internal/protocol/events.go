// Package protocol defines the realtime frames exchanged over the websocket.
// Every frame is a JSON envelope with a type discriminator; client events form
// a closed set decoded into typed structs by Decode.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/4xmen/chatpat/internal/models"
)

type EventType string

// Client -> Server events.
const (
	UserConnected      EventType = "user_connected"
	GetUserStatus      EventType = "get_user_status"
	TypingStart        EventType = "typing_start"
	TypingStop         EventType = "typing_stop"
	SendMessage        EventType = "send_message"
	MarkRead           EventType = "mark_read"
	AddReaction        EventType = "add_reaction"
	InitiateCall       EventType = "initiate_call"
	AcceptCall         EventType = "accept_call"
	RejectCall         EventType = "reject_call"
	EndCall            EventType = "end_call"
	WebRTCOffer        EventType = "webrtc_offer"
	WebRTCAnswer       EventType = "webrtc_answer"
	WebRTCIceCandidate EventType = "webrtc_ice_candidate"
)

// Server -> Client events.
const (
	UserStatus            EventType = "user_status"
	UserStatusResult      EventType = "user_status_result"
	UserTyping            EventType = "user_typing"
	ReceiveMessage        EventType = "receive_message"
	MessageError          EventType = "message_error"
	ReactionUpdated       EventType = "reaction_updated"
	MessagesStatusUpdated EventType = "messages_status_updated"
	MessageDeleted        EventType = "message_deleted"
	IncomingCall          EventType = "incoming_call"
	CallAccepted          EventType = "call_accepted"
	CallRejected          EventType = "call_rejected"
	CallEnded             EventType = "call_ended"
	CallFailed            EventType = "call_failed"
	NewStatus             EventType = "new_status"
	StatusDeleted         EventType = "status_deleted"
	StatusViewed          EventType = "status_viewed"
	RequestError          EventType = "request_error"
)

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownEvent   = errors.New("protocol: unknown event type")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// Frame is the envelope of every client frame. Data is decoded once the type
// is known.
type Frame struct {
	Type      EventType       `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ServerEvent is the envelope of every frame the server emits.
type ServerEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	Data      any       `json:"data"`
}

func NewServerEvent(t EventType, data any) ServerEvent {
	return ServerEvent{Type: t, Data: data}
}

// ClientEvent is implemented only by the client event structs below, which
// keeps the set closed for type switches.
type ClientEvent interface {
	Type() EventType
	clientEvent()
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// UserID accepts either a bare id (`5`, `"5"`) or `{"userId": 5}`.
type UserID int

func (u *UserID) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		v, err := strconv.Atoi(n.String())
		if err != nil {
			return fmt.Errorf("user id %q: %w", n, err)
		}
		*u = UserID(v)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*u = 0
			return nil
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			return fmt.Errorf("user id %q: %w", s, err)
		}
		*u = UserID(v)
		return nil
	}
	var obj struct {
		UserID *UserID `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.UserID != nil {
		*u = *obj.UserID
	}
	return nil
}

// UserConnectedEvent announces the identity of the connection. A missing id
// is not a decode error: presence rejects it and logs.
type UserConnectedEvent struct {
	UserID UserID
}

type GetUserStatusEvent struct {
	UserID UserID `validate:"required"`
}

type TypingEvent struct {
	Stop           bool `json:"-"`
	ConversationID int  `json:"conversationId"`
	ReceiverID     int  `json:"receiverId"`
}

type SendMessageEvent struct {
	ReceiverID      int    `json:"receiverId" validate:"required"`
	Content         string `json:"content"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type MarkReadEvent struct {
	MessageIDs []int `json:"messageIds" validate:"required,min=1,dive,required"`
}

type AddReactionEvent struct {
	MessageID int    `json:"messageId" validate:"required"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
	// UserID is what the client claims; the authenticated identity is used.
	UserID int `json:"userId,omitempty"`
}

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type PeerInfo struct {
	Username       string `json:"username"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type InitiateCallEvent struct {
	CallerID   int       `json:"callerId,omitempty"`
	ReceiverID int       `json:"receiverId" validate:"required"`
	CallType   CallType  `json:"callType" validate:"required,oneof=audio video"`
	CallerInfo *PeerInfo `json:"callerInfo,omitempty"`
}

type AcceptCallEvent struct {
	CallerID     int       `json:"callerId" validate:"required"`
	CallID       string    `json:"callId" validate:"required"`
	ReceiverInfo *PeerInfo `json:"receiverInfo,omitempty"`
}

type RejectCallEvent struct {
	CallerID int    `json:"callerId" validate:"required"`
	CallID   string `json:"callId" validate:"required"`
}

type EndCallEvent struct {
	CallID        string `json:"callId" validate:"required"`
	ParticipantID int    `json:"participantId" validate:"required"`
}

// SignalEvent carries one opaque WebRTC payload. Exactly one of Offer,
// Answer or Candidate is set, matching Kind.
type SignalEvent struct {
	Kind       EventType       `json:"-"`
	ReceiverID int             `json:"receiverId" validate:"required"`
	CallID     string          `json:"callId" validate:"required"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
}

// Payload returns the opaque body matching Kind.
func (e *SignalEvent) Payload() json.RawMessage {
	switch e.Kind {
	case WebRTCOffer:
		return e.Offer
	case WebRTCAnswer:
		return e.Answer
	case WebRTCIceCandidate:
		return e.Candidate
	}
	return nil
}

func (*UserConnectedEvent) Type() EventType { return UserConnected }
func (*GetUserStatusEvent) Type() EventType { return GetUserStatus }
func (e *TypingEvent) Type() EventType {
	if e.Stop {
		return TypingStop
	}
	return TypingStart
}
func (*SendMessageEvent) Type() EventType  { return SendMessage }
func (*MarkReadEvent) Type() EventType     { return MarkRead }
func (*AddReactionEvent) Type() EventType  { return AddReaction }
func (*InitiateCallEvent) Type() EventType { return InitiateCall }
func (*AcceptCallEvent) Type() EventType   { return AcceptCall }
func (*RejectCallEvent) Type() EventType   { return RejectCall }
func (*EndCallEvent) Type() EventType      { return EndCall }
func (e *SignalEvent) Type() EventType     { return e.Kind }

func (*UserConnectedEvent) clientEvent() {}
func (*GetUserStatusEvent) clientEvent() {}
func (*TypingEvent) clientEvent()        {}
func (*SendMessageEvent) clientEvent()   {}
func (*MarkReadEvent) clientEvent()      {}
func (*AddReactionEvent) clientEvent()   {}
func (*InitiateCallEvent) clientEvent()  {}
func (*AcceptCallEvent) clientEvent()    {}
func (*RejectCallEvent) clientEvent()    {}
func (*EndCallEvent) clientEvent()       {}
func (*SignalEvent) clientEvent()        {}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

type UserStatusPayload struct {
	UserID   int        `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

type UserTypingPayload struct {
	UserID         int  `json:"userId"`
	ConversationID int  `json:"conversationId"`
	IsTyping       bool `json:"isTyping"`
}

type MessageErrorPayload struct {
	Error           string `json:"error"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
}

type ReactionUpdatedPayload struct {
	MessageID int               `json:"messageId"`
	Reactions []models.Reaction `json:"reactions"`
}

type MessagesStatusPayload struct {
	MessageIDs    []int                 `json:"messageIds"`
	MessageStatus models.DeliveryStatus `json:"messageStatus"`
}

type MessageDeletedPayload struct {
	DeletedMessageID int `json:"deletedMessageId"`
}

type IncomingCallPayload struct {
	CallerID     int      `json:"callerId"`
	CallerName   string   `json:"callerName"`
	CallerAvatar string   `json:"callerAvatar,omitempty"`
	CallID       string   `json:"callId"`
	CallType     CallType `json:"callType"`
}

type CallAcceptedPayload struct {
	CallerName   string `json:"callerName"`
	CallerAvatar string `json:"callerAvatar,omitempty"`
	CallID       string `json:"callId"`
}

type CallRejectedPayload struct {
	CallID string `json:"callId"`
}

type CallEndedPayload struct {
	CallID string `json:"callId"`
	Reason string `json:"reason,omitempty"`
}

type CallFailedPayload struct {
	Reason     string `json:"reason"`
	ReceiverID int    `json:"receiverId,omitempty"`
}

type SignalPayload struct {
	SenderID  int             `json:"senderId"`
	CallID    string          `json:"callId"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type StatusDeletedPayload struct {
	StatusID int `json:"statusId"`
}

type StatusViewedPayload struct {
	StatusID int                  `json:"statusId"`
	ViewerID int                  `json:"viewerId"`
	Viewers  []models.UserSummary `json:"viewers"`
}

// RequestErrorPayload answers a frame carrying a requestId that could not
// be served.
type RequestErrorPayload struct {
	Error string `json:"error"`
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

var validate = validator.New()

// Decode parses one client frame into its typed event. Unknown types and
// payloads failing validation are errors; the caller drops the frame.
func Decode(data []byte) (ClientEvent, string, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return nil, "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	var ev ClientEvent
	switch frame.Type {
	case UserConnected:
		ev = &UserConnectedEvent{}
	case GetUserStatus:
		ev = &GetUserStatusEvent{}
	case TypingStart:
		ev = &TypingEvent{}
	case TypingStop:
		ev = &TypingEvent{Stop: true}
	case SendMessage:
		ev = &SendMessageEvent{}
	case MarkRead:
		ev = &MarkReadEvent{}
	case AddReaction:
		ev = &AddReactionEvent{}
	case InitiateCall:
		ev = &InitiateCallEvent{}
	case AcceptCall:
		ev = &AcceptCallEvent{}
	case RejectCall:
		ev = &RejectCallEvent{}
	case EndCall:
		ev = &EndCallEvent{}
	case WebRTCOffer, WebRTCAnswer, WebRTCIceCandidate:
		ev = &SignalEvent{Kind: frame.Type}
	default:
		return nil, frame.RequestID, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}

	if len(frame.Data) > 0 && string(frame.Data) != "null" {
		target := any(ev)
		switch e := ev.(type) {
		case *UserConnectedEvent:
			target = &e.UserID
		case *GetUserStatusEvent:
			target = &e.UserID
		}
		if err := json.Unmarshal(frame.Data, target); err != nil {
			return nil, frame.RequestID, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, frame.Type, err)
		}
	}

	if err := check(ev); err != nil {
		return nil, frame.RequestID, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, frame.Type, err)
	}
	return ev, frame.RequestID, nil
}

func check(ev ClientEvent) error {
	switch e := ev.(type) {
	case *UserConnectedEvent, *TypingEvent:
		// missing ids are handled as no-ops downstream
		return nil
	case *SignalEvent:
		if len(e.Payload()) == 0 {
			return fmt.Errorf("missing %s payload", e.Kind)
		}
	}
	return validate.Struct(ev)
}

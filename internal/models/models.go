package models

import "time"

type User struct {
	ID             int        `json:"id"`
	PhoneNumber    *string    `json:"phoneNumber,omitempty"`
	PhoneSuffix    *string    `json:"phoneSuffix,omitempty"`
	Email          *string    `json:"email,omitempty"`
	Username       *string    `json:"username,omitempty"`
	ProfilePicture *string    `json:"profilePicture,omitempty"`
	About          *string    `json:"about,omitempty"`
	IsOnline       bool       `json:"isOnline"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
	IsVerified     bool       `json:"isVerified"`
	Agreed         bool       `json:"agreed"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Summary returns the public projection attached to messages and statuses.
func (u *User) Summary() UserSummary {
	s := UserSummary{ID: u.ID}
	if u.Username != nil {
		s.Username = *u.Username
	}
	if u.ProfilePicture != nil {
		s.ProfilePicture = *u.ProfilePicture
	}
	return s
}

type UserSummary struct {
	ID             int    `json:"id"`
	Username       string `json:"username"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

// Rank orders delivery statuses; a message only ever moves to a higher rank.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

type Reaction struct {
	UserID   int    `json:"userId"`
	Username string `json:"username,omitempty"`
	Emoji    string `json:"emoji"`
}

type Message struct {
	ID             int            `json:"id"`
	ConversationID int            `json:"conversationId"`
	SenderID       int            `json:"senderId"`
	ReceiverID     int            `json:"receiverId"`
	Sender         *UserSummary   `json:"sender,omitempty"`
	Receiver       *UserSummary   `json:"receiver,omitempty"`
	Content        string         `json:"content"`
	ContentType    ContentType    `json:"contentType"`
	MediaURL       *string        `json:"mediaUrl,omitempty"`
	Status         DeliveryStatus `json:"messageStatus"`
	Reactions      []Reaction     `json:"reactions"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type Conversation struct {
	ID            int           `json:"id"`
	Participants  []int         `json:"participants"`
	Profiles      []UserSummary `json:"participantProfiles,omitempty"`
	LastMessageID *int          `json:"lastMessageId,omitempty"`
	LastMessage   *Message      `json:"lastMessage,omitempty"`
	UnreadCount   int           `json:"unreadCount"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// Peer returns the participant that is not userID.
func (c *Conversation) Peer(userID int) int {
	for _, id := range c.Participants {
		if id != userID {
			return id
		}
	}
	return 0
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID int) bool {
	for _, id := range c.Participants {
		if id == userID {
			return true
		}
	}
	return false
}

type Status struct {
	ID          int           `json:"id"`
	UserID      int           `json:"userId"`
	User        *UserSummary  `json:"user,omitempty"`
	Content     string        `json:"content"`
	ContentType ContentType   `json:"contentType"`
	MediaURL    *string       `json:"mediaUrl,omitempty"`
	Viewers     []UserSummary `json:"viewers"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	CreatedAt   time.Time     `json:"createdAt"`
}

type PushSubscription struct {
	Endpoint  string `json:"endpoint"`
	KeyP256dh string `json:"p256dh"`
	KeyAuth   string `json:"auth"`
}

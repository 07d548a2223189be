package realtime

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/media"
	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
)

type stubMedia struct {
	upload  media.Upload
	err     error
	removed *[]string
}

func (m stubMedia) Save(_ context.Context, _ string, r io.Reader) (media.Upload, error) {
	io.Copy(io.Discard, r)
	return m.upload, m.err
}

func (m stubMedia) Remove(_ context.Context, url string) error {
	if m.removed != nil {
		*m.removed = append(*m.removed, url)
	}
	return nil
}

// failingStore breaks the writes that follow a successful upload.
type failingStore struct {
	Store
}

var errWriteFailed = errors.New("write failed")

func (failingStore) CreateMessage(context.Context, *models.Message) error { return errWriteFailed }
func (failingStore) CreateStatus(context.Context, *models.Status) error   { return errWriteFailed }

func TestSendToOfflineUser(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn := f.online(t, alice)

	msg := f.send(t, alice, bob, "hello")

	if msg.Status != models.StatusSent {
		t.Fatalf("status = %s, want sent", msg.Status)
	}
	got := aliceConn.only(t, protocol.ReceiveMessage).Data.(*models.Message)
	if got.ID != msg.ID || got.Sender == nil || got.Receiver == nil {
		t.Fatalf("sender echo not populated: %+v", got)
	}

	conv, err := f.st.GetConversation(context.Background(), msg.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", conv.UnreadCount)
	}
	if len(f.pusher.calls) != 1 || f.pusher.calls[0] != bob {
		t.Fatalf("push calls = %v, want [%d]", f.pusher.calls, bob)
	}
}

func TestSendToOnlineUser(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn, bobConn := f.online(t, alice), f.online(t, bob)
	resetAll(aliceConn, bobConn)

	msg := f.send(t, alice, bob, "  hi bob  ")

	if msg.Status != models.StatusDelivered {
		t.Fatalf("status = %s, want delivered", msg.Status)
	}
	if msg.Content != "hi bob" {
		t.Fatalf("content = %q, want trimmed", msg.Content)
	}
	aliceConn.only(t, protocol.ReceiveMessage)
	bobConn.only(t, protocol.ReceiveMessage)
	if len(f.pusher.calls) != 0 {
		t.Fatal("online receiver should not get a push")
	}
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn := f.online(t, alice)

	tests := []struct {
		name string
		req  SendRequest
		want error
	}{
		{"to self", SendRequest{SenderID: alice, ReceiverID: alice, Content: "me"}, ErrSelfMessage},
		{"blank", SendRequest{SenderID: alice, ReceiverID: bob, Content: "   "}, ErrContentRequired},
		{"unknown receiver", SendRequest{SenderID: alice, ReceiverID: bob + 100, Content: "hey"}, ErrRecipientUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.hub.Messages.Send(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
	aliceConn.none(t, protocol.ReceiveMessage)

	if _, err := f.st.FindConversation(context.Background(), alice, bob); err == nil {
		t.Fatal("rejected sends created a conversation")
	}
}

func TestSendMedia(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ctx := context.Background()

	f.hub.Messages.media = stubMedia{upload: media.Upload{URL: "http://x/api/files/a.png", ContentType: "image/png"}}
	msg, err := f.hub.Messages.Send(ctx, SendRequest{
		SenderID:   alice,
		ReceiverID: bob,
		Media:      &Attachment{Filename: "a.png", Body: strings.NewReader("png")},
	})
	if err != nil {
		t.Fatalf("send image: %v", err)
	}
	if msg.ContentType != models.ContentImage || msg.MediaURL == nil {
		t.Fatalf("message = %+v", msg)
	}

	conv, _ := f.st.GetConversation(ctx, msg.ConversationID)
	if conv.LastMessageID != nil {
		t.Fatal("media-only message should not become lastMessage")
	}
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", conv.UnreadCount)
	}
}

func TestSendFailedUploadPersistsNothing(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ctx := context.Background()

	tests := []struct {
		name  string
		media stubMedia
		want  error
	}{
		{"unsupported", stubMedia{err: media.ErrUnsupportedType}, ErrUnsupportedMedia},
		{"storage down", stubMedia{err: errors.New("disk full")}, nil},
		{"no url", stubMedia{upload: media.Upload{ContentType: "image/png"}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.hub.Messages.media = tt.media
			_, err := f.hub.Messages.Send(ctx, SendRequest{
				SenderID:   alice,
				ReceiverID: bob,
				Media:      &Attachment{Filename: "f", Body: strings.NewReader("x")},
			})
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := f.st.FindConversation(ctx, alice, bob); err == nil {
		t.Fatal("failed uploads left a conversation behind")
	}
}

func TestSendRemovesUploadWhenMessageNotStored(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	aliceConn := f.online(t, alice)

	const url = "http://x/api/files/a.png"
	var removed []string
	ms := stubMedia{upload: media.Upload{URL: url, ContentType: "image/png"}, removed: &removed}
	p := NewDeliveryPipeline(f.reg, failingStore{f.st}, ms, nil, zap.NewNop())

	_, err := p.Send(context.Background(), SendRequest{
		SenderID:   alice,
		ReceiverID: bob,
		Media:      &Attachment{Filename: "a.png", Body: strings.NewReader("png")},
	})
	if !errors.Is(err, errWriteFailed) {
		t.Fatalf("err = %v, want %v", err, errWriteFailed)
	}
	if len(removed) != 1 || removed[0] != url {
		t.Fatalf("removed = %v, want [%s]", removed, url)
	}
	aliceConn.none(t, protocol.ReceiveMessage)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	bobConn := f.online(t, bob)
	msg := f.send(t, alice, bob, "oops")
	ctx := context.Background()

	if err := f.hub.Messages.Delete(ctx, bob, msg.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("receiver delete err = %v, want forbidden", err)
	}
	if err := f.hub.Messages.Delete(ctx, alice, msg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	p := bobConn.only(t, protocol.MessageDeleted).Data.(protocol.MessageDeletedPayload)
	if p.DeletedMessageID != msg.ID {
		t.Fatalf("deleted id = %d", p.DeletedMessageID)
	}
	if err := f.hub.Messages.Delete(ctx, alice, msg.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want not found", err)
	}
}

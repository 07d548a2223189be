package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/media"
	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
)

func TestStatusCreateBroadcastsToOthers(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob, carol := f.user(t, "alice"), f.user(t, "bob"), f.user(t, "carol")
	aliceConn, bobConn, carolConn := f.online(t, alice), f.online(t, bob), f.online(t, carol)
	resetAll(aliceConn, bobConn, carolConn)

	st, err := f.hub.Statuses.Create(context.Background(), alice, "good morning", nil)
	if err != nil {
		t.Fatal(err)
	}
	if st.ContentType != models.ContentText || st.ExpiresAt.Sub(st.CreatedAt) != DefaultStatusTTL {
		t.Fatalf("status = %+v", st)
	}
	aliceConn.none(t, protocol.NewStatus)
	bobConn.only(t, protocol.NewStatus)
	carolConn.only(t, protocol.NewStatus)

	if _, err := f.hub.Statuses.Create(context.Background(), alice, " ", nil); !errors.Is(err, ErrStatusContentRequired) {
		t.Fatalf("blank status err = %v", err)
	}
}

func TestStatusViews(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, carol := f.user(t, "alice"), f.user(t, "carol")
	aliceConn := f.online(t, alice)
	ctx := context.Background()

	st, err := f.hub.Statuses.Create(ctx, alice, "hi", nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.hub.Statuses.View(ctx, carol, st.ID); err != nil {
			t.Fatalf("view %d: %v", i, err)
		}
	}
	got, err := f.hub.Statuses.View(ctx, alice, st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Viewers) != 1 || got.Viewers[0].ID != carol {
		t.Fatalf("viewers = %+v, want only carol", got.Viewers)
	}

	p := aliceConn.only(t, protocol.StatusViewed).Data.(protocol.StatusViewedPayload)
	if p.StatusID != st.ID || p.ViewerID != carol || len(p.Viewers) != 1 {
		t.Fatalf("status_viewed = %+v", p)
	}
}

func TestStatusDelete(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	bobConn := f.online(t, bob)
	ctx := context.Background()

	st, _ := f.hub.Statuses.Create(ctx, alice, "bye", nil)
	bobConn.reset()

	if err := f.hub.Statuses.Delete(ctx, bob, st.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-owner delete err = %v", err)
	}
	bobConn.none(t, protocol.StatusDeleted)

	if err := f.hub.Statuses.Delete(ctx, alice, st.ID); err != nil {
		t.Fatal(err)
	}
	if p := bobConn.only(t, protocol.StatusDeleted).Data.(protocol.StatusDeletedPayload); p.StatusID != st.ID {
		t.Fatalf("status_deleted = %+v", p)
	}
	if err := f.hub.Statuses.Delete(ctx, alice, st.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v", err)
	}
}

func TestStatusActiveUntilExpiryInstant(t *testing.T) {
	f := newFixture(t, HubConfig{StatusTTL: time.Minute})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ctx := context.Background()

	st, err := f.hub.Statuses.Create(ctx, alice, "last moment", nil)
	if err != nil {
		t.Fatal(err)
	}
	f.hub.Statuses.now = func() time.Time { return st.ExpiresAt }

	list, err := f.hub.Statuses.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != st.ID {
		t.Fatalf("statuses at expiry instant = %+v", list)
	}
	if _, err := f.hub.Statuses.View(ctx, bob, st.ID); err != nil {
		t.Fatalf("view at expiry instant: %v", err)
	}
}

func TestStatusCreateRemovesUploadWhenNotStored(t *testing.T) {
	f := newFixture(t, HubConfig{})
	alice := f.user(t, "alice")

	const url = "http://x/api/files/s.mp4"
	var removed []string
	ms := stubMedia{upload: media.Upload{URL: url, ContentType: "video/mp4"}, removed: &removed}
	c := NewStatusCoordinator(f.reg, failingStore{f.st}, ms, time.Hour, zap.NewNop())

	_, err := c.Create(context.Background(), alice, "", &Attachment{Filename: "s.mp4", Body: strings.NewReader("mp4")})
	if !errors.Is(err, errWriteFailed) {
		t.Fatalf("err = %v, want %v", err, errWriteFailed)
	}
	if len(removed) != 1 || removed[0] != url {
		t.Fatalf("removed = %v, want [%s]", removed, url)
	}
}

func TestExpiredStatusIsHidden(t *testing.T) {
	f := newFixture(t, HubConfig{StatusTTL: time.Minute})
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	ctx := context.Background()

	st, err := f.hub.Statuses.Create(ctx, alice, "short lived", nil)
	if err != nil {
		t.Fatal(err)
	}
	f.hub.Statuses.now = func() time.Time { return st.ExpiresAt.Add(time.Second) }

	list, err := f.hub.Statuses.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("expired status listed: %+v", list)
	}
	if _, err := f.hub.Statuses.View(ctx, bob, st.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("view of expired status err = %v", err)
	}
}

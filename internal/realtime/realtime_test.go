package realtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/db"
	"github.com/4xmen/chatpat/internal/models"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/store"
)

type fakeConn struct {
	id string

	mu     sync.Mutex
	events []protocol.ServerEvent
	dead   bool
}

var connSeq atomic.Int64

func newFakeConn() *fakeConn {
	return &fakeConn{id: fmt.Sprintf("conn-%d", connSeq.Add(1))}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev protocol.ServerEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

func (c *fakeConn) of(t protocol.EventType) []protocol.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.ServerEvent
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) only(t *testing.T, typ protocol.EventType) protocol.ServerEvent {
	t.Helper()
	evs := c.of(typ)
	if len(evs) != 1 {
		t.Fatalf("%s got %d %s events, want 1", c.id, len(evs), typ)
	}
	return evs[0]
}

func (c *fakeConn) none(t *testing.T, typ protocol.EventType) {
	t.Helper()
	if evs := c.of(typ); len(evs) != 0 {
		t.Fatalf("%s got %d unexpected %s events", c.id, len(evs), typ)
	}
}

type fakePusher struct {
	mu    sync.Mutex
	calls []int
}

func (p *fakePusher) NotifyNewMessage(_ context.Context, receiverID int, _ string, _ *models.Message) {
	p.mu.Lock()
	p.calls = append(p.calls, receiverID)
	p.mu.Unlock()
}

type fixture struct {
	hub    *Hub
	reg    *ConnectionRegistry
	st     *store.Store
	pusher *fakePusher
}

func newFixture(t *testing.T, cfg HubConfig) *fixture {
	t.Helper()
	database, err := db.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	st := store.New(database.GetConn())
	reg := NewRegistry()
	pusher := &fakePusher{}
	hub := NewHub(reg, st, nil, pusher, nil, zap.NewNop(), cfg)
	t.Cleanup(hub.Close)
	return &fixture{hub: hub, reg: reg, st: st, pusher: pusher}
}

func (f *fixture) user(t *testing.T, name string) int {
	t.Helper()
	ctx := context.Background()
	u, err := f.st.FindOrCreateUserByEmail(ctx, name+"@example.com")
	if err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	if _, err := f.st.UpdateProfile(ctx, u.ID, store.ProfileUpdate{Username: &name}); err != nil {
		t.Fatalf("set username %s: %v", name, err)
	}
	return u.ID
}

// online connects userID through the dispatcher and clears the frames the
// connection itself produced.
func (f *fixture) online(t *testing.T, userID int) *fakeConn {
	t.Helper()
	c := newFakeConn()
	f.hub.Dispatch(context.Background(), c, userID, "", &protocol.UserConnectedEvent{UserID: protocol.UserID(userID)})
	if _, ok := f.reg.Lookup(userID); !ok {
		t.Fatalf("user %d not registered", userID)
	}
	c.reset()
	return c
}

func (f *fixture) send(t *testing.T, from, to int, content string) *models.Message {
	t.Helper()
	m, err := f.hub.Messages.Send(context.Background(), SendRequest{SenderID: from, ReceiverID: to, Content: content})
	if err != nil {
		t.Fatalf("send %q: %v", content, err)
	}
	return m
}

func resetAll(conns ...*fakeConn) {
	for _, c := range conns {
		c.reset()
	}
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

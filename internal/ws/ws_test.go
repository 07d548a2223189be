package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/db"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/realtime"
	"github.com/4xmen/chatpat/internal/store"
)

type testEnv struct {
	server *httptest.Server
	hub    *realtime.Hub
	st     *store.Store
	ws     *Server
}

// setupTestServer serves /ws with the user id taken from ?uid=, standing in
// for the auth middleware.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	st := store.New(database.GetConn())
	hub := realtime.NewHub(realtime.NewRegistry(), st, nil, nil, nil, zap.NewNop(), realtime.HubConfig{})
	srv := NewServer(hub, zap.NewNop(), nil)

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		if uid, err := strconv.Atoi(c.Query("uid")); err == nil {
			c.Set("user_id", uid)
		}
		srv.HandleWebSocket(c)
	})
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		srv.Close()
		server.Close()
		hub.Close()
		database.Close()
	})
	return &testEnv{server: server, hub: hub, st: st, ws: srv}
}

func (e *testEnv) user(t *testing.T, name string) int {
	t.Helper()
	ctx := context.Background()
	u, err := e.st.FindOrCreateUserByEmail(ctx, name+"@example.com")
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if _, err := e.st.UpdateProfile(ctx, u.ID, store.ProfileUpdate{Username: &name}); err != nil {
		t.Fatalf("Failed to set username: %v", err)
	}
	return u.ID
}

func (e *testEnv) dial(t *testing.T, userID int) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?uid=" + strconv.Itoa(userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, typ protocol.EventType, requestID string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	frame := protocol.Frame{Type: typ, RequestID: requestID, Data: raw}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
}

type inbound struct {
	Type      protocol.EventType `json:"type"`
	RequestID string             `json:"requestId"`
	Data      json.RawMessage    `json:"data"`
}

// readUntil reads frames until one of type typ arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ protocol.EventType) inbound {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var in inbound
		if err := conn.ReadJSON(&in); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if in.Type == typ {
			return in
		}
	}
}

func connect(t *testing.T, e *testEnv, userID int) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, userID)
	writeFrame(t, conn, protocol.UserConnected, "", map[string]int{"userId": userID})
	readUntil(t, conn, protocol.UserStatus)
	return conn
}

func TestHandleWebSocketRequiresUser(t *testing.T) {
	e := setupTestServer(t)

	resp, err := http.Get(e.server.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}
}

func TestWebSocketMessageRoundTrip(t *testing.T) {
	e := setupTestServer(t)
	alice, bob := e.user(t, "alice"), e.user(t, "bob")
	aliceConn := connect(t, e, alice)
	bobConn := connect(t, e, bob)

	writeFrame(t, aliceConn, protocol.SendMessage, "", map[string]any{
		"receiverId":      bob,
		"content":         "hello over the wire",
		"clientMessageId": "tmp-1",
	})

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		in := readUntil(t, conn, protocol.ReceiveMessage)
		var msg struct {
			SenderID      int    `json:"senderId"`
			ReceiverID    int    `json:"receiverId"`
			Content       string `json:"content"`
			MessageStatus string `json:"messageStatus"`
		}
		if err := json.Unmarshal(in.Data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.SenderID != alice || msg.ReceiverID != bob || msg.Content != "hello over the wire" || msg.MessageStatus != "delivered" {
			t.Errorf("Unexpected message: %+v", msg)
		}
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	e := setupTestServer(t)
	alice := e.user(t, "alice")
	conn := connect(t, e, alice)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	writeFrame(t, conn, "no_such_event", "", map[string]any{})

	writeFrame(t, conn, protocol.GetUserStatus, "req-1", map[string]int{"userId": alice})
	in := readUntil(t, conn, protocol.UserStatusResult)
	if in.RequestID != "req-1" {
		t.Errorf("Expected requestId req-1, got %q", in.RequestID)
	}
	var status protocol.UserStatusPayload
	json.Unmarshal(in.Data, &status)
	if status.UserID != alice || !status.IsOnline {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestUndecodableRequestGetsRequestError(t *testing.T) {
	e := setupTestServer(t)
	alice := e.user(t, "alice")
	conn := connect(t, e, alice)

	tests := []struct {
		typ       protocol.EventType
		requestID string
		data      any
		want      string
	}{
		{protocol.GetUserStatus, "req-bad", "not-a-number", "invalid payload"},
		{"no_such_event", "req-unknown", map[string]any{}, "unknown event type"},
	}
	for _, tt := range tests {
		writeFrame(t, conn, tt.typ, tt.requestID, tt.data)
		in := readUntil(t, conn, protocol.RequestError)
		var p protocol.RequestErrorPayload
		json.Unmarshal(in.Data, &p)
		if in.RequestID != tt.requestID || p.Error != tt.want {
			t.Errorf("%s: got request %q error %q, want %q %q", tt.typ, in.RequestID, p.Error, tt.requestID, tt.want)
		}
	}
}

func TestSelfMessageReturnsMessageError(t *testing.T) {
	e := setupTestServer(t)
	alice := e.user(t, "alice")
	conn := connect(t, e, alice)

	writeFrame(t, conn, protocol.SendMessage, "", map[string]any{"receiverId": alice, "content": "me"})
	in := readUntil(t, conn, protocol.MessageError)

	var p protocol.MessageErrorPayload
	json.Unmarshal(in.Data, &p)
	if p.Error != realtime.ErrSelfMessage.Error() {
		t.Errorf("Expected %q, got %q", realtime.ErrSelfMessage.Error(), p.Error)
	}
}

func TestCloseBroadcastsOffline(t *testing.T) {
	e := setupTestServer(t)
	alice, bob := e.user(t, "alice"), e.user(t, "bob")
	aliceConn := connect(t, e, alice)
	bobConn := connect(t, e, bob)

	aliceConn.Close()

	in := readUntil(t, bobConn, protocol.UserStatus)
	var p protocol.UserStatusPayload
	json.Unmarshal(in.Data, &p)
	if p.UserID != alice || p.IsOnline {
		t.Errorf("Expected alice offline, got %+v", p)
	}
	if _, ok := e.hub.Registry().Lookup(alice); ok {
		t.Error("alice is still registered")
	}
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "https://evil.example", true},
		{[]string{"*"}, "https://any.example", true},
		{[]string{"https://chat.example"}, "https://chat.example", true},
		{[]string{"https://chat.example"}, "https://evil.example", false},
		{[]string{"https://chat.example"}, "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := originChecker(tt.allowed)(r); got != tt.want {
			t.Errorf("allowed=%v origin=%q: got %v, want %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

// Package ws is the websocket transport of the realtime hub: it upgrades
// authenticated requests, decodes client frames and pumps server events back.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/chatpat/internal/metrics"
	"github.com/4xmen/chatpat/internal/protocol"
	"github.com/4xmen/chatpat/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

type Server struct {
	hub      *realtime.Hub
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewServer returns a transport for hub. Browser origins are checked against
// allowedOrigins; "*" or an empty list allows any origin.
func NewServer(hub *realtime.Hub, log *zap.Logger, allowedOrigins []string) *Server {
	s := &Server{
		hub:     hub,
		log:     log,
		clients: make(map[*Client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// Client is one websocket connection. It implements realtime.Conn.
type Client struct {
	id     string
	userID int
	conn   *websocket.Conn
	server *Server
	send   chan protocol.ServerEvent

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *Client) ID() string { return c.id }

// Send queues ev without blocking. A full buffer drops the frame.
func (c *Client) Send(ev protocol.ServerEvent) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	case <-c.ctx.Done():
		return false
	default:
		c.server.log.Warn("send buffer full, dropping frame",
			zap.Int("user_id", c.userID), zap.String("conn_id", c.id), zap.String("event", string(ev.Type)))
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close()
	})
}

func (s *Server) HandleWebSocket(c *gin.Context) {
	userID := c.GetInt("user_id")
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the error response
		s.log.Warn("websocket upgrade failed", zap.Int("user_id", userID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		server: s,
		send:   make(chan protocol.ServerEvent, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	metrics.ConnectionsActive.Inc()
	s.log.Debug("websocket connected", zap.Int("user_id", userID), zap.String("conn_id", client.id))

	go client.writePump()
	go client.readPump()
}

// Close drops every open connection. Their read pumps then run the normal
// disconnect path.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (c *Client) readPump() {
	defer func() {
		c.close()
		c.server.hub.Disconnect(context.Background(), c.userID, c.id)

		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()
		metrics.ConnectionsActive.Dec()
		c.server.log.Debug("websocket disconnected", zap.Int("user_id", c.userID), zap.String("conn_id", c.id))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.log.Info("websocket read error", zap.Int("user_id", c.userID), zap.Error(err))
			}
			return
		}

		ev, requestID, err := protocol.Decode(data)
		if err != nil {
			metrics.EventErrorsTotal.WithLabelValues("decode").Inc()
			c.server.log.Debug("dropping frame", zap.Int("user_id", c.userID), zap.Error(err))
			if requestID != "" {
				ev := protocol.NewServerEvent(protocol.RequestError, protocol.RequestErrorPayload{Error: decodeError(err)})
				ev.RequestID = requestID
				c.Send(ev)
			}
			continue
		}
		c.server.hub.Dispatch(c.ctx, c, c.userID, requestID, ev)
	}
}

func decodeError(err error) string {
	if errors.Is(err, protocol.ErrUnknownEvent) {
		return "unknown event type"
	}
	return "invalid payload"
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case ev := <-c.send:
			data, err := json.Marshal(ev)
			if err != nil {
				c.server.log.Error("failed to encode frame", zap.String("event", string(ev.Type)), zap.Error(err))
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

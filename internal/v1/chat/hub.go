package chat

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cinesala/backend/internal/v1/auth"
	"github.com/cinesala/backend/internal/v1/gateway"
	"github.com/cinesala/backend/internal/v1/logging"
	"github.com/cinesala/backend/internal/v1/metrics"
	"github.com/cinesala/backend/internal/v1/protocol"
	"github.com/cinesala/backend/internal/v1/ratelimit"
	"github.com/cinesala/backend/internal/v1/store"
)

const (
	// replayLimit caps the pending items delivered on (re)connect.
	replayLimit = 10

	reapInterval = 60 * time.Second

	defaultUsername = "Invitado"
)

// Hub coordinates private-chat sessions: presence, direct-message delivery
// and on-connect replay of pending items.
type Hub struct {
	presence *Presence

	store       store.Store
	validator   *auth.Validator
	rateLimiter *ratelimit.RateLimiter
	upgrader    websocket.Upgrader
}

// NewHub wires the chat hub. validator and rateLimiter may be nil; store
// must not be (use store.Nop{} without a database).
func NewHub(st store.Store, validator *auth.Validator, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		presence:    NewPresence(),
		store:       st,
		validator:   validator,
		rateLimiter: rateLimiter,
		upgrader:    gateway.NewUpgrader(allowedOrigins),
	}
}

// ServeWs upgrades an HTTP request into a chat session.
// GET /ws/chat?user=<id>&username=<name>[&token=<jwt>]
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	userID := c.Query("user")
	username := c.Query("username")
	if username == "" {
		username = defaultUsername
	}

	if h.validator != nil && userID != "" {
		claims, err := h.validator.VerifyIdentity(c.Query("token"), userID)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Username != "" {
			username = claims.Username
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "WebSocket upgrade failed", zap.Error(err))
		return
	}

	h.HandleConnection(conn, userID, username)
}

// HandleConnection accepts a transport, replays pending items and attaches
// the session to the presence registry. Replay runs before attach so the
// backlog lands ahead of any live traffic addressed to the user.
func (h *Hub) HandleConnection(conn gateway.Conn, userID, username string) {
	client := newClient(h, conn, userID, username)

	if userID == "" {
		client.CloseWithStatus(websocket.ClosePolicyViolation, "missing user parameter")
		go client.WriteLoop()
		return
	}

	metrics.IncConnection()
	go client.WriteLoop()

	client.Send(protocol.Connected{
		Type:      protocol.TypeConnected,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	})

	h.replayPending(client)

	if first := h.presence.Attach(client); first {
		go h.recordOnline(userID)
	}

	go client.ReadLoop(
		func(data []byte) { h.route(client, data) },
		func() { h.handleDisconnect(client) },
	)
}

// replayPending delivers unread direct messages and pending friendship
// requests accrued while the user was offline. Best-effort: store errors are
// logged and the session continues.
func (h *Hub) replayPending(client *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, err := h.store.UnreadDirectMessages(ctx, client.UserID, replayLimit)
	if err != nil {
		logging.Warn(ctx, "Failed to load unread messages",
			zap.String("user_id", client.UserID), zap.Error(err))
	}
	for _, m := range msgs {
		client.Send(protocol.PrivateMessage{
			Type:           protocol.TypePrivateMessage,
			ID:             m.ID,
			SenderID:       m.SenderID,
			SenderUsername: m.SenderUsername,
			Message:        m.Message,
			Timestamp:      m.CreatedAt.UnixMilli(),
		})
	}

	reqs, err := h.store.PendingFriendRequests(ctx, client.UserID, replayLimit)
	if err != nil {
		logging.Warn(ctx, "Failed to load pending friend requests",
			zap.String("user_id", client.UserID), zap.Error(err))
	}
	for _, r := range reqs {
		client.Send(protocol.FriendRequest{
			Type:           protocol.TypeFriendRequest,
			RequestID:      r.ID,
			SenderID:       r.UserID,
			SenderUsername: r.Username,
			Timestamp:      r.CreatedAt.UnixMilli(),
		})
	}
}

func (h *Hub) handleDisconnect(client *Client) {
	if last := h.presence.Detach(client); last {
		go h.recordOffline(client.UserID)
	}
	client.Disconnect()
}

func (h *Hub) recordOnline(userID string) {
	if err := h.store.SetUserOnline(context.Background(), userID); err != nil {
		logging.Warn(context.Background(), "Failed to record online transition",
			zap.String("user_id", userID), zap.Error(err))
	}
}

func (h *Hub) recordOffline(userID string) {
	if err := h.store.SetUserOffline(context.Background(), userID); err != nil {
		logging.Warn(context.Background(), "Failed to record offline transition",
			zap.String("user_id", userID), zap.Error(err))
	}
}

// Run drives the reaper: sessions whose transport died without running the
// teardown path are detached on the next sweep.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, client := range h.presence.allSessions() {
				if client.Closed() {
					h.handleDisconnect(client)
				}
			}
		}
	}
}

// Health implements GET /health for the chat service.
func (h *Hub) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"online": h.presence.OnlineCount(),
	})
}

// Shutdown closes every live session with a normal status.
func (h *Hub) Shutdown(ctx context.Context) error {
	sessions := h.presence.allSessions()
	for _, client := range sessions {
		client.CloseWithStatus(websocket.CloseNormalClosure, "El servidor se está reiniciando")
	}
	logging.Info(ctx, "All chat sessions closed", zap.Int("count", len(sessions)))
	return nil
}

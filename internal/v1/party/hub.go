package party

import (
	"context"
	"net/http"
	"sync"
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
	// cleanupGracePeriod is the deferred-eviction delay once a room empties.
	cleanupGracePeriod = 5 * time.Minute

	// emptyRoomTTL is the sweeper backstop for rooms that stay empty.
	emptyRoomTTL = 10 * time.Minute

	// reapInterval drives the periodic session and room sweeps.
	reapInterval = 60 * time.Second

	defaultUsername = "Invitado"
)

// Hub coordinates all watch-party rooms: ws upgrades, the room registry,
// deferred eviction and the reaper.
type Hub struct {
	mu              sync.Mutex
	rooms           map[string]*Room
	sessions        map[*Client]struct{}
	pendingCleanups map[string]*time.Timer

	store       store.Store
	validator   *auth.Validator
	rateLimiter *ratelimit.RateLimiter
	upgrader    websocket.Upgrader

	gracePeriod time.Duration
	emptyTTL    time.Duration
}

// NewHub wires the hub with its dependencies. validator and rateLimiter may
// be nil; store must not be (use store.Nop{} without a database).
func NewHub(st store.Store, validator *auth.Validator, rateLimiter *ratelimit.RateLimiter, allowedOrigins []string) *Hub {
	return &Hub{
		rooms:           make(map[string]*Room),
		sessions:        make(map[*Client]struct{}),
		pendingCleanups: make(map[string]*time.Timer),
		store:           st,
		validator:       validator,
		rateLimiter:     rateLimiter,
		upgrader:        gateway.NewUpgrader(allowedOrigins),
		gracePeriod:     cleanupGracePeriod,
		emptyTTL:        emptyRoomTTL,
	}
}

// ServeWs upgrades an HTTP request into a watch-party session.
// GET /ws/watch-party?room=<code>&user=<id>&username=<name>[&token=<jwt>]
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.rateLimiter.CheckWebSocket(c) {
		return
	}

	roomCode := NormalizeRoomCode(c.Query("room"))
	userID := c.Query("user")
	username := c.Query("username")
	if username == "" {
		username = defaultUsername
	}

	// Identity claims must match the session token when tokens are enforced.
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

	h.HandleConnection(conn, roomCode, userID, username)
}

// HandleConnection registers an accepted transport and starts its pumps.
// Param validation happens post-upgrade so the client receives a proper
// policy-violation close frame instead of a failed HTTP handshake.
func (h *Hub) HandleConnection(conn gateway.Conn, roomCode, userID, username string) {
	client := newClient(h, conn, roomCode, userID, username)

	if userID == "" || roomCode == "" {
		reason := "missing user parameter"
		if roomCode == "" {
			reason = "missing room parameter"
		}
		client.CloseWithStatus(websocket.ClosePolicyViolation, reason)
		go client.WriteLoop()
		return
	}

	h.mu.Lock()
	h.sessions[client] = struct{}{}
	h.mu.Unlock()

	metrics.IncConnection()

	client.Send(protocol.Connected{
		Type:      protocol.TypeConnected,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	})

	go client.WriteLoop()
	go client.ReadLoop(
		func(data []byte) { h.route(client, data) },
		func() { h.handleDisconnect(client) },
	)
}

// getRoom looks up an active room by its (normalized) code.
func (h *Hub) getRoom(code string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[code]
}

// lookupOrCreate resolves the join target, lazily creating the room when the
// create flag is set. Cancels any pending eviction on reuse.
func (h *Hub) lookupOrCreate(client *Client, req protocol.JoinRequest) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[client.roomCode]
	if ok {
		if timer, pending := h.pendingCleanups[client.roomCode]; pending {
			timer.Stop()
			delete(h.pendingCleanups, client.roomCode)
		}
		if room.IsPrivate && !req.Create {
			return nil, ErrRoomPrivate
		}
		return room, nil
	}

	if !req.Create {
		return nil, ErrRoomNotFound
	}

	room = NewRoom(client.roomCode, req, client.UserID, client.Username)
	h.rooms[client.roomCode] = room
	metrics.ActiveRooms.Inc()
	logging.Info(context.Background(), "Room created",
		zap.String("room_code", room.Code), zap.String("host", client.UserID))
	return room, nil
}

// handleDisconnect is the session teardown path: remove the participant from
// its room first, then drop the session registration.
func (h *Hub) handleDisconnect(client *Client) {
	if room := h.getRoom(client.roomCode); room != nil {
		// Only tear down membership if this session still owns it; a
		// duplicate connection may have replaced it already.
		if p := room.Participant(client.UserID); p != nil && p.SessionID() == client.ID {
			h.leaveRoom(client, room)
		}
	}

	h.mu.Lock()
	delete(h.sessions, client)
	h.mu.Unlock()

	client.Disconnect()
	logging.Info(context.Background(), "Session closed",
		zap.String("room_code", client.roomCode), zap.String("user_id", client.UserID))
}

// leaveRoom removes the participant, announces the departure and any host
// succession, and schedules eviction when the room empties.
func (h *Hub) leaveRoom(client *Client, room *Room) {
	p, successor, empty := room.Leave(client.UserID)
	if p == nil {
		return
	}

	now := time.Now().UnixMilli()
	room.Broadcast(protocol.UserLeft{
		Type:      protocol.TypeUserLeft,
		UserID:    p.UserID,
		Username:  p.Username,
		Timestamp: now,
	}, "")
	h.broadcastParticipants(room)

	if successor != nil {
		room.Broadcast(protocol.SystemMessage{
			Type:      protocol.TypeSystemMessage,
			Message:   successor.Username + " ahora es el anfitrión de la sala",
			Timestamp: now,
		}, "")
	}

	metrics.RoomParticipants.WithLabelValues(room.Code).Set(float64(room.ParticipantCount()))
	if empty {
		metrics.RoomParticipants.DeleteLabelValues(room.Code)
		h.scheduleCleanup(room.Code)
	}
}

func (h *Hub) broadcastParticipants(room *Room) {
	list := room.ParticipantList()
	room.Broadcast(protocol.ParticipantsUpdate{
		Type:         protocol.TypeParticipantsUpdate,
		Participants: list,
		Count:        len(list),
	}, "")
}

// scheduleCleanup defers room deletion by the grace period, giving
// participants a window to reconnect before the room is dropped.
func (h *Hub) scheduleCleanup(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.pendingCleanups[code]; ok {
		existing.Stop()
		delete(h.pendingCleanups, code)
	}

	timer := time.AfterFunc(h.gracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		delete(h.pendingCleanups, code)
		if room, ok := h.rooms[code]; ok && room.IsEmpty() {
			delete(h.rooms, code)
			metrics.ActiveRooms.Dec()
			metrics.RoomParticipants.DeleteLabelValues(code)
			logging.Info(context.Background(), "Removed empty room after grace period",
				zap.String("room_code", code))
		}
	})
	h.pendingCleanups[code] = timer
}

// Run drives the reaper until the context is cancelled: dead sessions are
// dropped from the registry and long-empty rooms are evicted as a backstop
// to the deferred cleanup timers.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reap()
		}
	}
}

func (h *Hub) reap() {
	h.mu.Lock()

	for client := range h.sessions {
		if client.Closed() {
			delete(h.sessions, client)
		}
	}

	var evicted []string
	for code, room := range h.rooms {
		emptySince := room.EmptySince()
		if !emptySince.IsZero() && time.Since(emptySince) > h.emptyTTL {
			delete(h.rooms, code)
			if timer, ok := h.pendingCleanups[code]; ok {
				timer.Stop()
				delete(h.pendingCleanups, code)
			}
			metrics.ActiveRooms.Dec()
			metrics.RoomParticipants.DeleteLabelValues(code)
			evicted = append(evicted, code)
		}
	}
	h.mu.Unlock()

	for _, code := range evicted {
		logging.Info(context.Background(), "Reaper evicted idle room", zap.String("room_code", code))
	}
}

// Counts snapshots the registry sizes for the health endpoint.
func (h *Hub) Counts() (rooms, connections int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms), len(h.sessions)
}

// Health implements GET /health for the watch-party service.
func (h *Hub) Health(c *gin.Context) {
	rooms, connections := h.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"rooms":       rooms,
		"connections": connections,
	})
}

// PublicRooms implements GET /public-rooms: non-private rooms with at least
// one participant.
func (h *Hub) PublicRooms(c *gin.Context) {
	h.mu.Lock()
	snapshot := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		snapshot = append(snapshot, room)
	}
	h.mu.Unlock()

	listing := make([]protocol.PublicRoom, 0)
	for _, room := range snapshot {
		if room.IsPrivate || room.ParticipantCount() < 1 {
			continue
		}
		listing = append(listing, room.PublicInfo())
	}

	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(http.StatusOK, gin.H{"success": true, "rooms": listing})
}

// Shutdown closes all live sessions with a normal status and stops the
// pending eviction timers.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for code, timer := range h.pendingCleanups {
		timer.Stop()
		delete(h.pendingCleanups, code)
	}
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		for _, client := range room.snapshotClients() {
			client.CloseWithStatus(websocket.CloseNormalClosure, "El servidor se está reiniciando")
		}
	}

	logging.Info(ctx, "All rooms closed", zap.Int("count", len(rooms)))
	return nil
}

package party

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cinesala/backend/internal/v1/protocol"
	"github.com/cinesala/backend/internal/v1/store"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

// mockConn is an in-memory gateway.Conn. Inbound frames are fed through a
// channel; outbound text frames and close frames are recorded.
type mockConn struct {
	mu       sync.Mutex
	written  [][]byte
	controls [][]byte

	inbound   chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-m.inbound:
		return websocket.TextMessage, data, nil
	case <-m.done:
		return 0, nil, errors.New("connection closed")
	}
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if messageType == websocket.TextMessage {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.written = append(m.written, cp)
	}
	return nil
}

func (m *mockConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.controls = append(m.controls, cp)
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *mockConn) SetWriteDeadline(time.Time) error  { return nil }
func (m *mockConn) SetReadDeadline(time.Time) error   { return nil }
func (m *mockConn) SetPongHandler(func(string) error) {}

func (m *mockConn) writtenFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *mockConn) closeFrames() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.controls))
	copy(out, m.controls)
	return out
}

func framesOfType(conn *mockConn, typ string) [][]byte {
	var out [][]byte
	for _, f := range conn.writtenFrames() {
		if t, err := protocol.MessageType(f); err == nil && t == typ {
			out = append(out, f)
		}
	}
	return out
}

// waitForFrame blocks until the connection has received at least one frame of
// the given type and returns the newest one.
func waitForFrame(t *testing.T, conn *mockConn, typ string) []byte {
	t.Helper()
	var frame []byte
	require.Eventually(t, func() bool {
		fs := framesOfType(conn, typ)
		if len(fs) == 0 {
			return false
		}
		frame = fs[len(fs)-1]
		return true
	}, 2*time.Second, 10*time.Millisecond, "no %q frame received", typ)
	return frame
}

func waitForError(t *testing.T, conn *mockConn, message string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, f := range framesOfType(conn, protocol.TypeError) {
			var e protocol.ErrorFrame
			if json.Unmarshal(f, &e) == nil && e.Message == message {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "no error frame %q received", message)
}

func closeCode(t *testing.T, payload []byte) (uint16, string) {
	t.Helper()
	require.GreaterOrEqual(t, len(payload), 2)
	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}

func newTestHub() *Hub {
	return NewHub(store.Nop{}, nil, nil, nil)
}

// connect attaches a fresh session to the hub and waits for the accept frame.
func connect(t *testing.T, h *Hub, roomCode, userID, username string) *mockConn {
	t.Helper()
	conn := newMockConn()
	h.HandleConnection(conn, NormalizeRoomCode(roomCode), userID, username)
	t.Cleanup(func() { conn.Close() })
	waitForFrame(t, conn, protocol.TypeConnected)
	return conn
}

func send(conn *mockConn, frame string) {
	conn.inbound <- []byte(frame)
}

func TestHandleConnectionMissingRoomCloses1008(t *testing.T) {
	h := newTestHub()
	conn := newMockConn()

	h.HandleConnection(conn, "", "u1", "Ana")

	frames := conn.closeFrames()
	require.Len(t, frames, 1)
	code, reason := closeCode(t, frames[0])
	assert.Equal(t, uint16(websocket.ClosePolicyViolation), code)
	assert.Equal(t, "missing room parameter", reason)
}

func TestHandleConnectionMissingUserCloses1008(t *testing.T) {
	h := newTestHub()
	conn := newMockConn()

	h.HandleConnection(conn, "CINE1", "", "Ana")

	frames := conn.closeFrames()
	require.Len(t, frames, 1)
	code, reason := closeCode(t, frames[0])
	assert.Equal(t, uint16(websocket.ClosePolicyViolation), code)
	assert.Equal(t, "missing user parameter", reason)
}

func TestJoinWithCreateMakesCallerHost(t *testing.T) {
	h := newTestHub()
	conn := connect(t, h, "cine1", "u1", "Ana")

	send(conn, `{"type":"join","create":true,"room_name":"Noche de cine","video_id":"v123"}`)

	var joined protocol.RoomJoined
	require.NoError(t, json.Unmarshal(waitForFrame(t, conn, protocol.TypeRoomJoined), &joined))
	assert.Equal(t, "CINE1", joined.RoomCode)
	assert.Equal(t, "Noche de cine", joined.RoomName)
	assert.Equal(t, "v123", joined.VideoID)
	assert.True(t, joined.IsHost)

	waitForFrame(t, conn, protocol.TypeChatHistory)
	waitForFrame(t, conn, protocol.TypePlaybackSync)

	room := h.getRoom("CINE1")
	require.NotNil(t, room)
	assert.Equal(t, 1, room.ParticipantCount())
}

func TestJoinUnknownRoomWithoutCreateFails(t *testing.T) {
	h := newTestHub()
	conn := connect(t, h, "NOPE", "u1", "Ana")

	send(conn, `{"type":"join"}`)

	waitForError(t, conn, errMsgRoomNotFound)
	assert.Nil(t, h.getRoom("NOPE"))
}

func TestJoinPrivateRoomWithoutInviteFails(t *testing.T) {
	h := newTestHub()
	host := connect(t, h, "CINE1", "u1", "Ana")
	send(host, `{"type":"join","create":true,"is_private":true}`)
	waitForFrame(t, host, protocol.TypeRoomJoined)

	guest := connect(t, h, "CINE1", "u2", "Beto")
	send(guest, `{"type":"join"}`)

	waitForError(t, guest, errMsgRoomPrivate)
	assert.Equal(t, 1, h.getRoom("CINE1").ParticipantCount())
}

func TestJoinFullRoomFails(t *testing.T) {
	h := newTestHub()
	host := connect(t, h, "CINE1", "u1", "Ana")
	send(host, `{"type":"join","create":true,"max_participants":2}`)
	waitForFrame(t, host, protocol.TypeRoomJoined)

	second := connect(t, h, "CINE1", "u2", "Beto")
	send(second, `{"type":"join"}`)
	waitForFrame(t, second, protocol.TypeRoomJoined)

	third := connect(t, h, "CINE1", "u3", "Carla")
	send(third, `{"type":"join"}`)

	waitForError(t, third, errMsgRoomFull)
	assert.Equal(t, 2, h.getRoom("CINE1").ParticipantCount())
}

func TestDuplicateConnectionReplacesSession(t *testing.T) {
	h := newTestHub()
	first := connect(t, h, "CINE1", "u1", "Ana")
	send(first, `{"type":"join","create":true}`)
	waitForFrame(t, first, protocol.TypeRoomJoined)

	second := connect(t, h, "CINE1", "u1", "Ana")
	send(second, `{"type":"join"}`)
	waitForFrame(t, second, protocol.TypeRoomJoined)

	require.Eventually(t, func() bool {
		return len(first.closeFrames()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	code, reason := closeCode(t, first.closeFrames()[0])
	assert.Equal(t, uint16(websocket.CloseNormalClosure), code)
	assert.Equal(t, "Conexión duplicada", reason)

	assert.Equal(t, 1, h.getRoom("CINE1").ParticipantCount())
}

func TestDisconnectRunsHostSuccession(t *testing.T) {
	h := newTestHub()
	host := connect(t, h, "CINE1", "u1", "Ana")
	send(host, `{"type":"join","create":true}`)
	waitForFrame(t, host, protocol.TypeRoomJoined)

	guest := connect(t, h, "CINE1", "u2", "Beto")
	send(guest, `{"type":"join"}`)
	waitForFrame(t, guest, protocol.TypeRoomJoined)

	host.Close()

	waitForFrame(t, guest, protocol.TypeUserLeft)
	var sys protocol.SystemMessage
	require.NoError(t, json.Unmarshal(waitForFrame(t, guest, protocol.TypeSystemMessage), &sys))
	assert.Equal(t, "Beto ahora es el anfitrión de la sala", sys.Message)

	require.Eventually(t, func() bool {
		room := h.getRoom("CINE1")
		return room != nil && room.IsHost("u2")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyRoomEvictedAfterGracePeriod(t *testing.T) {
	h := newTestHub()
	h.gracePeriod = 20 * time.Millisecond

	client := newClient(h, newMockConn(), "CINE1", "u1", "Ana")
	_, err := h.lookupOrCreate(client, protocol.JoinRequest{Create: true})
	require.NoError(t, err)

	h.scheduleCleanup("CINE1")

	require.Eventually(t, func() bool {
		return h.getRoom("CINE1") == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRejoinCancelsPendingEviction(t *testing.T) {
	h := newTestHub()
	h.gracePeriod = time.Hour

	client := newClient(h, newMockConn(), "CINE1", "u1", "Ana")
	_, err := h.lookupOrCreate(client, protocol.JoinRequest{Create: true})
	require.NoError(t, err)
	h.scheduleCleanup("CINE1")

	_, err = h.lookupOrCreate(client, protocol.JoinRequest{})
	require.NoError(t, err)

	h.mu.Lock()
	pending := len(h.pendingCleanups)
	h.mu.Unlock()
	assert.Zero(t, pending)
	assert.NotNil(t, h.getRoom("CINE1"))
}

func TestReapEvictsLongEmptyRooms(t *testing.T) {
	h := newTestHub()

	client := newClient(h, newMockConn(), "CINE1", "u1", "Ana")
	room, err := h.lookupOrCreate(client, protocol.JoinRequest{Create: true})
	require.NoError(t, err)

	room.mu.Lock()
	room.emptySince = time.Now().Add(-time.Hour)
	room.mu.Unlock()

	h.reap()
	assert.Nil(t, h.getRoom("CINE1"))
}

func TestReapDropsClosedSessions(t *testing.T) {
	h := newTestHub()

	client := newClient(h, newMockConn(), "CINE1", "u1", "Ana")
	h.mu.Lock()
	h.sessions[client] = struct{}{}
	h.mu.Unlock()

	client.Disconnect()
	h.reap()

	_, connections := h.Counts()
	assert.Zero(t, connections)
}

func TestHealthReportsCounts(t *testing.T) {
	h := newTestHub()
	conn := connect(t, h, "CINE1", "u1", "Ana")
	send(conn, `{"type":"join","create":true}`)
	waitForFrame(t, conn, protocol.TypeRoomJoined)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health", nil)
	h.Health(c)

	require.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["rooms"])
	assert.EqualValues(t, 1, body["connections"])
}

func TestPublicRoomsListsOnlyOccupiedPublicRooms(t *testing.T) {
	h := newTestHub()

	public := connect(t, h, "OPEN1", "u1", "Ana")
	send(public, `{"type":"join","create":true,"room_name":"Abierta"}`)
	waitForFrame(t, public, protocol.TypeRoomJoined)

	private := connect(t, h, "PRIV1", "u2", "Beto")
	send(private, `{"type":"join","create":true,"is_private":true}`)
	waitForFrame(t, private, protocol.TypeRoomJoined)

	// Empty public room: created but its only participant is gone.
	seed := newClient(h, newMockConn(), "EMPTY1", "u3", "Carla")
	_, err := h.lookupOrCreate(seed, protocol.JoinRequest{Create: true})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/public-rooms", nil)
	h.PublicRooms(c)

	require.Equal(t, 200, w.Code)
	var body struct {
		Success bool                  `json:"success"`
		Rooms   []protocol.PublicRoom `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Rooms, 1)
	assert.Equal(t, "OPEN1", body.Rooms[0].RoomCode)
	assert.Equal(t, "Abierta", body.Rooms[0].RoomName)
	assert.Equal(t, 1, body.Rooms[0].ParticipantCount)
}

func TestShutdownClosesAllSessions(t *testing.T) {
	h := newTestHub()
	conn := connect(t, h, "CINE1", "u1", "Ana")
	send(conn, `{"type":"join","create":true}`)
	waitForFrame(t, conn, protocol.TypeRoomJoined)

	require.NoError(t, h.Shutdown(context.Background()))

	require.Eventually(t, func() bool {
		return len(conn.closeFrames()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	code, reason := closeCode(t, conn.closeFrames()[0])
	assert.Equal(t, uint16(websocket.CloseNormalClosure), code)
	assert.Equal(t, "El servidor se está reiniciando", reason)

	rooms, _ := h.Counts()
	assert.Zero(t, rooms)
}

package chat

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

// mockConn is an in-memory gateway.Conn recording outbound frames.
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

// mockStore records presence transitions and inserts, and serves canned
// replay data.
type mockStore struct {
	mu      sync.Mutex
	online  []string
	offline []string

	inserted  []insertedMessage
	insertErr error
	nextID    int64

	unread  []store.DirectMessage
	pending []store.PendingFriendRequest
}

type insertedMessage struct {
	SenderID   string
	ReceiverID string
	Body       string
}

func (m *mockStore) SetUserOnline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = append(m.online, userID)
	return nil
}

func (m *mockStore) SetUserOffline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = append(m.offline, userID)
	return nil
}

func (m *mockStore) InsertDirectMessage(_ context.Context, senderID, receiverID, body string) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, time.Time{}, m.insertErr
	}
	m.nextID++
	m.inserted = append(m.inserted, insertedMessage{SenderID: senderID, ReceiverID: receiverID, Body: body})
	return m.nextID, time.Now(), nil
}

func (m *mockStore) UnreadDirectMessages(_ context.Context, receiverID string, limit int) ([]store.DirectMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.unread) > limit {
		return m.unread[:limit], nil
	}
	return m.unread, nil
}

func (m *mockStore) PendingFriendRequests(_ context.Context, userID string, limit int) ([]store.PendingFriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) > limit {
		return m.pending[:limit], nil
	}
	return m.pending, nil
}

func (m *mockStore) UpdateRoomPlayback(context.Context, string, float64, bool) error { return nil }
func (m *mockStore) InsertRoomMessage(context.Context, string, string, string) error { return nil }
func (m *mockStore) TouchParticipant(context.Context, string, string) error          { return nil }
func (m *mockStore) Close() error                                                    { return nil }

func (m *mockStore) onlineCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.online))
	copy(out, m.online)
	return out
}

func (m *mockStore) offlineCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.offline))
	copy(out, m.offline)
	return out
}

func (m *mockStore) insertedMessages() []insertedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]insertedMessage, len(m.inserted))
	copy(out, m.inserted)
	return out
}

func newTestHub(st store.Store) *Hub {
	if st == nil {
		st = store.Nop{}
	}
	return NewHub(st, nil, nil, nil)
}

func connect(t *testing.T, h *Hub, userID, username string) *mockConn {
	t.Helper()
	conn := newMockConn()
	h.HandleConnection(conn, userID, username)
	t.Cleanup(func() { conn.Close() })
	waitForFrame(t, conn, protocol.TypeConnected)
	return conn
}

func send(conn *mockConn, frame string) {
	conn.inbound <- []byte(frame)
}

func TestHandleConnectionMissingUserCloses1008(t *testing.T) {
	h := newTestHub(nil)
	conn := newMockConn()

	h.HandleConnection(conn, "", "Ana")

	frames := conn.closeFrames()
	require.Len(t, frames, 1)
	require.GreaterOrEqual(t, len(frames[0]), 2)
	code := binary.BigEndian.Uint16(frames[0][:2])
	assert.Equal(t, uint16(websocket.ClosePolicyViolation), code)
	assert.Equal(t, "missing user parameter", string(frames[0][2:]))
}

func TestConnectRecordsOnlineOnceAcrossSessions(t *testing.T) {
	st := &mockStore{}
	h := newTestHub(st)

	first := connect(t, h, "u1", "Ana")
	require.Eventually(t, func() bool {
		return len(st.onlineCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A second tab for the same user is not a new online transition.
	second := connect(t, h, "u1", "Ana")
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, st.onlineCalls(), 1)
	assert.True(t, h.presence.IsOnline("u1"))

	// Closing one session keeps the user online; closing the last one
	// records the offline transition.
	first.Close()
	require.Eventually(t, func() bool {
		return len(h.presence.SessionsOf("u1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, st.offlineCalls())

	second.Close()
	require.Eventually(t, func() bool {
		return len(st.offlineCalls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.presence.IsOnline("u1"))
}

func TestConnectReplaysPendingBeforeLiveTraffic(t *testing.T) {
	now := time.Now()
	st := &mockStore{
		unread: []store.DirectMessage{
			{ID: 7, SenderID: "u2", SenderUsername: "Beto", ReceiverID: "u1", Message: "más reciente", CreatedAt: now},
			{ID: 5, SenderID: "u3", SenderUsername: "Carla", ReceiverID: "u1", Message: "anterior", CreatedAt: now.Add(-time.Hour)},
		},
		pending: []store.PendingFriendRequest{
			{ID: 11, UserID: "u4", Username: "Dani", CreatedAt: now.Add(-2 * time.Hour)},
		},
	}
	h := newTestHub(st)

	conn := connect(t, h, "u1", "Ana")

	require.Eventually(t, func() bool {
		return len(framesOfType(conn, protocol.TypePrivateMessage)) == 2 &&
			len(framesOfType(conn, protocol.TypeFriendRequest)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := framesOfType(conn, protocol.TypePrivateMessage)
	var first, second protocol.PrivateMessage
	require.NoError(t, json.Unmarshal(msgs[0], &first))
	require.NoError(t, json.Unmarshal(msgs[1], &second))
	assert.Equal(t, int64(7), first.ID)
	assert.Equal(t, "más reciente", first.Message)
	assert.Equal(t, int64(5), second.ID)

	var req protocol.FriendRequest
	require.NoError(t, json.Unmarshal(waitForFrame(t, conn, protocol.TypeFriendRequest), &req))
	assert.Equal(t, int64(11), req.RequestID)
	assert.Equal(t, "u4", req.SenderID)
	assert.Equal(t, "Dani", req.SenderUsername)
}

func TestReplayLimitedToTenItems(t *testing.T) {
	st := &mockStore{}
	for i := 0; i < 25; i++ {
		st.unread = append(st.unread, store.DirectMessage{
			ID: int64(100 - i), SenderID: "u2", SenderUsername: "Beto", Message: "m",
			CreatedAt: time.Now().Add(-time.Duration(i) * time.Minute),
		})
	}
	h := newTestHub(st)

	conn := connect(t, h, "u1", "Ana")

	require.Eventually(t, func() bool {
		return len(framesOfType(conn, protocol.TypePrivateMessage)) == replayLimit
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, framesOfType(conn, protocol.TypePrivateMessage), replayLimit)
}

func TestHealthReportsOnlineCount(t *testing.T) {
	h := newTestHub(nil)
	connect(t, h, "u1", "Ana")
	connect(t, h, "u2", "Beto")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health", nil)
	h.Health(c)

	require.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 2, body["online"])
}

func TestShutdownClosesAllSessions(t *testing.T) {
	h := newTestHub(nil)
	conn := connect(t, h, "u1", "Ana")

	require.NoError(t, h.Shutdown(context.Background()))

	require.Eventually(t, func() bool {
		return len(conn.closeFrames()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	code := binary.BigEndian.Uint16(conn.closeFrames()[0][:2])
	assert.Equal(t, uint16(websocket.CloseNormalClosure), code)
}

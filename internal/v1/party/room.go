package party

import (
	"container/list"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cinesala/backend/internal/v1/protocol"
)

const (
	// DefaultMaxParticipants applies when a creator does not pick a capacity.
	DefaultMaxParticipants = 10

	maxChatHistoryLength     = 200
	maxPlaybackHistoryLength = 50
	chatReplayLength         = 50

	// In-memory playback state updates immediately; store writes are
	// debounced to at most one per room per second.
	playbackWriteInterval = time.Second
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
	ErrRoomPrivate  = errors.New("room is private")
	ErrNotInRoom    = errors.New("user is not a participant")
)

// Participant is a user currently in a room via an open session.
type Participant struct {
	UserID   string
	Username string
	JoinedAt time.Time
	LastSeen time.Time
	IsHost   bool

	client *Client
}

// SessionID identifies the session currently backing this participant.
func (p *Participant) SessionID() string {
	return p.client.ID
}

// PlaybackEvent records a single playback state change.
type PlaybackEvent struct {
	UserID      string
	CurrentTime float64
	IsPlaying   bool
	EventType   string
	Timestamp   time.Time
}

// Room is the per-room state machine. All mutations go through its mutex so
// every participant observes a consistent interleaving of chat and playback
// events. Store calls never run under the lock.
type Room struct {
	ID              string
	Code            string
	Name            string
	VideoID         string
	MaxParticipants int
	IsPrivate       bool
	CreatedAt       time.Time

	mu              sync.RWMutex
	hostUserID      string
	hostUsername    string
	currentTime     float64
	isPlaying       bool
	participants    map[string]*Participant
	chatHistory     *list.List // protocol.ChatMessage
	playbackHistory *list.List // PlaybackEvent
	nextMessageID   int64

	emptySince        time.Time // zero while the room has participants
	lastPlaybackWrite time.Time
}

// NormalizeRoomCode upper-cases a room code so "abc" and "ABC" name the same room.
func NormalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NewRoom constructs a room with the caller as host.
func NewRoom(code string, req protocol.JoinRequest, hostUserID, hostUsername string) *Room {
	name := strings.TrimSpace(req.RoomName)
	if name == "" {
		name = "Sala de " + hostUsername
	}

	max := req.MaxParticipants
	if max < 1 {
		max = DefaultMaxParticipants
	}

	return &Room{
		ID:              uuid.NewString(),
		Code:            NormalizeRoomCode(code),
		Name:            name,
		VideoID:         req.VideoID,
		MaxParticipants: max,
		IsPrivate:       req.IsPrivate,
		CreatedAt:       time.Now(),
		hostUserID:      hostUserID,
		hostUsername:    hostUsername,
		currentTime:     req.CurrentTime,
		participants:    make(map[string]*Participant),
		chatHistory:     list.New(),
		playbackHistory: list.New(),
		emptySince:      time.Now(),
	}
}

// Join admits a client. A second session for the same user id replaces the
// first; the stale session is returned so the caller can close it outside
// the lock.
func (r *Room) Join(c *Client) (*Participant, *Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale *Client
	if existing, ok := r.participants[c.UserID]; ok {
		stale = existing.client
		delete(r.participants, c.UserID)
	}

	if len(r.participants) >= r.MaxParticipants {
		// Re-admit the replaced session's user even at capacity.
		if stale == nil {
			return nil, nil, ErrRoomFull
		}
	}

	now := time.Now()
	p := &Participant{
		UserID:   c.UserID,
		Username: c.Username,
		JoinedAt: now,
		LastSeen: now,
		client:   c,
	}

	// The host slot follows the host user id; an empty room adopts the
	// first joiner as host so a non-empty room always has one.
	if c.UserID == r.hostUserID || len(r.participants) == 0 {
		r.setHostLocked(p)
	}

	r.participants[c.UserID] = p
	r.emptySince = time.Time{}

	return p, stale, nil
}

func (r *Room) setHostLocked(p *Participant) {
	for _, other := range r.participants {
		other.IsHost = false
	}
	p.IsHost = true
	r.hostUserID = p.UserID
	r.hostUsername = p.Username
}

// Leave removes the participant and runs host succession. It returns the
// departing participant, the promoted successor (nil when none), and whether
// the room is now empty.
func (r *Room) Leave(userID string) (*Participant, *Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[userID]
	if !ok {
		return nil, nil, len(r.participants) == 0
	}
	delete(r.participants, userID)

	var successor *Participant
	if p.IsHost && len(r.participants) > 0 {
		successor = r.nextHostLocked()
		r.setHostLocked(successor)
	}

	empty := len(r.participants) == 0
	if empty {
		r.emptySince = time.Now()
	}
	return p, successor, empty
}

// nextHostLocked picks the earliest joiner, ties broken by user id.
func (r *Room) nextHostLocked() *Participant {
	var next *Participant
	for _, p := range r.participants {
		if next == nil ||
			p.JoinedAt.Before(next.JoinedAt) ||
			(p.JoinedAt.Equal(next.JoinedAt) && p.UserID < next.UserID) {
			next = p
		}
	}
	return next
}

// TransferHost reassigns host authority to an existing participant.
func (r *Room) TransferHost(targetUserID string) (*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.participants[targetUserID]
	if !ok {
		return nil, ErrNotInRoom
	}
	r.setHostLocked(target)
	return target, nil
}

// IsHost reports whether the given user currently holds host authority.
func (r *Room) IsHost(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return userID == r.hostUserID
}

// HostInfo returns the current host identity.
func (r *Room) HostInfo() (string, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hostUserID, r.hostUsername
}

// Participant returns the participant for a user id, or nil.
func (r *Room) Participant(userID string) *Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants[userID]
}

// ParticipantCount returns the number of admitted participants.
func (r *Room) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// IsEmpty reports whether no participants remain.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) == 0
}

// EmptySince returns when the room last became empty (zero while occupied).
func (r *Room) EmptySince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.emptySince
}

// AppendChat validates, stamps and stores a chat message, evicting the oldest
// entry past the history cap. Message ids are strictly monotone per room.
func (r *Room) AppendChat(userID, username, body string) (protocol.ChatMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return protocol.ChatMessage{}, errors.New("empty message")
	}
	if len(body) > 1000 {
		return protocol.ChatMessage{}, errors.New("message exceeds 1000 characters")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextMessageID++
	msg := protocol.ChatMessage{
		Type:      protocol.TypeChatMessage,
		ID:        r.nextMessageID,
		UserID:    userID,
		Username:  username,
		Message:   body,
		Timestamp: time.Now().UnixMilli(),
	}

	r.chatHistory.PushBack(msg)
	for r.chatHistory.Len() > maxChatHistoryLength {
		r.chatHistory.Remove(r.chatHistory.Front())
	}
	if p, ok := r.participants[userID]; ok {
		p.LastSeen = time.Now()
	}
	return msg, nil
}

// RecentChats returns up to n most recent messages, oldest first.
func (r *Room) RecentChats(n int) []protocol.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ChatMessage, 0, n)
	e := r.chatHistory.Back()
	for e != nil && len(out) < n {
		out = append(out, e.Value.(protocol.ChatMessage))
		e = e.Prev()
	}
	// Walked newest-to-oldest; reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SetPlayback applies a playback update and reports whether the debounce
// window allows a store write for it.
func (r *Room) SetPlayback(userID string, req protocol.PlaybackRequest) (protocol.PlaybackUpdate, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.currentTime = req.CurrentTime
	r.isPlaying = req.IsPlaying

	r.playbackHistory.PushBack(PlaybackEvent{
		UserID:      userID,
		CurrentTime: req.CurrentTime,
		IsPlaying:   req.IsPlaying,
		EventType:   req.EventType,
		Timestamp:   now,
	})
	for r.playbackHistory.Len() > maxPlaybackHistoryLength {
		r.playbackHistory.Remove(r.playbackHistory.Front())
	}

	var username string
	if p, ok := r.participants[userID]; ok {
		p.LastSeen = now
		username = p.Username
	}

	persist := now.Sub(r.lastPlaybackWrite) >= playbackWriteInterval
	if persist {
		r.lastPlaybackWrite = now
	}

	return protocol.PlaybackUpdate{
		Type:        protocol.TypePlaybackUpdate,
		UserID:      userID,
		Username:    username,
		CurrentTime: req.CurrentTime,
		IsPlaying:   req.IsPlaying,
		EventType:   req.EventType,
		Timestamp:   now.UnixMilli(),
	}, persist
}

// PlaybackSync snapshots the room's current playback state.
func (r *Room) PlaybackSync() protocol.PlaybackSync {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return protocol.PlaybackSync{
		Type:        protocol.TypePlaybackSync,
		CurrentTime: r.currentTime,
		IsPlaying:   r.isPlaying,
		Timestamp:   time.Now().UnixMilli(),
	}
}

// PlaybackHistory snapshots the bounded playback event log, oldest first.
func (r *Room) PlaybackHistory() []PlaybackEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PlaybackEvent, 0, r.playbackHistory.Len())
	for e := r.playbackHistory.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(PlaybackEvent))
	}
	return out
}

// ParticipantList returns the wire form of the participant set, stable-sorted
// by join time then user id.
func (r *Room) ParticipantList() []protocol.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, protocol.ParticipantInfo{
			UserID:   p.UserID,
			Username: p.Username,
			IsHost:   p.IsHost,
			JoinedAt: p.JoinedAt.UnixMilli(),
			LastSeen: p.LastSeen.UnixMilli(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// RoomJoined builds the join acknowledgement for one caller.
func (r *Room) RoomJoined(isHost bool) protocol.RoomJoined {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return protocol.RoomJoined{
		Type:            protocol.TypeRoomJoined,
		RoomCode:        r.Code,
		RoomName:        r.Name,
		VideoID:         r.VideoID,
		IsHost:          isHost,
		MaxParticipants: r.MaxParticipants,
		IsPrivate:       r.IsPrivate,
		CurrentTime:     r.currentTime,
		IsPlaying:       r.isPlaying,
		Timestamp:       time.Now().UnixMilli(),
	}
}

// PublicInfo builds the /public-rooms listing entry.
func (r *Room) PublicInfo() protocol.PublicRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return protocol.PublicRoom{
		RoomCode:         r.Code,
		RoomName:         r.Name,
		HostUsername:     r.hostUsername,
		ParticipantCount: len(r.participants),
		MaxParticipants:  r.MaxParticipants,
		VideoID:          r.VideoID,
		CreatedAt:        r.CreatedAt.UnixMilli(),
	}
}

// Broadcast fans a frame out to every participant session, skipping the
// excluded user id when non-empty. Sends go through buffered channels and
// never block the room.
func (r *Room) Broadcast(v any, excludeUserID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.participants {
		if excludeUserID != "" && p.UserID == excludeUserID {
			continue
		}
		p.client.Send(v)
	}
}

// SendTo delivers a frame to a single participant, if present.
func (r *Room) SendTo(userID string, v any) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.participants[userID]; ok {
		p.client.Send(v)
	}
}

// snapshotClients returns the current participant sessions.
func (r *Room) snapshotClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p.client)
	}
	return out
}

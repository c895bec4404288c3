// Package protocol defines the JSON frames exchanged over the WebSocket
// transport. Every frame is an object carrying a string "type" discriminator;
// unknown types are ignored by both ends.
package protocol

import (
	"encoding/json"
	"errors"
)

// Client -> server message types (watch-party).
const (
	TypeJoin                = "join"
	TypeChatMessage         = "chat_message"
	TypePlaybackUpdate      = "playback_update"
	TypeParticipantsRequest = "participants_request"
	TypeSyncRequest         = "sync_request"
	TypeInviteUser          = "invite_user"
	TypeRemoveParticipant   = "remove_participant"
	TypePromoteToCohost     = "promote_to_cohost"
	TypeTransferHost        = "transfer_host"
	TypeLeave               = "leave"
	TypePing                = "ping"
)

// Client -> server message types (chat).
const (
	TypePrivateMessage        = "private_message"
	TypeFriendRequest         = "friend_request"
	TypeFriendRequestResponse = "friend_request_response"
)

// Server -> client message types.
const (
	TypeConnected          = "connected"
	TypeRoomJoined         = "room_joined"
	TypeUserJoined         = "user_joined"
	TypeUserLeft           = "user_left"
	TypeParticipantsUpdate = "participants_update"
	TypeParticipantsList   = "participants_list"
	TypeChatHistory        = "chat_history"
	TypePlaybackSync       = "playback_sync"
	TypeInvitationSent     = "invitation_sent"
	TypeSystemMessage      = "system_message"
	TypeError              = "error"
	TypePong               = "pong"
)

// envelope is used only to sniff the discriminator.
type envelope struct {
	Type string `json:"type"`
}

// MessageType extracts the type discriminator from a raw frame.
func MessageType(data []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	if env.Type == "" {
		return "", errors.New("frame has no type")
	}
	return env.Type, nil
}

// --- Client -> server payloads ---

// JoinRequest admits the caller into its room, optionally creating it.
type JoinRequest struct {
	Create          bool    `json:"create,omitempty"`
	RoomName        string  `json:"room_name,omitempty"`
	VideoID         string  `json:"video_id,omitempty"`
	MaxParticipants int     `json:"max_participants,omitempty"`
	IsPrivate       bool    `json:"is_private,omitempty"`
	CurrentTime     float64 `json:"current_time,omitempty"`
}

// ChatRequest carries a room chat message body.
type ChatRequest struct {
	Message string `json:"message"`
}

// PlaybackRequest reports a playback state change.
type PlaybackRequest struct {
	CurrentTime float64 `json:"current_time"`
	IsPlaying   bool    `json:"is_playing"`
	EventType   string  `json:"event_type,omitempty"`
}

// TargetRequest names another participant (invite, remove, promote, transfer).
type TargetRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// PrivateMessageRequest is a direct message to another user.
type PrivateMessageRequest struct {
	To        string `json:"to"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// FriendRequestMessage notifies a user of a new friendship request.
type FriendRequestMessage struct {
	To string `json:"to"`
}

// FriendResponseMessage answers a friendship request.
type FriendResponseMessage struct {
	RequestID  int64  `json:"request_id"`
	Originator string `json:"originator"`
	Status     string `json:"status"`
}

// --- Server -> client payloads ---

// ParticipantInfo is the wire form of a room participant.
type ParticipantInfo struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsHost   bool   `json:"is_host"`
	JoinedAt int64  `json:"joined_at"`
	LastSeen int64  `json:"last_seen"`
}

// Connected confirms a successful session accept.
type Connected struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// RoomJoined is the join acknowledgement sent to the caller only.
type RoomJoined struct {
	Type            string  `json:"type"`
	RoomCode        string  `json:"room_code"`
	RoomName        string  `json:"room_name"`
	VideoID         string  `json:"video_id"`
	IsHost          bool    `json:"is_host"`
	MaxParticipants int     `json:"max_participants"`
	IsPrivate       bool    `json:"is_private"`
	CurrentTime     float64 `json:"current_time"`
	IsPlaying       bool    `json:"is_playing"`
	Timestamp       int64   `json:"timestamp"`
}

// UserJoined announces a new participant to the rest of the room.
type UserJoined struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// UserLeft announces a departure.
type UserLeft struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// ParticipantsUpdate pushes the authoritative participant list to the room.
type ParticipantsUpdate struct {
	Type         string            `json:"type"`
	Participants []ParticipantInfo `json:"participants"`
	Count        int               `json:"count"`
}

// ChatMessage is a room chat entry, broadcast and replayed in history.
type ChatMessage struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ChatHistory replays recent room chat to a joining participant.
type ChatHistory struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// PlaybackUpdate fans a playback change out to the other participants.
type PlaybackUpdate struct {
	Type        string  `json:"type"`
	UserID      string  `json:"user_id"`
	Username    string  `json:"username"`
	CurrentTime float64 `json:"current_time"`
	IsPlaying   bool    `json:"is_playing"`
	EventType   string  `json:"event_type,omitempty"`
	Timestamp   int64   `json:"timestamp"`
}

// PlaybackSync carries the room's current playback state to one caller.
type PlaybackSync struct {
	Type        string  `json:"type"`
	CurrentTime float64 `json:"current_time"`
	IsPlaying   bool    `json:"is_playing"`
	Timestamp   int64   `json:"timestamp"`
}

// InvitationSent announces that the host invited someone.
type InvitationSent struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// SystemMessage is a room-wide informational announcement.
type SystemMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorFrame reports a rejected or malformed action to the offender.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Pong answers an application-level ping.
type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// PrivateMessage delivers a direct message to a recipient session.
type PrivateMessage struct {
	Type           string `json:"type"`
	ID             int64  `json:"id"`
	SenderID       string `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	Message        string `json:"message"`
	Timestamp      int64  `json:"timestamp"`
}

// FriendRequest delivers a friendship request notification.
type FriendRequest struct {
	Type           string `json:"type"`
	RequestID      int64  `json:"request_id,omitempty"`
	SenderID       string `json:"sender_id"`
	SenderUsername string `json:"sender_username"`
	Timestamp      int64  `json:"timestamp"`
}

// FriendRequestResponse delivers the answer to a friendship request.
type FriendRequestResponse struct {
	Type      string `json:"type"`
	RequestID int64  `json:"request_id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// PublicRoom is the /public-rooms listing entry.
type PublicRoom struct {
	RoomCode         string `json:"room_code"`
	RoomName         string `json:"room_name"`
	HostUsername     string `json:"host_username"`
	ParticipantCount int    `json:"participant_count"`
	MaxParticipants  int    `json:"max_participants"`
	VideoID          string `json:"video_id"`
	CreatedAt        int64  `json:"created_at"`
}

// NewError builds an error frame.
func NewError(message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message}
}

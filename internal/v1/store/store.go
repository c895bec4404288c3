// Package store is the narrow interface the session engine consumes from the
// durable relational store. Failures are surfaced as errors and the callers
// degrade: in-memory behavior proceeds even when persistence is unavailable.
package store

import (
	"context"
	"time"
)

// DirectMessage is a persisted private message row joined to the sender name.
type DirectMessage struct {
	ID             int64
	SenderID       string
	SenderUsername string
	ReceiverID     string
	Message        string
	CreatedAt      time.Time
}

// PendingFriendRequest is a pending friendship row joined to the requester name.
type PendingFriendRequest struct {
	ID        int64
	UserID    string
	Username  string
	CreatedAt time.Time
}

// Store enumerates the operations the engine requires from the durable store.
type Store interface {
	// Presence transitions.
	SetUserOnline(ctx context.Context, userID string) error
	SetUserOffline(ctx context.Context, userID string) error

	// Direct messaging.
	InsertDirectMessage(ctx context.Context, senderID, receiverID, body string) (int64, time.Time, error)
	UnreadDirectMessages(ctx context.Context, receiverID string, limit int) ([]DirectMessage, error)
	PendingFriendRequests(ctx context.Context, userID string, limit int) ([]PendingFriendRequest, error)

	// Watch-party persistence (best-effort).
	UpdateRoomPlayback(ctx context.Context, roomCode string, position float64, playing bool) error
	InsertRoomMessage(ctx context.Context, roomCode, userID, body string) error
	TouchParticipant(ctx context.Context, roomCode, userID string) error

	Close() error
}

package store

import (
	"context"
	"time"
)

// Nop is a Store that persists nothing. It backs deployments without a
// database: presence and messaging keep working, replay is simply empty.
type Nop struct{}

var _ Store = Nop{}

func (Nop) SetUserOnline(context.Context, string) error  { return nil }
func (Nop) SetUserOffline(context.Context, string) error { return nil }

func (Nop) InsertDirectMessage(_ context.Context, _, _, _ string) (int64, time.Time, error) {
	return 0, time.Now(), nil
}

func (Nop) UnreadDirectMessages(context.Context, string, int) ([]DirectMessage, error) {
	return nil, nil
}

func (Nop) PendingFriendRequests(context.Context, string, int) ([]PendingFriendRequest, error) {
	return nil, nil
}

func (Nop) UpdateRoomPlayback(context.Context, string, float64, bool) error { return nil }
func (Nop) InsertRoomMessage(context.Context, string, string, string) error { return nil }
func (Nop) TouchParticipant(context.Context, string, string) error          { return nil }

func (Nop) Close() error { return nil }

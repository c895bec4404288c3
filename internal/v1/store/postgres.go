package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sony/gobreaker"

	"github.com/cinesala/backend/internal/v1/metrics"
)

const (
	// The store exposes a bounded pool; callers must tolerate blocking.
	maxOpenConns = 10

	setUserOnlineSQL = `
UPDATE users SET is_online = TRUE, last_seen = NOW() WHERE id = $1`

	setUserOfflineSQL = `
UPDATE users SET is_online = FALSE, last_seen = NOW() WHERE id = $1`

	insertDirectMessageSQL = `
INSERT INTO chat_messages (sender_id, receiver_id, message)
VALUES ($1, $2, $3)
RETURNING id, created_at`

	selectUnreadMessagesSQL = `
SELECT m.id, m.sender_id, u.username, m.receiver_id, m.message, m.created_at
FROM chat_messages m
JOIN users u ON u.id = m.sender_id
WHERE m.receiver_id = $1 AND m.is_read = FALSE
ORDER BY m.created_at DESC
LIMIT $2`

	selectPendingFriendsSQL = `
SELECT f.id, f.user_id, u.username, f.created_at
FROM friends f
JOIN users u ON u.id = f.user_id
WHERE f.friend_id = $1 AND f.status = 'pending'
ORDER BY f.created_at DESC
LIMIT $2`

	updateRoomPlaybackSQL = `
UPDATE watch_parties
SET video_current_time = $2, is_playing = $3, updated_at = NOW()
WHERE room_code = $1`

	insertRoomMessageSQL = `
INSERT INTO watch_party_messages (room_code, user_id, message)
VALUES ($1, $2, $3)`

	touchParticipantSQL = `
UPDATE watch_party_participants SET last_seen = NOW()
WHERE room_code = $1 AND user_id = $2`
)

// Postgres implements Store on a Postgres database through lib/pq.
// Every call goes through a circuit breaker: once the database starts
// failing, subsequent calls short-circuit instead of stacking up on a
// saturated pool.
type Postgres struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens the connection pool and verifies connectivity.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewPostgresWithDB(db), nil
}

// NewPostgresWithDB wraps an existing pool. Used by tests with sqlmock.
func NewPostgresWithDB(db *sql.DB) *Postgres {
	return &Postgres{
		db: db,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "postgres",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

func (s *Postgres) exec(ctx context.Context, op, query string, args ...any) error {
	_, err := s.breaker.Execute(func() (any, error) {
		_, err := s.db.ExecContext(ctx, query, args...)
		return nil, err
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues(op).Inc()
	}
	return err
}

func (s *Postgres) SetUserOnline(ctx context.Context, userID string) error {
	return s.exec(ctx, "set_user_online", setUserOnlineSQL, userID)
}

func (s *Postgres) SetUserOffline(ctx context.Context, userID string) error {
	return s.exec(ctx, "set_user_offline", setUserOfflineSQL, userID)
}

func (s *Postgres) InsertDirectMessage(ctx context.Context, senderID, receiverID, body string) (int64, time.Time, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		var (
			id        int64
			createdAt time.Time
		)
		err := s.db.QueryRowContext(ctx, insertDirectMessageSQL, senderID, receiverID, body).Scan(&id, &createdAt)
		if err != nil {
			return nil, err
		}
		return DirectMessage{ID: id, CreatedAt: createdAt}, nil
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("insert_direct_message").Inc()
		return 0, time.Time{}, err
	}
	row := res.(DirectMessage)
	return row.ID, row.CreatedAt, nil
}

func (s *Postgres) UnreadDirectMessages(ctx context.Context, receiverID string, limit int) ([]DirectMessage, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		rows, err := s.db.QueryContext(ctx, selectUnreadMessagesSQL, receiverID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []DirectMessage
		for rows.Next() {
			var m DirectMessage
			if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderUsername, &m.ReceiverID, &m.Message, &m.CreatedAt); err != nil {
				return nil, err
			}
			out = append(out, m)
		}
		return out, rows.Err()
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("unread_direct_messages").Inc()
		return nil, err
	}
	return res.([]DirectMessage), nil
}

func (s *Postgres) PendingFriendRequests(ctx context.Context, userID string, limit int) ([]PendingFriendRequest, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		rows, err := s.db.QueryContext(ctx, selectPendingFriendsSQL, userID, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out []PendingFriendRequest
		for rows.Next() {
			var r PendingFriendRequest
			if err := rows.Scan(&r.ID, &r.UserID, &r.Username, &r.CreatedAt); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("pending_friend_requests").Inc()
		return nil, err
	}
	return res.([]PendingFriendRequest), nil
}

func (s *Postgres) UpdateRoomPlayback(ctx context.Context, roomCode string, position float64, playing bool) error {
	return s.exec(ctx, "update_room_playback", updateRoomPlaybackSQL, roomCode, position, playing)
}

func (s *Postgres) InsertRoomMessage(ctx context.Context, roomCode, userID, body string) error {
	return s.exec(ctx, "insert_room_message", insertRoomMessageSQL, roomCode, userID, body)
}

func (s *Postgres) TouchParticipant(ctx context.Context, roomCode, userID string) error {
	return s.exec(ctx, "touch_participant", touchParticipantSQL, roomCode, userID)
}

func (s *Postgres) Close() error {
	return s.db.Close()
}

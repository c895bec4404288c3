package party

import (
	"github.com/cinesala/backend/internal/v1/gateway"
)

// Client is a watch-party session: a gateway session pinned to one room code.
type Client struct {
	*gateway.Session

	hub      *Hub
	roomCode string
}

func newClient(hub *Hub, conn gateway.Conn, roomCode, userID, username string) *Client {
	return &Client{
		Session:  gateway.NewSession(conn, userID, username),
		hub:      hub,
		roomCode: roomCode,
	}
}

// RoomCode returns the room this session is bound to.
func (c *Client) RoomCode() string {
	return c.roomCode
}

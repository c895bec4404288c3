package chat

import (
	"github.com/cinesala/backend/internal/v1/gateway"
)

// Client is a private-chat session for one user. A user may hold several at
// once (multiple tabs or devices); delivery fans out to all of them.
type Client struct {
	*gateway.Session

	hub *Hub
}

func newClient(hub *Hub, conn gateway.Conn, userID, username string) *Client {
	return &Client{
		Session: gateway.NewSession(conn, userID, username),
		hub:     hub,
	}
}

package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cinesala/backend/internal/v1/logging"
	"github.com/cinesala/backend/internal/v1/metrics"
	"github.com/cinesala/backend/internal/v1/protocol"
)

const (
	errMsgBadFrame     = "Formato de mensaje inválido"
	errMsgEmptyMessage = "El mensaje no puede estar vacío"
	errMsgNoRecipient  = "Destinatario requerido"
)

// route multiplexes one inbound chat frame. Malformed JSON gets a typed
// error frame back; unknown types are logged and ignored.
func (h *Hub) route(client *Client, data []byte) {
	typ, err := protocol.MessageType(data)
	if err != nil {
		logging.Warn(context.Background(), "Malformed frame",
			zap.String("user_id", client.UserID), zap.Error(err))
		client.Send(protocol.NewError(errMsgBadFrame))
		return
	}

	status := "ok"
	switch typ {
	case protocol.TypePrivateMessage:
		var req protocol.PrivateMessageRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handlePrivateMessage(client, req)
	case protocol.TypeFriendRequest:
		var req protocol.FriendRequestMessage
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handleFriendRequest(client, req)
	case protocol.TypeFriendRequestResponse:
		var req protocol.FriendResponseMessage
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handleFriendResponse(client, req)
	case protocol.TypePing:
		client.Send(protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	default:
		logging.Warn(context.Background(), "Unknown message type",
			zap.String("type", typ), zap.String("user_id", client.UserID))
		status = "unknown"
	}

	metrics.WebsocketEvents.WithLabelValues(typ, status).Inc()
}

// handlePrivateMessage persists the message and delivers it to every live
// session of an online recipient. An offline recipient picks it up through
// replay on their next connect. A failed insert degrades to live-only
// delivery rather than dropping the message.
func (h *Hub) handlePrivateMessage(client *Client, req protocol.PrivateMessageRequest) {
	body := strings.TrimSpace(req.Message)
	if body == "" {
		client.Send(protocol.NewError(errMsgEmptyMessage))
		return
	}
	if req.To == "" {
		client.Send(protocol.NewError(errMsgNoRecipient))
		return
	}

	id, createdAt, err := h.store.InsertDirectMessage(context.Background(), client.UserID, req.To, body)
	if err != nil {
		logging.Warn(context.Background(), "Failed to persist private message",
			zap.String("sender", client.UserID), zap.String("receiver", req.To), zap.Error(err))
		createdAt = time.Now()
	}

	frame := protocol.PrivateMessage{
		Type:           protocol.TypePrivateMessage,
		ID:             id,
		SenderID:       client.UserID,
		SenderUsername: client.Username,
		Message:        body,
		Timestamp:      createdAt.UnixMilli(),
	}
	for _, session := range h.presence.SessionsOf(req.To) {
		session.Send(frame)
	}
}

// handleFriendRequest pushes a live notification to the target. The request
// row itself is persisted by the account API, not by this engine.
func (h *Hub) handleFriendRequest(client *Client, req protocol.FriendRequestMessage) {
	if req.To == "" {
		client.Send(protocol.NewError(errMsgNoRecipient))
		return
	}

	frame := protocol.FriendRequest{
		Type:           protocol.TypeFriendRequest,
		SenderID:       client.UserID,
		SenderUsername: client.Username,
		Timestamp:      time.Now().UnixMilli(),
	}
	for _, session := range h.presence.SessionsOf(req.To) {
		session.Send(frame)
	}
}

// handleFriendResponse pushes the accept/reject outcome back to whoever
// originated the request.
func (h *Hub) handleFriendResponse(client *Client, req protocol.FriendResponseMessage) {
	if req.Originator == "" {
		client.Send(protocol.NewError(errMsgNoRecipient))
		return
	}

	frame := protocol.FriendRequestResponse{
		Type:      protocol.TypeFriendRequestResponse,
		RequestID: req.RequestID,
		UserID:    client.UserID,
		Username:  client.Username,
		Status:    req.Status,
		Timestamp: time.Now().UnixMilli(),
	}
	for _, session := range h.presence.SessionsOf(req.Originator) {
		session.Send(frame)
	}
}

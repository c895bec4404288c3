package party

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cinesala/backend/internal/v1/logging"
	"github.com/cinesala/backend/internal/v1/metrics"
	"github.com/cinesala/backend/internal/v1/protocol"
)

// Error messages surfaced to clients.
const (
	errMsgRoomNotFound  = "Sala no encontrada"
	errMsgRoomFull      = "La sala está llena"
	errMsgRoomPrivate   = "Esta sala es privada. Necesitas una invitación para unirte."
	errMsgNotInRoom     = "No estás en la sala"
	errMsgHostOnly      = "Solo el anfitrión puede realizar esta acción"
	errMsgBadFrame      = "Formato de mensaje inválido"
	errMsgEmptyChat     = "El mensaje no puede estar vacío"
	errMsgTargetMissing = "El usuario no está en la sala"
	errMsgSelfRemove    = "No puedes eliminarte a ti mismo"
)

// route multiplexes one inbound frame into its typed handler. Malformed JSON
// gets a typed error back and never terminates the session; unknown types
// are logged and ignored.
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
	case protocol.TypeJoin:
		var req protocol.JoinRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handleJoin(client, req)
	case protocol.TypeChatMessage:
		var req protocol.ChatRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handleChat(client, req)
	case protocol.TypePlaybackUpdate:
		var req protocol.PlaybackRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handlePlayback(client, req)
	case protocol.TypeSyncRequest:
		h.handleSyncRequest(client)
	case protocol.TypeParticipantsRequest:
		h.handleParticipantsRequest(client)
	case protocol.TypeInviteUser:
		var req protocol.TargetRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handleInviteUser(client, req)
	case protocol.TypeRemoveParticipant:
		var req protocol.TargetRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handleRemoveParticipant(client, req)
	case protocol.TypePromoteToCohost:
		var req protocol.TargetRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handlePromoteToCohost(client, req)
	case protocol.TypeTransferHost:
		var req protocol.TargetRequest
		if err := json.Unmarshal(data, &req); err != nil {
			client.Send(protocol.NewError(errMsgBadFrame))
			status = "malformed"
			break
		}
		h.handleTransferHost(client, req)
	case protocol.TypeLeave:
		h.handleLeave(client)
	case protocol.TypePing:
		client.Send(protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	default:
		logging.Warn(context.Background(), "Unknown message type",
			zap.String("type", typ), zap.String("user_id", client.UserID))
		status = "unknown"
	}

	metrics.WebsocketEvents.WithLabelValues(typ, status).Inc()
}

func (h *Hub) handleJoin(client *Client, req protocol.JoinRequest) {
	room, err := h.lookupOrCreate(client, req)
	if err != nil {
		switch {
		case errors.Is(err, ErrRoomNotFound):
			client.Send(protocol.NewError(errMsgRoomNotFound))
		case errors.Is(err, ErrRoomPrivate):
			client.Send(protocol.NewError(errMsgRoomPrivate))
		default:
			client.Send(protocol.NewError(errMsgBadFrame))
		}
		return
	}

	p, stale, err := room.Join(client)
	if err != nil {
		if errors.Is(err, ErrRoomFull) {
			client.Send(protocol.NewError(errMsgRoomFull))
			return
		}
		client.Send(protocol.NewError(errMsgRoomNotFound))
		return
	}

	if stale != nil && stale != client {
		logging.Info(context.Background(), "Duplicate connection replaced",
			zap.String("room_code", room.Code), zap.String("user_id", client.UserID))
		stale.CloseWithStatus(websocket.CloseNormalClosure, "Conexión duplicada")
	}

	now := time.Now().UnixMilli()

	client.Send(room.RoomJoined(p.IsHost))
	room.Broadcast(protocol.UserJoined{
		Type:      protocol.TypeUserJoined,
		UserID:    p.UserID,
		Username:  p.Username,
		Timestamp: now,
	}, client.UserID)
	h.broadcastParticipants(room)
	client.Send(protocol.ChatHistory{
		Type:     protocol.TypeChatHistory,
		Messages: room.RecentChats(chatReplayLength),
	})
	client.Send(room.PlaybackSync())

	metrics.RoomParticipants.WithLabelValues(room.Code).Set(float64(room.ParticipantCount()))

	go func() {
		if err := h.store.TouchParticipant(context.Background(), room.Code, client.UserID); err != nil {
			logging.Warn(context.Background(), "Failed to touch participant row",
				zap.String("room_code", room.Code), zap.Error(err))
		}
	}()
}

// memberRoom resolves the sender's room and checks membership.
func (h *Hub) memberRoom(client *Client) *Room {
	room := h.getRoom(client.roomCode)
	if room == nil || room.Participant(client.UserID) == nil {
		client.Send(protocol.NewError(errMsgNotInRoom))
		return nil
	}
	return room
}

func (h *Hub) handleChat(client *Client, req protocol.ChatRequest) {
	room := h.memberRoom(client)
	if room == nil {
		return
	}

	msg, err := room.AppendChat(client.UserID, client.Username, req.Message)
	if err != nil {
		client.Send(protocol.NewError(errMsgEmptyChat))
		return
	}

	// The sender receives its own message back so every client observes
	// the authoritative order.
	room.Broadcast(msg, "")

	go func() {
		if err := h.store.InsertRoomMessage(context.Background(), room.Code, msg.UserID, msg.Message); err != nil {
			logging.Warn(context.Background(), "Failed to persist room message",
				zap.String("room_code", room.Code), zap.Error(err))
		}
	}()
}

func (h *Hub) handlePlayback(client *Client, req protocol.PlaybackRequest) {
	room := h.memberRoom(client)
	if room == nil {
		return
	}

	update, persist := room.SetPlayback(client.UserID, req)
	room.Broadcast(update, client.UserID)

	if persist {
		go func() {
			if err := h.store.UpdateRoomPlayback(context.Background(), room.Code, req.CurrentTime, req.IsPlaying); err != nil {
				logging.Warn(context.Background(), "Failed to persist playback state",
					zap.String("room_code", room.Code), zap.Error(err))
			}
		}()
	}
}

func (h *Hub) handleSyncRequest(client *Client) {
	room := h.getRoom(client.roomCode)
	if room == nil {
		client.Send(protocol.NewError(errMsgRoomNotFound))
		return
	}
	client.Send(room.PlaybackSync())
}

func (h *Hub) handleParticipantsRequest(client *Client) {
	room := h.getRoom(client.roomCode)
	if room == nil {
		client.Send(protocol.NewError(errMsgRoomNotFound))
		return
	}
	list := room.ParticipantList()
	client.Send(protocol.ParticipantsUpdate{
		Type:         protocol.TypeParticipantsList,
		Participants: list,
		Count:        len(list),
	})
}

// hostRoom resolves the sender's room and checks host authority.
func (h *Hub) hostRoom(client *Client) *Room {
	room := h.memberRoom(client)
	if room == nil {
		return nil
	}
	if !room.IsHost(client.UserID) {
		client.Send(protocol.NewError(errMsgHostOnly))
		return nil
	}
	return room
}

func (h *Hub) handleInviteUser(client *Client, req protocol.TargetRequest) {
	room := h.hostRoom(client)
	if room == nil {
		return
	}

	room.Broadcast(protocol.InvitationSent{
		Type:      protocol.TypeInvitationSent,
		UserID:    req.UserID,
		Username:  req.Username,
		Timestamp: time.Now().UnixMilli(),
	}, "")
}

func (h *Hub) handleRemoveParticipant(client *Client, req protocol.TargetRequest) {
	room := h.hostRoom(client)
	if room == nil {
		return
	}
	if req.UserID == client.UserID {
		client.Send(protocol.NewError(errMsgSelfRemove))
		return
	}

	target := room.Participant(req.UserID)
	if target == nil {
		client.Send(protocol.NewError(errMsgTargetMissing))
		return
	}

	room.Broadcast(protocol.SystemMessage{
		Type:      protocol.TypeSystemMessage,
		Message:   target.Username + " fue eliminado de la sala",
		Timestamp: time.Now().UnixMilli(),
	}, "")

	// The close drives the target's teardown path, which announces the
	// departure and updates the participant list.
	target.client.CloseWithStatus(websocket.CloseNormalClosure, "Has sido eliminado de la sala por el anfitrión")
}

func (h *Hub) handlePromoteToCohost(client *Client, req protocol.TargetRequest) {
	room := h.hostRoom(client)
	if room == nil {
		return
	}

	target := room.Participant(req.UserID)
	if target == nil {
		client.Send(protocol.NewError(errMsgTargetMissing))
		return
	}

	// Cohost status is informational; authority stays with the host.
	room.Broadcast(protocol.SystemMessage{
		Type:      protocol.TypeSystemMessage,
		Message:   target.Username + " ahora es co-anfitrión",
		Timestamp: time.Now().UnixMilli(),
	}, "")
}

func (h *Hub) handleTransferHost(client *Client, req protocol.TargetRequest) {
	room := h.hostRoom(client)
	if room == nil {
		return
	}

	target, err := room.TransferHost(req.UserID)
	if err != nil {
		client.Send(protocol.NewError(errMsgTargetMissing))
		return
	}

	room.Broadcast(protocol.SystemMessage{
		Type:      protocol.TypeSystemMessage,
		Message:   target.Username + " ahora es el anfitrión de la sala",
		Timestamp: time.Now().UnixMilli(),
	}, "")
	h.broadcastParticipants(room)
}

func (h *Hub) handleLeave(client *Client) {
	room := h.getRoom(client.roomCode)
	if room == nil {
		return
	}
	h.leaveRoom(client, room)
}

package ws

import (
	"context"
	"encoding/json"

	"github.com/charmbracelet/log"

	"listenalong/internal/chat"
	"listenalong/internal/event"
	"listenalong/internal/room"
)

// RoomService is the slice of the room registry the handler drives.
type RoomService interface {
	Join(ctx context.Context, roomID, userID string) (*room.Snapshot, error)
	Leave(ctx context.Context, roomID, userID string) error
}

// ChatService accepts inbound chat messages.
type ChatService interface {
	Send(ctx context.Context, roomID, authorID, content string) (*chat.Message, error)
}

// TypingService tracks typing indicators.
type TypingService interface {
	Start(roomID, userID, displayName string)
	Stop(roomID, userID string)
}

// PlaybackService accepts playback signals from clients.
type PlaybackService interface {
	EndSong(ctx context.Context, roomID string)
	ReportPosition(roomID, userID string, positionSeconds float64)
}

// EventHandler dispatches inbound session-channel events to the domain
// services.
type EventHandler struct {
	rooms    RoomService
	chat     ChatService
	typing   TypingService
	playback PlaybackService
	logger   *log.Logger
}

// NewEventHandler creates the inbound event dispatcher.
func NewEventHandler(rooms RoomService, chat ChatService, typing TypingService, playback PlaybackService, logger *log.Logger) *EventHandler {
	return &EventHandler{
		rooms:    rooms,
		chat:     chat,
		typing:   typing,
		playback: playback,
		logger:   logger,
	}
}

type joinPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type messagePayload struct {
	Content string `json:"content"`
}

type typingPayload struct {
	DisplayName string `json:"displayName"`
}

type syncPayload struct {
	PositionSeconds float64 `json:"positionSeconds"`
}

// Handle parses one inbound envelope and routes it. Events that require
// room membership are ignored on an unbound channel.
func (e *EventHandler) Handle(conn *Conn, raw []byte) {
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		e.logger.Debug("malformed envelope", "conn", conn.ID, "err", err)
		return
	}

	ctx := context.Background()

	if env.Event == event.JoinRoom {
		e.handleJoin(ctx, conn, env.Data)
		return
	}

	userID, roomID := conn.Identity()
	if userID == "" || roomID == "" {
		e.logger.Debug("event on unbound channel", "conn", conn.ID, "event", env.Event)
		return
	}

	switch env.Event {
	case event.LeaveRoom:
		if err := e.rooms.Leave(ctx, roomID, userID); err != nil {
			e.logger.Warn("leave room", "room", roomID, "user", userID, "err", err)
		}
		conn.unbindRoom()

	case event.NewMessage:
		var p messagePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		if _, err := e.chat.Send(ctx, roomID, userID, p.Content); err != nil {
			e.logger.Warn("send message", "room", roomID, "user", userID, "err", err)
		}

	case event.UserTyping:
		var p typingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		e.typing.Start(roomID, userID, p.DisplayName)

	case event.UserStopTyping:
		e.typing.Stop(roomID, userID)

	case event.PlaybackSync:
		var p syncPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		e.playback.ReportPosition(roomID, userID, p.PositionSeconds)

	case event.SongEnded:
		e.playback.EndSong(ctx, roomID)

	default:
		e.logger.Debug("unknown event", "conn", conn.ID, "event", env.Event)
	}
}

// handleJoin binds the channel to a room and answers with the full
// snapshot. The join broadcast to other members and this direct response
// are independent signals; receivers merge both idempotently.
func (e *EventHandler) handleJoin(ctx context.Context, conn *Conn, data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || p.UserID == "" {
		e.logger.Debug("malformed join", "conn", conn.ID)
		return
	}

	snap, err := e.rooms.Join(ctx, p.RoomID, p.UserID)
	if err != nil {
		e.logger.Warn("join room", "room", p.RoomID, "user", p.UserID, "err", err)
		conn.Send(event.RoomClosed, map[string]string{"roomId": p.RoomID})
		return
	}

	conn.bind(p.UserID, p.RoomID)
	conn.Send(event.JoinRoom, snap)
}

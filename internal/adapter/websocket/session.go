package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
	"golang.org/x/time/rate"
)

const maxFrameSize = 64 << 10

// Service is the application surface a socket drives.
type Service interface {
	Connect(ctx context.Context, p domain.Principal, sink domain.Sink) domain.ConnID
	Disconnect(ctx context.Context, id domain.ConnID)
	JoinRoom(ctx context.Context, id domain.ConnID, room domain.RoomID) ([]domain.UserID, error)
	LeaveRoom(ctx context.Context, id domain.ConnID, room domain.RoomID) error
	StartTyping(ctx context.Context, id domain.ConnID, room domain.RoomID) error
	StopTyping(ctx context.Context, id domain.ConnID, room domain.RoomID) error
	SendMessage(ctx context.Context, id domain.ConnID, msg domain.NewMessage) (*domain.Message, error)
	MarkMessageRead(ctx context.Context, id domain.ConnID, messageID int64) (*domain.ReadReceipt, error)
	MarkRoomRead(ctx context.Context, id domain.ConnID, room domain.RoomID) (*domain.ReadReceipt, error)
	SubscribePresence(id domain.ConnID, users []domain.UserID) (map[domain.UserID]bool, error)
	UnsubscribePresence(id domain.ConnID, users []domain.UserID)
	CheckPresence(id domain.ConnID, users []domain.UserID) (map[domain.UserID]bool, error)
}

type session struct {
	id      domain.ConnID
	svc     Service
	conn    *websocket.Conn
	writer  *connWriter
	limiter *rate.Limiter
	clock   clockwork.Clock
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "WebSocket read failed", "error", err)
			}
			return
		}
		s.writer.extendReadDeadline()
		s.handle(ctx, data)
	}
}

func (s *session) handle(ctx context.Context, data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type == "" {
		metrics.ClientEventsTotal.WithLabelValues("invalid", "error").Inc()
		s.fail(ctx, f, apperrors.ValidationError("malformed frame"))
		return
	}

	label := f.Type
	if !knownFrames[label] {
		label = "unknown"
	}
	if !s.limiter.AllowN(s.clock.Now(), 1) {
		metrics.ClientEventsTotal.WithLabelValues(label, "rate_limited").Inc()
		s.fail(ctx, f, apperrors.RateLimitedError("too many events"))
		return
	}

	if err := s.dispatch(ctx, f); err != nil {
		metrics.ClientEventsTotal.WithLabelValues(label, "error").Inc()
		s.fail(ctx, f, err)
		return
	}
	metrics.ClientEventsTotal.WithLabelValues(label, "ok").Inc()
}

func decode(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return apperrors.ValidationError("payload is required")
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return apperrors.ValidationError("malformed payload")
	}
	return nil
}

func (s *session) dispatch(ctx context.Context, f Frame) error {
	switch f.Type {
	case FramePing:
		s.reply(ctx, f, domain.Event{Kind: domain.EventPong})
		return nil

	case FrameRoomJoin, FrameRoomLeave, FrameTypingStart, FrameTypingStop, FrameRoomRead:
		var req roomRequest
		if err := decode(f, &req); err != nil {
			return err
		}
		return s.roomRequest(ctx, f, req.RoomID)

	case FrameMessageSend:
		var req domain.NewMessage
		if err := decode(f, &req); err != nil {
			return err
		}
		msg, err := s.svc.SendMessage(ctx, s.id, req)
		if err != nil {
			return err
		}
		s.ack(ctx, f, msg.RoomID, msg)
		return nil

	case FrameMessageRead:
		var req readRequest
		if err := decode(f, &req); err != nil {
			return err
		}
		receipt, err := s.svc.MarkMessageRead(ctx, s.id, req.MessageID)
		if err != nil {
			return err
		}
		s.ack(ctx, f, receipt.RoomID, receipt)
		return nil

	case FramePresenceSubscribe, FramePresenceUnsubscribe, FramePresenceCheck:
		var req presenceRequest
		if err := decode(f, &req); err != nil {
			return err
		}
		return s.presenceRequest(ctx, f, req.UserIDs)
	}
	return apperrors.ValidationError("unknown event type").WithContext("type", f.Type)
}

func (s *session) roomRequest(ctx context.Context, f Frame, room domain.RoomID) error {
	switch f.Type {
	case FrameRoomJoin:
		typing, err := s.svc.JoinRoom(ctx, s.id, room)
		if err != nil {
			return err
		}
		if typing == nil {
			typing = []domain.UserID{}
		}
		s.reply(ctx, f, domain.Event{Kind: domain.EventRoomJoined, RoomID: room, Payload: joinedPayload{RoomID: room, Typing: typing}})
	case FrameRoomLeave:
		if err := s.svc.LeaveRoom(ctx, s.id, room); err != nil {
			return err
		}
		s.reply(ctx, f, domain.Event{Kind: domain.EventRoomLeft, RoomID: room})
	case FrameTypingStart:
		return s.svc.StartTyping(ctx, s.id, room)
	case FrameTypingStop:
		return s.svc.StopTyping(ctx, s.id, room)
	case FrameRoomRead:
		receipt, err := s.svc.MarkRoomRead(ctx, s.id, room)
		if err != nil {
			return err
		}
		s.ack(ctx, f, room, receipt)
	}
	return nil
}

func (s *session) presenceRequest(ctx context.Context, f Frame, users []domain.UserID) error {
	var (
		statuses map[domain.UserID]bool
		err      error
	)
	switch f.Type {
	case FramePresenceSubscribe:
		statuses, err = s.svc.SubscribePresence(s.id, users)
	case FramePresenceCheck:
		statuses, err = s.svc.CheckPresence(s.id, users)
	default:
		s.svc.UnsubscribePresence(s.id, users)
		s.ack(ctx, f, 0, nil)
		return nil
	}
	if err != nil {
		return err
	}
	s.reply(ctx, f, domain.Event{Kind: domain.EventPresenceStatus, Payload: snapshotPayload{Statuses: statuses}})
	return nil
}

func (s *session) ack(ctx context.Context, f Frame, room domain.RoomID, result any) {
	s.reply(ctx, f, domain.Event{Kind: domain.EventAck, RoomID: room, Payload: ackPayload{Request: f.Type, Result: result}})
}

func (s *session) reply(ctx context.Context, f Frame, ev domain.Event) {
	ev.Ref = f.Ref
	ev.Timestamp = s.clock.Now()
	data, err := ev.Encode()
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode reply", "type", ev.Kind, "error", err)
		return
	}
	if err := s.writer.Send(data); err != nil {
		slog.DebugContext(ctx, "Reply dropped", "type", ev.Kind, "error", err)
	}
}

// fail reports err to this connection only.
func (s *session) fail(ctx context.Context, f Frame, err error) {
	se := apperrors.AsStructuredError(err)
	if se.Type == apperrors.TypeInternal || se.Type == apperrors.TypeExternal {
		slog.ErrorContext(ctx, "Client request failed", "type", f.Type, "error", err)
	} else {
		slog.DebugContext(ctx, "Client request rejected", "type", f.Type, "code", se.Code(), "error", err)
	}

	payload := domain.ErrorPayload{
		Code:    se.Code(),
		Message: se.Message,
		Request: f.Type,
		RoomID:  roomOf(se, f),
	}
	if errors.Is(err, domain.ErrUnknownConnection) {
		payload.Message = "connection is closing"
	}
	s.reply(ctx, f, domain.Event{Kind: domain.EventError, RoomID: payload.RoomID, Payload: payload})
}

func roomOf(se *apperrors.Error, f Frame) domain.RoomID {
	if id, ok := se.Context["room_id"].(domain.RoomID); ok {
		return id
	}
	var req roomRequest
	if len(f.Payload) > 0 && json.Unmarshal(f.Payload, &req) == nil {
		return req.RoomID
	}
	return 0
}

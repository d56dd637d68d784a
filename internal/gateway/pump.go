package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/presence"
)

var (
	errWrongRole      = errors.New("action not allowed for this connection")
	errMissingID      = errors.New("passengerId is required")
	errUnknownMessage = errors.New("unknown message type")
	errMalformed      = errors.New("malformed message")
)

func (h *Hub) writePump(s *Session) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		h.wg.Done()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("write failed", "session_id", s.ID, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("ping failed", "session_id", s.ID, "error", err)
				return
			}
		}
	}
}

func (h *Hub) readPump(s *Session) {
	defer func() {
		h.disconnect(s)
		s.conn.Close()
		h.wg.Done()
	}()

	s.conn.SetReadLimit(h.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("unexpected close", "session_id", s.ID, "error", err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		h.handleMessage(s, msg)
	}
}

// handleMessage dispatches one inbound frame. Failures the arbiter already
// reported to the requester are only logged here.
func (h *Hub) handleMessage(s *Session, msg []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("panic handling message", "session_id", s.ID, "panic", rec)
		}
	}()

	var env models.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		h.replyError(s, errMalformed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ActionTimeout)
	defer cancel()

	err := h.dispatch(ctx, s, env)
	switch {
	case err == nil:
	case errors.Is(err, errWrongRole), errors.Is(err, errMissingID), errors.Is(err, errUnknownMessage), errors.Is(err, errMalformed):
		h.replyError(s, err)
	case presence.IsRejection(err), errors.Is(err, presence.ErrNotFound):
		h.logger.Debug("action rejected", "session_id", s.ID, "type", env.Type, "error", err)
	default:
		h.logger.Error("action failed", "session_id", s.ID, "type", env.Type, "error", err)
	}
}

func (h *Hub) dispatch(ctx context.Context, s *Session, env models.Envelope) error {
	switch env.Type {
	case models.MsgPing:
		h.reply(s, models.MsgPong, struct{}{})
		return nil

	case models.MsgLocationUpdate:
		if s.Role != RolePassenger {
			return errWrongRole
		}
		var u models.LocationUpdate
		if err := decode(env.Data, &u); err != nil {
			return err
		}
		u.PassengerID = s.Key
		return h.actions.HandleLocation(ctx, u)

	case models.MsgExtendTimer:
		if s.Role != RolePassenger {
			return errWrongRole
		}
		return h.actions.HandleExtend(ctx, s.Key)

	case models.MsgStopSharing:
		if s.Role != RolePassenger {
			return errWrongRole
		}
		return h.actions.HandleRemove(ctx, s.Key)

	case models.MsgMarkPassenger, models.MsgUnmarkPassenger:
		if s.Role != RoleDriver {
			return errWrongRole
		}
		var m models.MarkPassenger
		if err := decode(env.Data, &m); err != nil {
			return err
		}
		if m.PassengerID == "" {
			return errMissingID
		}
		// the connection's authenticated key is the acting driver
		if env.Type == models.MsgMarkPassenger {
			return h.actions.HandleClaim(ctx, m.PassengerID, s.Key)
		}
		return h.actions.HandleUnclaim(ctx, m.PassengerID, s.Key)

	default:
		return errUnknownMessage
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errMalformed
	}
	return nil
}

func (h *Hub) replyError(s *Session, err error) {
	h.reply(s, models.MsgError, models.ErrorMessage{Message: err.Error(), Code: "BadRequest"})
}

// Package gateway owns realtime connections: it registers sessions by
// subscriber key, routes inbound actions to the arbiter and delivers outbound
// notifications to the sessions they address. It keeps no state about a
// passenger beyond the live connection.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/observability"
	"github.com/example/pickup-presence/internal/presence"
)

// Actions is what inbound messages are dispatched to.
type Actions interface {
	HandleLocation(ctx context.Context, u models.LocationUpdate) error
	HandleExtend(ctx context.Context, passengerID string) error
	HandleClaim(ctx context.Context, passengerID, driverID string) error
	HandleUnclaim(ctx context.Context, passengerID, driverID string) error
	HandleRemove(ctx context.Context, passengerID string) error
}

// Timers is the scheduler surface driven by connection lifecycle.
type Timers interface {
	Attach(ctx context.Context, passengerID string) error
	Detach(passengerID string)
}

// Roster lists waiting passengers for a driver's initial snapshot.
type Roster interface {
	List(ctx context.Context) ([]presence.Record, error)
}

type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	ActionTimeout   time.Duration
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
		ActionTimeout:   5 * time.Second,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

type Hub struct {
	cfg      Config
	upgrader websocket.Upgrader
	actions  Actions
	timers   Timers
	roster   Roster
	logger   *slog.Logger

	mu         sync.RWMutex
	passengers map[string]*Session
	drivers    map[string]*Session
	wg         sync.WaitGroup
}

func NewHub(cfg Config, actions Actions, timers Timers, roster Roster, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		actions:    actions,
		timers:     timers,
		roster:     roster,
		logger:     logger.With("component", "gateway"),
		passengers: make(map[string]*Session),
		drivers:    make(map[string]*Session),
	}
}

// SetActions completes wiring when the arbiter is built after the hub
// (the arbiter notifies through the hub).
func (h *Hub) SetActions(a Actions) { h.actions = a }

func (h *Hub) SetTimers(t Timers) { h.timers = t }

func (h *Hub) registry(role Role) map[string]*Session {
	if role == RolePassenger {
		return h.passengers
	}
	return h.drivers
}

// Serve upgrades the request and runs the session until the peer goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, role Role, key string) error {
	if !role.Valid() || key == "" {
		return fmt.Errorf("invalid subscriber %s/%q", role, key)
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	s := newSession(uuid.NewString(), key, role, conn, h.cfg.SendBuffer)
	h.register(s)
	s.activate()

	h.wg.Add(2)
	go h.writePump(s)
	go h.readPump(s)

	h.logger.Info("session connected", "session_id", s.ID, "role", role, "key", key)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.ActionTimeout)
	defer cancel()
	switch role {
	case RolePassenger:
		if err := h.timers.Attach(ctx, key); err != nil {
			h.logger.Error("attach on connect failed", "passenger_id", key, "error", err)
		}
	case RoleDriver:
		h.sendSnapshot(ctx, s)
	}
	return nil
}

// register installs s as the current session for its key. An older session
// with the same key is closed; its disconnect will not touch the new one.
func (h *Hub) register(s *Session) {
	h.mu.Lock()
	reg := h.registry(s.Role)
	old := reg[s.Key]
	reg[s.Key] = s
	h.mu.Unlock()

	observability.SessionsActive.WithLabelValues(string(s.Role)).Inc()
	if old != nil {
		h.logger.Info("session replaced", "key", s.Key, "role", s.Role, "old_session_id", old.ID)
		go old.conn.Close()
	}
}

// disconnect runs once per session when its read pump exits.
func (h *Hub) disconnect(s *Session) {
	if !s.finish() {
		return
	}
	h.mu.Lock()
	reg := h.registry(s.Role)
	current := reg[s.Key] == s
	if current {
		delete(reg, s.Key)
	}
	h.mu.Unlock()
	observability.SessionsActive.WithLabelValues(string(s.Role)).Dec()

	// only the newest session for a passenger owns the checkpoints; the
	// deadline stays armed so the record still expires
	if s.Role == RolePassenger && current {
		h.timers.Detach(s.Key)
	}
	h.logger.Info("session disconnected", "session_id", s.ID, "role", s.Role, "key", s.Key, "current", current)
}

// Notify routes a notification to the sessions it addresses. It never
// blocks; frames for a session with a full buffer are dropped and the
// session is closed.
func (h *Hub) Notify(n models.Notification) {
	frame, err := encode(n.Type, n.Payload)
	if err != nil {
		h.logger.Error("failed to encode notification", "type", n.Type, "error", err)
		return
	}

	var targets []*Session
	h.mu.RLock()
	switch n.Target.Audience {
	case models.AudienceOwn:
		if s, ok := h.passengers[n.Target.Key]; ok {
			targets = append(targets, s)
		}
	case models.AudienceDriver:
		if s, ok := h.drivers[n.Target.Key]; ok {
			targets = append(targets, s)
		}
	case models.AudienceBroadcast:
		targets = make([]*Session, 0, len(h.drivers))
		for _, s := range h.drivers {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.deliver(s, n.Type, frame)
	}
}

func (h *Hub) deliver(s *Session, typ string, frame []byte) {
	if s.enqueue(frame) {
		observability.NotificationsSent.WithLabelValues(typ).Inc()
		return
	}
	if s.State() == StateDisconnected {
		return
	}
	observability.NotificationsDropped.Inc()
	h.logger.Warn("session send buffer full, closing", "session_id", s.ID, "key", s.Key, "type", typ)
	// closing the socket ends the read pump, which runs the disconnect path
	go s.conn.Close()
}

func (h *Hub) reply(s *Session, typ string, payload any) {
	frame, err := encode(typ, payload)
	if err != nil {
		h.logger.Error("failed to encode reply", "type", typ, "error", err)
		return
	}
	h.deliver(s, typ, frame)
}

func (h *Hub) sendSnapshot(ctx context.Context, s *Session) {
	recs, err := h.roster.List(ctx)
	if err != nil {
		h.logger.Error("passenger snapshot failed", "driver_id", s.Key, "error", err)
		return
	}
	list := models.PassengerList{Passengers: make([]models.PassengerSummary, 0, len(recs))}
	for _, rec := range recs {
		list.Passengers = append(list.Passengers, rec.Summary())
	}
	h.reply(s, models.MsgPassengerList, list)
}

// Stats is served on the connection stats endpoint.
type Stats struct {
	Passengers int `json:"passengers"`
	Drivers    int `json:"drivers"`
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Passengers: len(h.passengers), Drivers: len(h.drivers)}
}

// Connected reports whether a session is registered for role and key.
func (h *Hub) Connected(role Role, key string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.registry(role)[key]
	return ok
}

// Shutdown closes every connection and waits for the pumps to exit or ctx
// to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.RLock()
	all := make([]*Session, 0, len(h.passengers)+len(h.drivers))
	for _, s := range h.passengers {
		all = append(all, s)
	}
	for _, s := range h.drivers {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = s.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/observability"
)

// Notifier is the delivery side the Tee forwards to.
type Notifier interface {
	Notify(n models.Notification)
}

// Tee forwards every notification to the realtime side unchanged and turns
// the lifecycle ones into Events for a Publisher. Publishing happens on a
// background goroutine so a slow broker never holds a passenger lock.
type Tee struct {
	next      Notifier
	pub       Publisher
	transport string
	clock     clockwork.Clock
	logger    *slog.Logger

	queue chan Event
	wg    sync.WaitGroup
}

func NewTee(next Notifier, pub Publisher, transport string, clock clockwork.Clock, logger *slog.Logger, buffer int) *Tee {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Tee{
		next:      next,
		pub:       pub,
		transport: transport,
		clock:     clock,
		logger:    logger.With("component", "events"),
		queue:     make(chan Event, buffer),
	}
}

func (t *Tee) Notify(n models.Notification) {
	t.next.Notify(n)
	ev, ok := t.toEvent(n)
	if !ok {
		return
	}
	select {
	case t.queue <- ev:
	default:
		observability.EventsPublished.WithLabelValues(t.transport, "dropped").Inc()
		t.logger.Warn("event queue full, dropping event", "kind", ev.Kind, "passenger_id", ev.PassengerID)
	}
}

// Start publishes queued events in the background until ctx is cancelled,
// then drains what is left.
func (t *Tee) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.run(ctx)
}

func (t *Tee) run(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case ev := <-t.queue:
			t.publish(ctx, ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-t.queue:
					t.publish(context.Background(), ev)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until the publishing goroutine has drained and exited.
func (t *Tee) Wait() { t.wg.Wait() }

func (t *Tee) publish(ctx context.Context, ev Event) {
	if err := t.pub.Publish(ctx, ev); err != nil {
		observability.EventsPublished.WithLabelValues(t.transport, "error").Inc()
		t.logger.Error("publish event failed", "kind", ev.Kind, "passenger_id", ev.PassengerID, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(t.transport, "ok").Inc()
}

func (t *Tee) toEvent(n models.Notification) (Event, bool) {
	var (
		kind        Kind
		passengerID string
		driverID    string
	)
	switch p := n.Payload.(type) {
	case models.PassengerLocation:
		kind, passengerID = KindLocation, p.PassengerID
	case models.PassengerMarked:
		kind, passengerID, driverID = KindClaimed, p.PassengerID, p.DriverID
	case models.PassengerRef:
		switch n.Type {
		case models.MsgPassengerUnmarked:
			kind = KindUnclaimed
		case models.MsgPassengerExpired:
			kind = KindExpired
		case models.MsgPassengerRemoved:
			kind = KindRemoved
		default:
			return Event{}, false
		}
		passengerID = p.PassengerID
	case models.Extended:
		kind, passengerID = KindExtended, n.Target.Key
	default:
		return Event{}, false
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		t.logger.Error("encode event payload", "kind", kind, "error", err)
		return Event{}, false
	}
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		PassengerID: passengerID,
		DriverID:    driverID,
		Payload:     payload,
		OccurredAt:  t.clock.Now(),
	}, true
}

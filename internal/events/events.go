// Package events publishes presence lifecycle events for downstream
// consumers (audit log, schedule services). Publishing is best effort and
// never sits on the realtime path.
package events

import (
	"context"
	"encoding/json"
	"time"
)

type Kind string

const (
	KindLocation  Kind = "location"
	KindClaimed   Kind = "claimed"
	KindUnclaimed Kind = "unclaimed"
	KindExtended  Kind = "extended"
	KindExpired   Kind = "expired"
	KindRemoved   Kind = "removed"
)

type Event struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	PassengerID string          `json:"passenger_id"`
	DriverID    string          `json:"driver_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Publisher ships lifecycle events to a message transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NopPublisher discards events; used when no transport is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

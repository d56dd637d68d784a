// Package storage holds the Postgres audit log of presence lifecycle events
// and the migration runner shared by both binaries.
package storage

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/lib/pq"

	"github.com/example/pickup-presence/internal/events"
)

// AuditLog persists lifecycle events. Appending the same event id twice is
// a no-op so redelivered messages are harmless.
type AuditLog interface {
	Append(ctx context.Context, ev events.Event) error
}

type PostgresAuditLog struct {
	db *sql.DB
}

func NewPostgresAuditLog(dsn string) (*PostgresAuditLog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresAuditLog{db: db}, nil
}

func (p *PostgresAuditLog) DB() *sql.DB { return p.db }

func (p *PostgresAuditLog) Append(ctx context.Context, ev events.Event) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO presence_events(id, kind, passenger_id, driver_id, payload, occurred_at) VALUES($1,$2,$3,$4,$5,$6) ON CONFLICT (id) DO NOTHING`,
		ev.ID, string(ev.Kind), ev.PassengerID, ev.DriverID, []byte(payload), ev.OccurredAt)
	return err
}

func (p *PostgresAuditLog) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresAuditLog) Close() error { return p.db.Close() }

type MemoryAuditLog struct {
	mu     sync.RWMutex
	seen   map[string]bool
	events []events.Event
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{seen: make(map[string]bool)}
}

func (m *MemoryAuditLog) Append(_ context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[ev.ID] {
		return nil
	}
	m.seen[ev.ID] = true
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryAuditLog) Events() []events.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]events.Event(nil), m.events...)
}

package presence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"

	"github.com/example/pickup-presence/internal/models"
)

const recordColumns = `passenger_id, lat, lng, day_card_id, timer_started_at, claimed_by, extension_count, total_duration_ms, updated_at`

// PostgresStore keeps one row per passenger in presence_records. Mutations
// lock the row with SELECT ... FOR UPDATE inside a transaction.
type PostgresStore struct {
	db     *sql.DB
	policy Policy
	clock  clockwork.Clock
}

func NewPostgresStore(dsn string, policy Policy, clock clockwork.Clock) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db, policy, clock), nil
}

func NewPostgresStoreFromDB(db *sql.DB, policy Policy, clock clockwork.Clock) *PostgresStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PostgresStore{db: db, policy: policy, clock: clock}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return unavailable(p.db.PingContext(ctx))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		startedAt  sql.NullTime
		durationMs int64
	)
	err := row.Scan(&rec.PassengerID, &rec.Location.Lat, &rec.Location.Lng, &rec.DayCardID,
		&startedAt, &rec.ClaimedBy, &rec.ExtensionCount, &durationMs, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, unavailable(err)
	}
	if startedAt.Valid {
		rec.TimerStartedAt = startedAt.Time
	}
	rec.TotalDuration = time.Duration(durationMs) * time.Millisecond
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (p *PostgresStore) mutate(ctx context.Context, id string, fn func(*Record) error) (out Record, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, unavailable(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM presence_records WHERE passenger_id = $1 FOR UPDATE`, id))
	if err != nil {
		return Record{}, err
	}
	if err = fn(&rec); err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = p.clock.Now()
	_, err = tx.ExecContext(ctx,
		`UPDATE presence_records SET timer_started_at=$1, claimed_by=$2, extension_count=$3, total_duration_ms=$4, updated_at=$5 WHERE passenger_id=$6`,
		nullTime(rec.TimerStartedAt), rec.ClaimedBy, rec.ExtensionCount, rec.TotalDuration.Milliseconds(), rec.UpdatedAt, id)
	if err != nil {
		err = unavailable(err)
		return Record{}, err
	}
	if err = tx.Commit(); err != nil {
		err = unavailable(err)
		return Record{}, err
	}
	return rec, nil
}

func (p *PostgresStore) UpsertLocation(ctx context.Context, id string, loc models.Coord, dayCardID string) (Record, error) {
	now := p.clock.Now()
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO presence_records (passenger_id, lat, lng, day_card_id, claimed_by, extension_count, total_duration_ms, updated_at)
		VALUES ($1, $2, $3, $4, '', 0, $5, $6)
		ON CONFLICT (passenger_id) DO UPDATE SET
			lat = EXCLUDED.lat,
			lng = EXCLUDED.lng,
			day_card_id = COALESCE(NULLIF(EXCLUDED.day_card_id, ''), presence_records.day_card_id),
			updated_at = EXCLUDED.updated_at
		RETURNING `+recordColumns,
		id, loc.Lat, loc.Lng, dayCardID, p.policy.BaseDuration.Milliseconds(), now)
	return scanRecord(row)
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	return scanRecord(p.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM presence_records WHERE passenger_id = $1`, id))
}

func (p *PostgresStore) Claim(ctx context.Context, id, driverID string) (Record, error) {
	return p.mutate(ctx, id, func(r *Record) error { return p.policy.applyClaim(r, driverID) })
}

func (p *PostgresStore) Unclaim(ctx context.Context, id, driverID string) (Record, error) {
	return p.mutate(ctx, id, func(r *Record) error { return p.policy.applyUnclaim(r, driverID) })
}

func (p *PostgresStore) Extend(ctx context.Context, id string) (Record, error) {
	return p.mutate(ctx, id, p.policy.applyExtend)
}

func (p *PostgresStore) StartTimer(ctx context.Context, id string, at time.Time) (Record, error) {
	return scanRecord(p.db.QueryRowContext(ctx, `
		UPDATE presence_records SET timer_started_at = COALESCE(timer_started_at, $2), updated_at = $3
		WHERE passenger_id = $1
		RETURNING `+recordColumns,
		id, at, p.clock.Now()))
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM presence_records WHERE passenger_id = $1`, id)
	return unavailable(err)
}

func (p *PostgresStore) List(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM presence_records ORDER BY passenger_id`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

package presence

import (
	"context"
	"time"

	"github.com/example/pickup-presence/internal/models"
)

// Store is the durable home of presence records. Every mutation is atomic
// per passenger: concurrent callers on the same id observe each other's
// writes in some serial order, callers on different ids do not contend.
type Store interface {
	// UpsertLocation creates the record with the base duration if absent,
	// otherwise only moves its location (and day card when non-empty).
	UpsertLocation(ctx context.Context, passengerID string, loc models.Coord, dayCardID string) (Record, error)
	Get(ctx context.Context, passengerID string) (Record, error)
	Claim(ctx context.Context, passengerID, driverID string) (Record, error)
	Unclaim(ctx context.Context, passengerID, driverID string) (Record, error)
	Extend(ctx context.Context, passengerID string) (Record, error)
	// StartTimer sets TimerStartedAt to at unless it is already set.
	StartTimer(ctx context.Context, passengerID string, at time.Time) (Record, error)
	Delete(ctx context.Context, passengerID string) error
	List(ctx context.Context) ([]Record, error)
}

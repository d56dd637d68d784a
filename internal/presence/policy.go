package presence

import (
	"time"

	"github.com/example/pickup-presence/internal/models"
)

// Policy holds the countdown rules every store applies.
type Policy struct {
	BaseDuration  time.Duration
	ClaimFloor    time.Duration
	ExtensionStep time.Duration
	MaxExtensions int
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDuration:  15 * time.Minute,
		ClaimFloor:    30 * time.Minute,
		ExtensionStep: 10 * time.Minute,
		MaxExtensions: 3,
	}
}

func (p Policy) newRecord(passengerID string, loc models.Coord, dayCardID string, now time.Time) Record {
	return Record{
		PassengerID:   passengerID,
		Location:      loc,
		DayCardID:     dayCardID,
		TotalDuration: p.BaseDuration,
		UpdatedAt:     now,
	}
}

// The apply* helpers check every precondition before touching r, so a
// rejected mutation leaves the record exactly as it was.

func (p Policy) applyLocation(r *Record, loc models.Coord, dayCardID string) {
	r.Location = loc
	if dayCardID != "" {
		r.DayCardID = dayCardID
	}
}

func (p Policy) applyClaim(r *Record, driverID string) error {
	if r.ClaimedBy != "" && r.ClaimedBy != driverID {
		return ErrAlreadyClaimed
	}
	r.ClaimedBy = driverID
	if r.TotalDuration < p.ClaimFloor {
		r.TotalDuration = p.ClaimFloor
	}
	return nil
}

func (p Policy) applyUnclaim(r *Record, driverID string) error {
	if r.ClaimedBy == "" || r.ClaimedBy != driverID {
		return ErrNotOwner
	}
	r.ClaimedBy = ""
	// resets to base even when passenger extensions were granted earlier
	r.TotalDuration = p.BaseDuration
	return nil
}

func (p Policy) applyExtend(r *Record) error {
	if r.ExtensionCount >= p.MaxExtensions {
		return ErrExtensionLimitReached
	}
	r.ExtensionCount++
	r.TotalDuration += p.ExtensionStep
	return nil
}

func (p Policy) applyStartTimer(r *Record, at time.Time) {
	if r.TimerStartedAt.IsZero() {
		r.TimerStartedAt = at
	}
}

// Package arbiter turns passenger and driver actions into a store mutation,
// a countdown reschedule and the resulting notifications, in that order,
// while holding the passenger's lock.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/pickup-presence/internal/keylock"
	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/observability"
	"github.com/example/pickup-presence/internal/presence"
)

type Notifier interface {
	Notify(n models.Notification)
}

// Scheduler is the slice of the expiry scheduler the arbiter drives. All
// methods are called with the passenger's lock held.
type Scheduler interface {
	AttachLocked(ctx context.Context, passengerID string) error
	RescheduleLocked(ctx context.Context, passengerID string) error
	CancelLocked(passengerID string)
	ExpireIfDueLocked(ctx context.Context, passengerID string) (bool, error)
}

type Arbiter struct {
	store  presence.Store
	sched  Scheduler
	notify Notifier
	locks  *keylock.Map
	logger *slog.Logger

	RetryAttempts int
	RetryDelay    time.Duration
}

// New wires an arbiter. locks must be the same map the scheduler uses.
func New(store presence.Store, sched Scheduler, notify Notifier, locks *keylock.Map, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{
		store:         store,
		sched:         sched,
		notify:        notify,
		locks:         locks,
		logger:        logger.With("component", "arbiter"),
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

func (a *Arbiter) mutate(ctx context.Context, fn func(context.Context) (presence.Record, error)) (presence.Record, error) {
	return presence.Retry(ctx, a.RetryAttempts, a.RetryDelay, fn)
}

func (a *Arbiter) reject(to models.Target, err error) {
	a.notify.Notify(models.Notification{
		Target:  to,
		Type:    models.MsgError,
		Payload: models.ErrorMessage{Message: err.Error(), Code: presence.Code(err)},
	})
}

// expireIfDue runs a countdown that has already run out to completion before
// an action can touch the record, so a late action never revives it.
func (a *Arbiter) expireIfDue(ctx context.Context, passengerID string) error {
	expired, err := a.sched.ExpireIfDueLocked(ctx, passengerID)
	if err != nil {
		return err
	}
	if expired {
		return fmt.Errorf("%w: countdown for %s has ended", presence.ErrNotFound, passengerID)
	}
	return nil
}

func (a *Arbiter) reschedule(ctx context.Context, passengerID string) {
	if err := a.sched.RescheduleLocked(ctx, passengerID); err != nil {
		// the mutation is already durable; the countdown catches up on the
		// next attach or checkpoint
		a.logger.Error("reschedule failed", "passenger_id", passengerID, "error", err)
	}
}

func observe(action string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = presence.Code(err)
	}
	observability.ActionsTotal.WithLabelValues(action, result).Inc()
	observability.ActionLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

// HandleClaim assigns the passenger to driverID. Rejections are reported to
// the requesting driver only and returned.
func (a *Arbiter) HandleClaim(ctx context.Context, passengerID, driverID string) (err error) {
	start := time.Now()
	defer func() { observe("claim", start, err) }()

	unlock := a.locks.Lock(passengerID)
	defer unlock()

	if err = a.expireIfDue(ctx, passengerID); err == nil {
		_, err = a.mutate(ctx, func(ctx context.Context) (presence.Record, error) {
			return a.store.Claim(ctx, passengerID, driverID)
		})
	}
	if err != nil {
		a.reject(models.Driver(driverID), err)
		a.logger.Info("claim rejected", "passenger_id", passengerID, "driver_id", driverID, "error", err)
		return err
	}

	a.reschedule(ctx, passengerID)
	a.notify.Notify(models.Notification{
		Target:  models.Own(passengerID),
		Type:    models.MsgDriverMarked,
		Payload: models.DriverMarked{DriverID: driverID},
	})
	a.notify.Notify(models.Notification{
		Target:  models.Broadcast(),
		Type:    models.MsgPassengerMarked,
		Payload: models.PassengerMarked{PassengerID: passengerID, DriverID: driverID},
	})
	a.logger.Info("passenger claimed", "passenger_id", passengerID, "driver_id", driverID)
	return nil
}

func (a *Arbiter) HandleUnclaim(ctx context.Context, passengerID, driverID string) (err error) {
	start := time.Now()
	defer func() { observe("unclaim", start, err) }()

	unlock := a.locks.Lock(passengerID)
	defer unlock()

	if err = a.expireIfDue(ctx, passengerID); err == nil {
		_, err = a.mutate(ctx, func(ctx context.Context) (presence.Record, error) {
			return a.store.Unclaim(ctx, passengerID, driverID)
		})
	}
	if err != nil {
		a.reject(models.Driver(driverID), err)
		a.logger.Info("unclaim rejected", "passenger_id", passengerID, "driver_id", driverID, "error", err)
		return err
	}

	a.reschedule(ctx, passengerID)
	a.notify.Notify(models.Notification{
		Target:  models.Own(passengerID),
		Type:    models.MsgDriverUnmarked,
		Payload: models.DriverUnmarked{},
	})
	a.notify.Notify(models.Notification{
		Target:  models.Broadcast(),
		Type:    models.MsgPassengerUnmarked,
		Payload: models.PassengerRef{PassengerID: passengerID},
	})
	a.logger.Info("passenger unclaimed", "passenger_id", passengerID, "driver_id", driverID)
	return nil
}

// HandleExtend grants a passenger-initiated extension.
func (a *Arbiter) HandleExtend(ctx context.Context, passengerID string) (err error) {
	start := time.Now()
	defer func() { observe("extend", start, err) }()

	unlock := a.locks.Lock(passengerID)
	defer unlock()

	if err = a.expireIfDue(ctx, passengerID); err != nil {
		a.reject(models.Own(passengerID), err)
		a.logger.Info("extension rejected", "passenger_id", passengerID, "error", err)
		return err
	}
	rec, err := a.mutate(ctx, func(ctx context.Context) (presence.Record, error) {
		return a.store.Extend(ctx, passengerID)
	})
	if err != nil {
		a.reject(models.Own(passengerID), err)
		a.logger.Info("extension rejected", "passenger_id", passengerID, "error", err)
		return err
	}

	a.reschedule(ctx, passengerID)
	a.notify.Notify(models.Notification{
		Target: models.Own(passengerID),
		Type:   models.MsgExtended,
		Payload: models.Extended{
			TotalDurationMs: rec.TotalDuration.Milliseconds(),
			ExtensionCount:  rec.ExtensionCount,
		},
	})
	return nil
}

// HandleLocation records a passenger's position, starts their countdown the
// first time they share, and tells drivers where they are.
func (a *Arbiter) HandleLocation(ctx context.Context, u models.LocationUpdate) (err error) {
	start := time.Now()
	defer func() { observe("location", start, err) }()

	unlock := a.locks.Lock(u.PassengerID)
	defer unlock()

	// a lapsed record is expired first so this update starts a fresh one
	if _, err = a.sched.ExpireIfDueLocked(ctx, u.PassengerID); err != nil {
		a.reject(models.Own(u.PassengerID), err)
		a.logger.Error("location update failed", "passenger_id", u.PassengerID, "error", err)
		return err
	}
	rec, err := a.mutate(ctx, func(ctx context.Context) (presence.Record, error) {
		return a.store.UpsertLocation(ctx, u.PassengerID, models.Coord{Lat: u.Lat, Lng: u.Lng}, u.DayCardID)
	})
	if err != nil {
		a.reject(models.Own(u.PassengerID), err)
		a.logger.Error("location update failed", "passenger_id", u.PassengerID, "error", err)
		return err
	}

	if !rec.TimerStarted() {
		if err := a.sched.AttachLocked(ctx, u.PassengerID); err != nil {
			a.logger.Error("attach failed", "passenger_id", u.PassengerID, "error", err)
		}
	}
	a.notify.Notify(models.Notification{
		Target: models.Broadcast(),
		Type:   models.MsgPassengerLocation,
		Payload: models.PassengerLocation{
			PassengerID: rec.PassengerID,
			Lat:         rec.Location.Lat,
			Lng:         rec.Location.Lng,
			DayCardID:   rec.DayCardID,
		},
	})
	return nil
}

// HandleRemove ends sharing at the passenger's request. Removing a passenger
// that is already gone is not an error.
func (a *Arbiter) HandleRemove(ctx context.Context, passengerID string) (err error) {
	start := time.Now()
	defer func() { observe("remove", start, err) }()

	unlock := a.locks.Lock(passengerID)
	defer unlock()

	_, err = a.mutate(ctx, func(ctx context.Context) (presence.Record, error) {
		return presence.Record{}, a.store.Delete(ctx, passengerID)
	})
	if err != nil {
		a.reject(models.Own(passengerID), err)
		a.logger.Error("remove failed", "passenger_id", passengerID, "error", err)
		return err
	}
	a.sched.CancelLocked(passengerID)
	a.notify.Notify(models.Notification{
		Target:  models.Broadcast(),
		Type:    models.MsgPassengerRemoved,
		Payload: models.PassengerRef{PassengerID: passengerID},
	})
	a.logger.Info("passenger stopped sharing", "passenger_id", passengerID)
	return nil
}

// IsRejection reports whether err came from a business rule rather than an
// infrastructure failure.
func IsRejection(err error) bool {
	return presence.IsRejection(err) || errors.Is(err, presence.ErrNotFound)
}

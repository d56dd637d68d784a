// Package expiry runs the per-passenger countdown: checkpoint notifications
// while a passenger waits, and expiry (notify, then delete) when the countdown
// reaches zero. Timers live only in memory; every attach recomputes the
// remaining time from the persisted TimerStartedAt and TotalDuration.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/pickup-presence/internal/keylock"
	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/observability"
	"github.com/example/pickup-presence/internal/presence"
)

// Notifier receives outbound notifications. Implementations must not block:
// the scheduler calls it while holding the passenger's lock.
type Notifier interface {
	Notify(n models.Notification)
}

// Checkpoint is an elapsed-time offset expressed as a fraction of the total
// countdown, so checkpoints stretch with extensions and claims.
type Checkpoint struct {
	Num, Den int64
}

func (c Checkpoint) offset(total time.Duration) time.Duration {
	return total * time.Duration(c.Num) / time.Duration(c.Den)
}

// DefaultCheckpoints fire at 5, 10 and 14 minutes of a 15 minute countdown.
var DefaultCheckpoints = []Checkpoint{{1, 3}, {2, 3}, {14, 15}}

type Options struct {
	Checkpoints   []Checkpoint
	RetryAttempts int
	RetryDelay    time.Duration
	// RecoveryDelay is how long to wait before retrying an expiry whose
	// store calls failed.
	RecoveryDelay time.Duration
	// CallbackTimeout bounds store calls made from timer callbacks.
	CallbackTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		Checkpoints:     DefaultCheckpoints,
		RetryAttempts:   3,
		RetryDelay:      100 * time.Millisecond,
		RecoveryDelay:   5 * time.Second,
		CallbackTimeout: 5 * time.Second,
	}
}

// armed is the set of pending callbacks for one passenger. gen identifies
// this arming; callbacks carrying an older gen are stale and do nothing.
type armed struct {
	gen         uint64
	checkpoints []clockwork.Timer
	final       clockwork.Timer
	// detached is set once the passenger's session is gone; only the
	// deadline stays armed.
	detached bool
	// announced is set once timerEnded went out, so a recovery retry of the
	// expiry only deletes.
	announced bool
}

type Scheduler struct {
	store  presence.Store
	notify Notifier
	locks  *keylock.Map
	clock  clockwork.Clock
	logger *slog.Logger
	opts   Options

	mu     sync.Mutex
	gen    uint64
	timers map[string]*armed
}

func New(store presence.Store, notify Notifier, locks *keylock.Map, clock clockwork.Clock, logger *slog.Logger, opts Options) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.Checkpoints) == 0 {
		opts.Checkpoints = DefaultCheckpoints
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RecoveryDelay <= 0 {
		opts.RecoveryDelay = 5 * time.Second
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = 5 * time.Second
	}
	return &Scheduler{
		store:  store,
		notify: notify,
		locks:  locks,
		clock:  clock,
		logger: logger.With("component", "expiry"),
		opts:   opts,
		timers: make(map[string]*armed),
	}
}

// Attach (re)arms the countdown for a passenger and immediately emits the
// current remaining time. A passenger without a record is a no-op.
func (s *Scheduler) Attach(ctx context.Context, passengerID string) error {
	unlock := s.locks.Lock(passengerID)
	defer unlock()
	return s.AttachLocked(ctx, passengerID)
}

// Reschedule cancels every pending callback and attaches again.
func (s *Scheduler) Reschedule(ctx context.Context, passengerID string) error {
	unlock := s.locks.Lock(passengerID)
	defer unlock()
	return s.RescheduleLocked(ctx, passengerID)
}

// Cancel drops pending callbacks without emitting anything or touching the
// persisted record.
func (s *Scheduler) Cancel(passengerID string) {
	unlock := s.locks.Lock(passengerID)
	defer unlock()
	s.CancelLocked(passengerID)
}

// Detach drops the checkpoint callbacks of a passenger nobody is listening
// to and keeps the deadline armed, so the record still expires on time.
func (s *Scheduler) Detach(passengerID string) {
	unlock := s.locks.Lock(passengerID)
	defer unlock()
	s.DetachLocked(passengerID)
}

// ExpireIfDue expires the passenger when the persisted countdown has run out.
func (s *Scheduler) ExpireIfDue(ctx context.Context, passengerID string) (bool, error) {
	unlock := s.locks.Lock(passengerID)
	defer unlock()
	return s.ExpireIfDueLocked(ctx, passengerID)
}

// The *Locked variants require the caller to hold the passenger's lock from
// the shared keylock.Map.

func (s *Scheduler) AttachLocked(ctx context.Context, passengerID string) error {
	return s.attach(ctx, passengerID, false, false)
}

// RescheduleLocked leaves pending callbacks in place when the record cannot
// be read, so a failed store call never strands a passenger without timers.
// A detached passenger stays detached.
func (s *Scheduler) RescheduleLocked(ctx context.Context, passengerID string) error {
	return s.attach(ctx, passengerID, true, s.Detached(passengerID))
}

func (s *Scheduler) CancelLocked(passengerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(passengerID)
}

func (s *Scheduler) DetachLocked(passengerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[passengerID]
	if !ok {
		return
	}
	for _, t := range a.checkpoints {
		t.Stop()
	}
	a.checkpoints = nil
	a.detached = true
}

// ExpireIfDueLocked re-reads the record and runs the expiry path when its
// countdown has run out, whether or not a callback is armed for it. It
// reports whether the passenger expired.
func (s *Scheduler) ExpireIfDueLocked(ctx context.Context, passengerID string) (bool, error) {
	rec, err := s.get(ctx, passengerID)
	if errors.Is(err, presence.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !rec.TimerStarted() || rec.Remaining(s.clock.Now()) > 0 {
		return false, nil
	}
	s.expireLocked(ctx, rec)
	return true, nil
}

func (s *Scheduler) attach(ctx context.Context, passengerID string, reset, detached bool) error {
	rec, err := s.get(ctx, passengerID)
	if errors.Is(err, presence.ErrNotFound) {
		s.CancelLocked(passengerID)
		s.logger.Debug("attach skipped: no presence record", "passenger_id", passengerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("attach %s: %w", passengerID, err)
	}
	if reset {
		s.CancelLocked(passengerID)
	}

	now := s.clock.Now()
	if !rec.TimerStarted() {
		rec, err = presence.Retry(ctx, s.opts.RetryAttempts, s.opts.RetryDelay, func(ctx context.Context) (presence.Record, error) {
			return s.store.StartTimer(ctx, passengerID, now)
		})
		if errors.Is(err, presence.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("start timer %s: %w", passengerID, err)
		}
	}

	remaining := rec.Remaining(now)
	if remaining <= 0 {
		s.expireLocked(ctx, rec)
		return nil
	}
	s.arm(rec, now, detached)
	s.notify.Notify(models.Notification{
		Target:  models.Own(passengerID),
		Type:    models.MsgRemainingTime,
		Payload: models.RemainingTime{RemainingMs: remaining.Milliseconds()},
	})
	return nil
}

// Resume arms the deadline of every record whose countdown already started,
// so a restarted process keeps expiring passengers nobody is connected for.
// Checkpoints are armed again when the passenger reconnects.
func (s *Scheduler) Resume(ctx context.Context) (int, error) {
	recs, err := presence.Retry(ctx, s.opts.RetryAttempts, s.opts.RetryDelay, s.store.List)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	n := 0
	for _, rec := range recs {
		if !rec.TimerStarted() {
			continue
		}
		unlock := s.locks.Lock(rec.PassengerID)
		err := s.attach(ctx, rec.PassengerID, false, true)
		unlock()
		if err != nil {
			s.logger.Error("resume attach failed", "passenger_id", rec.PassengerID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// Sweep expires every started record whose deadline has passed. It catches
// deadlines with no callback in this process, such as records written by
// another instance or passengers cancelled by an error path.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	recs, err := presence.Retry(ctx, s.opts.RetryAttempts, s.opts.RetryDelay, s.store.List)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	now := s.clock.Now()
	n := 0
	for _, rec := range recs {
		if !rec.TimerStarted() || rec.Remaining(now) > 0 {
			continue
		}
		expired, err := s.ExpireIfDue(ctx, rec.PassengerID)
		if err != nil {
			s.logger.Error("sweep expiry failed", "passenger_id", rec.PassengerID, "error", err)
			continue
		}
		if expired {
			n++
		}
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Scheduler) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			n, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("sweep expired lapsed passengers", "count", n)
			}
		}
	}
}

// Active reports whether callbacks are pending for the passenger.
func (s *Scheduler) Active(passengerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[passengerID]
	return ok
}

// Detached reports whether only the deadline is armed for the passenger.
func (s *Scheduler) Detached(passengerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[passengerID]
	return ok && a.detached
}

func (s *Scheduler) announced(passengerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[passengerID]
	return ok && a.announced
}

func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending callback. Used on shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.timers {
		s.stopLocked(id)
	}
}

func (s *Scheduler) get(ctx context.Context, passengerID string) (presence.Record, error) {
	return presence.Retry(ctx, s.opts.RetryAttempts, s.opts.RetryDelay, func(ctx context.Context) (presence.Record, error) {
		return s.store.Get(ctx, passengerID)
	})
}

// arm replaces any pending callbacks with the final expiry plus, unless the
// passenger is detached, the checkpoints still ahead of now.
func (s *Scheduler) arm(rec presence.Record, now time.Time, detached bool) {
	id := rec.PassengerID
	elapsed := now.Sub(rec.TimerStartedAt)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(id)
	s.gen++
	a := &armed{gen: s.gen, detached: detached}
	gen := s.gen
	if !detached {
		for _, cp := range s.opts.Checkpoints {
			at := cp.offset(rec.TotalDuration)
			if at <= elapsed || at >= rec.TotalDuration {
				continue
			}
			a.checkpoints = append(a.checkpoints, s.clock.AfterFunc(at-elapsed, func() { s.fire(id, gen, false) }))
		}
	}
	a.final = s.clock.AfterFunc(rec.TotalDuration-elapsed, func() { s.fire(id, gen, true) })
	s.timers[id] = a
	observability.ActiveTimers.Set(float64(len(s.timers)))

	s.logger.Debug("countdown armed",
		"passenger_id", id,
		"deadline", rec.Deadline(),
		"checkpoints", len(a.checkpoints),
		"detached", detached)
}

// armRecovery schedules a single retry of the expiry path after a failed
// store call inside a callback.
func (s *Scheduler) armRecovery(id string, announced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	detached := true
	if prev, ok := s.timers[id]; ok {
		detached = prev.detached
	}
	s.stopLocked(id)
	s.gen++
	gen := s.gen
	s.timers[id] = &armed{
		gen:       gen,
		final:     s.clock.AfterFunc(s.opts.RecoveryDelay, func() { s.fire(id, gen, true) }),
		detached:  detached,
		announced: announced,
	}
	observability.ActiveTimers.Set(float64(len(s.timers)))
}

func (s *Scheduler) stopLocked(id string) {
	a, ok := s.timers[id]
	if !ok {
		return
	}
	for _, t := range a.checkpoints {
		t.Stop()
	}
	if a.final != nil {
		a.final.Stop()
	}
	delete(s.timers, id)
	observability.ActiveTimers.Set(float64(len(s.timers)))
}

func (s *Scheduler) current(id string, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.timers[id]
	return ok && a.gen == gen
}

func (s *Scheduler) fire(id string, gen uint64, final bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("timer callback panic", "passenger_id", id, "panic", rec)
		}
	}()

	unlock := s.locks.Lock(id)
	defer unlock()
	// a reschedule or cancel that won the lock first supersedes this callback
	if !s.current(id, gen) {
		return
	}
	if !final && s.Detached(id) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CallbackTimeout)
	defer cancel()

	rec, err := s.get(ctx, id)
	if errors.Is(err, presence.ErrNotFound) {
		s.CancelLocked(id)
		return
	}
	if err != nil {
		s.logger.Error("timer callback could not read record", "passenger_id", id, "final", final, "error", err)
		if final {
			s.armRecovery(id, s.announced(id))
		}
		return
	}

	now := s.clock.Now()
	remaining := rec.Remaining(now)
	if remaining <= 0 {
		s.expireLocked(ctx, rec)
		return
	}
	if final {
		// the deadline moved without a reschedule reaching us (another
		// instance mutated the record); follow the persisted state
		s.arm(rec, now, s.Detached(id))
	}
	observability.CheckpointsFired.Inc()
	s.notify.Notify(models.Notification{
		Target:  models.Own(id),
		Type:    models.MsgRemainingTime,
		Payload: models.RemainingTime{RemainingMs: remaining.Milliseconds()},
	})
}

func (s *Scheduler) expireLocked(ctx context.Context, rec presence.Record) {
	id := rec.PassengerID
	announced := s.announced(id)
	s.CancelLocked(id)

	if !announced {
		s.notify.Notify(models.Notification{
			Target:  models.Own(id),
			Type:    models.MsgRemainingTime,
			Payload: models.RemainingTime{RemainingMs: 0},
		})
		s.notify.Notify(models.Notification{
			Target:  models.Own(id),
			Type:    models.MsgTimerEnded,
			Payload: models.TimerEnded{},
		})
	}

	_, err := presence.Retry(ctx, s.opts.RetryAttempts, s.opts.RetryDelay, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.store.Delete(ctx, id)
	})
	if err != nil {
		s.logger.Error("expired record could not be deleted", "passenger_id", id, "error", err)
		s.armRecovery(id, true)
		return
	}

	s.notify.Notify(models.Notification{
		Target:  models.Broadcast(),
		Type:    models.MsgPassengerExpired,
		Payload: models.PassengerRef{PassengerID: id},
	})
	observability.Expirations.Inc()
	s.logger.Info("passenger expired",
		"passenger_id", id,
		"claimed_by", rec.ClaimedBy,
		"total_duration", rec.TotalDuration)
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/example/pickup-presence/internal/arbiter"
	"github.com/example/pickup-presence/internal/expiry"
	"github.com/example/pickup-presence/internal/keylock"
	"github.com/example/pickup-presence/internal/models"
	"github.com/example/pickup-presence/internal/presence"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	clock *clockwork.FakeClock
	store *presence.MemoryStore
	sched *expiry.Scheduler
	hub   *Hub
	url   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := clockwork.NewFakeClockAt(t0)
	store := presence.NewMemoryStore(presence.DefaultPolicy(), clock)
	locks := keylock.New()

	cfg := DefaultConfig()
	cfg.ReadTimeout = 5 * time.Second
	cfg.PingInterval = 4 * time.Second
	hub := NewHub(cfg, nil, nil, store, logger)

	opts := expiry.DefaultOptions()
	opts.RetryDelay = time.Millisecond
	sched := expiry.New(store, hub, locks, clock, logger, opts)
	arb := arbiter.New(store, sched, hub, locks, logger)
	arb.RetryDelay = time.Millisecond
	hub.SetActions(arb)
	hub.SetTimers(sched)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if err := hub.Serve(w, r, Role(q.Get("role")), q.Get("key")); err != nil {
			t.Logf("serve: %v", err)
		}
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		srv.Close()
		sched.Stop()
	})

	return &fixture{
		t:     t,
		clock: clock,
		store: store,
		sched: sched,
		hub:   hub,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (f *fixture) dial(role Role, key string) *client {
	f.t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?role="+string(role)+"&key="+key, nil)
	if err != nil {
		f.t.Fatalf("dial %s/%s: %v", role, key, err)
	}
	c := &client{t: f.t, conn: conn}
	f.t.Cleanup(func() { conn.Close() })
	return c
}

func (c *client) send(typ string, payload any) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteJSON(models.Envelope{Type: typ, Data: data}); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

// expect reads frames until one of type typ arrives and decodes it into v.
func (c *client) expect(typ string, v any) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var env models.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type != typ {
			continue
		}
		if v != nil {
			if err := json.Unmarshal(env.Data, v); err != nil {
				c.t.Fatalf("decode %s: %v", typ, err)
			}
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLocationUpdateStartsCountdownAndReachesDrivers(t *testing.T) {
	f := newFixture(t)

	driver := f.dial(RoleDriver, "D1")
	var list models.PassengerList
	driver.expect(models.MsgPassengerList, &list)
	if len(list.Passengers) != 0 {
		t.Fatalf("expected empty snapshot, got %d passengers", len(list.Passengers))
	}

	p := f.dial(RolePassenger, "P1")
	p.send(models.MsgLocationUpdate, models.LocationUpdate{Lat: 52.52, Lng: 13.40, DayCardID: "card-7"})

	var rt models.RemainingTime
	p.expect(models.MsgRemainingTime, &rt)
	if rt.RemainingMs != 900000 {
		t.Fatalf("expected 900000ms remaining, got %d", rt.RemainingMs)
	}

	var loc models.PassengerLocation
	driver.expect(models.MsgPassengerLocation, &loc)
	if loc.PassengerID != "P1" || loc.DayCardID != "card-7" {
		t.Fatalf("unexpected location broadcast: %+v", loc)
	}
}

func TestDriverSnapshotListsWaitingPassengers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.UpsertLocation(ctx, "P1", models.Coord{Lat: 1, Lng: 2}, ""); err != nil {
		t.Fatal(err)
	}

	driver := f.dial(RoleDriver, "D1")
	var list models.PassengerList
	driver.expect(models.MsgPassengerList, &list)
	if len(list.Passengers) != 1 || list.Passengers[0].PassengerID != "P1" {
		t.Fatalf("unexpected snapshot: %+v", list)
	}
}

func TestClaimIsDeliveredAndSecondClaimRejected(t *testing.T) {
	f := newFixture(t)

	d1 := f.dial(RoleDriver, "D1")
	d1.expect(models.MsgPassengerList, nil)
	d2 := f.dial(RoleDriver, "D2")
	d2.expect(models.MsgPassengerList, nil)

	p := f.dial(RolePassenger, "P1")
	p.send(models.MsgLocationUpdate, models.LocationUpdate{Lat: 1, Lng: 2})
	p.expect(models.MsgRemainingTime, nil)

	// the payload's driverId is ignored in favour of the connection key
	d1.send(models.MsgMarkPassenger, models.MarkPassenger{PassengerID: "P1", DriverID: "someone-else"})

	var marked models.DriverMarked
	p.expect(models.MsgDriverMarked, &marked)
	if marked.DriverID != "D1" {
		t.Fatalf("expected D1 to be the claimer, got %q", marked.DriverID)
	}
	var pm models.PassengerMarked
	d2.expect(models.MsgPassengerMarked, &pm)
	if pm.PassengerID != "P1" || pm.DriverID != "D1" {
		t.Fatalf("unexpected broadcast: %+v", pm)
	}

	d2.send(models.MsgMarkPassenger, models.MarkPassenger{PassengerID: "P1"})
	var em models.ErrorMessage
	d2.expect(models.MsgError, &em)
	if em.Code != "AlreadyClaimed" {
		t.Fatalf("expected AlreadyClaimed, got %+v", em)
	}

	rec, err := f.store.Get(context.Background(), "P1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ClaimedBy != "D1" || rec.TotalDuration != 30*time.Minute {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestRoleRestrictedActions(t *testing.T) {
	f := newFixture(t)

	driver := f.dial(RoleDriver, "D1")
	driver.expect(models.MsgPassengerList, nil)
	driver.send(models.MsgLocationUpdate, models.LocationUpdate{PassengerID: "P1", Lat: 1, Lng: 2})
	var em models.ErrorMessage
	driver.expect(models.MsgError, &em)
	if em.Code != "BadRequest" {
		t.Fatalf("expected BadRequest, got %+v", em)
	}

	p := f.dial(RolePassenger, "P1")
	p.send(models.MsgMarkPassenger, models.MarkPassenger{PassengerID: "P1"})
	p.expect(models.MsgError, &em)

	if _, err := f.store.Get(context.Background(), "P1"); err == nil {
		t.Fatal("expected no record to be created")
	}
}

func TestPingAndUnknownMessage(t *testing.T) {
	f := newFixture(t)
	p := f.dial(RolePassenger, "P1")

	p.send(models.MsgPing, struct{}{})
	p.expect(models.MsgPong, nil)

	p.send("teleport", struct{}{})
	var em models.ErrorMessage
	p.expect(models.MsgError, &em)
	if em.Message != errUnknownMessage.Error() {
		t.Fatalf("unexpected error message: %+v", em)
	}
}

func TestStopSharingRemovesPassenger(t *testing.T) {
	f := newFixture(t)

	driver := f.dial(RoleDriver, "D1")
	driver.expect(models.MsgPassengerList, nil)
	p := f.dial(RolePassenger, "P1")
	p.send(models.MsgLocationUpdate, models.LocationUpdate{Lat: 1, Lng: 2})
	p.expect(models.MsgRemainingTime, nil)

	p.send(models.MsgStopSharing, struct{}{})
	var ref models.PassengerRef
	driver.expect(models.MsgPassengerRemoved, &ref)
	if ref.PassengerID != "P1" {
		t.Fatalf("unexpected removal: %+v", ref)
	}
	if f.sched.Active("P1") {
		t.Fatal("expected countdown to be cancelled")
	}
}

func TestDisconnectDetachesCountdownButKeepsRecord(t *testing.T) {
	f := newFixture(t)

	p := f.dial(RolePassenger, "P1")
	p.send(models.MsgLocationUpdate, models.LocationUpdate{Lat: 1, Lng: 2})
	p.expect(models.MsgRemainingTime, nil)
	if !f.sched.Active("P1") {
		t.Fatal("expected an active countdown")
	}

	p.conn.Close()
	waitFor(t, func() bool { return !f.hub.Connected(RolePassenger, "P1") })
	waitFor(t, func() bool { return f.sched.Detached("P1") })

	if _, err := f.store.Get(context.Background(), "P1"); err != nil {
		t.Fatalf("expected record to survive disconnect: %v", err)
	}

	f.clock.Advance(4 * time.Minute)
	again := f.dial(RolePassenger, "P1")
	var rt models.RemainingTime
	again.expect(models.MsgRemainingTime, &rt)
	if rt.RemainingMs != (11 * time.Minute).Milliseconds() {
		t.Fatalf("expected countdown to resume at 11m, got %dms", rt.RemainingMs)
	}
}

func TestDisconnectedPassengerStillExpiresOnSchedule(t *testing.T) {
	f := newFixture(t)

	driver := f.dial(RoleDriver, "D1")
	driver.expect(models.MsgPassengerList, nil)

	p := f.dial(RolePassenger, "P1")
	p.send(models.MsgLocationUpdate, models.LocationUpdate{Lat: 1, Lng: 2})
	p.expect(models.MsgRemainingTime, nil)
	driver.expect(models.MsgPassengerLocation, nil)

	p.conn.Close()
	waitFor(t, func() bool { return !f.hub.Connected(RolePassenger, "P1") })
	waitFor(t, func() bool { return f.sched.Detached("P1") })

	f.clock.Advance(15 * time.Minute)

	var ref models.PassengerRef
	driver.expect(models.MsgPassengerExpired, &ref)
	if ref.PassengerID != "P1" {
		t.Fatalf("unexpected expiry broadcast: %+v", ref)
	}
	if _, err := f.store.Get(context.Background(), "P1"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected record to be deleted, got %v", err)
	}
	if f.sched.Active("P1") {
		t.Fatal("expected no countdown after expiry")
	}
}

func TestStaleSessionDisconnectKeepsNewerCountdown(t *testing.T) {
	f := newFixture(t)

	first := f.dial(RolePassenger, "P1")
	first.send(models.MsgLocationUpdate, models.LocationUpdate{Lat: 1, Lng: 2})
	first.expect(models.MsgRemainingTime, nil)

	second := f.dial(RolePassenger, "P1")
	second.expect(models.MsgRemainingTime, nil)

	// the hub closes the replaced session itself
	first.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.conn.ReadMessage(); err != nil {
			break
		}
	}

	time.Sleep(50 * time.Millisecond)
	if !f.hub.Connected(RolePassenger, "P1") {
		t.Fatal("expected newer session to remain registered")
	}
	if !f.sched.Active("P1") || f.sched.Detached("P1") {
		t.Fatal("expected newer session's countdown to survive")
	}
	if got := f.hub.Stats(); got.Passengers != 1 {
		t.Fatalf("expected one passenger session, got %+v", got)
	}
}

func TestNotifyToAbsentSessionIsDropped(t *testing.T) {
	f := newFixture(t)
	f.hub.Notify(models.Notification{
		Target:  models.Own("nobody"),
		Type:    models.MsgRemainingTime,
		Payload: models.RemainingTime{RemainingMs: 1},
	})
}

func TestServeRejectsInvalidSubscriber(t *testing.T) {
	f := newFixture(t)
	_, resp, err := websocket.DefaultDialer.Dial(f.url+"?role=admin&key=x", nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown role")
	}
	if resp != nil && resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatal("expected upgrade to be refused")
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateConnecting:   "connecting",
		StateActive:       "active",
		StateDisconnected: "disconnected",
	} {
		if state.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", state, state.String(), want)
		}
	}
}

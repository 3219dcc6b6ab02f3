package relay

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"busrelay/internal/auth"
	"busrelay/internal/authz"
	"busrelay/internal/model"
)

func newTestBroker(t *testing.T, gate authz.Gate, opts Options) *Broker {
	return newTestBrokerWithCache(t, gate, NewMemoryLocationCache(0), opts)
}

func newTestBrokerWithCache(t *testing.T, gate authz.Gate, cache LocationCache, opts Options) *Broker {
	t.Helper()
	b := NewBroker(NewRegistry(), gate, cache, opts)
	b.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	t.Cleanup(b.Close)
	return b
}

// waitCached polls until the cache writer has stored a position for entity.
func waitCached(t *testing.T, b *Broker, entity model.ID) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok, _ := b.cache.Get(context.Background(), entity); ok {
			return
		}
		if time.Now().After(deadline) { t.Fatalf("position for %s never cached", entity) }
		time.Sleep(5 * time.Millisecond)
	}
}

func connect(b *Broker, subject string, role model.Role) *Conn {
	return b.Connect(auth.Identity{SubjectID: model.ID(subject), Role: role, Token: "tok-" + subject}, "")
}

func send(t *testing.T, b *Broker, c *Conn, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil { t.Fatal(err) }
	b.Dispatch(context.Background(), c, model.Envelope{Type: eventType, ID: "f1", Payload: raw})
}

func nextFrame(t *testing.T, c *Conn) model.Envelope {
	t.Helper()
	select {
	case data := <-c.Outbox():
		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil { t.Fatalf("bad frame %s: %v", data, err) }
		return env
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for frame on %s", c.Subject)
	}
	return model.Envelope{}
}

func expectNoFrame(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case data := <-c.Outbox():
		t.Fatalf("unexpected frame on %s: %s", c.Subject, data)
	default:
	}
}

func TestBrokerLocationFanout(t *testing.T) {
	gate := authz.StaticGate{"s1": {"7"}, "s2": {"7"}, "s3": {"8"}}
	b := newTestBroker(t, gate, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)
	s2 := connect(b, "s2", model.RoleSubscriber)
	s3 := connect(b, "s3", model.RoleSubscriber)
	obs := connect(b, "admin", model.RoleObserverAll)
	driver := connect(b, "d7", model.RoleTrackedEntity)

	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": 7})
	send(t, b, s2, model.EventSubscribe, "7")
	send(t, b, s3, model.EventSubscribe, map[string]any{"entityId": "8"})
	for _, c := range []*Conn{s1, s2, s3} {
		if f := nextFrame(t, c); f.Type != model.EventSubscribed || f.ID != "f1" {
			t.Fatalf("%s ack: %+v", c.Subject, f)
		}
	}

	send(t, b, driver, model.EventLocation, map[string]any{"entityId": "7", "lat": 51.5, "lng": -0.1, "speed": 12, "heading": 90})
	for _, c := range []*Conn{s1, s2, obs} {
		f := nextFrame(t, c)
		if f.Type != model.EventLocation { t.Fatalf("%s: got %s", c.Subject, f.Type) }
		var u model.LocationUpdate
		if err := json.Unmarshal(f.Payload, &u); err != nil { t.Fatal(err) }
		if u.EntityID != "7" || u.Lat != 51.5 || u.Lng != -0.1 || u.Speed != 12 || u.Heading != 90 {
			t.Fatalf("%s payload: %+v", c.Subject, u)
		}
		if u.Label != "Bus 7" || !u.Timestamp.Equal(b.Now()) {
			t.Fatalf("%s label/timestamp: %+v", c.Subject, u)
		}
		expectNoFrame(t, c)
	}
	expectNoFrame(t, s3)
	expectNoFrame(t, driver)
}

func TestBrokerLocationDefaultsToHandshakeEntity(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"9"}}, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)
	driver := b.Connect(auth.Identity{SubjectID: "d9", Role: model.RoleTrackedEntity}, "9")
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "9"})
	nextFrame(t, s1)

	send(t, b, driver, model.EventLocation, map[string]any{"lat": 1, "lng": 2})
	if f := nextFrame(t, s1); f.Type != model.EventLocation {
		t.Fatalf("got %s", f.Type)
	}
}

func TestBrokerLocationRejectsInvalid(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}}, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)
	driver := connect(b, "d7", model.RoleTrackedEntity)
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, s1)

	for _, p := range []map[string]any{
		{"entityId": "7", "lng": 2},
		{"entityId": "7", "lat": 91, "lng": 2},
		{"lat": 1, "lng": 2},
	} {
		send(t, b, driver, model.EventLocation, p)
		f := nextFrame(t, driver)
		if f.Type != model.EventError { t.Fatalf("payload %v: got %s", p, f.Type) }
	}
	expectNoFrame(t, s1)
}

func TestBrokerRoleIsolation(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}, "d7": {"7"}}, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)
	driver := connect(b, "d7", model.RoleTrackedEntity)
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, s1)

	// a subscriber cannot publish positions
	send(t, b, s1, model.EventLocation, map[string]any{"entityId": "7", "lat": 1, "lng": 2})
	expectNoFrame(t, s1)

	// a tracked entity cannot subscribe
	send(t, b, driver, model.EventSubscribe, map[string]any{"entityId": "7"})
	expectNoFrame(t, driver)
	if got := len(b.Registry().MembersOf("7")); got != 1 {
		t.Fatalf("members: got %d, want 1", got)
	}
}

func TestBrokerSubscribeFailsClosed(t *testing.T) {
	cases := []struct {
		name string
		gate authz.Gate
	}{
		{"nil gate", nil},
		{"denied", authz.StaticGate{}},
		{"error", authz.GateFunc(func(context.Context, authz.Request) (bool, error) { return true, errors.New("boom") })},
		{"timeout", authz.GateFunc(func(ctx context.Context, _ authz.Request) (bool, error) {
			<-ctx.Done()
			return false, ctx.Err()
		})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBroker(t, tc.gate, Options{AuthzTimeout: 20 * time.Millisecond})
			s1 := connect(b, "s1", model.RoleSubscriber)
			send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
			f := nextFrame(t, s1)
			if f.Type != model.EventError { t.Fatalf("got %s", f.Type) }
			var p errorPayload
			_ = json.Unmarshal(f.Payload, &p)
			if p.Code != model.CodeAuthorization || p.EntityID != "7" {
				t.Fatalf("error payload: %+v", p)
			}
			if got := len(b.Registry().MembersOf("7")); got != 0 {
				t.Fatalf("denied subscriber joined topic")
			}
		})
	}
}

func TestBrokerNoMembershipAfterDisconnect(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	gate := authz.GateFunc(func(ctx context.Context, _ authz.Request) (bool, error) {
		close(entered)
		<-release
		return true, nil
	})
	b := newTestBroker(t, gate, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)

	done := make(chan struct{})
	go func() {
		defer close(done)
		send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	}()
	<-entered
	b.Disconnect(s1)
	close(release)
	<-done

	if got := len(b.Registry().MembersOf("7")); got != 0 {
		t.Fatalf("disconnected connection joined topic: %d members", got)
	}
	if st := b.Stats(); st.Subscribers != 0 || st.Topics != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestBrokerUnsubscribe(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}}, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)
	driver := connect(b, "d7", model.RoleTrackedEntity)
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, s1)
	send(t, b, s1, model.EventUnsubscribe, map[string]any{"entityId": "7"})
	if f := nextFrame(t, s1); f.Type != model.EventUnsubscribed {
		t.Fatalf("got %s", f.Type)
	}
	send(t, b, driver, model.EventLocation, map[string]any{"entityId": "7", "lat": 1, "lng": 2})
	expectNoFrame(t, s1)
}

func TestBrokerUnsubscribeAllDisconnects(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}}, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, s1)
	send(t, b, s1, model.EventUnsubscribeAll, nil)
	if !s1.Closed() { t.Fatal("connection should be closed") }
	if st := b.Stats(); st.Subscribers != 0 || st.Topics != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestBrokerReplaysLastLocation(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}}, Options{ReplayLastLocation: true})
	driver := connect(b, "d7", model.RoleTrackedEntity)
	send(t, b, driver, model.EventLocation, map[string]any{"entityId": "7", "lat": 51.5, "lng": -0.1})
	waitCached(t, b, "7")

	s1 := connect(b, "s1", model.RoleSubscriber)
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	if f := nextFrame(t, s1); f.Type != model.EventSubscribed {
		t.Fatalf("first frame: %s", f.Type)
	}
	f := nextFrame(t, s1)
	if f.Type != model.EventLocation { t.Fatalf("replay: got %s", f.Type) }
	var u model.LocationUpdate
	_ = json.Unmarshal(f.Payload, &u)
	if u.Lat != 51.5 { t.Fatalf("replayed: %+v", u) }
}

func TestBrokerTripLifecycle(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}}, Options{})
	s1 := connect(b, "s1", model.RoleSubscriber)
	driver := b.Connect(auth.Identity{SubjectID: "d7", Role: model.RoleTrackedEntity}, "7")
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, s1)

	send(t, b, driver, model.EventStartTrip, map[string]any{"tripKind": "morning", "tripId": 3})
	f := nextFrame(t, s1)
	if f.Type != model.EventTripStarted { t.Fatalf("got %s", f.Type) }
	var evt model.TripEvent
	_ = json.Unmarshal(f.Payload, &evt)
	if evt.EntityID != "7" || evt.TripID != "3" || evt.Label != "Bus 7" {
		t.Fatalf("trip-started: %+v", evt)
	}
	conf := nextFrame(t, driver)
	if conf.Type != model.EventTripStartConfirmed || conf.ID != "f1" { t.Fatalf("confirm: %+v", conf) }
	var tc tripConfirmation
	_ = json.Unmarshal(conf.Payload, &tc)
	if tc.Recipients != 1 { t.Fatalf("recipients: %d", tc.Recipients) }

	send(t, b, driver, model.EventCompleteTrip, nil)
	if f := nextFrame(t, s1); f.Type != model.EventTripCompleted { t.Fatalf("got %s", f.Type) }
	if f := nextFrame(t, driver); f.Type != model.EventTripCompleteConfirmed { t.Fatalf("got %s", f.Type) }
}

func TestBrokerChildStatusNarrowcast(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"42": {"7"}, "43": {"7"}}, Options{})
	p42 := connect(b, "42", model.RoleSubscriber)
	p43 := connect(b, "43", model.RoleSubscriber)
	obs := connect(b, "admin", model.RoleObserverAll)
	send(t, b, p43, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, p43)

	evt := model.NewChildStatus("7", "100", "Ana", model.ChildOnBus, "", b.Now())
	if n := b.PublishChildStatus(evt, []model.ID{"42", "99"}); n != 1 {
		t.Fatalf("narrowcast recipients: %d", n)
	}
	if f := nextFrame(t, p42); f.Type != model.EventChildStatus { t.Fatalf("got %s", f.Type) }
	expectNoFrame(t, p43)
	expectNoFrame(t, obs)

	// no targets: topic plus observers
	if n := b.PublishChildStatus(evt, nil); n != 2 {
		t.Fatalf("broadcast recipients: %d", n)
	}
	nextFrame(t, p43)
	nextFrame(t, obs)
	expectNoFrame(t, p42)
}

func TestBrokerConnectSupersedes(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}}, Options{})
	old := connect(b, "s1", model.RoleSubscriber)
	send(t, b, old, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, old)

	fresh := connect(b, "s1", model.RoleSubscriber)
	f := nextFrame(t, old)
	var p errorPayload
	_ = json.Unmarshal(f.Payload, &p)
	if f.Type != model.EventError || p.Code != model.CodeSuperseded {
		t.Fatalf("supersede notice: %+v %+v", f, p)
	}
	if !old.Closed() || old.closeReason().code != CloseSuperseded {
		t.Fatal("old connection should be closed with the superseded code")
	}
	if fresh.Closed() { t.Fatal("new connection closed") }
	if st := b.Stats(); st.Subscribers != 1 || st.Topics != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestBrokerFanoutDropsOnFullQueue(t *testing.T) {
	b := newTestBroker(t, authz.StaticGate{"s1": {"7"}, "s2": {"7"}}, Options{SendBuffer: 1})
	slow := connect(b, "s1", model.RoleSubscriber)
	fast := connect(b, "s2", model.RoleSubscriber)
	send(t, b, slow, model.EventSubscribe, map[string]any{"entityId": "7"})
	send(t, b, fast, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, fast)

	// slow still holds its ack; the event is dropped for it only
	u := model.LocationUpdate{EntityID: "7", Lat: 1, Lng: 2, Timestamp: b.Now()}
	if n := b.PublishLocation(context.Background(), u); n != 1 {
		t.Fatalf("recipients: %d", n)
	}
	if f := nextFrame(t, fast); f.Type != model.EventLocation { t.Fatalf("got %s", f.Type) }
}

// blockingCache stalls every write until release is closed.
type blockingCache struct {
	*MemoryLocationCache
	release chan struct{}
}

func (c *blockingCache) Put(ctx context.Context, u model.LocationUpdate) error {
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.MemoryLocationCache.Put(ctx, u)
}

func TestBrokerLocationFanoutDoesNotWaitOnCache(t *testing.T) {
	cache := &blockingCache{MemoryLocationCache: NewMemoryLocationCache(0), release: make(chan struct{})}
	b := newTestBrokerWithCache(t, authz.StaticGate{"s1": {"7"}}, cache, Options{CacheTimeout: 5 * time.Second})
	defer close(cache.release)
	s1 := connect(b, "s1", model.RoleSubscriber)
	driver := connect(b, "d7", model.RoleTrackedEntity)
	send(t, b, s1, model.EventSubscribe, map[string]any{"entityId": "7"})
	nextFrame(t, s1)

	start := time.Now()
	for i := 0; i < 3; i++ {
		send(t, b, driver, model.EventLocation, map[string]any{"entityId": "7", "lat": 1, "lng": 2})
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("location dispatch blocked on the cache for %v", d)
	}
	for i := 0; i < 3; i++ {
		if f := nextFrame(t, s1); f.Type != model.EventLocation { t.Fatalf("got %s", f.Type) }
	}
}

func TestBrokerCacheWriteIsBounded(t *testing.T) {
	cache := &blockingCache{MemoryLocationCache: NewMemoryLocationCache(0), release: make(chan struct{})}
	b := NewBroker(NewRegistry(), nil, cache, Options{CacheTimeout: 20 * time.Millisecond, CacheQueue: 1})
	for i := 0; i < 5; i++ {
		b.PublishLocation(context.Background(), model.LocationUpdate{EntityID: "7", Lat: 1, Lng: 2, Timestamp: time.Now()})
	}
	done := make(chan struct{})
	go func() { b.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return; cache writes are not time-bounded")
	}
	if _, ok, _ := cache.Get(context.Background(), "7"); ok {
		t.Fatal("timed-out write should not be stored")
	}
}

func TestMemoryLocationCacheTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	c := NewMemoryLocationCache(time.Minute)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_ = c.Put(ctx, model.LocationUpdate{EntityID: "7", Lat: 1, Timestamp: now})
	_ = c.Put(ctx, model.LocationUpdate{EntityID: "7", Lat: 2, Timestamp: now.Add(-time.Second)})
	u, ok, _ := c.Get(ctx, "7")
	if !ok || u.Lat != 1 { t.Fatalf("older update replaced newer: %+v", u) }

	now = now.Add(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "7"); ok {
		t.Fatal("expired entry returned")
	}
}

package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/freightoptimization/tracking/internal/cache"
	"github.com/freightoptimization/tracking/internal/domain"
)

// fakeConn is an in-memory Conn: tests push inbound frames and inspect
// recorded control writes. drop fails the pending read to simulate the
// connection dying.
type fakeConn struct {
	mu     sync.Mutex
	writes []controlMessage

	inbound  chan []byte
	dead     chan struct{}
	deadOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		dead:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.dead:
		return nil, errors.New("connection reset")
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	msg, ok := v.(controlMessage)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.deadOnce.Do(func() { close(c.dead) })
	return nil
}

func (c *fakeConn) drop() { c.Close() }

func (c *fakeConn) push(t *testing.T, ev pushEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal push event: %v", err)
	}
	c.inbound <- data
}

func (c *fakeConn) controls() []controlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]controlMessage, len(c.writes))
	copy(out, c.writes)
	return out
}

// fakeTransport hands out fakeConns, optionally failing the first
// failures dials.
type fakeTransport struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (tr *fakeTransport) Dial(ctx context.Context) (Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.dials++
	if tr.failures > 0 {
		tr.failures--
		return nil, errors.New("dial refused")
	}
	conn := newFakeConn()
	tr.conns = append(tr.conns, conn)
	return conn, nil
}

func (tr *fakeTransport) setFailures(n int) {
	tr.mu.Lock()
	tr.failures = n
	tr.mu.Unlock()
}

func (tr *fakeTransport) conn(i int) *fakeConn {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if i >= len(tr.conns) {
		return nil
	}
	return tr.conns[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func startHub(t *testing.T, tr *fakeTransport, c *cache.PositionCache) *Hub {
	t.Helper()
	h := New(tr, c, testConfig())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.Stop)
	return h
}

func positionFrame(entityType domain.EntityType, entityID string, lat, lon float64) pushEvent {
	payload, _ := json.Marshal(map[string]interface{}{
		"latitude":    lat,
		"longitude":   lon,
		"recorded_at": time.Now().UTC().Format(time.RFC3339),
		"source":      "GPS_DEVICE",
	})
	return pushEvent{
		Event:   eventPositionUpdate,
		Key:     domain.EntityKey(entityType, entityID),
		Payload: payload,
	}
}

func subscribesFor(msgs []controlMessage, entityID string) int {
	n := 0
	for _, m := range msgs {
		if m.Op == opSubscribe && m.EntityID == entityID {
			n++
		}
	}
	return n
}

func TestSubscribeAnnouncedOnConnect(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, tr, nil)

	updates := make(chan domain.PositionSample, 1)
	unsub := h.Subscribe("v1", domain.EntityTypeVehicle, func(p domain.PositionSample) { updates <- p }, nil)
	defer unsub()

	waitFor(t, "connected", func() bool { return h.State() == StateConnected })
	waitFor(t, "subscribe message", func() bool {
		conn := tr.conn(0)
		return conn != nil && subscribesFor(conn.controls(), "v1") == 1
	})
}

func TestDispatchDeliversAndWarmsCache(t *testing.T) {
	tr := &fakeTransport{}
	c := cache.NewPositionCache(time.Minute)
	h := startHub(t, tr, c)

	updates := make(chan domain.PositionSample, 1)
	unsub := h.Subscribe("v1", domain.EntityTypeVehicle, func(p domain.PositionSample) { updates <- p }, nil)
	defer unsub()
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	tr.conn(0).push(t, positionFrame(domain.EntityTypeVehicle, "v1", 40.1, -75.2))

	select {
	case got := <-updates:
		if got.EntityID != "v1" || got.EntityType != domain.EntityTypeVehicle {
			t.Fatalf("delivered identity = %s/%s", got.EntityType, got.EntityID)
		}
		if got.Latitude != 40.1 || got.Longitude != -75.2 {
			t.Fatalf("delivered coords = (%v, %v)", got.Latitude, got.Longitude)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	if c.Get("v1", domain.EntityTypeVehicle) == nil {
		t.Fatal("dispatch did not write through to the cache")
	}
}

func TestUnsubscribeLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, tr, nil)

	var mu sync.Mutex
	delivered := 0
	count := func(domain.PositionSample) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}
	unsubA := h.Subscribe("v1", domain.EntityTypeVehicle, count, nil)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })
	waitFor(t, "initial subscribe", func() bool {
		return subscribesFor(tr.conn(0).controls(), "v1") == 1
	})

	// A second listener for the same key must not re-announce upstream.
	unsubB := h.Subscribe("v1", domain.EntityTypeVehicle, count, nil)
	if n := subscribesFor(tr.conn(0).controls(), "v1"); n != 1 {
		t.Fatalf("subscribe messages = %d; want 1 for two listeners", n)
	}

	// Removing the first listener keeps the key alive upstream.
	unsubA()
	unsubA() // idempotent
	for _, m := range tr.conn(0).controls() {
		if m.Op == opUnsubscribe {
			t.Fatal("unsubscribe sent while a listener remains")
		}
	}

	// Removing the last one tells the upstream to stop.
	unsubB()
	waitFor(t, "upstream unsubscribe", func() bool {
		for _, m := range tr.conn(0).controls() {
			if m.Op == opUnsubscribe && m.EntityID == "v1" {
				return true
			}
		}
		return false
	})

	// Frames for the emptied key go nowhere.
	tr.conn(0).push(t, positionFrame(domain.EntityTypeVehicle, "v1", 40, -75))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if delivered != 0 {
		t.Fatalf("delivered %d updates after all listeners removed", delivered)
	}
}

func TestReconnectResubscribesLiveKeys(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, tr, nil)

	updates := make(chan domain.PositionSample, 2)
	recv := func(p domain.PositionSample) { updates <- p }
	defer h.Subscribe("v1", domain.EntityTypeVehicle, recv, nil)()
	defer h.Subscribe("d9", domain.EntityTypeDriver, recv, nil)()

	waitFor(t, "first connection", func() bool { return h.State() == StateConnected })
	first := tr.conn(0)
	waitFor(t, "initial announcements", func() bool {
		msgs := first.controls()
		return subscribesFor(msgs, "v1") == 1 && subscribesFor(msgs, "d9") == 1
	})

	first.drop()

	waitFor(t, "second connection", func() bool { return tr.conn(1) != nil })
	second := tr.conn(1)
	waitFor(t, "re-announcements", func() bool {
		msgs := second.controls()
		return subscribesFor(msgs, "v1") == 1 && subscribesFor(msgs, "d9") == 1
	})
	if msgs := second.controls(); len(msgs) != 2 {
		t.Fatalf("control messages on reconnect = %d; want exactly one per live key", len(msgs))
	}

	// Listeners registered before the drop still receive pushes.
	second.push(t, positionFrame(domain.EntityTypeVehicle, "v1", 41, -74))
	select {
	case got := <-updates:
		if got.EntityID != "v1" {
			t.Fatalf("update for %s; want v1", got.EntityID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no update after reconnect")
	}
}

func TestFailedAfterMaxRetriesThenRevived(t *testing.T) {
	tr := &fakeTransport{failures: 100}
	h := New(tr, nil, testConfig())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(h.Stop)

	connErrs := make(chan error, 16)
	defer h.Subscribe("v1", domain.EntityTypeVehicle, func(domain.PositionSample) {}, func(err error) { connErrs <- err })()

	waitFor(t, "failed state", func() bool { return h.State() == StateFailed })

	select {
	case err := <-connErrs:
		if !errors.Is(err, ErrConnection) {
			t.Fatalf("listener error = %v; want ErrConnection", err)
		}
	default:
		t.Fatal("no advisory error reached the listener")
	}

	// A fresh subscription resets the budget and revives the loop.
	tr.setFailures(0)
	defer h.Subscribe("v2", domain.EntityTypeVehicle, func(domain.PositionSample) {}, nil)()

	waitFor(t, "revived connection", func() bool { return h.State() == StateConnected })
	waitFor(t, "both keys announced", func() bool {
		conn := tr.conn(0)
		if conn == nil {
			return false
		}
		msgs := conn.controls()
		return subscribesFor(msgs, "v1") == 1 && subscribesFor(msgs, "v2") == 1
	})
}

func TestPanickingListenerDoesNotStarveSiblings(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, tr, nil)

	got := make(chan domain.PositionSample, 1)
	defer h.Subscribe("v1", domain.EntityTypeVehicle, func(domain.PositionSample) { panic("boom") }, nil)()
	defer h.Subscribe("v1", domain.EntityTypeVehicle, func(p domain.PositionSample) { got <- p }, nil)()
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	tr.conn(0).push(t, positionFrame(domain.EntityTypeVehicle, "v1", 40, -75))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy listener starved by panicking sibling")
	}
}

func TestMalformedFramesDropped(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, tr, nil)

	got := make(chan domain.PositionSample, 1)
	defer h.Subscribe("v1", domain.EntityTypeVehicle, func(p domain.PositionSample) { got <- p }, nil)()
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	conn := tr.conn(0)
	conn.inbound <- []byte("{not json")
	conn.push(t, pushEvent{Event: eventPositionUpdate, Key: "nonsense", Payload: []byte(`{}`)})
	conn.push(t, pushEvent{Event: "heartbeat"})
	conn.push(t, positionFrame(domain.EntityTypeVehicle, "v1", 40, -75))

	select {
	case p := <-got:
		if p.Latitude != 40 {
			t.Fatalf("delivered wrong frame: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame after junk was not delivered")
	}
	if len(got) != 0 {
		t.Fatalf("junk frames produced deliveries")
	}
}

func TestLoadStatusFanOut(t *testing.T) {
	tr := &fakeTransport{}
	h := startHub(t, tr, nil)
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	events := make(chan LoadStatusEvent, 1)
	unsub := h.SubscribeLoadStatus(func(ev LoadStatusEvent) { events <- ev })

	tr.conn(0).push(t, pushEvent{Event: eventLoadStatus, LoadID: "L-7", Status: "IN_TRANSIT"})
	select {
	case ev := <-events:
		if ev.LoadID != "L-7" || ev.Status != "IN_TRANSIT" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load status not delivered")
	}

	unsub()
	tr.conn(0).push(t, pushEvent{Event: eventLoadStatus, LoadID: "L-8", Status: "DELIVERED"})
	time.Sleep(20 * time.Millisecond)
	if len(events) != 0 {
		t.Fatal("load status delivered after unsubscribe")
	}
}

func TestStartStopLifecycle(t *testing.T) {
	tr := &fakeTransport{}
	h := New(tr, nil, testConfig())

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start = %v; want ErrAlreadyStarted", err)
	}
	waitFor(t, "connected", func() bool { return h.State() == StateConnected })

	h.Stop()
	if h.State() != StateDisconnected {
		t.Fatalf("state after stop = %v; want disconnected", h.State())
	}

	// Bookkeeping survives a restart.
	defer h.Subscribe("v1", domain.EntityTypeVehicle, func(domain.PositionSample) {}, nil)()
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	t.Cleanup(h.Stop)
	waitFor(t, "reconnected", func() bool { return h.State() == StateConnected })
	waitFor(t, "announced after restart", func() bool {
		conn := tr.conn(1)
		return conn != nil && subscribesFor(conn.controls(), "v1") == 1
	})
}

func TestBackoffSchedule(t *testing.T) {
	h := New(&fakeTransport{}, nil, Config{MaxRetries: 10, BaseDelay: time.Second, MaxDelay: 5 * time.Second})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{9, 5 * time.Second},
	}
	for _, tc := range tests {
		if got := h.backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v; want %v", tc.attempt, got, tc.want)
		}
	}
}

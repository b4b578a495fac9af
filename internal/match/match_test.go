package match

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/queue"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/internal/store"
	"github.com/mingleio/mingle/pkg/protocol"
)

// harness wires a matchmaker to an in-memory store and fake connections.
type harness struct {
	t     *testing.T
	st    *store.Memory
	reg   *registry.Registry
	queue *queue.Manager
	pairs *pairs.Manager
	mm    *Matchmaker
	conns map[string]*testConn
}

type testConn struct {
	events chan protocol.Event
}

func (c *testConn) Deliver(data []byte) bool {
	ev, err := protocol.Unmarshal(data)
	if err != nil {
		panic(err)
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *testConn) Kick(string) {}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := store.NewMemory()
	log := slog.New(slog.DiscardHandler)
	reg := registry.New("inst-test", st, log)
	q := queue.NewManager(st, reg, log)
	p := pairs.NewManager(st)
	return &harness{
		t:     t,
		st:    st,
		reg:   reg,
		queue: q,
		pairs: p,
		mm:    New(q, p, reg, metrics.New(nil), log),
		conns: make(map[string]*testConn),
	}
}

func (h *harness) connect(ids ...string) {
	h.t.Helper()
	for _, id := range ids {
		c := &testConn{events: make(chan protocol.Event, 32)}
		h.conns[id] = c
		if err := h.reg.Register(context.Background(), id, c, "192.0.2.1"); err != nil {
			h.t.Fatalf("Register(%s): %v", id, err)
		}
	}
}

func (h *harness) disconnect(id string) {
	h.t.Helper()
	ctx := context.Background()
	h.reg.Unregister(ctx, id)
	if err := h.mm.Disconnect(ctx, id); err != nil {
		h.t.Fatalf("Disconnect(%s): %v", id, err)
	}
}

// expect asserts the next event delivered to id has the given wire type
// and returns it.
func (h *harness) expect(id, wantType string) protocol.Event {
	h.t.Helper()
	select {
	case ev := <-h.conns[id].events:
		if ev.EventType() != wantType {
			h.t.Fatalf("%s received %q, want %q", id, ev.EventType(), wantType)
		}
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatalf("%s: timed out waiting for %q", id, wantType)
		return nil
	}
}

func (h *harness) expectNothing(id string) {
	h.t.Helper()
	select {
	case ev := <-h.conns[id].events:
		h.t.Fatalf("%s received unexpected %q", id, ev.EventType())
	default:
	}
}

func (h *harness) partner(id string) (string, bool) {
	h.t.Helper()
	p, ok, err := h.pairs.Partner(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Partner(%s): %v", id, err)
	}
	return p, ok
}

// Two clients join an empty system: the first waits, the second causes the
// match and becomes the initiator.
func TestJoin_TwoClientsPair(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a", "b")

	if err := h.mm.Join(ctx, "a"); err != nil {
		t.Fatalf("Join(a): %v", err)
	}
	h.expect("a", "waiting")

	if err := h.mm.Join(ctx, "b"); err != nil {
		t.Fatalf("Join(b): %v", err)
	}

	pb := h.expect("b", "paired").(*protocol.PairedEvent)
	if pb.Peer != "a" || !pb.Initiator {
		t.Errorf("b paired = %+v, want peer a, initiator true", pb)
	}
	pa := h.expect("a", "paired").(*protocol.PairedEvent)
	if pa.Peer != "b" || pa.Initiator {
		t.Errorf("a paired = %+v, want peer b, initiator false", pa)
	}

	if p, ok := h.partner("a"); !ok || p != "b" {
		t.Errorf("partner(a) = %q, %v", p, ok)
	}
}

func TestJoin_WhilePairedIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a", "b")

	_ = h.mm.Join(ctx, "a")
	_ = h.mm.Join(ctx, "b")
	h.expect("a", "waiting")
	h.expect("b", "paired")
	h.expect("a", "paired")

	if err := h.mm.Join(ctx, "a"); err != nil {
		t.Fatalf("Join while paired: %v", err)
	}
	h.expectNothing("a")
	h.expectNothing("b")
}

// A connection can never be matched with itself, no matter how often it
// rejoins.
func TestJoin_NeverSelfMatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a")

	for i := 0; i < 3; i++ {
		if err := h.mm.Join(ctx, "a"); err != nil {
			t.Fatalf("Join #%d: %v", i, err)
		}
		h.expect("a", "waiting")
	}

	if _, ok := h.partner("a"); ok {
		t.Fatal("a paired with itself")
	}
	if n, _ := h.queue.Len(ctx); n != 1 {
		t.Errorf("queue len = %d, want 1", n)
	}
}

// Next while paired with nobody else around: both sides are told, the
// partner is requeued, and the caller ends up waiting rather than
// instantly re-pairing with the same partner.
func TestNext_WhilePaired_NoOneElse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a", "b")

	_ = h.mm.Join(ctx, "a")
	_ = h.mm.Join(ctx, "b")
	h.expect("a", "waiting")
	h.expect("b", "paired")
	h.expect("a", "paired")

	if err := h.mm.Next(ctx, "a"); err != nil {
		t.Fatalf("Next(a): %v", err)
	}

	h.expect("a", "partner-disconnected")
	h.expect("b", "partner-disconnected")
	h.expect("b", "waiting")
	h.expect("a", "waiting")

	if _, ok := h.partner("a"); ok {
		t.Error("a still paired after next")
	}

	// The requeued partner sits ahead of the caller: a later arrival
	// matches the partner first.
	h.connect("c")
	if err := h.mm.Join(ctx, "c"); err != nil {
		t.Fatalf("Join(c): %v", err)
	}
	pc := h.expect("c", "paired").(*protocol.PairedEvent)
	if pc.Peer != "b" {
		t.Errorf("c paired with %q, want b (FIFO head)", pc.Peer)
	}
	h.expect("b", "paired")
}

// Next from a waiting connection re-runs the match step, so it can pair
// immediately with someone who arrived meanwhile and never ends up idle.
func TestNext_WhileWaiting(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a")

	_ = h.mm.Join(ctx, "a")
	h.expect("a", "waiting")

	// Nobody else: a stays in the waiting pool.
	if err := h.mm.Next(ctx, "a"); err != nil {
		t.Fatalf("Next(a): %v", err)
	}
	h.expect("a", "waiting")
	if n, _ := h.queue.Len(ctx); n != 1 {
		t.Fatalf("queue len = %d, want 1", n)
	}

	// With a waiter present, next pairs instead.
	h.connect("x")
	_ = h.mm.Join(ctx, "x")
	px := h.expect("x", "paired").(*protocol.PairedEvent)
	if px.Peer != "a" {
		t.Errorf("x paired with %q, want a", px.Peer)
	}
}

func TestNext_Cooldown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a")

	base := time.Now()
	now := base
	h.mm.now = func() time.Time { return now }

	_ = h.mm.Join(ctx, "a")
	h.expect("a", "waiting")

	// First next consumes the token.
	if err := h.mm.Next(ctx, "a"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	h.expect("a", "waiting")

	// 999 ms later: rejected.
	now = base.Add(999 * time.Millisecond)
	if err := h.mm.Next(ctx, "a"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	errEv := h.expect("a", "error").(*protocol.ErrorEvent)
	if errEv.Message != "cooldown" {
		t.Errorf("error message = %q, want cooldown", errEv.Message)
	}

	// 1001 ms after the accepted next: allowed again.
	now = base.Add(1001 * time.Millisecond)
	if err := h.mm.Next(ctx, "a"); err != nil {
		t.Fatalf("Next: %v", err)
	}
	h.expect("a", "waiting")
}

// Join then leave on an otherwise empty system returns to the initial
// global state.
func TestLeave_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a")

	_ = h.mm.Join(ctx, "a")
	h.expect("a", "waiting")

	if err := h.mm.Leave(ctx, "a"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	h.expect("a", "left")

	if n, _ := h.queue.Len(ctx); n != 0 {
		t.Errorf("queue len = %d, want 0", n)
	}
	if n, _ := h.pairs.Count(ctx); n != 0 {
		t.Errorf("pairs count = %d, want 0", n)
	}
}

func TestLeave_WhilePaired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a", "b")

	_ = h.mm.Join(ctx, "a")
	_ = h.mm.Join(ctx, "b")
	h.expect("a", "waiting")
	h.expect("b", "paired")
	h.expect("a", "paired")

	if err := h.mm.Leave(ctx, "a"); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	h.expect("a", "partner-disconnected")
	h.expect("b", "partner-disconnected")
	h.expect("b", "waiting")
	h.expect("a", "left")

	if _, ok := h.partner("b"); ok {
		t.Error("b still paired after partner left")
	}
}

// Three clients: a and b pair, c waits. When a disconnects, b is
// re-matched with c immediately.
func TestDisconnect_RematchesSurvivor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a", "b", "c")

	_ = h.mm.Join(ctx, "a")
	_ = h.mm.Join(ctx, "b")
	_ = h.mm.Join(ctx, "c")
	h.expect("a", "waiting")
	h.expect("b", "paired")
	h.expect("a", "paired")
	h.expect("c", "waiting")

	h.disconnect("a")

	h.expect("b", "partner-disconnected")
	pb := h.expect("b", "paired").(*protocol.PairedEvent)
	if pb.Peer != "c" || !pb.Initiator {
		t.Errorf("b paired = %+v, want peer c, initiator true", pb)
	}
	pc := h.expect("c", "paired").(*protocol.PairedEvent)
	if pc.Peer != "b" || pc.Initiator {
		t.Errorf("c paired = %+v, want peer b, initiator false", pc)
	}

	// Nothing was ever delivered to the departed connection.
	h.expectNothing("a")
}

// Running disconnect cleanup twice is equivalent to running it once.
func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a", "b")

	_ = h.mm.Join(ctx, "a")
	_ = h.mm.Join(ctx, "b")
	h.expect("a", "waiting")
	h.expect("b", "paired")
	h.expect("a", "paired")

	h.disconnect("a")
	h.expect("b", "partner-disconnected")
	h.expect("b", "waiting")

	if err := h.mm.Disconnect(ctx, "a"); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}

	// No duplicate notifications, no state change.
	h.expectNothing("b")
	if n, _ := h.pairs.Count(ctx); n != 0 {
		t.Errorf("pairs count = %d, want 0", n)
	}
	if n, _ := h.queue.Len(ctx); n != 1 {
		t.Errorf("queue len = %d, want 1 (b waiting)", n)
	}
}

// A waiting connection is never simultaneously in the queue and the pair
// hash after being matched.
func TestQueueExclusivity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t)
	h.connect("a", "b")

	_ = h.mm.Join(ctx, "a")
	_ = h.mm.Join(ctx, "b")
	h.expect("a", "waiting")
	h.expect("b", "paired")
	h.expect("a", "paired")

	entries, _ := h.st.ListRange(ctx, "queue")
	for _, id := range entries {
		if _, paired := h.partner(id); paired {
			t.Errorf("%s is both queued and paired", id)
		}
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/goleak"

	"github.com/mingleio/mingle/internal/abuse"
	"github.com/mingleio/mingle/internal/match"
	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/queue"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/internal/relay"
	"github.com/mingleio/mingle/internal/store"
	"github.com/mingleio/mingle/pkg/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// harness wires one full server instance around an in-memory store and
// exposes it over a real HTTP listener.
type harness struct {
	st    *store.Memory
	abuse *abuse.Controller
	hub   *Hub
	ts    *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := slog.New(slog.DiscardHandler)
	st := store.NewMemory()
	reg := registry.New("test-instance", st, log)
	p := pairs.NewManager(st)
	q := queue.NewManager(st, reg, log)
	met := metrics.New(nil)
	mm := match.New(q, p, reg, met, log)
	rl := relay.New(p, reg, met, log)
	ab := abuse.NewController(context.Background(), st, p, reg, met, log)

	hub := NewHub(reg, mm, rl, ab, p, met, log, Options{})
	ts := httptest.NewServer(hub)

	h := &harness{st: st, abuse: ab, hub: hub, ts: ts}
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
		st.Close()
	})
	return h
}

// wsClient is one dialed client connection plus the id the server greeted
// it with.
type wsClient struct {
	conn *websocket.Conn
	id   string
}

func (h *harness) dial(t *testing.T, header http.Header) *wsClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, h.ts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	greeting, ok := readEvent(t, conn).(*protocol.ConnectedEvent)
	if !ok {
		t.Fatal("first event is not a connected greeting")
	}
	if greeting.ID == "" {
		t.Fatal("connected greeting carries no id")
	}
	return &wsClient{conn: conn, id: greeting.ID}
}

func (c *wsClient) send(t *testing.T, ev protocol.Event) {
	t.Helper()

	data, err := protocol.Marshal(ev)
	if err != nil {
		t.Fatalf("marshaling %s: %v", ev.EventType(), err)
	}
	c.sendRaw(t, data)
}

func (c *wsClient) sendRaw(t *testing.T, data []byte) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("writing: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	ev, err := protocol.Unmarshal(data)
	if err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	return ev
}

func expectType[T protocol.Event](t *testing.T, conn *websocket.Conn) T {
	t.Helper()

	ev := readEvent(t, conn)
	typed, ok := ev.(T)
	if !ok {
		t.Fatalf("got %s event, want %T", ev.EventType(), typed)
	}
	return typed
}

// pairTwo dials two clients, joins both, and returns them paired. The
// second joiner is the initiator.
func pairTwo(t *testing.T, h *harness) (*wsClient, *wsClient) {
	t.Helper()

	a := h.dial(t, nil)
	a.send(t, &protocol.JoinEvent{})
	expectType[*protocol.WaitingEvent](t, a.conn)

	b := h.dial(t, nil)
	b.send(t, &protocol.JoinEvent{})

	pairedB := expectType[*protocol.PairedEvent](t, b.conn)
	pairedA := expectType[*protocol.PairedEvent](t, a.conn)

	if !pairedB.Initiator || pairedA.Initiator {
		t.Fatalf("initiator flags: a=%v b=%v, want the fresh joiner to initiate", pairedA.Initiator, pairedB.Initiator)
	}
	if pairedA.Peer != b.id || pairedB.Peer != a.id {
		t.Fatalf("peer ids do not cross-match: a saw %q, b saw %q", pairedA.Peer, pairedB.Peer)
	}
	return a, b
}

func TestConnectAndPair(t *testing.T) {
	h := newHarness(t)
	pairTwo(t, h)
}

func TestSignalRelay(t *testing.T) {
	h := newHarness(t)
	a, b := pairTwo(t, h)

	// Interior whitespace and <, & catch any re-encode on the way through:
	// encoding/json would compact the spaces and escape the angle brackets.
	payload := json.RawMessage(`{"sdp": "v=0 a<b & c", "kind": "offer"}`)
	b.send(t, &protocol.SignalEvent{Peer: a.id, Signal: payload})

	got := expectType[*protocol.SignalEvent](t, a.conn)
	if got.Peer != b.id {
		t.Errorf("relayed peer = %q, want sender id %q", got.Peer, b.id)
	}
	if string(got.Signal) != string(payload) {
		t.Errorf("relayed payload = %s, want the exact bytes sent", got.Signal)
	}
}

func TestReportAcknowledged(t *testing.T) {
	h := newHarness(t)
	a, b := pairTwo(t, h)

	a.send(t, &protocol.ReportEvent{Peer: b.id, Reason: "inappropriate behavior"})
	ack := expectType[*protocol.ReportSubmittedEvent](t, a.conn)
	if !ack.Success {
		t.Error("report acknowledgement carries success=false")
	}

	// An empty reason is a client error, not an internal one.
	a.send(t, &protocol.ReportEvent{Peer: b.id, Reason: ""})
	errEv := expectType[*protocol.ErrorEvent](t, a.conn)
	if errEv.Message == "internal error" {
		t.Errorf("validation failure reported as internal error")
	}
}

func TestBannedIPRejectedAtAdmission(t *testing.T) {
	h := newHarness(t)

	const badIP = "203.0.113.9"
	if err := h.abuse.BanIP(context.Background(), badIP, "test ban"); err != nil {
		t.Fatalf("banning: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{"X-Forwarded-For": []string{badIP}}
	_, resp, err := websocket.Dial(ctx, h.ts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err == nil {
		t.Fatal("banned IP was admitted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %+v, want 403", resp)
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, nil)

	a.sendRaw(t, []byte("not json at all"))
	a.sendRaw(t, []byte(`{"type":"no-such-event"}`))
	a.sendRaw(t, []byte(`{"type":"paired","peer":"x"}`))

	// The connection survives and keeps working.
	a.send(t, &protocol.JoinEvent{})
	expectType[*protocol.WaitingEvent](t, a.conn)
}

func TestPartnerSocketCloseRematches(t *testing.T) {
	h := newHarness(t)
	a, b := pairTwo(t, h)

	if err := b.conn.Close(websocket.StatusNormalClosure, "done"); err != nil {
		t.Fatalf("closing partner socket: %v", err)
	}

	// Cleanup dissolves the pair and re-runs the match step for the
	// survivor; with nobody else around that lands them back in the pool.
	expectType[*protocol.PartnerDisconnectedEvent](t, a.conn)
	expectType[*protocol.WaitingEvent](t, a.conn)
}

func TestCloseNotifiesPairedClientsOnce(t *testing.T) {
	h := newHarness(t)
	a, b := pairTwo(t, h)

	h.hub.Close()

	// Shutdown dissolves the pair up front, so each side hears about its
	// partner exactly once before the close frame.
	for _, c := range []*wsClient{a, b} {
		expectType[*protocol.PartnerDisconnectedEvent](t, c.conn)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, data, err := c.conn.Read(ctx); err == nil {
			t.Errorf("client %s got extra event after shutdown notice: %s", c.id, data)
		}
		cancel()
	}
}

func TestLeaveRoundTrip(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t, nil)

	a.send(t, &protocol.JoinEvent{})
	expectType[*protocol.WaitingEvent](t, a.conn)

	a.send(t, &protocol.LeaveEvent{})
	expectType[*protocol.LeftEvent](t, a.conn)

	// Leaving while idle still gets an acknowledgement.
	a.send(t, &protocol.LeaveEvent{})
	expectType[*protocol.LeftEvent](t, a.conn)
}

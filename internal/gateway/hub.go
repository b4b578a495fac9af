// Package gateway admits WebSocket client sessions and shuttles their
// events to the matchmaker, signal relay, and abuse controller.
//
// Each connection gets a reader (this handler) and one writer goroutine;
// inbound events are dispatched strictly one at a time per connection,
// which is the ordering guarantee the matchmaker builds on.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mingleio/mingle/internal/abuse"
	"github.com/mingleio/mingle/internal/match"
	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/internal/relay"
	"github.com/mingleio/mingle/pkg/protocol"
)

// readLimit bounds a single inbound frame. Signals top out at 50 000
// bytes; the envelope around them fits comfortably in the slack.
const readLimit = 64 << 10

// Hub accepts client connections and dispatches their events.
// It implements http.Handler and can be mounted on any HTTP server.
type Hub struct {
	reg     *registry.Registry
	mm      *match.Matchmaker
	relay   *relay.Relay
	abuse   *abuse.Controller
	pairs   *pairs.Manager
	met     *metrics.Metrics
	log     *slog.Logger
	origins []string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	sessions sync.WaitGroup
}

// Options configures a Hub.
type Options struct {
	// Origins are the allowed WebSocket origin patterns. Empty means
	// same-origin only.
	Origins []string
}

// NewHub creates a connection gateway.
func NewHub(reg *registry.Registry, mm *match.Matchmaker, rl *relay.Relay, ab *abuse.Controller, p *pairs.Manager, met *metrics.Metrics, logger *slog.Logger, opts Options) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		reg:     reg,
		mm:      mm,
		relay:   rl,
		abuse:   ab,
		pairs:   p,
		met:     met,
		log:     logger.With("component", "gateway"),
		origins: opts.Origins,
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request to a WebSocket session and runs it to
// completion. The connection id is minted here and is the client's sole
// identity for its lifetime.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if !h.abuse.Admissible(ip) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()

	cl := newClient(uuid.NewString(), ip, conn)
	log := h.log.With("conn_id", cl.id)

	if err := h.reg.Register(ctx, cl.id, cl, ip); err != nil {
		log.Error("registering connection", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "registration failed")
		return
	}

	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()
	h.sessions.Add(1)
	h.met.Connections.Inc()

	log.Info("client connected", "ip", ip)

	// Terminal cleanup runs exactly once, whatever ends the session.
	defer func() {
		defer h.sessions.Done()
		h.mu.Lock()
		delete(h.clients, cl.id)
		h.mu.Unlock()
		h.met.Connections.Dec()

		cl.close(websocket.StatusNormalClosure, "")

		// Unregister before Disconnect so the match step cannot hand
		// this id back out of the queue.
		cleanupCtx := context.WithoutCancel(ctx)
		h.reg.Unregister(cleanupCtx, cl.id)
		if err := h.mm.Disconnect(cleanupCtx, cl.id); err != nil {
			log.Warn("disconnect cleanup", "error", err)
		}
		log.Info("client disconnected")
	}()

	go cl.writeLoop(ctx)

	h.reg.Deliver(ctx, cl.id, &protocol.ConnectedEvent{ID: cl.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		h.dispatch(ctx, cl, log, data)
	}
}

// dispatch decodes and handles one inbound event. Handler failures never
// cross the connection boundary: they are logged with the connection id
// and surfaced to the client as an error event when the event had
// user-visible intent.
func (h *Hub) dispatch(ctx context.Context, cl *client, log *slog.Logger, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in event handler", "panic", rec)
			h.reg.Deliver(ctx, cl.id, &protocol.ErrorEvent{Message: "internal error"})
		}
	}()

	ev, err := protocol.Unmarshal(data)
	if err != nil {
		log.Warn("ignoring malformed event", "error", err)
		return
	}
	h.met.EventsTotal.WithLabelValues(ev.EventType()).Inc()

	switch ev := ev.(type) {
	case *protocol.JoinEvent:
		h.run(ctx, cl, log, "join", func() error { return h.mm.Join(ctx, cl.id) })
	case *protocol.NextEvent:
		h.run(ctx, cl, log, "next", func() error { return h.mm.Next(ctx, cl.id) })
	case *protocol.LeaveEvent:
		h.run(ctx, cl, log, "leave", func() error { return h.mm.Leave(ctx, cl.id) })
	case *protocol.SignalEvent:
		h.run(ctx, cl, log, "signal", func() error { return h.relay.Forward(ctx, cl.id, ev) })
	case *protocol.ReportEvent:
		h.handleReport(ctx, cl, log, ev)
	default:
		// Server-to-client event types arriving inbound are client bugs.
		log.Debug("dropping unexpected inbound event", "type", ev.EventType())
	}
}

// run executes op and converts failures into a logged error event. The
// client never learns internals, only that the operation failed.
func (h *Hub) run(ctx context.Context, cl *client, log *slog.Logger, name string, op func() error) {
	if err := op(); err != nil {
		log.Error("event handler failed", "event", name, "error", err)
		h.reg.Deliver(ctx, cl.id, &protocol.ErrorEvent{Message: "internal error"})
	}
}

func (h *Hub) handleReport(ctx context.Context, cl *client, log *slog.Logger, ev *protocol.ReportEvent) {
	err := h.abuse.Report(ctx, cl.id, ev.Peer, ev.Reason)
	switch {
	case err == nil:
		h.reg.Deliver(ctx, cl.id, &protocol.ReportSubmittedEvent{Success: true})
	case errors.Is(err, abuse.ErrInvalidReason),
		errors.Is(err, abuse.ErrNotPaired),
		errors.Is(err, abuse.ErrUnknownPeer):
		h.reg.Deliver(ctx, cl.id, &protocol.ErrorEvent{Message: err.Error()})
	default:
		log.Error("report failed", "error", err)
		h.reg.Deliver(ctx, cl.id, &protocol.ErrorEvent{Message: "internal error"})
	}
}

// Close stops accepting connections, tells every paired local client its
// partner is going away, and tears all sessions down. Per-connection
// cleanup runs on each session's own exit path; Close waits for those to
// finish so the store is still reachable while they run.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	// Dissolve here so the per-session cleanup finds no pair and nobody
	// is told about the same partner twice. The partner may live on
	// another instance, so it is notified through the registry.
	ctx := context.Background()
	for _, cl := range clients {
		_, partner, dissolved, err := h.pairs.Dissolve(ctx, cl.id)
		if err != nil || !dissolved {
			continue
		}
		if data, err := protocol.Marshal(&protocol.PartnerDisconnectedEvent{}); err == nil {
			cl.Deliver(data)
		}
		h.reg.Deliver(ctx, partner, &protocol.PartnerDisconnectedEvent{})
	}

	for _, cl := range clients {
		cl.close(websocket.StatusGoingAway, "server shutting down")
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.log.Warn("timed out waiting for sessions to drain")
	}
}

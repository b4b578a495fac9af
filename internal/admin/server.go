// Package admin exposes the operational HTTP surface: health and ICE
// configuration for clients, Prometheus metrics, and a secret-gated set
// of moderation endpoints.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/mingleio/mingle/internal/abuse"
	"github.com/mingleio/mingle/internal/ice"
	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/queue"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/internal/store"
)

// Server holds the handlers for the non-WebSocket HTTP endpoints.
type Server struct {
	store   store.Store
	queue   *queue.Manager
	pairs   *pairs.Manager
	reg     *registry.Registry
	abuse   *abuse.Controller
	ice     ice.Config
	met     *metrics.Metrics
	log     *slog.Logger
	secret  string
	started time.Time
}

// NewServer creates the admin surface. An empty secret disables the
// /admin routes entirely; the public endpoints stay up.
func NewServer(st store.Store, q *queue.Manager, p *pairs.Manager, reg *registry.Registry, ab *abuse.Controller, iceCfg ice.Config, met *metrics.Metrics, secret string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   st,
		queue:   q,
		pairs:   p,
		reg:     reg,
		abuse:   ab,
		ice:     iceCfg,
		met:     met,
		log:     logger.With("component", "admin"),
		secret:  secret,
		started: time.Now(),
	}
}

// Register mounts all endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ice", s.handleICE)
	mux.Handle("GET /metrics", s.met.Handler())

	if s.secret == "" {
		s.log.Warn("admin secret not configured, admin endpoints disabled")
		return
	}
	mux.HandleFunc("GET /admin/stats", s.auth(s.handleStats))
	mux.HandleFunc("GET /admin/reports", s.auth(s.handleReports))
	mux.HandleFunc("GET /admin/bans", s.auth(s.handleBans))
	mux.HandleFunc("POST /admin/ban", s.auth(s.handleBan))
	mux.HandleFunc("POST /admin/unban", s.auth(s.handleUnban))
	mux.HandleFunc("POST /admin/clear-reports", s.auth(s.handleClearReports))
}

// auth gates a handler behind the X-Admin-Secret header.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Warn("health check store ping", "error", err)
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// handleICE hands a client its STUN/TURN configuration. TURN credentials
// are bound to the connection id when the client supplies one.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	connID := r.URL.Query().Get("conn")
	if connID == "" {
		connID = uuid.NewString()
	}
	s.writeJSON(w, struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}{ICEServers: s.ice.Servers(connID)})
}

// stats is the payload for /admin/stats.
type stats struct {
	InstanceID       string  `json:"instance_id"`
	LocalConnections int     `json:"local_connections"`
	QueueDepth       int64   `json:"queue_depth"`
	ActivePairs      int64   `json:"active_pairs"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := s.queue.Len(ctx)
	if err != nil {
		s.internalError(w, "reading queue depth", err)
		return
	}
	bound, err := s.pairs.Count(ctx)
	if err != nil {
		s.internalError(w, "reading pair count", err)
		return
	}

	s.writeJSON(w, stats{
		InstanceID:       s.reg.InstanceID(),
		LocalConnections: s.reg.Count(),
		QueueDepth:       depth,
		// The pair registry stores both directions of each pair.
		ActivePairs:   bound / 2,
		UptimeSeconds: time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		http.Error(w, "missing ip parameter", http.StatusBadRequest)
		return
	}
	reports, err := s.abuse.Reports(r.Context(), ip)
	if err != nil {
		s.internalError(w, "reading reports", err)
		return
	}
	s.writeJSON(w, struct {
		IP      string         `json:"ip"`
		Reports []abuse.Report `json:"reports"`
	}{IP: ip, Reports: reports})
}

func (s *Server) handleBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.abuse.Bans(r.Context())
	if err != nil {
		s.internalError(w, "reading bans", err)
		return
	}
	s.writeJSON(w, struct {
		Bans []abuse.Ban `json:"bans"`
	}{Bans: bans})
}

// banRequest is the body for /admin/ban, /admin/unban, and
// /admin/clear-reports. Only /admin/ban uses the reason.
type banRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
}

func (s *Server) decodeBanRequest(w http.ResponseWriter, r *http.Request) (banRequest, bool) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return req, false
	}
	if req.IP == "" {
		http.Error(w, "missing ip", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (s *Server) handleBan(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBanRequest(w, r)
	if !ok {
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual ban"
	}
	if err := s.abuse.BanIP(r.Context(), req.IP, reason); err != nil {
		s.internalError(w, "banning ip", err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "banned", "ip": req.IP})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBanRequest(w, r)
	if !ok {
		return
	}
	if err := s.abuse.UnbanIP(r.Context(), req.IP); err != nil {
		s.internalError(w, "unbanning ip", err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "unbanned", "ip": req.IP})
}

func (s *Server) handleClearReports(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeBanRequest(w, r)
	if !ok {
		return
	}
	if err := s.abuse.ClearReports(r.Context(), req.IP); err != nil {
		s.internalError(w, "clearing reports", err)
		return
	}
	s.writeJSON(w, map[string]string{"status": "cleared", "ip": req.IP})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.log.Error(msg, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// Package abuse enforces per-peer abuse controls: report accounting with
// an auto-ban threshold, and IP-level bans consulted at connection
// admission. Ban membership is cached per instance and kept fresh over
// the store's pub/sub bus.
package abuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mingleio/mingle/internal/metrics"
	"github.com/mingleio/mingle/internal/pairs"
	"github.com/mingleio/mingle/internal/registry"
	"github.com/mingleio/mingle/internal/store"
	"github.com/mingleio/mingle/pkg/protocol"
)

const (
	// bansKey is the shared set of banned remote IPs.
	bansKey = "banned_ips"

	// bansChannel carries ban set mutations to every instance.
	bansChannel = "mingle:bans"

	// reportTTL is the retention window for a subject's report list.
	reportTTL = 24 * time.Hour

	// autoBanThreshold is the report count that triggers an automatic ban.
	autoBanThreshold = 5

	// maxReasonLen bounds the report reason.
	maxReasonLen = 500
)

// Validation errors surfaced to the reporting client.
var (
	ErrInvalidReason = errors.New("reason must be between 1 and 500 characters")
	ErrNotPaired     = errors.New("report target is not your current partner")
	ErrUnknownPeer   = errors.New("report target has no known address")
)

func banDetailsKey(ip string) string { return "ban_details:" + ip }
func reportsKey(ip string) string    { return "reports:" + ip }

// Report is one report record, stored JSON-encoded in the subject's list.
type Report struct {
	ReporterConnID string    `json:"reporter_connection_id"`
	ReporterIP     string    `json:"reporter_ip"`
	SubjectIP      string    `json:"subject_ip"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// Ban describes one banned IP for the admin surface.
type Ban struct {
	IP        string `json:"ip"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// banNotice is the pub/sub payload for ban set mutations.
type banNotice struct {
	Op     string `json:"op"` // "ban" or "unban"
	IP     string `json:"ip"`
	Reason string `json:"reason,omitempty"`
}

// Controller implements admission checks, report accounting, and bans.
type Controller struct {
	store store.Store
	pairs *pairs.Manager
	reg   *registry.Registry
	met   *metrics.Metrics
	log   *slog.Logger
	now   func() time.Time

	mu     sync.RWMutex
	banned map[string]struct{}
}

// NewController creates a Controller and warms the ban cache from the
// store. A failed warm-up is logged, not fatal: the cache converges as
// pub/sub updates arrive.
func NewController(ctx context.Context, st store.Store, p *pairs.Manager, reg *registry.Registry, met *metrics.Metrics, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		store:  st,
		pairs:  p,
		reg:    reg,
		met:    met,
		log:    logger.With("component", "abuse"),
		now:    time.Now,
		banned: make(map[string]struct{}),
	}

	members, err := st.SetMembers(ctx, bansKey)
	if err != nil {
		c.log.Warn("loading ban set", "error", err)
		return c
	}
	for _, ip := range members {
		c.banned[ip] = struct{}{}
	}
	return c
}

// Admissible reports whether a connection from ip may be admitted.
func (c *Controller) Admissible(ip string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, banned := c.banned[ip]
	return !banned
}

// Report records that reporter accuses subject (its current partner) of
// abuse. When the subject's report list reaches the threshold within the
// retention window, the subject's IP is banned automatically.
func (c *Controller) Report(ctx context.Context, reporter, subject, reason string) error {
	if len(reason) == 0 || len(reason) > maxReasonLen {
		return ErrInvalidReason
	}

	partner, ok, err := c.pairs.Partner(ctx, reporter)
	if err != nil {
		return err
	}
	if !ok || partner != subject {
		return ErrNotPaired
	}

	subjectIP, err := c.reg.IP(ctx, subject)
	if err != nil {
		return err
	}
	if subjectIP == "" {
		return ErrUnknownPeer
	}
	reporterIP, err := c.reg.IP(ctx, reporter)
	if err != nil {
		return err
	}

	record, err := json.Marshal(Report{
		ReporterConnID: reporter,
		ReporterIP:     reporterIP,
		SubjectIP:      subjectIP,
		Reason:         reason,
		Timestamp:      c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	key := reportsKey(subjectIP)
	if err := c.store.ListPushTail(ctx, key, string(record)); err != nil {
		return fmt.Errorf("appending report: %w", err)
	}
	if err := c.store.Expire(ctx, key, reportTTL); err != nil {
		c.log.Warn("setting report ttl", "subject_ip", subjectIP, "error", err)
	}
	c.met.ReportsTotal.Inc()

	n, err := c.store.ListLen(ctx, key)
	if err != nil {
		return fmt.Errorf("counting reports: %w", err)
	}
	if n >= autoBanThreshold {
		if err := c.BanIP(ctx, subjectIP, "auto-ban: 5 or more reports in 24h"); err != nil {
			return fmt.Errorf("auto-banning %s: %w", subjectIP, err)
		}
	}
	return nil
}

// BanIP adds ip to the ban set, records the reason, notifies the cluster,
// and force-closes every local connection from that IP.
func (c *Controller) BanIP(ctx context.Context, ip, reason string) error {
	if err := c.store.SetAdd(ctx, bansKey, ip); err != nil {
		return fmt.Errorf("adding to ban set: %w", err)
	}
	if err := c.store.HashSet(ctx, banDetailsKey(ip), map[string]string{
		"reason":    reason,
		"timestamp": c.now().UTC().Format(time.RFC3339),
	}); err != nil {
		c.log.Warn("recording ban details", "ip", ip, "error", err)
	}

	c.mu.Lock()
	c.banned[ip] = struct{}{}
	c.mu.Unlock()

	c.met.BansTotal.Inc()
	c.log.Info("banned ip", "ip", ip, "reason", reason)

	notice, err := json.Marshal(banNotice{Op: "ban", IP: ip, Reason: reason})
	if err == nil {
		if err := c.store.Publish(ctx, bansChannel, notice); err != nil {
			c.log.Warn("publishing ban", "ip", ip, "error", err)
		}
	}

	c.kickIP(ctx, ip, reason)
	return nil
}

// UnbanIP removes ip from the ban set. Existing connections from that IP
// are left alone.
func (c *Controller) UnbanIP(ctx context.Context, ip string) error {
	if err := c.store.SetRemove(ctx, bansKey, ip); err != nil {
		return fmt.Errorf("removing from ban set: %w", err)
	}
	if err := c.store.Delete(ctx, banDetailsKey(ip)); err != nil {
		c.log.Warn("removing ban details", "ip", ip, "error", err)
	}

	c.mu.Lock()
	delete(c.banned, ip)
	c.mu.Unlock()

	notice, err := json.Marshal(banNotice{Op: "unban", IP: ip})
	if err == nil {
		if err := c.store.Publish(ctx, bansChannel, notice); err != nil {
			c.log.Warn("publishing unban", "ip", ip, "error", err)
		}
	}
	return nil
}

// kickIP delivers a banned event to every local connection from ip, then
// force-closes them. Remote instances do the same when the ban notice
// reaches them.
func (c *Controller) kickIP(ctx context.Context, ip, reason string) {
	for _, connID := range c.reg.ConnsForIP(ip) {
		c.reg.Deliver(ctx, connID, &protocol.BannedEvent{Reason: reason})
		c.reg.Kick(connID, "banned")
	}
}

// Run subscribes to ban set mutations and keeps the local cache fresh.
// It blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ch, err := c.store.Subscribe(ctx, bansChannel)
	if err != nil {
		return fmt.Errorf("subscribing to ban channel: %w", err)
	}

	for msg := range ch {
		var notice banNotice
		if err := json.Unmarshal(msg.Payload, &notice); err != nil {
			c.log.Warn("malformed ban notice", "error", err)
			continue
		}
		switch notice.Op {
		case "ban":
			c.mu.Lock()
			c.banned[notice.IP] = struct{}{}
			c.mu.Unlock()
			c.kickIP(ctx, notice.IP, notice.Reason)
		case "unban":
			c.mu.Lock()
			delete(c.banned, notice.IP)
			c.mu.Unlock()
		default:
			c.log.Warn("unknown ban notice op", "op", notice.Op)
		}
	}
	return nil
}

// Reports returns the current report records for ip, oldest first.
func (c *Controller) Reports(ctx context.Context, ip string) ([]Report, error) {
	raw, err := c.store.ListRange(ctx, reportsKey(ip))
	if err != nil {
		return nil, fmt.Errorf("reading reports: %w", err)
	}
	reports := make([]Report, 0, len(raw))
	for _, entry := range raw {
		var r Report
		if err := json.Unmarshal([]byte(entry), &r); err != nil {
			c.log.Warn("malformed report record", "ip", ip, "error", err)
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// ClearReports drops the report list for ip.
func (c *Controller) ClearReports(ctx context.Context, ip string) error {
	return c.store.Delete(ctx, reportsKey(ip))
}

// Bans returns every banned IP with its recorded details.
func (c *Controller) Bans(ctx context.Context) ([]Ban, error) {
	ips, err := c.store.SetMembers(ctx, bansKey)
	if err != nil {
		return nil, fmt.Errorf("reading ban set: %w", err)
	}
	bans := make([]Ban, 0, len(ips))
	for _, ip := range ips {
		details, err := c.store.HashGetAll(ctx, banDetailsKey(ip))
		if err != nil {
			c.log.Warn("reading ban details", "ip", ip, "error", err)
		}
		bans = append(bans, Ban{
			IP:        ip,
			Reason:    details["reason"],
			Timestamp: details["timestamp"],
		})
	}
	return bans, nil
}

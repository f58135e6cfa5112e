// Package limiter holds the admission controls: the per-IP ban table, the
// per-IP websocket connection counter, and the per-connection packet-rate
// window.
package limiter

import (
	"sync"
	"time"
)

// RateLimitBan is the fixed ban applied when a connection exceeds the
// packet-rate limit.
const RateLimitBan = 15 * time.Second

// Controller tracks IP bans and open websocket counts. Expired bans are
// removed lazily on lookup.
type Controller struct {
	maxPerIP    int // 0 = unlimited
	banDuration time.Duration

	mu    sync.Mutex
	bans  map[string]time.Time
	conns map[string]int
}

// NewController builds a controller. maxPerIP of zero disables the
// connection limit.
func NewController(maxPerIP int, banDuration time.Duration) *Controller {
	return &Controller{
		maxPerIP:    maxPerIP,
		banDuration: banDuration,
		bans:        make(map[string]time.Time),
		conns:       make(map[string]int),
	}
}

// Banned reports whether ip is currently banned and, if so, how long the
// ban has left.
func (c *Controller) Banned(ip string, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.bans[ip]
	if !ok {
		return 0, false
	}
	if !now.Before(expiry) {
		delete(c.bans, ip)
		return 0, false
	}
	return expiry.Sub(now), true
}

// Ban records a ban for ip lasting d from now.
func (c *Controller) Ban(ip string, d time.Duration, now time.Time) {
	c.mu.Lock()
	c.bans[ip] = now.Add(d)
	c.mu.Unlock()
}

// BanForConnLimit applies the configured ban duration for a connection-limit
// violation.
func (c *Controller) BanForConnLimit(ip string, now time.Time) {
	c.Ban(ip, c.banDuration, now)
}

// AddConn registers one open websocket for ip. It returns false when the
// configured per-IP limit is reached; the caller then bans and sheds.
func (c *Controller) AddConn(ip string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxPerIP > 0 && c.conns[ip] >= c.maxPerIP {
		return false
	}
	c.conns[ip]++
	return true
}

// RemoveConn unregisters one open websocket for ip.
func (c *Controller) RemoveConn(ip string) {
	c.mu.Lock()
	if n := c.conns[ip]; n <= 1 {
		delete(c.conns, ip)
	} else {
		c.conns[ip] = n - 1
	}
	c.mu.Unlock()
}

// ConnCount reports the open websocket count for ip.
func (c *Controller) ConnCount(ip string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[ip]
}

// PacketWindow is a fixed one-second window anchored at the first packet.
// If the window has expired when a packet arrives, it restarts on that
// packet. Owned by a single connection goroutine; no locking.
type PacketWindow struct {
	start time.Time
	count int
}

// Allow counts one packet and reports whether the connection stays within
// max packets per second.
func (w *PacketWindow) Allow(now time.Time, max int) bool {
	if w.start.IsZero() || now.Sub(w.start) >= time.Second {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= max
}

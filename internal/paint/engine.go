// Package paint validates paint attempts and applies accepted writes to the
// board. The engine never returns an error; every outcome maps to a result
// byte sent back on the wire.
package paint

import (
	"sync"
	"time"

	"paintboard/server/internal/auth"
	"paintboard/server/internal/board"
)

// Result is the outcome byte of a paint attempt.
type Result byte

const (
	ResultSuccess      Result = 0xEF
	ResultCooling      Result = 0xEE
	ResultInvalidToken Result = 0xED
	ResultBadFormat    Result = 0xEC
	ResultNoPermission Result = 0xEB
	ResultServerError  Result = 0xEA
)

// String names the result for logs and diagnostics.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultCooling:
		return "cooling"
	case ResultInvalidToken:
		return "invalid_token"
	case ResultBadFormat:
		return "bad_format"
	case ResultNoPermission:
		return "no_permission"
	case ResultServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

// Engine applies authenticated pixel writes. The cooldown table is keyed by
// uid so rotating a token cannot evade the paint delay.
type Engine struct {
	board    *board.Board
	registry *auth.Registry
	delay    time.Duration

	mu         sync.Mutex
	lastPaint  map[int]time.Time
	bannedUIDs map[int]struct{}

	trackWriters bool
}

// NewEngine constructs an engine enforcing the given paint delay.
func NewEngine(b *board.Board, registry *auth.Registry, delay time.Duration) *Engine {
	return &Engine{
		board:      b,
		registry:   registry,
		delay:      delay,
		lastPaint:  make(map[int]time.Time),
		bannedUIDs: make(map[int]struct{}),
	}
}

// TrackWriters records the last accepted uid per pixel on the board.
func (e *Engine) TrackWriters() {
	e.trackWriters = true
	e.board.TrackWriters()
}

// TryPaint validates one paint attempt and applies it when accepted.
// Checks run in a fixed order: uid ban, token binding, cooldown, bounds.
// A COOLING outcome leaves the cooldown entry untouched.
func (e *Engine) TryPaint(token string, uid, x, y int, r, g, b byte, now time.Time) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, banned := e.bannedUIDs[uid]; banned {
		return ResultNoPermission
	}

	boundUID, ok := e.registry.Lookup(token)
	if !ok || boundUID != uid {
		return ResultInvalidToken
	}

	if last, ok := e.lastPaint[uid]; ok && now.Sub(last) < e.delay {
		return ResultCooling
	}

	if !e.board.Set(x, y, r, g, b) {
		return ResultBadFormat
	}
	if e.trackWriters {
		e.board.RecordWriter(x, y, uid, now)
	}

	e.lastPaint[uid] = now
	return ResultSuccess
}

// BanUID denies service to a uid regardless of token validity.
func (e *Engine) BanUID(uid int) {
	e.mu.Lock()
	e.bannedUIDs[uid] = struct{}{}
	e.mu.Unlock()
}

// UnbanUID restores service for a uid.
func (e *Engine) UnbanUID(uid int) {
	e.mu.Lock()
	delete(e.bannedUIDs, uid)
	e.mu.Unlock()
}

// UIDBanned reports whether a uid is currently denied.
func (e *Engine) UIDBanned(uid int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, banned := e.bannedUIDs[uid]
	return banned
}

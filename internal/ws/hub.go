// Package ws implements the websocket protocol engine and the tick
// scheduler that batches dirty-pixel broadcasts.
package ws

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paintboard/server/internal/board"
	"paintboard/server/internal/limiter"
	"paintboard/server/internal/paint"
	"paintboard/server/internal/proto"
	"paintboard/server/internal/telemetry"
)

// Config carries the hub's tunables.
type Config struct {
	TicksPerSecond      int
	MaxPacketPerSecond  int
	EnableTokenCounting bool
}

// Hub owns every live websocket session and drives the broadcast tick.
type Hub struct {
	log      *zap.SugaredLogger
	board    *board.Board
	engine   *paint.Engine
	limits   *limiter.Controller
	counters *telemetry.Counters
	cfg      Config
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[uint64]*session
	nextID   atomic.Uint64
}

// NewHub wires the protocol engine to the paint core.
func NewHub(b *board.Board, engine *paint.Engine, limits *limiter.Controller, counters *telemetry.Counters, cfg Config, log *zap.SugaredLogger) *Hub {
	return &Hub{
		log:      log,
		board:    b,
		engine:   engine,
		limits:   limits,
		counters: counters,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		sessions: make(map[uint64]*session),
	}
}

// clientIP strips the port from a remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// HandleUpgrade admits one websocket connection: ban check, upgrade,
// connection-limit check, then session start.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	now := time.Now()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debugw("websocket upgrade failed", "ip", ip, "error", err)
		return
	}

	if _, banned := h.limits.Banned(ip, now); banned {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "ip banned")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	if !h.limits.AddConn(ip) {
		h.limits.BanForConnLimit(ip, now)
		h.log.Infow("connection limit reached, banning ip", "ip", ip)
		h.closeIP(ip, websocket.ClosePolicyViolation, "connection limit")
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit")
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	s := newSession(h.nextID.Add(1), ip, conn, h)
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.counters.ConnectionOpened()
	s.startHeartbeat()
	go h.readLoop(s)
}

// readLoop parses incoming frames until the connection dies or violates
// the protocol. Frames may concatenate multiple packets.
func (h *Hub) readLoop(s *session) {
	s.conn.SetReadLimit(maxFrameSize)

	for {
		s.conn.SetReadDeadline(time.Now().Add(readIdleTimeout))
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			h.dropSession(s)
			return
		}
		if messageType != websocket.BinaryMessage {
			h.closeSession(s, websocket.CloseProtocolError, "binary frames only")
			return
		}

		now := time.Now()
		for len(payload) > 0 {
			if !s.window.Allow(now, h.cfg.MaxPacketPerSecond) {
				h.limits.Ban(s.ip, limiter.RateLimitBan, now)
				h.log.Infow("packet rate exceeded, banning ip", "ip", s.ip)
				h.closeIP(s.ip, websocket.CloseTryAgainLater, "rate limit")
				return
			}

			switch payload[0] {
			case proto.TagPong:
				if err := s.handlePong(); err != nil {
					h.closeSession(s, websocket.CloseProtocolError, "unexpected pong")
					return
				}
				payload = payload[1:]
			case proto.TagPaint:
				req, err := proto.DecodePaint(payload)
				if err != nil {
					h.closeSession(s, websocket.CloseProtocolError, "truncated paint packet")
					return
				}
				h.handlePaint(s, req, now)
				payload = payload[proto.PaintPacketLen:]
			default:
				h.closeSession(s, websocket.CloseProtocolError, "unknown packet tag")
				return
			}
		}
	}
}

func (h *Hub) handlePaint(s *session, req proto.PaintRequest, now time.Time) {
	if h.cfg.EnableTokenCounting {
		if _, seen := s.tokens[req.Token]; !seen {
			s.tokens[req.Token] = struct{}{}
			h.counters.RecordDistinctToken()
		}
	}

	res := h.engine.TryPaint(req.Token, req.UID, req.X, req.Y, req.R, req.G, req.B, now)
	h.counters.RecordPaint(res == paint.ResultSuccess)
	s.enqueueResult(req.RequestID, byte(res))
}

// Run drives the tick scheduler until the context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	interval := time.Second / time.Duration(h.cfg.TicksPerSecond)
	overloadBudget := interval + 50*time.Millisecond

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			h.closeAll(websocket.CloseGoingAway, "server shutting down")
			return
		case now := <-ticker.C:
			if elapsed := now.Sub(last); elapsed > overloadBudget {
				h.log.Warnw("tick overloaded", "elapsed", elapsed, "budget", interval)
			}
			last = now

			start := time.Now()
			h.tick()
			h.counters.RecordTickDuration(time.Since(start))
		}
	}
}

// tick drains the dirty set into one broadcast frame, appends it to every
// session's buffer, and flushes each buffer in a single socket write.
func (h *Hub) tick() {
	frame := proto.EncodeBroadcastBatch(h.board.DrainDirty())
	if frame != nil {
		h.counters.RecordBroadcast(len(frame), len(frame)/proto.BroadcastRecordLen)
	}

	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		data := s.appendAndTake(frame)
		if len(data) == 0 {
			continue
		}
		if err := s.writeBinary(data); err != nil {
			h.log.Debugw("flush failed, dropping session", "session", s.id, "ip", s.ip, "error", err)
			h.dropSession(s)
		}
	}
}

// closeSession tears a session down with a close frame, flushing pending
// bytes best effort. Safe to call more than once.
func (h *Hub) closeSession(s *session, code int, reason string) {
	pending, first := s.markClosed()
	if !first {
		return
	}
	if len(pending) > 0 {
		s.writeBinary(pending)
	}
	s.writeClose(code, reason)
	s.conn.Close()
	h.forget(s)
}

// dropSession tears a session down without a close frame, for connections
// that already failed.
func (h *Hub) dropSession(s *session) {
	if _, first := s.markClosed(); !first {
		return
	}
	s.conn.Close()
	h.forget(s)
}

func (h *Hub) forget(s *session) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.limits.RemoveConn(s.ip)
	h.counters.ConnectionClosed()
}

// closeIP closes every session from an IP with the given code.
func (h *Hub) closeIP(ip string, code int, reason string) {
	h.mu.Lock()
	matched := make([]*session, 0)
	for _, s := range h.sessions {
		if s.ip == ip {
			matched = append(matched, s)
		}
	}
	h.mu.Unlock()

	for _, s := range matched {
		h.closeSession(s, code, reason)
	}
}

func (h *Hub) closeAll(code int, reason string) {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		h.closeSession(s, code, reason)
	}
}

// TickRate reports the configured broadcast frequency in Hz.
func (h *Hub) TickRate() int {
	return h.cfg.TicksPerSecond
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

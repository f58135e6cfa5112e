package ws

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"paintboard/server/internal/limiter"
	"paintboard/server/internal/proto"
)

const (
	writeWait       = 10 * time.Second
	readIdleTimeout = 60 * time.Second
	maxFrameSize    = 64 * 1024
)

// Heartbeat tunables. Variables so tests can shrink the timers.
var (
	pongDeadline = 3 * time.Second
	minPingDelay = 1 * time.Second
	maxPingDelay = 30 * time.Second
)

var errUnexpectedPong = errors.New("pong received without outstanding ping")

// session is the per-connection state owned by the protocol engine. The
// send buffer accumulates ping bytes, paint results, and broadcast records
// between ticks; the tick scheduler flushes it in a single socket write.
type session struct {
	id          uint64
	ip          string
	conn        *websocket.Conn
	hub         *Hub
	connectedAt time.Time

	// mu guards the send buffer, the heartbeat state, and the closed flag.
	mu          sync.Mutex
	buf         []byte
	closed      bool
	waitingPong bool
	pingTimer   *time.Timer
	pongTimer   *time.Timer

	// writeMu serializes writes to the underlying connection.
	writeMu sync.Mutex

	// Owned by the read goroutine.
	window limiter.PacketWindow
	tokens map[string]struct{}
}

func newSession(id uint64, ip string, conn *websocket.Conn, hub *Hub) *session {
	return &session{
		id:          id,
		ip:          ip,
		conn:        conn,
		hub:         hub,
		connectedAt: time.Now(),
		tokens:      make(map[string]struct{}),
	}
}

// pingDelay draws the next heartbeat delay uniformly from [1s, 30s).
func pingDelay() time.Duration {
	return minPingDelay + time.Duration(rand.Int63n(int64(maxPingDelay-minPingDelay)))
}

// schedulePing arms the next heartbeat probe. Callers must hold s.mu.
func (s *session) schedulePingLocked() {
	if s.closed {
		return
	}
	s.pingTimer = time.AfterFunc(pingDelay(), s.firePing)
}

// startHeartbeat arms the first ping after the connection opens.
func (s *session) startHeartbeat() {
	s.mu.Lock()
	s.schedulePingLocked()
	s.mu.Unlock()
}

// firePing appends the ping byte to the send buffer and starts the pong
// deadline.
func (s *session) firePing() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.buf = append(s.buf, proto.TagPing)
	s.waitingPong = true
	s.pongTimer = time.AfterFunc(pongDeadline, func() {
		s.hub.closeSession(s, websocket.CloseGoingAway, "ping timeout")
	})
	s.mu.Unlock()
}

// handlePong processes an incoming pong byte. A pong with no outstanding
// ping is a protocol violation.
func (s *session) handlePong() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.waitingPong {
		return errUnexpectedPong
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	s.waitingPong = false
	s.schedulePingLocked()
	return nil
}

// enqueueResult appends a paint-result packet to the send buffer.
func (s *session) enqueueResult(requestID uint32, code byte) {
	s.mu.Lock()
	if !s.closed {
		s.buf = proto.AppendPaintResult(s.buf, requestID, code)
	}
	s.mu.Unlock()
}

// appendAndTake appends the broadcast frame (which may be nil) and returns
// the full pending buffer, leaving it empty.
func (s *session) appendAndTake(frame []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.buf = append(s.buf, frame...)
	if len(s.buf) == 0 {
		return nil
	}
	out := s.buf
	s.buf = nil
	return out
}

// markClosed flips the closed flag, cancels both heartbeat timers, and
// returns any unflushed bytes. The first caller wins.
func (s *session) markClosed() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	s.closed = true
	if s.pingTimer != nil {
		s.pingTimer.Stop()
		s.pingTimer = nil
	}
	if s.pongTimer != nil {
		s.pongTimer.Stop()
		s.pongTimer = nil
	}
	out := s.buf
	s.buf = nil
	return out, true
}

// writeBinary pushes one binary frame to the socket.
func (s *session) writeBinary(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// writeClose sends a close control frame; best effort.
func (s *session) writeClose(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	message := websocket.FormatCloseMessage(code, reason)
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, message)
}

package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"paintboard/server/internal/auth"
	"paintboard/server/internal/board"
	"paintboard/server/internal/limiter"
	"paintboard/server/internal/paint"
	"paintboard/server/internal/proto"
	"paintboard/server/internal/telemetry"
)

type hubFixture struct {
	hub      *Hub
	board    *board.Board
	registry *auth.Registry
	limits   *limiter.Controller
	server   *httptest.Server
	cancel   context.CancelFunc
}

func newHubFixture(t *testing.T, cfg Config, maxPerIP int, delay time.Duration) *hubFixture {
	t.Helper()

	b, err := board.New(4, 2)
	if err != nil {
		t.Fatalf("board.New returned error: %v", err)
	}
	registry := auth.NewRegistry()
	engine := paint.NewEngine(b, registry, delay)
	limits := limiter.NewController(maxPerIP, time.Minute)
	counters := telemetry.NewCounters()

	hub := NewHub(b, engine, limits, counters, cfg, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleUpgrade))

	f := &hubFixture{hub: hub, board: b, registry: registry, limits: limits, server: server, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return f
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// collectPackets reads binary frames until the wanted packets arrive,
// splitting the byte stream into protocol packets. Ping bytes may
// interleave at any point.
func collectPackets(t *testing.T, conn *websocket.Conn, want func(results [][]byte, broadcasts [][]byte) bool) (results [][]byte, broadcasts [][]byte) {
	t.Helper()
	var pending []byte

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed before expected packets arrived: %v (results=%d broadcasts=%d)", err, len(results), len(broadcasts))
		}
		pending = append(pending, frame...)

		for len(pending) > 0 {
			switch pending[0] {
			case proto.TagPing:
				pending = pending[1:]
			case proto.TagPaintResult:
				if len(pending) < proto.PaintResultPacketLen {
					t.Fatalf("truncated paint result % X", pending)
				}
				results = append(results, append([]byte(nil), pending[:proto.PaintResultPacketLen]...))
				pending = pending[proto.PaintResultPacketLen:]
			case proto.TagBroadcast:
				if len(pending) < proto.BroadcastRecordLen {
					t.Fatalf("truncated broadcast record % X", pending)
				}
				broadcasts = append(broadcasts, append([]byte(nil), pending[:proto.BroadcastRecordLen]...))
				pending = pending[proto.BroadcastRecordLen:]
			default:
				t.Fatalf("unexpected packet tag 0x%02X", pending[0])
			}
		}

		if want(results, broadcasts) {
			return results, broadcasts
		}
	}
}

func paintPacket(t *testing.T, token string, uid, x, y int, r, g, b byte, id uint32) []byte {
	t.Helper()
	p, err := proto.EncodePaint(proto.PaintRequest{
		X: x, Y: y, R: r, G: g, B: b, UID: uid, Token: token, RequestID: id,
	})
	if err != nil {
		t.Fatalf("EncodePaint returned error: %v", err)
	}
	return p
}

func TestHappyPaintAndBroadcast(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, time.Second)
	token := f.registry.Issue(42)

	conn := f.dial(t)
	if err := conn.WriteMessage(websocket.BinaryMessage, paintPacket(t, token, 42, 1, 0, 255, 0, 0, 7)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	results, broadcasts := collectPackets(t, conn, func(results, broadcasts [][]byte) bool {
		return len(results) >= 1 && len(broadcasts) >= 1
	})

	wantResult := []byte{0xFF, 0x07, 0x00, 0x00, 0x00, 0xEF}
	if got := results[0]; string(got) != string(wantResult) {
		t.Fatalf("unexpected paint result % X, want % X", got, wantResult)
	}

	wantBroadcast := []byte{0xFA, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x00, 0x00}
	if got := broadcasts[0]; string(got) != string(wantBroadcast) {
		t.Fatalf("unexpected broadcast % X, want % X", got, wantBroadcast)
	}
}

func TestCooldownReply(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, time.Hour)
	token := f.registry.Issue(42)

	conn := f.dial(t)
	// Two paints in one frame: the second must cool.
	frame := append(
		paintPacket(t, token, 42, 1, 0, 255, 0, 0, 1),
		paintPacket(t, token, 42, 2, 0, 0, 255, 0, 2)...,
	)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	results, _ := collectPackets(t, conn, func(results, broadcasts [][]byte) bool {
		return len(results) >= 2
	})

	if results[0][5] != byte(paint.ResultSuccess) {
		t.Fatalf("expected first paint to succeed, got 0x%02X", results[0][5])
	}
	if results[1][5] != byte(paint.ResultCooling) {
		t.Fatalf("expected second paint to cool, got 0x%02X", results[1][5])
	}
}

func TestOutOfBoundsReply(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, 0)
	token := f.registry.Issue(42)

	conn := f.dial(t)
	if err := conn.WriteMessage(websocket.BinaryMessage, paintPacket(t, token, 42, 10, 0, 1, 1, 1, 3)); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	results, _ := collectPackets(t, conn, func(results, broadcasts [][]byte) bool {
		return len(results) >= 1
	})
	if results[0][5] != byte(paint.ResultBadFormat) {
		t.Fatalf("expected BAD_FORMAT, got 0x%02X", results[0][5])
	}
	if f.board.DirtyCount() != 0 {
		t.Fatalf("expected no dirty pixels after rejected paint")
	}
}

func TestUnknownTagCloses(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, 0)

	conn := f.dial(t)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x42}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	expectClose(t, conn, websocket.CloseProtocolError)
}

func TestUnexpectedPongCloses(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, 0)

	conn := f.dial(t)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{proto.TagPong}); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	expectClose(t, conn, websocket.CloseProtocolError)
}

func TestRateLimitBansIP(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 4}, 0, 0)
	token := f.registry.Issue(42)

	conn := f.dial(t)
	var frame []byte
	for i := 0; i < 6; i++ {
		frame = append(frame, paintPacket(t, token, 42, 0, 0, 1, 1, 1, uint32(i))...)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	expectClose(t, conn, websocket.CloseTryAgainLater)

	if _, banned := f.limits.Banned("127.0.0.1", time.Now()); !banned {
		t.Fatalf("expected 127.0.0.1 to be banned after rate limit")
	}
}

func TestConnectionLimit(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 1, 0)

	first := f.dial(t)
	waitFor(t, func() bool { return f.hub.SessionCount() == 1 })

	second := f.dial(t)
	expectClose(t, second, websocket.ClosePolicyViolation)
	expectClose(t, first, websocket.ClosePolicyViolation)

	if _, banned := f.limits.Banned("127.0.0.1", time.Now()); !banned {
		t.Fatalf("expected ip ban after connection limit")
	}
	waitFor(t, func() bool { return f.hub.SessionCount() == 0 })
}

func TestBatchingCoalesces(t *testing.T) {
	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, 0)
	tokens := []string{f.registry.Issue(1), f.registry.Issue(2), f.registry.Issue(3)}

	conn := f.dial(t)
	// Three writes, two distinct pixels; (0,0) written twice with the last
	// write carrying (1,2,3).
	frame := paintPacket(t, tokens[0], 1, 0, 0, 9, 9, 9, 1)
	frame = append(frame, paintPacket(t, tokens[1], 2, 1, 0, 5, 6, 7, 2)...)
	frame = append(frame, paintPacket(t, tokens[2], 3, 0, 0, 1, 2, 3, 3)...)
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	_, broadcasts := collectPackets(t, conn, func(results, broadcasts [][]byte) bool {
		return len(broadcasts) >= 2
	})

	seen := map[string][]byte{}
	for _, rec := range broadcasts {
		key := string(rec[1:5])
		seen[key] = rec
	}
	if len(seen) != 2 {
		t.Fatalf("expected exactly 2 distinct pixels, got %d", len(seen))
	}

	origin := seen[string([]byte{0, 0, 0, 0})]
	if origin == nil {
		t.Fatalf("expected broadcast for (0,0)")
	}
	if origin[5] != 1 || origin[6] != 2 || origin[7] != 3 {
		t.Fatalf("expected (0,0) to carry final color (1,2,3), got (%d,%d,%d)", origin[5], origin[6], origin[7])
	}
}

// expectClose reads (discarding data frames) until the connection closes
// and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		closeErr, ok := err.(*websocket.CloseError)
		if !ok {
			t.Fatalf("expected close error, got %v", err)
		}
		if closeErr.Code != code {
			t.Fatalf("expected close code %d, got %d", code, closeErr.Code)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestSessionHeartbeatStateMachine(t *testing.T) {
	s := newSession(1, "127.0.0.1", nil, nil)

	if err := s.handlePong(); err == nil {
		t.Fatalf("expected pong without ping to be rejected")
	}

	// Simulate a fired ping, then a timely pong.
	s.mu.Lock()
	s.buf = append(s.buf, proto.TagPing)
	s.waitingPong = true
	s.mu.Unlock()

	if err := s.handlePong(); err != nil {
		t.Fatalf("expected pong after ping to be accepted, got %v", err)
	}
	if err := s.handlePong(); err == nil {
		t.Fatalf("expected second pong to be rejected")
	}

	if _, first := s.markClosed(); !first {
		t.Fatalf("expected first markClosed to win")
	}
	if _, first := s.markClosed(); first {
		t.Fatalf("expected second markClosed to be a no-op")
	}
}

func TestPingTimeoutCloses(t *testing.T) {
	origMin, origMax, origDeadline := minPingDelay, maxPingDelay, pongDeadline
	minPingDelay, maxPingDelay, pongDeadline = 10*time.Millisecond, 20*time.Millisecond, 50*time.Millisecond
	t.Cleanup(func() {
		minPingDelay, maxPingDelay, pongDeadline = origMin, origMax, origDeadline
	})

	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, 0)
	conn := f.dial(t)

	// Never answer the ping; the pong deadline must close the connection.
	expectClose(t, conn, websocket.CloseGoingAway)
	waitFor(t, func() bool { return f.hub.SessionCount() == 0 })
}

func TestPongAnswersPing(t *testing.T) {
	origMin, origMax := minPingDelay, maxPingDelay
	minPingDelay, maxPingDelay = 10*time.Millisecond, 20*time.Millisecond
	t.Cleanup(func() {
		minPingDelay, maxPingDelay = origMin, origMax
	})

	f := newHubFixture(t, Config{TicksPerSecond: 128, MaxPacketPerSecond: 128}, 0, 0)
	conn := f.dial(t)

	// Answer pings for well past the pong deadline; the session must stay up.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("connection dropped while answering pings: %v", err)
		}
		for _, b := range frame {
			if b != proto.TagPing {
				t.Fatalf("unexpected packet tag 0x%02X", b)
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{proto.TagPong}); err != nil {
				t.Fatalf("pong write failed: %v", err)
			}
		}
	}

	if f.hub.SessionCount() != 1 {
		t.Fatalf("expected session to survive answered pings")
	}
}

func TestPingDelayRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		d := pingDelay()
		if d < minPingDelay || d >= maxPingDelay {
			t.Fatalf("ping delay %v outside [1s, 30s)", d)
		}
	}
}

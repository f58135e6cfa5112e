package limiter

import (
	"testing"
	"time"
)

func TestBanExpiresLazily(t *testing.T) {
	c := NewController(0, time.Minute)
	now := time.Now()

	c.Ban("1.2.3.4", 15*time.Second, now)

	remaining, banned := c.Banned("1.2.3.4", now.Add(5*time.Second))
	if !banned {
		t.Fatalf("expected ip to be banned")
	}
	if remaining != 10*time.Second {
		t.Fatalf("expected 10s remaining, got %v", remaining)
	}

	if _, banned := c.Banned("1.2.3.4", now.Add(15*time.Second)); banned {
		t.Fatalf("expected ban to expire at its deadline")
	}
	// The expired entry is removed on lookup.
	if _, banned := c.Banned("1.2.3.4", now); banned {
		t.Fatalf("expected expired entry to be gone")
	}
}

func TestConnLimit(t *testing.T) {
	c := NewController(2, time.Minute)

	if !c.AddConn("1.2.3.4") || !c.AddConn("1.2.3.4") {
		t.Fatalf("expected first two connections to be admitted")
	}
	if c.AddConn("1.2.3.4") {
		t.Fatalf("expected third connection to be rejected")
	}
	if c.ConnCount("1.2.3.4") != 2 {
		t.Fatalf("expected count 2, got %d", c.ConnCount("1.2.3.4"))
	}

	// Another IP is unaffected.
	if !c.AddConn("5.6.7.8") {
		t.Fatalf("expected other ip to be admitted")
	}

	c.RemoveConn("1.2.3.4")
	if !c.AddConn("1.2.3.4") {
		t.Fatalf("expected admission after a slot freed")
	}
}

func TestConnLimitUnlimited(t *testing.T) {
	c := NewController(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !c.AddConn("1.2.3.4") {
			t.Fatalf("expected unlimited admission, rejected at %d", i)
		}
	}
}

func TestPacketWindowFixedSecond(t *testing.T) {
	var w PacketWindow
	start := time.Now()

	for i := 0; i < 5; i++ {
		if !w.Allow(start.Add(time.Duration(i)*100*time.Millisecond), 5) {
			t.Fatalf("expected packet %d to be allowed", i)
		}
	}
	if w.Allow(start.Add(600*time.Millisecond), 5) {
		t.Fatalf("expected sixth packet inside the window to be rejected")
	}

	// A packet after the window expires restarts it.
	if !w.Allow(start.Add(1100*time.Millisecond), 5) {
		t.Fatalf("expected packet in fresh window to be allowed")
	}
}

func TestPacketWindowAnchor(t *testing.T) {
	var w PacketWindow
	start := time.Now()

	// Window anchored at the first packet, not at second boundaries.
	w.Allow(start, 2)
	w.Allow(start.Add(900*time.Millisecond), 2)
	if w.Allow(start.Add(950*time.Millisecond), 2) {
		t.Fatalf("expected third packet at +950ms to be rejected")
	}
	if !w.Allow(start.Add(time.Second), 2) {
		t.Fatalf("expected packet at +1s to start a new window")
	}
}

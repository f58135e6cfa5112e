// Package telemetry tracks cheap process-wide counters surfaced by the
// diagnostics endpoint.
package telemetry

import (
	"sync/atomic"
	"time"
)

// Counters accumulates paint and broadcast metrics on atomics so the hot
// path never takes a lock.
type Counters struct {
	paintsAccepted     atomic.Uint64
	paintsRejected     atomic.Uint64
	broadcastBytes     atomic.Uint64
	broadcastPixels    atomic.Uint64
	lastBroadcastBytes atomic.Uint64
	tickDurationMillis atomic.Int64
	openConnections    atomic.Int64
	totalConnections   atomic.Uint64
	distinctTokens     atomic.Uint64
}

// Snapshot is the JSON shape served by the diagnostics endpoint.
type Snapshot struct {
	PaintsAccepted     uint64 `json:"paintsAccepted"`
	PaintsRejected     uint64 `json:"paintsRejected"`
	BroadcastBytes     uint64 `json:"broadcastBytes"`
	BroadcastPixels    uint64 `json:"broadcastPixels"`
	LastBroadcastBytes uint64 `json:"lastBroadcastBytes"`
	TickDuration       int64  `json:"tickDurationMillis"`
	OpenConnections    int64  `json:"openConnections"`
	TotalConnections   uint64 `json:"totalConnections"`
	DistinctTokens     uint64 `json:"distinctTokens"`
}

// NewCounters returns zeroed counters.
func NewCounters() *Counters {
	return &Counters{}
}

// RecordPaint counts one paint attempt by outcome.
func (c *Counters) RecordPaint(accepted bool) {
	if accepted {
		c.paintsAccepted.Add(1)
	} else {
		c.paintsRejected.Add(1)
	}
}

// RecordBroadcast counts one tick's fan-out frame.
func (c *Counters) RecordBroadcast(bytes, pixels int) {
	if bytes < 0 {
		bytes = 0
	}
	if pixels < 0 {
		pixels = 0
	}
	c.broadcastBytes.Add(uint64(bytes))
	c.broadcastPixels.Add(uint64(pixels))
	c.lastBroadcastBytes.Store(uint64(bytes))
}

// RecordTickDuration stores the latest tick wall time.
func (c *Counters) RecordTickDuration(d time.Duration) {
	millis := d.Milliseconds()
	if millis < 0 {
		millis = 0
	}
	c.tickDurationMillis.Store(millis)
}

// ConnectionOpened counts a websocket subscription.
func (c *Counters) ConnectionOpened() {
	c.openConnections.Add(1)
	c.totalConnections.Add(1)
}

// ConnectionClosed counts a websocket teardown.
func (c *Counters) ConnectionClosed() {
	c.openConnections.Add(-1)
}

// RecordDistinctToken counts a token string first seen on a connection.
func (c *Counters) RecordDistinctToken() {
	c.distinctTokens.Add(1)
}

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		PaintsAccepted:     c.paintsAccepted.Load(),
		PaintsRejected:     c.paintsRejected.Load(),
		BroadcastBytes:     c.broadcastBytes.Load(),
		BroadcastPixels:    c.broadcastPixels.Load(),
		LastBroadcastBytes: c.lastBroadcastBytes.Load(),
		TickDuration:       c.tickDurationMillis.Load(),
		OpenConnections:    c.openConnections.Load(),
		TotalConnections:   c.totalConnections.Load(),
		DistinctTokens:     c.distinctTokens.Load(),
	}
}

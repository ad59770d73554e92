// Package actor implements the short-term memory actor and the session
// coordinator that sequences the per-message pipeline.
package actor

import (
	"sync/atomic"
	"time"
)

// Health is a point-in-time snapshot of an actor's state.
type Health struct {
	Actor         string    `json:"actor"`
	Status        string    `json:"status"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	MessageCount  int64     `json:"message_count"`
	ErrorCount    int64     `json:"error_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// base carries the bookkeeping every actor shares.
type base struct {
	name      string
	startedAt time.Time
	stopped   atomic.Bool
	messages  atomic.Int64
	errors    atomic.Int64
}

func newBase(name string) base {
	return base{name: name, startedAt: time.Now().UTC()}
}

// Name returns the actor's name as used in coordination events.
func (b *base) Name() string {
	return b.name
}

func (b *base) health() Health {
	status := "healthy"
	if b.stopped.Load() {
		status = "stopped"
	}
	return Health{
		Actor:         b.name,
		Status:        status,
		UptimeSeconds: time.Since(b.startedAt).Seconds(),
		MessageCount:  b.messages.Load(),
		ErrorCount:    b.errors.Load(),
		Timestamp:     time.Now().UTC(),
	}
}

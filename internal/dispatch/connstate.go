package dispatch

import (
	"sync"
	"time"
)

// ConnState is the broker stream connectivity state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
)

// ConnTracker records the account stream's connectivity and heartbeat.
// Shared between the stream consumer, which writes it, and the health
// endpoint and reconciliation engine, which read it.
type ConnTracker struct {
	mu            sync.RWMutex
	state         ConnState
	lastHeartbeat time.Time
	reconnects    uint64
}

// NewConnTracker starts in the disconnected state.
func NewConnTracker() *ConnTracker {
	return &ConnTracker{state: ConnDisconnected}
}

// SetState records a connectivity change. Entering the connected state
// counts as a reconnect after the first connection.
func (t *ConnTracker) SetState(s ConnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s == ConnConnected && t.state != ConnConnected {
		t.reconnects++
		t.lastHeartbeat = time.Now()
	}
	t.state = s
}

// Heartbeat records stream liveness.
func (t *ConnTracker) Heartbeat() {
	t.mu.Lock()
	t.lastHeartbeat = time.Now()
	t.mu.Unlock()
}

// State returns the current connectivity state.
func (t *ConnTracker) State() ConnState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// LastHeartbeat returns the time of the last stream heartbeat.
func (t *ConnTracker) LastHeartbeat() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastHeartbeat
}

// Reconnects returns how many times the stream has connected.
func (t *ConnTracker) Reconnects() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.reconnects
}

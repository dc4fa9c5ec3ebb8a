/*
Copyright 2026 The DeskGate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package registry implements the Connection Registry (component H):
// the global map of connection-id to Connection Record plus the
// per-VM index used by the Admission Controller and the Lifecycle
// Orchestrator. A Connection Record exists if and only if both the
// WebSocket and the TCP socket backing it are live (I5); Unregister is
// idempotent so a racing client-close and TCP-error can both attempt
// to tear down the same record safely.
package registry

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Protocol identifies which display protocol a Record carries.
type Protocol string

const (
	ProtocolVNC   Protocol = "vnc"
	ProtocolSPICE Protocol = "spice"
)

// Record is a Connection Record: created when admission passes and
// the TCP handshake completes, destroyed on either end's close/error.
type Record struct {
	ConnectionID string
	VMID         string
	Protocol     Protocol
	Upstream     string
	ClientAddr   string
	StartedAt    time.Time

	mu           sync.Mutex
	lastActivity time.Time
	alive        atomic.Bool

	WS  *websocket.Conn
	TCP net.Conn

	// WriteMu serializes every write to WS: gorilla/websocket forbids
	// concurrent writers, and a connection's splice pump, heartbeat
	// pinger and control-message replier all write to the same conn.
	WriteMu sync.Mutex
}

// Touch updates last-activity; called on every forwarded frame and on
// pong replies (both count as activity per §4.F).
func (r *Record) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// SetAlive sets the heartbeat liveness flag.
func (r *Record) SetAlive(v bool) { r.alive.Store(v) }

// Alive reports the heartbeat liveness flag.
func (r *Record) Alive() bool { return r.alive.Load() }

// WriteMessage writes a WS data frame under WriteMu.
func (r *Record) WriteMessage(messageType int, data []byte) error {
	r.WriteMu.Lock()
	defer r.WriteMu.Unlock()
	return r.WS.WriteMessage(messageType, data)
}

// WriteControl writes a WS control frame under WriteMu.
func (r *Record) WriteControl(messageType int, data []byte, deadline time.Time) error {
	r.WriteMu.Lock()
	defer r.WriteMu.Unlock()
	return r.WS.WriteControl(messageType, data, deadline)
}

// LastActivity returns the time Touch was last called.
func (r *Record) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Snapshot is a point-in-time read of registry size, used by /health
// and /metrics.
type Snapshot struct {
	TotalConnections int
	ConnectionsByVM  map[string]int
}

// Registry is the process-wide Connection Registry.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Record
	byVM        map[string]map[string]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		connections: make(map[string]*Record),
		byVM:        make(map[string]map[string]struct{}),
	}
}

// Register inserts rec, keyed by its ConnectionID, and indexes it
// under its VMID.
func (r *Registry) Register(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connections[rec.ConnectionID] = rec
	set, ok := r.byVM[rec.VMID]
	if !ok {
		set = make(map[string]struct{})
		r.byVM[rec.VMID] = set
	}
	set[rec.ConnectionID] = struct{}{}
}

// Unregister removes the record for connectionID, if present, dropping
// the VM key once its set empties. Calling it twice for the same id is
// a no-op the second time.
func (r *Registry) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.connections[connectionID]
	if !ok {
		return
	}
	delete(r.connections, connectionID)

	set, ok := r.byVM[rec.VMID]
	if !ok {
		return
	}
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.byVM, rec.VMID)
	}
}

// Get returns the record for connectionID, if any.
func (r *Registry) Get(connectionID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.connections[connectionID]
	return rec, ok
}

// Walk calls fn once for every currently-registered record, against a
// point-in-time copy of the connection list so fn may safely call back
// into the Registry (e.g. Unregister) without deadlocking.
func (r *Registry) Walk(fn func(rec *Record)) {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.connections))
	for _, rec := range r.connections {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		fn(rec)
	}
}

// Count returns the global connection count.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CountByVM returns the number of live connections for vmID.
func (r *Registry) CountByVM(vmID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byVM[vmID])
}

// CloseAllByVM closes the WebSocket (with the given close code) of
// every connection for vmID. It neither touches the TCP side nor
// Unregisters; the owning splice goroutine observes the close and
// unwinds through its normal teardown path, which half-closes TCP.
func (r *Registry) CloseAllByVM(vmID string, code int, reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byVM[vmID]))
	for id := range r.byVM[vmID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if rec, ok := r.Get(id); ok {
			closeRecord(rec, code, reason)
		}
	}
}

// CloseAll closes every live WebSocket with the given close code; used
// by the Lifecycle Orchestrator during graceful shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.connections))
	for _, rec := range r.connections {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	for _, rec := range recs {
		closeRecord(rec, code, reason)
	}
}

func closeRecord(rec *Record, code int, reason string) {
	if rec == nil || rec.WS == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = rec.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = rec.WS.Close()
}

// TakeSnapshot returns a point-in-time view of registry occupancy.
func (r *Registry) TakeSnapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byVM := make(map[string]int, len(r.byVM))
	for vmID, set := range r.byVM {
		byVM[vmID] = len(set)
	}
	return Snapshot{TotalConnections: len(r.connections), ConnectionsByVM: byVM}
}

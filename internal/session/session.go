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

// Package session implements the Session Store (component B): an
// in-process, single-process-authoritative map from session-id to the
// upstream token, VM inventory and per-VM credential cache that back
// it. Reads are shared-locked; writes to the top-level map take a
// coarse exclusive lock, while mutations to one session's credential
// cache are serialised on that session's own lock so that unrelated
// sessions never contend with each other.
package session

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
)

// VMType enumerates the kinds of VM inventory entries.
type VMType string

const (
	VMTypeStandalone VMType = "standalone"
	VMTypePool       VMType = "pool"
)

// VMInventoryEntry describes one VM available to a session, as
// returned by the upstream login call.
type VMInventoryEntry struct {
	VMID   string
	Name   string
	Status string
	Type   VMType
}

// ConnectionInfo is a VM-Credential-Cache Entry: the resolved
// host/port/password triple for one VM within one session, plus the
// time it was filled for observability. There is no independent TTL —
// its lifetime is the Session's.
type ConnectionInfo struct {
	Host     string
	Port     int
	Password string
	CachedAt time.Time
}

// Session is created on successful login and destroyed on logout,
// refresh, or process exit.
type Session struct {
	// ID is the opaque, process-unique session identifier.
	ID string
	// UpstreamToken is forwarded to the management API; never sent to
	// the browser.
	UpstreamToken string
	// VMs is the inventory snapshot taken at login time.
	VMs []VMInventoryEntry

	mu    sync.Mutex
	cache map[string]ConnectionInfo
}

func newSession(id, upstreamToken string, vms []VMInventoryEntry) *Session {
	return &Session{
		ID:            id,
		UpstreamToken: upstreamToken,
		VMs:           vms,
		cache:         make(map[string]ConnectionInfo),
	}
}

// CachedConnectionInfo returns the cached connection info for vmId, if
// any. Per I4 (credential stability), once populated this value never
// changes for the life of the session.
func (s *Session) CachedConnectionInfo(vmID string) (ConnectionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.cache[vmID]
	return info, ok
}

// FillConnectionInfo stores info for vmId if and only if no entry
// exists yet, and returns the entry that is now authoritative (either
// the one just stored, or a pre-existing one filled concurrently by
// another goroutine). This makes cache-fill safe under concurrent
// first-lookups for the same (session, vm) pair without requiring the
// caller to hold any lock across its upstream HTTP calls.
func (s *Session) FillConnectionInfo(vmID string, info ConnectionInfo) ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.cache[vmID]; ok {
		return existing
	}
	s.cache[vmID] = info
	return info
}

// VM looks up one inventory entry by vm-id.
func (s *Session) VM(vmID string) (VMInventoryEntry, bool) {
	for _, vm := range s.VMs {
		if vm.VMID == vmID {
			return vm, true
		}
	}
	return VMInventoryEntry{}, false
}

// Store is the process-wide Session Store.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Put creates and inserts a new Session, overwriting any existing
// entry with the same id.
func (s *Store) Put(id, upstreamToken string, vms []VMInventoryEntry) *Session {
	sess := newSession(id, upstreamToken, vms)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the Session for id, if any.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Remove deletes the Session for id, if any.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Clear drops every session; used by the Lifecycle Orchestrator during
// graceful shutdown.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*Session)
}

// Replace atomically removes oldId and inserts newId carrying the same
// payload as the old session, so that `refresh(bearer)` is effectively
// idempotent: the returned session's payload equals the old session's.
// It fails with NotFound if oldId is not a live session.
func (s *Store) Replace(oldID, newID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.sessions[oldID]
	if !ok {
		return nil, trace.NotFound("session %q not found", oldID)
	}

	old.mu.Lock()
	cacheCopy := make(map[string]ConnectionInfo, len(old.cache))
	for k, v := range old.cache {
		cacheCopy[k] = v
	}
	old.mu.Unlock()

	delete(s.sessions, oldID)

	next := newSession(newID, old.UpstreamToken, old.VMs)
	next.cache = cacheCopy
	s.sessions[newID] = next
	return next, nil
}

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

// Package heartbeat implements the Heartbeat Monitor (component G): a
// periodic ping-pong liveness sweep over every registered connection
// that terminates any WebSocket failing to respond within one
// heartbeat interval (I6).
package heartbeat

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/openviewer/deskgate/internal/metrics"
	"github.com/openviewer/deskgate/internal/registry"
)

// terminator closes a connection with a given close code; satisfied by
// *splice.Splice without importing it (splice already imports
// registry, and heartbeat must not import splice to avoid a cycle).
type Terminator interface {
	Close(code int, reason string)
}

// Monitor runs the liveness sweep against a Registry.
type Monitor struct {
	registry *registry.Registry
	interval time.Duration
	clock    clockwork.Clock
	log      *logrus.Entry

	// terminators maps connection-id to the Splice responsible for it,
	// so the sweep can call Close without the registry needing to know
	// about splice.Splice.
	terminators func(connectionID string) (Terminator, bool)
}

// New creates a Monitor. lookup resolves a connection-id to the
// terminator that owns its teardown (normally the Dispatcher's splice
// registry view).
func New(reg *registry.Registry, interval time.Duration, clock clockwork.Clock, log *logrus.Entry, lookup func(connectionID string) (Terminator, bool)) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{registry: reg, interval: interval, clock: clock, log: log, terminators: lookup}
}

// Run ticks every heartbeatInterval until ctx is cancelled. On each
// tick: for every connection whose isAlive flag is false, the
// connection is terminated; otherwise the flag is cleared and a ping
// is sent. A pong handler (installed by the Dispatcher at upgrade
// time) sets the flag back to true.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.sweep()
		}
	}
}

func (m *Monitor) sweep() {
	m.registry.Walk(func(rec *registry.Record) {
		if !rec.Alive() {
			m.log.WithFields(logrus.Fields{"connection_id": rec.ConnectionID}).Debug("heartbeat timeout, terminating connection")
			metrics.HeartbeatReapsTotal.Inc()
			if term, ok := m.terminators(rec.ConnectionID); ok {
				term.Close(websocket.CloseGoingAway, "heartbeat timeout")
			}
			return
		}

		rec.SetAlive(false)
		deadline := time.Now().Add(m.interval)
		if err := rec.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			m.log.WithFields(logrus.Fields{"connection_id": rec.ConnectionID}).WithError(err).Warn("failed to send heartbeat ping")
		}
	})
}

// InstallPongHandler wires rec's pong handler to mark it alive again
// and count the pong as activity, per §4.F/§4.G.
func InstallPongHandler(rec *registry.Record) {
	rec.WS.SetPongHandler(func(string) error {
		rec.SetAlive(true)
		rec.Touch()
		return nil
	})
}

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

package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openviewer/deskgate/internal/registry"
	"github.com/openviewer/deskgate/internal/session"
	"github.com/openviewer/deskgate/internal/splice"
)

// Lifecycle is the Lifecycle Orchestrator (component J): it owns the
// HTTP server and heartbeat monitor and drives graceful shutdown within
// a hard deadline.
type Lifecycle struct {
	server    *http.Server
	registry  *registry.Registry
	sessions  *session.Store
	log       *logrus.Entry
	heartbeat interface{ Run(ctx context.Context) }
	grace     time.Duration
}

// NewLifecycle builds a Lifecycle bound to the given listener address.
func NewLifecycle(addr string, d *Dispatcher, sessions *session.Store, log *logrus.Entry, grace time.Duration) *Lifecycle {
	return &Lifecycle{
		server:    &http.Server{Addr: addr, Handler: d.Router()},
		registry:  d.registry,
		sessions:  sessions,
		log:       log,
		heartbeat: d.Monitor(),
		grace:     grace,
	}
}

// Run starts the HTTP server and heartbeat monitor, and blocks until
// ctx is cancelled (typically by a signal handler), at which point it
// runs Shutdown and returns.
func (l *Lifecycle) Run(ctx context.Context) error {
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go l.heartbeat.Run(hbCtx)

	serveErr := make(chan error, 1)
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		l.log.Info("shutdown signal received, draining connections")
		return l.Shutdown()
	case err := <-serveErr:
		return err
	}
}

// Shutdown performs graceful teardown: close every live connection
// with 1001 (going away), clear the session store, then shut the HTTP
// server down, which closes its listeners and waits for in-flight
// handlers for at most the grace period, returning the context error
// if that elapses. Unlike a typical HTTP graceful shutdown, a gateway's
// connections are long-lived WebSocket splices that http.Server.Shutdown
// will never see drain on their own, so CloseAll is used to terminate
// them explicitly rather than waiting them out.
func (l *Lifecycle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.grace)
	defer cancel()

	l.registry.CloseAll(splice.CloseGoingAway, "going away")
	l.sessions.Clear()

	return l.server.Shutdown(ctx)
}

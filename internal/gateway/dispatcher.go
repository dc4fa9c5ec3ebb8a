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

// Package gateway wires components A–J together: the Connection
// Dispatcher (component I) accepts WebSocket upgrades, parses the
// path, extracts the bearer and drives verification, resolution,
// admission and dialling before handing off to the Splice Engine; the
// Lifecycle Orchestrator (component J, in lifecycle.go) owns graceful
// shutdown.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/openviewer/deskgate"
	"github.com/openviewer/deskgate/internal/admission"
	"github.com/openviewer/deskgate/internal/bearer"
	"github.com/openviewer/deskgate/internal/config"
	"github.com/openviewer/deskgate/internal/dial"
	"github.com/openviewer/deskgate/internal/heartbeat"
	"github.com/openviewer/deskgate/internal/metrics"
	"github.com/openviewer/deskgate/internal/registry"
	"github.com/openviewer/deskgate/internal/resolver"
	"github.com/openviewer/deskgate/internal/session"
	"github.com/openviewer/deskgate/internal/splice"
	"github.com/openviewer/deskgate/internal/upstream"
	"github.com/openviewer/deskgate/internal/wsutil"
)

// Dispatcher is the Connection Dispatcher: it owns the HTTP router, the
// upgrader, and a reference to every other component in the data flow
// I → C → B → A → D → E → F.
type Dispatcher struct {
	cfg       config.Config
	log       *logrus.Entry
	upgrader  websocket.Upgrader
	bearerKey *bearer.Key
	sessions  *session.Store
	resolver  *resolver.Resolver
	admission *admission.Controller
	dialer    *dial.Dialer
	registry  *registry.Registry
	pool      wsutil.SlicePool
	startedAt time.Time

	splices splices
}

// New creates a Dispatcher and its HTTP router.
func New(cfg config.Config, log *logrus.Entry, bearerKey *bearer.Key, sessions *session.Store, res *resolver.Resolver, adm *admission.Controller, dialer *dial.Dialer, reg *registry.Registry) *Dispatcher {
	d := &Dispatcher{
		cfg:       cfg,
		log:       log,
		bearerKey: bearerKey,
		sessions:  sessions,
		resolver:  res,
		admission: adm,
		dialer:    dialer,
		registry:  reg,
		pool:      wsutil.NewSlicePool(32 * 1024),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	d.splices.m = make(map[string]*splice.Splice)
	return d
}

// Router builds the httprouter.Router exposing the WebSocket and
// operational HTTP surfaces.
func (d *Dispatcher) Router() *httprouter.Router {
	r := httprouter.New()
	r.GET("/vnc/:vmId", d.handleUpgrade(resolver.ProtocolVNC))
	r.GET("/spice/:vmId", d.handleUpgrade(resolver.ProtocolSPICE))
	r.GET("/health", d.handleHealth)
	r.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	r.NotFound = http.HandlerFunc(d.handleNotFound)
	return r
}

// Monitor returns a heartbeat.Monitor wired to this dispatcher's splice
// table, so heartbeat reaps route through the same teardown path as
// every other close.
func (d *Dispatcher) Monitor() *heartbeat.Monitor {
	lookup := func(connectionID string) (heartbeat.Terminator, bool) {
		return d.splices.get(connectionID)
	}
	log := d.log.WithField("component", deskgate.Component(deskgate.ComponentGateway, deskgate.ComponentHeartbeat))
	return heartbeat.New(d.registry, d.cfg.HeartbeatInterval, nil, log, lookup)
}

// splices is the connection-id → Splice table the heartbeat monitor
// and shutdown path use to call back into the Splice Engine.
type splices struct {
	mu sync.Mutex
	m  map[string]*splice.Splice
}

func (s *splices) put(id string, sp *splice.Splice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[id] = sp
}

func (s *splices) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, id)
}

func (s *splices) get(id string) (*splice.Splice, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.m[id]
	return sp, ok
}

func (d *Dispatcher) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		ws, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		closeRaw(ws, splice.CloseProtocolError, "unrecognised path")
		return
	}
	http.NotFound(w, r)
}

func (d *Dispatcher) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap := d.registry.TakeSnapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ok",
		"uptime":            time.Since(d.startedAt).String(),
		"activeConnections": snap.TotalConnections,
		"goroutines":        runtime.NumGoroutine(),
	})
}

// handleUpgrade returns the per-protocol upgrade handler implementing
// the nine steps of §4.I.
func (d *Dispatcher) handleUpgrade(protocol resolver.Protocol) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !d.admission.AllowIP(sourceIP(r)) {
			metrics.AdmissionRejectionsTotal.WithLabelValues("per-ip").Inc()
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}

		vmID := ps.ByName("vmId")

		// Copy the shared Upgrader so per-request subprotocol selection
		// never races with other in-flight upgrades.
		upgrader := d.upgrader
		upgrader.Subprotocols = chosenSubprotocol(r)
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.log.WithError(err).Debug("websocket upgrade failed")
			return
		}

		if vmID == "" {
			closeRaw(ws, splice.CloseProtocolError, "missing vm id")
			return
		}

		token := wsutil.BearerFromRequest(r)
		if token == "" {
			closeRaw(ws, splice.ClosePolicyViolation, "missing bearer token")
			return
		}

		log := d.log.WithFields(logrus.Fields{
			"component": deskgate.Component(deskgate.ComponentGateway, deskgate.ComponentDispatcher),
			"vm_id":     vmID,
			"protocol":  protocol,
			"remote":    r.RemoteAddr,
		})

		rec := &registry.Record{
			VMID:       vmID,
			Protocol:   registry.Protocol(protocol),
			ClientAddr: r.RemoteAddr,
			StartedAt:  time.Now(),
			WS:         ws,
		}
		heartbeat.InstallPongHandler(rec)
		rec.SetAlive(true)

		sp := splice.New(rec, d.cfg.BufferMaxSize, d.pool, log, d.onClose(rec))
		sp.StartBuffering()

		d.run(r.Context(), log, sp, rec, token, vmID, protocol)
	}
}

// run performs steps 6–9 of §4.I: verify, resolve, admit, dial, then
// hand off to the already-buffering Splice.
func (d *Dispatcher) run(ctx context.Context, log *logrus.Entry, sp *splice.Splice, rec *registry.Record, token, vmID string, protocol resolver.Protocol) {
	claims, err := d.bearerKey.Verify(token)
	if err != nil {
		log.WithError(err).Info("bearer verification failed")
		sp.WriteError("authentication failed")
		sp.Abort(splice.ClosePolicyViolation, "authentication failed")
		return
	}

	target, err := d.resolver.Resolve(ctx, claims, vmID, protocol)
	if err != nil {
		metrics.ResolverErrorsTotal.WithLabelValues(resolverErrKind(err)).Inc()
		log.WithError(err).Warn("target resolution failed")
		sp.WriteError("could not resolve connection target")
		sp.Abort(resolverCloseCode(err), "resolution failed")
		return
	}

	globalCount := d.registry.Count()
	vmCount := d.registry.CountByVM(vmID)
	if err := d.admission.Check(globalCount, vmCount); err != nil {
		reason := "global"
		if globalCount < d.cfg.GlobalMax {
			reason = "per-vm"
		}
		metrics.AdmissionRejectionsTotal.WithLabelValues(reason).Inc()
		log.WithError(err).Info("admission rejected")
		sp.WriteError(err.Error())
		sp.Abort(splice.ClosePolicyViolation, err.Error())
		return
	}

	connID := d.admission.NextConnectionID(vmID)
	rec.ConnectionID = connID
	rec.Upstream = fmt.Sprintf("%s:%d", target.Host, target.Port)
	log = log.WithField("connection_id", connID)

	addr := fmt.Sprintf("%s:%d", target.Host, target.Port)
	tcpConn, err := d.dialer.Dial(ctx, log, addr)
	if err != nil {
		metrics.DialAttemptsTotal.WithLabelValues("exhausted").Inc()
		log.WithError(err).Warn("dial exhausted")
		sp.Abort(splice.CloseInternalError, "could not reach display server")
		return
	}
	metrics.DialAttemptsTotal.WithLabelValues("success").Inc()

	d.registry.Register(rec)
	d.splices.put(connID, sp)

	if err := sp.BeginStreaming(tcpConn); err != nil {
		log.WithError(err).Warn("failed to begin streaming")
		return
	}

	metrics.ConnectionsTotal.Inc()
	metrics.ConnectionsActive.Inc()
	log.Info("connection spliced")
}

func (d *Dispatcher) onClose(rec *registry.Record) func(code int, reason string) {
	return func(code int, reason string) {
		if rec.ConnectionID == "" {
			return
		}
		d.registry.Unregister(rec.ConnectionID)
		d.splices.remove(rec.ConnectionID)
		metrics.ConnectionsActive.Dec()
	}
}

func closeRaw(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}

// chosenSubprotocol implements §4.I step 4: accept "binary" when
// offered; otherwise accept the first offered protocol; otherwise
// negotiate none.
func chosenSubprotocol(r *http.Request) []string {
	offered := websocket.Subprotocols(r)
	if len(offered) == 0 {
		return nil
	}
	for _, p := range offered {
		if p == "binary" {
			return []string{"binary"}
		}
	}
	return []string{offered[0]}
}

// sourceIP extracts the client IP from a request's RemoteAddr, falling
// back to the raw value if it isn't a host:port pair (e.g. in tests
// using an in-process listener address without a port split cleanly).
func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// resolverCloseCode maps a Target Resolver failure onto a WS close
// code per §7: authorization-shaped failures (401/403/404, domain
// codes 5090/5098) close 1008; anything else closes 1011.
func resolverCloseCode(err error) int {
	if trace.IsAccessDenied(err) || trace.IsNotFound(err) {
		return splice.ClosePolicyViolation
	}
	var rejected *upstream.Rejected
	if errors.As(err, &rejected) {
		switch rejected.Code {
		case upstream.CodeWrongPassword, upstream.CodeUserNotFound:
			return splice.ClosePolicyViolation
		}
	}
	return splice.CloseInternalError
}

func resolverErrKind(err error) string {
	switch {
	case trace.IsNotFound(err):
		return "not_found"
	case trace.IsAccessDenied(err):
		return "access_denied"
	case trace.IsConnectionProblem(err):
		return "unreachable"
	default:
		return "rejected"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

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

// Package resolver implements the Target Resolver (component A): it
// turns a (bearer claim, vm-id, protocol) triple into the
// host/port/password the Retry/Dial Engine needs, consulting the
// per-session credential cache so that a non-idempotent upstream API
// never hands the proxy a password different from the one already
// given to the browser (I4).
package resolver

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/gravitational/trace"

	"github.com/openviewer/deskgate/internal/bearer"
	"github.com/openviewer/deskgate/internal/session"
	"github.com/openviewer/deskgate/internal/upstream"
)

// Protocol identifies which display protocol a connection carries.
type Protocol string

const (
	ProtocolVNC   Protocol = "vnc"
	ProtocolSPICE Protocol = "spice"
)

// Target is the resolved host/port/password triple.
type Target struct {
	Host     string
	Port     int
	Password string
}

// Resolver resolves Targets, consulting the Session Store's per-VM
// credential cache on the session path and bypassing it entirely on
// the embedded vm-claim path.
type Resolver struct {
	sessions *session.Store
	upstream *upstream.Client
	clock    clock
}

type clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// New creates a Resolver over the given Session Store and upstream
// client.
func New(sessions *session.Store, upstreamClient *upstream.Client) *Resolver {
	return &Resolver{sessions: sessions, upstream: upstreamClient, clock: realClock{}}
}

// Resolve implements resolve(sessionOrClaim, vmId, protocol) →
// {host, port, password} per §4.A.
func (r *Resolver) Resolve(ctx context.Context, claims *bearer.Claims, vmID string, protocol Protocol) (*Target, error) {
	switch claims.Kind {
	case bearer.KindVM:
		// The claim directly embeds an upstream token plus vm-id: call
		// the upstream APIs with that token, bypassing the session
		// cache entirely, and return fresh info every time.
		return r.resolveFresh(ctx, claims.UpstreamToken, claims.VMID, protocol)
	case bearer.KindSession:
		return r.resolveViaSession(ctx, claims.SessionID, vmID, protocol)
	default:
		return nil, trace.BadParameter("unsupported bearer claim kind %q", claims.Kind)
	}
}

func (r *Resolver) resolveViaSession(ctx context.Context, sessionID, vmID string, protocol Protocol) (*Target, error) {
	sess, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil, trace.NotFound("session %q not found", sessionID)
	}

	if cached, ok := sess.CachedConnectionInfo(vmID); ok {
		return &Target{Host: cached.Host, Port: cached.Port, Password: cached.Password}, nil
	}

	fresh, err := r.fetch(ctx, sess.UpstreamToken, vmID, protocol)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	cached := sess.FillConnectionInfo(vmID, session.ConnectionInfo{
		Host:     fresh.Host,
		Port:     fresh.Port,
		Password: fresh.Password,
		CachedAt: r.clock.Now(),
	})
	return &Target{Host: cached.Host, Port: cached.Port, Password: cached.Password}, nil
}

func (r *Resolver) resolveFresh(ctx context.Context, upstreamToken, vmID string, protocol Protocol) (*Target, error) {
	return r.fetch(ctx, upstreamToken, vmID, protocol)
}

// fetch calls the upstream endpoints required for protocol and returns
// a fully resolved Target. For VNC this means three calls
// (connection-info, port, password) with the password base64-decoded
// exactly once, here, before return. For SPICE the single
// spice-connection-info call already returns a plain password.
func (r *Resolver) fetch(ctx context.Context, upstreamToken, vmID string, protocol Protocol) (*Target, error) {
	switch protocol {
	case ProtocolVNC:
		return r.fetchVNC(ctx, upstreamToken, vmID)
	case ProtocolSPICE:
		return r.fetchSPICE(ctx, upstreamToken, vmID)
	default:
		return nil, trace.BadParameter("unsupported protocol %q", protocol)
	}
}

func (r *Resolver) fetchVNC(ctx context.Context, upstreamToken, vmID string) (*Target, error) {
	info, err := r.upstream.VMConnectionInfo(ctx, upstreamToken, vmID)
	if err != nil {
		return nil, translateUpstreamErr(err)
	}

	port, err := r.upstream.VMPort(ctx, upstreamToken, vmID)
	if err != nil {
		return nil, translateUpstreamErr(err)
	}

	pw, err := r.upstream.VNCPassword(ctx, upstreamToken, vmID)
	if err != nil {
		return nil, translateUpstreamErr(err)
	}

	decoded, err := base64.StdEncoding.DecodeString(pw.Base64Password)
	if err != nil {
		return nil, trace.BadParameter("upstream returned a non-base64 VNC password: %v", err)
	}

	return &Target{Host: info.HostIP, Port: port.VNCPort, Password: string(decoded)}, nil
}

func (r *Resolver) fetchSPICE(ctx context.Context, upstreamToken, vmID string) (*Target, error) {
	info, err := r.upstream.SpiceConnectionInfo(ctx, upstreamToken, vmID, nil)
	if err != nil {
		return nil, translateUpstreamErr(err)
	}
	return &Target{Host: info.HostIP, Port: info.SpicePort, Password: info.Password}, nil
}

// translateUpstreamErr maps the upstream client's error sum onto the
// Target Resolver's documented failure modes: UpstreamUnreachable,
// UpstreamRejected (including domain codes 5090/5098), NotFound,
// Forbidden, Unauthenticated. trace already tags connection, not-found
// and access-denied failures; domain rejections pass through as
// *upstream.Rejected for the Dispatcher to classify by code.
func translateUpstreamErr(err error) error {
	return trace.Wrap(err)
}

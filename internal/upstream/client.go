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

// Package upstream is the typed HTTP client for the upstream
// management API consumed by the Target Resolver. The API is an
// external collaborator and treated as opaque JSON-over-HTTP; this
// package defines precise response types per endpoint instead of
// decoding into loosely-typed maps, and translates both HTTP-level and
// envelope-level ("returnCode") failures into the typed error sum the
// rest of the gateway expects.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gravitational/trace"

	"github.com/openviewer/deskgate/internal/session"
)

// Domain-level returnCode values carried in the response envelope that
// the Target Resolver must distinguish from a generic rejection.
const (
	CodeWrongPassword = 5090
	CodeUserNotFound  = 5098
	returnCodeOK      = 200
	returnCodePortOK  = 0
)

// Rejected is a typed upstream rejection carrying the envelope's
// returnCode and message, e.g. CodeWrongPassword or CodeUserNotFound.
type Rejected struct {
	Code    int
	Message string
}

func (e *Rejected) Error() string {
	return fmt.Sprintf("upstream rejected request: code=%d message=%q", e.Code, e.Message)
}

// envelope is the common response wrapper: a numeric returnCode (200
// OK for most endpoints, 0 OK for the port endpoint) plus an optional
// message, with the endpoint-specific payload alongside it.
type envelope struct {
	ReturnCode int    `json:"returnCode"`
	Message    string `json:"message"`
}

func (e envelope) ok(okCode int) bool {
	return e.ReturnCode == okCode
}

// Client calls the upstream management API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client against baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// LoginResult is the response to POST /login.
type LoginResult struct {
	UpstreamToken string
	VMs           []session.VMInventoryEntry
}

type loginResponse struct {
	envelope
	UpstreamToken string `json:"upstreamToken"`
	VMs           []struct {
		VMID   string `json:"vmId"`
		Name   string `json:"name"`
		Status string `json:"status"`
		Type   string `json:"type"`
	} `json:"vms"`
}

// Login calls POST /login.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	var resp loginResponse
	if err := c.post(ctx, "/login", map[string]string{
		"username": username,
		"password": password,
	}, &resp, returnCodeOK); err != nil {
		return nil, trace.Wrap(err)
	}

	vms := make([]session.VMInventoryEntry, 0, len(resp.VMs))
	for _, vm := range resp.VMs {
		vms = append(vms, session.VMInventoryEntry{
			VMID:   vm.VMID,
			Name:   vm.Name,
			Status: vm.Status,
			Type:   session.VMType(vm.Type),
		})
	}

	return &LoginResult{UpstreamToken: resp.UpstreamToken, VMs: vms}, nil
}

// VMConnectionInfoResult is the response to POST /vm-connection-info.
type VMConnectionInfoResult struct {
	HostIP    string
	SpicePort int
}

type vmConnectionInfoResponse struct {
	envelope
	HostIP    string `json:"hostIp"`
	SpicePort int    `json:"spicePort"`
}

// VMConnectionInfo calls POST /vm-connection-info.
func (c *Client) VMConnectionInfo(ctx context.Context, upstreamToken, vmID string) (*VMConnectionInfoResult, error) {
	var resp vmConnectionInfoResponse
	if err := c.post(ctx, "/vm-connection-info", map[string]string{
		"upstreamToken": upstreamToken,
		"vmId":          vmID,
	}, &resp, returnCodeOK); err != nil {
		return nil, trace.Wrap(err)
	}
	return &VMConnectionInfoResult{HostIP: resp.HostIP, SpicePort: resp.SpicePort}, nil
}

// VMPortResult is the response to GET /vm-port.
type VMPortResult struct {
	VNCPort   int
	SpicePort int
}

type vmPortResponse struct {
	envelope
	VNCPort   int `json:"vncPort"`
	SpicePort int `json:"spicePort"`
}

// VMPort calls GET /vm-port. This endpoint uses the 0-means-OK
// returnCode convention instead of 200.
func (c *Client) VMPort(ctx context.Context, upstreamToken, vmID string) (*VMPortResult, error) {
	var resp vmPortResponse
	if err := c.get(ctx, "/vm-port", map[string]string{
		"upstreamToken": upstreamToken,
		"vmId":          vmID,
	}, &resp, returnCodePortOK); err != nil {
		return nil, trace.Wrap(err)
	}
	return &VMPortResult{VNCPort: resp.VNCPort, SpicePort: resp.SpicePort}, nil
}

// VNCPasswordResult is the response to POST /vnc-password.
type VNCPasswordResult struct {
	Base64Password string
}

type vncPasswordResponse struct {
	envelope
	Base64Password string `json:"password"`
}

// VNCPassword calls POST /vnc-password. The upstream API is
// non-idempotent: repeated calls for the same vm-id may return a
// different password. Callers MUST call this at most once per
// (session, vm) and cache the result (see internal/resolver and I4).
func (c *Client) VNCPassword(ctx context.Context, upstreamToken, vmID string) (*VNCPasswordResult, error) {
	var resp vncPasswordResponse
	if err := c.post(ctx, "/vnc-password", map[string]string{
		"upstreamToken": upstreamToken,
		"vmId":          vmID,
	}, &resp, returnCodeOK); err != nil {
		return nil, trace.Wrap(err)
	}
	return &VNCPasswordResult{Base64Password: resp.Base64Password}, nil
}

// SpiceConnectionInfoResult is the response to POST
// /spice-connection-info.
type SpiceConnectionInfoResult struct {
	HostIP    string
	SpicePort int
	Password  string
}

type spiceConnectionInfoResponse struct {
	envelope
	HostIP    string `json:"hostIp"`
	SpicePort int    `json:"spicePort"`
	Password  string `json:"password"`
}

// SpiceConnectionInfo calls POST /spice-connection-info. renderingConfig
// is forwarded verbatim as a nested JSON object; its shape is owned by
// the upstream API, not this gateway.
func (c *Client) SpiceConnectionInfo(ctx context.Context, upstreamToken, vmID string, renderingConfig interface{}) (*SpiceConnectionInfoResult, error) {
	var resp spiceConnectionInfoResponse
	if err := c.post(ctx, "/spice-connection-info", map[string]interface{}{
		"upstreamToken":   upstreamToken,
		"vmId":            vmID,
		"renderingConfig": renderingConfig,
	}, &resp, returnCodeOK); err != nil {
		return nil, trace.Wrap(err)
	}
	return &SpiceConnectionInfoResult{HostIP: resp.HostIP, SpicePort: resp.SpicePort, Password: resp.Password}, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, out interface{}, okCode int) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out, okCode)
}

func (c *Client) get(ctx context.Context, path string, query map[string]string, out interface{}, okCode int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return trace.Wrap(err)
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	return c.send(req, out, okCode)
}

// send issues req, maps HTTP-level failures to the typed error sum,
// then decodes the envelope+payload and maps envelope-level failures
// (including the domain codes CodeWrongPassword / CodeUserNotFound).
func (c *Client) send(req *http.Request, out interface{}, okCode int) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return trace.ConnectionProblem(err, "upstream management API unreachable: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return trace.ConnectionProblem(err, "failed reading upstream response: %v", err)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return trace.NotFound("upstream returned 404 for %s", req.URL.Path)
	case http.StatusForbidden:
		return trace.AccessDenied("upstream returned 403 for %s", req.URL.Path)
	case http.StatusUnauthorized:
		return trace.AccessDenied("upstream returned 401 for %s", req.URL.Path)
	}
	if resp.StatusCode >= 500 {
		return trace.ConnectionProblem(nil, "upstream returned status %d for %s", resp.StatusCode, req.URL.Path)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return trace.BadParameter("malformed upstream response for %s: %v", req.URL.Path, err)
	}
	if !env.ok(okCode) {
		return &Rejected{Code: env.ReturnCode, Message: env.Message}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return trace.BadParameter("malformed upstream payload for %s: %v", req.URL.Path, err)
	}
	return nil
}

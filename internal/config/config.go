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

// Package config holds the single immutable configuration value the
// gateway is built from. Every item enumerated here corresponds to a
// configuration knob named in the specification; nothing is read from
// the environment ad hoc anywhere else in the codebase.
package config

import (
	"time"

	"github.com/gravitational/trace"
)

// Config is the gateway's process-wide configuration, constructed once
// at startup and passed by reference into every component.
type Config struct {
	// ListenAddr is the address the WebSocket dispatcher listens on.
	ListenAddr string

	// UpstreamAPIAddr is the base URL of the upstream management API
	// consumed by the Target Resolver.
	UpstreamAPIAddr string

	// GlobalMax is the process-wide cap on concurrent proxied
	// connections.
	GlobalMax int

	// PerVMMax is the cap on concurrent proxied connections sharing a
	// single vm-id. Must be at least 17 to accommodate a full SPICE
	// channel set.
	PerVMMax int

	// ConnectionTimeout is the dial deadline applied to each TCP
	// connect attempt.
	ConnectionTimeout time.Duration

	// MaxRetries is the number of retries attempted after an initial
	// failed dial, so up to MaxRetries+1 attempts total.
	MaxRetries int

	// RetryDelay is the base delay before the first retry.
	RetryDelay time.Duration

	// RetryBackoffMultiplier scales RetryDelay after each failed
	// attempt.
	RetryBackoffMultiplier float64

	// HeartbeatInterval is the period of the liveness sweep.
	HeartbeatInterval time.Duration

	// TCPKeepaliveEnable turns on TCP keepalive on the upstream
	// display-server socket once dialled.
	TCPKeepaliveEnable bool

	// TCPKeepaliveInitialDelay is the keepalive probe initial delay.
	TCPKeepaliveInitialDelay time.Duration

	// BufferMaxSize bounds the pre-handshake buffer (bytes); exceeding
	// it closes the connection with 1011.
	BufferMaxSize int

	// ShutdownGraceTimeout bounds how long graceful shutdown waits for
	// active sessions to drain before the process forces exit.
	ShutdownGraceTimeout time.Duration

	// BearerSigningKeyPath is the path to the PEM-encoded key used to
	// verify bearer claims.
	BearerSigningKeyPath string

	// ClusterName identifies this gateway instance as the bearer
	// issuer/audience, mirroring the issuer check on every claim.
	ClusterName string

	// PerIPRateLimit is the sustained rate, in connection attempts per
	// second, allowed from a single source IP before the Admission
	// Controller's secondary throttle rejects further attempts. Zero
	// disables the throttle.
	PerIPRateLimit float64

	// PerIPRateBurst is the token-bucket burst size backing
	// PerIPRateLimit.
	PerIPRateBurst int
}

// Default returns a Config populated with the defaults named in the
// specification.
func Default() Config {
	return Config{
		ListenAddr:               "0.0.0.0:3000",
		GlobalMax:                100,
		PerVMMax:                 20,
		ConnectionTimeout:        30 * time.Second,
		MaxRetries:               3,
		RetryDelay:               time.Second,
		RetryBackoffMultiplier:   2,
		HeartbeatInterval:        30 * time.Second,
		TCPKeepaliveEnable:       true,
		TCPKeepaliveInitialDelay: 60 * time.Second,
		BufferMaxSize:            1 << 20, // 1 MiB
		ShutdownGraceTimeout:     10 * time.Second,
		ClusterName:              "deskgate",
		PerIPRateBurst:           10,
	}
}

// CheckAndSetDefaults validates the configuration and fills in unset
// fields with their documented defaults. MaxRetries is only defaulted
// when negative (zero means a single attempt), TCPKeepaliveEnable and
// PerIPRateLimit keep their zero values, and PerIPRateBurst is only
// defaulted when the per-IP throttle is enabled.
func (c *Config) CheckAndSetDefaults() error {
	d := Default()

	if c.ListenAddr == "" {
		c.ListenAddr = d.ListenAddr
	}
	if c.UpstreamAPIAddr == "" {
		return trace.BadParameter("upstream API address is required")
	}
	if c.GlobalMax <= 0 {
		c.GlobalMax = d.GlobalMax
	}
	if c.PerVMMax <= 0 {
		c.PerVMMax = d.PerVMMax
	}
	if c.PerVMMax < 17 {
		return trace.BadParameter("perVmMax must be at least 17 to accommodate a full SPICE channel set, got %d", c.PerVMMax)
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.RetryBackoffMultiplier <= 0 {
		c.RetryBackoffMultiplier = d.RetryBackoffMultiplier
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.TCPKeepaliveInitialDelay <= 0 {
		c.TCPKeepaliveInitialDelay = d.TCPKeepaliveInitialDelay
	}
	if c.BufferMaxSize <= 0 {
		c.BufferMaxSize = d.BufferMaxSize
	}
	if c.ShutdownGraceTimeout <= 0 {
		c.ShutdownGraceTimeout = d.ShutdownGraceTimeout
	}
	if c.ClusterName == "" {
		c.ClusterName = d.ClusterName
	}
	if c.PerIPRateLimit < 0 {
		return trace.BadParameter("perIpRateLimit cannot be negative, got %v", c.PerIPRateLimit)
	}
	if c.PerIPRateLimit > 0 && c.PerIPRateBurst <= 0 {
		c.PerIPRateBurst = d.PerIPRateBurst
	}

	return nil
}

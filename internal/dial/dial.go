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

// Package dial implements the Retry/Dial Engine (component E): it
// opens a TCP connection to the resolved display-server target with
// bounded retries and exponential backoff, and tunes the socket once
// connected for low-latency interactive byte-pumping.
package dial

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Dialer opens TCP connections per the configured retry policy.
type Dialer struct {
	connectionTimeout time.Duration
	maxRetries        int
	retryDelay        time.Duration
	multiplier        float64
	keepaliveEnable   bool
	keepaliveDelay    time.Duration

	netDialer func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error)
}

// New creates a Dialer from the already-defaulted gateway config
// fields.
func New(connectionTimeout time.Duration, maxRetries int, retryDelay time.Duration, multiplier float64, keepaliveEnable bool, keepaliveDelay time.Duration) *Dialer {
	return &Dialer{
		connectionTimeout: connectionTimeout,
		maxRetries:        maxRetries,
		retryDelay:        retryDelay,
		multiplier:        multiplier,
		keepaliveEnable:   keepaliveEnable,
		keepaliveDelay:    keepaliveDelay,
		netDialer: func(ctx context.Context, network, addr string, timeout time.Duration) (net.Conn, error) {
			d := net.Dialer{Timeout: timeout}
			return d.DialContext(ctx, network, addr)
		},
	}
}

// Dial attempts up to maxRetries+1 times, sleeping
// retryDelay*multiplier^(attempt-1) between failures, and returns the
// last error if every attempt fails. On success the deadline is
// cleared, TCP keepalive is enabled at the configured initial delay,
// and Nagle's algorithm is disabled.
func (d *Dialer) Dial(ctx context.Context, log *logrus.Entry, addr string) (net.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.retryDelay
	eb.Multiplier = d.multiplier
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.maxRetries)), ctx)

	var conn net.Conn
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		dialCtx, cancel := context.WithTimeout(ctx, d.connectionTimeout)
		defer cancel()

		c, dialErr := d.netDialer(dialCtx, "tcp", addr)
		if dialErr != nil {
			log.WithFields(logrus.Fields{"addr": addr, "attempt": attempt}).WithError(dialErr).Warn("dial attempt failed")
			return dialErr
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to dial %s after %d attempts: %v", addr, attempt, err)
	}

	if err := tune(conn, d.keepaliveEnable, d.keepaliveDelay); err != nil {
		log.WithError(err).Warn("failed to tune upstream socket options")
	}

	return conn, nil
}

func tune(conn net.Conn, keepaliveEnable bool, keepaliveDelay time.Duration) error {
	_ = conn.SetDeadline(time.Time{})

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetKeepAlive(keepaliveEnable); err != nil {
		return trace.Wrap(err)
	}
	if keepaliveEnable {
		if err := tcpConn.SetKeepAlivePeriod(keepaliveDelay); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := tcpConn.SetNoDelay(true); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

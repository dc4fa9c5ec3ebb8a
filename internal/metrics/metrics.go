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

// Package metrics declares the Prometheus series the gateway exposes
// on /metrics. Every SPEC_FULL ambient-observability component
// increments or sets these from its own package rather than the
// reverse, so this package has no dependency on any other internal
// package.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsActive is the current number of spliced connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections_active",
		Help:      "Number of currently active proxied connections.",
	})

	// ConnectionsTotal counts every connection that reached [Spliced].
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "connections_total",
		Help:      "Total number of connections that completed the splice handshake.",
	})

	// AdmissionRejectionsTotal counts connections refused by the
	// Admission Controller, labeled by which cap was breached.
	AdmissionRejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "admission_rejections_total",
		Help:      "Total number of connections rejected by the admission controller.",
	}, []string{"reason"})

	// ResolverErrorsTotal counts Target Resolver failures, labeled by
	// failure kind.
	ResolverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "resolver_errors_total",
		Help:      "Total number of target resolver failures.",
	}, []string{"kind"})

	// DialAttemptsTotal counts upstream dials, one per Dialer.Dial call
	// (retries included), labeled by final outcome.
	DialAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "dial_attempts_total",
		Help:      "Total number of upstream TCP dial attempts.",
	}, []string{"outcome"})

	// HeartbeatReapsTotal counts connections terminated by the
	// Heartbeat Monitor for failing to respond to a ping.
	HeartbeatReapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "heartbeat_reaps_total",
		Help:      "Total number of connections reaped for failing to respond to a heartbeat ping.",
	})
)

// Registry is the collector registry the gateway serves on /metrics.
// A dedicated registry (rather than the global default) keeps test
// processes that construct multiple gateways from double-registering.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		AdmissionRejectionsTotal,
		ResolverErrorsTotal,
		DialAttemptsTotal,
		HeartbeatReapsTotal,
	)
}

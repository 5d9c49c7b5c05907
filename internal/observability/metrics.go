// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch branches.
const (
	BranchAPI        = "api"
	BranchStatic     = "static"
	BranchNewToken   = "new_token"
	BranchNoSession  = "no_session"
	BranchIPMismatch = "ip_mismatch"
	BranchPartial    = "partial"
	BranchProxied    = "proxied"
	BranchError      = "error"
)

// Auth results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultError   = "error"
)

// Metrics holds the gateway's Prometheus collectors. A nil *Metrics records
// nothing, so components can run without an observability server.
type Metrics struct {
	DispatchTotal     *prometheus.CounterVec
	AuthAttemptsTotal *prometheus.CounterVec
	ResetRequests     *prometheus.CounterVec
	SessionsCollected prometheus.Counter
	GCRunsTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_dispatch_total",
				Help: "Requests handled by the dispatcher, by routing branch",
			},
			[]string{"branch"},
		),
		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_auth_attempts_total",
				Help: "Credential checks by method and result",
			},
			[]string{"method", "result"},
		),
		ResetRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_reset_requests_total",
				Help: "Reset requests by kind and result",
			},
			[]string{"kind", "result"},
		),
		SessionsCollected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "authgate_sessions_collected_total",
				Help: "Idle sessions deleted by garbage collection",
			},
		),
		GCRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authgate_gc_runs_total",
				Help: "Session garbage collection passes by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.DispatchTotal, m.AuthAttemptsTotal, m.ResetRequests, m.SessionsCollected, m.GCRunsTotal)
	return m
}

// Dispatch counts a request routed through branch.
func (m *Metrics) Dispatch(branch string) {
	if m == nil {
		return
	}
	m.DispatchTotal.WithLabelValues(branch).Inc()
}

// AuthAttempt counts a credential check.
func (m *Metrics) AuthAttempt(method, result string) {
	if m == nil {
		return
	}
	m.AuthAttemptsTotal.WithLabelValues(method, result).Inc()
}

// ResetRequest counts a reset request or consumption.
func (m *Metrics) ResetRequest(kind, result string) {
	if m == nil {
		return
	}
	m.ResetRequests.WithLabelValues(kind, result).Inc()
}

// GCRun counts a garbage collection pass and the sessions it removed.
func (m *Metrics) GCRun(outcome string, collected int64) {
	if m == nil {
		return
	}
	m.GCRunsTotal.WithLabelValues(outcome).Inc()
	if collected > 0 {
		m.SessionsCollected.Add(float64(collected))
	}
}

// Snakehook is a package triage sandbox service.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package metrics exposes Prometheus instruments for the triage pipeline.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	submissions     *prometheus.CounterVec
	runsTotal       *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
	webhookFailures prometheus.Counter
)

// Phase label values recorded through ObservePhase.
const (
	PhasePipInstall   = "pip.install"
	PhaseSandboxRun   = "sandbox.run"
	PhaseAuditCollect = "audit.collect"
	PhaseWebhookSend  = "webhook.send"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncSubmission counts one admission decision by outcome.
func IncSubmission(outcome string) {
	label := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if submissions != nil {
		submissions.WithLabelValues(label).Inc()
	}
}

// IncRun counts one completed triage run by mode and status.
func IncRun(mode, status string) {
	labelMode := sanitizeLabel(mode, "unknown")
	labelStatus := sanitizeLabel(status, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if runsTotal != nil {
		runsTotal.WithLabelValues(labelMode, labelStatus).Inc()
	}
}

// ObservePhase records the duration of one pipeline phase.
func ObservePhase(phase string, duration time.Duration) {
	label := sanitizeLabel(phase, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if phaseDuration != nil {
		phaseDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// SetQueueDepth records current worker queue occupancy.
func SetQueueDepth(queued int) {
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.Set(float64(queued))
	}
}

// IncWebhookFailure counts one failed webhook dispatch.
func IncWebhookFailure() {
	mu.RLock()
	defer mu.RUnlock()
	if webhookFailures != nil {
		webhookFailures.Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	subs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snakehook",
		Subsystem: "triage",
		Name:      "submissions_total",
		Help:      "Total admission decisions grouped by outcome.",
	}, []string{"outcome"})

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "snakehook",
		Subsystem: "triage",
		Name:      "runs_total",
		Help:      "Total completed triage runs grouped by mode and status.",
	}, []string{"mode", "status"})

	phases := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "snakehook",
		Subsystem: "triage",
		Name:      "phase_duration_seconds",
		Help:      "Duration of pipeline phases (install, sandbox, audit, webhook).",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"phase"})

	depth := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "snakehook",
		Subsystem: "triage",
		Name:      "queue_depth",
		Help:      "Jobs currently waiting in the worker queue.",
	})

	whFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snakehook",
		Subsystem: "triage",
		Name:      "webhook_failures_total",
		Help:      "Webhook dispatches that failed and were swallowed.",
	})

	registry.MustRegister(subs, runs, phases, depth, whFailures)

	reg = registry
	submissions = subs
	runsTotal = runs
	phaseDuration = phases
	queueDepth = depth
	webhookFailures = whFailures
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}

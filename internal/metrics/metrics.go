// Cthulhu is a fleet of agents that provision network switches over serial.
// Copyright (C) 2025 Cthulhu contributors
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

// Package metrics exposes Prometheus collectors for angel, heaven, and
// octhulhu: state transitions, loop detections, board presence events, LED
// writes, and broker publishes.
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

	stateTransitions *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	loopDetections   *prometheus.CounterVec
	jobOutcomes      *prometheus.CounterVec
	boardEvents      *prometheus.CounterVec
	ledWrites        *prometheus.CounterVec
	brokerPublishes  *prometheus.CounterVec
	resetOnPlug      *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used by
// tests to ensure clean state between runs that share the package-level
// registry.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format,
// mounted by heaven's web surface and by angel/octhulhu's debug listener.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveStateTransition records one state-machine transition for label,
// from one state to another, and the wall-clock time Step took to produce
// it.
func ObserveStateTransition(label, from, to string, duration time.Duration) {
	l := sanitizeLabel(label, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if stateTransitions != nil {
		stateTransitions.WithLabelValues(l, sanitizeLabel(from, "unknown"), sanitizeLabel(to, "unknown")).Inc()
	}
	if stepDuration != nil {
		stepDuration.WithLabelValues(l).Observe(durationSeconds(duration))
	}
}

// IncLoopDetection records a forced EndJob transition from loop detection.
func IncLoopDetection(label, state string) {
	mu.RLock()
	defer mu.RUnlock()
	if loopDetections != nil {
		loopDetections.WithLabelValues(sanitizeLabel(label, "unknown"), sanitizeLabel(state, "unknown")).Inc()
	}
}

// IncJobOutcome records a finished job's derived status for label.
func IncJobOutcome(label, status string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobOutcomes != nil {
		jobOutcomes.WithLabelValues(sanitizeLabel(label, "unknown"), sanitizeLabel(status, "unknown")).Inc()
	}
}

// IncBoardEvent records a presence/module event octhulhu parsed off a
// board's serial line.
func IncBoardEvent(boardSerial, kind string) {
	mu.RLock()
	defer mu.RUnlock()
	if boardEvents != nil {
		boardEvents.WithLabelValues(sanitizeLabel(boardSerial, "unknown"), sanitizeLabel(kind, "unknown")).Inc()
	}
}

// IncLEDWrite records a physical LED color change issued by a port tracker
// that has an LED writer (octhulhu's; heaven's tracker writes no LEDs).
func IncLEDWrite(boardSerial string) {
	mu.RLock()
	defer mu.RUnlock()
	if ledWrites != nil {
		ledWrites.WithLabelValues(sanitizeLabel(boardSerial, "unknown")).Inc()
	}
}

// IncResetOnPlug records a ResetJob publish triggered by a hot-plug edge.
func IncResetOnPlug(label string) {
	mu.RLock()
	defer mu.RUnlock()
	if resetOnPlug != nil {
		resetOnPlug.WithLabelValues(sanitizeLabel(label, "unknown")).Inc()
	}
}

// IncBrokerPublish records one broker publish by topic kind ("update" or
// "command") and outcome ("ok" or "error").
func IncBrokerPublish(topicKind, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if brokerPublishes != nil {
		brokerPublishes.WithLabelValues(sanitizeLabel(topicKind, "unknown"), sanitizeLabel(outcome, "unknown")).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cthulhu",
		Subsystem: "angel",
		Name:      "state_transitions_total",
		Help:      "Total state-machine transitions grouped by switch label, source state, and target state.",
	}, []string{"label", "from", "to"})

	step := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cthulhu",
		Subsystem: "angel",
		Name:      "step_duration_seconds",
		Help:      "Wall-clock time one Step call took to produce a transition.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"label"})

	loops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cthulhu",
		Subsystem: "angel",
		Name:      "loop_detections_total",
		Help:      "Total forced EndJob transitions caused by loop detection, grouped by switch label and looping state.",
	}, []string{"label", "state"})

	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cthulhu",
		Subsystem: "angel",
		Name:      "job_outcomes_total",
		Help:      "Total finished jobs grouped by switch label and derived status.",
	}, []string{"label", "status"})

	board := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cthulhu",
		Subsystem: "octhulhu",
		Name:      "board_events_total",
		Help:      "Total presence/module events parsed off a board's serial line.",
	}, []string{"board", "kind"})

	leds := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cthulhu",
		Subsystem: "heaven",
		Name:      "led_writes_total",
		Help:      "Total LED color writes issued by the port tracker, grouped by board serial.",
	}, []string{"board"})

	resets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cthulhu",
		Subsystem: "heaven",
		Name:      "reset_on_plug_total",
		Help:      "Total ResetJob commands published by the port tracker's hot-plug rule.",
	}, []string{"label"})

	publishes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cthulhu",
		Subsystem: "broker",
		Name:      "publishes_total",
		Help:      "Total broker publishes grouped by topic kind and outcome.",
	}, []string{"topic_kind", "outcome"})

	registry.MustRegister(transitions, step, loops, outcomes, board, leds, resets, publishes)

	reg = registry
	stateTransitions = transitions
	stepDuration = step
	loopDetections = loops
	jobOutcomes = outcomes
	boardEvents = board
	ledWrites = leds
	resetOnPlug = resets
	brokerPublishes = publishes
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

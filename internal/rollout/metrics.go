// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rollout

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records the progress of a rollout. The metrics are meant to be
// written to a file picked up by a node exporter's textfile collector once
// the rollout ends.
type Metrics struct {
	registry       *prometheus.Registry
	rollouts       *prometheus.CounterVec
	healthAttempts prometheus.Gauge
	weight         *prometheus.GaugeVec
	phase          *prometheus.GaugeVec
}

// NewMetrics returns a new set of rollout metrics, labeled with the rollout's
// project and service.
func NewMetrics(project, service string) *Metrics {
	labels := prometheus.Labels{"project": project, "service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rollouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "weaver_shift_rollouts_total",
			Help:        "Rollouts by terminal state.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		healthAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "weaver_shift_health_attempts",
			Help:        "Health polls made by the last health gate.",
			ConstLabels: labels,
		}),
		weight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "weaver_shift_traffic_weight",
			Help:        "Last applied traffic weight of the old and new slots.",
			ConstLabels: labels,
		}, []string{"side"}),
		phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "weaver_shift_phase_seconds",
			Help:        "Time spent in every rollout phase.",
			ConstLabels: labels,
		}, []string{"phase"}),
	}
	m.registry.MustRegister(m.rollouts, m.healthAttempts, m.weight, m.phase)
	return m
}

// WriteFile writes the metrics to path in the Prometheus text format.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

// The methods below accept a nil receiver so that callers don't need to
// check whether metrics are enabled.

func (m *Metrics) phaseDone(s State, d time.Duration) {
	if m == nil {
		return
	}
	m.phase.WithLabelValues(s.String()).Add(d.Seconds())
}

func (m *Metrics) done(s State) {
	if m == nil {
		return
	}
	m.rollouts.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) healthChecked(attempts int) {
	if m == nil {
		return
	}
	m.healthAttempts.Set(float64(attempts))
}

func (m *Metrics) weights(oldWeight, newWeight int) {
	if m == nil {
		return
	}
	m.weight.WithLabelValues("old").Set(float64(oldWeight))
	m.weight.WithLabelValues("new").Set(float64(newWeight))
}

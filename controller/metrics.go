/*
Copyright (c) Facebook, Inc. and its affiliates.

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

package controller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the controller's optional /metrics collectors, grounded
// on ptp/sptp/stats/prom_exporter.go's own prometheus.NewRegistry()
// wiring (adapted here to gauges/counters updated inline rather than
// scraped from a second process).
type metrics struct {
	registry       *prometheus.Registry
	sessionPhase   *prometheus.GaugeVec
	ptdCommands    *prometheus.CounterVec
	sessionsActive prometheus.Gauge
}

// phaseNone is the sessionPhase label used when no session is active; the
// other labels are the session.State strings listed in setPhase.
const (
	phaseNone = "none"
)

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()

	m := &metrics{
		registry: reg,
		sessionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "powerbench",
			Subsystem: "controller",
			Name:      "session_phase",
			Help:      "1 for the session.State the active session currently occupies, 0 otherwise.",
		}, []string{"state"}),
		ptdCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "powerbench",
			Subsystem: "controller",
			Name:      "ptd_commands_total",
			Help:      "Commands sent to PTD supervisors, by analyzer label and command name.",
		}, []string{"analyzer", "cmd"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "powerbench",
			Subsystem: "controller",
			Name:      "sessions_active",
			Help:      "1 while a director session is active, 0 otherwise.",
		}),
	}

	reg.MustRegister(m.sessionPhase, m.ptdCommands, m.sessionsActive)
	return m
}

// setPhase zeroes every known state and sets only cur to 1, so the gauge
// vector always reflects exactly one occupied state (or none, for a torn
// down session).
func (m *metrics) setPhase(cur string) {
	for _, s := range []string{
		phaseNone, "INITIAL", "RANGING", "RANGING_DONE", "TESTING", "TESTING_DONE", "DONE",
	} {
		if s == cur {
			m.sessionPhase.WithLabelValues(s).Set(1)
		} else {
			m.sessionPhase.WithLabelValues(s).Set(0)
		}
	}
}

// observePTDCommand records n commands issued to a labeled analyzer's
// supervisor, for the `ptd_commands_total` counter.
func (m *metrics) observePTDCommand(analyzer, cmd string, n int) {
	if n <= 0 {
		return
	}
	m.ptdCommands.WithLabelValues(analyzer, cmd).Add(float64(n))
}

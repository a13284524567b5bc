// SPDX-License-Identifier: MPL-2.0

package dist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts extraction activity. A nil *Metrics records nothing.
type Metrics struct {
	nodes  *prometheus.CounterVec
	bytes  prometheus.Counter
	pieces prometheus.Counter
	passes prometheus.Counter
}

// NewMetrics registers the extractor counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		nodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sysinst",
			Subsystem: "dist",
			Name:      "nodes_total",
			Help:      "Distributions processed, by outcome",
		}, []string{"outcome"}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sysinst",
			Subsystem: "dist",
			Name:      "bytes_total",
			Help:      "Archive bytes written into extraction pipelines",
		}),
		pieces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sysinst",
			Subsystem: "dist",
			Name:      "pieces_total",
			Help:      "Archive pieces fetched",
		}),
		passes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sysinst",
			Subsystem: "dist",
			Name:      "passes_total",
			Help:      "Extraction passes started",
		}),
	}
}

func (m *Metrics) outcome(o Outcome) {
	if m != nil {
		m.nodes.WithLabelValues(o.String()).Inc()
	}
}

func (m *Metrics) addBytes(n int) {
	if m != nil && n > 0 {
		m.bytes.Add(float64(n))
	}
}

func (m *Metrics) piece() {
	if m != nil {
		m.pieces.Inc()
	}
}

func (m *Metrics) pass() {
	if m != nil {
		m.passes.Inc()
	}
}

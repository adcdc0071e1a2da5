package observability

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/warp/settlement-engine/settlement"
)

// Metrics exports engine telemetry to Prometheus.
type Metrics struct {
	registrations       *prometheus.CounterVec
	registrationLatency prometheus.Histogram
	transitions         *prometheus.CounterVec
	deletions           *prometheus.CounterVec
}

var _ settlement.Observer = (*Metrics)(nil)

// NewMetrics registers the settlement collectors on reg. Collectors that
// are already registered are reused.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "settlement"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Payment registrations by outcome (created status or error kind).",
		}, []string{"outcome"}),
		registrationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "registration_duration_seconds",
			Help:      "Latency of payment registration including the ledger rebuild.",
			Buckets:   prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Payment status transitions by from, to and result.",
		}, []string{"from", "to", "result"}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deletions_total",
			Help:      "Payment deletions by result.",
		}, []string{"result"}),
	}

	var err error
	if m.registrations, err = register(reg, m.registrations); err != nil {
		return nil, err
	}
	if m.registrationLatency, err = register(reg, m.registrationLatency); err != nil {
		return nil, err
	}
	if m.transitions, err = register(reg, m.transitions); err != nil {
		return nil, err
	}
	if m.deletions, err = register(reg, m.deletions); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register settlement metric: %w", err)
	}
	return c, nil
}

func (m *Metrics) RecordRegistration(duration time.Duration, outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
	m.registrationLatency.Observe(duration.Seconds())
}

func (m *Metrics) RecordTransition(from, to settlement.PaymentStatus, err error) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to), result(err)).Inc()
}

func (m *Metrics) RecordDeletion(err error) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := settlement.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

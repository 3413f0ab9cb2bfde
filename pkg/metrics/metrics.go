// Package metrics exports bot activity to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Ingestion outcomes recorded by RecordIngest.
const (
	OutcomeStored      = "stored"
	OutcomeDuplicate   = "duplicate"
	OutcomeDownload    = "download_error"
	OutcomeUnsupported = "unsupported_type"
	OutcomePersist     = "persist_error"
	OutcomeFailed      = "failed"
)

// Observer records command dispatch and ingestion metrics. A nil *Observer
// records nothing.
type Observer struct {
	dispatchDuration *prometheus.HistogramVec
	dispatchTotal    *prometheus.CounterVec
	ingestTotal      *prometheus.CounterVec
	duplicateDrops   prometheus.Counter
}

// NewObserver creates the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil). Collectors that are already
// registered are reused.
func NewObserver(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = "emocchi"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent performing a matched command.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Inbound messages by the handler that performed them.",
		}, []string{"handler"}),
		ingestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestions_total",
			Help:      "Teach attempts by outcome.",
		}, []string{"outcome"}),
		duplicateDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redelivered_messages_total",
			Help:      "Messages dropped because their ID was already dispatched.",
		}),
	}

	var err error
	if o.dispatchDuration, err = register(reg, o.dispatchDuration); err != nil {
		return nil, err
	}
	if o.dispatchTotal, err = register(reg, o.dispatchTotal); err != nil {
		return nil, err
	}
	if o.ingestTotal, err = register(reg, o.ingestTotal); err != nil {
		return nil, err
	}
	if o.duplicateDrops, err = register(reg, o.duplicateDrops); err != nil {
		return nil, err
	}
	return o, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// RecordDispatch tracks one performed command.
func (o *Observer) RecordDispatch(handler string, duration time.Duration) {
	if o == nil {
		return
	}
	o.dispatchTotal.WithLabelValues(handler).Inc()
	o.dispatchDuration.WithLabelValues(handler).Observe(duration.Seconds())
}

// RecordIngest tracks the outcome of one teach attempt.
func (o *Observer) RecordIngest(outcome string) {
	if o == nil {
		return
	}
	o.ingestTotal.WithLabelValues(outcome).Inc()
}

// RecordRedelivery tracks a message dropped as a duplicate delivery.
func (o *Observer) RecordRedelivery() {
	if o == nil {
		return
	}
	o.duplicateDrops.Inc()
}

// Package metrics records guest call telemetry with Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so the runtime can run
// without a registry.
package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "wasp"

// Outcome classifies how a guest call ended.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeGuestFailure      Outcome = "guest_failure"
	OutcomeTrap              Outcome = "trap"
	OutcomeContractViolation Outcome = "contract_violation"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeMalformed         Outcome = "malformed"
	OutcomeCancelled         Outcome = "cancelled"
)

// Metrics holds the collectors registered for one runtime.
type Metrics struct {
	calls     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	allocated prometheus.Counter
	callbacks *prometheus.CounterVec
	instances prometheus.Gauge
}

// New creates the collectors and registers them on reg. Collectors that are
// already registered on reg are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guest_calls_total",
			Help:      "Guest export calls by function and outcome.",
		}, []string{"function", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guest_call_duration_seconds",
			Help:      "Wall time of guest export calls.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"function"}),
		allocated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guest_allocated_bytes_total",
			Help:      "Bytes the host requested from guest allocators.",
		}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_invocations_total",
			Help:      "Host callback invocations by import name.",
		}, []string{"callback"}),
		instances: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_active",
			Help:      "Guest instances currently open.",
		}),
	}

	var err error
	if m.calls, err = register(reg, m.calls); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	if m.allocated, err = register(reg, m.allocated); err != nil {
		return nil, err
	}
	if m.callbacks, err = register(reg, m.callbacks); err != nil {
		return nil, err
	}
	if m.instances, err = register(reg, m.instances); err != nil {
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
		return c, fmt.Errorf("register collector: %w", err)
	}
	return c, nil
}

// ObserveCall records one finished guest call.
func (m *Metrics) ObserveCall(function string, outcome Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(function, string(outcome)).Inc()
	m.duration.WithLabelValues(function).Observe(d.Seconds())
}

// AddAllocated records bytes obtained from a guest allocate call.
func (m *Metrics) AddAllocated(n uint32) {
	if m == nil {
		return
	}
	m.allocated.Add(float64(n))
}

// IncCallback records a host callback invocation.
func (m *Metrics) IncCallback(name string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(name).Inc()
}

func (m *Metrics) InstanceOpened() {
	if m == nil {
		return
	}
	m.instances.Inc()
}

func (m *Metrics) InstanceClosed() {
	if m == nil {
		return
	}
	m.instances.Dec()
}

// Summary flattens the wasp families gathered from g into
// "name{label=value,...}" keys. Histograms report their sample count.
func Summary(g prometheus.Gatherer) (map[string]float64, error) {
	families, err := g.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			key := mf.GetName() + labelString(metric.GetLabel())
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[key] = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[key] = float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out, nil
}

func labelString(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, ",") + "}"
}

// Package telemetry exposes router counters to Prometheus.
// Every metric is a no-op until Init is called, so library users and tests pay nothing for metrics they don't collect.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nomroute"

var (
	registry *prometheus.Registry
	initOnce sync.Once
)

type Histogram interface {
	Observe(float64)
}

type Counter interface {
	Inc()
	Add(float64)
}

type Gauge interface {
	Set(float64)
	Inc()
	Dec()
	Add(float64)
	Sub(float64)
}

type CounterVec interface {
	With(labels ...string) Counter
}

type GaugeVec interface {
	With(labels ...string) Gauge
}

type HistogramVec interface {
	With(labels ...string) Histogram
}

type NoopStat struct{}

func (NoopStat) Observe(float64) {}
func (NoopStat) Set(float64)     {}
func (NoopStat) Inc()            {}
func (NoopStat) Dec()            {}
func (NoopStat) Add(float64)     {}
func (NoopStat) Sub(float64)     {}

type noopCounterVec struct{}
type noopGaugeVec struct{}
type noopHistogramVec struct{}

func (noopCounterVec) With(...string) Counter     { return NoopStat{} }
func (noopGaugeVec) With(...string) Gauge         { return NoopStat{} }
func (noopHistogramVec) With(...string) Histogram { return NoopStat{} }

type prometheusCounterVec struct {
	vec *prometheus.CounterVec
}

func (p *prometheusCounterVec) With(labelValues ...string) Counter {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusGaugeVec struct {
	vec *prometheus.GaugeVec
}

func (p *prometheusGaugeVec) With(labelValues ...string) Gauge {
	return p.vec.WithLabelValues(labelValues...)
}

type prometheusHistogramVec struct {
	vec *prometheus.HistogramVec
}

func (p *prometheusHistogramVec) With(labelValues ...string) Histogram {
	return p.vec.WithLabelValues(labelValues...)
}

func NewCounterVec(name, help string, labels []string) CounterVec {
	if registry == nil {
		return noopCounterVec{}
	}
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	registry.MustRegister(vec)
	return &prometheusCounterVec{vec: vec}
}

func NewGaugeVec(name, help string, labels []string) GaugeVec {
	if registry == nil {
		return noopGaugeVec{}
	}
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	registry.MustRegister(vec)
	return &prometheusGaugeVec{vec: vec}
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) HistogramVec {
	if registry == nil {
		return noopHistogramVec{}
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	registry.MustRegister(vec)
	return &prometheusHistogramVec{vec: vec}
}

// Init creates the metrics registry and replaces the no-op metrics with Prometheus backed ones.
// It must be called before any destination is started. Calling it again has no effect.
func Init(log hclog.Logger) {
	initOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(collectors.NewGoCollector())
		initMetrics()
		log.Named("telemetry").Info("Prometheus metrics enabled")
	})
}

// Handler returns the HTTP handler serving collected metrics, or nil if Init hasn't been called.
func Handler() http.Handler {
	if registry == nil {
		return nil
	}
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

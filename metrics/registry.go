package metrics

import (
	"errors"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "espilot"

// CountBuckets is a shared histogram bucket layout for small item counts
// (files per upload, ranges per batch).
var CountBuckets = []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000}

// SecondsBuckets covers external transfer / poll durations.
var SecondsBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800}

var (
	defaultOnce     sync.Once
	defaultRegistry *prometheus.Registry
)

// DefaultRegistry returns the process-wide registry with the standard Go and
// process collectors attached.
func DefaultRegistry() *prometheus.Registry {
	defaultOnce.Do(func() {
		defaultRegistry = prometheus.NewRegistry()
		defaultRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
	return defaultRegistry
}

// Handler exposes the default registry for the admin HTTP server.
func Handler() http.Handler {
	return promhttp.HandlerFor(DefaultRegistry(), promhttp.HandlerOpts{})
}

// ComponentRegistry namespaces metrics per component and registers them on
// the default registry.
type ComponentRegistry struct {
	subsystem string
	reg       *prometheus.Registry
}

// NewComponentRegistry creates a registry scoped to one component.
func NewComponentRegistry(subsystem string) *ComponentRegistry {
	return &ComponentRegistry{subsystem: subsystem, reg: DefaultRegistry()}
}

// register adds the collector, reusing an existing one when the same
// metric was registered before (components can be rebuilt within one
// process, recovery does exactly that).
func (c *ComponentRegistry) register(m prometheus.Collector) prometheus.Collector {
	if err := c.reg.Register(m); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return m
}

func (c *ComponentRegistry) NewCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = namespace
	opts.Subsystem = c.subsystem
	return c.register(prometheus.NewCounter(opts)).(prometheus.Counter)
}

func (c *ComponentRegistry) NewCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	opts.Namespace = namespace
	opts.Subsystem = c.subsystem
	return c.register(prometheus.NewCounterVec(opts, labels)).(*prometheus.CounterVec)
}

func (c *ComponentRegistry) NewGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = namespace
	opts.Subsystem = c.subsystem
	return c.register(prometheus.NewGauge(opts)).(prometheus.Gauge)
}

func (c *ComponentRegistry) NewGaugeVec(opts prometheus.GaugeOpts, labels []string) *prometheus.GaugeVec {
	opts.Namespace = namespace
	opts.Subsystem = c.subsystem
	return c.register(prometheus.NewGaugeVec(opts, labels)).(*prometheus.GaugeVec)
}

func (c *ComponentRegistry) NewHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = namespace
	opts.Subsystem = c.subsystem
	return c.register(prometheus.NewHistogram(opts)).(prometheus.Histogram)
}

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCfg configures the Prometheus reporter and its scrape endpoint.
type PrometheusCfg struct {
	// Addr is the listen address of the scrape endpoint. Empty disables
	// the HTTP server; records are still collected into the registry.
	Addr string `mapstructure:"addr"`
	// Path is the HTTP path of the scrape endpoint.
	Path string `mapstructure:"path"`
}

// GetName returns the configuration section key.
func (c *PrometheusCfg) GetName() string {
	return "metrics"
}

// Validate checks the configuration and applies defaults.
func (c *PrometheusCfg) Validate() error {
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("metrics path must start with '/', got %q", c.Path)
	}
	return nil
}

// promMetric wraps one registered Prometheus collector together with the
// running state needed for averaging policies.
type promMetric struct {
	counter prometheus.Counter
	gauge   prometheus.Gauge
	value   float64
	cnt     int
}

// PrometheusReporter converts metric records to Prometheus collectors and
// optionally exposes them over HTTP. Each distinct (name, dimensions)
// pair maps to one collector with constant labels.
type PrometheusReporter struct {
	cfg      *PrometheusCfg
	registry *prometheus.Registry
	server   *http.Server

	mu      sync.Mutex
	metrics map[string]*promMetric
}

// NewPrometheusReporter creates a reporter with its own registry so that
// repeated construction never trips duplicate registration.
func NewPrometheusReporter(cfg *PrometheusCfg) (*PrometheusReporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid PrometheusCfg: %w", err)
	}
	return &PrometheusReporter{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		metrics:  map[string]*promMetric{},
	}, nil
}

// Start brings the scrape endpoint online if an address is configured.
func (p *PrometheusReporter) Start() error {
	if p.cfg.Addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(p.cfg.Path, promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
	p.server = &http.Server{Addr: p.cfg.Addr, Handler: mux}

	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// The reporter is an observability sidecar; a dead scrape
			// endpoint must not take the core down.
			fmt.Printf("metrics endpoint stopped: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the scrape endpoint down.
func (p *PrometheusReporter) Stop() error {
	if p.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return p.server.Shutdown(ctx)
}

func recordKey(rc *Record) string {
	dims := rc.Dimensions()
	if len(dims) == 0 {
		return rc.Metrics().Name()
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(rc.Metrics().Name())
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
	}
	return b.String()
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}

// Report converts one record into its Prometheus collector, creating and
// registering the collector on first sight.
func (p *PrometheusReporter) Report(rc Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := recordKey(&rc)
	m, ok := p.metrics[key]
	if !ok {
		var err error
		if m, err = p.register(&rc); err != nil {
			return err
		}
		p.metrics[key] = m
	}

	switch rc.Metrics().Policy() {
	case Policy_Sum:
		m.counter.Add(float64(rc.Value()))
	case Policy_Set:
		m.gauge.Set(float64(rc.Value()))
	case Policy_Max, Policy_Min:
		v := float64(rc.Value())
		isMax := rc.Metrics().Policy() == Policy_Max
		if m.cnt == 0 || (isMax && v > m.value) || (!isMax && v < m.value) {
			m.value = v
		}
		m.cnt++
		m.gauge.Set(m.value)
	case Policy_Avg, Policy_Stopwatch:
		v, c := rc.RawData()
		m.value += float64(v)
		m.cnt += c
		if m.cnt <= 0 {
			return fmt.Errorf("metrics(%s) count invalid", rc.Metrics().Name())
		}
		m.gauge.Set(m.value / float64(m.cnt))
	default:
		return fmt.Errorf("metrics(%s) policy invalid", rc.Metrics().Name())
	}
	return nil
}

func (p *PrometheusReporter) register(rc *Record) (*promMetric, error) {
	constLabels := make(prometheus.Labels, len(rc.Dimensions()))
	for k, v := range rc.Dimensions() {
		constLabels[sanitize(k)] = sanitize(v)
	}

	subsystem := sanitize(rc.Metrics().Group())
	name := sanitize(rc.Metrics().Name())

	m := &promMetric{}
	if rc.Metrics().Policy() == Policy_Sum {
		m.counter = prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem:   subsystem,
			Name:        name,
			ConstLabels: constLabels,
		})
		if err := p.registry.Register(m.counter); err != nil {
			return nil, fmt.Errorf("failed to register counter %s: %w", name, err)
		}
		return m, nil
	}

	m.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Subsystem:   subsystem,
		Name:        name,
		ConstLabels: constLabels,
	})
	if err := p.registry.Register(m.gauge); err != nil {
		return nil, fmt.Errorf("failed to register gauge %s: %w", name, err)
	}
	return m, nil
}

// Package metrics is a small Prometheus text format exporter. The
// coordinator refreshes the registry from its statistics at scrape time,
// so counters carry a Set method instead of being incremented in place.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
)

// Labels identify one series of a metric.
type Labels map[string]string

func (l Labels) key() string {
	if len(l) == 0 {
		return ""
	}
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=\"%s\"", k, escapeLabel(l[k]))
	}
	return b.String()
}

func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

type series struct {
	labelKey string
	value    float64
}

// Metric is one named family of series.
type Metric struct {
	name   string
	help   string
	typ    string
	mu     sync.Mutex
	series map[string]*series
	order  []string
}

func newMetric(name, help, typ string) *Metric {
	return &Metric{name: name, help: help, typ: typ, series: make(map[string]*series)}
}

// Set replaces the value of the series identified by the labels.
func (m *Metric) Set(labels Labels, value float64) {
	key := labels.key()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[key]
	if !ok {
		s = &series{labelKey: key}
		m.series[key] = s
		m.order = append(m.order, key)
		sort.Strings(m.order)
	}
	s.value = value
}

// Get returns the current value of the series, zero if unset.
func (m *Metric) Get(labels Labels) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.series[labels.key()]; ok {
		return s.value
	}
	return 0
}

func (m *Metric) write(b *strings.Builder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.series) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", m.name, m.help)
	fmt.Fprintf(b, "# TYPE %s %s\n", m.name, m.typ)
	for _, key := range m.order {
		s := m.series[key]
		if key == "" {
			fmt.Fprintf(b, "%s %v\n", m.name, s.value)
		} else {
			fmt.Fprintf(b, "%s{%s} %v\n", m.name, key, s.value)
		}
	}
}

// Registry holds the exported metric families in registration order.
type Registry struct {
	mu      sync.Mutex
	metrics []*Metric
	names   map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Counter registers a monotonically increasing family.
func (r *Registry) Counter(name, help string) *Metric {
	return r.add(newMetric(name, help, "counter"))
}

// Gauge registers a family whose values move both ways.
func (r *Registry) Gauge(name, help string) *Metric {
	return r.add(newMetric(name, help, "gauge"))
}

func (r *Registry) add(m *Metric) *Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.names[m.name] {
		panic("metrics: duplicate metric name " + m.name)
	}
	r.names[m.name] = true
	r.metrics = append(r.metrics, m)
	return m
}

// Render produces the Prometheus text exposition of all families.
func (r *Registry) Render() string {
	r.mu.Lock()
	metrics := make([]*Metric, len(r.metrics))
	copy(metrics, r.metrics)
	r.mu.Unlock()

	var b strings.Builder
	for _, m := range metrics {
		m.write(&b)
	}
	return b.String()
}

// Handler serves the registry. An optional refresh hook runs before each
// scrape so gauges can be brought up to date.
func (r *Registry) Handler(refresh func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if refresh != nil {
			refresh()
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	})
}

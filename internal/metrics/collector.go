// Package metrics is a small Prometheus-text collector for printbot counters,
// gauges and latency histograms.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide collector served on the metrics endpoint.
var Collector = NewMetricsCollector()

type MetricsCollector struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{startTime: time.Now()}
}

func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)  { g.value.Store(v) }
func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram keeps cumulative bucket counts.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// ObserveSince records the seconds elapsed since start.
func (h *Histogram) ObserveSince(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func metricKey(name, labels string) string { return name + "{" + labels + "}" }

// Counter returns the counter for name and labels, creating it on first use.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	key := metricKey(name, labels)
	if v, ok := c.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := c.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	key := metricKey(name, labels)
	if v, ok := c.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := c.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := metricKey(name, labels)
	if v, ok := c.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sorted := append([]float64(nil), buckets...)
	sort.Float64s(sorted)
	hb := make([]histBucket, len(sorted))
	for i, b := range sorted {
		hb[i] = histBucket{le: b}
	}
	actual, _ := c.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// sortedValues returns the map's values ordered by key so output is stable.
func sortedValues[T any](m *sync.Map) []T {
	var keys []string
	vals := make(map[string]T)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		vals[k.(string)] = v.(T)
		return true
	})
	sort.Strings(keys)
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = vals[k]
	}
	return out
}

func series(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// WriteTo renders every metric in Prometheus text exposition format.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP printbot_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE printbot_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "printbot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	header := func(name, help, kind string, seen map[string]bool) {
		if seen[name] {
			return
		}
		seen[name] = true
		fmt.Fprintf(&sb, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	}

	seen := make(map[string]bool)
	for _, ctr := range sortedValues[*Counter](&c.counters) {
		header(ctr.name, ctr.help, "counter", seen)
		fmt.Fprintf(&sb, "%s %d\n", series(ctr.name, ctr.labels), ctr.Value())
	}
	for _, g := range sortedValues[*Gauge](&c.gauges) {
		header(g.name, g.help, "gauge", seen)
		fmt.Fprintf(&sb, "%s %d\n", series(g.name, g.labels), g.Value())
	}
	for _, h := range sortedValues[*Histogram](&c.histograms) {
		header(h.name, h.help, "histogram", seen)
		h.mu.Lock()
		sep := ""
		if h.labels != "" {
			sep = h.labels + ","
		}
		for _, b := range h.buckets {
			le := fmt.Sprintf("%g", b.le)
			if math.IsInf(b.le, 1) {
				le = "+Inf"
			}
			fmt.Fprintf(&sb, "%s_bucket{%sle=\"%s\"} %d\n", h.name, sep, le, b.count)
		}
		fmt.Fprintf(&sb, "%s %d\n", series(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", series(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

// Handler serves the collector in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

var latencyBuckets = []float64{1, 5, 10, 30, 60, 120, 300}

// Metrics recorded by the webhook, dispatcher, pipeline and archiver.
var (
	EventsReceived  = Collector.Counter("printbot_events_received_total", "Slack events accepted by the webhook", "")
	EventsDuplicate = Collector.Counter("printbot_events_duplicate_total", "Slack retries dropped as already seen", "")
	EventsDropped   = Collector.Counter("printbot_events_dropped_total", "Events dropped by the gate or a full bus", "")
	WebhookInvalid  = Collector.Counter("printbot_webhook_invalid_total", "Webhook requests with a bad signature or payload", "")
	EventsRejected  = Collector.Counter("printbot_events_rejected_total", "Events rejected with a user input error", "")
	EventsInFlight  = Collector.Gauge("printbot_events_in_flight", "Events currently being handled", "")

	GenerationsOK     = Collector.Counter("printbot_generations_total", "Pipeline runs by outcome", `outcome="ok"`)
	GenerationsFailed = Collector.Counter("printbot_generations_total", "Pipeline runs by outcome", `outcome="failed"`)
	GenerationLatency = Collector.Histogram("printbot_generation_latency_seconds", "Pipeline run latency in seconds", "", latencyBuckets)

	FilesDelivered = Collector.Counter("printbot_files_delivered_total", "Files posted back to Slack", "")
	FilesArchived  = Collector.Counter("printbot_files_archived_total", "Files uploaded to archive storage", "")
	ArchiveFailed  = Collector.Counter("printbot_archive_failures_total", "Archive items that failed to download or upload", "")

	SessionsCollected = Collector.Counter("printbot_sessions_collected_total", "Workspace session directories removed by the janitor", "")
)

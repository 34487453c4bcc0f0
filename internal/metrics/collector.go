// Package metrics provides a lightweight, Prometheus-compatible collector
// for the dispatch pipeline. It renders text/plain in Prometheus exposition
// format without pulling in the heavy prometheus/client_golang dependency.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide metrics collector.
var Collector = NewCollector()

// MetricsCollector aggregates counters and gauges.
type MetricsCollector struct {
	mu        sync.Mutex
	counters  map[string]*Counter
	gauges    map[string]*Gauge
	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:  map[string]*Counter{},
		gauges:    map[string]*Gauge{},
		startTime: time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name  string
	help  string
	value atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the current counter value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name  string
	help  string
	value atomic.Int64
}

// Set sets the gauge to the given value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the current gauge value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Counter returns or creates a counter with the given name.
func (c *MetricsCollector) Counter(name, help string) *Counter {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ctr, ok := c.counters[name]; ok {
		return ctr
	}
	ctr := &Counter{name: name, help: help}
	c.counters[name] = ctr
	return ctr
}

// Gauge returns or creates a gauge with the given name.
func (c *MetricsCollector) Gauge(name, help string) *Gauge {
	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	c.gauges[name] = g
	return g
}

// Handler renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder
		fmt.Fprintf(&sb, "# HELP relaybot_uptime_seconds Time since start in seconds\n")
		fmt.Fprintf(&sb, "# TYPE relaybot_uptime_seconds gauge\n")
		fmt.Fprintf(&sb, "relaybot_uptime_seconds %d\n\n", int64(c.Uptime().Seconds()))

		c.mu.Lock()
		counterNames := make([]string, 0, len(c.counters))
		for name := range c.counters {
			counterNames = append(counterNames, name)
		}
		gaugeNames := make([]string, 0, len(c.gauges))
		for name := range c.gauges {
			gaugeNames = append(gaugeNames, name)
		}
		sort.Strings(counterNames)
		sort.Strings(gaugeNames)

		for _, name := range counterNames {
			ctr := c.counters[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n", ctr.name, ctr.help)
			fmt.Fprintf(&sb, "# TYPE %s counter\n", ctr.name)
			fmt.Fprintf(&sb, "%s %d\n", ctr.name, ctr.Value())
		}
		for _, name := range gaugeNames {
			g := c.gauges[name]
			fmt.Fprintf(&sb, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&sb, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&sb, "%s %d\n", g.name, g.Value())
		}
		c.mu.Unlock()

		fmt.Fprint(w, sb.String())
	}
}

// --- Pre-defined metrics used across the dispatch pipeline ---

var (
	MessagesSent      = Collector.Counter("relaybot_messages_sent_total", "Total messages delivered to a channel")
	SendFailures      = Collector.Counter("relaybot_send_failures_total", "Total delivery attempts that failed")
	DedupeHits        = Collector.Counter("relaybot_dedupe_hits_total", "Total sends short-circuited by the dedupe cache")
	InlineRetries     = Collector.Counter("relaybot_inline_retries_total", "Total inline retry attempts")
	Requeues          = Collector.Counter("relaybot_requeues_total", "Total out-of-band requeues scheduled")
	DeadLetters       = Collector.Counter("relaybot_dead_letters_total", "Total messages written to the dead-letter store")
	RateLimitWaits    = Collector.Counter("relaybot_rate_limit_waits_total", "Total sends that waited on the rate limiter")
	BreakerRejections = Collector.Counter("relaybot_breaker_rejections_total", "Total sends rejected by an open circuit breaker")
	PendingRetries    = Collector.Gauge("relaybot_pending_retries", "Currently scheduled out-of-band retry timers")
	QueueDepth        = Collector.Gauge("relaybot_outbound_queue_depth", "Pending messages on the outbound queue")
)

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

// Collector provides a minimal Prometheus-compatible metrics exporter for
// the authorization channel.
type Collector struct {
	startedAt time.Time

	requestsTotal  atomic.Uint64
	cacheHits      atomic.Uint64
	cacheMisses    atomic.Uint64
	timeouts       atomic.Uint64
	strayResponses atomic.Uint64
	protocolErrors atomic.Uint64

	notifyByType sync.Map // string -> *atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncRequest() {
	if c == nil {
		return
	}
	c.requestsTotal.Add(1)
}

func (c *Collector) IncCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Add(1)
}

func (c *Collector) IncCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Add(1)
}

func (c *Collector) IncTimeout() {
	if c == nil {
		return
	}
	c.timeouts.Add(1)
}

func (c *Collector) IncStrayResponse() {
	if c == nil {
		return
	}
	c.strayResponses.Add(1)
}

func (c *Collector) IncProtocolError() {
	if c == nil {
		return
	}
	c.protocolErrors.Add(1)
}

func (c *Collector) IncNotify(eventType string) {
	if c == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	ptr, _ := c.notifyByType.LoadOrStore(eventType, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

type HandlerOptions struct {
	CacheCount    func() int
	PendingCount  func() int
	DroppedEvents func() int64
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP execgate_up Whether the execgate daemon is running.\n")
		fmt.Fprint(w, "# TYPE execgate_up gauge\n")
		fmt.Fprint(w, "execgate_up 1\n")

		fmt.Fprint(w, "# HELP execgate_requests_total Authorization checks handled.\n")
		fmt.Fprint(w, "# TYPE execgate_requests_total counter\n")
		fmt.Fprintf(w, "execgate_requests_total %d\n", c.requestsTotal.Load())

		fmt.Fprint(w, "# HELP execgate_cache_hits_total Checks answered from the verdict cache.\n")
		fmt.Fprint(w, "# TYPE execgate_cache_hits_total counter\n")
		fmt.Fprintf(w, "execgate_cache_hits_total %d\n", c.cacheHits.Load())

		fmt.Fprint(w, "# HELP execgate_cache_misses_total Checks that required a round-trip.\n")
		fmt.Fprint(w, "# TYPE execgate_cache_misses_total counter\n")
		fmt.Fprintf(w, "execgate_cache_misses_total %d\n", c.cacheMisses.Load())

		fmt.Fprint(w, "# HELP execgate_request_timeouts_total Checks resolved by the fail-safe verdict.\n")
		fmt.Fprint(w, "# TYPE execgate_request_timeouts_total counter\n")
		fmt.Fprintf(w, "execgate_request_timeouts_total %d\n", c.timeouts.Load())

		fmt.Fprint(w, "# HELP execgate_stray_responses_total Responses that matched no pending request.\n")
		fmt.Fprint(w, "# TYPE execgate_stray_responses_total counter\n")
		fmt.Fprintf(w, "execgate_stray_responses_total %d\n", c.strayResponses.Load())

		fmt.Fprint(w, "# HELP execgate_protocol_errors_total Malformed or invalid protocol traffic.\n")
		fmt.Fprint(w, "# TYPE execgate_protocol_errors_total counter\n")
		fmt.Fprintf(w, "execgate_protocol_errors_total %d\n", c.protocolErrors.Load())

		types := snapshotKeys(&c.notifyByType)
		if len(types) > 0 {
			fmt.Fprint(w, "# HELP execgate_notifications_total Notifications received by type.\n")
			fmt.Fprint(w, "# TYPE execgate_notifications_total counter\n")
			for _, t := range types {
				ptr, _ := c.notifyByType.Load(t)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "execgate_notifications_total{type=\"%s\"} %d\n", escapeLabelValue(t), n)
			}
		}

		if opts.CacheCount != nil {
			fmt.Fprint(w, "# HELP execgate_cache_entries Current verdict cache entries.\n")
			fmt.Fprint(w, "# TYPE execgate_cache_entries gauge\n")
			fmt.Fprintf(w, "execgate_cache_entries %d\n", opts.CacheCount())
		}
		if opts.PendingCount != nil {
			fmt.Fprint(w, "# HELP execgate_pending_requests In-flight authorization requests.\n")
			fmt.Fprint(w, "# TYPE execgate_pending_requests gauge\n")
			fmt.Fprintf(w, "execgate_pending_requests %d\n", opts.PendingCount())
		}
		if opts.DroppedEvents != nil {
			fmt.Fprint(w, "# HELP execgate_dropped_events_total Events dropped on slow subscribers.\n")
			fmt.Fprint(w, "# TYPE execgate_dropped_events_total counter\n")
			fmt.Fprintf(w, "execgate_dropped_events_total %d\n", opts.DroppedEvents())
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, c *Collector, opts HandlerOptions) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler(opts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	b, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestCounters(t *testing.T) {
	c := New()
	c.IncRequest()
	c.IncRequest()
	c.IncCacheHit()
	c.IncCacheMiss()
	c.IncTimeout()
	c.IncStrayResponse()
	c.IncProtocolError()

	body := scrape(t, c, HandlerOptions{})
	for _, want := range []string{
		"execgate_up 1",
		"execgate_requests_total 2",
		"execgate_cache_hits_total 1",
		"execgate_cache_misses_total 1",
		"execgate_request_timeouts_total 1",
		"execgate_stray_responses_total 1",
		"execgate_protocol_errors_total 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestNotifyByType(t *testing.T) {
	c := New()
	c.IncNotify("exec")
	c.IncNotify("exec")
	c.IncNotify("rename")
	c.IncNotify("")

	body := scrape(t, c, HandlerOptions{})
	for _, want := range []string{
		`execgate_notifications_total{type="exec"} 2`,
		`execgate_notifications_total{type="rename"} 1`,
		`execgate_notifications_total{type="unknown"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("output missing %q:\n%s", want, body)
		}
	}
}

func TestGauges(t *testing.T) {
	c := New()
	body := scrape(t, c, HandlerOptions{
		CacheCount:    func() int { return 7 },
		PendingCount:  func() int { return 3 },
		DroppedEvents: func() int64 { return 2 },
	})
	if !strings.Contains(body, "execgate_cache_entries 7") {
		t.Error("cache gauge missing")
	}
	if !strings.Contains(body, "execgate_pending_requests 3") {
		t.Error("pending gauge missing")
	}
	if !strings.Contains(body, "execgate_dropped_events_total 2") {
		t.Error("dropped events counter missing")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.IncRequest()
	c.IncCacheHit()
	c.IncCacheMiss()
	c.IncTimeout()
	c.IncStrayResponse()
	c.IncProtocolError()
	c.IncNotify("exec")
}

func TestEscapeLabelValue(t *testing.T) {
	if got := escapeLabelValue(`a"b\c` + "\n"); got != `a\"b\\c\n` {
		t.Fatalf("escaped to %q", got)
	}
}

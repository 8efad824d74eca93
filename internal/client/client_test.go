package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/agentsh/execgate/pkg/types"
)

func TestClientPathsAndDecoding(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		switch r.URL.Path {
		case "/api/v1/cache/count":
			json.NewEncoder(w).Encode(map[string]any{"count": 7})
		case "/api/v1/events/search":
			json.NewEncoder(w).Encode(map[string]any{
				"events": []types.Event{{ID: "e1", Type: "exec"}},
				"count":  1,
			})
		default:
			json.NewEncoder(w).Encode(map[string]any{"ok": true})
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/") // trailing slash is trimmed

	n, err := c.CacheCount(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("CacheCount = %d, %v", n, err)
	}

	if _, err := c.AllowBinary(context.Background(), 42); err != nil {
		t.Fatalf("AllowBinary: %v", err)
	}
	if gotPath != "/api/v1/cache/allow/42" {
		t.Fatalf("path = %q", gotPath)
	}

	q := url.Values{}
	q.Set("type", "exec")
	evs, err := c.SearchEvents(context.Background(), q)
	if err != nil || len(evs) != 1 || evs[0].ID != "e1" {
		t.Fatalf("SearchEvents = %+v, %v", evs, err)
	}
	if gotQuery != "type=exec" {
		t.Fatalf("query = %q", gotQuery)
	}
}

func TestClientReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid vnode id"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL)
	if _, err := c.CheckCache(context.Background(), 1); err == nil {
		t.Fatal("expected error on 400 response")
	}
	if err := c.ClearCache(context.Background()); err == nil {
		t.Fatal("expected error on 400 response")
	}
}

// Package api exposes the control surface over HTTP for administrative
// tooling: seeding and clearing the verdict cache, inspecting pending
// requests, streaming notifications and scraping metrics.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentsh/execgate/internal/control"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/session"
	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/pkg/types"
)

type App struct {
	control  *control.Service
	sessions *session.Manager
	store    store.EventStore
	broker   *events.Broker
	metrics  *metrics.Collector
}

func NewApp(ctl *control.Service, sessions *session.Manager, st store.EventStore, broker *events.Broker, m *metrics.Collector) *App {
	return &App{control: ctl, sessions: sessions, store: st, broker: broker, metrics: m}
}

func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/cache/allow/{vnode}", a.allowBinary)
		r.Post("/cache/deny/{vnode}", a.denyBinary)
		r.Post("/cache/clear", a.clearCache)
		r.Get("/cache/count", a.cacheCount)
		r.Get("/cache/check/{vnode}", a.checkCache)

		r.Get("/pending", a.listPending)
		r.Get("/events/search", a.searchEvents)
	})

	r.Method(http.MethodGet, "/metrics", a.metrics.Handler(metrics.HandlerOptions{
		CacheCount:    a.sessions.Cache().Count,
		PendingCount:  a.sessions.PendingCount,
		DroppedEvents: a.broker.DroppedCount,
	}))

	return r
}

func (a *App) allowBinary(w http.ResponseWriter, r *http.Request) {
	id, ok := vnodeParam(w, r)
	if !ok {
		return
	}
	a.control.AllowBinary(id)
	writeJSON(w, http.StatusOK, map[string]any{"vnode_id": id, "verdict": types.VerdictAllow})
}

func (a *App) denyBinary(w http.ResponseWriter, r *http.Request) {
	id, ok := vnodeParam(w, r)
	if !ok {
		return
	}
	a.control.DenyBinary(id)
	writeJSON(w, http.StatusOK, map[string]any{"vnode_id": id, "verdict": types.VerdictDeny})
}

func (a *App) clearCache(w http.ResponseWriter, r *http.Request) {
	a.control.ClearCache()
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (a *App) cacheCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"count": a.control.CacheCount()})
}

func (a *App) checkCache(w http.ResponseWriter, r *http.Request) {
	id, ok := vnodeParam(w, r)
	if !ok {
		return
	}
	v, cached := a.control.CheckCache(id)
	resp := map[string]any{"vnode_id": id, "cached": cached}
	if cached {
		resp["verdict"] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) listPending(w http.ResponseWriter, r *http.Request) {
	ids := a.sessions.PendingIDs()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(ids), "vnode_ids": ids})
}

func (a *App) searchEvents(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "event store disabled"})
		return
	}
	q := types.EventQuery{
		PathLike: r.URL.Query().Get("path"),
	}
	if t := r.URL.Query().Get("type"); t != "" {
		q.Types = []string{t}
	}
	if s := r.URL.Query().Get("vnode"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid vnode id"})
			return
		}
		q.VnodeID = id
	}
	if s := r.URL.Query().Get("since"); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid since timestamp"})
			return
		}
		q.Since = &ts
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid limit"})
			return
		}
		q.Limit = n
	}

	evs, err := a.store.QueryEvents(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "count": len(evs)})
}

func vnodeParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "vnode"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid vnode id"})
		return 0, false
	}
	return id, true
}

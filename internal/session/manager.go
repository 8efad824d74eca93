// Package session turns one intercepted event into a verdict: cache lookup,
// then on a miss a blocking request/response exchange with the userspace
// authority, then a cache update and the resumption of the original
// operation. Every blocked caller has a bounded wait; an unresponsive
// authority degrades to the configured fail-safe verdict, never to a hang.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentsh/execgate/internal/channel"
	"github.com/agentsh/execgate/internal/decision"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/wire"
	"github.com/agentsh/execgate/pkg/types"
)

const DefaultRequestTimeout = 10 * time.Second

type Options struct {
	// FailSafe is the verdict applied on timeout, shutdown or channel
	// failure. Deny is the conservative default for a security gate.
	FailSafe types.Verdict
	// RequestTimeout bounds the wait for each in-flight request.
	RequestTimeout time.Duration
	Metrics        *metrics.Collector
	Logger         *slog.Logger
}

// Manager owns the decision cache, the pending request table and the
// outbound half of the channel. Events arrive concurrently from many
// execution contexts; each blocks independently in Authorize.
type Manager struct {
	cache    *decision.Cache
	conn     channel.Conn
	failSafe types.Verdict
	timeout  time.Duration
	metrics  *metrics.Collector
	log      *slog.Logger

	mu      sync.Mutex
	pending map[uint64]*pendingReq
	closed  bool
}

// pendingReq is one in-flight request. Concurrent checks for the same
// identity coalesce onto a single entry and a single round-trip; done is
// closed exactly once, after verdict is set.
type pendingReq struct {
	done    chan struct{}
	verdict types.Verdict
}

func NewManager(cache *decision.Cache, conn channel.Conn, opts Options) *Manager {
	failSafe := opts.FailSafe
	if !failSafe.Valid() {
		failSafe = types.VerdictDeny
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cache:    cache,
		conn:     conn,
		failSafe: failSafe,
		timeout:  timeout,
		metrics:  opts.Metrics,
		log:      log,
		pending:  make(map[uint64]*pendingReq),
	}
}

// Cache exposes the decision cache for the control surface.
func (m *Manager) Cache() *decision.Cache { return m.cache }

// FailSafe returns the configured fail-safe verdict.
func (m *Manager) FailSafe() types.Verdict { return m.failSafe }

// PendingCount returns the number of in-flight requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingIDs returns the identities with an in-flight request.
func (m *Manager) PendingIDs() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.pending))
	for id := range m.pending {
		out = append(out, id)
	}
	return out
}

// Authorize resolves one intercepted event to a verdict. Notifications are
// forwarded fire-and-forget and never block or deny. For check requests the
// cache is consulted first; only a miss costs a round-trip.
func (m *Manager) Authorize(ctx context.Context, ev wire.Message) types.Verdict {
	if wire.CategoryOf(ev.Action) == wire.CategoryNotify {
		// A modified file invalidates whatever verdict its identity had.
		switch ev.Action {
		case wire.ActionNotifyWrite, wire.ActionNotifyRename, wire.ActionNotifyExchange, wire.ActionNotifyDelete:
			m.cache.Invalidate(ev.VnodeID)
		}
		m.Notify(ev)
		return types.VerdictAllow
	}

	m.metrics.IncRequest()

	if v, ok := m.cache.Lookup(ev.VnodeID); ok {
		m.metrics.IncCacheHit()
		return v
	}
	m.metrics.IncCacheMiss()

	p, created := m.join(ev.VnodeID)
	if p == nil {
		// Channel is down; nothing to wait for.
		return m.failSafe
	}

	if created {
		req := ev
		req.Action = wire.ActionRequestCheck
		req.NewPath = ""
		if err := m.conn.Send(req); err != nil {
			m.log.Warn("authorization request send failed",
				"vnode_id", ev.VnodeID, "path", ev.Path, "error", err)
			m.resolveEntry(ev.VnodeID, p, m.failSafe)
		}
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		m.metrics.IncTimeout()
		m.log.Warn("authorization request timed out, applying fail-safe verdict",
			"vnode_id", ev.VnodeID, "path", ev.Path, "verdict", m.failSafe)
		m.resolveEntry(ev.VnodeID, p, m.failSafe)
		<-p.done
	case <-ctx.Done():
		// Only this caller detaches. The shared entry stays pending so
		// coalesced callers keep waiting and the authority's answer
		// still lands. A reaper bounds the lifetime of an entry every
		// caller has abandoned.
		go func() {
			reap := time.NewTimer(m.timeout)
			defer reap.Stop()
			select {
			case <-p.done:
			case <-reap.C:
				m.resolveEntry(ev.VnodeID, p, m.failSafe)
			}
		}()
		return m.failSafe
	}
	return p.verdict
}

// Notify forwards a fire-and-forget notification to the authority. Send
// failures are logged and dropped; notifications never block the caller.
func (m *Manager) Notify(ev wire.Message) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	if err := m.conn.Send(ev); err != nil {
		m.log.Debug("notification dropped", "action", ev.Action.String(), "error", err)
	}
}

// HandleResponse processes one response message from the authority. A
// response that is not exactly allow or deny, or that answers no outstanding
// request, is logged and dropped without resolving anyone.
func (m *Manager) HandleResponse(msg wire.Message) {
	if !wire.ValidResponse(wire.ActionRequestCheck, msg.Action) {
		m.metrics.IncProtocolError()
		m.log.Warn("invalid response action", "action", msg.Action.String(), "vnode_id", msg.VnodeID)
		return
	}
	verdict := types.VerdictAllow
	if msg.Action == wire.ActionRespondDeny {
		verdict = types.VerdictDeny
	}

	m.mu.Lock()
	p, ok := m.pending[msg.VnodeID]
	if ok {
		delete(m.pending, msg.VnodeID)
	}
	m.mu.Unlock()

	if !ok {
		m.metrics.IncStrayResponse()
		m.log.Warn("response matched no pending request", "vnode_id", msg.VnodeID, "action", msg.Action.String())
		return
	}

	m.cache.Record(msg.VnodeID, verdict)
	p.verdict = verdict
	close(p.done)
}

// ResolveExternal applies a verdict from the control surface: the cache is
// updated and any request currently blocked on the identity is woken, the
// same way an in-band response would.
func (m *Manager) ResolveExternal(id uint64, verdict types.Verdict) {
	if !verdict.Valid() {
		return
	}
	m.cache.Record(id, verdict)
	m.resolve(id, verdict)
}

// Shutdown resolves every pending request with the fail-safe verdict and
// marks the channel unavailable. Later checks resolve to the fail-safe
// verdict immediately until Reopen.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	drained := m.pending
	m.pending = make(map[uint64]*pendingReq)
	m.mu.Unlock()

	for id, p := range drained {
		m.log.Info("resolving pending request at shutdown", "vnode_id", id, "verdict", m.failSafe)
		p.verdict = m.failSafe
		close(p.done)
	}
}

// Reopen marks the channel available again after a shutdown. Verdicts made
// while the authority was away were never cached, so everything re-asks.
func (m *Manager) Reopen() {
	m.mu.Lock()
	m.closed = false
	m.mu.Unlock()
}

// Run reads the inbound half of the channel until shutdown, dispatching
// responses to blocked callers. Non-response traffic on the inbound path is
// a protocol error and is dropped.
func (m *Manager) Run(ctx context.Context) error {
	for {
		msg, err := m.conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.Shutdown()
				return ctx.Err()
			}
			m.log.Warn("channel receive failed, shutting down", "error", err)
			m.Shutdown()
			return err
		}
		switch wire.CategoryOf(msg.Action) {
		case wire.CategoryResponse:
			m.HandleResponse(msg)
		case wire.CategoryShutdown:
			m.log.Info("authority requested shutdown")
			m.Shutdown()
			return nil
		case wire.CategoryError:
			m.metrics.IncProtocolError()
			m.log.Warn("authority signaled protocol error", "vnode_id", msg.VnodeID)
		default:
			m.metrics.IncProtocolError()
			m.log.Warn("unexpected inbound message", "action", msg.Action.String())
		}
	}
}

// join returns the pending entry for id, creating it if absent. The second
// result reports whether this caller created the entry and therefore owns
// sending the request. Returns nil if the channel is unavailable.
func (m *Manager) join(id uint64) (*pendingReq, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	if p, ok := m.pending[id]; ok {
		return p, false
	}
	p := &pendingReq{done: make(chan struct{})}
	m.pending[id] = p
	return p, true
}

// resolve removes and wakes the pending entry for id, if any. Removal under
// the lock makes resolution exactly-once: a response and a timeout racing
// for the same entry cannot both win. No cache entry is written here.
func (m *Manager) resolve(id uint64, verdict types.Verdict) bool {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.verdict = verdict
	close(p.done)
	return true
}

// resolveEntry is resolve restricted to a specific entry: a timed-out caller
// must not fail a newer in-flight request that reused its identity.
func (m *Manager) resolveEntry(id uint64, want *pendingReq, verdict types.Verdict) {
	m.mu.Lock()
	p, ok := m.pending[id]
	if ok && p == want {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok || p != want {
		return
	}
	p.verdict = verdict
	close(p.done)
}

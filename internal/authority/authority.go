// Package authority implements the userspace end of the authorization
// channel: it receives check requests, evaluates them against a rule set and
// responds with a verdict, and it records fire-and-forget notifications.
package authority

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/agentsh/execgate/internal/channel"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/internal/wire"
	"github.com/agentsh/execgate/pkg/types"
)

type Options struct {
	Store   store.EventStore
	Broker  *events.Broker
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Authority services many concurrent requests without head-of-line
// blocking: each check is evaluated and answered on its own goroutine, so a
// slow evaluation never delays the verdict for an unrelated request. One
// Authority may serve sequential connections; only one at a time, the way an
// exclusive-access privileged client works.
type Authority struct {
	rules   atomic.Pointer[CompiledRules]
	store   store.EventStore
	broker  *events.Broker
	metrics *metrics.Collector
	log     *slog.Logger
}

func New(rules *CompiledRules, opts Options) *Authority {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	a := &Authority{
		store:   opts.Store,
		broker:  opts.Broker,
		metrics: opts.Metrics,
		log:     log,
	}
	a.rules.Store(rules)
	return a
}

// SetRules atomically swaps the rule set. In-flight evaluations finish
// against the document they started with.
func (a *Authority) SetRules(rules *CompiledRules) {
	a.rules.Store(rules)
	a.log.Info("rule set reloaded", "mode", string(rules.Mode()))
}

// Rules returns the current rule set.
func (a *Authority) Rules() *CompiledRules {
	return a.rules.Load()
}

// Run reads messages from conn until the channel closes or a shutdown
// arrives.
func (a *Authority) Run(ctx context.Context, conn channel.Conn) error {
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Info("channel closed", "error", err)
			return nil
		}
		switch wire.CategoryOf(msg.Action) {
		case wire.CategoryRequest:
			go a.respond(conn, msg)
		case wire.CategoryNotify:
			a.record(msg)
		case wire.CategoryShutdown:
			a.log.Info("shutdown requested")
			return nil
		default:
			a.metrics.IncProtocolError()
			a.log.Warn("unexpected message from interception point", "action", msg.Action.String())
		}
	}
}

func (a *Authority) respond(conn channel.Conn, req wire.Message) {
	verdict, rule := a.rules.Load().Evaluate(req.VnodeID, req.Path)

	action := wire.ActionRespondAllow
	if verdict == types.VerdictDeny {
		action = wire.ActionRespondDeny
	}
	a.log.Debug("verdict computed",
		"vnode_id", req.VnodeID, "path", req.Path, "pid", req.PID,
		"verdict", string(verdict), "rule", rule)

	if err := conn.Send(wire.Message{Action: action, VnodeID: req.VnodeID}); err != nil {
		a.log.Warn("response send failed", "vnode_id", req.VnodeID, "error", err)
	}
}

func (a *Authority) record(msg wire.Message) {
	ev, ok := events.FromMessage(msg)
	if !ok {
		return
	}
	a.metrics.IncNotify(ev.Type)
	if a.store != nil {
		if err := a.store.AppendEvent(context.Background(), ev); err != nil {
			a.log.Warn("event append failed", "type", ev.Type, "error", err)
		}
	}
	if a.broker != nil {
		a.broker.Publish(ev)
	}
}

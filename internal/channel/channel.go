// Package channel abstracts the queue between the interception point and the
// userspace authority behind a bidirectional typed connection, so the
// session logic can be exercised without a privileged transport underneath.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/agentsh/execgate/internal/wire"
)

// ErrClosed is returned once a connection has been shut down. Pending and
// future operations on a closed connection fail fast; callers translate that
// into their fail-safe verdict.
var ErrClosed = errors.New("channel: closed")

// Conn is one end of a bidirectional message channel.
type Conn interface {
	// Send enqueues one message. It must not block indefinitely on a live
	// connection and fails with ErrClosed after Close.
	Send(m wire.Message) error
	// Receive blocks for the next message, honoring ctx cancellation.
	Receive(ctx context.Context) (wire.Message, error)
	Close() error
}

const pipeDepth = 512 // matches the queue depth a shared-memory transport would carry

type pipeState struct {
	closeOnce sync.Once
	done      chan struct{}
}

type pipeConn struct {
	in  chan wire.Message
	out chan wire.Message
	st  *pipeState
}

// Pipe returns a connected in-memory pair. Closing either end closes both.
func Pipe() (Conn, Conn) {
	ab := make(chan wire.Message, pipeDepth)
	ba := make(chan wire.Message, pipeDepth)
	st := &pipeState{done: make(chan struct{})}
	return &pipeConn{in: ba, out: ab, st: st}, &pipeConn{in: ab, out: ba, st: st}
}

func (p *pipeConn) Send(m wire.Message) error {
	select {
	case <-p.st.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.st.done:
		return ErrClosed
	}
}

func (p *pipeConn) Receive(ctx context.Context) (wire.Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.st.done:
		// Drain anything already queued before reporting closure.
		select {
		case m := <-p.in:
			return m, nil
		default:
		}
		return wire.Message{}, ErrClosed
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.st.closeOnce.Do(func() { close(p.st.done) })
	return nil
}

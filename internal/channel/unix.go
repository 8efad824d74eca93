package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentsh/execgate/internal/wire"
)

// NetConn frames fixed-size wire records over a stream connection. One
// record per frame; there is no length prefix because the record size is a
// protocol constant.
type NetConn struct {
	conn net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func NewNetConn(c net.Conn) *NetConn {
	return &NetConn{conn: c, closed: make(chan struct{})}
}

func (c *NetConn) Send(m wire.Message) error {
	buf, err := wire.Encode(m)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

func (c *NetConn) Receive(ctx context.Context) (wire.Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	} else {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	// Unblock the read if ctx is canceled mid-receive.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	buf := make([]byte, wire.MessageSize)
	if _, err := io.ReadFull(c.conn, buf); err != nil {
		if ctx.Err() != nil {
			return wire.Message{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			return wire.Message{}, ErrClosed
		}
		return wire.Message{}, fmt.Errorf("channel: read: %w", err)
	}
	return wire.Decode(buf)
}

func (c *NetConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// ListenUnix binds a unix socket for the authority side, replacing any stale
// socket file from a previous run.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("channel: mkdir socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("channel: remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("channel: listen: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("channel: chmod socket: %w", err)
	}
	return ln, nil
}

// DialUnix connects the interception side to the authority's socket.
func DialUnix(ctx context.Context, path string) (*NetConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("channel: dial: %w", err)
	}
	return NewNetConn(conn), nil
}

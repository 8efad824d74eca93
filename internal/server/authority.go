package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/agentsh/execgate/internal/authority"
	"github.com/agentsh/execgate/internal/channel"
	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
)

// AuthorityServer runs a standalone decision authority on a unix socket.
// Connections are served one at a time: the channel carries a single
// privileged client, and a second connection while one is active indicates
// misconfiguration, not legitimate load.
type AuthorityServer struct {
	cfg  config.Config
	log  *slog.Logger
	auth *authority.Authority
	ln   net.Listener

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewAuthorityServer(cfg config.Config, log *slog.Logger) (*AuthorityServer, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Channel.Socket == "" {
		return nil, fmt.Errorf("server: channel.socket is required for the authority")
	}

	rules, err := authority.LoadFile(cfg.Rules.Path)
	if err != nil {
		return nil, fmt.Errorf("server: load rules: %w", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	auth := authority.New(rules, authority.Options{
		Store:   st,
		Broker:  events.NewBroker(),
		Metrics: metrics.New(),
		Logger:  log.With("component", "authority"),
	})
	return &AuthorityServer{cfg: cfg, log: log, auth: auth}, nil
}

// Run listens and serves until ctx is canceled.
func (s *AuthorityServer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	ln, err := channel.ListenUnix(s.cfg.Channel.Socket)
	if err != nil {
		return err
	}
	s.ln = ln
	defer ln.Close()
	s.log.Info("authority listening", "socket", s.cfg.Channel.Socket)

	if s.cfg.Rules.Watch {
		w, err := authority.NewRulesWatcher(s.cfg.Rules.Path, s.auth, s.log.With("component", "rules-watcher"))
		if err != nil {
			s.log.Warn("rules watcher unavailable", "error", err)
		} else {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.log.Warn("rules watcher stopped", "error", err)
				}
			}()
		}
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.log.Info("client connected", "remote", conn.RemoteAddr().String())
		if err := s.auth.Run(ctx, channel.NewNetConn(conn)); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("client session ended", "error", err)
		}
		_ = conn.Close()
		s.log.Info("client disconnected")
	}
}

// Package server assembles the execgate daemon: the decision cache and
// session manager on the interception side, the authority (embedded or over
// a socket), the control API, and the optional intake socket for
// interception shims.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentsh/execgate/internal/api"
	"github.com/agentsh/execgate/internal/authority"
	"github.com/agentsh/execgate/internal/channel"
	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/control"
	"github.com/agentsh/execgate/internal/decision"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/metrics"
	"github.com/agentsh/execgate/internal/session"
	storepkg "github.com/agentsh/execgate/internal/store"
	"github.com/agentsh/execgate/internal/store/jsonl"
	"github.com/agentsh/execgate/internal/store/sqlite"
	"github.com/agentsh/execgate/internal/wire"
	"github.com/agentsh/execgate/pkg/types"
)

type Server struct {
	cfg config.Config
	log *slog.Logger

	sessions *session.Manager
	control  *control.Service
	auth     *authority.Authority
	authConn channel.Conn
	watcher  *authority.RulesWatcher
	store    storepkg.EventStore
	broker   *events.Broker
	metrics  *metrics.Collector

	httpServer *http.Server
	httpLn     net.Listener
	intakeLn   net.Listener

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	failSafe, _ := cfg.FailSafe()
	timeout, _ := cfg.RequestTimeout()
	allowTTL, _ := cfg.AllowTTL()
	denyTTL, _ := cfg.DenyTTL()

	m := metrics.New()
	broker := events.NewBroker()

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	cache := decision.NewCache(
		decision.WithMaxEntries(cfg.Cache.MaxEntries),
		decision.WithTTLs(allowTTL, denyTTL),
	)

	var gateConn channel.Conn
	var authConn channel.Conn
	var auth *authority.Authority

	switch cfg.Channel.Mode {
	case "", "embedded":
		rules, err := authority.LoadFile(cfg.Rules.Path)
		if err != nil {
			return nil, fmt.Errorf("server: load rules: %w", err)
		}
		gateConn, authConn = channel.Pipe()
		auth = authority.New(rules, authority.Options{
			Store:   st,
			Broker:  broker,
			Metrics: m,
			Logger:  log.With("component", "authority"),
		})
	case "socket":
		conn, err := channel.DialUnix(context.Background(), cfg.Channel.Socket)
		if err != nil {
			return nil, fmt.Errorf("server: connect authority: %w", err)
		}
		gateConn = conn
	}

	sessions := session.NewManager(cache, gateConn, session.Options{
		FailSafe:       failSafe,
		RequestTimeout: timeout,
		Metrics:        m,
		Logger:         log.With("component", "session"),
	})
	ctl := control.NewService(sessions, log.With("component", "control"))

	s := &Server{
		cfg:      cfg,
		log:      log,
		sessions: sessions,
		control:  ctl,
		auth:     auth,
		authConn: authConn,
		store:    st,
		broker:   broker,
		metrics:  m,
	}

	if auth != nil && cfg.Rules.Watch {
		w, err := authority.NewRulesWatcher(cfg.Rules.Path, auth, log.With("component", "rules-watcher"))
		if err != nil {
			log.Warn("rules watcher unavailable", "error", err)
		} else {
			s.watcher = w
		}
	}
	return s, nil
}

// Sessions exposes the session manager for embedding interception code.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Control exposes the control surface.
func (s *Server) Control() *control.Service { return s.control }

// Start brings up the channel loops, the control API and the intake socket,
// then returns. Use Shutdown to stop.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	if s.auth != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.auth.Run(ctx, s.authConn); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("authority stopped", "error", err)
			}
		}()
	}
	if s.watcher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("rules watcher stopped", "error", err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sessions.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("session loop stopped", "error", err)
		}
	}()

	// The gate is open for business once the loops are up.
	s.control.Open()

	if s.cfg.Server.Addr != "" {
		ln, err := net.Listen("tcp", s.cfg.Server.Addr)
		if err != nil {
			s.Shutdown(context.Background())
			return fmt.Errorf("server: listen %s: %w", s.cfg.Server.Addr, err)
		}
		s.httpLn = ln
		app := api.NewApp(s.control, s.sessions, s.store, s.broker, s.metrics)
		s.httpServer = &http.Server{
			Handler:           app.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Warn("http server stopped", "error", err)
			}
		}()
		s.log.Info("control api listening", "addr", ln.Addr().String())
	}

	if s.cfg.Channel.IntakeSocket != "" {
		ln, err := channel.ListenUnix(s.cfg.Channel.IntakeSocket)
		if err != nil {
			s.Shutdown(context.Background())
			return err
		}
		s.intakeLn = ln
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptIntake(ctx, ln)
		}()
		s.log.Info("intake socket listening", "path", s.cfg.Channel.IntakeSocket)
	}

	return nil
}

// Addr returns the control API address once started.
func (s *Server) Addr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Shutdown stops accepting work, resolves every pending request with the
// fail-safe verdict and tears the channel down.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(ctx)
	}
	if s.intakeLn != nil {
		_ = s.intakeLn.Close()
	}
	s.sessions.Shutdown()
	s.wg.Wait()
	if s.store != nil {
		_ = s.store.Close()
	}
	return nil
}

// acceptIntake serves interception shims: each connection carries framed
// wire records, and every check request is answered in place with the
// verdict the session manager reaches.
func (s *Server) acceptIntake(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveIntake(ctx, channel.NewNetConn(conn))
		}()
	}
}

func (s *Server) serveIntake(ctx context.Context, conn *channel.NetConn) {
	defer conn.Close()
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return
		}
		switch wire.CategoryOf(msg.Action) {
		case wire.CategoryRequest:
			go func(req wire.Message) {
				verdict := s.sessions.Authorize(ctx, req)
				resp := wire.Message{Action: wire.ActionRespondDeny, VnodeID: req.VnodeID}
				if verdict == types.VerdictAllow {
					resp.Action = wire.ActionRespondAllow
				}
				if err := conn.Send(resp); err != nil {
					s.log.Debug("intake response send failed", "vnode_id", req.VnodeID, "error", err)
				}
			}(msg)
		case wire.CategoryNotify:
			// Authorize owns the notification path: a modification
			// notice invalidates the cached verdict before the forward.
			s.sessions.Authorize(ctx, msg)
		case wire.CategoryShutdown:
			return
		default:
			s.metrics.IncProtocolError()
			s.log.Warn("unexpected intake message", "action", msg.Action.String())
		}
	}
}

func openStore(cfg config.StoreConfig) (storepkg.EventStore, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return sqlite.Open(cfg.Path)
	case "jsonl":
		return jsonl.New(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("server: unknown store backend %q", cfg.Backend)
	}
}

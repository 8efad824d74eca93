package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentsh/execgate/internal/channel"
	"github.com/agentsh/execgate/internal/config"
	"github.com/agentsh/execgate/internal/wire"
	"github.com/agentsh/execgate/pkg/types"
)

func writeRules(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return path
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Rules.Path = writeRules(t, `
mode: lockdown
rules:
  - name: system
    verdict: allow
    paths:
      - /usr/bin/*
`)
	cfg.Rules.Watch = false
	cfg.Store.Backend = "none"
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Channel.Socket = ""
	return cfg
}

func startServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestEmbeddedAuthorization(t *testing.T) {
	s := startServer(t, testConfig(t))

	v := s.Sessions().Authorize(context.Background(), wire.Message{
		Action: wire.ActionRequestCheck, VnodeID: 1, Path: "/usr/bin/ls",
	})
	if v != types.VerdictAllow {
		t.Fatalf("allow-listed path denied: %q", v)
	}
	v = s.Sessions().Authorize(context.Background(), wire.Message{
		Action: wire.ActionRequestCheck, VnodeID: 2, Path: "/opt/unknown",
	})
	if v != types.VerdictDeny {
		t.Fatalf("lockdown default did not deny: %q", v)
	}

	// Both verdicts landed in the cache; the second check is a pure hit.
	if n := s.Sessions().Cache().Count(); n != 2 {
		t.Fatalf("cache count = %d, want 2", n)
	}
}

func TestControlAPIOverHTTP(t *testing.T) {
	s := startServer(t, testConfig(t))
	if s.Addr() == "" {
		t.Fatal("no control api address")
	}

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Post("http://"+s.Addr()+"/api/v1/cache/allow/77", "application/json", nil)
	if err != nil {
		t.Fatalf("cache allow: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get("http://" + s.Addr() + "/api/v1/cache/check/77")
	if err != nil {
		t.Fatalf("cache check: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["cached"] != true || out["verdict"] != "allow" {
		t.Fatalf("check = %+v", out)
	}
}

func TestIntakeSocket(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channel.IntakeSocket = filepath.Join(t.TempDir(), "intake.sock")
	startServer(t, cfg)

	shim, err := channel.DialUnix(context.Background(), cfg.Channel.IntakeSocket)
	if err != nil {
		t.Fatalf("dial intake: %v", err)
	}
	defer shim.Close()

	if err := shim.Send(wire.Message{Action: wire.ActionRequestCheck, VnodeID: 5, Path: "/usr/bin/env"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := shim.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if resp.Action != wire.ActionRespondAllow || resp.VnodeID != 5 {
		t.Fatalf("response = %+v", resp)
	}

	// Notifications are accepted without a response.
	if err := shim.Send(wire.Message{Action: wire.ActionNotifyExec, VnodeID: 5, Path: "/usr/bin/env"}); err != nil {
		t.Fatalf("send notify: %v", err)
	}
}

func TestIntakeWriteNotificationInvalidatesVerdict(t *testing.T) {
	cfg := testConfig(t)
	cfg.Channel.IntakeSocket = filepath.Join(t.TempDir(), "intake.sock")
	s := startServer(t, cfg)

	s.Sessions().Cache().Record(5, types.VerdictAllow)

	shim, err := channel.DialUnix(context.Background(), cfg.Channel.IntakeSocket)
	if err != nil {
		t.Fatalf("dial intake: %v", err)
	}
	defer shim.Close()

	if err := shim.Send(wire.Message{Action: wire.ActionNotifyWrite, VnodeID: 5, Path: "/usr/bin/env"}); err != nil {
		t.Fatalf("send notify: %v", err)
	}

	// An overwritten binary must lose its cached allow and re-ask.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Sessions().Cache().Lookup(5); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("write notification did not invalidate the cached verdict")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSocketModeAgainstStandaloneAuthority(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "authority.sock")

	authCfg := config.Default()
	authCfg.Rules.Path = writeRules(t, "mode: monitor\n")
	authCfg.Rules.Watch = false
	authCfg.Store.Backend = "none"
	authCfg.Channel.Socket = sock

	as, err := NewAuthorityServer(authCfg, nil)
	if err != nil {
		t.Fatalf("new authority server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- as.Run(ctx) }()

	// Wait for the socket to exist.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("authority socket never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cfg := testConfig(t)
	cfg.Channel.Mode = "socket"
	cfg.Channel.Socket = sock
	s := startServer(t, cfg)

	v := s.Sessions().Authorize(context.Background(), wire.Message{
		Action: wire.ActionRequestCheck, VnodeID: 9, Path: "/opt/whatever",
	})
	if v != types.VerdictAllow {
		t.Fatalf("monitor-mode authority denied: %q", v)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("authority run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("authority did not stop on cancel")
	}
}

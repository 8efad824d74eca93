package authority

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentsh/execgate/internal/channel"
	"github.com/agentsh/execgate/internal/events"
	"github.com/agentsh/execgate/internal/wire"
	"github.com/agentsh/execgate/pkg/types"
)

// memStore collects appended events for assertions.
type memStore struct {
	mu     sync.Mutex
	events []types.Event
}

func (s *memStore) AppendEvent(_ context.Context, ev types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memStore) QueryEvents(_ context.Context, _ types.EventQuery) ([]types.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) snapshot() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Event, len(s.events))
	copy(out, s.events)
	return out
}

func mustCompile(t *testing.T, rs RuleSet) *CompiledRules {
	t.Helper()
	c, err := Compile(rs)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return c
}

func startAuthority(t *testing.T, rules *CompiledRules, opts Options) (channel.Conn, *Authority) {
	t.Helper()
	local, remote := channel.Pipe()
	t.Cleanup(func() { local.Close() })

	a := New(rules, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go a.Run(ctx, remote)
	return local, a
}

func checkRequest(t *testing.T, conn channel.Conn, id uint64, path string) wire.Message {
	t.Helper()
	if err := conn.Send(wire.Message{Action: wire.ActionRequestCheck, VnodeID: id, Path: path}); err != nil {
		t.Fatalf("send request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive response: %v", err)
	}
	return resp
}

func TestRespondsPerRules(t *testing.T) {
	rules := mustCompile(t, RuleSet{
		Mode: types.ModeLockdown,
		Rules: []Rule{
			{Name: "system", Verdict: types.VerdictAllow, Paths: []string{"/usr/bin/*"}},
		},
	})
	conn, _ := startAuthority(t, rules, Options{})

	resp := checkRequest(t, conn, 1, "/usr/bin/ls")
	if resp.Action != wire.ActionRespondAllow || resp.VnodeID != 1 {
		t.Fatalf("response = %+v, want allow for vnode 1", resp)
	}

	resp = checkRequest(t, conn, 2, "/opt/unknown")
	if resp.Action != wire.ActionRespondDeny || resp.VnodeID != 2 {
		t.Fatalf("response = %+v, want deny for vnode 2", resp)
	}
}

func TestMonitorModeAllowsUnmatched(t *testing.T) {
	conn, _ := startAuthority(t, mustCompile(t, RuleSet{}), Options{})
	resp := checkRequest(t, conn, 3, "/opt/unknown")
	if resp.Action != wire.ActionRespondAllow {
		t.Fatalf("response = %+v, want monitor-mode allow", resp)
	}
}

func TestConcurrentRequests(t *testing.T) {
	conn, _ := startAuthority(t, mustCompile(t, RuleSet{}), Options{})

	const n = 50
	for i := uint64(0); i < n; i++ {
		if err := conn.Send(wire.Message{Action: wire.ActionRequestCheck, VnodeID: i, Path: "/bin/x"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	seen := make(map[uint64]bool)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for len(seen) < n {
		resp, err := conn.Receive(ctx)
		if err != nil {
			t.Fatalf("receive after %d responses: %v", len(seen), err)
		}
		if resp.Action != wire.ActionRespondAllow {
			t.Fatalf("response = %+v", resp)
		}
		seen[resp.VnodeID] = true
	}
}

func TestNotificationsRecorded(t *testing.T) {
	st := &memStore{}
	broker := events.NewBroker()
	sub := broker.Subscribe(10)

	conn, _ := startAuthority(t, mustCompile(t, RuleSet{}), Options{Store: st, Broker: broker})

	if err := conn.Send(wire.Message{
		Action: wire.ActionNotifyRename, VnodeID: 5, PID: 77,
		Path: "/tmp/a", NewPath: "/tmp/b",
	}); err != nil {
		t.Fatalf("send notify: %v", err)
	}

	select {
	case ev := <-sub:
		if ev.Type != "rename" || ev.VnodeID != 5 || ev.NewPath != "/tmp/b" {
			t.Fatalf("published %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never published")
	}

	evs := st.snapshot()
	if len(evs) != 1 || evs[0].Type != "rename" {
		t.Fatalf("stored %+v", evs)
	}
	if evs[0].ID == "" || evs[0].Timestamp.IsZero() {
		t.Fatalf("stored event missing id or timestamp: %+v", evs[0])
	}
}

func TestSetRulesSwapsEvaluation(t *testing.T) {
	conn, a := startAuthority(t, mustCompile(t, RuleSet{}), Options{})

	if resp := checkRequest(t, conn, 1, "/opt/tool"); resp.Action != wire.ActionRespondAllow {
		t.Fatalf("before swap: %+v", resp)
	}
	a.SetRules(mustCompile(t, RuleSet{Mode: types.ModeLockdown}))
	if resp := checkRequest(t, conn, 1, "/opt/tool"); resp.Action != wire.ActionRespondDeny {
		t.Fatalf("after swap: %+v", resp)
	}
}

func TestRunExitsOnShutdown(t *testing.T) {
	local, remote := channel.Pipe()
	defer local.Close()

	a := New(mustCompile(t, RuleSet{}), Options{})
	errc := make(chan error, 1)
	go func() { errc <- a.Run(context.Background(), remote) }()

	if err := local.Send(wire.Message{Action: wire.ActionShutdown}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit on shutdown")
	}
}

func TestWatcherReloadsRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("mode: monitor\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	a := New(mustLoad(t, path), Options{})
	w, err := NewRulesWatcher(path, a, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	// Give the watch loop a moment, then rewrite the file.
	time.Sleep(50 * time.Millisecond)
	if err := os.WriteFile(path, []byte("mode: lockdown\n"), 0o644); err != nil {
		t.Fatalf("rewrite rules: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for a.Rules().Mode() != types.ModeLockdown {
		if time.Now().After(deadline) {
			t.Fatal("rules never reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func mustLoad(t *testing.T, path string) *CompiledRules {
	t.Helper()
	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load rules: %v", err)
	}
	return c
}

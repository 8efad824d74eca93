package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentsh/execgate/pkg/types"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	fs, err := cfg.FailSafe()
	require.NoError(t, err)
	require.Equal(t, types.VerdictDeny, fs)

	rt, err := cfg.RequestTimeout()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, rt)

	allow, err := cfg.AllowTTL()
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, allow)

	deny, err := cfg.DenyTTL()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, deny)

	require.Equal(t, "embedded", cfg.Channel.Mode)
	require.Equal(t, 10000, cfg.Cache.MaxEntries)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
channel:
  mode: socket
  socket: /tmp/test-channel.sock
authorize:
  fail_safe: allow
  request_timeout: 2s
cache:
  max_entries: 500
  deny_ttl: 1s
store:
  backend: jsonl
  path: /tmp/events.jsonl
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "socket", cfg.Channel.Mode)
	require.Equal(t, "/tmp/test-channel.sock", cfg.Channel.Socket)

	fs, err := cfg.FailSafe()
	require.NoError(t, err)
	require.Equal(t, types.VerdictAllow, fs)

	rt, err := cfg.RequestTimeout()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, rt)

	deny, err := cfg.DenyTTL()
	require.NoError(t, err)
	require.Equal(t, time.Second, deny)

	// Untouched keys keep their defaults.
	require.Equal(t, "24h", cfg.Cache.AllowTTL)
	require.Equal(t, "127.0.0.1:9823", cfg.Server.Addr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"bad fail_safe", "authorize:\n  fail_safe: maybe\n"},
		{"bad timeout", "authorize:\n  request_timeout: soon\n"},
		{"negative ttl", "cache:\n  allow_ttl: -1s\n"},
		{"bad channel mode", "channel:\n  mode: carrier-pigeon\n"},
		{"bad store backend", "store:\n  backend: parchment\n"},
		{"bad yaml", "authorize: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.doc), 0o644))
			_, err := Load(path)
			require.Error(t, err)
		})
	}
}

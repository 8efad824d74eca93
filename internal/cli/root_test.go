package cli

import (
	"errors"
	"testing"
)

func TestRootRegistersSubcommands(t *testing.T) {
	root := NewRoot("test")
	want := map[string]bool{"serve": false, "authority": false, "cache": false, "events": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestServerAddrDefault(t *testing.T) {
	root := NewRoot("test")
	if addr := serverAddr(root); addr == "" {
		t.Fatal("empty server address")
	}
}

func TestServerAddrFlagOverride(t *testing.T) {
	root := NewRoot("test")
	if err := root.PersistentFlags().Set("server", "http://10.0.0.1:9999"); err != nil {
		t.Fatalf("set flag: %v", err)
	}
	if addr := serverAddr(root); addr != "http://10.0.0.1:9999" {
		t.Fatalf("serverAddr = %q", addr)
	}
}

func TestExitError(t *testing.T) {
	err := NewExitError(3, "boom")
	var ee *ExitError
	if !errors.As(err, &ee) {
		t.Fatal("not an ExitError")
	}
	if ee.Code() != 3 || ee.Message() != "boom" {
		t.Fatalf("code=%d msg=%q", ee.Code(), ee.Message())
	}
}

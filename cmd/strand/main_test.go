package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/haasonsaas/strand/internal/sessions"
	"github.com/haasonsaas/strand/internal/settings"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "sessions", "doctor", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version command failed: %v", err)
	}
	if !strings.Contains(out.String(), "strand") {
		t.Errorf("version output = %q, want it to name the binary", out.String())
	}
}

func TestOpenBackendSelection(t *testing.T) {
	cfg := settings.Default()
	cfg.DataDir = t.TempDir()

	// JSONL is the controller's default; the CLI passes nil through.
	cfg.Store.Backend = settings.StoreJSONL
	b, err := openBackend(cfg)
	if err != nil || b != nil {
		t.Errorf("openBackend(jsonl) = %v, %v; want nil, nil", b, err)
	}

	cfg.Store.Backend = settings.StoreMemory
	b, err = openBackend(cfg)
	if err != nil {
		t.Fatalf("openBackend(memory) = %v", err)
	}
	if _, ok := b.(*sessions.MemoryBackend); !ok {
		t.Errorf("openBackend(memory) = %T, want MemoryBackend", b)
	}

	cfg.Store.Backend = "etcd"
	if _, err := openBackend(cfg); err == nil {
		t.Error("openBackend(unknown) succeeded, want error")
	}
}

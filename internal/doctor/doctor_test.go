package doctor

import (
	"context"
	"testing"

	"github.com/haasonsaas/strand/internal/settings"
)

func testSettings(t *testing.T) settings.Settings {
	t.Helper()
	cfg := settings.Default()
	cfg.DataDir = t.TempDir()
	cfg.APIKeys = map[string]string{"anthropic": "sk-test"}
	return cfg
}

func findCheck(checks []Check, name string) (Check, bool) {
	for _, c := range checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func TestRunHealthyEnvironment(t *testing.T) {
	checks := Run(context.Background(), testSettings(t))
	if Failed(checks) {
		t.Fatalf("healthy environment failed: %+v", checks)
	}
	for _, name := range []string{"data dir", "provider keys", "shell", "store"} {
		if _, ok := findCheck(checks, name); !ok {
			t.Errorf("missing check %q", name)
		}
	}
}

func TestMissingProviderKeys(t *testing.T) {
	cfg := testSettings(t)
	cfg.APIKeys = nil
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	checks := Run(context.Background(), cfg)
	c, ok := findCheck(checks, "provider keys")
	if !ok || c.Status != StatusFail {
		t.Errorf("provider keys check = %+v, want fail", c)
	}
	if !Failed(checks) {
		t.Error("Failed() = false with no provider keys")
	}
}

func TestSQLStoreNeedsDSN(t *testing.T) {
	cfg := testSettings(t)
	cfg.Store.Backend = settings.StoreSQLite
	cfg.Store.DSN = ""

	c, ok := findCheck(Run(context.Background(), cfg), "store")
	if !ok || c.Status != StatusFail {
		t.Errorf("store check = %+v, want fail without a DSN", c)
	}

	cfg.Store.DSN = "file:sessions.db"
	c, _ = findCheck(Run(context.Background(), cfg), "store")
	if c.Status != StatusOK {
		t.Errorf("store check = %+v, want ok with a DSN", c)
	}
}

func TestSSHChecksOnlyWithHosts(t *testing.T) {
	cfg := testSettings(t)
	checks := Run(context.Background(), cfg)
	if _, ok := findCheck(checks, "ssh"); ok {
		t.Error("ssh check present with no hosts configured")
	}

	cfg.SSH.Hosts = map[string]settings.SSHHost{
		"build": {Hostname: "build.internal", User: "dev"},
	}
	checks = Run(context.Background(), cfg)
	if _, ok := findCheck(checks, "ssh"); !ok {
		t.Error("ssh check missing with hosts configured")
	}
}

func TestRulesDirProbes(t *testing.T) {
	cfg := testSettings(t)
	cfg.Rules.Dirs = []string{t.TempDir(), "/no/such/dir"}

	var rules []Check
	for _, c := range Run(context.Background(), cfg) {
		if c.Name == "rules" {
			rules = append(rules, c)
		}
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules checks, want 2: %+v", len(rules), rules)
	}
	if rules[0].Status != StatusOK {
		t.Errorf("existing dir check = %+v, want ok", rules[0])
	}
	if rules[1].Status != StatusWarn {
		t.Errorf("missing dir check = %+v, want warn", rules[1])
	}
}

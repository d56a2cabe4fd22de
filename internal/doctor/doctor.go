// Package doctor runs environment checks for the strand CLI: data
// directory health, provider credentials, shell and SSH prerequisites,
// and store configuration. Checks never mutate state beyond a probe
// file in the data dir.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/haasonsaas/strand/internal/settings"
)

// Status grades one check result.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
)

// Check is one named probe outcome.
type Check struct {
	Name   string
	Status Status
	Detail string
}

// Run executes every check against the resolved settings. The slice is
// ordered for display; a warn or fail never stops later checks.
func Run(ctx context.Context, cfg settings.Settings) []Check {
	checks := []Check{
		checkDataDir(cfg),
		checkProviderKeys(cfg),
		checkShell(cfg),
		checkStore(cfg),
	}
	checks = append(checks, checkSSH(cfg)...)
	checks = append(checks, checkRules(cfg)...)
	return checks
}

// Failed reports whether any check failed outright.
func Failed(checks []Check) bool {
	for _, c := range checks {
		if c.Status == StatusFail {
			return true
		}
	}
	return false
}

func checkDataDir(cfg settings.Settings) Check {
	name := "data dir"
	if cfg.DataDir == "" {
		return Check{Name: name, Status: StatusFail, Detail: "data_dir is empty"}
	}
	if err := os.MkdirAll(cfg.SessionsDir(), 0o755); err != nil {
		return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("cannot create %s: %v", cfg.SessionsDir(), err)}
	}
	probe := filepath.Join(cfg.DataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("not writable: %v", err)}
	}
	_ = os.Remove(probe)
	return Check{Name: name, Status: StatusOK, Detail: cfg.DataDir}
}

func checkProviderKeys(cfg settings.Settings) Check {
	name := "provider keys"
	var have []string
	for _, p := range []string{"anthropic", "openai"} {
		if cfg.APIKey(p) != "" {
			have = append(have, p)
		}
	}
	switch len(have) {
	case 0:
		return Check{Name: name, Status: StatusFail,
			Detail: "no API key found; set api_keys in settings or ANTHROPIC_API_KEY / OPENAI_API_KEY"}
	case 1:
		return Check{Name: name, Status: StatusOK, Detail: have[0]}
	default:
		return Check{Name: name, Status: StatusOK, Detail: fmt.Sprintf("%s, %s", have[0], have[1])}
	}
}

func checkShell(cfg settings.Settings) Check {
	name := "shell"
	sh, err := exec.LookPath("bash")
	if err != nil {
		if sh, err = exec.LookPath("sh"); err != nil {
			return Check{Name: name, Status: StatusFail, Detail: "neither bash nor sh on PATH"}
		}
	}
	if cfg.Shell.MaxOutputBytes <= 0 {
		return Check{Name: name, Status: StatusWarn, Detail: "shell.max_output_bytes is unset; output capping disabled"}
	}
	return Check{Name: name, Status: StatusOK, Detail: sh}
}

func checkStore(cfg settings.Settings) Check {
	name := "store"
	switch cfg.Store.Backend {
	case "", settings.StoreJSONL:
		return Check{Name: name, Status: StatusOK, Detail: "jsonl"}
	case settings.StoreSQLite, settings.StorePostgres:
		if cfg.Store.DSN == "" {
			return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("store.backend %q needs store.dsn", cfg.Store.Backend)}
		}
		return Check{Name: name, Status: StatusOK, Detail: cfg.Store.Backend}
	case settings.StoreMemory:
		return Check{Name: name, Status: StatusWarn, Detail: "memory store does not persist sessions"}
	default:
		return Check{Name: name, Status: StatusFail, Detail: fmt.Sprintf("unknown store.backend %q", cfg.Store.Backend)}
	}
}

func checkSSH(cfg settings.Settings) []Check {
	if len(cfg.SSH.Hosts) == 0 {
		return nil
	}
	checks := make([]Check, 0, 2)
	if _, err := exec.LookPath("ssh"); err != nil {
		checks = append(checks, Check{Name: "ssh", Status: StatusFail, Detail: "ssh hosts configured but ssh is not on PATH"})
	} else {
		checks = append(checks, Check{Name: "ssh", Status: StatusOK, Detail: fmt.Sprintf("%d host(s)", len(cfg.SSH.Hosts))})
	}

	var wantMount bool
	for _, h := range cfg.SSH.Hosts {
		if h.Mount {
			wantMount = true
		}
	}
	if wantMount {
		if _, err := exec.LookPath("sshfs"); err != nil {
			checks = append(checks, Check{Name: "sshfs", Status: StatusWarn, Detail: "mounts configured but sshfs is not on PATH"})
		} else {
			checks = append(checks, Check{Name: "sshfs", Status: StatusOK, Detail: "available"})
		}
	}
	return checks
}

func checkRules(cfg settings.Settings) []Check {
	var checks []Check
	for _, dir := range cfg.Rules.Dirs {
		info, err := os.Stat(dir)
		switch {
		case err != nil:
			checks = append(checks, Check{Name: "rules", Status: StatusWarn, Detail: fmt.Sprintf("%s: %v", dir, err)})
		case !info.IsDir():
			checks = append(checks, Check{Name: "rules", Status: StatusWarn, Detail: dir + " is not a directory"})
		default:
			checks = append(checks, Check{Name: "rules", Status: StatusOK, Detail: dir})
		}
	}
	return checks
}

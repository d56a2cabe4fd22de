// Package settings resolves layered configuration: built-in defaults,
// a global file, a project file, then runtime overrides. A Resolver
// hands out immutable snapshots and notifies subscribers on change.
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Queue delivery policies.
const (
	QueueAll        = "all"
	QueueOneAtATime = "one-at-a-time"
)

// Steering interrupt modes.
const (
	InterruptImmediate = "immediate"
	InterruptWait      = "wait"
)

// Session store backends.
const (
	StoreJSONL    = "jsonl"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Settings is one resolved configuration snapshot. Values come from the
// merge chain built-in defaults <- global file <- project file <- runtime
// overrides; see Resolver. Snapshots are plain values, so callers may keep
// them without worrying about later changes.
type Settings struct {
	// DataDir is the root directory for session logs, shell spill files
	// and SSH control sockets.
	DataDir string `yaml:"data_dir"`

	// Provider is the default LLM provider name.
	Provider string `yaml:"provider"`

	// Model is the default model id. Empty selects the provider's
	// catalog default.
	Model string `yaml:"model"`

	// ThinkingLevel is the default reasoning effort:
	// "off" | "minimal" | "low" | "medium" | "high" | "xhigh".
	ThinkingLevel string `yaml:"thinking_level"`

	// APIKeys maps provider name to API key. A missing entry falls back
	// to the <PROVIDER>_API_KEY environment variable.
	APIKeys map[string]string `yaml:"api_keys"`

	Queues     QueueSettings      `yaml:"queues"`
	Compaction CompactionSettings `yaml:"compaction"`
	Retry      RetrySettings      `yaml:"retry"`
	Rules      RuleSettings       `yaml:"rules"`
	Shell      ShellSettings      `yaml:"shell"`
	SSH        SSHSettings        `yaml:"ssh"`
	Store      StoreSettings      `yaml:"store"`
	Retention  RetentionSettings  `yaml:"retention"`
	Logging    LoggingSettings    `yaml:"logging"`
	Metrics    MetricsSettings    `yaml:"metrics"`
	Tracing    TracingSettings    `yaml:"tracing"`
}

// QueueSettings controls how queued user messages reach a running turn.
type QueueSettings struct {
	// SteeringMode: "all" delivers every queued steering message inline;
	// "one-at-a-time" delivers one and moves the rest to follow-ups.
	SteeringMode string `yaml:"steering_mode"`

	// FollowUpMode applies the same policies to the follow-up queue.
	FollowUpMode string `yaml:"follow_up_mode"`

	// InterruptMode: "immediate" interrupts at the next stream chunk,
	// "wait" delays delivery until the current tool call completes.
	InterruptMode string `yaml:"interrupt_mode"`
}

// CompactionSettings controls automatic context compaction.
type CompactionSettings struct {
	Enabled bool `yaml:"enabled"`

	// ReserveTokens is the free-token buffer to maintain. Compaction
	// triggers when context tokens exceed window - reserve.
	ReserveTokens int `yaml:"reserve_tokens"`

	// KeepRecentTokens is roughly how much recent conversation survives
	// a compaction uncut.
	KeepRecentTokens int `yaml:"keep_recent_tokens"`
}

// RetrySettings controls automatic retry of failed provider turns.
type RetrySettings struct {
	// MaxRetries caps retry attempts. Zero disables retry entirely.
	MaxRetries int `yaml:"max_retries"`

	// BaseDelay seeds the exponential backoff: base * 2^(attempt-1).
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay clamps the computed backoff.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter randomizes each delay by up to 25% when set.
	Jitter bool `yaml:"jitter"`
}

// RuleSettings locates trigger rule files.
type RuleSettings struct {
	// Dirs lists directories scanned for rule markdown files.
	Dirs []string `yaml:"dirs"`
}

// ShellSettings bounds command output handling.
type ShellSettings struct {
	// MaxOutputBytes is the in-memory tail retained per execution.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// SpillThreshold is the total output size that triggers writing a
	// spill file. Zero means spill as soon as the tail overflows.
	SpillThreshold int `yaml:"spill_threshold"`

	// DefaultTimeout applies when a call specifies none.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// SSHSettings lists remote hosts available to the executor.
type SSHSettings struct {
	Hosts map[string]SSHHost `yaml:"hosts"`
}

// SSHHost describes one remote host.
type SSHHost struct {
	// Hostname is the address to connect to. Defaults to the map key.
	Hostname string `yaml:"hostname"`

	User string `yaml:"user"`
	Port int    `yaml:"port"`

	// IdentityFile is the private key path. Must not be group or world
	// readable.
	IdentityFile string `yaml:"identity_file"`

	// Mount enables an sshfs mount of the remote filesystem.
	Mount bool `yaml:"mount"`
}

// StoreSettings selects the session log backend.
type StoreSettings struct {
	// Backend: "jsonl" | "sqlite" | "postgres" | "memory".
	Backend string `yaml:"backend"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// RetentionSettings bounds how long finished sessions are kept.
type RetentionSettings struct {
	Enabled bool `yaml:"enabled"`

	// MaxAge prunes sessions idle for longer than this.
	MaxAge time.Duration `yaml:"max_age"`

	// MaxCount keeps at most this many sessions.
	MaxCount int `yaml:"max_count"`

	// Schedule is a cron expression for background sweeps.
	Schedule string `yaml:"schedule"`
}

// LoggingSettings configures the structured logger.
type LoggingSettings struct {
	// Level: "debug" | "info" | "warn" | "error".
	Level string `yaml:"level"`

	// Format: "json" | "text".
	Format string `yaml:"format"`

	// File redirects log output from stderr to a file when set.
	File string `yaml:"file"`

	AddSource bool `yaml:"add_source"`
}

// MetricsSettings configures the Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingSettings configures OTLP trace export.
type TracingSettings struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP collector address, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns the built-in settings, the first layer of the merge
// chain.
func Default() Settings {
	return Settings{
		DataDir:       defaultDataDir(),
		Provider:      "anthropic",
		ThinkingLevel: "off",
		Queues: QueueSettings{
			SteeringMode:  QueueOneAtATime,
			FollowUpMode:  QueueOneAtATime,
			InterruptMode: InterruptImmediate,
		},
		Compaction: CompactionSettings{
			Enabled:          true,
			ReserveTokens:    16384,
			KeepRecentTokens: 20000,
		},
		Retry: RetrySettings{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
		},
		Shell: ShellSettings{
			MaxOutputBytes: 64000,
			DefaultTimeout: 2 * time.Minute,
		},
		Store: StoreSettings{
			Backend: StoreJSONL,
		},
		Retention: RetentionSettings{
			MaxAge:   30 * 24 * time.Hour,
			Schedule: "@hourly",
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsSettings{
			Addr: ":9090",
		},
		Tracing: TracingSettings{
			SampleRate: 1.0,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".strand"
	}
	return filepath.Join(home, ".strand")
}

// APIKey resolves the key for a provider, falling back to the
// <PROVIDER>_API_KEY environment variable.
func (s Settings) APIKey(provider string) string {
	if key := s.APIKeys[provider]; key != "" {
		return key
	}
	env := strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	return os.Getenv(env)
}

// SessionsDir is where the jsonl backend keeps its log files.
func (s Settings) SessionsDir() string {
	return filepath.Join(s.DataDir, "sessions")
}

// Validate reports the first configuration error found.
func (s Settings) Validate() error {
	if err := validateMode("queues.steering_mode", s.Queues.SteeringMode, QueueAll, QueueOneAtATime); err != nil {
		return err
	}
	if err := validateMode("queues.follow_up_mode", s.Queues.FollowUpMode, QueueAll, QueueOneAtATime); err != nil {
		return err
	}
	if err := validateMode("queues.interrupt_mode", s.Queues.InterruptMode, InterruptImmediate, InterruptWait); err != nil {
		return err
	}
	if err := validateMode("store.backend", s.Store.Backend, StoreJSONL, StoreSQLite, StorePostgres, StoreMemory); err != nil {
		return err
	}
	if s.Store.Backend == StorePostgres && strings.TrimSpace(s.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required for the postgres backend")
	}
	if s.Compaction.ReserveTokens < 0 {
		return fmt.Errorf("compaction.reserve_tokens must not be negative")
	}
	if s.Compaction.KeepRecentTokens < 0 {
		return fmt.Errorf("compaction.keep_recent_tokens must not be negative")
	}
	if s.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if s.Retry.BaseDelay < 0 {
		return fmt.Errorf("retry.base_delay must not be negative")
	}
	if s.Shell.MaxOutputBytes <= 0 {
		return fmt.Errorf("shell.max_output_bytes must be positive")
	}
	return nil
}

func validateMode(key, value string, allowed ...string) error {
	for _, v := range allowed {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("%s: %q is not one of %s", key, value, strings.Join(allowed, ", "))
}

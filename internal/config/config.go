// Package config provides configuration for the lexgate daemon and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/lexgate/internal/models"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the complete lexgate configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Store     StoreConfig     `koanf:"store"`
	Log       LogConfig       `koanf:"log"`
	Workflow  WorkflowConfig  `koanf:"workflow"`
	Policy    PolicyConfig    `koanf:"policy"`
	Poll      PollConfig      `koanf:"poll"`
	Risk      RiskConfig      `koanf:"risk"`
	Execution ExecutionConfig `koanf:"execution"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen          string   `koanf:"listen"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// WorkflowConfig defines the stage sequence.
type WorkflowConfig struct {
	Stages []string `koanf:"stages"`
	// ConfirmationRequired lists stages whose entry needs an external confirmation.
	ConfirmationRequired []string `koanf:"confirmation_required"`
}

// PolicyConfig unifies every liveness and age threshold.
type PolicyConfig struct {
	AliveWithin    Duration `koanf:"alive_within"`
	DegradedWithin Duration `koanf:"degraded_within"`
	StaleAfter     Duration `koanf:"stale_after"`
	StallAfter     Duration `koanf:"stall_after"`
	StuckAfter     Duration `koanf:"stuck_after"`
}

// PollConfig controls the snapshot poller.
type PollConfig struct {
	Interval          Duration `koanf:"interval"`
	AggregateInterval Duration `koanf:"aggregate_interval"`
	MaxAttempts       int      `koanf:"max_attempts"`
	BaseBackoff       Duration `koanf:"base_backoff"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	MaxFailedCycles   int      `koanf:"max_failed_cycles"`
}

// RiskConfig holds the thresholds for snapshot risk flags.
type RiskConfig struct {
	ConversionFloor float64 `koanf:"conversion_floor"`
	OverrideCeiling float64 `koanf:"override_ceiling"`
}

// ExecutionConfig configures the execution gate and its channels.
type ExecutionConfig struct {
	// AllowExecutionSpawn gates spawning execution-class agents daemon-wide.
	// When true, callers must still opt in per spawn.
	AllowExecutionSpawn bool `koanf:"allow_execution_spawn"`
	// AllowedCommands is the allowlist every hook command must appear in.
	AllowedCommands []string              `koanf:"allowed_commands"`
	Hooks           map[string]HookConfig `koanf:"hooks"`
}

// HookConfig describes a local command channel.
type HookConfig struct {
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
	WorkDir string   `koanf:"work_dir"`
	Timeout Duration `koanf:"timeout"`
}

// Default returns the configuration used when no file or env overrides exist.
func Default() *Config {
	stages := make([]string, 0, 6)
	for _, s := range models.DefaultStages() {
		stages = append(stages, string(s))
	}
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:7466",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Store: StoreConfig{
			Path: DefaultDBPath(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Workflow: WorkflowConfig{
			Stages:               stages,
			ConfirmationRequired: []string{string(models.StageSign), string(models.StageImpl)},
		},
		Policy: PolicyConfig{
			AliveWithin:    Duration(30 * time.Second),
			DegradedWithin: Duration(60 * time.Second),
			StaleAfter:     Duration(30 * time.Second),
			StallAfter:     Duration(72 * time.Hour),
			StuckAfter:     Duration(24 * time.Hour),
		},
		Poll: PollConfig{
			Interval:          Duration(10 * time.Second),
			AggregateInterval: Duration(30 * time.Second),
			MaxAttempts:       3,
			BaseBackoff:       Duration(200 * time.Millisecond),
			MaxBackoff:        Duration(2 * time.Second),
			MaxFailedCycles:   3,
		},
		Risk: RiskConfig{
			ConversionFloor: 0.25,
			OverrideCeiling: 0.40,
		},
		Execution: ExecutionConfig{
			Hooks: map[string]HookConfig{},
		},
	}
}

// DefaultDBPath returns ~/.lexgate/lexgate.db.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".lexgate", "lexgate.db")
	}
	return filepath.Join(home, ".lexgate", "lexgate.db")
}

// StageSequence returns the configured stages as typed values.
func (c *Config) StageSequence() []models.Stage {
	out := make([]models.Stage, 0, len(c.Workflow.Stages))
	for _, s := range c.Workflow.Stages {
		out = append(out, models.Stage(s))
	}
	return out
}

// Validate checks cross-field invariants.
func (c *Config) Validate() error {
	if len(c.Workflow.Stages) < 2 {
		return fmt.Errorf("workflow.stages: need at least 2 stages, got %d", len(c.Workflow.Stages))
	}
	seen := make(map[string]bool, len(c.Workflow.Stages))
	for _, s := range c.Workflow.Stages {
		if s == "" {
			return fmt.Errorf("workflow.stages: empty stage name")
		}
		if seen[s] {
			return fmt.Errorf("workflow.stages: duplicate stage %q", s)
		}
		seen[s] = true
	}
	for _, s := range c.Workflow.ConfirmationRequired {
		if !seen[s] {
			return fmt.Errorf("workflow.confirmation_required: unknown stage %q", s)
		}
	}
	if c.Workflow.Stages[0] != "" {
		for _, s := range c.Workflow.ConfirmationRequired {
			if s == c.Workflow.Stages[0] {
				return fmt.Errorf("workflow.confirmation_required: initial stage %q is never entered by advance", s)
			}
		}
	}
	p := c.Policy
	if p.AliveWithin <= 0 || p.DegradedWithin <= 0 || p.StaleAfter <= 0 || p.StallAfter <= 0 || p.StuckAfter <= 0 {
		return fmt.Errorf("policy: all thresholds must be positive")
	}
	if p.AliveWithin >= p.DegradedWithin {
		return fmt.Errorf("policy: alive_within (%s) must be below degraded_within (%s)", p.AliveWithin.Duration(), p.DegradedWithin.Duration())
	}
	if c.Poll.Interval <= 0 || c.Poll.AggregateInterval <= 0 {
		return fmt.Errorf("poll: intervals must be positive")
	}
	if c.Poll.MaxAttempts < 1 {
		return fmt.Errorf("poll.max_attempts must be at least 1")
	}
	if c.Poll.MaxFailedCycles < 1 {
		return fmt.Errorf("poll.max_failed_cycles must be at least 1")
	}
	if c.Poll.BaseBackoff <= 0 || c.Poll.MaxBackoff < c.Poll.BaseBackoff {
		return fmt.Errorf("poll: base_backoff must be positive and not above max_backoff")
	}
	if c.Risk.ConversionFloor < 0 || c.Risk.ConversionFloor > 1 || c.Risk.OverrideCeiling < 0 || c.Risk.OverrideCeiling > 1 {
		return fmt.Errorf("risk: thresholds are ratios in [0,1]")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}
	allowed := make(map[string]bool, len(c.Execution.AllowedCommands))
	for _, cmd := range c.Execution.AllowedCommands {
		allowed[cmd] = true
	}
	for name, h := range c.Execution.Hooks {
		if h.Command == "" {
			return fmt.Errorf("execution.hooks.%s: command is required", name)
		}
		if !allowed[h.Command] {
			return fmt.Errorf("execution.hooks.%s: command %q is not in execution.allowed_commands", name, h.Command)
		}
		if name == "noop" {
			return fmt.Errorf("execution.hooks.noop: name is reserved")
		}
	}
	return nil
}

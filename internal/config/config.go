// Package config provides configuration types and defaults for spec-kitty.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/speckitty/speckitty/internal/agent"
	"github.com/speckitty/speckitty/internal/log"
)

// Config holds all configuration options for spec-kitty.
type Config struct {
	// TargetBranch is the integration branch merges land on.
	TargetBranch string `mapstructure:"target_branch"`

	// Backend selects the workspace backend: "worktree" (default) or
	// "colocated".
	Backend string `mapstructure:"backend"`

	Agents        []agent.ProviderConfig `mapstructure:"agents"`
	Orchestration OrchestrationConfig    `mapstructure:"orchestration"`
	Sync          SyncConfig             `mapstructure:"sync"`
	Tracing       TracingConfig          `mapstructure:"tracing"`
}

// OrchestrationConfig holds scheduler knobs.
type OrchestrationConfig struct {
	// Agent is the default implementer agent name; must match an entry in
	// Agents.
	Agent string `mapstructure:"agent"`

	// ReviewerAgent reviews completed work. Empty means the implementer
	// reviews its own WPs.
	ReviewerAgent string `mapstructure:"reviewer_agent"`

	// ExecutionMode is recorded on every status event.
	ExecutionMode string `mapstructure:"execution_mode"`

	// MaxRetries bounds per-phase retries before fallback.
	MaxRetries int `mapstructure:"max_retries"`

	// FallbackAgents are tried in order once MaxRetries is exhausted.
	FallbackAgents []string `mapstructure:"fallback_agents"`

	// StaleThreshold flags in-progress WPs whose workspace has no commit
	// newer than this.
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`

	// GlobalMaxConcurrent caps total in-flight agent invocations.
	// Zero means unlimited (per-agent caps still apply).
	GlobalMaxConcurrent int `mapstructure:"global_max_concurrent"`
}

// SyncConfig holds offline-queue delivery knobs.
type SyncConfig struct {
	// ServerURL is the upstream collaboration server. Empty disables sync.
	ServerURL string `mapstructure:"server_url"`

	// TeamSlug scopes emitted envelopes.
	TeamSlug string `mapstructure:"team_slug"`

	// BaseInterval is the daemon timer base; it doubles on failure up to
	// MaxInterval.
	BaseInterval time.Duration `mapstructure:"base_interval"`
	MaxInterval  time.Duration `mapstructure:"max_interval"`

	// BatchSize caps events per delivery batch.
	BatchSize int `mapstructure:"batch_size"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp". Default: "file".
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// DefaultTracesFilePath returns ~/.config/spec-kitty/traces/traces.jsonl, or
// empty when the home dir is unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "spec-kitty", "traces", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		TargetBranch: "main",
		Backend:      "worktree",
		Orchestration: OrchestrationConfig{
			Agent:               "claude",
			ExecutionMode:       "single-ai",
			MaxRetries:          2,
			StaleThreshold:      10 * time.Minute,
			GlobalMaxConcurrent: 0,
		},
		Sync: SyncConfig{
			BaseInterval: 500 * time.Millisecond,
			MaxInterval:  30 * time.Second,
			BatchSize:    100,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// AgentProviders builds the invoker set from configured agents. Unknown
// commands are the user's responsibility; an empty list yields a single
// default provider named by Orchestration.Agent.
func (c Config) AgentProviders() map[string]agent.Invoker {
	invokers := make(map[string]agent.Invoker, len(c.Agents))
	for _, pc := range c.Agents {
		invokers[pc.Name] = agent.NewSubprocess(pc)
	}
	if len(invokers) == 0 && c.Orchestration.Agent != "" {
		name := c.Orchestration.Agent
		invokers[name] = agent.NewSubprocess(agent.ProviderConfig{Name: name, Command: name})
	}
	return invokers
}

// AgentConcurrency maps agent name to its max_concurrent cap.
func (c Config) AgentConcurrency() map[string]int {
	caps := make(map[string]int, len(c.Agents))
	for _, pc := range c.Agents {
		caps[pc.Name] = pc.MaxConcurrent
	}
	return caps
}

// ValidateOrchestration checks orchestration configuration for errors.
// Empty values use defaults and pass.
func ValidateOrchestration(orch OrchestrationConfig) error {
	if orch.MaxRetries < 0 {
		return fmt.Errorf("orchestration.max_retries must be >= 0, got %d", orch.MaxRetries)
	}
	if orch.StaleThreshold < 0 {
		return fmt.Errorf("orchestration.stale_threshold must be >= 0, got %v", orch.StaleThreshold)
	}
	if orch.GlobalMaxConcurrent < 0 {
		return fmt.Errorf("orchestration.global_max_concurrent must be >= 0, got %d", orch.GlobalMaxConcurrent)
	}
	if orch.ExecutionMode != "" && orch.ExecutionMode != "single-ai" && orch.ExecutionMode != "multi-ai" {
		return fmt.Errorf("orchestration.execution_mode must be \"single-ai\" or \"multi-ai\", got %q", orch.ExecutionMode)
	}
	return nil
}

// ValidateSync checks sync configuration for errors.
func ValidateSync(sync SyncConfig) error {
	if sync.BatchSize < 0 {
		return fmt.Errorf("sync.batch_size must be >= 0, got %d", sync.BatchSize)
	}
	if sync.BaseInterval < 0 || sync.MaxInterval < 0 {
		return fmt.Errorf("sync intervals must be >= 0")
	}
	if sync.MaxInterval != 0 && sync.BaseInterval > sync.MaxInterval {
		return fmt.Errorf("sync.base_interval %v exceeds sync.max_interval %v", sync.BaseInterval, sync.MaxInterval)
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}
	if tracing.Enabled {
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}

// ValidateBackend checks the workspace backend selection.
func ValidateBackend(backend string) error {
	switch backend {
	case "", "worktree", "colocated":
		return nil
	}
	return fmt.Errorf("backend must be \"worktree\" or \"colocated\", got %q", backend)
}

// Validate checks the full configuration.
func Validate(cfg Config) error {
	if err := ValidateBackend(cfg.Backend); err != nil {
		return err
	}
	if err := ValidateOrchestration(cfg.Orchestration); err != nil {
		return err
	}
	if err := ValidateSync(cfg.Sync); err != nil {
		return err
	}
	return ValidateTracing(cfg.Tracing)
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Spec Kitty Configuration

# Integration branch merges land on
target_branch: main

# Workspace backend: "worktree" (default) or "colocated"
# Colocated repositories share one checkout, so orchestration runs WPs
# one at a time.
backend: worktree

# Agent providers available to the scheduler
# agents:
#   - name: claude
#     command: claude
#     args: ["-p"]
#     timeout: 20m
#     max_concurrent: 2
#   - name: codex
#     command: codex
#     max_concurrent: 1

orchestration:
  # Default implementer agent (must match an agents entry)
  agent: claude

  # Reviewer agent; empty means the implementer reviews its own WPs
  # reviewer_agent: codex

  # Recorded on every status event
  execution_mode: single-ai

  # Per-phase retries before the fallback list is consulted
  max_retries: 2

  # Tried in order once max_retries is exhausted
  # fallback_agents: [codex]

  # Flag in-progress WPs with no commit newer than this
  stale_threshold: 10m

  # Total in-flight agent invocations; 0 = unlimited
  global_max_concurrent: 0

# Upstream event sync; leave server_url empty to work fully offline
sync:
  # server_url: https://kitty.example.com
  # team_slug: my-team
  base_interval: 500ms
  max_interval: 30s
  batch_size: 100

# Distributed tracing (off by default)
# tracing:
#   enabled: true
#   exporter: file                 # none, file, stdout, otlp
#   file_path: ~/.config/spec-kitty/traces/traces.jsonl
#   otlp_endpoint: localhost:4317  # for the otlp exporter
#   sample_rate: 1.0
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

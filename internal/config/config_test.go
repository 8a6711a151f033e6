package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speckitty/speckitty/internal/agent"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "main", cfg.TargetBranch)
	assert.Equal(t, "worktree", cfg.Backend)
	assert.Equal(t, 2, cfg.Orchestration.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Orchestration.StaleThreshold)
	assert.Equal(t, "single-ai", cfg.Orchestration.ExecutionMode)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.BaseInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.MaxInterval)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.False(t, cfg.Tracing.Enabled)

	require.NoError(t, Validate(cfg))
}

func TestValidateOrchestration(t *testing.T) {
	tests := []struct {
		name        string
		orch        OrchestrationConfig
		errContains string
	}{
		{"empty is valid", OrchestrationConfig{}, ""},
		{"negative retries", OrchestrationConfig{MaxRetries: -1}, "max_retries"},
		{"negative stale threshold", OrchestrationConfig{StaleThreshold: -time.Second}, "stale_threshold"},
		{"bad execution mode", OrchestrationConfig{ExecutionMode: "triple-ai"}, "execution_mode"},
		{"multi-ai is valid", OrchestrationConfig{ExecutionMode: "multi-ai"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOrchestration(tt.orch)
			if tt.errContains == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.errContains)
			}
		})
	}
}

func TestValidateSync(t *testing.T) {
	assert.NoError(t, ValidateSync(SyncConfig{}))
	assert.ErrorContains(t, ValidateSync(SyncConfig{BatchSize: -1}), "batch_size")
	assert.ErrorContains(t, ValidateSync(SyncConfig{
		BaseInterval: time.Minute, MaxInterval: time.Second,
	}), "exceeds")
}

func TestValidateTracing(t *testing.T) {
	assert.NoError(t, ValidateTracing(TracingConfig{SampleRate: 0.5, Exporter: "stdout"}))
	assert.ErrorContains(t, ValidateTracing(TracingConfig{SampleRate: 1.5}), "sample_rate")
	assert.ErrorContains(t, ValidateTracing(TracingConfig{Exporter: "syslog"}), "exporter")
	assert.ErrorContains(t, ValidateTracing(TracingConfig{
		Enabled: true, Exporter: "otlp",
	}), "otlp_endpoint")
}

func TestValidateBackend(t *testing.T) {
	assert.NoError(t, ValidateBackend(""))
	assert.NoError(t, ValidateBackend("worktree"))
	assert.NoError(t, ValidateBackend("colocated"))
	assert.ErrorContains(t, ValidateBackend("svn"), "backend")
}

func TestAgentProviders(t *testing.T) {
	cfg := Config{
		Agents: []agent.ProviderConfig{
			{Name: "claude", Command: "claude", MaxConcurrent: 2},
			{Name: "codex", Command: "codex", MaxConcurrent: 1},
		},
		Orchestration: OrchestrationConfig{Agent: "claude"},
	}
	providers := cfg.AgentProviders()
	require.Len(t, providers, 2)
	assert.Equal(t, "claude", providers["claude"].Name())
	assert.Equal(t, map[string]int{"claude": 2, "codex": 1}, cfg.AgentConcurrency())

	// No configured agents falls back to a single default provider.
	bare := Config{Orchestration: OrchestrationConfig{Agent: "claude"}}
	providers = bare.AgentProviders()
	require.Len(t, providers, 1)
	assert.Contains(t, providers, "claude")
}

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".kitty", "config.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	data, err := os.ReadFile(path) //nolint:gosec // G304: test temp path
	require.NoError(t, err)
	assert.Contains(t, string(data), "target_branch: main")
	assert.Contains(t, string(data), "max_retries: 2")
}

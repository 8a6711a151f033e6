// Package cmd is the kitty command tree: feature lifecycle, lane moves,
// merge, sync, auth and orchestration, with JSON envelope output under
// --json.
package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/speckitty/speckitty/internal/config"
	"github.com/speckitty/speckitty/internal/log"
	"github.com/speckitty/speckitty/internal/runtime"
)

var (
	version   = "dev"
	cfgFile   string
	jsonOut   bool
	noJSON    bool
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:   "kitty",
	Short: "Spec-driven multi-agent development orchestrator",
	Long: `Spec Kitty coordinates work packages through kanban lanes backed by an
append-only event log, schedules agents over isolated git workspaces, and
merges completed branches back in dependency order.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if noJSON {
			return coded(codeUsage, errors.New(
				"--no-json was removed; plain output is the default and --json opts in to envelopes"))
		}
		if _, err := runtime.Bootstrap(version); err != nil {
			log.Warn(log.CatRuntime, "Runtime bootstrap failed", "error", err)
		}
		if debugFlag || os.Getenv("SPEC_KITTY_DEBUG") != "" {
			if home, err := runtime.Home(); err == nil {
				_, _ = log.Init(filepath.Join(home, "debug.log"))
			}
			log.SetEnabled(true)
			log.SetMinLevel(log.LevelDebug)
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .kitty/config.yaml, then ~/.config/spec-kitty/config.yaml)")
	pf.BoolVar(&jsonOut, "json", false,
		"emit machine-readable JSON envelopes")
	pf.BoolVar(&debugFlag, "debug", false,
		"enable debug logging (also SPEC_KITTY_DEBUG)")
	pf.BoolVar(&noJSON, "no-json", false, "")
	_ = pf.MarkHidden("no-json")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return coded(codeUsage, err)
	})
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("target_branch", defaults.TargetBranch)
	viper.SetDefault("backend", defaults.Backend)
	viper.SetDefault("orchestration.agent", defaults.Orchestration.Agent)
	viper.SetDefault("orchestration.reviewer_agent", defaults.Orchestration.ReviewerAgent)
	viper.SetDefault("orchestration.execution_mode", defaults.Orchestration.ExecutionMode)
	viper.SetDefault("orchestration.max_retries", defaults.Orchestration.MaxRetries)
	viper.SetDefault("orchestration.fallback_agents", defaults.Orchestration.FallbackAgents)
	viper.SetDefault("orchestration.stale_threshold", defaults.Orchestration.StaleThreshold)
	viper.SetDefault("orchestration.global_max_concurrent", defaults.Orchestration.GlobalMaxConcurrent)
	viper.SetDefault("sync.server_url", defaults.Sync.ServerURL)
	viper.SetDefault("sync.team_slug", defaults.Sync.TeamSlug)
	viper.SetDefault("sync.base_interval", defaults.Sync.BaseInterval)
	viper.SetDefault("sync.max_interval", defaults.Sync.MaxInterval)
	viper.SetDefault("sync.batch_size", defaults.Sync.BatchSize)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .kitty/config.yaml (current directory)
		// 2. ~/.config/spec-kitty/config.yaml (user config)
		if _, err := os.Stat(filepath.Join(".kitty", "config.yaml")); err == nil {
			viper.SetConfigFile(filepath.Join(".kitty", "config.yaml"))
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "spec-kitty"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// No config anywhere - seed the project-local default.
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			defaultPath := filepath.Join(".kitty", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If the write fails, continue with defaults only.
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the command tree. Failures are rendered as envelopes (or
// styled lines) before the error is returned for the exit code.
func Execute() error {
	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return nil
	}
	name := "kitty"
	if cmd != nil {
		name = cmd.Name()
	}
	emitFailure(name, err)
	return err
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

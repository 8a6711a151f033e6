package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"

	"github.com/speckitty/speckitty/internal/agent"
	"github.com/speckitty/speckitty/internal/config"
	"github.com/speckitty/speckitty/internal/log"
	"github.com/speckitty/speckitty/internal/scheduler"
	"github.com/speckitty/speckitty/internal/tracing"
	"github.com/speckitty/speckitty/internal/watcher"
)

var (
	orchestrateAgent  string
	orchestrateTarget string
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate [feature]",
	Short: "Run the work-package scheduler over a feature until every WP is terminal",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOrchestrate,
}

func init() {
	orchestrateCmd.Flags().StringVar(&orchestrateAgent, "agent", "",
		"implementer agent (default: orchestration.agent from config)")
	orchestrateCmd.Flags().StringVar(&orchestrateTarget, "target", "",
		"base branch for WP workspaces (default: target_branch from config)")
	rootCmd.AddCommand(orchestrateCmd)
}

func runOrchestrate(cmd *cobra.Command, args []string) error {
	if err := config.Validate(cfg); err != nil {
		return coded(codeValidation, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, err := workingRepo(ctx)
	if err != nil {
		return err
	}
	slug := ""
	if len(args) == 1 {
		slug = args[0]
	}
	f, err := resolveFeature(root, slug)
	if err != nil {
		return err
	}

	primary := orchestrateAgent
	if primary == "" {
		primary = cfg.Orchestration.Agent
	}
	invokers := cfg.AgentProviders()
	if _, ok := invokers[primary]; !ok {
		invokers[primary] = agent.NewSubprocess(agent.ProviderConfig{Name: primary, Command: primary})
	}

	target := orchestrateTarget
	if target == "" {
		target = cfg.TargetBranch
	}

	provider, err := newTracingProvider()
	if err != nil {
		return coded(codeValidation, err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	runCtx, span := provider.Tracer().Start(ctx, tracing.SpanPrefixScheduler+"run")
	span.SetAttributes(
		attribute.String(tracing.AttrFeatureSlug, f.Slug),
		attribute.String(tracing.AttrAgentName, primary),
	)
	defer span.End()

	// Agents run for minutes; in human mode the debug log streams to stderr
	// so the run is not silent until the final tree.
	if entries := log.Entries(ctx); entries != nil && !jsonOut {
		go func() {
			for e := range entries {
				fmt.Fprint(os.Stderr, e.Payload)
			}
		}()
	}

	// External move-task invocations show up through the event log; the
	// watcher surfaces them while agents work.
	if w, wErr := watcher.New(watcher.DefaultConfig(f.Dir)); wErr == nil {
		if changes, startErr := w.Start(); startErr == nil {
			defer func() { _ = w.Stop() }()
			go func() {
				for range changes {
					log.Info(log.CatWatch, "Event log changed outside the scheduler", "feature", f.Slug)
				}
			}()
		}
	}

	sched := scheduler.New(f, newStore(f), newBackend(root), invokers, primary,
		cfg.AgentConcurrency(), scheduler.Options{
			MaxRetries:          cfg.Orchestration.MaxRetries,
			FallbackAgents:      cfg.Orchestration.FallbackAgents,
			StaleThreshold:      cfg.Orchestration.StaleThreshold,
			GlobalMaxConcurrent: cfg.Orchestration.GlobalMaxConcurrent,
			TargetBranch:        target,
			ExecutionMode:       cfg.Orchestration.ExecutionMode,
			ReviewerAgent:       cfg.Orchestration.ReviewerAgent,
		})

	run, err := sched.Run(runCtx)
	if err != nil {
		return coded(codeValidation, err)
	}

	counts := run.Counts()
	countData := make(map[string]any, len(counts))
	for phase, n := range counts {
		countData[string(phase)] = n
	}
	var failed []string
	for id, wp := range run.WPs {
		if wp.Phase == scheduler.PhaseFailed {
			failed = append(failed, id)
		}
	}
	sort.Strings(failed)

	data := map[string]any{
		"run_id":       run.RunID,
		"feature_slug": f.Slug,
		"order":        run.Order,
		"counts":       countData,
		"failed":       failed,
	}
	if len(failed) > 0 {
		span.AddEvent(tracing.EventWPFailed)
		return &CodedError{
			Code: codeWPFailed,
			Data: data,
			Err:  fmt.Errorf("%d work packages failed: %v", len(failed), failed),
		}
	}

	emitSuccess(cmd.Name(), data, func() {
		okLine("Orchestration finished: %d work packages completed", counts[scheduler.PhaseCompleted])
		nodes := make([]treeNode, 0, len(run.Order))
		for _, id := range run.Order {
			wp := run.WPs[id]
			style := styleSuccess
			if wp.Phase != scheduler.PhaseCompleted {
				style = styleWarn
			}
			nodes = append(nodes, treeNode{
				label:  fmt.Sprintf("%s %s", id, wp.Title),
				status: string(wp.Phase),
				style:  style,
			})
		}
		renderTree(f.Slug, nodes)
	})
	return nil
}

// newTracingProvider maps the config block onto the tracing setup, filling
// in the default trace file location.
func newTracingProvider() (*tracing.Provider, error) {
	tcfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	}
	if tcfg.FilePath == "" {
		tcfg.FilePath = config.DefaultTracesFilePath()
	}
	return tracing.NewProvider(tcfg)
}

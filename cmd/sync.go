package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/auth"
	"github.com/speckitty/speckitty/internal/syncqueue"
)

var syncCmd = &cobra.Command{
	Use:   "sync [now|status]",
	Short: "Deliver queued events to the server, or run the background sync daemon",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := credentialStore()
	if err != nil {
		return coded(codeAuth, err)
	}
	creds, err := store.Load()
	if err != nil {
		return err // ErrNotLoggedIn classifies to AUTH_ERROR
	}
	scope := creds.Scope()

	q, err := openQueue()
	if err != nil {
		return coded(codeVCS, fmt.Errorf("opening offline queue: %w", err))
	}
	defer q.Close()
	client := syncqueue.NewClient(scope, creds.AccessToken)

	mode := ""
	if len(args) == 1 {
		mode = args[0]
	}
	switch mode {
	case "status":
		pending, err := q.CountPending(scope)
		if err != nil {
			return coded(codeVCS, err)
		}
		connectivity := client.Probe(ctx)
		emitSuccess(cmd.Name(), map[string]any{
			"username":     scope.Username,
			"server_url":   scope.ServerURL,
			"pending":      pending,
			"connectivity": string(connectivity),
		}, func() {
			headerLine("Sync status for %s @ %s", scope.Username, scope.ServerURL)
			switch connectivity {
			case syncqueue.StatusConnected:
				okLine("connected")
			case syncqueue.StatusAuthFailed, syncqueue.StatusPermissionDenied:
				failLine("%s", connectivity)
			default:
				warnLine("%s", connectivity)
			}
			dimLine("  %d events pending", pending)
		})
		return nil

	case "now":
		delivered := 0
		for {
			res, err := client.SyncBatch(ctx, q, cfg.Sync.BatchSize)
			if err != nil {
				return syncError(err)
			}
			delivered += res.Delivered
			if res.Remaining == 0 || (res.Delivered == 0 && res.Retried == 0) {
				emitSuccess(cmd.Name(), map[string]any{
					"delivered": delivered,
					"remaining": res.Remaining,
				}, func() {
					okLine("Delivered %d events (%d remaining)", delivered, res.Remaining)
				})
				return nil
			}
		}

	case "":
		runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		daemon := syncqueue.NewDaemon(client, q, cfg.Sync.BatchSize)
		if !jsonOut {
			dimLine("sync daemon running; ctrl-c to stop")
		}
		daemon.Run(runCtx)
		emitSuccess(cmd.Name(), map[string]any{"stopped": true}, func() {
			okLine("Sync daemon stopped")
		})
		return nil
	}
	return codedf(codeUsage, "unknown sync mode %q (expected now or status)", mode)
}

func syncError(err error) error {
	switch {
	case errors.Is(err, syncqueue.ErrAuthFailed):
		return coded(codeAuth, err)
	case errors.Is(err, syncqueue.ErrTransport):
		return coded(codeNetwork, err)
	case errors.Is(err, auth.ErrNotLoggedIn):
		return coded(codeAuth, err)
	}
	return coded(codeVCS, err)
}

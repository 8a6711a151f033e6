package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/speckitty/speckitty/internal/auth"
	"github.com/speckitty/speckitty/internal/syncqueue"
)

var (
	loginServer   string
	loginUsername string
	loginToken    string
	loginTeam     string
	loginForce    bool
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the active account for event sync",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store credentials for a collaboration server",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored credentials",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active account, pending events and connectivity",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

func init() {
	fl := authLoginCmd.Flags()
	fl.StringVar(&loginServer, "server", "", "collaboration server URL")
	fl.StringVar(&loginUsername, "username", "", "account username")
	fl.StringVar(&loginToken, "token", "", "access token")
	fl.StringVar(&loginTeam, "team", "", "team slug stamped on emitted events")
	fl.BoolVar(&loginForce, "force", false,
		"switch accounts even if the previous one has queued events")
	_ = authLoginCmd.MarkFlagRequired("server")
	_ = authLoginCmd.MarkFlagRequired("username")
	_ = authLoginCmd.MarkFlagRequired("token")

	authCmd.AddCommand(authLoginCmd, authLogoutCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := credentialStore()
	if err != nil {
		return coded(codeAuth, err)
	}

	creds := auth.Credentials{
		ServerURL:   loginServer,
		Username:    loginUsername,
		TeamSlug:    loginTeam,
		AccessToken: loginToken,
	}
	if err := store.Save(creds, loginForce); err != nil {
		if errors.Is(err, auth.ErrPendingPreviousScope) {
			return err
		}
		return coded(codeAuth, err)
	}

	// Offline logins are fine; only an explicit rejection fails the command.
	connectivity := syncqueue.NewClient(creds.Scope(), creds.AccessToken).Probe(ctx)
	if connectivity == syncqueue.StatusAuthFailed || connectivity == syncqueue.StatusPermissionDenied {
		return &CodedError{
			Code: codeAuth,
			Err:  errors.New("server rejected the access token"),
			Data: map[string]any{"connectivity": string(connectivity)},
		}
	}

	emitSuccess(cmd.Name(), map[string]any{
		"username":     creds.Username,
		"server_url":   creds.ServerURL,
		"team_slug":    creds.TeamSlug,
		"connectivity": string(connectivity),
	}, func() {
		okLine("Logged in as %s @ %s", creds.Username, creds.ServerURL)
		if connectivity != syncqueue.StatusConnected {
			warnLine("server unreachable; events will queue offline")
		}
	})
	return nil
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	store, err := credentialStore()
	if err != nil {
		return coded(codeAuth, err)
	}
	if err := store.Clear(); err != nil {
		return coded(codeAuth, err)
	}
	emitSuccess(cmd.Name(), map[string]any{"logged_out": true}, func() {
		okLine("Logged out")
	})
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := credentialStore()
	if err != nil {
		return coded(codeAuth, err)
	}
	creds, err := store.Load()
	if err != nil {
		return err
	}
	scope := creds.Scope()

	pending := 0
	if q, qErr := openQueue(); qErr == nil {
		pending, _ = q.CountPending(scope)
		_ = q.Close()
	}
	connectivity := syncqueue.NewClient(scope, creds.AccessToken).Probe(ctx)

	emitSuccess(cmd.Name(), map[string]any{
		"username":     scope.Username,
		"server_url":   scope.ServerURL,
		"team_slug":    scope.TeamSlug,
		"pending":      pending,
		"connectivity": string(connectivity),
		"obtained_at":  creds.ObtainedAt,
	}, func() {
		headerLine("Account: %s @ %s", scope.Username, scope.ServerURL)
		if scope.TeamSlug != "" {
			dimLine("  team: %s", scope.TeamSlug)
		}
		dimLine("  pending events: %d", pending)
		dimLine("  connectivity: %s", connectivity)
	})
	return nil
}

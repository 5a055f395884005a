package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/modrelay/teamsync/internal/config"
	"github.com/modrelay/teamsync/internal/gitauth"
	"github.com/modrelay/teamsync/internal/provider"
)

var checkAuthCmd = &cobra.Command{
	Use:   "check-auth <workspace>",
	Short: "Validate a workspace's credentials without syncing",
	Long: `Validate the configured credentials for a workspace.

The credential material is checked for shape (a token that is present, a
private key that parses as PEM). For token credentials against a known
hosting provider the token is additionally verified against the provider's
API, without touching the repository itself.

Examples:
  teamsync check-auth platform-team`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckAuth,
}

func runCheckAuth(cmd *cobra.Command, args []string) error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}

	ws, ok := eng.root.Workspaces[args[0]]
	if !ok {
		return fmt.Errorf("no workspace named %s", args[0])
	}
	if !ws.Syncable() {
		return fmt.Errorf("workspace %s is not backed by a repository", args[0])
	}

	if ws.Credentials == nil {
		fmt.Fprintln(os.Stdout, "No credentials configured; anonymous access.")
		return nil
	}

	cred, err := ws.Credentials.Resolve(cmd.Context())
	if err != nil {
		return err
	}
	if err := gitauth.Validate(cred); err != nil {
		return err
	}

	if token, ok := cred.(*config.SecretTokenAuth); ok {
		kind := token.Provider
		if kind == "" {
			kind = gitauth.DetectProvider(ws.Repo)
		}
		if kind != "" && kind != "generic" {
			if err := provider.NewClient().ValidateToken(cmd.Context(), ws.Repo, token.Token); err != nil {
				return fmt.Errorf("token rejected by %s: %w", kind, err)
			}
			fmt.Fprintf(os.Stdout, "Token accepted by %s.\n", kind)
			return nil
		}
	}

	fmt.Fprintln(os.Stdout, "Credentials look valid.")
	return nil
}

// Package gitsync provides git-backed workspace synchronization for the
// ModRelay desktop application and other embedders.
//
// The package keeps a local working copy of a team configuration repository
// in step with its remote: local edits are committed and pushed, remote
// changes are pulled and merged into the local document store, and diverged
// history is rebased automatically when enabled.
//
// Authentication supports personal access tokens (with provider-specific
// userinfo conventions for GitHub, GitLab, Bitbucket and Azure DevOps), SSH
// keys supplied as in-memory PEM material, and basic HTTP authentication.
// Credentials are never written to the repository's git configuration.
//
// Example usage:
//
//	import "github.com/modrelay/teamsync/pkg/gitsync"
//
//	wsConfig := map[string]any{
//	    "repo":       "https://github.com/myorg/team-config.git",
//	    "branch":     "main",
//	    "credential": "team-token",
//	}
//	provider := app.NewKeychainSecretProvider()
//	syncer, err := gitsync.NewFromWorkspaceConfig("/path/to/state", wsConfig, provider)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer syncer.Close(ctx)
//
//	if err := syncer.Execute(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	status := syncer.Status()
//
// Thread Safety: Synchronizer instances are NOT thread-safe. Each instance
// should be used by a single goroutine. Create separate instances for
// concurrent operations.
package gitsync

package gitsync

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/modrelay/teamsync/internal/gitexec"
	"github.com/modrelay/teamsync/internal/gitops"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/metrics"
	"github.com/modrelay/teamsync/internal/syncerr"
)

// ConflictResolver attempts to reconcile diverged local and remote history.
// With auto-resolution disabled every conflict is handed to the user; with it
// enabled the local changes are stashed, the branch rebased onto the remote,
// and the result checked for leftover conflict markers before pushing.
type ConflictResolver struct {
	repos       *gitops.Repos
	runner      gitexec.Runner
	log         *logging.Logger
	autoResolve bool
}

func NewConflictResolver(repos *gitops.Repos, runner gitexec.Runner, autoResolve bool, log *logging.Logger) *ConflictResolver {
	return &ConflictResolver{repos: repos, runner: runner, log: log, autoResolve: autoResolve}
}

// Resolution reports how a conflict was handled.
type Resolution struct {
	Resolved bool
	Manual   bool
	Detail   string
}

// Resolve runs the automatic resolution sequence for the repository at dir.
// Any failure along the way aborts the in-progress rebase and falls back to
// manual resolution rather than leaving the work tree in a half-merged state.
func (c *ConflictResolver) Resolve(ctx context.Context, dir, url, branch, configPath string, cred any) (*Resolution, error) {
	if !c.autoResolve {
		metrics.ConflictManual(filepath.Base(dir))
		return &Resolution{Manual: true, Detail: "auto-resolution disabled"}, nil
	}

	stashed, err := c.repos.Stash(ctx, dir)
	if err != nil {
		return c.manual(ctx, dir, fmt.Errorf("stashing local changes: %w", err))
	}

	if err := c.repos.PullRebase(ctx, dir, url, branch, cred); err != nil {
		c.abortRebase(ctx, dir)
		if stashed {
			c.popStash(ctx, dir)
		}
		return c.manual(ctx, dir, fmt.Errorf("rebasing onto remote: %w", err))
	}

	// A rebase that "succeeds" through a merge driver can still leave
	// conflict markers behind in JSON documents. Refuse to push those.
	marked, err := filesWithConflictMarkers(filepath.Join(dir, configPath))
	if err != nil {
		return c.manual(ctx, dir, fmt.Errorf("scanning for conflict markers: %w", err))
	}
	if len(marked) > 0 {
		return c.manual(ctx, dir, fmt.Errorf("conflict markers remain in %s", strings.Join(marked, ", ")))
	}

	if stashed {
		// A failing pop is not fatal: the rebase result is already
		// consistent and the stash remains recoverable by hand.
		c.popStash(ctx, dir)
	}

	if _, err := c.repos.Push(ctx, dir, url, branch, cred, gitops.PushOptions{}); err != nil {
		return c.manual(ctx, dir, fmt.Errorf("pushing rebased branch: %w", err))
	}

	return &Resolution{Resolved: true, Detail: "rebased onto remote and pushed"}, nil
}

func (c *ConflictResolver) manual(ctx context.Context, dir string, cause error) (*Resolution, error) {
	metrics.ConflictManual(filepath.Base(dir))
	serr := syncerr.Classify(cause)
	serr.Kind = syncerr.KindConflict
	serr.RequiresUserAction = true
	return &Resolution{Manual: true, Detail: cause.Error()}, serr
}

func (c *ConflictResolver) abortRebase(ctx context.Context, dir string) {
	if _, err := c.runner.Run(ctx, gitexec.Options{Dir: dir}, "rebase", "--abort"); err != nil {
		c.log.Debugf("rebase abort: %v", err)
	}
}

func (c *ConflictResolver) popStash(ctx context.Context, dir string) {
	if err := c.repos.StashPop(ctx, dir); err != nil {
		c.log.Warnf("could not restore stashed changes in %s: %v", dir, err)
	}
}

// filesWithConflictMarkers scans the regular files under root for lines
// starting with a git conflict marker and returns their names.
func filesWithConflictMarkers(root string) ([]string, error) {
	var marked []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		has, err := hasConflictMarker(path)
		if err != nil {
			return err
		}
		if has {
			rel, _ := filepath.Rel(root, path)
			marked = append(marked, rel)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return marked, err
}

func hasConflictMarker(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "<<<<<<< ") || strings.HasPrefix(line, ">>>>>>> ") {
			return true, nil
		}
	}
	return false, scanner.Err()
}

package gitops

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/modrelay/teamsync/internal/gitexec"
)

// RevParse resolves a revision to a commit hash.
func (g *Repos) RevParse(ctx context.Context, dir, rev string) (string, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "rev-parse", rev)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CurrentBranch returns the checked-out branch name, or an error on a
// detached HEAD.
func (g *Repos) CurrentBranch(ctx context.Context, dir string) (string, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(res.Stdout)
	if branch == "HEAD" {
		return "", errors.New("HEAD is detached")
	}
	return branch, nil
}

// MergeBase returns the most recent common ancestor of two revisions.
func (g *Repos) MergeBase(ctx context.Context, dir, a, b string) (string, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CountRange counts commits in a rev-list range such as "HEAD..origin/main".
func (g *Repos) CountRange(ctx context.Context, dir, rangeSpec string) (int, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "rev-list", "--count", rangeSpec)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", res.Stdout, err)
	}
	return n, nil
}

// CountNotOnRemote counts commits reachable from rev that no origin
// remote-tracking ref already contains.
func (g *Repos) CountNotOnRemote(ctx context.Context, dir, rev string) (int, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
		"rev-list", "--count", rev, "--not", "--remotes=origin")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", res.Stdout, err)
	}
	return n, nil
}

// HasLocalChanges reports whether the working tree is dirty.
func (g *Repos) HasLocalChanges(ctx context.Context, dir string) (bool, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// Stash saves local changes, including untracked files. Returns false when
// there was nothing to stash.
func (g *Repos) Stash(ctx context.Context, dir string) (bool, error) {
	res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
		"stash", "push", "--include-untracked", "-m", "teamsync-autoresolve")
	if err != nil {
		return false, err
	}
	return !strings.Contains(res.Stdout, "No local changes"), nil
}

// StashPop restores the most recent stash.
func (g *Repos) StashPop(ctx context.Context, dir string) error {
	_, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "stash", "pop")
	return err
}

// defaultBranchFrom resolves the remote's default branch: symbolic-ref when
// available, then a probe of the listed heads for main and master.
func (g *Repos) defaultBranchFrom(ctx context.Context, dir, lsRemoteHeads string) (string, error) {
	if res, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
		"symbolic-ref", "refs/remotes/origin/HEAD", "--short"); err == nil {
		ref := strings.TrimSpace(res.Stdout)
		if name, ok := strings.CutPrefix(ref, "origin/"); ok && name != "" {
			return name, nil
		}
	}

	heads := map[string]bool{}
	for _, line := range strings.Split(lsRemoteHeads, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			heads[strings.TrimPrefix(fields[1], "refs/heads/")] = true
		}
	}

	for _, candidate := range []string{"main", "master"} {
		if heads[candidate] {
			return candidate, nil
		}
	}

	return "", errors.New("could not determine the remote default branch")
}

func asCommandError(err error) (*gitexec.CommandError, bool) {
	var cerr *gitexec.CommandError
	ok := errors.As(err, &cerr)
	return cerr, ok
}

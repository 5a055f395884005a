// Package gitops implements the repository operations of the sync engine:
// clone, fetch, pull, push, status and sparse checkout, built on the
// subprocess runner and the credential provider.
//
// Operations that talk to the remote take the typed credential value and set
// up an auth session for the duration of the call; the session's temporary
// material is released on every exit path.
package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modrelay/teamsync/internal/gitauth"
	"github.com/modrelay/teamsync/internal/gitexec"
	"github.com/modrelay/teamsync/internal/logging"
)

// propagationWait is how long to wait after the first push of a brand-new
// branch before trusting the remote's view of it. Some Git hosts propagate
// new refs to their API endpoints with a delay.
const propagationWait = 3 * time.Second

type Repos struct {
	runner gitexec.Runner
	auth   *gitauth.Provider
	log    *logging.Logger

	// sleep is swapped out in tests.
	sleep func(time.Duration)
}

func New(runner gitexec.Runner, auth *gitauth.Provider, log *logging.Logger) *Repos {
	return &Repos{runner: runner, auth: auth, log: log, sleep: time.Sleep}
}

// CloneOptions control Clone.
type CloneOptions struct {
	Branch      string // empty: let git pick, return what it checked out
	Depth       int    // 0: full history
	SparsePaths []string
}

// Clone clones url into dir. The target must be empty or absent. On failure
// the partial directory is removed before the error propagates. Returns the
// branch that is checked out.
func (g *Repos) Clone(ctx context.Context, url, dir string, cred any, opts CloneOptions) (string, error) {
	if err := ensureCloneTarget(dir); err != nil {
		return "", err
	}

	session, err := g.auth.Setup(ctx, url, cred)
	if err != nil {
		return "", err
	}
	defer session.Close()

	if _, err := g.runner.Run(ctx, gitexec.Options{Env: session.Env},
		cloneArgs(session.URL, dir, opts, false)...); err != nil {
		// Remove the partial clone so the next attempt starts clean.
		os.RemoveAll(dir)
		if !isBranchNotFound(err) || opts.Branch == "" {
			return "", err
		}

		// The remote lacks the branch, or is empty. Clone its default
		// branch with full history and create the branch locally; the
		// first push publishes it.
		if _, err := g.runner.Run(ctx, gitexec.Options{Env: session.Env},
			cloneArgs(session.URL, dir, opts, true)...); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
			"checkout", "-B", opts.Branch); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
		g.log.Debugf("branch %s missing on remote, created locally off the default branch", opts.Branch)
	}

	// Store the credential-free URL as origin so secrets never persist in
	// the working copy's config.
	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "remote", "set-url", "origin", url); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	if len(opts.SparsePaths) > 0 {
		if err := g.SparseSet(ctx, dir, opts.SparsePaths); err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}

	branch := opts.Branch
	if branch == "" {
		branch, err = g.CurrentBranch(ctx, dir)
		if err != nil {
			os.RemoveAll(dir)
			return "", err
		}
	}

	g.log.Debugf("cloned %s into %s (branch %s)", url, dir, branch)
	return branch, nil
}

// cloneArgs builds the clone invocation. With defaultBranch set the remote's
// default branch is cloned with full history, so a branch the remote lacks
// can be forked from a divergent point locally.
func cloneArgs(url, dir string, opts CloneOptions, defaultBranch bool) []string {
	args := []string{"clone"}
	if !defaultBranch {
		if opts.Depth > 0 {
			args = append(args, "--depth", fmt.Sprint(opts.Depth))
		}
		if opts.Branch != "" {
			args = append(args, "--branch", opts.Branch, "--single-branch")
		}
	}
	if len(opts.SparsePaths) > 0 {
		args = append(args, "--sparse")
	}
	return append(args, url, dir)
}

func ensureCloneTarget(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking clone target: %w", err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("clone target %s is not empty", dir)
	}
	return nil
}

// IsRepository reports whether dir holds a git working copy.
func (g *Repos) IsRepository(ctx context.Context, dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		return false
	}
	_, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "rev-parse", "--git-dir")
	return err == nil
}

// Fetch updates origin/<branch> from the remote, fetching only that branch.
func (g *Repos) Fetch(ctx context.Context, dir, url, branch string, cred any) error {
	session, err := g.auth.Setup(ctx, url, cred)
	if err != nil {
		return err
	}
	defer session.Close()

	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	_, err = g.runner.Run(ctx, gitexec.Options{Dir: dir, Env: session.Env},
		"fetch", session.URL, refspec)
	return err
}

// PullResult describes the outcome of a Pull.
type PullResult struct {
	UpdatedCommits  int
	AlreadyUpToDate bool
	CreatedBranch   bool
}

// Pull fetches and integrates the named branch. When the branch does not
// exist on the remote two recovery paths apply: an empty remote means the
// branch is created locally; a remote with other branches means the new
// branch is forked off the detected default branch.
func (g *Repos) Pull(ctx context.Context, dir, url, branch string, cred any) (PullResult, error) {
	session, err := g.auth.Setup(ctx, url, cred)
	if err != nil {
		return PullResult{}, err
	}
	defer session.Close()

	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir, Env: session.Env},
		"fetch", session.URL, refspec); err != nil {
		if isBranchNotFound(err) {
			created, rerr := g.recoverMissingBranch(ctx, dir, session, branch)
			if rerr != nil {
				return PullResult{}, rerr
			}
			return PullResult{CreatedBranch: created}, nil
		}
		return PullResult{}, err
	}

	// Count what we are about to integrate so progress is accurate.
	behind, err := g.CountRange(ctx, dir, fmt.Sprintf("HEAD..origin/%s", branch))
	if err != nil {
		return PullResult{}, err
	}
	if behind == 0 {
		return PullResult{AlreadyUpToDate: true}, nil
	}

	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir, Env: session.Env},
		"merge", "--ff-only", "origin/"+branch); err != nil {
		return PullResult{}, err
	}

	return PullResult{UpdatedCommits: behind}, nil
}

// recoverMissingBranch handles a fetch that failed with branch-not-found.
// Returns true if a new branch was created.
func (g *Repos) recoverMissingBranch(ctx context.Context, dir string, session *gitauth.Session, branch string) (bool, error) {
	heads, err := g.runner.Run(ctx, gitexec.Options{Dir: dir, Env: session.Env},
		"ls-remote", "--heads", session.URL)
	if err != nil {
		return false, err
	}

	if strings.TrimSpace(heads.Stdout) == "" {
		// Empty remote: make sure the local branch exists; the first push
		// will create it on the remote.
		if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
			"checkout", "-B", branch); err != nil {
			return false, err
		}
		g.log.Debugf("remote is empty, created local branch %s", branch)
		return true, nil
	}

	// The remote has other branches: fork the new branch off its default.
	def, err := g.defaultBranchFrom(ctx, dir, heads.Stdout)
	if err != nil {
		return false, err
	}

	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", def, def)
	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir, Env: session.Env},
		"fetch", session.URL, refspec); err != nil {
		return false, err
	}
	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
		"checkout", "-B", branch, "origin/"+def); err != nil {
		return false, err
	}

	g.log.Debugf("branched %s off default branch %s", branch, def)
	return true, nil
}

// PushOptions control Push.
type PushOptions struct {
	Force       bool
	SetUpstream bool
}

// PushResult describes the outcome of a Push.
type PushResult struct {
	Pushed    int
	FirstPush bool
}

// Push uploads local commits on branch. It counts unpushed commits first,
// tolerating a missing upstream ref (first push of a new branch), and no-ops
// when there is nothing to push and force is unset. After a first push it
// waits briefly for the host to propagate the new ref.
func (g *Repos) Push(ctx context.Context, dir, url, branch string, cred any, opts PushOptions) (PushResult, error) {
	ahead, upstreamMissing := 0, false

	n, err := g.CountRange(ctx, dir, fmt.Sprintf("origin/%s..HEAD", branch))
	if err != nil {
		if !isUnknownRevision(err) {
			return PushResult{}, err
		}
		upstreamMissing = true
	} else {
		ahead = n
	}

	if !upstreamMissing && ahead == 0 && !opts.Force {
		return PushResult{}, nil
	}

	session, err := g.auth.Setup(ctx, url, cred)
	if err != nil {
		return PushResult{}, err
	}
	defer session.Close()

	args := []string{"push"}
	if opts.Force {
		args = append(args, "--force")
	}
	args = append(args, session.URL, fmt.Sprintf("%s:%s", branch, branch))

	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir, Env: session.Env}, args...); err != nil {
		return PushResult{}, err
	}

	if upstreamMissing {
		// Count what the remote had never seen under any ref, before the
		// tracking ref is written, so a branch forked off existing
		// history does not report that history as pushed.
		if n, err := g.CountNotOnRemote(ctx, dir, branch); err == nil {
			ahead = n
		}
	}

	// Update the remote-tracking ref; pushing to a URL does not.
	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir},
		"update-ref", "refs/remotes/origin/"+branch, branch); err != nil {
		return PushResult{}, err
	}

	if upstreamMissing {
		g.log.Debugf("first push of %s, waiting for ref propagation", branch)
		g.sleep(propagationWait)
	}

	return PushResult{Pushed: ahead, FirstPush: upstreamMissing}, nil
}

// PullRebase rebases local commits onto the remote branch. Used only by the
// conflict resolver under the unattended auto-resolve policy.
func (g *Repos) PullRebase(ctx context.Context, dir, url, branch string, cred any) error {
	session, err := g.auth.Setup(ctx, url, cred)
	if err != nil {
		return err
	}
	defer session.Close()

	_, err = g.runner.Run(ctx, gitexec.Options{Dir: dir, Env: session.Env},
		"pull", "--rebase", session.URL, branch)
	return err
}

// CommitAll stages and commits everything in the working tree. Returns false
// when there was nothing to commit.
func (g *Repos) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if _, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "add", "-A"); err != nil {
		return false, err
	}

	status, err := g.runner.Run(ctx, gitexec.Options{Dir: dir}, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status.Stdout) == "" {
		return false, nil
	}

	_, err = g.runner.Run(ctx, gitexec.Options{Dir: dir},
		"-c", "user.name=ModRelay Sync",
		"-c", "user.email=sync@modrelay.invalid",
		"commit", "-m", message)
	if err != nil {
		return false, err
	}
	return true, nil
}

func isBranchNotFound(err error) bool {
	cerr, ok := asCommandError(err)
	return ok && cerr.Kind == gitexec.KindBranchNotFound
}

func isUnknownRevision(err error) bool {
	cerr, ok := asCommandError(err)
	if !ok {
		return false
	}
	return cerr.Kind == gitexec.KindBranchNotFound ||
		strings.Contains(strings.ToLower(cerr.Stderr), "unknown revision")
}

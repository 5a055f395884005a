package gitops

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/modrelay/teamsync/internal/gitauth"
	"github.com/modrelay/teamsync/internal/gitexec"
	"github.com/modrelay/teamsync/internal/logging"
)

// fakeRunner records every git invocation and answers via the test-provided
// handler.
type fakeRunner struct {
	calls  [][]string
	handle func(args []string) (gitexec.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, _ gitexec.Options, args ...string) (gitexec.Result, error) {
	f.calls = append(f.calls, args)
	return f.handle(args)
}

func (f *fakeRunner) called(prefix ...string) bool {
	for _, call := range f.calls {
		if len(call) >= len(prefix) && equalPrefix(call, prefix) {
			return true
		}
	}
	return false
}

func equalPrefix(call, prefix []string) bool {
	for i := range prefix {
		if call[i] != prefix[i] {
			return false
		}
	}
	return true
}

func newTestRepos(f *fakeRunner) *Repos {
	g := New(f, gitauth.NewProvider(logging.NewNopLogger()), logging.NewNopLogger())
	g.sleep = func(time.Duration) {}
	return g
}

func branchNotFound() error {
	return &gitexec.CommandError{
		Args:   []string{"fetch"},
		Stderr: "fatal: couldn't find remote ref refs/heads/main",
		Kind:   gitexec.KindBranchNotFound,
	}
}

func TestCloneArgsAndCleanOrigin(t *testing.T) {

	dir := filepath.Join(t.TempDir(), "clone")

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	branch, err := g.Clone(context.Background(), "https://example.com/r.git", dir, nil, CloneOptions{
		Branch:      "main",
		Depth:       50,
		SparsePaths: []string{".modrelay"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if branch != "main" {
		t.Fatalf("expected branch main, got %q", branch)
	}

	exp := []string{
		"clone", "--depth", "50", "--branch", "main", "--single-branch", "--sparse",
		"https://example.com/r.git", dir,
	}
	if diff := cmp.Diff(exp, f.calls[0]); diff != "" {
		t.Fatal(diff)
	}

	if !f.called("remote", "set-url", "origin", "https://example.com/r.git") {
		t.Fatal("expected the origin URL to be reset to the credential-free URL")
	}
	if !f.called("sparse-checkout", "set") {
		t.Fatal("expected sparse checkout to be configured")
	}
}

func TestCloneMissingBranchForksOffDefault(t *testing.T) {

	dir := filepath.Join(t.TempDir(), "clone")

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "clone" && slices.Contains(args, "--branch") {
			return gitexec.Result{}, &gitexec.CommandError{
				Stderr: "fatal: Remote branch team not found in upstream origin",
				Kind:   gitexec.KindBranchNotFound,
			}
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	branch, err := g.Clone(context.Background(), "https://example.com/r.git", dir, nil, CloneOptions{
		Branch: "team",
		Depth:  50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if branch != "team" {
		t.Fatalf("expected branch team, got %q", branch)
	}

	// The fallback clone takes the default branch with full history.
	exp := []string{"clone", "https://example.com/r.git", dir}
	if diff := cmp.Diff(exp, f.calls[1]); diff != "" {
		t.Fatal(diff)
	}
	if !f.called("checkout", "-B", "team") {
		t.Fatal("expected the missing branch to be created locally")
	}
}

func TestCloneFailureRemovesPartialClone(t *testing.T) {

	dir := filepath.Join(t.TempDir(), "clone")

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "clone" {
			// Simulate git leaving a partial directory behind.
			if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
				t.Fatal(err)
			}
			return gitexec.Result{}, &gitexec.CommandError{Stderr: "fatal: early EOF"}
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	if _, err := g.Clone(context.Background(), "https://example.com/r.git", dir, nil, CloneOptions{Branch: "main"}); err == nil {
		t.Fatal("expected the clone to fail")
	}

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("expected the partial clone to be removed")
	}
}

func TestCloneRefusesNonEmptyTarget(t *testing.T) {

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stale"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	f := &fakeRunner{handle: func([]string) (gitexec.Result, error) {
		t.Fatal("no git invocation expected")
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	_, err := g.Clone(context.Background(), "https://example.com/r.git", dir, nil, CloneOptions{Branch: "main"})
	if err == nil || !strings.Contains(err.Error(), "not empty") {
		t.Fatalf("expected a non-empty target error, got: %v", err)
	}
}

func TestPullAlreadyUpToDate(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "rev-list" {
			return gitexec.Result{Stdout: "0"}, nil
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	res, err := g.Pull(context.Background(), "/repo", "https://example.com/r.git", "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyUpToDate {
		t.Fatal("expected AlreadyUpToDate")
	}
	if f.called("merge") {
		t.Fatal("expected no merge when there is nothing to integrate")
	}
}

func TestPullFastForward(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "rev-list" {
			return gitexec.Result{Stdout: "3\n"}, nil
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	res, err := g.Pull(context.Background(), "/repo", "https://example.com/r.git", "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.UpdatedCommits != 3 {
		t.Fatalf("expected 3 updated commits, got %d", res.UpdatedCommits)
	}
	if !f.called("merge", "--ff-only", "origin/main") {
		t.Fatal("expected a fast-forward merge")
	}
}

func TestPullCreatesBranchOnEmptyRemote(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		switch args[0] {
		case "fetch":
			return gitexec.Result{}, branchNotFound()
		case "ls-remote":
			return gitexec.Result{Stdout: ""}, nil
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	res, err := g.Pull(context.Background(), "/repo", "https://example.com/r.git", "main", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CreatedBranch {
		t.Fatal("expected CreatedBranch")
	}
	if !f.called("checkout", "-B", "main") {
		t.Fatal("expected the local branch to be (re)created")
	}
}

func TestPullForksOffDefaultBranch(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		switch args[0] {
		case "fetch":
			// Only the first fetch (for the missing branch) fails.
			if strings.Contains(args[2], "refs/heads/team") {
				return gitexec.Result{}, branchNotFound()
			}
			return gitexec.Result{}, nil
		case "ls-remote":
			return gitexec.Result{Stdout: "abc123\trefs/heads/main\n"}, nil
		case "symbolic-ref":
			return gitexec.Result{}, &gitexec.CommandError{Stderr: "fatal: ref refs/remotes/origin/HEAD is not a symbolic ref"}
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	res, err := g.Pull(context.Background(), "/repo", "https://example.com/r.git", "team", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CreatedBranch {
		t.Fatal("expected CreatedBranch")
	}
	if !f.called("checkout", "-B", "team", "origin/main") {
		t.Fatal("expected the new branch to fork off the default branch")
	}
}

func TestPushNoopWhenNothingAhead(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "rev-list" {
			return gitexec.Result{Stdout: "0"}, nil
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	res, err := g.Push(context.Background(), "/repo", "https://example.com/r.git", "main", nil, PushOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Pushed != 0 || res.FirstPush {
		t.Fatalf("expected a no-op push, got %+v", res)
	}
	if f.called("push") {
		t.Fatal("expected no push invocation")
	}
}

func TestPushFirstPushOfNewBranch(t *testing.T) {

	first := true
	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "rev-list" {
			if first {
				first = false
				return gitexec.Result{}, &gitexec.CommandError{
					Stderr: "fatal: bad revision 'origin/main..HEAD': unknown revision or path not in the working tree",
					Kind:   gitexec.KindBranchNotFound,
				}
			}
			return gitexec.Result{Stdout: "2"}, nil
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	res, err := g.Push(context.Background(), "/repo", "https://example.com/r.git", "main", nil, PushOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.FirstPush {
		t.Fatal("expected FirstPush")
	}
	if res.Pushed != 2 {
		t.Fatalf("expected 2 pushed commits, got %d", res.Pushed)
	}
	if !f.called("push", "https://example.com/r.git", "main:main") {
		t.Fatal("expected a push of the branch by URL")
	}
	if !f.called("update-ref", "refs/remotes/origin/main", "main") {
		t.Fatal("expected the remote-tracking ref to be updated")
	}

	// Pushed commits are counted against the refs origin already had, and
	// before the tracking ref is written, so a branch forked off existing
	// history does not report that history as pushed.
	countIdx, refIdx := -1, -1
	for i, call := range f.calls {
		if len(call) >= 5 && equalPrefix(call, []string{"rev-list", "--count", "main", "--not", "--remotes=origin"}) {
			countIdx = i
		}
		if len(call) > 0 && call[0] == "update-ref" {
			refIdx = i
		}
	}
	if countIdx == -1 {
		t.Fatal("expected the pushed count to exclude commits origin already had")
	}
	if countIdx > refIdx {
		t.Fatal("expected the pushed count to be taken before the tracking ref update")
	}
}

func TestCommitAllNothingToCommit(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	committed, err := g.CommitAll(context.Background(), "/repo", "Update team configuration")
	if err != nil {
		t.Fatal(err)
	}
	if committed {
		t.Fatal("expected nothing to commit")
	}
	if f.called("commit") {
		t.Fatal("expected no commit invocation")
	}
}

func TestCommitAllPinsIdentity(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "status" {
			return gitexec.Result{Stdout: " M sources.json"}, nil
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	committed, err := g.CommitAll(context.Background(), "/repo", "Update team configuration")
	if err != nil {
		t.Fatal(err)
	}
	if !committed {
		t.Fatal("expected a commit")
	}
	if !f.called("-c", "user.name=ModRelay Sync") {
		t.Fatal("expected the commit identity to be pinned")
	}
}

func TestStatusParsesPorcelain(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		switch args[0] {
		case "rev-parse":
			return gitexec.Result{Stdout: "main\n"}, nil
		case "status":
			return gitexec.Result{Stdout: " M a.json\nA  b.json\nD  c.json\nR  old.json -> new.json\n?? d.json\n"}, nil
		case "log":
			return gitexec.Result{Stdout: "abc\x1fAda\x1fada@example.com\x1f1700000000\x1fUpdate team configuration"}, nil
		}
		return gitexec.Result{}, nil
	}}
	g := newTestRepos(f)

	status, err := g.Status(context.Background(), "/repo")
	if err != nil {
		t.Fatal(err)
	}

	if status.Branch != "main" {
		t.Fatalf("expected branch main, got %q", status.Branch)
	}
	if status.Clean() {
		t.Fatal("expected a dirty work tree")
	}
	if len(status.Modified) != 1 || status.Modified[0] != "a.json" {
		t.Fatalf("modified: %v", status.Modified)
	}
	if len(status.Renamed) != 1 || status.Renamed[0] != "new.json" {
		t.Fatalf("renamed: %v", status.Renamed)
	}
	if len(status.Untracked) != 1 || status.Untracked[0] != "d.json" {
		t.Fatalf("untracked: %v", status.Untracked)
	}
	if status.Last == nil || status.Last.Author != "Ada" {
		t.Fatalf("last commit: %+v", status.Last)
	}
}

func TestValidateSparsePatterns(t *testing.T) {

	for _, bad := range []string{"", "*", "**", "/", " / "} {
		if err := validateSparsePatterns([]string{bad}); err == nil {
			t.Fatalf("expected pattern %q to be rejected", bad)
		}
	}
	if err := validateSparsePatterns([]string{".modrelay"}); err != nil {
		t.Fatal(err)
	}
}

package gitsync

import (
	"context"
	"testing"

	"github.com/modrelay/teamsync/internal/gitauth"
	"github.com/modrelay/teamsync/internal/gitexec"
	"github.com/modrelay/teamsync/internal/gitops"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/model"
)

// fakeRunner answers git invocations from a test-provided handler.
type fakeRunner struct {
	calls  [][]string
	handle func(args []string) (gitexec.Result, error)
}

func (f *fakeRunner) Run(_ context.Context, _ gitexec.Options, args ...string) (gitexec.Result, error) {
	f.calls = append(f.calls, args)
	return f.handle(args)
}

func newTestResolver(f *fakeRunner) *StatusResolver {
	repos := gitops.New(f, gitauth.NewProvider(logging.NewNopLogger()), logging.NewNopLogger())
	return NewStatusResolver(repos, logging.NewNopLogger())
}

// divergenceRunner scripts the plumbing behind a status resolution: the
// local head, the remote head, their merge base and the ahead/behind counts.
func divergenceRunner(local, remote, base string) *fakeRunner {
	return &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		switch args[0] {
		case "fetch":
			return gitexec.Result{}, nil
		case "rev-parse":
			if args[1] == "HEAD" {
				return gitexec.Result{Stdout: local + "\n"}, nil
			}
			return gitexec.Result{Stdout: remote + "\n"}, nil
		case "merge-base":
			return gitexec.Result{Stdout: base + "\n"}, nil
		case "rev-list":
			return gitexec.Result{Stdout: "1"}, nil
		}
		return gitexec.Result{}, nil
	}}
}

func TestResolveClassification(t *testing.T) {

	tests := []struct {
		note                string
		local, remote, base string
		exp                 model.SyncStatus
	}{
		{
			note: "identical heads",
			local: "aaa", remote: "aaa", base: "aaa",
			exp: model.StatusUpToDate,
		},
		{
			note: "local is an ancestor of remote",
			local: "aaa", remote: "bbb", base: "aaa",
			exp: model.StatusNeedsPull,
		},
		{
			note: "remote is an ancestor of local",
			local: "bbb", remote: "aaa", base: "aaa",
			exp: model.StatusNeedsPush,
		},
		{
			note: "diverged history",
			local: "bbb", remote: "ccc", base: "aaa",
			exp: model.StatusConflict,
		},
	}

	for _, tc := range tests {
		t.Run(tc.note, func(t *testing.T) {
			r := newTestResolver(divergenceRunner(tc.local, tc.remote, tc.base))

			state := r.Resolve(context.Background(), "/repo", "https://example.com/r.git", "main", nil)
			if state.Status != tc.exp {
				t.Fatalf("expected %s, got %s (%s)", tc.exp, state.Status, state.LastError)
			}
			if state.LocalCommit != tc.local {
				t.Fatalf("expected local commit %q, got %q", tc.local, state.LocalCommit)
			}
		})
	}
}

func TestResolveMissingRemoteBranchMeansPush(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		switch args[0] {
		case "fetch":
			return gitexec.Result{}, &gitexec.CommandError{
				Stderr: "fatal: couldn't find remote ref refs/heads/main",
				Kind:   gitexec.KindBranchNotFound,
			}
		case "rev-parse":
			return gitexec.Result{Stdout: "aaa\n"}, nil
		}
		return gitexec.Result{}, nil
	}}
	r := newTestResolver(f)

	state := r.Resolve(context.Background(), "/repo", "https://example.com/r.git", "main", nil)
	if state.Status != model.StatusNeedsPush {
		t.Fatalf("expected NEEDS_PUSH, got %s", state.Status)
	}

	// The fetch is retried before the branch is declared missing.
	fetches := 0
	for _, call := range f.calls {
		if call[0] == "fetch" {
			fetches++
		}
	}
	if fetches != 3 {
		t.Fatalf("expected 3 fetch attempts, got %d", fetches)
	}
}

func TestResolveNetworkFailureYieldsErrorState(t *testing.T) {

	f := &fakeRunner{handle: func(args []string) (gitexec.Result, error) {
		if args[0] == "fetch" {
			return gitexec.Result{}, &gitexec.CommandError{
				Stderr: "fatal: unable to access 'https://example.com/r.git/': Could not resolve host: example.com",
				Kind:   gitexec.KindNetwork,
			}
		}
		return gitexec.Result{}, nil
	}}
	r := newTestResolver(f)

	state := r.Resolve(context.Background(), "/repo", "https://example.com/r.git", "main", nil)
	if state.Status != model.StatusError {
		t.Fatalf("expected ERROR, got %s", state.Status)
	}
	if state.LastError == "" {
		t.Fatal("expected the failure to be recorded")
	}

	// Network failures are not retried by the resolver.
	if len(f.calls) != 1 {
		t.Fatalf("expected a single fetch, got %d calls", len(f.calls))
	}
}

package syncerr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/modrelay/teamsync/internal/gitexec"
	"github.com/modrelay/teamsync/internal/syncerr"
)

func TestClassifyCommandErrors(t *testing.T) {
	tests := []struct {
		note string
		err  *gitexec.CommandError
		want syncerr.Kind
	}{
		{
			note: "classified auth failure",
			err:  &gitexec.CommandError{Kind: gitexec.KindAuth},
			want: syncerr.KindAuth,
		},
		{
			note: "classified network failure",
			err:  &gitexec.CommandError{Kind: gitexec.KindNetwork},
			want: syncerr.KindNetwork,
		},
		{
			note: "missing remote branch",
			err:  &gitexec.CommandError{Kind: gitexec.KindBranchNotFound},
			want: syncerr.KindBranch,
		},
		{
			note: "missing repository",
			err:  &gitexec.CommandError{Kind: gitexec.KindNotFound},
			want: syncerr.KindRepository,
		},
		{
			note: "timeout wins over stderr text",
			err:  &gitexec.CommandError{TimedOut: true, Stderr: "Authentication failed"},
			want: syncerr.KindTimeout,
		},
		{
			note: "git binary missing",
			err:  &gitexec.CommandError{NotInstalled: true},
			want: syncerr.KindGitMissing,
		},
		{
			note: "unclassified stderr falls back to text matching",
			err:  &gitexec.CommandError{Stderr: "error: Your local changes would be overwritten by merge. Needs merge."},
			want: syncerr.KindConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.note, func(t *testing.T) {
			got := syncerr.Classify(tt.err)
			if got.Kind != tt.want {
				t.Errorf("got kind %s, want %s", got.Kind, tt.want)
			}
			if got.Message == "" {
				t.Error("classified error has no message")
			}
			if len(got.Suggestions) == 0 {
				t.Error("classified error has no suggestions")
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error does not wrap the cause")
			}
		})
	}
}

func TestClassifyText(t *testing.T) {
	tests := []struct {
		note string
		err  error
		want syncerr.Kind
	}{
		{"host resolution", errors.New("fatal: could not resolve host: github.com"), syncerr.KindNetwork},
		{"diverged push", errors.New("! [rejected] main -> main (non-fast-forward)"), syncerr.KindConflict},
		{"bad url", errors.New("invalid repository URL"), syncerr.KindInvalidURL},
		{"deadline", context.DeadlineExceeded, syncerr.KindTimeout},
		{"unrecognized", errors.New("something odd happened"), syncerr.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.note, func(t *testing.T) {
			if got := syncerr.Classify(tt.err); got.Kind != tt.want {
				t.Errorf("got kind %s, want %s", got.Kind, tt.want)
			}
		})
	}
}

func TestClassifyPassThrough(t *testing.T) {
	orig := syncerr.New(syncerr.KindConflict, "histories diverged on %s", "main")
	wrapped := fmt.Errorf("sync failed: %w", orig)

	got := syncerr.Classify(wrapped)
	if got != orig {
		t.Error("already-classified errors must pass through unchanged")
	}
}

func TestClassifyNil(t *testing.T) {
	if got := syncerr.Classify(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

func TestRecoveryHints(t *testing.T) {
	tests := []struct {
		kind       syncerr.Kind
		retryable  bool
		userAction bool
	}{
		{syncerr.KindNetwork, true, false},
		{syncerr.KindTimeout, true, false},
		{syncerr.KindAuth, false, true},
		{syncerr.KindConflict, false, true},
		{syncerr.KindPermission, false, true},
		{syncerr.KindInvalidURL, false, true},
		{syncerr.KindGitMissing, false, true},
		{syncerr.KindRepository, false, false},
		{syncerr.KindUnknown, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			e := syncerr.New(tt.kind, "boom")
			if e.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if e.RequiresUserAction != tt.userAction {
				t.Errorf("RequiresUserAction = %v, want %v", e.RequiresUserAction, tt.userAction)
			}
		})
	}
}

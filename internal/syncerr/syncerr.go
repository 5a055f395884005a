// Package syncerr classifies raw subprocess and network failures into a
// stable set of error kinds with recovery hints. Every layer above the
// command runner consumes this taxonomy instead of matching on raw text.
package syncerr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/modrelay/teamsync/internal/gitexec"
)

// Kind enumerates the stable error categories.
type Kind string

const (
	KindAuth       Kind = "AUTH_ERROR"
	KindNetwork    Kind = "NETWORK_ERROR"
	KindRepository Kind = "REPOSITORY_ERROR"
	KindBranch     Kind = "BRANCH_ERROR"
	KindConflict   Kind = "CONFLICT_ERROR"
	KindPermission Kind = "PERMISSION_ERROR"
	KindTimeout    Kind = "TIMEOUT_ERROR"
	KindInvalidURL Kind = "INVALID_URL"
	KindGitMissing Kind = "GIT_NOT_FOUND"
	KindUnknown    Kind = "UNKNOWN_ERROR"
)

// Error is the classified form of a failure. It carries everything the
// surrounding application needs to present the problem and decide whether a
// retry makes sense.
type Error struct {
	Kind               Kind
	Message            string
	Suggestions        []string
	Retryable          bool
	RequiresUserAction bool
	Cause              error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// kindInfo is the static metadata per kind.
type kindInfo struct {
	message            string
	suggestions        []string
	retryable          bool
	requiresUserAction bool
}

var kinds = map[Kind]kindInfo{
	KindAuth: {
		message: "authentication failed",
		suggestions: []string{
			"Verify the configured credentials are still valid.",
			"For tokens, check the token has not expired and grants repository access.",
			"For SSH, check the key is authorized for the repository.",
		},
		requiresUserAction: true,
	},
	KindNetwork: {
		message: "network error while contacting the repository",
		suggestions: []string{
			"Check the network connection.",
			"If behind a proxy or VPN, verify the Git host is reachable.",
		},
		retryable: true,
	},
	KindRepository: {
		message: "repository not found or not accessible",
		suggestions: []string{
			"Check the repository URL.",
			"Verify the repository exists and the credentials can read it.",
		},
	},
	KindBranch: {
		message: "branch not found on the remote",
		suggestions: []string{
			"Check the configured branch name.",
			"If the branch was just created, the host may not have propagated it yet.",
		},
	},
	KindConflict: {
		message: "local and remote histories have diverged",
		suggestions: []string{
			"Resolve the conflict manually, or enable automatic resolution for this workspace.",
		},
		requiresUserAction: true,
	},
	KindPermission: {
		message: "filesystem permission denied",
		suggestions: []string{
			"Check the permissions of the workspace data directory.",
		},
		requiresUserAction: true,
	},
	KindTimeout: {
		message: "the Git operation timed out",
		suggestions: []string{
			"Check the network connection and retry.",
			"Large repositories may need a higher timeout or a shallower clone.",
		},
		retryable: true,
	},
	KindInvalidURL: {
		message: "the repository URL is invalid",
		suggestions: []string{
			"Check the URL format, e.g. https://host/org/repo.git or git@host:org/repo.git.",
		},
		requiresUserAction: true,
	},
	KindGitMissing: {
		message: "git is not installed or not on PATH",
		suggestions: []string{
			"Install Git and make sure the binary is on PATH.",
		},
		requiresUserAction: true,
	},
	KindUnknown: {
		message: "unexpected error",
		suggestions: []string{
			"Inspect the underlying error message.",
		},
	},
}

// New builds a classified error of the given kind with a specific message.
func New(kind Kind, format string, args ...any) *Error {
	info := kinds[kind]
	return &Error{
		Kind:               kind,
		Message:            fmt.Sprintf(format, args...),
		Suggestions:        info.suggestions,
		Retryable:          info.retryable,
		RequiresUserAction: info.requiresUserAction,
		Cause:              nil,
	}
}

// Classify maps an arbitrary failure onto the taxonomy. Already-classified
// errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	kind := KindUnknown

	var cerr *gitexec.CommandError
	switch {
	case errors.As(err, &cerr):
		kind = fromCommandError(cerr)
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case os.IsPermission(err):
		kind = KindPermission
	default:
		kind = fromText(err.Error())
	}

	info := kinds[kind]
	return &Error{
		Kind:               kind,
		Message:            fmt.Sprintf("%s: %v", info.message, err),
		Suggestions:        info.suggestions,
		Retryable:          info.retryable,
		RequiresUserAction: info.requiresUserAction,
		Cause:              err,
	}
}

func fromCommandError(cerr *gitexec.CommandError) Kind {
	switch {
	case cerr.NotInstalled:
		return KindGitMissing
	case cerr.TimedOut:
		return KindTimeout
	}

	switch cerr.Kind {
	case gitexec.KindAuth:
		return KindAuth
	case gitexec.KindNetwork:
		return KindNetwork
	case gitexec.KindBranchNotFound:
		return KindBranch
	case gitexec.KindNotFound:
		return KindRepository
	}

	return fromText(cerr.Stderr)
}

func fromText(s string) Kind {
	s = strings.ToLower(s)
	switch {
	case contains(s, "authentication failed", "could not read username", "access denied", "permission denied (publickey"):
		return KindAuth
	case contains(s, "could not resolve host", "connection refused", "connection timed out", "network is unreachable", "unable to access"):
		return KindNetwork
	case contains(s, "couldn't find remote ref", "unknown revision", "no such branch"):
		return KindBranch
	case contains(s, "repository not found", "not a git repository", "does not appear to be a git repository"):
		return KindRepository
	case contains(s, "conflict", "needs merge", "not a fast-forward", "non-fast-forward"):
		return KindConflict
	case contains(s, "permission denied"):
		return KindPermission
	case contains(s, "timed out", "timeout"):
		return KindTimeout
	case contains(s, "invalid url", "malformed url", "protocol", "invalid repository url"):
		return KindInvalidURL
	case contains(s, "git executable not found", "executable file not found"):
		return KindGitMissing
	}
	return KindUnknown
}

func contains(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

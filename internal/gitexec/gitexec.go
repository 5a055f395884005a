// Package gitexec runs git as a subprocess with credential prompts disabled,
// per-invocation timeouts and bounded output capture. Failures carry the exit
// code and a cheap pre-classification derived from stderr so that callers can
// route errors without re-running anything.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/modrelay/teamsync/internal/logging"
)

// Kind is the best-effort pre-classification attached to command failures.
// The full error taxonomy refines it.
type Kind string

const (
	KindNone           Kind = ""
	KindAuth           Kind = "auth"
	KindNetwork        Kind = "network"
	KindNotFound       Kind = "not-found"
	KindBranchNotFound Kind = "branch-not-found"
)

const (
	defaultTimeout   = 2 * time.Minute
	defaultMaxOutput = 8 << 20 // 8 MiB per stream
)

// Options control a single invocation.
type Options struct {
	Dir            string
	Env            []string // appended to the inherited environment
	Timeout        time.Duration
	MaxOutputBytes int64
}

// Result holds the captured output of a successful invocation.
type Result struct {
	Stdout string
	Stderr string
}

// Runner is the subprocess contract the repository operations are built on.
// Tests substitute a scripted implementation.
type Runner interface {
	Run(ctx context.Context, opts Options, args ...string) (Result, error)
}

// ExecRunner runs the real git binary.
type ExecRunner struct {
	GitPath string
	log     *logging.Logger
}

// NewRunner returns an ExecRunner using "git" from PATH.
func NewRunner(log *logging.Logger) *ExecRunner {
	return &ExecRunner{GitPath: "git", log: log}
}

// nonInteractiveEnv forces git and ssh to fail instead of prompting. A hung
// credential prompt must never block an unattended run.
var nonInteractiveEnv = []string{
	"GIT_TERMINAL_PROMPT=0",
	"GIT_ASKPASS=echo",
	"SSH_ASKPASS=echo",
	"GCM_INTERACTIVE=never",
}

func (r *ExecRunner) Run(ctx context.Context, opts Options, args ...string) (Result, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	maxOutput := opts.MaxOutputBytes
	if maxOutput == 0 {
		maxOutput = defaultMaxOutput
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Disable credential helpers for this invocation only.
	full := append([]string{"-c", "credential.helper="}, args...)

	cmd := exec.CommandContext(ctx, r.GitPath, full...)
	cmd.Dir = opts.Dir
	cmd.Env = append(append(os.Environ(), nonInteractiveEnv...), opts.Env...)

	stdout := &capWriter{max: maxOutput}
	stderr := &capWriter{max: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if r.log.DebugEnabled() {
		r.log.Debugf("git %s (dir=%s)", strings.Join(Redact(args), " "), opts.Dir)
	}

	err := cmd.Run()

	if stdout.overflowed || stderr.overflowed {
		return Result{}, &CommandError{
			Args:    Redact(args),
			Dir:     opts.Dir,
			Message: fmt.Sprintf("output exceeded %d bytes", maxOutput),
		}
	}

	if err != nil {
		cerr := &CommandError{
			Args:     Redact(args),
			Dir:      opts.Dir,
			Stderr:   stderr.String(),
			ExitCode: -1,
		}

		var xerr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			cerr.TimedOut = true
			cerr.Message = fmt.Sprintf("timed out after %s", timeout)
		case errors.As(err, &xerr):
			cerr.ExitCode = xerr.ExitCode()
			cerr.Message = fmt.Sprintf("exit status %d", xerr.ExitCode())
		case errors.Is(err, exec.ErrNotFound):
			cerr.NotInstalled = true
			cerr.Message = "git executable not found"
		default:
			cerr.Message = err.Error()
			if strings.Contains(err.Error(), "executable file not found") {
				cerr.NotInstalled = true
			}
		}

		cerr.Kind = ClassifyStderr(cerr.Stderr)
		return Result{Stdout: stdout.String(), Stderr: stderr.String()}, cerr
	}

	return Result{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// CommandError is the enhanced failure produced by the runner.
type CommandError struct {
	Args         []string
	Dir          string
	ExitCode     int
	Stderr       string
	Message      string
	TimedOut     bool
	NotInstalled bool
	Kind         Kind
}

func (e *CommandError) Error() string {
	head := firstLine(e.Stderr)
	if head == "" {
		head = e.Message
	}
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), head)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var userinfoPattern = regexp.MustCompile(`(://)[^/@\s]+@`)

// Redact strips userinfo from URL-shaped arguments so that command logging
// and error messages never leak embedded credentials.
func Redact(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = userinfoPattern.ReplaceAllString(a, "$1***@")
	}
	return out
}

var stderrPatterns = []struct {
	kind     Kind
	patterns []string
}{
	{KindBranchNotFound, []string{
		"couldn't find remote ref",
		"could not find remote ref",
		"unknown revision or path",
		"not found in upstream",
		"no such branch",
	}},
	{KindNotFound, []string{
		"repository not found",
		"404",
		"does not appear to be a git repository",
		"not a git repository",
	}},
	{KindAuth, []string{
		"authentication failed",
		"could not read username",
		"could not read password",
		"invalid username or password",
		"permission denied (publickey",
		"access denied",
		"403",
		"support for password authentication was removed",
		"terminal prompts disabled",
	}},
	{KindNetwork, []string{
		"could not resolve host",
		"unable to access",
		"connection timed out",
		"connection refused",
		"connection reset",
		"network is unreachable",
		"operation timed out",
		"failed to connect",
		"gnutls_handshake",
		"ssl", // certificate / handshake failures
	}},
}

// ClassifyStderr tags a stderr transcript with a best-effort error kind.
func ClassifyStderr(stderr string) Kind {
	s := strings.ToLower(stderr)
	if s == "" {
		return KindNone
	}
	for _, group := range stderrPatterns {
		for _, p := range group.patterns {
			if strings.Contains(s, p) {
				return group.kind
			}
		}
	}
	return KindNone
}

// capWriter captures up to max bytes and flags overflow instead of growing
// without bound on a runaway subprocess.
type capWriter struct {
	buf        bytes.Buffer
	max        int64
	overflowed bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	if int64(w.buf.Len())+int64(len(p)) > w.max {
		w.overflowed = true
		remain := w.max - int64(w.buf.Len())
		if remain > 0 {
			w.buf.Write(p[:remain])
		}
		return len(p), nil
	}
	return w.buf.Write(p)
}

func (w *capWriter) String() string {
	return strings.TrimRight(w.buf.String(), "\n")
}

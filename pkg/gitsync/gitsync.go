package gitsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/modrelay/teamsync/internal/config"
	"github.com/modrelay/teamsync/internal/events"
	"github.com/modrelay/teamsync/internal/gitauth"
	"github.com/modrelay/teamsync/internal/gitexec"
	"github.com/modrelay/teamsync/internal/gitops"
	"github.com/modrelay/teamsync/internal/gitsync"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/merge"
	"github.com/modrelay/teamsync/internal/store"
	pkgsync "github.com/modrelay/teamsync/pkg/sync"
)

// SecretProvider is the credential lookup contract. See the sync package for
// the supported credential shapes.
type SecretProvider = pkgsync.SecretProvider

// EventSink receives phase-by-phase progress while a cycle runs.
type EventSink = pkgsync.EventSink

// Option customizes a synchronizer built by NewFromWorkspaceConfig.
type Option func(*synchronizer)

// WithEventSink forwards progress events to sink during Execute.
func WithEventSink(sink EventSink) Option {
	return func(s *synchronizer) { s.sink = sink }
}

// Status is a snapshot of the last completed cycle.
type Status struct {
	State                    string
	LocalCommit              string
	RemoteCommit             string
	Ahead                    int
	Behind                   int
	LastError                string
	RequiresManualResolution bool
}

// Synchronizer keeps one workspace in step with its repository.
//
// The synchronizer is not thread-safe. Callers should handle concurrency.
type Synchronizer interface {
	// Execute performs one full synchronization cycle: clone if needed,
	// commit and push local edits, pull and merge remote changes.
	Execute(ctx context.Context) error

	// Status reports the outcome of the most recent Execute call.
	Status() Status

	// Close releases any resources held by the synchronizer.
	Close(ctx context.Context)
}

// NewFromWorkspaceConfig creates a Synchronizer from a workspace
// configuration map. This is the recommended constructor for applications
// embedding the sync engine.
//
// stateDir is the directory holding both the local document store and the
// git working copies. The wsConfig map supports the following fields:
//
//   - "repo" (string, required): repository URL (https or ssh)
//   - "branch" (string, optional): branch to sync, remote default otherwise
//   - "config_path" (string, optional): path of the configuration directory
//     inside the repository, ".modrelay" by default
//   - "name" (string, optional): display name, derived from the URL otherwise
//   - "credential" (string, optional): name of the credential to fetch from
//     the provider
//   - "auto_resolve" (bool, optional): rebase diverged history automatically
//
// The provider is required when a credential name is configured; it is asked
// for the credential once per cycle so rotated tokens are picked up.
func NewFromWorkspaceConfig(stateDir string, wsConfig map[string]any, provider SecretProvider, options ...Option) (Synchronizer, error) {
	repo, ok := wsConfig["repo"].(string)
	if !ok || repo == "" {
		return nil, errors.New("workspace config: 'repo' field is required")
	}

	ws := &config.Workspace{
		Kind:       config.KindGit,
		Repo:       repo,
		ConfigPath: ".modrelay",
	}
	ws.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(repo)).String()
	ws.Name = ws.ID

	if name, ok := wsConfig["name"].(string); ok && name != "" {
		ws.Name = name
	}
	if branch, ok := wsConfig["branch"].(string); ok && branch != "" {
		ws.Branch = branch
	}
	if path, ok := wsConfig["config_path"].(string); ok && path != "" {
		ws.ConfigPath = path
	}

	opts := &config.Sync{}
	opts.ApplyDefaults()
	if auto, ok := wsConfig["auto_resolve"].(bool); ok {
		opts.AutoResolve = auto
	}

	credName, _ := wsConfig["credential"].(string)
	if credName != "" && provider == nil {
		return nil, fmt.Errorf("workspace config: credential %q requires a secret provider", credName)
	}

	log := logging.NewLogger(logging.Config{Level: "warn"})
	st := store.New(stateDir, log)
	runner := gitexec.NewRunner(log)
	auth := gitauth.NewProvider(log)
	repos := gitops.New(runner, auth, log)

	inner := gitsync.NewSynchronizer(
		repos,
		st,
		merge.New(st, log),
		gitsync.NewStatusResolver(repos, log),
		gitsync.NewConflictResolver(repos, runner, opts.AutoResolve, log),
		log,
	)

	s := &synchronizer{
		inner:    inner,
		ws:       ws,
		opts:     opts,
		provider: provider,
		credName: credName,
	}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

type synchronizer struct {
	inner    *gitsync.Synchronizer
	ws       *config.Workspace
	opts     *config.Sync
	provider SecretProvider
	credName string
	sink     EventSink
	last     Status
}

// sinkReporter adapts the internal event stream to the public EventSink.
type sinkReporter struct {
	sink      EventSink
	workspace string
}

func (r sinkReporter) Report(phase string, status events.Status, detail string) {
	r.sink.SyncEvent(r.workspace, phase, string(status), detail)
}

func (s *synchronizer) Execute(ctx context.Context) error {
	if s.credName != "" {
		value, err := s.provider.GetSecret(ctx, s.credName)
		if err != nil {
			return fmt.Errorf("fetching credential %q: %w", s.credName, err)
		}
		s.ws.Credentials = config.NewSecretRef(&config.Secret{Name: s.credName, Value: value})
	}

	var rep events.Reporter = events.NopReporter{}
	if s.sink != nil {
		rep = sinkReporter{sink: s.sink, workspace: s.ws.Name}
	}

	state, err := s.inner.Sync(ctx, s.ws, s.opts, rep)
	if state != nil {
		s.last = Status{
			State:                    string(state.Status),
			LocalCommit:              state.LocalCommit,
			RemoteCommit:             state.RemoteCommit,
			Ahead:                    state.AheadCount,
			Behind:                   state.BehindCount,
			LastError:                state.LastError,
			RequiresManualResolution: state.RequiresManualResolution,
		}
	}
	return err
}

func (s *synchronizer) Status() Status {
	return s.last
}

func (s *synchronizer) Close(context.Context) {
	// Auth sessions are scoped to individual git invocations and cleaned up
	// there; no resources outlive Execute.
}

package gitsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/modrelay/teamsync/internal/config"
	"github.com/modrelay/teamsync/internal/events"
	"github.com/modrelay/teamsync/internal/gitops"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/merge"
	"github.com/modrelay/teamsync/internal/metrics"
	"github.com/modrelay/teamsync/internal/model"
	"github.com/modrelay/teamsync/internal/store"
	"github.com/modrelay/teamsync/internal/syncerr"
)

const commitMessage = "Update team configuration"

// Synchronizer runs one complete sync cycle for a workspace. It is safe for
// concurrent use across different workspaces; the scheduler guarantees that a
// single workspace is never synced by two goroutines at once.
type Synchronizer struct {
	repos     *gitops.Repos
	store     *store.Store
	merger    *merge.Merger
	status    *StatusResolver
	conflicts *ConflictResolver
	log       *logging.Logger
}

func NewSynchronizer(repos *gitops.Repos, st *store.Store, merger *merge.Merger, status *StatusResolver, conflicts *ConflictResolver, log *logging.Logger) *Synchronizer {
	return &Synchronizer{
		repos:     repos,
		store:     st,
		merger:    merger,
		status:    status,
		conflicts: conflicts,
		log:       log,
	}
}

// Sync performs a full cycle: ensure the clone exists, commit local edits,
// classify divergence, pull or push or resolve, and fold the pulled snapshot
// into the local store. The resulting state is persisted in every outcome,
// including failures, so the next cycle and the UI see what happened.
func (s *Synchronizer) Sync(ctx context.Context, ws *config.Workspace, opts *config.Sync, rep events.Reporter) (*model.SyncState, error) {
	if rep == nil {
		rep = events.NopReporter{}
	}
	start := time.Now()

	state, err := s.sync(ctx, ws, opts, rep, start)
	if err != nil {
		serr := syncerr.Classify(err)
		if state == nil {
			state = &model.SyncState{LastSync: start}
		}
		state.Status = model.StatusError
		state.LastError = serr.Error()
		state.RequiresManualResolution = serr.RequiresUserAction
		if serr.Kind == syncerr.KindConflict {
			state.Status = model.StatusConflict
		}
		metrics.SyncFailed(ws.Name, string(serr.Kind))
		rep.Report("sync", events.StatusError, serr.Error())
		if perr := s.store.SaveSyncState(ws.ID, state); perr != nil {
			s.log.Errorf("persisting sync state for %s: %v", ws.Name, perr)
		}
		return state, serr
	}

	metrics.SyncSucceeded(ws.Name, start)
	rep.Report("sync", events.StatusSuccess, string(state.Status))
	if perr := s.store.SaveSyncState(ws.ID, state); perr != nil {
		s.log.Errorf("persisting sync state for %s: %v", ws.Name, perr)
	}
	return state, nil
}

func (s *Synchronizer) sync(ctx context.Context, ws *config.Workspace, opts *config.Sync, rep events.Reporter, start time.Time) (*model.SyncState, error) {
	var cred any
	if ws.Credentials != nil {
		var err error
		cred, err = ws.Credentials.Resolve(ctx)
		if err != nil {
			return nil, syncerr.New(syncerr.KindAuth, "resolving credentials for %s: %v", ws.Name, err)
		}
	}

	dir := s.store.RepoDir(ws.ID)
	branch := ws.Branch

	if !s.repos.IsRepository(ctx, dir) {
		rep.Report("clone", events.StatusRunning, ws.Repo)
		cloned, err := s.repos.Clone(ctx, ws.Repo, dir, cred, gitops.CloneOptions{
			Branch:      branch,
			Depth:       opts.CloneDepth,
			SparsePaths: []string{ws.ConfigPath},
		})
		if err != nil {
			return nil, err
		}
		if branch == "" {
			branch = cloned
		}
		rep.Report("clone", events.StatusSuccess, branch)
	} else if branch == "" {
		var err error
		branch, err = s.repos.CurrentBranch(ctx, dir)
		if err != nil {
			return nil, err
		}
	}

	if err := s.exportLocal(ws, dir); err != nil {
		return nil, fmt.Errorf("writing local documents to the work tree: %w", err)
	}
	committed, err := s.repos.CommitAll(ctx, dir, commitMessage)
	if err != nil {
		return nil, err
	}
	if committed {
		rep.Report("commit", events.StatusSuccess, commitMessage)
	}

	rep.Report("status", events.StatusRunning, "")
	state := s.status.Resolve(ctx, dir, ws.Repo, branch, cred)
	rep.Report("status", events.StatusSuccess, string(state.Status))

	switch state.Status {
	case model.StatusUpToDate:
		// Nothing to transfer.

	case model.StatusNeedsPull:
		rep.Report("pull", events.StatusRunning, "")
		res, err := s.repos.Pull(ctx, dir, ws.Repo, branch, cred)
		if err != nil {
			return state, err
		}
		rep.Report("pull", events.StatusSuccess, fmt.Sprintf("%d commits", res.UpdatedCommits))
		if err := s.mergeSnapshot(ws, dir, rep); err != nil {
			return state, err
		}

	case model.StatusNeedsPush:
		rep.Report("push", events.StatusRunning, "")
		res, err := s.repos.Push(ctx, dir, ws.Repo, branch, cred, gitops.PushOptions{})
		if err != nil {
			return state, err
		}
		if res.FirstPush {
			rep.Report("push", events.StatusSuccess, "created remote branch")
		} else {
			rep.Report("push", events.StatusSuccess, "")
		}

	case model.StatusConflict:
		rep.Report("conflict", events.StatusRunning, "")
		res, err := s.conflicts.Resolve(ctx, dir, ws.Repo, branch, ws.ConfigPath, cred)
		if err != nil {
			state.RequiresManualResolution = true
			return state, err
		}
		if res.Manual {
			state.RequiresManualResolution = true
			rep.Report("conflict", events.StatusWarning, res.Detail)
			return s.finalize(ctx, dir, branch, state, start), nil
		}
		rep.Report("conflict", events.StatusSuccess, res.Detail)
		if err := s.mergeSnapshot(ws, dir, rep); err != nil {
			return state, err
		}

	case model.StatusError:
		return state, syncerr.New(syncerr.KindUnknown, "%s", state.LastError)
	}

	return s.finalize(ctx, dir, branch, state, start), nil
}

// finalize refreshes the commit pointers after whatever transfer took place
// and settles the final status.
func (s *Synchronizer) finalize(ctx context.Context, dir, branch string, state *model.SyncState, start time.Time) *model.SyncState {
	if local, err := s.repos.RevParse(ctx, dir, "HEAD"); err == nil {
		state.LocalCommit = local
	}
	if remote, err := s.repos.RevParse(ctx, dir, "origin/"+branch); err == nil {
		state.RemoteCommit = remote
	}
	if !state.RequiresManualResolution && state.Status != model.StatusError {
		if state.LocalCommit == state.RemoteCommit {
			state.Status = model.StatusUpToDate
			state.AheadCount, state.BehindCount = 0, 0
		}
	}
	state.LastSync = start
	return state
}

func (s *Synchronizer) mergeSnapshot(ws *config.Workspace, dir string, rep events.Reporter) error {
	snapshot, err := readSnapshot(filepath.Join(dir, ws.ConfigPath))
	if err != nil {
		return fmt.Errorf("reading the pulled snapshot: %w", err)
	}

	rep.Report("merge", events.StatusRunning, "")
	out, err := s.merger.Merge(ws.ID, snapshot, rep)
	if err != nil {
		return fmt.Errorf("merging the pulled snapshot: %w", err)
	}
	for _, warning := range out.Warnings {
		s.log.Warnf("%s: %s", ws.Name, warning)
	}
	rep.Report("merge", events.StatusSuccess,
		fmt.Sprintf("%d sources, %d proxy rules", out.SourcesMerged, out.ProxyRulesReplaced))
	return nil
}

// exportLocal writes the shareable portion of the local documents into the
// work tree. Source runtime state and secret values never leave the machine.
func (s *Synchronizer) exportLocal(ws *config.Workspace, dir string) error {
	target := filepath.Join(dir, ws.ConfigPath)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	var sources []model.Source
	if err := s.readLocal(ws.ID, model.FileSources, &sources); err != nil {
		return err
	}
	for i := range sources {
		sources[i].Content = ""
		sources[i].LastRefreshed = nil
		sources[i].NextRefresh = nil
		sources[i].Active = false
	}
	if err := writeJSON(filepath.Join(target, model.FileSources), sources); err != nil {
		return err
	}

	var rules map[string][]model.Rule
	if err := s.readLocal(ws.ID, model.FileRules, &rules); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(target, model.FileRules), rules); err != nil {
		return err
	}

	var proxyRules []model.ProxyRule
	if err := s.readLocal(ws.ID, model.FileProxyRules, &proxyRules); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(target, model.FileProxyRules), proxyRules); err != nil {
		return err
	}

	var schema model.EnvironmentSchema
	if err := s.readLocal(ws.ID, model.FileSchema, &schema); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(target, model.FileSchema), schema); err != nil {
		return err
	}

	var envs model.Environments
	if err := s.readLocal(ws.ID, model.FileEnvironments, &envs); err != nil {
		return err
	}
	shared := model.Environments{Environments: make(map[string]map[string]model.EnvVar, len(envs.Environments))}
	for env, vars := range envs.Environments {
		shared.Environments[env] = make(map[string]model.EnvVar, len(vars))
		for name, v := range vars {
			if v.IsSecret {
				v.Value = ""
			}
			shared.Environments[env][name] = v
		}
	}
	return writeJSON(filepath.Join(target, model.FileEnvironments), shared)
}

// readLocal loads a local document, treating a missing file as empty.
func (s *Synchronizer) readLocal(workspaceID, name string, v any) error {
	err := s.store.ReadDocument(workspaceID, name, v)
	if errors.Is(err, store.ErrNotExist) {
		return nil
	}
	return err
}

// readSnapshot loads the configuration documents from a checked-out tree.
// Missing files are tolerated so partially populated repositories sync.
func readSnapshot(dir string) (*model.ConfigDocument, error) {
	doc := &model.ConfigDocument{}

	if err := readJSON(filepath.Join(dir, model.FileSources), &doc.Sources); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, model.FileRules), &doc.Rules); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, model.FileProxyRules), &doc.ProxyRules); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, model.FileSchema), &doc.Schema); err != nil {
		return nil, err
	}
	if err := readJSON(filepath.Join(dir, model.FileEnvironments), &doc.Environments); err != nil {
		return nil, err
	}
	return doc, nil
}

func readJSON(path string, v any) error {
	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bs, v); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(bs, '\n'), 0o644)
}

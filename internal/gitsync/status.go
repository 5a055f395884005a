// Package gitsync orchestrates a full synchronization cycle for one
// workspace: commit local edits, classify the divergence against the remote
// branch, pull or push or resolve, and merge the pulled snapshot into the
// local document store.
package gitsync

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/modrelay/teamsync/internal/gitops"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/model"
	"github.com/modrelay/teamsync/internal/syncerr"
)

// StatusResolver classifies how the local branch relates to its remote
// counterpart. It reports problems through the returned state rather than an
// error so a failed classification still produces a persistable status.
type StatusResolver struct {
	repos *gitops.Repos
	log   *logging.Logger
	now   func() time.Time
}

func NewStatusResolver(repos *gitops.Repos, log *logging.Logger) *StatusResolver {
	return &StatusResolver{repos: repos, log: log, now: time.Now}
}

// Resolve fetches the remote branch and classifies the divergence using the
// merge base of the two heads. Fetch failures caused by a branch that does
// not exist yet are retried briefly, since a freshly pushed branch can lag
// behind on replicated servers.
func (r *StatusResolver) Resolve(ctx context.Context, dir, url, branch string, cred any) *model.SyncState {
	state := &model.SyncState{LastSync: r.now()}

	if err := r.fetchWithRetry(ctx, dir, url, branch, cred); err != nil {
		serr := syncerr.Classify(err)
		if serr.Kind == syncerr.KindBranch {
			// No remote branch at all means everything local is unpushed.
			return r.localOnly(ctx, dir, state)
		}
		state.Status = model.StatusError
		state.LastError = serr.Error()
		return state
	}

	local, err := r.repos.RevParse(ctx, dir, "HEAD")
	if err != nil {
		state.Status = model.StatusError
		state.LastError = syncerr.Classify(err).Error()
		return state
	}
	state.LocalCommit = local

	remote, err := r.repos.RevParse(ctx, dir, "origin/"+branch)
	if err != nil {
		if isUnknownRevision(err) {
			return r.localOnly(ctx, dir, state)
		}
		state.Status = model.StatusError
		state.LastError = syncerr.Classify(err).Error()
		return state
	}
	state.RemoteCommit = remote

	if local == remote {
		state.Status = model.StatusUpToDate
		return state
	}

	base, err := r.repos.MergeBase(ctx, dir, local, remote)
	if err != nil {
		state.Status = model.StatusError
		state.LastError = syncerr.Classify(err).Error()
		return state
	}

	state.AheadCount, _ = r.repos.CountRange(ctx, dir, "origin/"+branch+"..HEAD")
	state.BehindCount, _ = r.repos.CountRange(ctx, dir, "HEAD..origin/"+branch)

	switch base {
	case local:
		state.Status = model.StatusNeedsPull
	case remote:
		state.Status = model.StatusNeedsPush
	default:
		state.Status = model.StatusConflict
	}
	return state
}

// localOnly fills in a NEEDS_PUSH state for a branch with no remote
// counterpart yet.
func (r *StatusResolver) localOnly(ctx context.Context, dir string, state *model.SyncState) *model.SyncState {
	local, err := r.repos.RevParse(ctx, dir, "HEAD")
	if err != nil {
		state.Status = model.StatusError
		state.LastError = syncerr.Classify(err).Error()
		return state
	}
	state.LocalCommit = local
	state.Status = model.StatusNeedsPush
	return state
}

func (r *StatusResolver) fetchWithRetry(ctx context.Context, dir, url, branch string, cred any) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(3*time.Second),
	), 2), ctx)

	return backoff.Retry(func() error {
		err := r.repos.Fetch(ctx, dir, url, branch, cred)
		if err == nil {
			return nil
		}
		if syncerr.Classify(err).Kind == syncerr.KindBranch {
			// Retry: a branch pushed moments ago may not have propagated.
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func isUnknownRevision(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown revision")
}

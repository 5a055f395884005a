// Package scheduler drives periodic synchronization across workspaces. Each
// auto-syncing workspace is a task in a deadline pool; manual workspaces sync
// only on request. A per-workspace in-flight flag keeps cycles from
// overlapping, a semaphore bounds how many repositories sync at once, and an
// application-reported offline flag parks scheduled cycles until
// connectivity returns.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/modrelay/teamsync/internal/config"
	"github.com/modrelay/teamsync/internal/events"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/model"
	"github.com/modrelay/teamsync/internal/pool"
	"github.com/modrelay/teamsync/internal/probe"
	"github.com/modrelay/teamsync/internal/store"
)

const (
	workers       = 4
	maxConcurrent = 4

	// stabilizeDelay gives a freshly restored network connection time to
	// settle before every workspace piles on.
	stabilizeDelay = 10 * time.Second

	maintenanceTask     = "maintenance"
	maintenanceInterval = 24 * time.Hour
)

// Syncer runs one cycle for one workspace. Satisfied by the git
// synchronizer.
type Syncer interface {
	Sync(ctx context.Context, ws *config.Workspace, opts *config.Sync, rep events.Reporter) (*model.SyncState, error)
}

type Scheduler struct {
	pool   *pool.Pool
	syncer Syncer
	store  *store.Store
	prober *probe.Prober
	opts   *config.Sync
	log    *logging.Logger
	sem    *semaphore.Weighted
	rep    events.Reporter

	started time.Time

	mu           sync.Mutex
	workspaces   map[string]*config.Workspace
	inFlight     map[string]bool
	lastOK       map[string]time.Time
	active       string
	offline      bool
	offlineSince time.Time
}

func New(syncer Syncer, st *store.Store, prober *probe.Prober, opts *config.Sync, rep events.Reporter, log *logging.Logger) *Scheduler {
	if rep == nil {
		rep = events.NopReporter{}
	}
	s := &Scheduler{
		pool:       pool.New(workers),
		syncer:     syncer,
		store:      st,
		prober:     prober,
		opts:       opts,
		log:        log,
		sem:        semaphore.NewWeighted(maxConcurrent),
		rep:        rep,
		started:    time.Now(),
		workspaces: make(map[string]*config.Workspace),
		inFlight:   make(map[string]bool),
		lastOK:     make(map[string]time.Time),
	}

	s.pool.Add(maintenanceTask, s.maintain)
	return s
}

// Add registers a workspace. Auto-syncing git workspaces are scheduled for
// an immediate first cycle; everything else only syncs on request.
func (s *Scheduler) Add(ws *config.Workspace) {
	s.mu.Lock()
	prev := s.workspaces[ws.Name]
	s.workspaces[ws.Name] = ws
	s.mu.Unlock()

	if !ws.Syncable() {
		return
	}
	if prev != nil && prev.Equal(ws) {
		return
	}
	if ws.AutoSync {
		name := ws.Name
		s.pool.Add("workspace/"+name, func(ctx context.Context) time.Time {
			return s.run(ctx, name)
		})
	}
}

// Remove drops a workspace from scheduling. The local store is untouched.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	delete(s.workspaces, name)
	delete(s.lastOK, name)
	if s.active == name {
		s.active = ""
	}
	s.mu.Unlock()

	s.pool.Remove("workspace/" + name)
}

// SyncNow runs a synchronous cycle for the named workspace. It refuses to
// start while another cycle for the same workspace is in flight.
func (s *Scheduler) SyncNow(ctx context.Context, name string) (*model.SyncState, error) {
	s.mu.Lock()
	ws, ok := s.workspaces[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("no workspace named %s", name)
	}
	if !ws.Syncable() {
		s.mu.Unlock()
		return nil, fmt.Errorf("workspace %s is not backed by a repository", name)
	}
	if s.inFlight[name] {
		s.mu.Unlock()
		return nil, fmt.Errorf("a sync for %s is already in progress", name)
	}
	s.inFlight[name] = true
	s.mu.Unlock()

	defer s.clearInFlight(name)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	state, err := s.syncer.Sync(ctx, ws, s.opts, s.rep)
	if err == nil {
		s.mu.Lock()
		s.lastOK[name] = time.Now()
		s.mu.Unlock()
	}
	return state, err
}

// Activate marks the named workspace as the one the user switched to. The
// previous active workspace's timer is stopped before the new one starts, so
// at most one workspace syncs on a schedule after a switch, and an immediate
// cycle freshens the new workspace's view.
func (s *Scheduler) Activate(name string) error {
	s.mu.Lock()
	ws, ok := s.workspaces[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no workspace named %s", name)
	}
	prev := s.active
	prevWS := s.workspaces[prev]
	s.active = name
	s.mu.Unlock()

	if prev != "" && prev != name && prevWS != nil && prevWS.AutoSync {
		s.pool.Remove("workspace/" + prev)
	}

	if !ws.Syncable() {
		return nil
	}

	if ws.AutoSync {
		if err := s.pool.Trigger("workspace/" + name); err == nil {
			return nil
		}
		// The timer was stopped by an earlier switch away; restart it.
		s.pool.Add("workspace/"+name, func(ctx context.Context) time.Time {
			return s.run(ctx, name)
		})
		return nil
	}

	go func() {
		if _, err := s.SyncNow(context.Background(), name); err != nil {
			s.log.Warnf("activation sync for %s: %v", name, err)
		}
	}()
	return nil
}

// NetworkLost records that the embedding application reports no
// connectivity. Scheduled cycles are skipped while the flag is set; after a
// long enough stretch offline each cycle probes the host and resumes when it
// answers, in case the flag went stale.
func (s *Scheduler) NetworkLost() {
	s.mu.Lock()
	if !s.offline {
		s.offline = true
		s.offlineSince = time.Now()
	}
	s.mu.Unlock()
}

// NetworkRestored reacts to the connection coming back: after a short
// stabilization delay every auto-syncing workspace is re-triggered, but only
// once its host actually answers a probe again.
func (s *Scheduler) NetworkRestored() {
	s.mu.Lock()
	s.offline = false
	s.mu.Unlock()

	go func() {
		time.Sleep(stabilizeDelay)

		s.mu.Lock()
		names := make([]string, 0, len(s.workspaces))
		repos := make(map[string]string, len(s.workspaces))
		for name, ws := range s.workspaces {
			if ws.Syncable() && ws.AutoSync {
				names = append(names, name)
				repos[name] = ws.Repo
			}
		}
		s.mu.Unlock()

		for _, name := range names {
			if !s.prober.Reachable(context.Background(), repos[name]) {
				s.log.Debugf("skipping restore trigger for %s: still unreachable", name)
				continue
			}
			if err := s.pool.Trigger("workspace/" + name); err != nil {
				s.log.Debugf("restore trigger for %s: %v", name, err)
			}
		}
	}()
}

// Shutdown stops all timers and waits at most the configured grace period
// for in-flight cycles to finish. Running syncs keep their context for the
// whole grace period; only after it expires are they cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	grace := time.Duration(s.opts.ShutdownGrace)
	dctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := s.pool.Drain(dctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("shutdown timed out after %s with syncs still running", grace)
		}
		return err
	}
	return nil
}

// run is the pool task body for one workspace. The returned time is the next
// deadline; the zero time unschedules the workspace.
func (s *Scheduler) run(ctx context.Context, name string) time.Time {
	s.mu.Lock()
	ws, ok := s.workspaces[name]
	if !ok || !ws.Syncable() || !ws.AutoSync {
		s.mu.Unlock()
		return time.Time{}
	}
	if s.inFlight[name] {
		// A requested sync is already running; fall back to the regular
		// cadence instead of stacking another cycle behind it.
		s.mu.Unlock()
		return time.Now().Add(time.Duration(s.opts.Interval))
	}
	s.inFlight[name] = true
	last := s.lastOK[name]
	offline, since := s.offline, s.offlineSince
	s.mu.Unlock()

	defer s.clearInFlight(name)

	probeAfter := time.Duration(s.opts.OfflineProbeAfter)

	if offline {
		// No connectivity per the application. Skip the cycle, except
		// that after probeAfter offline the flag may be stale, so check
		// the host directly and resume when it answers.
		if time.Since(since) <= probeAfter || !s.prober.Reachable(ctx, ws.Repo) {
			s.log.Debugf("%s: offline, deferring sync", name)
			return time.Now().Add(time.Duration(s.opts.ErrorInterval))
		}
		s.mu.Lock()
		s.offline = false
		s.mu.Unlock()
	}

	// After a long stretch without a successful sync, check reachability
	// before paying for a doomed git invocation. Workspaces that have
	// never succeeded count from scheduler start.
	if last.IsZero() {
		last = s.started
	}
	if time.Since(last) > probeAfter {
		if !s.prober.Reachable(ctx, ws.Repo) {
			s.log.Debugf("%s: host unreachable, deferring sync", name)
			return time.Now().Add(time.Duration(s.opts.ErrorInterval))
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return time.Now().Add(time.Duration(s.opts.ErrorInterval))
	}
	defer s.sem.Release(1)

	if _, err := s.syncer.Sync(ctx, ws, s.opts, s.rep); err != nil {
		return time.Now().Add(time.Duration(s.opts.ErrorInterval))
	}

	s.mu.Lock()
	s.lastOK[name] = time.Now()
	s.mu.Unlock()
	return time.Now().Add(time.Duration(s.opts.Interval))
}

func (s *Scheduler) clearInFlight(name string) {
	s.mu.Lock()
	delete(s.inFlight, name)
	s.mu.Unlock()
}

// maintain prunes working copies that have not been touched within the
// retention window.
func (s *Scheduler) maintain(context.Context) time.Time {
	removed, err := s.store.CleanWorkingCopies(time.Duration(s.opts.RetentionAge))
	if err != nil {
		s.log.Warnf("working copy cleanup: %v", err)
	}
	for _, id := range removed {
		s.log.Infof("removed stale working copy for workspace %s", id)
	}
	return time.Now().Add(maintenanceInterval)
}

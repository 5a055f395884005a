package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/modrelay/teamsync/internal/config"
	"github.com/modrelay/teamsync/internal/events"
	"github.com/modrelay/teamsync/internal/gitauth"
	"github.com/modrelay/teamsync/internal/gitexec"
	"github.com/modrelay/teamsync/internal/gitops"
	"github.com/modrelay/teamsync/internal/gitsync"
	"github.com/modrelay/teamsync/internal/logging"
	"github.com/modrelay/teamsync/internal/merge"
	"github.com/modrelay/teamsync/internal/probe"
	"github.com/modrelay/teamsync/internal/scheduler"
	"github.com/modrelay/teamsync/internal/store"
)

// engine bundles the wired components behind the commands.
type engine struct {
	root   *config.Root
	log    *logging.Logger
	store  *store.Store
	runner gitexec.Runner
	repos  *gitops.Repos
	syncer *gitsync.Synchronizer
	prober *probe.Prober
}

func loadEngine() (*engine, error) {
	bs, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}

	root, err := config.Parse(bs)
	if err != nil {
		return nil, err
	}

	log := logging.NewLogger(loggingConfig(root))

	stateDir := root.Sync.PersistenceDir
	if stateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		stateDir = filepath.Join(home, ".modrelay", "teamsync")
	}

	st := store.New(stateDir, log)
	runner := gitexec.NewRunner(log)
	repos := gitops.New(runner, gitauth.NewProvider(log), log)

	syncer := gitsync.NewSynchronizer(
		repos,
		st,
		merge.New(st, log),
		gitsync.NewStatusResolver(repos, log),
		gitsync.NewConflictResolver(repos, runner, root.Sync.AutoResolve, log),
		log,
	)

	return &engine{
		root:   root,
		log:    log,
		store:  st,
		runner: runner,
		repos:  repos,
		syncer: syncer,
		prober: probe.New(time.Duration(root.Sync.ProbeCacheTTL), log),
	}, nil
}

func (e *engine) newScheduler(rep events.Reporter) *scheduler.Scheduler {
	sched := scheduler.New(e.syncer, e.store, e.prober, e.root.Sync, rep, e.log)
	for _, ws := range e.root.Workspaces {
		sched.Add(ws)
	}
	return sched
}

// loggingConfig merges the config file's logging section with the command
// line flags; flags win when set explicitly.
func loggingConfig(root *config.Root) logging.Config {
	c := logging.Config{Level: logLevel, Format: logFormat}
	if root.Logging != nil {
		if root.Logging.Level != "" && !rootCmd.PersistentFlags().Changed("log-level") {
			c.Level = root.Logging.Level
		}
		if root.Logging.Format != "" && !rootCmd.PersistentFlags().Changed("log-format") {
			c.Format = root.Logging.Format
		}
	}
	return c
}

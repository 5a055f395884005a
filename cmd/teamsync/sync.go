package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/modrelay/teamsync/internal/config"
	"github.com/modrelay/teamsync/internal/events"
	"github.com/modrelay/teamsync/internal/model"
	"github.com/modrelay/teamsync/internal/progress"
)

var syncCmd = &cobra.Command{
	Use:   "sync [workspace...]",
	Short: "Sync one or more workspaces once",
	Long: `Run a single synchronization cycle.

Without arguments every git-backed workspace in the configuration is synced
once, in name order. With arguments only the named workspaces are synced.

Examples:
  teamsync sync
  teamsync sync platform-team mobile-team`,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}

	targets, err := selectWorkspaces(eng.root, args)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stderr, "No git-backed workspaces configured.")
		return nil
	}

	bar := progress.New(len(targets), "Syncing workspaces", quiet)
	defer bar.Finish()

	var failed int
	for _, ws := range targets {
		bar.Describe("Syncing " + ws.Name)

		recorder := events.NewRecorder()
		state, err := eng.syncer.Sync(cmd.Context(), ws, eng.root.Sync, events.Multi(recorder, events.LogReporter{Log: eng.log}))
		bar.Add(1)

		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", ws.Name, err)
			continue
		}
		printOutcome(ws.Name, state, recorder.Events())
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d workspaces failed to sync", failed, len(targets))
	}
	return nil
}

func selectWorkspaces(root *config.Root, names []string) ([]*config.Workspace, error) {
	var targets []*config.Workspace

	if len(names) == 0 {
		for _, ws := range root.Workspaces {
			if ws.Syncable() {
				targets = append(targets, ws)
			}
		}
		sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })
		return targets, nil
	}

	for _, name := range names {
		ws, ok := root.Workspaces[name]
		if !ok {
			return nil, fmt.Errorf("no workspace named %s", name)
		}
		if !ws.Syncable() {
			return nil, fmt.Errorf("workspace %s is not backed by a repository", name)
		}
		targets = append(targets, ws)
	}
	return targets, nil
}

func printOutcome(name string, state *model.SyncState, evs []events.Event) {
	if quiet {
		return
	}
	fmt.Fprintf(os.Stdout, "%s: %s\n", name, state.Status)
	for _, e := range events.Summarize(evs) {
		if e.Phase == "sync" || e.Detail == "" {
			continue
		}
		fmt.Fprintf(os.Stdout, "  %s: %s\n", e.Phase, e.Detail)
	}
	if state.RequiresManualResolution {
		fmt.Fprintln(os.Stdout, "  Manual conflict resolution required.")
	}
}

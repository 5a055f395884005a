package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded sync state of every workspace",
	Long: `Show the persisted outcome of the last sync cycle per workspace.

The state is read from disk; no repository is contacted.

Examples:
  teamsync status`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(eng.root.Workspaces))
	for name, ws := range eng.root.Workspaces {
		if ws.Syncable() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Fprintln(os.Stderr, "No git-backed workspaces configured.")
		return nil
	}

	table := tablewriter.NewTable(os.Stdout)
	table.Header("Workspace", "Status", "Ahead", "Behind", "Last Sync", "Error")

	for _, name := range names {
		ws := eng.root.Workspaces[name]
		state, err := eng.store.LoadSyncState(ws.ID)
		if err != nil {
			return fmt.Errorf("loading state for %s: %w", name, err)
		}
		if state.Status == "" {
			table.Append(name, "never synced", "", "", "", "")
			continue
		}

		last := ""
		if !state.LastSync.IsZero() {
			last = state.LastSync.Local().Format(time.DateTime)
		}
		status := string(state.Status)
		if state.RequiresManualResolution {
			status += " (manual)"
		}
		table.Append(name, status, fmt.Sprint(state.AheadCount), fmt.Sprint(state.BehindCount), last, state.LastError)
	}

	return table.Render()
}

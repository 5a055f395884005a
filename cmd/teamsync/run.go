package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/modrelay/teamsync/internal/events"
)

var metricsAddr string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync scheduler for all auto-syncing workspaces",
	Long: `Run the scheduler until interrupted.

Every git-backed workspace with auto_sync enabled is synced on its configured
interval. Failed cycles retry on the error interval, and workspaces that have
been unreachable for a while are probed cheaply before another git invocation
is attempted.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func runRun(cmd *cobra.Command, args []string) error {
	eng, err := loadEngine()
	if err != nil {
		return err
	}

	sched := eng.newScheduler(events.LogReporter{Log: eng.log})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			eng.log.Infof("serving metrics on %s", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				eng.log.Errorf("metrics server: %v", err)
			}
		}()
	}

	n := 0
	for _, ws := range eng.root.Workspaces {
		if ws.Syncable() && ws.AutoSync {
			n++
		}
	}
	eng.log.Infof("scheduler started with %d auto-syncing workspaces", n)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	eng.log.Infof("shutting down")
	return sched.Shutdown(context.Background())
}

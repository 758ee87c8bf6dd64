package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/notecove/storage/pkg/deletion"
	"github.com/notecove/storage/pkg/log"
	"github.com/notecove/storage/pkg/metrics"
	"github.com/notecove/storage/pkg/sync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage engine daemon: LogSync, deletion propagation, metrics and health endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		eng, err := bootstrapEngine(cmd)
		if err != nil {
			return err
		}
		defer eng.close()

		logger := log.WithComponent("sdctl")

		syncer := sync.New(eng.device, eng.coord.Notes(), eng.coord.Folders())
		syncer.SetEventBroker(eng.coord.Events())
		syncer.SetCursorStore(eng.bolt)
		go logEvents(eng)

		for sdID, path := range eng.coord.RegisteredSds() {
			if _, err := eng.coord.LoadFolderTree(sdID); err != nil {
				logger.Warn().Err(err).Str("sd_id", sdID).Msg("failed to preload folder tree")
			}
			if err := syncer.Watch(filepath.Join(path, "folder")); err != nil {
				logger.Warn().Err(err).Str("sd_id", sdID).Msg("failed to watch folder dir")
			}
		}
		syncer.Start()
		fmt.Println("✓ LogSync started")

		stopDeletion := startDeletionLoop(eng)
		fmt.Println("✓ Deletion propagation started")

		collector := metrics.NewCollector(eng.coord)
		collector.Start()
		metrics.RegisterComponent("coordinator", true, "running")
		metrics.RegisterComponent("sync", true, "running")
		metrics.RegisterComponent("cache", true, "running")
		fmt.Println("✓ Metrics collector started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ Health endpoints: http://%s/health, /ready, /live\n", metricsAddr)

		fmt.Println()
		fmt.Println("sdctl is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		collector.Stop()
		stopDeletion()
		syncer.Stop()
		_ = server.Close()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9191", "Address for the metrics and health HTTP endpoints")
}

// startDeletionLoop runs SyncFromOtherInstances for every registered
// Storage Directory's deleted/ log on a fixed tick, returning a function
// that stops the loop. Grounded on pkg/reconciler's own ticker-plus-
// stopCh shape, kept separate from LogSync's Syncer since deletion
// propagation has no per-document fan-out to drive it.
func startDeletionLoop(eng *engine) func() {
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	logger := log.WithComponent("deletion")

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(DefaultDeletionInterval)
		defer ticker.Stop()

		runOnce := func() {
			for sdID, path := range eng.coord.RegisteredSds() {
				dir := filepath.Join(path, "deleted")
				if err := os.MkdirAll(dir, 0o755); err != nil {
					logger.Warn().Err(err).Str("sd_id", sdID).Msg("create deleted dir")
					continue
				}
				dlog := deletion.New(dir, eng.device)
				applier := &deletionApplier{sdID: sdID, sql: eng.sql, coord: eng.coord}
				if _, err := dlog.SyncFromOtherInstances(eng.sql, applier); err != nil {
					logger.Warn().Err(err).Str("sd_id", sdID).Msg("deletion sync failed")
				}
			}
		}

		runOnce()
		for {
			select {
			case <-ticker.C:
				runOnce()
			case <-stopCh:
				return
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

// DefaultDeletionInterval mirrors LogSync's own default cadence; there is
// no spec requirement for a different one.
const DefaultDeletionInterval = 30 * time.Second

// logEvents is the daemon's own projection-contract consumer: it logs
// every document/storage-dir/sync event at debug level, the same channel
// the local cache rebuild would subscribe to for incremental projection.
func logEvents(eng *engine) {
	sub := eng.coord.Events().Subscribe()
	defer eng.coord.Events().Unsubscribe(sub)

	logger := log.WithComponent("events")
	for ev := range sub {
		logger.Debug().Str("type", string(ev.Type)).Fields(toFields(ev.Metadata)).Msg("event")
	}
}

func toFields(metadata map[string]string) map[string]interface{} {
	fields := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		fields[k] = v
	}
	return fields
}

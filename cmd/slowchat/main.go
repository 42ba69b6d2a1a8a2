// Command slowchat runs the GPU-aware model-serving gateway: it loads
// config.json, wires the catalog, residency table, telemetry probe, eviction
// planner, and lifecycle controller together, and serves the
// OpenAI-compatible HTTP surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Pop101/SlowChat/internal/catalog"
	"github.com/Pop101/SlowChat/internal/gateway"
	"github.com/Pop101/SlowChat/internal/lifecycle"
	"github.com/Pop101/SlowChat/internal/logging"
	"github.com/Pop101/SlowChat/internal/residency"
	"github.com/Pop101/SlowChat/internal/telemetry"
)

var log = logging.NewRoot()

// idleSweepInterval governs how often the lifecycle controller checks for
// idle resident models; idleTimeout is how long a model may sit unused
// before it is evicted to free VRAM for other traffic.
const (
	idleSweepInterval   = 30 * time.Second
	idleTimeout         = 30 * time.Minute
	metricsPollInterval = 15 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := os.Getenv("SLOWCHAT_CONFIG")
	if configPath == "" {
		configPath = "config.json"
	}

	cat, err := catalog.Load(configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	table := residency.New()
	probe := telemetry.NewNvidiaSMI(logging.Component(log, "telemetry"))
	metrics := telemetry.NewMetrics()

	ctrl := lifecycle.New(log, cat, table, probe, metrics)
	gw := gateway.New(log, cat, ctrl, probe.Hostname(), metrics)

	addr := ":" + strconv.Itoa(cat.Port())
	server := &http.Server{Addr: addr, Handler: gw}

	workers, workerCtx := errgroup.WithContext(ctx)

	workers.Go(func() error {
		log.Infof("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	workers.Go(func() error {
		ticker := time.NewTicker(idleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return nil
			case <-ticker.C:
				ctrl.IdleSweep(workerCtx, idleTimeout)
			}
		}
	})

	workers.Go(func() error {
		ticker := time.NewTicker(metricsPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return nil
			case <-ticker.C:
				if snap, err := telemetry.Probe(workerCtx, probe); err == nil {
					metrics.Observe(snap)
				}
				metrics.ResidentCount.Set(float64(table.Len()))
			}
		}
	})

	workers.Go(func() error {
		<-workerCtx.Done()
		log.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("server shutdown: %v", err)
		}
		ctrl.Shutdown(shutdownCtx)
		return nil
	})

	if err := workers.Wait(); err != nil {
		log.Errorf("gateway stopped with error: %v", err)
		os.Exit(1)
	}
	log.Info("gateway stopped")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fwlab/fact/common/bootstrap"
	"github.com/fwlab/fact/common/metrics"
)

const shutdownTimeout = 2 * time.Minute

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bootstrap service components
	components, err := bootstrap.Setup(ctx, "fact-backend")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	host := metrics.CaptureHost()
	components.Logger.Info("backend starting",
		"host", host.Hostname,
		"cpus", host.CPUs,
		"memory_mb", host.TotalMemoryMB,
		"container", host.ContainerRuntime)
	for _, warning := range host.UnpackWarnings(components.Config.Unpack) {
		components.Logger.Warn(warning)
	}

	b, err := newBackend(components)
	if err != nil {
		components.Logger.Error("failed to create backend", "error", err)
		os.Exit(1)
	}

	// the pipeline runs on its own context so a signal drains it instead
	// of cutting it off
	errChan := b.start(context.Background())

	components.Logger.Info("backend started successfully",
		"plugins", b.registry.Names(),
		"mandatory", b.registry.Mandatory())

	waitForShutdown(ctx, cancel, errChan, components)

	components.Logger.Info("backend shutting down gracefully")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := b.shutdown(shutdownCtx); err != nil {
		components.Logger.Error("backend shutdown incomplete", "error", err)
	}
}

// waitForShutdown waits for either an error or shutdown signal
func waitForShutdown(ctx context.Context, cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case <-ctx.Done():
	}
}

// Command conoded is the Linux platform integration layer for a CANopen
// node: it owns SocketCAN, the event loop, crash-safe storage, and the
// ASCII gateway, and drives internal/canopen's NMT/heartbeat/EMCY/SYNC/
// TIME/LSS collaborators. Composition style (flag/env config, slog
// logging, context cancellation, signal handling, metrics HTTP endpoint)
// is grounded on cmd/can-server/main.go.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/conode-linux/conode/internal/metrics"
	"github.com/conode-linux/conode/internal/runtime"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("conoded %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}

	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("startup", "node_id", cfg.nodeID, "iface", cfg.iface, "gateway", cfg.gatewayMode.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	orch := runtime.New(runtime.Config{
		Iface:             cfg.iface,
		NodeID:            cfg.nodeID,
		RTPriority:        cfg.rtPriority,
		RebootOnResetApp:  cfg.rebootOnResetApp,
		StoragePrefix:     cfg.storagePrefix,
		GatewayMode:       cfg.gatewayMode,
		GatewayAddr:       cfg.gatewayAddr,
		GatewayIdleUS:     int64(cfg.gatewayIdleMS) * 1000,
		MDNSEnable:        cfg.mdnsEnable,
		MDNSName:          cfg.mdnsName,
		IntervalUS:        cfg.intervalUS,
		HeartbeatPeriodUS: int64(cfg.heartbeatPeriodMS) * 1000,
		SyncPeriodUS:      int64(cfg.syncPeriodMS) * 1000,
		SyncCounterMax:    uint8(cfg.syncCounterMax),
		TimePeriodUS:      int64(cfg.timePeriodMS) * 1000,
		Threaded:          cfg.rtPriority != -1,
	})

	metrics.SetReadinessFunc(func() bool { return ctx.Err() == nil })

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGPIPE)
	go func() {
		s := <-sigCh
		l.Info("shutdown_signal", "signal", s.String())
		orch.RequestStop()
		cancel()
	}()

	reset, err := orch.Run(ctx)
	if err != nil {
		l.Error("runtime_error", "error", err)
		cancel()
		wg.Wait()
		os.Exit(1)
	}
	l.Info("runtime_exited", "reset", reset)
	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

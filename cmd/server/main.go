package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/deadletter"
	"github.com/telefold/telefold/pkg/query"
	"github.com/telefold/telefold/pkg/rollup"
	"github.com/telefold/telefold/pkg/server"
	"github.com/telefold/telefold/pkg/server/monitor"
)

func main() {
	log.Println("🚀 Starting telefold server...")

	cfg := server.LoadConfig()
	log.Printf("⚙️  Configuration: port=%s data=%s workers=%d storage=%dGB memory=%dMB",
		cfg.Port, cfg.DataDir, cfg.Workers, cfg.MaxStorageGB, cfg.MaxMemoryMB)

	// Durable feature + dead-letter store
	st, err := server.InitializeStore(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}
	defer st.Close()

	// Message transport
	b, err := server.InitializeBus(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to connect bus: %v", err)
	}
	defer b.Close()

	// Ingestion pipeline
	coordinator, hub, dlqRouter := server.InitializePipeline(cfg, b, st, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	// The coordinator's Run drains and flushes on cancel, so it gets its
	// own done signal rather than the shared WaitGroup timeout below.
	pipelineDone := make(chan error, 1)
	go func() { pipelineDone <- coordinator.Run(ctx) }()
	log.Println("📥 Ingestion pipeline started")

	// Rollup schedules, one engine and monitor each
	engine5m := rollup.New(st)
	engine1h := rollup.New(st)
	monitor5m := monitor.NewRollupMonitor(3 * config.Rollup5mInterval)
	monitor1h := monitor.NewRollupMonitor(3 * config.Rollup1hInterval)

	stopRollups := make(chan bool)
	wg.Add(2)
	go server.RunRollup(engine5m, rollup.Schedule{
		Window:      "5m",
		Interval:    config.Rollup5mInterval,
		StartOffset: config.Rollup5mStartOffset,
		EndOffset:   config.Rollup5mEndOffset,
	}, monitor5m, stopRollups, &wg)
	go server.RunRollup(engine1h, rollup.Schedule{
		Window:      "1h",
		Interval:    config.Rollup1hInterval,
		StartOffset: config.Rollup1hStartOffset,
		EndOffset:   config.Rollup1hEndOffset,
	}, monitor1h, stopRollups, &wg)

	// BadgerDB value log GC
	stopGC := make(chan bool)
	wg.Add(1)
	go server.RunBadgerGC(st, stopGC, &wg)

	// HTTP surfaces
	storageMonitor := monitor.NewStorageMonitor(cfg.DataDir, cfg.MaxStorageGB*1024*1024*1024)
	queryHandler := query.NewHandler(st)
	dlqHandler := deadletter.NewHandler(st, dlqRouter)

	router := mux.NewRouter()
	server.SetupRoutes(router, coordinator, queryHandler, dlqHandler,
		storageMonitor, monitor5m, monitor1h, hub, cfg.Port)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	go func() {
		log.Printf("🌐 Server listening on http://localhost:%s", cfg.Port)
		log.Println("📡 API endpoints:")
		log.Println("   GET  /v1/features          - Query aggregated features")
		log.Println("   GET  /v1/stats             - Storage statistics")
		log.Println("   GET  /v1/dlq               - Inspect dead letters")
		log.Println("   POST /v1/dlq/replay        - Replay dead letters")
		log.Println("   GET  /v1/health            - Pipeline health")
		log.Println("   GET  /v1/anomalies/stream  - WebSocket anomaly stream")

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutdown signal received...")

	// Stop the HTTP surface first so no new work arrives while the
	// pipeline drains.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server shutdown warning: %v", err)
	}

	// Cancel background tasks; the coordinator drains its queues and
	// flushes every open bucket before returning.
	cancel()
	close(stopRollups)
	close(stopGC)

	select {
	case err := <-pipelineDone:
		if err != nil {
			log.Printf("⚠️  Pipeline shutdown error: %v", err)
		} else {
			log.Println("✅ Pipeline drained and flushed")
		}
	case <-time.After(config.ShutdownTimeout):
		log.Println("⚠️  Pipeline did not drain in time")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("✅ All background tasks stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Println("⚠️  Some background tasks did not stop in time (forcing exit)")
	}

	log.Println("👋 telefold server exited cleanly")
}

package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/rollup"
	"github.com/telefold/telefold/pkg/server/monitor"
	"github.com/telefold/telefold/pkg/store"
	storebadger "github.com/telefold/telefold/pkg/store/badger"
)

// RunRollup runs one rollup schedule until stop is closed. Failed runs are
// retried with exponential backoff before waiting for the next tick; the
// monitor records every outcome for the health surface.
func RunRollup(engine *rollup.Engine, sched rollup.Schedule, mon *monitor.RollupMonitor, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(sched.Interval)
	defer ticker.Stop()

	runWithRetry := func(ctx context.Context, isInitial bool) {
		maxRetries := 3
		baseDelay := 10 * time.Second

		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := baseDelay * time.Duration(1<<(attempt-1))
				log.Printf("Retrying %s rollup in %v (attempt %d/%d)...", sched.Window, delay, attempt+1, maxRetries+1)
				select {
				case <-time.After(delay):
				case <-stop:
					return
				}
			}

			start := time.Now()
			n, err := engine.Run(ctx, sched, time.Now())

			if err == nil {
				mon.RecordSuccess()
				if isInitial {
					log.Printf("Initial %s rollup wrote %d rows in %v", sched.Window, n, time.Since(start).Round(time.Millisecond))
				} else if n > 0 {
					log.Printf("%s rollup wrote %d rows in %v", sched.Window, n, time.Since(start).Round(time.Millisecond))
				}
				return
			}

			mon.RecordFailure(err)
			log.Printf("%s rollup failed (attempt %d/%d): %v", sched.Window, attempt+1, maxRetries+1, err)

			status := mon.Status()
			if status.ConsecutiveErrors > 3 {
				log.Printf("ALERT: %s rollup has been failing! Consecutive errors: %d", sched.Window, status.ConsecutiveErrors)
			}
		}

		log.Printf("%s rollup failed after %d attempts, will retry on next schedule", sched.Window, maxRetries+1)
	}

	// Run once on startup so a restart doesn't wait a full interval to
	// catch up on buckets that settled while the process was down.
	go func() {
		log.Printf("Running initial %s rollup...", sched.Window)
		runWithRetry(context.Background(), true)
	}()

	for {
		select {
		case <-ticker.C:
			runWithRetry(context.Background(), false)
		case <-stop:
			log.Printf("Stopping %s rollup scheduler", sched.Window)
			return
		}
	}
}

// RunBadgerGC runs BadgerDB garbage collection periodically to reclaim disk
// space. The LSM value log accumulates dead versions of merged minute rows;
// without GC disk growth is unbounded.
func RunBadgerGC(st store.FeatureStore, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := st.(*storebadger.Store)
	if !ok {
		log.Println("Store is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Printf("BadgerDB GC scheduler started (runs every %v)", config.BadgerGCInterval)

	for {
		select {
		case <-ticker.C:
			log.Println("Running BadgerDB garbage collection...")
			start := time.Now()

			// RunGC rewrites at most one value log file per call, so a
			// tick never blocks for long.
			err := badgerStore.RunGC(config.BadgerGCDiscardRatio)
			if err != nil {
				// Not an error if no GC was needed
				log.Printf("GC completed in %v (no rewrite needed)", time.Since(start).Round(time.Millisecond))
			} else {
				log.Printf("GC completed in %v (disk space reclaimed)", time.Since(start).Round(time.Millisecond))
			}
		case <-stop:
			log.Println("Stopping BadgerDB GC scheduler")
			return
		}
	}
}

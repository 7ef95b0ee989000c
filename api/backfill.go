/*
backfill.go - Scheduled rollup backfill worker

PURPOSE:
  Periodically walks all owners in bounded batches and recomputes their
  rollup state from current item aggregates. This repairs rollups that
  drifted because a process died between an event commit and its rollup
  update, and picks up owners created before the rollup table existed.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Processes owners in cursor-driven batches, never loading all at once
  - Optionally re-folds each item's aggregates from its event history
    before deriving the rollup

CONFIGURATION:
  - Interval:  How often to run (default: 1 hour)
  - BatchSize: Owners per batch (default: rollup.DefaultBatchSize)
  - Refold:    Whether to re-fold item aggregates first (default: true)
  - Enabled:   Whether the worker is active (default: true)

USAGE:
  worker := NewBackfillWorker(engine, svc)
  worker.Start()
  // ... later
  worker.Stop()

SEE ALSO:
  - handlers.go: TriggerBackfill endpoint (manual backfill)
  - rollup/rollup.go: Engine.Backfill
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/clearbook/payment-ledger/ledger"
	"github.com/clearbook/payment-ledger/rollup"
)

// BackfillWorker runs scheduled rollup backfills.
type BackfillWorker struct {
	Engine    *rollup.Engine
	Ledger    *ledger.Service
	Interval  time.Duration
	BatchSize int
	Refold    bool
	Enabled   bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBackfillWorker creates a new worker.
func NewBackfillWorker(engine *rollup.Engine, svc *ledger.Service) *BackfillWorker {
	return &BackfillWorker{
		Engine:    engine,
		Ledger:    svc,
		Interval:  1 * time.Hour,
		BatchSize: rollup.DefaultBatchSize,
		Refold:    true,
		Enabled:   true,
		stop:      make(chan bool),
	}
}

// Start begins the worker.
func (bw *BackfillWorker) Start() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if !bw.Enabled {
		log.Println("[Backfill] Disabled, not starting")
		return
	}

	bw.ticker = time.NewTicker(bw.Interval)
	bw.wg.Add(1)

	go bw.run()

	log.Printf("[Backfill] Started with interval: %v", bw.Interval)
}

// Stop stops the worker.
func (bw *BackfillWorker) Stop() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.ticker != nil {
		bw.ticker.Stop()
		close(bw.stop)
		bw.wg.Wait()
		log.Println("[Backfill] Stopped")
	}
}

func (bw *BackfillWorker) run() {
	defer bw.wg.Done()

	// Run immediately on start
	bw.runOnce()

	for {
		select {
		case <-bw.ticker.C:
			bw.runOnce()
		case <-bw.stop:
			return
		}
	}
}

func (bw *BackfillWorker) runOnce() {
	ctx := context.Background()
	start := time.Now()

	var refolder rollup.Refolder
	if bw.Refold {
		refolder = bw.Ledger
	}

	stats, err := bw.Engine.Backfill(ctx, bw.BatchSize, refolder)
	if err != nil {
		log.Printf("[Backfill] Error: %v", err)
		return
	}

	if stats.Owners > 0 {
		log.Printf("[Backfill] Completed in %v: %d owners, %d items, %d batches",
			time.Since(start).Round(time.Millisecond), stats.Owners, stats.Items, stats.Batches)
	}
}

// RunNow triggers an immediate backfill (for testing/admin).
func (bw *BackfillWorker) RunNow() {
	bw.runOnce()
}

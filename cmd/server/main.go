/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the transaction ledger server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire ledger service, rollup engine, and adjustment overlay
  4. Configure HTTP router
  5. Start backfill worker
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port               HTTP server port (default: 8080)
  -db                 SQLite database path (default: ledger.db)
                      Use ":memory:" for in-memory database
  -backfill-interval  Rollup backfill interval (default: 1h, 0 disables)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the backfill worker
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run with frequent backfill
  ./server -backfill-interval=5m

ENVIRONMENT:
  No environment variables currently. All config via flags.
  Future: DATABASE_URL, PORT, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearbook/payment-ledger/adjustment"
	"github.com/clearbook/payment-ledger/api"
	"github.com/clearbook/payment-ledger/ledger"
	"github.com/clearbook/payment-ledger/rollup"
	"github.com/clearbook/payment-ledger/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	backfillInterval := flag.Duration("backfill-interval", 1*time.Hour, "rollup backfill interval (0 disables)")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire domain components
	svc := ledger.NewService(store)
	engine := rollup.NewEngine(store, store)
	overlay := adjustment.NewOverlay(store, store)

	// Every committed event refreshes the owner's rollup. Failures here
	// are logged, not surfaced: the backfill worker repairs drift.
	svc.OnOwnerChanged = func(ctx context.Context, owner ledger.OwnerRef) {
		if _, err := engine.Recompute(ctx, owner); err != nil {
			log.Printf("[Rollup] Failed to recompute %s %s: %v", owner.Type, owner.ID, err)
		}
	}
	svc.OnMismatch = func(m ledger.ReconciliationMismatch) {
		log.Printf("[Ledger] Aggregate mismatch repaired: %s", m)
	}

	// Initialize handler and router
	handler := api.NewHandler(svc, engine, overlay)
	router := api.NewRouter(handler)

	// Start backfill worker
	worker := api.NewBackfillWorker(engine, svc)
	if *backfillInterval > 0 {
		worker.Interval = *backfillInterval
	} else {
		worker.Enabled = false
	}
	worker.Start()
	defer worker.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

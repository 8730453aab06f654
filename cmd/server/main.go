// Command server runs a single-process demo: a durable SQLite-backed
// replica (Repository) whose sync engine talks, over loopback HTTP, to the
// log-and-snapshot collaborator (syncserver) exposed by this same process.
// It exists to exercise the full replication loop end-to-end, the way the
// teacher's main.go bundles its store, sync engine and API server together.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aggregat4/prototype-lists-sub000/internal/repository"
	"github.com/aggregat4/prototype-lists-sub000/internal/storage"
	"github.com/aggregat4/prototype-lists-sub000/internal/syncengine"
	"github.com/aggregat4/prototype-lists-sub000/internal/syncserver"
	"github.com/aggregat4/prototype-lists-sub000/pkg/actorid"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	port := getEnv("PORT", "8080")
	dbPath := getEnv("DB_PATH", "./tasklists.db")
	pollMs, err := strconv.Atoi(getEnv("SYNC_POLL_MS", "2000"))
	if err != nil || pollMs <= 0 {
		pollMs = 2000
	}
	generationSeed := getEnv("DATASET_GENERATION_KEY_SEED", "")

	log.Printf("Initializing database at %s", dbPath)
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer store.Close()

	actor, err := actorid.Ensure(store, actorid.DefaultKey)
	if err != nil {
		log.Fatalf("Failed to establish actor identity: %v", err)
	}
	log.Printf("Replica actor id: %s", actor)

	repo := repository.New(actor, store)
	ctx := context.Background()
	if err := repo.Initialize(ctx); err != nil {
		log.Fatalf("Failed to hydrate repository: %v", err)
	}

	collaborator := syncserver.New(generationSeed)
	collaborator.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/bootstrap", syncserver.EnableCORS(collaborator.HandleBootstrap))
	mux.HandleFunc("/sync/push", syncserver.EnableCORS(collaborator.HandlePush))
	mux.HandleFunc("/sync/pull", syncserver.EnableCORS(collaborator.HandlePull))
	mux.HandleFunc("/sync/reset", syncserver.EnableCORS(collaborator.HandleReset))
	mux.HandleFunc("/ws", collaborator.HandleWebSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	httpServer := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		log.Printf("Server starting on port %s", port)
		log.Printf("WebSocket endpoint: ws://localhost:%s/ws", port)
		log.Printf("Sync endpoints: /sync/bootstrap /sync/push /sync/pull /sync/reset")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	fetcher := syncengine.NewHTTPFetcher("http://localhost:"+port, nil)
	engine := syncengine.New(store, fetcher, repo, actor, time.Duration(pollMs)*time.Millisecond)
	repo.SetSyncEngine(engine)
	engine.OnConnectionError(func(err error) {
		log.Printf("sync engine disabled after repeated failures: %v", err)
		engine.Stop()
	})
	engine.Start(ctx)
	defer engine.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

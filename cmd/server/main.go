package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"todosync/internal/config"
	"todosync/internal/domain"
	"todosync/internal/handler"
	"todosync/internal/middleware"
	"todosync/internal/repository"
	"todosync/internal/resolver"
	"todosync/internal/sync"
	"todosync/internal/txn"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
)

// dbNames maps each kind to the CouchDB name of its record database
// (§6), derived from the configured base name. The conflict and ledger
// database names are built separately in main.
func dbNames(base string) map[domain.Kind]string {
	return map[domain.Kind]string{
		domain.KindTodos: base + "_records_todos",
		domain.KindNotes: base + "_records_notes",
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatalf("Failed to connect to CouchDB: %v", err)
	}

	ctx := context.Background()

	recordDBs := dbNames(cfg.Database.Name)
	conflictDBName := cfg.Database.Name + "_conflicts"
	ledgerDBName := cfg.Database.Name + "_processed_operations"

	allDBs := []string{recordDBs[domain.KindTodos], recordDBs[domain.KindNotes], conflictDBName, ledgerDBName}
	for _, name := range allDBs {
		if err := ensureDB(ctx, client, name); err != nil {
			log.Fatalf("Failed to prepare database %s: %v", name, err)
		}
	}

	recordRepo := repository.NewRecordRepository(client, recordDBs)
	ledgerRepo := repository.NewLedgerRepository(client, ledgerDBName)
	conflictRepo := repository.NewConflictRepository(client, conflictDBName)

	if err := conflictRepo.EnsureIndexes(ctx); err != nil {
		log.Printf("Warning: failed to ensure conflict indexes: %v", err)
	}

	coordinator := txn.NewCoordinator()

	processor := sync.NewProcessor(recordRepo, ledgerRepo, conflictRepo, coordinator)
	conflictResolver := resolver.NewResolver(recordRepo, conflictRepo, coordinator)

	syncHandler := handler.NewSyncHandler(processor)
	conflictHandler := handler.NewConflictHandler(conflictRepo, conflictResolver)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/sync", syncHandler.ProcessSync).Methods("POST", "OPTIONS")
	api.HandleFunc("/sync/health", syncHandler.Health).Methods("GET")

	api.HandleFunc("/conflicts", conflictHandler.List).Methods("GET")
	api.HandleFunc("/conflicts/stats", conflictHandler.Stats).Methods("GET")
	api.HandleFunc("/conflicts/{id}", conflictHandler.Get).Methods("GET")
	api.HandleFunc("/conflicts/{id}/resolve", conflictHandler.Resolve).Methods("PUT", "OPTIONS")
	api.HandleFunc("/conflicts/{id}/dismiss", conflictHandler.Dismiss).Methods("PUT", "OPTIONS")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting todosync server on %s (env: %s)", addr, cfg.Server.Env)
		log.Printf("Connected to CouchDB at %s:%s", cfg.Database.Host, cfg.Database.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func ensureDB(ctx context.Context, client *kivik.Client, name string) error {
	exists, err := client.DBExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, name); err != nil {
			return fmt.Errorf("create database: %w", err)
		}
		log.Printf("Created database: %s", name)
	}
	return nil
}

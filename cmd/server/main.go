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

	"github.com/openledgerhq/ledgersync/internal/api"
	"github.com/openledgerhq/ledgersync/internal/config"
	"github.com/openledgerhq/ledgersync/internal/crypto"
	"github.com/openledgerhq/ledgersync/internal/database"
	"github.com/openledgerhq/ledgersync/internal/jobs"
	"github.com/openledgerhq/ledgersync/internal/provider"
	"github.com/openledgerhq/ledgersync/internal/syncer"
)

func main() {
	// Load configuration (validates and exits on bad settings)
	cfg := config.Load()

	// Initialize database
	db, err := database.Connect(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Get underlying SQL database for cleanup
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("Failed to get database connection: %v", err)
	}
	defer sqlDB.Close()

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Token-at-rest cipher
	cipher, err := crypto.NewAESCipher(cfg.TokenEncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize token cipher: %v", err)
	}

	// Provider adapters
	registry := provider.NewRegistry(cfg)

	// Sync engine and in-process runtime
	store := database.NewStore(db)
	orchestrator := syncer.NewOrchestrator(store, registry, cipher)
	runtime := syncer.NewRuntime(orchestrator, store)
	defer runtime.Wait()

	// Initialize job scheduler
	scheduler := jobs.NewScheduler(db, runtime)
	scheduler.Start()
	defer scheduler.Stop()

	// Setup API router
	router := api.NewRouter(cfg, db, registry, cipher, runtime)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on port %d", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

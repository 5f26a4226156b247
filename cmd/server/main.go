// Package main is the entry point for the TF activity server.
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

	"github.com/tfactivity/server/internal/api"
	"github.com/tfactivity/server/internal/cache"
	"github.com/tfactivity/server/internal/config"
	"github.com/tfactivity/server/internal/jobstore"
	"github.com/tfactivity/server/internal/nulldist"
	"github.com/tfactivity/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting TF activity server on port %d", cfg.Server.Port)

	ctx := context.Background()

	// Initialize result cache
	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
		QueryCacheSize:    cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Null distributions are shared by every dataset and job
	nullStore, nullCloser, err := nulldist.OpenStore(cfg.NullDist.Backend, cfg.NullDist.Dir)
	if err != nil {
		log.Fatalf("Failed to open null distribution store: %v", err)
	}
	defer nullCloser.Close()

	nulls, err := nulldist.NewCache(nullStore, nulldist.CacheConfig{
		MemoSize:  cfg.NullDist.MemoSize,
		OnCorrupt: nulldist.CorruptPolicy(cfg.NullDist.OnCorrupt),
		Generate: nulldist.GenerateOptions{
			Workers:  cfg.Analysis.Workers,
			Seed:     cfg.Analysis.Seed,
			MaxCells: cfg.Analysis.MaxNullCells,
		},
	})
	if err != nil {
		log.Fatalf("Failed to initialize null distribution cache: %v", err)
	}
	log.Printf("Null distributions: backend=%s dir=%s memo=%d on_corrupt=%s",
		cfg.NullDist.Backend, cfg.NullDist.Dir, cfg.NullDist.MemoSize, cfg.NullDist.OnCorrupt)

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)
	for _, datasetID := range datasetIDs {
		ds := service.NewDataset(datasetID, cfg.Data.Datasets[datasetID])
		registry.Register(ds)
		log.Printf("  [%s] source=%s prior=%s", datasetID, ds.Source(), cfg.Data.Datasets[datasetID].PriorPath)
	}

	// Initialize job manager (SQLite or PostgreSQL persistence)
	store, err := jobstore.Open(cfg.Jobs.Driver, cfg.Jobs.DSN)
	if err != nil {
		log.Fatalf("Failed to open job store: %v", err)
	}
	jobManager := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		QueueSize:     cfg.Jobs.QueueSize,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	}, store)
	log.Printf("Job manager: driver=%s max_concurrent=%d, retention_days=%d",
		store.Driver(), cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays)

	// Wire up the analysis as job executor
	runner := service.NewJobRunner(registry, service.NewAnalysisService(nulls), cfg.Analysis)
	jobManager.Executor = runner.ExecuteJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// Package main is the entry point for the Cellucid engine server.
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

	"github.com/theislab/cellucid-engine/internal/api"
	"github.com/theislab/cellucid-engine/internal/cache"
	"github.com/theislab/cellucid-engine/internal/config"
	"github.com/theislab/cellucid-engine/internal/data/manifest"
	"github.com/theislab/cellucid-engine/internal/field"
	"github.com/theislab/cellucid-engine/internal/service"
	"github.com/theislab/cellucid-engine/internal/session"
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

	log.Printf("Starting Cellucid engine on port %d", cfg.Server.Port)

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		BufferCacheSizeMB: cfg.Cache.BufferSizeMB,
		BufferTTL:         time.Duration(cfg.Cache.BufferTTLMin) * time.Minute,
		QueryCacheSize:    cfg.Cache.QueryCacheSize,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize saved-session store
	sessionStore, err := session.NewStore(cfg.Sessions.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize session store: %v", err)
	}
	defer sessionStore.Close()
	log.Printf("Session store: %s", cfg.Sessions.DBPath)

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	log.Printf("Initializing %d dataset(s), default: %s", len(datasetIDs), cfg.Data.DefaultDataset)

	// Initialize each dataset
	for _, datasetID := range datasetIDs {
		ds := cfg.Data.Datasets[datasetID]

		dataset, err := manifest.Open(ds.Path)
		if err != nil {
			log.Fatalf("Failed to open dataset %q: %v", datasetID, err)
		}

		positions, err := dataset.Positions()
		if err != nil {
			log.Fatalf("Failed to load positions for dataset %q: %v", datasetID, err)
		}

		name := ds.Name
		if name == "" {
			name = dataset.Name()
		}

		descriptors := make([]service.FieldDescriptor, 0, len(dataset.Fields()))
		for _, fi := range dataset.Fields() {
			descriptors = append(descriptors, service.FieldDescriptor{
				Ref:        field.Ref{Source: field.Source(fi.Source), Key: fi.Key},
				Kind:       field.Kind(fi.Kind),
				Categories: fi.Categories,
			})
		}

		viewerCfg := service.Config{
			DatasetID:       datasetID,
			Name:            name,
			PointCount:      dataset.PointCount(),
			Positions:       positions,
			Fields:          descriptors,
			FieldLoader:     dataset,
			MaxObsFields:    cfg.Fields.MaxObsFields,
			MaxVarFields:    cfg.Fields.MaxVarFields,
			ShuffleSeed:     cfg.Edges.ShuffleSeed,
			DefaultLodLimit: cfg.Edges.DefaultLodLimit,
			Caches:          cacheManager,
		}
		if dataset.HasEdges() {
			viewerCfg.EdgeLoader = dataset
		}

		viewer := service.NewViewer(viewerCfg)
		registry.Register(datasetID, viewer)

		log.Printf("  [%s] %s: %d points, %d fields, edges=%v",
			datasetID, name, dataset.PointCount(), len(descriptors), dataset.HasEdges())
	}

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		Sessions:    sessionStore,
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

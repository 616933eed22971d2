package main

import (
	"context"
	"errors"
	"fmt"
	"inkpress/internal/auth"
	"inkpress/internal/cache"
	"inkpress/internal/config"
	"inkpress/internal/data"
	"inkpress/internal/logger"
	"inkpress/internal/render"
	"inkpress/internal/service"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
)

func main() {
	// --- Configuration Loading ---
	cfg, err := config.LoadConfig()
	if err != nil {
		// Use fmt.Printf here because the logger is not yet initialized.
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger Initialization ---
	log := logger.New(cfg.Log, os.Stdout)

	// --- Database Initialization and Migration ---
	log.Info("Applying database migrations...")
	if err := data.ApplyMigrations(cfg.DB); err != nil {
		log.Fatal(err, "Failed to apply migrations")
	}
	log.Info("Migrations applied successfully.")

	log.Info("Connecting to the database...")
	db, err := data.NewDB(cfg.DB)
	if err != nil {
		log.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()
	log.Info("Database connection successful.")

	// --- Authorization Setup ---
	authorizer, err := auth.NewAuthorizer()
	if err != nil {
		log.Fatal(err, "Failed to initialize authorizer")
	}

	// --- Cache Initialization ---
	log.Info("Initializing SQLite cache...")
	postCache, err := cache.New(cfg.Cache)
	if err != nil {
		log.Fatal(err, "Failed to initialize cache")
	}
	defer postCache.Close()
	log.Info("Cache initialized.")

	// --- Dependency Injection ---
	// Initialize the storage layer and wire the content service on top.
	postRepository := data.NewPostRepository(db)
	revisionStore := data.NewRevisionStore(db)
	associationIndex := data.NewAssociationIndex(db, log)
	searchIndexer := data.NewSearchIndexer(db)
	tokenStore := data.NewTokenStore(db)

	postService := service.NewPostService(service.Deps{
		DB:        db,
		Posts:     postRepository,
		Revisions: revisionStore,
		Assoc:     associationIndex,
		Search:    searchIndexer,
		Renderer:  render.NewMarkdown(),
		Authz:     authorizer,
		Cache:     postCache,
		CacheTTL:  cfg.Cache.TTL,
		Log:       log,
	})

	// --- Credential Sweeper ---
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeper := service.NewSweeper(tokenStore, cfg.Sweep.Interval, log)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(sweepCtx)
	}()

	// --- Operational Listener ---
	// The content contract is a library boundary; the only HTTP surface
	// this process exposes is health/readiness.
	router := newHealthRouter(db, postService)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}
	go func() {
		log.Info(fmt.Sprintf("Starting health listener on %s", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err, "Could not start health listener")
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Warn("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error(err, "Health listener forced to shut down")
	}
	stopSweeper()
	wg.Wait()
	log.Info("Server exiting")
}

// newHealthRouter exposes liveness and readiness of the storage backend.
// /healthz answers as soon as the database connection is alive; /readyz
// drives a listing through the full service stack.
func newHealthRouter(db *sqlx.DB, svc *service.PostService) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := db.PingContext(req.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if _, _, err := svc.ListPublishedPosts(req.Context(), data.PostCursor{}, 1, data.SortPublishedAt); err != nil {
			http.Error(w, "storage not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

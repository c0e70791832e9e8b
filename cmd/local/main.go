package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"nervus-backend/cmd"
	"nervus-backend/internal/api"
	"nervus-backend/internal/core"
	"nervus-backend/internal/database"
	"nervus-backend/internal/messaging"
	"nervus-backend/internal/storage"

	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"gorm.io/gorm"
)

type Config struct {
	Root        string `env:"ROOT" envDefault:"./nervus"`
	Port        int    `env:"PORT" envDefault:"3001"`
	Bucket      string `env:"ARTIFACT_BUCKET" envDefault:"nervus-runs"`
	Concurrency int    `env:"CONCURRENCY" envDefault:"1"`
	Progress    bool   `env:"PROGRESS" envDefault:"false"`
}

func createQueue(db *gorm.DB) *messaging.InMemoryQueue {
	queue := messaging.NewInMemoryQueue()

	if err := cmd.RequeueUnfinished(context.Background(), db, queue); err != nil {
		log.Fatalf("Failed to requeue unfinished tasks: %v", err)
	}

	return queue
}

func createServer(db *gorm.DB, storage storage.Provider, queue messaging.Publisher, port int, bucket string) *http.Server {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300, // Cache preflight response for 5 minutes
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	apiHandler := api.NewBackendService(db, storage, queue, bucket)

	r.Route("/api/v1", func(r chi.Router) {
		apiHandler.AddRoutes(r)
	})

	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}

func main() {
	cmd.LoadEnvFile()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if err := os.MkdirAll(cfg.Root, os.ModePerm); err != nil {
		log.Fatalf("error creating directory for log file: %v", err)
	}

	f, err := os.OpenFile(filepath.Join(cfg.Root, "backend.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("error opening log file: %v", err)
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(f, os.Stderr))

	slog.Info("starting backend", "root", cfg.Root, "port", cfg.Port, "bucket", cfg.Bucket, "concurrency", cfg.Concurrency)

	db, err := database.NewSQLiteDatabase(filepath.Join(cfg.Root, "db", "nervus.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}

	storage, err := storage.NewLocalProvider(filepath.Join(cfg.Root, "storage"))
	if err != nil {
		log.Fatalf("Failed to create storage client: %v", err)
	}

	if err := storage.CreateBucket(context.Background(), cfg.Bucket); err != nil {
		log.Fatalf("Failed to create bucket %s: %v", cfg.Bucket, err)
	}

	queue := createQueue(db)

	worker := core.NewTaskProcessor(db, storage, queue, queue, cfg.Bucket, cfg.Concurrency)
	if cfg.Progress {
		worker.SetProgress(cmd.NewProgressBar)
	}

	server := createServer(db, storage, queue, cfg.Port, cfg.Bucket)

	slog.Info("starting worker")
	go worker.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		slog.Info("shutting down server")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Fatalf("Server forced to shutdown: %v", err)
		}

		slog.Info("shutting down worker")
		worker.Stop()
	}()

	slog.Info("server started", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %d: %v\n", cfg.Port, err)
	}

	slog.Info("server stopped")
}

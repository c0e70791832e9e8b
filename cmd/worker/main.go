package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"nervus-backend/cmd"
	"nervus-backend/internal/config"
	"nervus-backend/internal/core"
	"nervus-backend/internal/database"
	"nervus-backend/internal/messaging"
	"nervus-backend/internal/storage"
)

func main() {
	log.Println("Starting Worker Process...")

	cmd.LoadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s3Provider, err := storage.NewS3Provider(cfg.S3.ProviderConfig())
	if err != nil {
		log.Fatalf("Worker: Failed to create S3 client: %v", err)
	}

	if err := s3Provider.CreateBucket(context.Background(), cfg.ArtifactBucket); err != nil {
		log.Fatalf("Worker: Failed to create artifact bucket %s: %v", cfg.ArtifactBucket, err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}

	reciever, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Worker: Failed to start message consumer: %v", err)
	}

	worker := core.NewTaskProcessor(db, s3Provider, publisher, reciever, cfg.ArtifactBucket, cfg.WorkerConcurrency)

	done := make(chan struct{})
	go func() {
		worker.Start()
		close(done)
	}()

	log.Printf("Worker started with concurrency %d. Waiting for tasks. Press Ctrl+C to exit.", cfg.WorkerConcurrency)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutdown signal received, stopping worker...")

	// Runs interrupted here are requeued and restart from scratch.
	worker.Stop()
	<-done

	log.Println("Worker process stopped.")
}

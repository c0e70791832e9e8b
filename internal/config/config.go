package config

import (
	"fmt"
	"log/slog"

	"nervus-backend/internal/storage"

	"github.com/caarlos0/env/v11"
)

type S3Config struct {
	EndpointURL     string `env:"S3_ENDPOINT_URL"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
}

func (c S3Config) ProviderConfig() storage.S3ProviderConfig {
	return storage.S3ProviderConfig{
		Endpoint:        c.EndpointURL,
		Region:          c.Region,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
	}
}

// WorkerConfig is shared by cmd/worker and cmd/api.
type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	S3                S3Config
	ArtifactBucket    string `env:"ARTIFACT_BUCKET" envDefault:"nervus-runs"`
	WorkerConcurrency int    `env:"CONCURRENCY" envDefault:"1"`
	APIPort           string `env:"API_PORT" envDefault:"8001"`
}

func Load() (WorkerConfig, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (WorkerConfig, error) {
	var cfg WorkerConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return WorkerConfig{}, fmt.Errorf("error parsing config: %w", err)
	}

	if cfg.WorkerConcurrency <= 0 {
		return WorkerConfig{}, fmt.Errorf("CONCURRENCY must be positive, got %d", cfg.WorkerConcurrency)
	}

	if cfg.S3.EndpointURL != "" && (cfg.S3.AccessKeyID == "" || cfg.S3.SecretAccessKey == "") {
		slog.Warn("S3_ENDPOINT_URL is set, but AWS_ACCESS_KEY_ID or AWS_SECRET_ACCESS_KEY are missing")
	}

	return cfg, nil
}

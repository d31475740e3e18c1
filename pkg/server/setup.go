package server

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/telefold/telefold/pkg/anomaly"
	"github.com/telefold/telefold/pkg/bus"
	busmem "github.com/telefold/telefold/pkg/bus/memory"
	busnats "github.com/telefold/telefold/pkg/bus/nats"
	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/deadletter"
	"github.com/telefold/telefold/pkg/ingest"
	"github.com/telefold/telefold/pkg/store"
	storebadger "github.com/telefold/telefold/pkg/store/badger"
	"github.com/telefold/telefold/pkg/validate"
)

// Config holds server configuration.
type Config struct {
	Port         string
	DataDir      string
	NATSURL      string
	Workers      int
	MaxStorageGB int64
	MaxMemoryMB  int64
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() Config {
	dataDir := os.Getenv("TELEFOLD_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data/telefold"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	return Config{
		Port:         getPort(),
		DataDir:      dataDir,
		NATSURL:      os.Getenv("TELEFOLD_NATS_URL"),
		Workers:      int(getEnvInt64("TELEFOLD_WORKERS", config.DefaultWorkers)),
		MaxStorageGB: getEnvInt64("TELEFOLD_MAX_STORAGE_GB", config.DefaultMaxStorageGB),
		MaxMemoryMB:  getEnvInt64("TELEFOLD_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),
	}
}

// InitializeStore opens the BadgerDB feature store.
func InitializeStore(cfg Config) (*storebadger.Store, error) {
	log.Println("Initializing BadgerDB feature store...")
	st, err := storebadger.New(storebadger.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Println("BadgerDB feature store initialized")
	return st, nil
}

// InitializeBus connects the message transport: JetStream when a NATS URL is
// configured, the in-process bus otherwise.
func InitializeBus(cfg Config) (bus.Bus, error) {
	if cfg.NATSURL == "" {
		log.Println("No TELEFOLD_NATS_URL set, using in-process bus")
		return busmem.New(), nil
	}

	log.Printf("Connecting to NATS at %s...", cfg.NATSURL)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b, err := busnats.Connect(ctx, busnats.Config{URL: cfg.NATSURL})
	if err != nil {
		return nil, err
	}
	log.Println("NATS JetStream connected")
	return b, nil
}

// InitializePipeline wires the quality gate, the detector, the dead-letter
// router and the worker pool into an ingestion coordinator.
func InitializePipeline(cfg Config, b bus.Bus, st store.FeatureStore, dls deadletter.Store) (*ingest.Coordinator, *ingest.AnomalyHub, *deadletter.Router) {
	validator := validate.New(config.MaxClockSkew, config.MaxIngestLag)
	detector := anomaly.New(anomaly.Config{
		Alpha:     config.AnomalyAlpha,
		Sigma:     config.AnomalySigma,
		Warmup:    config.AnomalyWarmup,
		Retention: config.BaselineRetention,
	})
	dlq := deadletter.NewRouter(dls, st, b, config.DLQMaxAttempts)
	hub := ingest.NewAnomalyHub()

	coordinator := ingest.New(b, st, validator, detector, dlq, hub, ingest.Config{
		Workers: cfg.Workers,
	})
	log.Printf("Ingestion pipeline ready (%d partition workers)", cfg.Workers)

	return coordinator, hub, dlq
}

// getEnvInt64 gets an int64 from environment variable or returns default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.Printf("Invalid value for %s: %q, using default %d", key, val, defaultValue)
	}
	return defaultValue
}

// getPort gets the server port from PORT environment variable or returns default.
func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return config.DefaultPort
}

package services

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Lllllllleong/documentcollections/internal/gcp"
)

// Backend selectors.
const (
	StoreFirestore = "firestore"
	StorePostgres  = "postgres"
	StoreMemory    = "memory"

	BlobGCS   = "gcs"
	BlobMinIO = "minio"
)

// Config is the environment-derived configuration shared by every function.
type Config struct {
	ProjectID string

	StoreBackend    string
	FirestorePrefix string
	PostgresDSN     string
	BlobBackend     string
	BucketName      string
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOUseSSL     bool
	SearchLocation  string
	SearchDataStore string

	MaxFileSize       int64
	IngestConcurrency int

	DeletionMaxAttempts  int
	DeletionInitialDelay time.Duration
	DeletionMaxDelay     time.Duration
	DeletionAbandonGrace time.Duration
	DeletionMaxDeferral  time.Duration
	IndexTimeout         time.Duration
	WorkerInterval       time.Duration
}

// DefaultConfig returns the built-in defaults with no backend settings.
func DefaultConfig() Config {
	return Config{
		StoreBackend:         StoreFirestore,
		BlobBackend:          BlobGCS,
		SearchLocation:       "global",
		MaxFileSize:          32 << 20,
		IngestConcurrency:    10,
		DeletionMaxAttempts:  10,
		DeletionInitialDelay: 2 * time.Minute,
		DeletionMaxDelay:     8 * time.Hour,
		DeletionAbandonGrace: 24 * time.Hour,
		DeletionMaxDeferral:  6 * time.Hour,
		IndexTimeout:         time.Hour,
		WorkerInterval:       time.Minute,
	}
}

// LoadConfig reads the environment and validates the settings the selected
// backends need.
func LoadConfig() (Config, error) {
	def := DefaultConfig()
	cfg := Config{
		ProjectID:       gcp.GetEnv("PROJECT_ID", ""),
		StoreBackend:    gcp.GetEnv("STORE_BACKEND", def.StoreBackend),
		FirestorePrefix: gcp.GetEnv("FIRESTORE_COLLECTION_PREFIX", ""),
		PostgresDSN:     gcp.GetEnv("POSTGRES_DSN", ""),
		BlobBackend:     gcp.GetEnv("BLOB_BACKEND", def.BlobBackend),
		BucketName:      gcp.GetEnv("GCS_BUCKET_NAME", ""),
		MinIOEndpoint:   gcp.GetEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:  gcp.GetEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:  gcp.GetEnv("MINIO_SECRET_KEY", ""),
		SearchLocation:  gcp.GetEnv("VERTEX_AI_LOCATION", def.SearchLocation),
		SearchDataStore: gcp.GetEnv("VERTEX_AI_DATA_STORE_ID", ""),
	}

	var err error
	if cfg.MinIOUseSSL, err = envBool("MINIO_USE_SSL", false); err != nil {
		return Config{}, err
	}
	maxSize, err := envInt("MAX_FILE_SIZE", int(def.MaxFileSize))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxFileSize = int64(maxSize)
	if cfg.IngestConcurrency, err = envInt("INGEST_CONCURRENCY", def.IngestConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.DeletionMaxAttempts, err = envInt("DELETION_MAX_ATTEMPTS", def.DeletionMaxAttempts); err != nil {
		return Config{}, err
	}
	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"DELETION_INITIAL_DELAY", &cfg.DeletionInitialDelay, def.DeletionInitialDelay},
		{"DELETION_MAX_DELAY", &cfg.DeletionMaxDelay, def.DeletionMaxDelay},
		{"DELETION_ABANDON_GRACE", &cfg.DeletionAbandonGrace, def.DeletionAbandonGrace},
		{"DELETION_MAX_DEFERRAL", &cfg.DeletionMaxDeferral, def.DeletionMaxDeferral},
		{"INDEX_TIMEOUT", &cfg.IndexTimeout, def.IndexTimeout},
		{"WORKER_INTERVAL", &cfg.WorkerInterval, def.WorkerInterval},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that each selected backend has what it needs.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case StoreFirestore:
		if c.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID environment variable must be set for the firestore store")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN environment variable must be set for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.BlobBackend {
	case BlobGCS:
		if c.BucketName == "" {
			return fmt.Errorf("GCS_BUCKET_NAME environment variable must be set")
		}
	case BlobMinIO:
		if c.MinIOEndpoint == "" || c.BucketName == "" {
			return fmt.Errorf("MINIO_ENDPOINT and GCS_BUCKET_NAME environment variables must be set for the minio blob store")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	if c.ProjectID == "" || c.SearchDataStore == "" {
		return fmt.Errorf("PROJECT_ID and VERTEX_AI_DATA_STORE_ID environment variables must be set")
	}
	if c.DeletionMaxAttempts < 1 {
		return fmt.Errorf("DELETION_MAX_ATTEMPTS must be at least 1")
	}
	if c.DeletionInitialDelay <= 0 || c.DeletionMaxDelay < c.DeletionInitialDelay {
		return fmt.Errorf("DELETION_INITIAL_DELAY must be positive and not exceed DELETION_MAX_DELAY")
	}
	if c.DeletionMaxDeferral <= c.IndexTimeout {
		return fmt.Errorf("DELETION_MAX_DEFERRAL must exceed INDEX_TIMEOUT")
	}
	if c.IngestConcurrency < 1 {
		return fmt.Errorf("INGEST_CONCURRENCY must be at least 1")
	}
	return nil
}

func envInt(key string, fallback int) (int, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) (bool, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return b, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

// Package config loads the process configuration from the environment
// with STRATUM_ prefixed variables. A .env file, if present, is loaded
// first so local development does not need exported variables.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config is the full process configuration.
type Config struct {
	// DataDir is the root directory for WAL files, segments, and the
	// catalog database.
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	// WALSync selects the durability mode: "always" fsyncs every
	// append, "batched" group-commits.
	WALSync string `envconfig:"WAL_SYNC" default:"always"`
	// WALBatchInterval is the group commit window in batched mode.
	WALBatchInterval time.Duration `envconfig:"WAL_BATCH_INTERVAL" default:"10ms"`
	// WALMaxFileSize rotates the active WAL file when it exceeds this
	// many bytes.
	WALMaxFileSize int64 `envconfig:"WAL_MAX_FILE_SIZE" default:"67108864"`
	// WALCompress enables zstd compression of large WAL payloads.
	WALCompress bool `envconfig:"WAL_COMPRESS" default:"true"`

	// HNSWM, HNSWEfConstruction and HNSWEfSearch are the default index
	// parameters for new collections.
	HNSWM              int `envconfig:"HNSW_M" default:"16"`
	HNSWEfConstruction int `envconfig:"HNSW_EF_CONSTRUCTION" default:"200"`
	HNSWEfSearch       int `envconfig:"HNSW_EF_SEARCH" default:"100"`

	// CompactionThreshold triggers compaction once this many
	// uncompacted operations have accumulated. Zero disables
	// automatic compaction.
	CompactionThreshold int `envconfig:"COMPACTION_THRESHOLD" default:"10000"`

	// CompactionSchedule additionally compacts every loaded collection
	// on this cron schedule. Empty disables the sweep.
	CompactionSchedule string `envconfig:"COMPACTION_SCHEDULE" default:""`

	// TieringEnabled turns the cold tier sweep on.
	TieringEnabled bool `envconfig:"TIERING_ENABLED" default:"false"`
	// TieringSchedule is the cron expression of the demotion sweep.
	TieringSchedule string `envconfig:"TIERING_SCHEDULE" default:"@every 5m"`
	// TieringColdAfter is the idle duration before demotion.
	TieringColdAfter time.Duration `envconfig:"TIERING_COLD_AFTER" default:"1h"`
	// TieringUploadRate throttles snapshot uploads in bytes per
	// second. Zero means unlimited.
	TieringUploadRate int `envconfig:"TIERING_UPLOAD_RATE" default:"0"`

	// ColdEndpoint, ColdBucket, ColdPrefix locate the object store for
	// cold snapshots. An empty endpoint selects the local filesystem
	// under DataDir.
	ColdEndpoint  string `envconfig:"COLD_ENDPOINT" default:""`
	ColdBucket    string `envconfig:"COLD_BUCKET" default:""`
	ColdPrefix    string `envconfig:"COLD_PREFIX" default:"stratum"`
	ColdAccessKey string `envconfig:"COLD_ACCESS_KEY" default:""`
	ColdSecretKey string `envconfig:"COLD_SECRET_KEY" default:""`
	ColdUseSSL    bool   `envconfig:"COLD_USE_SSL" default:"true"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// LogFormat is "text" or "json".
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// Load reads .env (if present) and the STRATUM_ environment into a
// validated Config.
func Load() (Config, error) {
	// Missing .env is the normal case outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("STRATUM", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the envconfig tags cannot
// express.
func (c Config) Validate() error {
	switch c.WALSync {
	case "always", "batched":
	default:
		return fmt.Errorf("config: WAL_SYNC must be \"always\" or \"batched\", got %q", c.WALSync)
	}
	if c.WALBatchInterval <= 0 {
		return fmt.Errorf("config: WAL_BATCH_INTERVAL must be positive, got %s", c.WALBatchInterval)
	}
	if c.WALMaxFileSize <= 0 {
		return fmt.Errorf("config: WAL_MAX_FILE_SIZE must be positive, got %d", c.WALMaxFileSize)
	}
	if c.HNSWM < 2 {
		return fmt.Errorf("config: HNSW_M must be >= 2, got %d", c.HNSWM)
	}
	if c.HNSWEfConstruction < c.HNSWM {
		return fmt.Errorf("config: HNSW_EF_CONSTRUCTION must be >= HNSW_M, got %d", c.HNSWEfConstruction)
	}
	if c.HNSWEfSearch < 1 {
		return fmt.Errorf("config: HNSW_EF_SEARCH must be >= 1, got %d", c.HNSWEfSearch)
	}
	if c.CompactionThreshold < 0 {
		return fmt.Errorf("config: COMPACTION_THRESHOLD must not be negative, got %d", c.CompactionThreshold)
	}
	if c.TieringEnabled && c.ColdEndpoint != "" && c.ColdBucket == "" {
		return fmt.Errorf("config: COLD_BUCKET is required when COLD_ENDPOINT is set")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: LOG_FORMAT must be \"text\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}

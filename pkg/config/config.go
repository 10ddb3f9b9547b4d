package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the pipeline configuration, populated from SEALEDVOTE_*
// environment variables. Redis connection settings are read separately by
// pkg/redis so the queue can be pointed at a different instance in tests.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":3000"`

	// DataDir is where the sqlite vote store lives. Empty means in-memory,
	// which is only useful for tests.
	DataDir string `envconfig:"DATA_DIR" default:".sealedvote"`

	Ledger    LedgerConfig    `envconfig:"LEDGER"`
	Encryptor EncryptorConfig `envconfig:"ENCRYPTOR"`
	Queue     QueueConfig     `envconfig:"QUEUE"`
	Workers   WorkerConfig    `envconfig:"WORKERS"`
}

type LedgerConfig struct {
	// Endpoints are the ledger RPC endpoints, tried in order with failover.
	Endpoints []string `envconfig:"ENDPOINTS" default:"http://localhost:8545"`

	// Submitter is the shared submitting identity attached to every ledger
	// call. Votes are never signed by end users.
	Submitter string `envconfig:"SUBMITTER" default:"sealedvote-relayer"`

	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"15s"`
	InclusionTimeout  time.Duration `envconfig:"INCLUSION_TIMEOUT" default:"90s"`
	InclusionInterval time.Duration `envconfig:"INCLUSION_INTERVAL" default:"2s"`
	RPS               int           `envconfig:"RPS" default:"20"`
	Burst             int           `envconfig:"BURST" default:"40"`
}

type EncryptorConfig struct {
	// Endpoint of the external encryptor service. Empty disables the
	// compatibility path that fetches input handles server-side; clients must
	// then always supply a ciphertext reference.
	Endpoint       string        `envconfig:"ENDPOINT" default:""`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"20s"`
}

type QueueConfig struct {
	// Retention is how long completed and failed jobs stay queryable.
	Retention time.Duration `envconfig:"RETENTION" default:"24h"`

	// VisibilityTimeout is how long a delivered job may sit unacknowledged
	// before it is reclaimed and redelivered.
	VisibilityTimeout time.Duration `envconfig:"VISIBILITY_TIMEOUT" default:"5m"`

	SubmissionMaxAttempts int           `envconfig:"SUBMISSION_MAX_ATTEMPTS" default:"5"`
	SubmissionBackoffBase time.Duration `envconfig:"SUBMISSION_BACKOFF_BASE" default:"2s"`
	SubmissionBackoffCap  time.Duration `envconfig:"SUBMISSION_BACKOFF_CAP" default:"1m"`

	TallyMaxAttempts int           `envconfig:"TALLY_MAX_ATTEMPTS" default:"3"`
	TallyBackoffBase time.Duration `envconfig:"TALLY_BACKOFF_BASE" default:"30s"`
	TallyBackoffCap  time.Duration `envconfig:"TALLY_BACKOFF_CAP" default:"10m"`

	// TallySettleDelay is the mandatory delay between enqueueing a tally job
	// and its first execution, so trailing submissions can settle.
	TallySettleDelay time.Duration `envconfig:"TALLY_SETTLE_DELAY" default:"60s"`
}

type WorkerConfig struct {
	SubmissionConcurrency int `envconfig:"SUBMISSION_CONCURRENCY" default:"8"`
	TallyConcurrency      int `envconfig:"TALLY_CONCURRENCY" default:"1"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("SEALEDVOTE", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

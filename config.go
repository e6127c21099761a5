package rangemove

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// KVBucketConfig configures the NATS JetStream KV buckets shared by all shards.
type KVBucketConfig struct {
	// CatalogBucket stores the durable layout of every sharded collection.
	// It never expires entries.
	CatalogBucket string `yaml:"catalogBucket"`

	// LockBucket stores the per-collection migration locks.
	// Its TTL is Config.LockTTL.
	LockBucket string `yaml:"lockBucket"`

	// MembershipBucket stores the membership lease of every running shard.
	// Its TTL is Config.MembershipTTL.
	MembershipBucket string `yaml:"membershipBucket"`
}

// RetryConfig controls the exponential backoff of step signals.
type RetryConfig struct {
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration `yaml:"initialInterval"`

	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration `yaml:"maxInterval"`

	// MaxElapsedTime bounds the retries of one step signal. A recipient that
	// stays unreachable this long makes the donor abort.
	MaxElapsedTime time.Duration `yaml:"maxElapsedTime"`
}

// ============================================================================
// Migration Timing Model
// ============================================================================
//
//	CloneInitiated ── Cloned ── CommitPending ── Committed
//	|<-------- CatchUpTimeout -------->|
//	                            |<- CommitTimeout ->|
//
// CatchUpTimeout bounds the clone and the catch-up on buffered writes; the
// donor keeps serving writes during that time. CommitTimeout bounds the
// critical section in which writes to the migrating range wait. A recipient
// that is ready to commit but hears nothing for CommitResolveTimeout reads the
// outcome from the catalog.
//
// Configuration Constraints:
//   - StepTimeout < CommitTimeout (a step signal fits in the critical section)
//   - LockTTL >= 3 * StepTimeout (a lease survives one slow renewal)
//
// ============================================================================

// Config is the configuration of a Shard.
//
// All duration fields accept standard Go duration strings like "30s", "5m", "1h".
type Config struct {
	// ShardID is the identity of this shard. It names the shard in every
	// layout and in the NATS subjects it serves.
	ShardID ShardID `yaml:"shardId"`

	// SubjectPrefix is the first token of every NATS subject used by shards.
	SubjectPrefix string `yaml:"subjectPrefix"`

	// CloneBatchSize is the number of documents per clone batch.
	CloneBatchSize int `yaml:"cloneBatchSize"`

	// ModsBatchSize is the number of buffered writes per transfer. The donor
	// enters the commit once no more than this many writes are buffered.
	ModsBatchSize int `yaml:"modsBatchSize"`

	// MaxCatchUpRounds bounds the status polls spent waiting for the buffered
	// writes to shrink below ModsBatchSize before committing anyway.
	MaxCatchUpRounds int `yaml:"maxCatchUpRounds"`

	// CleanupBatchSize is the number of orphaned documents deleted per cleanup batch.
	CleanupBatchSize int `yaml:"cleanupBatchSize"`

	// RangeDeleteBatchSize is the number of documents deleted per range deletion batch.
	RangeDeleteBatchSize int `yaml:"rangeDeleteBatchSize"`

	// RangeDeleteYield is the pause between range deletion batches.
	RangeDeleteYield time.Duration `yaml:"rangeDeleteYield"`

	// StepTimeout bounds every cross-shard request attempt.
	StepTimeout time.Duration `yaml:"stepTimeout"`

	// StatusPollInterval is the delay between donor status polls and
	// recipient pulls of buffered writes.
	StatusPollInterval time.Duration `yaml:"statusPollInterval"`

	// CatchUpTimeout bounds the clone and catch-up phases of a migration.
	CatchUpTimeout time.Duration `yaml:"catchUpTimeout"`

	// CommitTimeout bounds the phase in which writes to the migrating range are blocked.
	CommitTimeout time.Duration `yaml:"commitTimeout"`

	// CommitResolveTimeout is how long a recipient ready to commit waits for
	// the donor before reading the outcome from the catalog.
	CommitResolveTimeout time.Duration `yaml:"commitResolveTimeout"`

	// LockTTL is how long a collection lock survives without renewal.
	// Leases are renewed every LockTTL/3.
	LockTTL time.Duration `yaml:"lockTtl"`

	// HeartbeatInterval is how often a shard renews its membership lease.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	// MembershipTTL is how long a membership lease survives without renewal.
	// A crashed shard is no longer listed after this long.
	MembershipTTL time.Duration `yaml:"membershipTtl"`

	// OperationTimeout is the timeout for catalog operations made outside a migration.
	OperationTimeout time.Duration `yaml:"operationTimeout"`

	// ShutdownTimeout is the maximum time Stop waits for running work.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`

	// KVBuckets controls NATS JetStream KV bucket names.
	KVBuckets KVBucketConfig `yaml:"kvBuckets"`

	// Retry controls the backoff of step signals.
	Retry RetryConfig `yaml:"retry"`
}

// DefaultConfig returns a Config with sensible defaults. ShardID has no default.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:        "rangemove",
		CloneBatchSize:       128,
		ModsBatchSize:        256,
		MaxCatchUpRounds:     100,
		CleanupBatchSize:     100,
		RangeDeleteBatchSize: 128,
		RangeDeleteYield:     10 * time.Millisecond,
		StepTimeout:          5 * time.Second,
		StatusPollInterval:   50 * time.Millisecond,
		CatchUpTimeout:       10 * time.Minute,
		CommitTimeout:        30 * time.Second,
		CommitResolveTimeout: 30 * time.Second,
		LockTTL:              30 * time.Second,
		HeartbeatInterval:    2 * time.Second,
		MembershipTTL:        6 * time.Second,
		OperationTimeout:     10 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		KVBuckets: KVBucketConfig{
			CatalogBucket:    "rangemove-catalog",
			LockBucket:       "rangemove-locks",
			MembershipBucket: "rangemove-shards",
		},
		Retry: RetryConfig{
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			MaxElapsedTime:  10 * time.Second,
		},
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = defaults.SubjectPrefix
	}
	if cfg.CloneBatchSize == 0 {
		cfg.CloneBatchSize = defaults.CloneBatchSize
	}
	if cfg.ModsBatchSize == 0 {
		cfg.ModsBatchSize = defaults.ModsBatchSize
	}
	if cfg.MaxCatchUpRounds == 0 {
		cfg.MaxCatchUpRounds = defaults.MaxCatchUpRounds
	}
	if cfg.CleanupBatchSize == 0 {
		cfg.CleanupBatchSize = defaults.CleanupBatchSize
	}
	if cfg.RangeDeleteBatchSize == 0 {
		cfg.RangeDeleteBatchSize = defaults.RangeDeleteBatchSize
	}
	// Note: RangeDeleteYield of 0 is valid (no pause between batches)
	if cfg.StepTimeout == 0 {
		cfg.StepTimeout = defaults.StepTimeout
	}
	if cfg.StatusPollInterval == 0 {
		cfg.StatusPollInterval = defaults.StatusPollInterval
	}
	if cfg.CatchUpTimeout == 0 {
		cfg.CatchUpTimeout = defaults.CatchUpTimeout
	}
	if cfg.CommitTimeout == 0 {
		cfg.CommitTimeout = defaults.CommitTimeout
	}
	if cfg.CommitResolveTimeout == 0 {
		cfg.CommitResolveTimeout = defaults.CommitResolveTimeout
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.MembershipTTL == 0 {
		cfg.MembershipTTL = defaults.MembershipTTL
	}
	if cfg.OperationTimeout == 0 {
		cfg.OperationTimeout = defaults.OperationTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if cfg.KVBuckets.CatalogBucket == "" {
		cfg.KVBuckets.CatalogBucket = defaults.KVBuckets.CatalogBucket
	}
	if cfg.KVBuckets.LockBucket == "" {
		cfg.KVBuckets.LockBucket = defaults.KVBuckets.LockBucket
	}
	if cfg.KVBuckets.MembershipBucket == "" {
		cfg.KVBuckets.MembershipBucket = defaults.KVBuckets.MembershipBucket
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = defaults.Retry.InitialInterval
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = defaults.Retry.MaxInterval
	}
	if cfg.Retry.MaxElapsedTime == 0 {
		cfg.Retry.MaxElapsedTime = defaults.Retry.MaxElapsedTime
	}
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - ShardID is a valid shard name
//   - Batch sizes and MaxCatchUpRounds are positive
//   - StepTimeout < CommitTimeout (a step signal fits in the critical section)
//   - LockTTL >= 3 * StepTimeout (a lease survives one slow renewal)
//   - MembershipTTL >= 2 * HeartbeatInterval (a lease survives one missed heartbeat)
//   - Retry.InitialInterval <= Retry.MaxInterval
//   - KV bucket names are distinct
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	if err := cfg.ShardID.Validate(); err != nil {
		return fmt.Errorf("%w: ShardID: %w", ErrInvalidConfig, err)
	}
	if cfg.SubjectPrefix == "" {
		return fmt.Errorf("%w: SubjectPrefix must not be empty", ErrInvalidConfig)
	}

	for name, size := range map[string]int{
		"CloneBatchSize":       cfg.CloneBatchSize,
		"ModsBatchSize":        cfg.ModsBatchSize,
		"MaxCatchUpRounds":     cfg.MaxCatchUpRounds,
		"CleanupBatchSize":     cfg.CleanupBatchSize,
		"RangeDeleteBatchSize": cfg.RangeDeleteBatchSize,
	} {
		if size <= 0 {
			return fmt.Errorf("%w: %s must be > 0, got %d", ErrInvalidConfig, name, size)
		}
	}

	if cfg.StepTimeout >= cfg.CommitTimeout {
		return fmt.Errorf(
			"%w: StepTimeout (%v) must be < CommitTimeout (%v) so a step signal fits in the commit",
			ErrInvalidConfig, cfg.StepTimeout, cfg.CommitTimeout,
		)
	}

	if cfg.LockTTL < 3*cfg.StepTimeout {
		return fmt.Errorf(
			"%w: LockTTL (%v) must be >= 3*StepTimeout (%v) so a lease survives a slow renewal",
			ErrInvalidConfig, cfg.LockTTL, cfg.StepTimeout,
		)
	}

	if cfg.MembershipTTL < 2*cfg.HeartbeatInterval {
		return fmt.Errorf(
			"%w: MembershipTTL (%v) must be >= 2*HeartbeatInterval (%v) so a lease survives a missed heartbeat",
			ErrInvalidConfig, cfg.MembershipTTL, cfg.HeartbeatInterval,
		)
	}

	if cfg.Retry.InitialInterval > cfg.Retry.MaxInterval {
		return fmt.Errorf(
			"%w: Retry.InitialInterval (%v) must be <= Retry.MaxInterval (%v)",
			ErrInvalidConfig, cfg.Retry.InitialInterval, cfg.Retry.MaxInterval,
		)
	}

	buckets := map[string]string{}
	for name, bucket := range map[string]string{
		"catalog":    cfg.KVBuckets.CatalogBucket,
		"lock":       cfg.KVBuckets.LockBucket,
		"membership": cfg.KVBuckets.MembershipBucket,
	} {
		if other, ok := buckets[bucket]; ok {
			return fmt.Errorf("%w: %s and %s buckets must differ, both are %q",
				ErrInvalidConfig, other, name, bucket)
		}
		buckets[bucket] = name
	}

	return nil
}

// ValidateWithWarnings checks configuration and logs warnings for non-recommended values.
//
// This is called after Validate() in NewShard() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.CommitResolveTimeout < cfg.CommitTimeout {
		logger.Warn(
			"CommitResolveTimeout is below CommitTimeout, recipients may poll the catalog during slow commits",
			"commitResolveTimeout", cfg.CommitResolveTimeout,
			"commitTimeout", cfg.CommitTimeout,
		)
	}

	if cfg.ModsBatchSize < cfg.CloneBatchSize {
		logger.Warn(
			"ModsBatchSize is below CloneBatchSize, catch-up may need many rounds under write load",
			"modsBatchSize", cfg.ModsBatchSize,
			"cloneBatchSize", cfg.CloneBatchSize,
		)
	}

	if cfg.Retry.MaxElapsedTime > cfg.CatchUpTimeout {
		logger.Warn(
			"Retry.MaxElapsedTime exceeds CatchUpTimeout, retries may outlive the migration",
			"maxElapsedTime", cfg.Retry.MaxElapsedTime,
			"catchUpTimeout", cfg.CatchUpTimeout,
		)
	}
}

// LoadConfig reads a YAML configuration file and applies defaults.
//
// Parameters:
//   - path: Path of the YAML file
//
// Returns:
//   - Config: Loaded configuration with defaults applied, validated
//   - error: Read, parse or validation error
//
// Example:
//
//	cfg, err := rangemove.LoadConfig("/etc/rangemove/shard0.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}

	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Join(ErrInvalidConfig, fmt.Errorf("failed to parse config: %w", err))
	}

	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// TestConfig returns a configuration optimized for fast test execution.
//
// Test timings are 10-100x faster than production defaults. Use
// DefaultConfig() for production deployments.
//
// Parameters:
//   - shard: Shard ID of the configuration
//
// Returns:
//   - Config: Configuration with fast timings for tests
//
// Example:
//
//	cfg := rangemove.TestConfig("shard0")
//	shard, err := rangemove.NewShard(&cfg, nc)
func TestConfig(shard ShardID) Config {
	cfg := DefaultConfig()
	cfg.ShardID = shard

	// Fast timings for test execution
	cfg.CloneBatchSize = 8
	cfg.ModsBatchSize = 16
	cfg.CleanupBatchSize = 4
	cfg.RangeDeleteBatchSize = 4
	cfg.RangeDeleteYield = 0
	cfg.StepTimeout = 500 * time.Millisecond
	cfg.StatusPollInterval = 5 * time.Millisecond
	cfg.CatchUpTimeout = 10 * time.Second
	cfg.CommitTimeout = 2 * time.Second
	cfg.CommitResolveTimeout = 2 * time.Second
	cfg.LockTTL = 3 * time.Second
	cfg.HeartbeatInterval = 100 * time.Millisecond
	cfg.MembershipTTL = time.Second
	cfg.OperationTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Retry = RetryConfig{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     100 * time.Millisecond,
		MaxElapsedTime:  time.Second,
	}

	return cfg
}

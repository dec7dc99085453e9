package engine

import (
	"errors"
	"time"

	"github.com/canopy-network/twbx/pkg/dispatch"
	"github.com/canopy-network/twbx/pkg/pricing"
	"github.com/canopy-network/twbx/pkg/utils"
)

const hourMs = int64(time.Hour / time.Millisecond)

// Config is the process configuration, read from the environment.
type Config struct {
	RegistryPath string
	RunnerID     string

	WindowMs            int64
	MaxBoundaries       int
	PricePositionsAtNow bool

	Sink      dispatch.Config
	Price     pricing.Config
	CoinGecko pricing.CoinGeckoConfig

	StoreKeyPrefix  string
	SourceEndpoints []string
	SourceRPS       int

	CronSpec          string
	MaxBlocksPerBatch int64
	MaxBatchesPerRun  int
	Parallelism       int
}

// LoadConfig reads Config from the environment. The window is BALANCE_FLUSH_INTERVAL_HOURS hours
// unless WINDOW_MS overrides it.
func LoadConfig() (Config, error) {
	windowMs := int64(utils.EnvInt("BALANCE_FLUSH_INTERVAL_HOURS", 24)) * hourMs
	windowMs = utils.EnvInt64("WINDOW_MS", windowMs)

	cfg := Config{
		RegistryPath: utils.Env("REGISTRY_PATH", "registry.yaml"),
		RunnerID:     utils.Env("RUNNER_ID", "twbx"),

		WindowMs:            windowMs,
		MaxBoundaries:       utils.EnvInt("SWEEP_MAX_BOUNDARIES", 1000),
		PricePositionsAtNow: utils.EnvBool("PRICE_POSITIONS_AT_NOW", false),

		Sink: dispatch.Config{
			BaseURL:        utils.Env("SINK_URL", ""),
			APIKey:         utils.Env("SINK_API_KEY", ""),
			BatchSize:      utils.EnvInt("DISPATCH_BATCH_SIZE", dispatch.DefaultBatchSize),
			MaxRetries:     utils.EnvInt("DISPATCH_MAX_RETRIES", dispatch.DefaultMaxRetries),
			InitialBackoff: time.Duration(utils.EnvInt64("DISPATCH_INITIAL_BACKOFF_MS", 1000)) * time.Millisecond,
			MaxBackoff:     utils.EnvDuration("DISPATCH_MAX_BACKOFF", 5*time.Minute),
			MaxConcurrent:  utils.EnvInt("DISPATCH_MAX_CONCURRENT", dispatch.DefaultMaxConcurrent),
			MinTime:        time.Duration(utils.EnvInt64("DISPATCH_MIN_TIME_MS", 100)) * time.Millisecond,
		},
		Price: pricing.Config{
			BucketMs:  utils.EnvInt64("PRICE_BUCKET_MS", pricing.DefaultBucketMs),
			TTL:       utils.EnvDuration("PRICE_TTL", pricing.DefaultTTL),
			KeyPrefix: utils.Env("PRICE_KEY_PREFIX", pricing.DefaultKeyPrefix),
			// bounded well below the batch activity timeout
			LookupTimeout: utils.EnvDuration("PRICE_LOOKUP_TIMEOUT", pricing.DefaultLookupTimeout),
			FailureTTL:    utils.EnvDuration("PRICE_FAILURE_TTL", pricing.DefaultFailureTTL),
		},
		CoinGecko: pricing.CoinGeckoConfig{
			BaseURL:           utils.Env("COINGECKO_URL", ""),
			APIKey:            utils.Env("COINGECKO_API_KEY", ""),
			Demo:              utils.EnvBool("COINGECKO_DEMO", false),
			RequestsPerMinute: utils.EnvInt("COINGECKO_RPM", 30),
		},

		StoreKeyPrefix:  utils.Env("STORE_KEY_PREFIX", "twbx"),
		SourceEndpoints: utils.EnvList("SOURCE_ENDPOINTS", nil),
		SourceRPS:       utils.EnvInt("SOURCE_RPS", 50),

		CronSpec:          utils.Env("SCHEDULE_CRON", "0 */1 * * * *"),
		MaxBlocksPerBatch: utils.EnvInt64("MAX_BLOCKS_PER_BATCH", 500),
		MaxBatchesPerRun:  utils.EnvInt("MAX_BATCHES_PER_RUN", 200),
		Parallelism:       utils.EnvInt("ENGINE_PARALLELISM", 0),
	}
	return cfg, cfg.Validate()
}

// Validate checks required settings.
func (c Config) Validate() error {
	var errs []error
	if c.Sink.BaseURL == "" {
		errs = append(errs, errors.New("SINK_URL is required"))
	}
	if c.Sink.APIKey == "" {
		errs = append(errs, errors.New("SINK_API_KEY is required"))
	}
	if len(c.SourceEndpoints) == 0 {
		errs = append(errs, errors.New("SOURCE_ENDPOINTS is required"))
	}
	if c.WindowMs <= 0 {
		errs = append(errs, errors.New("window must be positive"))
	}
	return errors.Join(errs...)
}

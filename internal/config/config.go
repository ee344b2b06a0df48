package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Blob    BlobConfig    `yaml:"blob" mapstructure:"blob"`
	Cache   CacheConfig   `yaml:"cache" mapstructure:"cache"`
	Ingest  IngestConfig  `yaml:"ingest" mapstructure:"ingest"`
	Broker  BrokerConfig  `yaml:"broker" mapstructure:"broker"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Handoff HandoffConfig `yaml:"handoff" mapstructure:"handoff"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Monitor MonitorConfig `yaml:"monitor" mapstructure:"monitor"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres job/chunk store.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// BlobConfig configures the chunk/result file store.
type BlobConfig struct {
	Root string `yaml:"root" mapstructure:"root"`
}

// CacheFailureMode selects how the preprocessor reacts when a cache batch
// lookup fails.
type CacheFailureMode string

const (
	// CacheFailJob aborts the job on the first cache lookup failure.
	CacheFailJob CacheFailureMode = "fail_job"
	// CacheTreatMiss treats the failed batch as all-miss and continues.
	CacheTreatMiss CacheFailureMode = "treat_miss"
	// CacheSkip disables caching for the remainder of the run after
	// repeated failures.
	CacheSkip CacheFailureMode = "skip_cache"
)

// CacheConfig configures the verdict cache adapter.
type CacheConfig struct {
	Backend     string           `yaml:"backend" mapstructure:"backend"` // "none", "postgres", "redis"
	RedisAddr   string           `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB     int              `yaml:"redis_db" mapstructure:"redis_db"`
	RedisPass   string           `yaml:"redis_pass" mapstructure:"redis_pass"`
	TTLHours    int              `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	BatchSize   int              `yaml:"batch_size" mapstructure:"batch_size"`
	FailureMode CacheFailureMode `yaml:"failure_mode" mapstructure:"failure_mode"`
	// SkipThreshold is the consecutive-failure count that trips the
	// breaker when FailureMode is skip_cache.
	SkipThreshold int `yaml:"skip_threshold" mapstructure:"skip_threshold"`

	// CacheOnly skips live verification entirely: misses are written to
	// MissStatus instead of being queued into chunks.
	CacheOnly  bool   `yaml:"cache_only" mapstructure:"cache_only"`
	MissStatus string `yaml:"miss_status" mapstructure:"miss_status"`

	// WriteBack stores merged job results into the cache for later jobs.
	WriteBack bool `yaml:"write_back" mapstructure:"write_back"`
}

// TTL returns the cache freshness window.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// IngestConfig configures the upload preprocessor.
type IngestConfig struct {
	ChunkSize          int    `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxEmails          int    `yaml:"max_emails" mapstructure:"max_emails"` // 0 = unlimited
	DedupeMemoryLimit  int    `yaml:"dedupe_memory_limit" mapstructure:"dedupe_memory_limit"`
	WriteMissLedger    bool   `yaml:"write_miss_ledger" mapstructure:"write_miss_ledger"`
	TempDir            string `yaml:"temp_dir" mapstructure:"temp_dir"`
	XLSXRowBatch       int    `yaml:"xlsx_row_batch" mapstructure:"xlsx_row_batch"`
	FetchTimeoutSecs   int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// BrokerConfig configures the lease-based claim broker.
type BrokerConfig struct {
	LeaseSecs       int  `yaml:"lease_secs" mapstructure:"lease_secs"`
	MaxLeaseSecs    int  `yaml:"max_lease_secs" mapstructure:"max_lease_secs"`
	MaxAttempts     int  `yaml:"max_attempts" mapstructure:"max_attempts"`
	CandidateSample int  `yaml:"candidate_sample" mapstructure:"candidate_sample"`
	ProbeRouting    bool `yaml:"probe_routing" mapstructure:"probe_routing"`
	RotationPenalty bool `yaml:"rotation_penalty" mapstructure:"rotation_penalty"`
	EnginePaused    bool `yaml:"engine_paused" mapstructure:"engine_paused"`
	ClaimRatePerSec int  `yaml:"claim_rate_per_sec" mapstructure:"claim_rate_per_sec"`
	ClaimBurst      int  `yaml:"claim_burst" mapstructure:"claim_burst"`
}

// RetryConfig configures the tempfail retry planner.
type RetryConfig struct {
	Enabled        bool     `yaml:"enabled" mapstructure:"enabled"`
	MaxRetries     int      `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMinutes []int    `yaml:"backoff_minutes" mapstructure:"backoff_minutes"`
	Reasons        []string `yaml:"reasons" mapstructure:"reasons"`
}

// HandoffConfig configures the screening-to-probe handoff planner.
type HandoffConfig struct {
	HardInvalidReasons []string `yaml:"hard_invalid_reasons" mapstructure:"hard_invalid_reasons"`
}

// ServerConfig configures the worker-facing API server.
type ServerConfig struct {
	Port                   int `yaml:"port" mapstructure:"port"`
	HeartbeatThresholdSecs int `yaml:"heartbeat_threshold_secs" mapstructure:"heartbeat_threshold_secs"`
	CheckIntervalSecs      int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// HeartbeatThreshold returns the window after which a silent server is
// considered offline.
func (s ServerConfig) HeartbeatThreshold() time.Duration {
	return time.Duration(s.HeartbeatThresholdSecs) * time.Second
}

// MonitorConfig configures queue health alerting.
type MonitorConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BacklogThreshold     int     `yaml:"backlog_threshold" mapstructure:"backlog_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("VERIFYD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("blob.root", "/var/lib/verifyd/blobs")
	v.SetDefault("cache.backend", "none")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.ttl_hours", 720)
	v.SetDefault("cache.batch_size", 500)
	v.SetDefault("cache.failure_mode", "treat_miss")
	v.SetDefault("cache.skip_threshold", 3)
	v.SetDefault("cache.miss_status", "unknown")
	v.SetDefault("cache.write_back", true)
	v.SetDefault("ingest.chunk_size", 2000)
	v.SetDefault("ingest.max_emails", 0)
	v.SetDefault("ingest.dedupe_memory_limit", 100000)
	v.SetDefault("ingest.write_miss_ledger", true)
	v.SetDefault("ingest.temp_dir", "/tmp/verifyd")
	v.SetDefault("ingest.xlsx_row_batch", 1000)
	v.SetDefault("ingest.fetch_timeout_secs", 120)
	v.SetDefault("broker.lease_secs", 900)
	v.SetDefault("broker.max_lease_secs", 3600)
	v.SetDefault("broker.max_attempts", 3)
	v.SetDefault("broker.candidate_sample", 50)
	v.SetDefault("broker.probe_routing", true)
	v.SetDefault("broker.rotation_penalty", true)
	v.SetDefault("broker.claim_rate_per_sec", 5)
	v.SetDefault("broker.claim_burst", 10)
	v.SetDefault("retry.enabled", true)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_minutes", []int{15, 60, 240})
	v.SetDefault("retry.reasons", []string{"smtp_tempfail", "greylisted", "dns_timeout", "mailbox_busy"})
	v.SetDefault("handoff.hard_invalid_reasons", []string{"syntax", "mx_missing", "domain_not_found", "disposable"})
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.heartbeat_threshold_secs", 120)
	v.SetDefault("server.check_interval_secs", 60)
	v.SetDefault("monitor.failure_rate_threshold", 0.25)
	v.SetDefault("monitor.backlog_threshold", 0)
	v.SetDefault("monitor.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

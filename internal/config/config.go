// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Backoff is a reusable exponential backoff shape, applied per error kind.
type Backoff struct {
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	MaxAttempts int          `mapstructure:"max_attempts"`
}

// JobStore configures the authoritative relational job store.
type JobStore struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite3"
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	WriteRetries    int           `mapstructure:"write_retries"`
	WriteRetryBase  time.Duration `mapstructure:"write_retry_base"`
	WriteRetryMax   time.Duration `mapstructure:"write_retry_max"`
	ResultTTL       time.Duration `mapstructure:"result_ttl"`
	RefreshWindow   time.Duration `mapstructure:"refresh_window"`
}

// Queue configures admission control and Redis-backed dispatch.
type Queue struct {
	MaxConcurrentConversions int           `mapstructure:"max_concurrent_conversions"`
	HardCap                  int           `mapstructure:"hard_cap"`
	DispatchListKey          string        `mapstructure:"dispatch_list_key"`
	ProcessingListPattern    string        `mapstructure:"processing_list_pattern"`
	HeartbeatKeyPattern      string        `mapstructure:"heartbeat_key_pattern"`
	HeartbeatTTL             time.Duration `mapstructure:"heartbeat_ttl"`
	BRPopLPushTimeout        time.Duration `mapstructure:"brpoplpush_timeout"`
	ProcessingTimeout        time.Duration `mapstructure:"processing_timeout"`
}

// Orchestrator configures the conversion pipeline driver.
type Orchestrator struct {
	ProgressStaleAfter time.Duration      `mapstructure:"progress_stale_after"`
	StageTimeouts      map[string]time.Duration `mapstructure:"stage_timeouts"`
	RetryPolicies      map[string]Backoff `mapstructure:"retry_policies"`
}

// Processor configures the HTTP client to the downstream media processor.
type Processor struct {
	BaseURL            string        `mapstructure:"base_url"`
	MetadataTimeout    time.Duration `mapstructure:"metadata_timeout"`
	HealthTimeout      time.Duration `mapstructure:"health_timeout"`
	ConvertTimeout     time.Duration `mapstructure:"convert_timeout"`
	CallbackPath       string        `mapstructure:"callback_path"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// BlobStore configures presigned-URL issuance for converted artifacts.
type BlobStore struct {
	Backend         string        `mapstructure:"backend"` // "s3" or "file"
	Bucket          string        `mapstructure:"bucket"`
	Region          string        `mapstructure:"region"`
	BaseDir         string        `mapstructure:"base_dir"` // for the file backend
	PresignTTL      time.Duration `mapstructure:"presign_ttl"`
}

// PushChannel configures the WebSocket fan-out manager.
type PushChannel struct {
	ListenAddr          string        `mapstructure:"listen_addr"`
	Path                string        `mapstructure:"path"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins"`
	AllowedOriginRegex  []string      `mapstructure:"allowed_origin_regex"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	ReadDeadline        time.Duration `mapstructure:"read_deadline"`
	WriteDeadline       time.Duration `mapstructure:"write_deadline"`
	OutboundQueueSize   int           `mapstructure:"outbound_queue_size"`
	TerminalGracePeriod time.Duration `mapstructure:"terminal_grace_period"`
}

// Monitor configures the progress & recovery monitor's tick cadence.
type Monitor struct {
	TickInterval        time.Duration `mapstructure:"tick_interval"`
	StuckThreshold      time.Duration `mapstructure:"stuck_threshold"`
	MaxRecoveryAttempts int           `mapstructure:"max_recovery_attempts"`
	ExpirySweepCron     string        `mapstructure:"expiry_sweep_cron"`
}

type TracingConfig struct {
	Enabled               bool              `mapstructure:"enabled"`
	Endpoint              string            `mapstructure:"endpoint"`
	Environment           string            `mapstructure:"environment"`
	SamplingStrategy      string            `mapstructure:"sampling_strategy"`
	SamplingRate          float64           `mapstructure:"sampling_rate"`
	BatchTimeout          time.Duration     `mapstructure:"batch_timeout"`
	MaxExportBatchSize    int               `mapstructure:"max_export_batch_size"`
	Headers               map[string]string `mapstructure:"headers"`
	Insecure              bool              `mapstructure:"insecure"`
	PropagationFormat     string            `mapstructure:"propagation_format"`
	AttributeAllowlist    []string          `mapstructure:"attribute_allowlist"`
	RedactSensitive       bool              `mapstructure:"redact_sensitive"`
	EnableMetricExemplars bool              `mapstructure:"enable_metric_exemplars"`
}

// Tracing is a backwards-compatible alias
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias
type Observability = ObservabilityConfig

// Submitter configures the batch URL-submission CLI tool.
type Submitter struct {
	SeedDir         string   `mapstructure:"seed_dir"`
	IncludeGlobs    []string `mapstructure:"include_globs"`
	ExcludeGlobs    []string `mapstructure:"exclude_globs"`
	APIBaseURL      string   `mapstructure:"api_base_url"`
	RateLimitPerSec float64  `mapstructure:"rate_limit_per_sec"`
}

// API configures the public-facing HTTP surface (submit/status/validate).
type API struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// AdminAPI configures the operator-facing HTTP surface.
type AdminAPI struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTIssuer     string        `mapstructure:"jwt_issuer"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	DenyByDefault bool          `mapstructure:"deny_by_default"`

	// Operators are the local login accounts for deployments without an
	// external identity provider minting tokens; passwords are stored as
	// bcrypt hashes only.
	Operators []OperatorAccount `mapstructure:"operators"`

	RateLimitEnabled   bool `mapstructure:"rate_limit_enabled"`
	RateLimitPerMinute int  `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int  `mapstructure:"rate_limit_burst"`

	AuditEnabled    bool   `mapstructure:"audit_enabled"`
	AuditLogPath    string `mapstructure:"audit_log_path"`
	AuditRotateSize int64  `mapstructure:"audit_rotate_size"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`

	CORSEnabled    bool     `mapstructure:"cors_enabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	CancelConfirmationPhrase string `mapstructure:"cancel_confirmation_phrase"`
}

// OperatorAccount is one local admin-API login.
type OperatorAccount struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	JobStore       JobStore       `mapstructure:"job_store"`
	Queue          Queue          `mapstructure:"queue"`
	Orchestrator   Orchestrator   `mapstructure:"orchestrator"`
	Processor      Processor      `mapstructure:"processor"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	BlobStore      BlobStore      `mapstructure:"blob_store"`
	PushChannel    PushChannel    `mapstructure:"push_channel"`
	Monitor        Monitor        `mapstructure:"monitor"`
	Observability  Observability  `mapstructure:"observability"`
	Submitter      Submitter      `mapstructure:"submitter"`
	API            API            `mapstructure:"api"`
	AdminAPI       AdminAPI       `mapstructure:"admin_api"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		JobStore: JobStore{
			Driver:         "sqlite3",
			DSN:            "file:jobs.db?cache=shared&_busy_timeout=5000",
			MaxOpenConns:   10,
			MaxIdleConns:   5,
			WriteRetries:   3,
			WriteRetryBase: 100 * time.Millisecond,
			WriteRetryMax:  400 * time.Millisecond,
			ResultTTL:      24 * time.Hour,
			RefreshWindow:  1 * time.Hour,
		},
		Queue: Queue{
			MaxConcurrentConversions: 8,
			HardCap:                  200,
			DispatchListKey:          "convert:queue:pending",
			ProcessingListPattern:    "convert:queue:worker:%s:processing",
			HeartbeatKeyPattern:      "convert:queue:heartbeat:%s",
			HeartbeatTTL:             30 * time.Second,
			BRPopLPushTimeout:        1 * time.Second,
			ProcessingTimeout:        10 * time.Minute,
		},
		Orchestrator: Orchestrator{
			ProgressStaleAfter: 45 * time.Second,
			StageTimeouts: map[string]time.Duration{
				"extract_metadata": 30 * time.Second,
				"download":         5 * time.Minute,
				"transcode":        10 * time.Minute,
				"upload":           2 * time.Minute,
				"finalize":         10 * time.Second,
			},
			RetryPolicies: map[string]Backoff{
				"transient_network": {Base: 1 * time.Second, Max: 30 * time.Second, Multiplier: 2, MaxAttempts: 5},
				"processor_overloaded": {Base: 2 * time.Second, Max: 60 * time.Second, Multiplier: 2, MaxAttempts: 5},
				"rate_limited": {Base: 5 * time.Second, Max: 2 * time.Minute, Multiplier: 2, MaxAttempts: 4},
				"storage_unavailable": {Base: 500 * time.Millisecond, Max: 10 * time.Second, Multiplier: 2, MaxAttempts: 3},
			},
		},
		Processor: Processor{
			BaseURL:         "http://localhost:8081",
			MetadataTimeout: 30 * time.Second,
			HealthTimeout:   5 * time.Second,
			ConvertTimeout:  10 * time.Minute,
			CallbackPath:    "/internal/progress-callback",
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		BlobStore: BlobStore{
			Backend:    "file",
			BaseDir:    "./data/artifacts",
			PresignTTL: 1 * time.Hour,
		},
		PushChannel: PushChannel{
			ListenAddr:          ":8090",
			Path:                "/ws",
			AllowedOrigins:      []string{"http://localhost:3000"},
			HeartbeatInterval:   30 * time.Second,
			ReadDeadline:        60 * time.Second,
			WriteDeadline:       10 * time.Second,
			OutboundQueueSize:   100,
			TerminalGracePeriod: 15 * time.Second,
		},
		Monitor: Monitor{
			TickInterval:        2 * time.Minute,
			StuckThreshold:      10 * time.Minute,
			MaxRecoveryAttempts: 3,
			ExpirySweepCron:     "0 3 * * *",
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Submitter: Submitter{
			SeedDir:         "./data/seeds",
			IncludeGlobs:    []string{"**/*.txt"},
			ExcludeGlobs:    []string{"**/*.tmp"},
			APIBaseURL:      "http://localhost:8080",
			RateLimitPerSec: 5,
		},
		API: API{
			ListenAddr: ":8080",
		},
		AdminAPI: AdminAPI{
			ListenAddr:      ":8091",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			JWTIssuer:       "media-convert-orchestrator",
			TokenTTL:        1 * time.Hour,
			DenyByDefault:   true,
			AllowedOrigins:  []string{"http://localhost:3000"},

			RateLimitEnabled:   true,
			RateLimitPerMinute: 100,
			RateLimitBurst:     10,

			AuditEnabled:    true,
			AuditLogPath:    "var/log/admin-api-audit.log",
			AuditRotateSize: 100 * 1024 * 1024,
			AuditMaxBackups: 10,

			CancelConfirmationPhrase: "CONFIRM_CANCEL",
		},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("job_store.driver", def.JobStore.Driver)
	v.SetDefault("job_store.dsn", def.JobStore.DSN)
	v.SetDefault("job_store.max_open_conns", def.JobStore.MaxOpenConns)
	v.SetDefault("job_store.max_idle_conns", def.JobStore.MaxIdleConns)
	v.SetDefault("job_store.write_retries", def.JobStore.WriteRetries)
	v.SetDefault("job_store.write_retry_base", def.JobStore.WriteRetryBase)
	v.SetDefault("job_store.write_retry_max", def.JobStore.WriteRetryMax)
	v.SetDefault("job_store.result_ttl", def.JobStore.ResultTTL)
	v.SetDefault("job_store.refresh_window", def.JobStore.RefreshWindow)

	v.SetDefault("queue.max_concurrent_conversions", def.Queue.MaxConcurrentConversions)
	v.SetDefault("queue.hard_cap", def.Queue.HardCap)
	v.SetDefault("queue.dispatch_list_key", def.Queue.DispatchListKey)
	v.SetDefault("queue.processing_list_pattern", def.Queue.ProcessingListPattern)
	v.SetDefault("queue.heartbeat_key_pattern", def.Queue.HeartbeatKeyPattern)
	v.SetDefault("queue.heartbeat_ttl", def.Queue.HeartbeatTTL)
	v.SetDefault("queue.brpoplpush_timeout", def.Queue.BRPopLPushTimeout)
	v.SetDefault("queue.processing_timeout", def.Queue.ProcessingTimeout)

	v.SetDefault("orchestrator.progress_stale_after", def.Orchestrator.ProgressStaleAfter)
	v.SetDefault("orchestrator.stage_timeouts", def.Orchestrator.StageTimeouts)
	v.SetDefault("orchestrator.retry_policies", def.Orchestrator.RetryPolicies)

	v.SetDefault("processor.base_url", def.Processor.BaseURL)
	v.SetDefault("processor.metadata_timeout", def.Processor.MetadataTimeout)
	v.SetDefault("processor.health_timeout", def.Processor.HealthTimeout)
	v.SetDefault("processor.convert_timeout", def.Processor.ConvertTimeout)
	v.SetDefault("processor.callback_path", def.Processor.CallbackPath)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("blob_store.backend", def.BlobStore.Backend)
	v.SetDefault("blob_store.bucket", def.BlobStore.Bucket)
	v.SetDefault("blob_store.region", def.BlobStore.Region)
	v.SetDefault("blob_store.base_dir", def.BlobStore.BaseDir)
	v.SetDefault("blob_store.presign_ttl", def.BlobStore.PresignTTL)

	v.SetDefault("push_channel.listen_addr", def.PushChannel.ListenAddr)
	v.SetDefault("push_channel.path", def.PushChannel.Path)
	v.SetDefault("push_channel.allowed_origins", def.PushChannel.AllowedOrigins)
	v.SetDefault("push_channel.allowed_origin_regex", def.PushChannel.AllowedOriginRegex)
	v.SetDefault("push_channel.heartbeat_interval", def.PushChannel.HeartbeatInterval)
	v.SetDefault("push_channel.read_deadline", def.PushChannel.ReadDeadline)
	v.SetDefault("push_channel.write_deadline", def.PushChannel.WriteDeadline)
	v.SetDefault("push_channel.outbound_queue_size", def.PushChannel.OutboundQueueSize)
	v.SetDefault("push_channel.terminal_grace_period", def.PushChannel.TerminalGracePeriod)

	v.SetDefault("monitor.tick_interval", def.Monitor.TickInterval)
	v.SetDefault("monitor.stuck_threshold", def.Monitor.StuckThreshold)
	v.SetDefault("monitor.max_recovery_attempts", def.Monitor.MaxRecoveryAttempts)
	v.SetDefault("monitor.expiry_sweep_cron", def.Monitor.ExpirySweepCron)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("submitter.seed_dir", def.Submitter.SeedDir)
	v.SetDefault("submitter.include_globs", def.Submitter.IncludeGlobs)
	v.SetDefault("submitter.exclude_globs", def.Submitter.ExcludeGlobs)
	v.SetDefault("submitter.api_base_url", def.Submitter.APIBaseURL)
	v.SetDefault("submitter.rate_limit_per_sec", def.Submitter.RateLimitPerSec)

	v.SetDefault("api.listen_addr", def.API.ListenAddr)

	v.SetDefault("admin_api.listen_addr", def.AdminAPI.ListenAddr)
	v.SetDefault("admin_api.read_timeout", def.AdminAPI.ReadTimeout)
	v.SetDefault("admin_api.write_timeout", def.AdminAPI.WriteTimeout)
	v.SetDefault("admin_api.shutdown_timeout", def.AdminAPI.ShutdownTimeout)
	v.SetDefault("admin_api.jwt_issuer", def.AdminAPI.JWTIssuer)
	v.SetDefault("admin_api.token_ttl", def.AdminAPI.TokenTTL)
	v.SetDefault("admin_api.deny_by_default", def.AdminAPI.DenyByDefault)
	v.SetDefault("admin_api.allowed_origins", def.AdminAPI.AllowedOrigins)
	v.SetDefault("admin_api.rate_limit_enabled", def.AdminAPI.RateLimitEnabled)
	v.SetDefault("admin_api.rate_limit_per_minute", def.AdminAPI.RateLimitPerMinute)
	v.SetDefault("admin_api.rate_limit_burst", def.AdminAPI.RateLimitBurst)
	v.SetDefault("admin_api.audit_enabled", def.AdminAPI.AuditEnabled)
	v.SetDefault("admin_api.audit_log_path", def.AdminAPI.AuditLogPath)
	v.SetDefault("admin_api.audit_rotate_size", def.AdminAPI.AuditRotateSize)
	v.SetDefault("admin_api.audit_max_backups", def.AdminAPI.AuditMaxBackups)
	v.SetDefault("admin_api.cancel_confirmation_phrase", def.AdminAPI.CancelConfirmationPhrase)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Queue.MaxConcurrentConversions < 1 {
		return fmt.Errorf("queue.max_concurrent_conversions must be >= 1")
	}
	if cfg.Queue.HardCap < cfg.Queue.MaxConcurrentConversions {
		return fmt.Errorf("queue.hard_cap must be >= queue.max_concurrent_conversions")
	}
	if cfg.Queue.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("queue.heartbeat_ttl must be >= 5s")
	}
	if cfg.Queue.BRPopLPushTimeout <= 0 || cfg.Queue.BRPopLPushTimeout > cfg.Queue.HeartbeatTTL/2 {
		return fmt.Errorf("queue.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Queue.ProcessingTimeout <= 0 {
		return fmt.Errorf("queue.processing_timeout must be > 0")
	}
	if cfg.JobStore.Driver != "postgres" && cfg.JobStore.Driver != "sqlite3" {
		return fmt.Errorf("job_store.driver must be postgres or sqlite3")
	}
	if cfg.JobStore.DSN == "" {
		return fmt.Errorf("job_store.dsn must be set")
	}
	if cfg.Processor.BaseURL == "" {
		return fmt.Errorf("processor.base_url must be set")
	}
	if cfg.PushChannel.OutboundQueueSize < 1 {
		return fmt.Errorf("push_channel.outbound_queue_size must be >= 1")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AWS holds credentials/region and the dev-mode endpoint overrides named in
// spec §6 (CLI surface: "AWS credentials and region", "--endpoint",
// "--s3_endpoint").
type AWS struct {
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Endpoint        string `mapstructure:"endpoint"`
	S3Endpoint      string `mapstructure:"s3_endpoint"`
	Dev             bool   `mapstructure:"dev"`
}

// Store names the parameter-store keys and table/bucket names spec §6 lists
// under "parameter-store key names for bucket/table/backend-config".
type Store struct {
	JobTableName       string        `mapstructure:"job_table_name"`
	ProgramBucketName  string        `mapstructure:"program_bucket_name"`
	BackendConfigParam string        `mapstructure:"backend_config_param"`
	PresignExpiry      time.Duration `mapstructure:"presign_expiry"`
}

// Roles configures per-role quotas consumed by internal/admission.
type Roles struct {
	MaxConcurrentAdmin     int   `mapstructure:"max_concurrent_admin"`
	MaxConcurrentDeveloper int   `mapstructure:"max_concurrent_developer"`
	MaxConcurrentGuest     int   `mapstructure:"max_concurrent_guest"`
	MaxJobBytesAdmin       int64 `mapstructure:"max_job_bytes_admin"`
	MaxJobBytesDeveloper   int64 `mapstructure:"max_job_bytes_developer"`
	MaxJobBytesGuest       int64 `mapstructure:"max_job_bytes_guest"`
}

// Queue configures the in-memory job queue of internal/jobqueue.
type Queue struct {
	MaxQueueBytes int64 `mapstructure:"max_queue_bytes"`
	UnifyBackends bool  `mapstructure:"unify_backends"`
}

// Servers configures the two RPC listeners and their worker pools.
type Servers struct {
	SubmissionPort       int `mapstructure:"submission_port"`
	ExecutionPort        int `mapstructure:"execution_port"`
	SubmissionMaxWorkers int `mapstructure:"submission_max_workers"`
	ExecutionMaxWorkers  int `mapstructure:"execution_max_workers"`
}

// MessageLog configures the per-job diagnostic ring (SPEC_FULL.md "Message
// log retention").
type MessageLog struct {
	Redis      Redis  `mapstructure:"redis"`
	MaxEntries int    `mapstructure:"max_entries"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

// Redis configures the message-log backing store, adapted from the teacher's
// Redis config block (internal/redisclient).
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// TracingConfig mirrors the teacher's optional OTLP tracing config.
type TracingConfig struct {
	Enabled  bool    `mapstructure:"enabled"`
	Endpoint string  `mapstructure:"endpoint"`
	Sampling float64 `mapstructure:"sampling_rate"`
}

// Observability configures logging, metrics and tracing.
type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Sweeper configures the timeout sweeper's cadence (spec §4.4).
type Sweeper struct {
	Schedule string `mapstructure:"schedule"` // robfig/cron seconds-resolution expression
}

// TokenResolver configures the external token-info service client.
type TokenResolver struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Config is the root configuration loaded from YAML + environment overrides.
type Config struct {
	AWS           AWS           `mapstructure:"aws"`
	Store         Store         `mapstructure:"store"`
	Roles         Roles         `mapstructure:"roles"`
	Queue         Queue         `mapstructure:"queue"`
	Servers       Servers       `mapstructure:"servers"`
	MessageLog    MessageLog    `mapstructure:"message_log"`
	Observability Observability `mapstructure:"observability"`
	Sweeper       Sweeper       `mapstructure:"sweeper"`
	TokenResolver TokenResolver `mapstructure:"token_resolver"`
}

func defaultConfig() *Config {
	const mb = 1 << 20
	return &Config{
		AWS: AWS{Region: "us-east-1"},
		Store: Store{
			JobTableName:       "mqc3-scheduler-jobs",
			ProgramBucketName:  "mqc3-scheduler-programs",
			BackendConfigParam: "/mqc3/scheduler/backend-config",
			PresignExpiry:      15 * time.Minute,
		},
		Roles: Roles{
			MaxConcurrentAdmin:     1000,
			MaxConcurrentDeveloper: 10,
			MaxConcurrentGuest:     5,
			MaxJobBytesAdmin:       10 * mb,
			MaxJobBytesDeveloper:   10 * mb,
			MaxJobBytesGuest:       1 * mb,
		},
		Queue: Queue{MaxQueueBytes: 100 * mb, UnifyBackends: false},
		Servers: Servers{
			SubmissionPort:       8443,
			ExecutionPort:        8444,
			SubmissionMaxWorkers: 100,
			ExecutionMaxWorkers:  10,
		},
		MessageLog: MessageLog{
			Redis: Redis{
				Addr:         "localhost:6379",
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
				MaxRetries:   3,
			},
			MaxEntries: 50,
			KeyPrefix:  "mqc3:joblog",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false, Sampling: 0.1},
		},
		Sweeper:       Sweeper{Schedule: "@every 5s"},
		TokenResolver: TokenResolver{Timeout: 2 * time.Second},
	}
}

// Load reads configuration from a YAML file with environment overrides,
// mirroring the teacher's internal/config.Load shape: a populated default,
// an optional file, then an env-var layer on top.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

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

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("aws.region", def.AWS.Region)
	v.SetDefault("aws.dev", def.AWS.Dev)

	v.SetDefault("store.job_table_name", def.Store.JobTableName)
	v.SetDefault("store.program_bucket_name", def.Store.ProgramBucketName)
	v.SetDefault("store.backend_config_param", def.Store.BackendConfigParam)
	v.SetDefault("store.presign_expiry", def.Store.PresignExpiry)

	v.SetDefault("roles.max_concurrent_admin", def.Roles.MaxConcurrentAdmin)
	v.SetDefault("roles.max_concurrent_developer", def.Roles.MaxConcurrentDeveloper)
	v.SetDefault("roles.max_concurrent_guest", def.Roles.MaxConcurrentGuest)
	v.SetDefault("roles.max_job_bytes_admin", def.Roles.MaxJobBytesAdmin)
	v.SetDefault("roles.max_job_bytes_developer", def.Roles.MaxJobBytesDeveloper)
	v.SetDefault("roles.max_job_bytes_guest", def.Roles.MaxJobBytesGuest)

	v.SetDefault("queue.max_queue_bytes", def.Queue.MaxQueueBytes)
	v.SetDefault("queue.unify_backends", def.Queue.UnifyBackends)

	v.SetDefault("servers.submission_port", def.Servers.SubmissionPort)
	v.SetDefault("servers.execution_port", def.Servers.ExecutionPort)
	v.SetDefault("servers.submission_max_workers", def.Servers.SubmissionMaxWorkers)
	v.SetDefault("servers.execution_max_workers", def.Servers.ExecutionMaxWorkers)

	v.SetDefault("message_log.redis.addr", def.MessageLog.Redis.Addr)
	v.SetDefault("message_log.redis.dial_timeout", def.MessageLog.Redis.DialTimeout)
	v.SetDefault("message_log.redis.read_timeout", def.MessageLog.Redis.ReadTimeout)
	v.SetDefault("message_log.redis.write_timeout", def.MessageLog.Redis.WriteTimeout)
	v.SetDefault("message_log.redis.max_retries", def.MessageLog.Redis.MaxRetries)
	v.SetDefault("message_log.max_entries", def.MessageLog.MaxEntries)
	v.SetDefault("message_log.key_prefix", def.MessageLog.KeyPrefix)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.sampling_rate", def.Observability.Tracing.Sampling)

	v.SetDefault("sweeper.schedule", def.Sweeper.Schedule)
	v.SetDefault("token_resolver.timeout", def.TokenResolver.Timeout)
}

// Validate rejects structurally impossible configuration before the process
// starts serving, per the teacher's internal/config.Validate.
func Validate(cfg *Config) error {
	if cfg.Servers.SubmissionMaxWorkers < 1 {
		return fmt.Errorf("servers.submission_max_workers must be >= 1")
	}
	if cfg.Servers.ExecutionMaxWorkers < 1 {
		return fmt.Errorf("servers.execution_max_workers must be >= 1")
	}
	if cfg.Servers.SubmissionPort <= 0 || cfg.Servers.SubmissionPort > 65535 {
		return fmt.Errorf("servers.submission_port must be 1..65535")
	}
	if cfg.Servers.ExecutionPort <= 0 || cfg.Servers.ExecutionPort > 65535 {
		return fmt.Errorf("servers.execution_port must be 1..65535")
	}
	if cfg.Queue.MaxQueueBytes <= 0 {
		return fmt.Errorf("queue.max_queue_bytes must be > 0")
	}
	if cfg.Roles.MaxConcurrentAdmin < 0 || cfg.Roles.MaxConcurrentDeveloper < 0 || cfg.Roles.MaxConcurrentGuest < 0 {
		return fmt.Errorf("roles.max_concurrent_* must be >= 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}

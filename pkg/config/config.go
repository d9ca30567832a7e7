// Package config binds the controller's environment contract into a typed
// struct. Every knob arrives as an environment variable; there is no config
// file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stratushq/stratus/pkg/model"
)

// Executor modes.
const (
	ModeConsistent = "consistent"
	ModeConcurrent = "concurrent"
)

// Executor isolation levels.
const (
	IsolationProcess = "process"
	IsolationInproc  = "inproc"
)

// Defaults.
const (
	DefaultRegion          = "us-east-1"
	DefaultLifetimeMinutes = 55
	DefaultParallelism     = 4
	DefaultRedisAddr       = "localhost:6379"
)

// Config is the fully resolved controller configuration.
type Config struct {
	JobID            string
	JobType          model.JobType
	TenantName       string
	PlatformID       string
	ScheduledJobName string
	BatchResultIDs   []string

	TargetRegions  []string
	DefaultRegion  string
	CredentialsKey string

	BatchJobLifetime     time.Duration
	AllowManagementCreds bool
	ExecutorMode         string
	ExecutorIsolation    string
	Parallelism          int
	HealS3Latest         bool

	RedisAddr     string
	RedisPassword string

	// ResultsBucket selects the S3 backend; empty falls back to the local
	// filesystem at StoragePath (development).
	ResultsBucket string
	StoragePath   string

	LicenseBrokerURL string
	OTELEndpoint     string
}

// Load reads the environment into a Config and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("AWS_DEFAULT_REGION", DefaultRegion)
	v.SetDefault("BATCH_JOB_LIFETIME_MINUTES", DefaultLifetimeMinutes)
	v.SetDefault("JOB_TYPE", string(model.JobStandard))
	v.SetDefault("EXECUTOR_MODE", ModeConsistent)
	v.SetDefault("EXECUTOR_ISOLATION", IsolationProcess)
	v.SetDefault("EXECUTOR_PARALLELISM", DefaultParallelism)
	v.SetDefault("HEAL_S3_LATEST", true)
	v.SetDefault("REDIS_ADDR", DefaultRedisAddr)
	v.SetDefault("STORAGE_PATH", "stratus-data")

	cfg := &Config{
		JobID:            v.GetString("JOB_ID"),
		JobType:          model.JobType(v.GetString("JOB_TYPE")),
		TenantName:       v.GetString("TENANT_NAME"),
		PlatformID:       v.GetString("PLATFORM_ID"),
		ScheduledJobName: v.GetString("SCHEDULED_JOB_NAME"),
		BatchResultIDs:   splitList(v.GetString("BATCH_RESULTS_IDS")),

		TargetRegions:  splitList(v.GetString("TARGET_REGIONS")),
		DefaultRegion:  v.GetString("AWS_DEFAULT_REGION"),
		CredentialsKey: v.GetString("CREDENTIALS_KEY"),

		BatchJobLifetime:     time.Duration(v.GetInt("BATCH_JOB_LIFETIME_MINUTES")) * time.Minute,
		AllowManagementCreds: v.GetBool("ALLOW_MANAGEMENT_CREDS"),
		ExecutorMode:         v.GetString("EXECUTOR_MODE"),
		ExecutorIsolation:    v.GetString("EXECUTOR_ISOLATION"),
		Parallelism:          v.GetInt("EXECUTOR_PARALLELISM"),
		HealS3Latest:         v.GetBool("HEAL_S3_LATEST"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),

		ResultsBucket: v.GetString("RESULTS_BUCKET"),
		StoragePath:   v.GetString("STORAGE_PATH"),

		LicenseBrokerURL: v.GetString("LICENSE_BROKER_URL"),
		OTELEndpoint:     v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.JobType {
	case model.JobStandard, model.JobScheduled, model.JobEventDriven:
	default:
		return fmt.Errorf("unknown JOB_TYPE %q", c.JobType)
	}
	switch c.ExecutorMode {
	case ModeConsistent, ModeConcurrent:
	default:
		return fmt.Errorf("unknown EXECUTOR_MODE %q", c.ExecutorMode)
	}
	switch c.ExecutorIsolation {
	case IsolationProcess, IsolationInproc:
	default:
		return fmt.Errorf("unknown EXECUTOR_ISOLATION %q", c.ExecutorIsolation)
	}
	if c.TenantName == "" {
		return fmt.Errorf("TENANT_NAME is required")
	}
	if c.JobType == model.JobScheduled && c.ScheduledJobName == "" {
		return fmt.Errorf("SCHEDULED_JOB_NAME is required for scheduled jobs")
	}
	if c.JobType == model.JobStandard && c.JobID == "" {
		return fmt.Errorf("JOB_ID is required for standard jobs")
	}
	if c.BatchJobLifetime <= 0 {
		return fmt.Errorf("BATCH_JOB_LIFETIME_MINUTES must be positive")
	}
	return nil
}

// Deadline is the absolute cutoff after which no new region worker spawns.
func (c *Config) Deadline(now time.Time) time.Time {
	return now.Add(c.BatchJobLifetime)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

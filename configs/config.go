package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all environment-derived settings for the job scheduler
// process. Validation is strict: LoadConfig returns an error on any
// out-of-range value rather than silently clamping it.
type Config struct {
	MaxConcurrent   int
	LogLevel        string
	Env             string
	Port            string
	HealthCheckPort string

	SecretsFailureThreshold  int
	SecretsSuccessThreshold  int
	SecretsTimeoutMs         int
	SecretsBaseDelayMs       int
	SecretsBackoffMultiplier float64
	SecretsMaxBackoffMs      int
	SecretsCacheDir          string
	SecretsBackend           string // "vault" | "static"
	VaultAddr                string
	VaultToken               string

	EnableGitWorkflow bool
	GitBaseBranch     string
	GitBranchPrefix   string
	GitDryRun         bool
	GitHubToken       string

	RunOnStartup bool
	CronSchedule string

	MigrationKey string

	JobLogDir       string
	JobLogS3Bucket  string

	DBPath string
}

// LoadConfig reads and validates configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		MaxConcurrent:   getEnvAsInt("MAX_CONCURRENT", 5),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		Env:             getEnv("ENV", "development"),
		Port:            getEnv("PORT", getEnv("JOBS_API_PORT", "8080")),
		HealthCheckPort: getEnv("HEALTH_CHECK_PORT", "8081"),

		SecretsFailureThreshold:  getEnvAsInt("SECRETS_FAILURE_THRESHOLD", 3),
		SecretsSuccessThreshold:  getEnvAsInt("SECRETS_SUCCESS_THRESHOLD", 2),
		SecretsTimeoutMs:         getEnvAsInt("SECRETS_TIMEOUT_MS", 5000),
		SecretsBaseDelayMs:       getEnvAsInt("SECRETS_BASE_DELAY_MS", 1000),
		SecretsBackoffMultiplier: getEnvAsFloat("SECRETS_BACKOFF_MULTIPLIER", 2.0),
		SecretsMaxBackoffMs:      getEnvAsInt("SECRETS_MAX_BACKOFF_MS", 10000),
		SecretsCacheDir:          getEnv("SECRETS_CACHE_DIR", "/tmp/jobserver-secrets"),
		SecretsBackend:           getEnv("SECRETS_BACKEND", "static"),
		VaultAddr:                getEnv("VAULT_ADDR", ""),
		VaultToken:               getEnv("VAULT_TOKEN", ""),

		EnableGitWorkflow: getEnvAsBool("ENABLE_GIT_WORKFLOW", false),
		GitBaseBranch:     getEnv("GIT_BASE_BRANCH", "main"),
		GitBranchPrefix:   getEnv("GIT_BRANCH_PREFIX", "automated"),
		GitDryRun:         getEnvAsBool("GIT_DRY_RUN", false),
		GitHubToken:       getEnv("GITHUB_TOKEN", ""),

		RunOnStartup: getEnvAsBool("RUN_ON_STARTUP", false),
		CronSchedule: getEnv("CRON_SCHEDULE", "0 2 * * *"),

		MigrationKey: getEnv("MIGRATION_KEY", ""),

		JobLogDir:      getEnv("JOB_LOG_DIR", "/tmp/jobserver-logs"),
		JobLogS3Bucket: getEnv("JOB_LOG_S3_BUCKET", ""),

		DBPath: getEnv("JOB_DB_PATH", "/tmp/jobserver/jobs.db"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxConcurrent < 1 || c.MaxConcurrent > 50 {
		return fmt.Errorf("config: MAX_CONCURRENT must be in [1,50], got %d", c.MaxConcurrent)
	}
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("config: ENV must be development or production, got %q", c.Env)
	}
	if err := validatePort("PORT", c.Port); err != nil {
		return err
	}
	if err := validatePort("HEALTH_CHECK_PORT", c.HealthCheckPort); err != nil {
		return err
	}
	if c.SecretsBackend != "vault" && c.SecretsBackend != "static" {
		return fmt.Errorf("config: SECRETS_BACKEND must be vault or static, got %q", c.SecretsBackend)
	}
	if c.SecretsBackend == "vault" && c.VaultAddr == "" {
		return fmt.Errorf("config: VAULT_ADDR is required when SECRETS_BACKEND=vault")
	}
	return nil
}

func validatePort(name, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("config: %s must be a port in [1,65535], got %q", name, value)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

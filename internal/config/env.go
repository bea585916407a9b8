package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/conflict"
	"github.com/cloudshift-labs/surveyor/internal/coordinator"
	"github.com/cloudshift-labs/surveyor/internal/lifecycle"
)

// CoordinatorFromEnv creates a coordinator config from environment
// variables, falling back to defaults.
//
// Environment variables:
//   - SURVEYOR_LEASE_TTL: flow execution lease lifetime (default: 90s)
//   - SURVEYOR_HEARTBEAT_PERIOD: instance heartbeat refresh period (default: 30s)
//   - SURVEYOR_SWEEP_INTERVAL: stale instance/phase sweep period (default: 1m)
//   - SURVEYOR_RETENTION_INTERVAL: retention pass period (default: 1h)
//   - SURVEYOR_STALE_THRESHOLD: heartbeat age after which a holder is presumed dead (default: 5m)
//   - SURVEYOR_MAX_CONCURRENT_RUNS: simultaneous engine executions (default: 4)
//   - SURVEYOR_ENGINE_RETRY_INITIAL: first backoff delay after an engine failure (default: 5s)
//   - SURVEYOR_ENGINE_RETRY_MAX: backoff delay cap (default: 2m)
//   - SURVEYOR_ENGINE_RETRY_BUDGET: total retry time per phase run (default: 15m)
//
// Returns an error if any variable has an invalid value.
func CoordinatorFromEnv() (*coordinator.Config, error) {
	cfg := coordinator.DefaultConfig()

	if err := parseEnvDuration("SURVEYOR_LEASE_TTL", &cfg.LeaseTTL); err != nil {
		return nil, err
	}
	if err := parseEnvDuration("SURVEYOR_HEARTBEAT_PERIOD", &cfg.HeartbeatPeriod); err != nil {
		return nil, err
	}
	if err := parseEnvDuration("SURVEYOR_SWEEP_INTERVAL", &cfg.SweepInterval); err != nil {
		return nil, err
	}
	if err := parseEnvDuration("SURVEYOR_RETENTION_INTERVAL", &cfg.RetentionInterval); err != nil {
		return nil, err
	}
	if err := parseEnvDuration("SURVEYOR_STALE_THRESHOLD", &cfg.StaleThreshold); err != nil {
		return nil, err
	}
	runs := int(cfg.MaxConcurrentRuns)
	if err := parseEnvInt("SURVEYOR_MAX_CONCURRENT_RUNS", &runs); err != nil {
		return nil, err
	}
	cfg.MaxConcurrentRuns = int64(runs)
	if err := parseEnvDuration("SURVEYOR_ENGINE_RETRY_INITIAL", &cfg.EngineRetryInitial); err != nil {
		return nil, err
	}
	if err := parseEnvDuration("SURVEYOR_ENGINE_RETRY_MAX", &cfg.EngineRetryMax); err != nil {
		return nil, err
	}
	if err := parseEnvDuration("SURVEYOR_ENGINE_RETRY_BUDGET", &cfg.EngineRetryBudget); err != nil {
		return nil, err
	}

	if err := validateCoordinator(cfg); err != nil {
		return nil, fmt.Errorf("invalid coordinator configuration from environment: %w", err)
	}
	return cfg, nil
}

func validateCoordinator(cfg *coordinator.Config) error {
	if cfg.LeaseTTL < time.Second {
		return fmt.Errorf("lease ttl must be at least 1s (got %s)", cfg.LeaseTTL)
	}
	if cfg.HeartbeatPeriod < time.Second {
		return fmt.Errorf("heartbeat period must be at least 1s (got %s)", cfg.HeartbeatPeriod)
	}
	if cfg.SweepInterval < time.Second {
		return fmt.Errorf("sweep interval must be at least 1s (got %s)", cfg.SweepInterval)
	}
	if cfg.RetentionInterval < time.Minute {
		return fmt.Errorf("retention interval must be at least 1m (got %s)", cfg.RetentionInterval)
	}
	if cfg.StaleThreshold < cfg.HeartbeatPeriod {
		return fmt.Errorf("stale threshold (%s) must be >= heartbeat period (%s)",
			cfg.StaleThreshold, cfg.HeartbeatPeriod)
	}
	if cfg.MaxConcurrentRuns < 1 || cfg.MaxConcurrentRuns > 64 {
		return fmt.Errorf("max concurrent runs must be between 1 and 64 (got %d)", cfg.MaxConcurrentRuns)
	}
	if cfg.EngineRetryInitial <= 0 {
		return fmt.Errorf("engine retry initial must be positive (got %s)", cfg.EngineRetryInitial)
	}
	if cfg.EngineRetryMax < cfg.EngineRetryInitial {
		return fmt.Errorf("engine retry max (%s) must be >= engine retry initial (%s)",
			cfg.EngineRetryMax, cfg.EngineRetryInitial)
	}
	if cfg.EngineRetryBudget < cfg.EngineRetryMax {
		return fmt.Errorf("engine retry budget (%s) must be >= engine retry max (%s)",
			cfg.EngineRetryBudget, cfg.EngineRetryMax)
	}
	return nil
}

// ConflictFromEnv creates conflict detection thresholds from environment
// variables, falling back to defaults.
//
// Environment variables:
//   - SURVEYOR_CONFLICT_HIGH_THRESHOLD: confidence spread above which a conflict is high severity (default: 0.3)
//   - SURVEYOR_CONFLICT_AUTO_RESOLVE_THRESHOLD: spread below which opted-in tenants auto-resolve (default: 0.1)
func ConflictFromEnv() (*conflict.Config, error) {
	cfg := conflict.DefaultConfig()

	if err := parseEnvFloat("SURVEYOR_CONFLICT_HIGH_THRESHOLD", &cfg.HighSeverityThreshold); err != nil {
		return nil, err
	}
	if err := parseEnvFloat("SURVEYOR_CONFLICT_AUTO_RESOLVE_THRESHOLD", &cfg.AutoResolveThreshold); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid conflict configuration from environment: %w", err)
	}
	return cfg, nil
}

// RetentionFromEnv creates a retention policy from environment variables,
// falling back to defaults.
//
// Environment variables:
//   - SURVEYOR_EVENT_RETENTION_DAYS: retention for info/warning events in days (default: 30)
//   - SURVEYOR_EVENT_RETENTION_CRITICAL_DAYS: retention for error/critical events in days (default: 90)
//   - SURVEYOR_EVENT_PER_FLOW_LIMIT: maximum events per flow, 0 for unlimited (default: 1000)
//   - SURVEYOR_EVENT_GLOBAL_LIMIT: maximum total events (default: 100000)
//   - SURVEYOR_EVENT_CLEANUP_BATCH_SIZE: events deleted per transaction (default: 1000)
//   - SURVEYOR_EVENT_CLEANUP_VACUUM: reclaim disk space after cleanup (default: false)
//   - SURVEYOR_INSTANCE_MAX_AGE: age after which stopped instances are pruned (default: 24h)
//   - SURVEYOR_INSTANCE_KEEP: stopped instances always retained (default: 10)
func RetentionFromEnv() (*lifecycle.RetentionConfig, error) {
	cfg := lifecycle.DefaultRetentionConfig()

	if err := parseEnvInt("SURVEYOR_EVENT_RETENTION_DAYS", &cfg.RetentionDays); err != nil {
		return nil, err
	}
	if err := parseEnvInt("SURVEYOR_EVENT_RETENTION_CRITICAL_DAYS", &cfg.CriticalRetentionDays); err != nil {
		return nil, err
	}
	if err := parseEnvInt("SURVEYOR_EVENT_PER_FLOW_LIMIT", &cfg.PerFlowLimit); err != nil {
		return nil, err
	}
	if err := parseEnvInt("SURVEYOR_EVENT_GLOBAL_LIMIT", &cfg.GlobalLimit); err != nil {
		return nil, err
	}
	if err := parseEnvInt("SURVEYOR_EVENT_CLEANUP_BATCH_SIZE", &cfg.BatchSize); err != nil {
		return nil, err
	}
	if err := parseEnvBool("SURVEYOR_EVENT_CLEANUP_VACUUM", &cfg.Vacuum); err != nil {
		return nil, err
	}
	if err := parseEnvDuration("SURVEYOR_INSTANCE_MAX_AGE", &cfg.InstanceMaxAge); err != nil {
		return nil, err
	}
	if err := parseEnvInt("SURVEYOR_INSTANCE_KEEP", &cfg.InstanceKeep); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retention configuration from environment: %w", err)
	}
	return &cfg, nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvBool parses a bool from an environment variable
func parseEnvBool(key string, dest *bool) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvFloat parses a float from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvDuration parses a duration ("90s", "5m") from an environment variable
func parseEnvDuration(key string, dest *time.Duration) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cloudshift-labs/surveyor/internal/conflict"
	"github.com/cloudshift-labs/surveyor/internal/coordinator"
	"github.com/cloudshift-labs/surveyor/internal/lifecycle"
	"github.com/cloudshift-labs/surveyor/internal/storage"
	"github.com/cloudshift-labs/surveyor/internal/types"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", s.Server.Addr)
	}
	if s.Server.StaleTime != 2*time.Second {
		t.Errorf("Server.StaleTime = %v, want 2s", s.Server.StaleTime)
	}
	if s.Server.EventPageLimit != 100 {
		t.Errorf("Server.EventPageLimit = %d, want 100", s.Server.EventPageLimit)
	}
	if s.Storage.Backend != storage.BackendSQLite {
		t.Errorf("Storage.Backend = %q, want sqlite", s.Storage.Backend)
	}
	if s.Storage.Path == "" {
		t.Error("Storage.Path should default to a sqlite file location")
	}
	if s.Engine.Mode != EngineAnthropic {
		t.Errorf("Engine.Mode = %q, want anthropic", s.Engine.Mode)
	}
	if s.PhasePlanPath != "" {
		t.Errorf("PhasePlanPath = %q, want empty", s.PhasePlanPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surveyor.yaml")
	content := `server:
  addr: ":9090"
  stale_time: 5s
  event_page_limit: 250
storage:
  backend: postgres
  dsn: postgres://surveyor:secret@db:5432/surveyor
engine:
  mode: stub
phase_plan_path: plans/custom.yaml
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%s) error = %v", path, err)
	}
	if s.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", s.Server.Addr)
	}
	if s.Server.StaleTime != 5*time.Second {
		t.Errorf("Server.StaleTime = %v, want 5s", s.Server.StaleTime)
	}
	if s.Server.EventPageLimit != 250 {
		t.Errorf("Server.EventPageLimit = %d, want 250", s.Server.EventPageLimit)
	}
	if s.Storage.Backend != storage.BackendPostgres {
		t.Errorf("Storage.Backend = %q, want postgres", s.Storage.Backend)
	}
	if s.Engine.Mode != EngineStub {
		t.Errorf("Engine.Mode = %q, want stub", s.Engine.Mode)
	}
	if s.PhasePlanPath != "plans/custom.yaml" {
		t.Errorf("PhasePlanPath = %q, want plans/custom.yaml", s.PhasePlanPath)
	}

	// Unset sections keep their defaults
	if s.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want default 15s", s.Server.ReadTimeout)
	}

	apiCfg := s.APIConfig()
	if apiCfg.Addr != ":9090" || apiCfg.StaleTime != 5*time.Second {
		t.Errorf("APIConfig() = %+v, did not carry server section", apiCfg)
	}
	storeCfg := s.StorageConfig()
	if storeCfg.Backend != storage.BackendPostgres || storeCfg.DSN == "" {
		t.Errorf("StorageConfig() = %+v, did not carry storage section", storeCfg)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "surveyor.yaml")
	if err := os.WriteFile(path, []byte("server:\n  addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("SURVEYOR_SERVER_ADDR", ":7070")
	t.Setenv("SURVEYOR_STORAGE_PATH", "/var/lib/surveyor/flows.db")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Server.Addr != ":7070" {
		t.Errorf("Server.Addr = %q, want env override :7070", s.Server.Addr)
	}
	if s.Storage.Path != "/var/lib/surveyor/flows.db" {
		t.Errorf("Storage.Path = %q, want env override", s.Storage.Path)
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "storage:\n  backend: mysql\n"},
		{"postgres without dsn", "storage:\n  backend: postgres\n"},
		{"unknown engine mode", "engine:\n  mode: gemini\n"},
		{"event page limit out of range", "server:\n  event_page_limit: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "surveyor.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("Failed to write config file: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load() succeeded, want validation error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load() succeeded with a nonexistent explicit file")
	}
}

func TestCoordinatorFromEnv(t *testing.T) {
	clearEnv := []string{
		"SURVEYOR_LEASE_TTL",
		"SURVEYOR_HEARTBEAT_PERIOD",
		"SURVEYOR_SWEEP_INTERVAL",
		"SURVEYOR_RETENTION_INTERVAL",
		"SURVEYOR_STALE_THRESHOLD",
		"SURVEYOR_MAX_CONCURRENT_RUNS",
		"SURVEYOR_ENGINE_RETRY_INITIAL",
		"SURVEYOR_ENGINE_RETRY_MAX",
		"SURVEYOR_ENGINE_RETRY_BUDGET",
	}

	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *coordinator.Config)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *coordinator.Config) {
				defaults := coordinator.DefaultConfig()
				if cfg.LeaseTTL != defaults.LeaseTTL {
					t.Errorf("LeaseTTL = %v, want %v", cfg.LeaseTTL, defaults.LeaseTTL)
				}
				if cfg.MaxConcurrentRuns != defaults.MaxConcurrentRuns {
					t.Errorf("MaxConcurrentRuns = %v, want %v", cfg.MaxConcurrentRuns, defaults.MaxConcurrentRuns)
				}
				if cfg.EngineRetryBudget != defaults.EngineRetryBudget {
					t.Errorf("EngineRetryBudget = %v, want %v", cfg.EngineRetryBudget, defaults.EngineRetryBudget)
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"SURVEYOR_LEASE_TTL":           "30s",
				"SURVEYOR_HEARTBEAT_PERIOD":    "10s",
				"SURVEYOR_STALE_THRESHOLD":     "2m",
				"SURVEYOR_MAX_CONCURRENT_RUNS": "8",
				"SURVEYOR_ENGINE_RETRY_BUDGET": "30m",
			},
			check: func(t *testing.T, cfg *coordinator.Config) {
				if cfg.LeaseTTL != 30*time.Second {
					t.Errorf("LeaseTTL = %v, want 30s", cfg.LeaseTTL)
				}
				if cfg.HeartbeatPeriod != 10*time.Second {
					t.Errorf("HeartbeatPeriod = %v, want 10s", cfg.HeartbeatPeriod)
				}
				if cfg.MaxConcurrentRuns != 8 {
					t.Errorf("MaxConcurrentRuns = %v, want 8", cfg.MaxConcurrentRuns)
				}
				if cfg.EngineRetryBudget != 30*time.Minute {
					t.Errorf("EngineRetryBudget = %v, want 30m", cfg.EngineRetryBudget)
				}
			},
		},
		{
			name:    "invalid duration value",
			envVars: map[string]string{"SURVEYOR_LEASE_TTL": "ninety seconds"},
			wantErr: true,
		},
		{
			name: "stale threshold below heartbeat period",
			envVars: map[string]string{
				"SURVEYOR_HEARTBEAT_PERIOD": "1m",
				"SURVEYOR_STALE_THRESHOLD":  "30s",
			},
			wantErr: true,
		},
		{
			name:    "concurrency out of range",
			envVars: map[string]string{"SURVEYOR_MAX_CONCURRENT_RUNS": "0"},
			wantErr: true,
		},
		{
			name: "retry max below retry initial",
			envVars: map[string]string{
				"SURVEYOR_ENGINE_RETRY_INITIAL": "1m",
				"SURVEYOR_ENGINE_RETRY_MAX":     "30s",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range clearEnv {
				_ = os.Unsetenv(key)
			}
			for key, value := range tt.envVars {
				_ = os.Setenv(key, value)
			}
			defer func() {
				for _, key := range clearEnv {
					_ = os.Unsetenv(key)
				}
			}()

			cfg, err := CoordinatorFromEnv()
			if (err != nil) != tt.wantErr {
				t.Errorf("CoordinatorFromEnv() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConflictFromEnv(t *testing.T) {
	clearEnv := []string{
		"SURVEYOR_CONFLICT_HIGH_THRESHOLD",
		"SURVEYOR_CONFLICT_AUTO_RESOLVE_THRESHOLD",
	}

	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *conflict.Config)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *conflict.Config) {
				defaults := conflict.DefaultConfig()
				if cfg.HighSeverityThreshold != defaults.HighSeverityThreshold {
					t.Errorf("HighSeverityThreshold = %v, want %v",
						cfg.HighSeverityThreshold, defaults.HighSeverityThreshold)
				}
				if cfg.AutoResolveThreshold != defaults.AutoResolveThreshold {
					t.Errorf("AutoResolveThreshold = %v, want %v",
						cfg.AutoResolveThreshold, defaults.AutoResolveThreshold)
				}
			},
		},
		{
			name: "valid custom thresholds",
			envVars: map[string]string{
				"SURVEYOR_CONFLICT_HIGH_THRESHOLD":         "0.5",
				"SURVEYOR_CONFLICT_AUTO_RESOLVE_THRESHOLD": "0.2",
			},
			check: func(t *testing.T, cfg *conflict.Config) {
				if cfg.HighSeverityThreshold != 0.5 {
					t.Errorf("HighSeverityThreshold = %v, want 0.5", cfg.HighSeverityThreshold)
				}
				if cfg.AutoResolveThreshold != 0.2 {
					t.Errorf("AutoResolveThreshold = %v, want 0.2", cfg.AutoResolveThreshold)
				}
			},
		},
		{
			name:    "invalid float value",
			envVars: map[string]string{"SURVEYOR_CONFLICT_HIGH_THRESHOLD": "high"},
			wantErr: true,
		},
		{
			name: "auto-resolve above high threshold",
			envVars: map[string]string{
				"SURVEYOR_CONFLICT_HIGH_THRESHOLD":         "0.2",
				"SURVEYOR_CONFLICT_AUTO_RESOLVE_THRESHOLD": "0.4",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range clearEnv {
				_ = os.Unsetenv(key)
			}
			for key, value := range tt.envVars {
				_ = os.Setenv(key, value)
			}
			defer func() {
				for _, key := range clearEnv {
					_ = os.Unsetenv(key)
				}
			}()

			cfg, err := ConflictFromEnv()
			if (err != nil) != tt.wantErr {
				t.Errorf("ConflictFromEnv() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestRetentionFromEnv(t *testing.T) {
	clearEnv := []string{
		"SURVEYOR_EVENT_RETENTION_DAYS",
		"SURVEYOR_EVENT_RETENTION_CRITICAL_DAYS",
		"SURVEYOR_EVENT_PER_FLOW_LIMIT",
		"SURVEYOR_EVENT_GLOBAL_LIMIT",
		"SURVEYOR_EVENT_CLEANUP_BATCH_SIZE",
		"SURVEYOR_EVENT_CLEANUP_VACUUM",
		"SURVEYOR_INSTANCE_MAX_AGE",
		"SURVEYOR_INSTANCE_KEEP",
	}

	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *lifecycle.RetentionConfig)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			check: func(t *testing.T, cfg *lifecycle.RetentionConfig) {
				defaults := lifecycle.DefaultRetentionConfig()
				if cfg.RetentionDays != defaults.RetentionDays {
					t.Errorf("RetentionDays = %v, want %v", cfg.RetentionDays, defaults.RetentionDays)
				}
				if cfg.GlobalLimit != defaults.GlobalLimit {
					t.Errorf("GlobalLimit = %v, want %v", cfg.GlobalLimit, defaults.GlobalLimit)
				}
				if cfg.InstanceMaxAge != defaults.InstanceMaxAge {
					t.Errorf("InstanceMaxAge = %v, want %v", cfg.InstanceMaxAge, defaults.InstanceMaxAge)
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"SURVEYOR_EVENT_RETENTION_DAYS":          "60",
				"SURVEYOR_EVENT_RETENTION_CRITICAL_DAYS": "180",
				"SURVEYOR_EVENT_PER_FLOW_LIMIT":          "0",
				"SURVEYOR_EVENT_CLEANUP_VACUUM":          "true",
				"SURVEYOR_INSTANCE_MAX_AGE":              "72h",
			},
			check: func(t *testing.T, cfg *lifecycle.RetentionConfig) {
				if cfg.RetentionDays != 60 {
					t.Errorf("RetentionDays = %v, want 60", cfg.RetentionDays)
				}
				if cfg.CriticalRetentionDays != 180 {
					t.Errorf("CriticalRetentionDays = %v, want 180", cfg.CriticalRetentionDays)
				}
				if cfg.PerFlowLimit != 0 {
					t.Errorf("PerFlowLimit = %v, want 0 (unlimited)", cfg.PerFlowLimit)
				}
				if !cfg.Vacuum {
					t.Error("Vacuum = false, want true")
				}
				if cfg.InstanceMaxAge != 72*time.Hour {
					t.Errorf("InstanceMaxAge = %v, want 72h", cfg.InstanceMaxAge)
				}
			},
		},
		{
			name:    "invalid bool value",
			envVars: map[string]string{"SURVEYOR_EVENT_CLEANUP_VACUUM": "maybe"},
			wantErr: true,
		},
		{
			name: "critical retention below regular retention",
			envVars: map[string]string{
				"SURVEYOR_EVENT_RETENTION_DAYS":          "60",
				"SURVEYOR_EVENT_RETENTION_CRITICAL_DAYS": "30",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range clearEnv {
				_ = os.Unsetenv(key)
			}
			for key, value := range tt.envVars {
				_ = os.Setenv(key, value)
			}
			defer func() {
				for _, key := range clearEnv {
					_ = os.Unsetenv(key)
				}
			}()

			cfg, err := RetentionFromEnv()
			if (err != nil) != tt.wantErr {
				t.Errorf("RetentionFromEnv() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestLoadPhasePlanDefault(t *testing.T) {
	plan, err := LoadPhasePlan("")
	if err != nil {
		t.Fatalf("LoadPhasePlan(\"\") error = %v", err)
	}
	if len(plan.Phases) != 7 {
		t.Errorf("default plan has %d phases, want 7", len(plan.Phases))
	}
	if plan.First() != types.PhaseImportInventory {
		t.Errorf("First() = %q, want %q", plan.First(), types.PhaseImportInventory)
	}
}

func TestLoadPhasePlanFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	content := `phases:
  - name: intake
    order: 0
  - name: normalize
    order: 1
  - name: assess
    order: 2
    requires_approval: true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write plan file: %v", err)
	}

	plan, err := LoadPhasePlan(path)
	if err != nil {
		t.Fatalf("LoadPhasePlan(%s) error = %v", path, err)
	}
	if len(plan.Phases) != 3 {
		t.Fatalf("plan has %d phases, want 3", len(plan.Phases))
	}
	if plan.First() != "intake" {
		t.Errorf("First() = %q, want intake", plan.First())
	}
	if !plan.Phases[2].RequiresApproval {
		t.Error("assess phase should require approval")
	}
	if got := plan.MandatoryPhases(); len(got) != 3 {
		t.Errorf("MandatoryPhases() = %v, want all three", got)
	}
}

func TestLoadPhasePlanRejectsBadPlans(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate phase name", "phases:\n  - name: intake\n    order: 0\n  - name: intake\n    order: 1\n"},
		{"order gap", "phases:\n  - name: intake\n    order: 0\n  - name: assess\n    order: 5\n"},
		{"empty plan", "phases: []\n"},
		{"malformed yaml", "phases: [intake\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "plan.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("Failed to write plan file: %v", err)
			}
			if _, err := LoadPhasePlan(path); err == nil {
				t.Errorf("LoadPhasePlan() succeeded, want error")
			}
		})
	}

	if _, err := LoadPhasePlan(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadPhasePlan() succeeded with a nonexistent file")
	}
}

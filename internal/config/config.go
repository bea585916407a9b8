// Package config loads the orchestrator's configuration. Server and
// storage wiring come from an optional YAML file with SURVEYOR_ env
// overrides; per-concern tuning (coordinator, conflict thresholds,
// retention policy) comes from flat SURVEYOR_ env variables so a
// deployment can adjust one knob without shipping a file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cloudshift-labs/surveyor/internal/api"
	"github.com/cloudshift-labs/surveyor/internal/storage"
)

// Settings is the file-level configuration consumed by surveyor serve.
// Secrets stay out of it: the Anthropic API key is read from
// ANTHROPIC_API_KEY by the engine itself.
type Settings struct {
	Server struct {
		Addr           string        `mapstructure:"addr"`
		StaleTime      time.Duration `mapstructure:"stale_time"`
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
		EventPageLimit int           `mapstructure:"event_page_limit"`
	} `mapstructure:"server"`
	Storage struct {
		Backend string `mapstructure:"backend"`
		Path    string `mapstructure:"path"`
		DSN     string `mapstructure:"dsn"`
	} `mapstructure:"storage"`
	Engine struct {
		Mode     string `mapstructure:"mode"`
		Model    string `mapstructure:"model"`
		MaxTurns int    `mapstructure:"max_turns"`
	} `mapstructure:"engine"`
	PhasePlanPath string `mapstructure:"phase_plan_path"`
}

// Engine modes accepted by Settings
const (
	EngineAnthropic = "anthropic"
	EngineStub      = "stub"
)

// Load reads settings from a YAML file and the environment. An explicit
// path must exist; with an empty path, surveyor.yaml is searched in the
// working directory and /etc/surveyor, and running without any file is
// fine (defaults plus env apply).
func Load(path string) (*Settings, error) {
	v := viper.New()

	apiDefaults := api.DefaultConfig()
	storageDefaults := storage.DefaultConfig()
	v.SetDefault("server.addr", apiDefaults.Addr)
	v.SetDefault("server.stale_time", apiDefaults.StaleTime)
	v.SetDefault("server.read_timeout", apiDefaults.ReadTimeout)
	v.SetDefault("server.write_timeout", apiDefaults.WriteTimeout)
	v.SetDefault("server.idle_timeout", apiDefaults.IdleTimeout)
	v.SetDefault("server.event_page_limit", apiDefaults.EventPageLimit)
	v.SetDefault("storage.backend", storageDefaults.Backend)
	v.SetDefault("storage.path", storageDefaults.Path)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("engine.mode", EngineAnthropic)
	v.SetDefault("engine.model", "")
	v.SetDefault("engine.max_turns", 0)
	v.SetDefault("phase_plan_path", "")

	v.SetEnvPrefix("SURVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("surveyor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/surveyor")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &s, nil
}

// Validate checks the settings for values no deployment should run with
func (s *Settings) Validate() error {
	if s.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if s.Server.StaleTime < 0 {
		return fmt.Errorf("server.stale_time cannot be negative (got %s)", s.Server.StaleTime)
	}
	if s.Server.EventPageLimit < 1 || s.Server.EventPageLimit > 1000 {
		return fmt.Errorf("server.event_page_limit must be between 1 and 1000 (got %d)",
			s.Server.EventPageLimit)
	}

	switch s.Storage.Backend {
	case storage.BackendSQLite:
		if s.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case storage.BackendPostgres:
		if s.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q (got %q)",
			storage.BackendSQLite, storage.BackendPostgres, s.Storage.Backend)
	}

	switch s.Engine.Mode {
	case EngineAnthropic, EngineStub:
	default:
		return fmt.Errorf("engine.mode must be %q or %q (got %q)",
			EngineAnthropic, EngineStub, s.Engine.Mode)
	}
	if s.Engine.MaxTurns < 0 {
		return fmt.Errorf("engine.max_turns cannot be negative (got %d)", s.Engine.MaxTurns)
	}
	return nil
}

// APIConfig maps the server section onto the HTTP layer's config
func (s *Settings) APIConfig() *api.Config {
	return &api.Config{
		Addr:           s.Server.Addr,
		StaleTime:      s.Server.StaleTime,
		ReadTimeout:    s.Server.ReadTimeout,
		WriteTimeout:   s.Server.WriteTimeout,
		IdleTimeout:    s.Server.IdleTimeout,
		EventPageLimit: s.Server.EventPageLimit,
	}
}

// StorageConfig maps the storage section onto the backend factory's config
func (s *Settings) StorageConfig() *storage.Config {
	return &storage.Config{
		Backend: s.Storage.Backend,
		Path:    s.Storage.Path,
		DSN:     s.Storage.DSN,
	}
}

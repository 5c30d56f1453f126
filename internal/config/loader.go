package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ProjectConfigFile is the name of the project-level config file.
	ProjectConfigFile = "taskcore.yaml"
	// EnvConfigPath overrides the project config file search entirely
	// when set, e.g. for container deployments that mount a single file.
	EnvConfigPath = "TASKCORE_CONFIG"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. Project config file (taskcore.yaml in current or parent directories,
//    or the path named by TASKCORE_CONFIG)
// 3. Environment variable overrides for the secrets a file shouldn't carry
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := l.resolveConfigPath()
	if configPath != "" {
		if fileCfg, err := LoadFromFile(configPath); err == nil {
			l.logger.Debug("loaded config file", slog.String("path", configPath))
			cfg.Merge(fileCfg)
		} else if !os.IsNotExist(err) {
			l.logger.Warn("failed to load config file", slog.String("path", configPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("no config file found, using defaults")
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides layers environment variables over the file-loaded
// config, for the credentials operators keep out of a checked-in file.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TASKCORE_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("TASKCORE_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		// anthropic-sdk-go reads this directly via option.WithEnvironmentVariables;
		// presence here just means we shouldn't force mock mode.
		cfg.LLM.MockLLM = false
	}
	if v := os.Getenv("TASKCORE_MOCK_LLM"); v == "1" || v == "true" {
		cfg.LLM.MockLLM = true
	}
}

// resolveConfigPath honors TASKCORE_CONFIG first, then searches upward
// from the working directory for ProjectConfigFile.
func (l *Loader) resolveConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return l.findProjectConfig()
}

// findProjectConfig searches for taskcore.yaml in current and parent directories.
func (l *Loader) findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates a config file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.Path = absPath
	cfg.Fingerprint = Fingerprint(data)
	return cfg, nil
}

// Parse decodes raw YAML, then applies defaults and validation. Unknown keys
// are rejected.
func Parse(data []byte) (*Config, error) {
	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyConfigDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}

	q, dq := &cfg.Queue, defaults.Queue
	if q.Threads == 0 {
		q.Threads = dq.Threads
	}
	if q.PollInterval == 0 {
		q.PollInterval = dq.PollInterval
	}
	if q.MaxJobsActive == 0 {
		q.MaxJobsActive = dq.MaxJobsActive
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = dq.JobTimeout
	}
	if q.RetryBackoff == 0 {
		q.RetryBackoff = dq.RetryBackoff
	}
	if q.StopPollInterval == 0 {
		q.StopPollInterval = dq.StopPollInterval
	}
	if q.StopMaxPolls == 0 {
		q.StopMaxPolls = dq.StopMaxPolls
	}
	if q.WorkerName == "" {
		q.WorkerName = dq.WorkerName
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	if cfg.Runners == nil {
		cfg.Runners = make(map[string]RunnerConf)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validation can name the missing variable.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if err := unresolved("state.path", cfg.State.Path); err != nil {
		return err
	}

	q := cfg.Queue
	if q.Threads < 1 {
		return fmt.Errorf("queue.threads must be at least 1 (got %d)", q.Threads)
	}
	if q.PollInterval <= 0 {
		return fmt.Errorf("queue.poll_interval must be positive")
	}
	if q.MaxJobsActive < 1 {
		return fmt.Errorf("queue.max_jobs_active must be at least 1 (got %d)", q.MaxJobsActive)
	}
	if q.JobTimeout <= 0 {
		return fmt.Errorf("queue.job_timeout must be positive")
	}
	if q.RetryBackoff < 0 {
		return fmt.Errorf("queue.retry_backoff must not be negative")
	}
	if q.StopPollInterval <= 0 {
		return fmt.Errorf("queue.stop_poll_interval must be positive")
	}
	if q.StopMaxPolls < 1 {
		return fmt.Errorf("queue.stop_max_polls must be at least 1 (got %d)", q.StopMaxPolls)
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.auth: api_key or tokens required when the API is enabled")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := unresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	return nil
}

// unresolved reports a ${VAR} placeholder that survived interpolation.
func unresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

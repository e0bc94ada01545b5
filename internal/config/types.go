package config

import "time"

// Config represents the complete stevedore configuration.
type Config struct {
	Service ServiceConfig         `yaml:"service"`
	State   StateConfig           `yaml:"state"`
	Queue   QueueConfig           `yaml:"queue"`
	API     APIConfig             `yaml:"api,omitempty"`
	Runners map[string]RunnerConf `yaml:"runners,omitempty"`

	// Path is the absolute path the config was loaded from.
	Path string `yaml:"-"`
	// Fingerprint is the BLAKE3 hash of the raw config file.
	Fingerprint string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// QueueConfig tunes the local job queue and the runner lifecycle.
type QueueConfig struct {
	Threads          int           `yaml:"threads"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxJobsActive    int           `yaml:"max_jobs_active"`
	JobTimeout       time.Duration `yaml:"job_timeout"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	StopPollInterval time.Duration `yaml:"stop_poll_interval"`
	StopMaxPolls     int           `yaml:"stop_max_polls"`
	WorkerName       string        `yaml:"worker_name"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token. Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RunnerConf overrides the startup behaviour of one registered runner.
type RunnerConf struct {
	// Enabled defaults to true. A disabled runner is skipped at startup
	// but can still be started through the API.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the runner starts with the runtime.
func (r RunnerConf) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// DisabledRunners returns the identifiers configured with enabled: false.
func (c *Config) DisabledRunners() map[string]bool {
	out := make(map[string]bool)
	for id, rc := range c.Runners {
		if !rc.IsEnabled() {
			out[id] = true
		}
	}
	return out
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "stevedore",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Queue: QueueConfig{
			Threads:          1,
			PollInterval:     500 * time.Millisecond,
			MaxJobsActive:    32,
			JobTimeout:       5 * time.Minute,
			RetryBackoff:     10 * time.Second,
			StopPollInterval: 100 * time.Millisecond,
			StopMaxPolls:     600,
			WorkerName:       "stevedore",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Runners: make(map[string]RunnerConf),
	}
}

// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the overseer configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	overseererrors "github.com/tombee/overseer/pkg/errors"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the whole overseer configuration.
type Config struct {
	IPC          IPCConfig          `yaml:"ipc"`
	Paths        PathsConfig        `yaml:"paths"`
	Log          LogConfig          `yaml:"log"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	ExternalStop ExternalStopConfig `yaml:"external_stop"`
	Search       SearchConfig       `yaml:"search"`
	Web          RoleConfig         `yaml:"web"`
	TaskEngine   RoleConfig         `yaml:"task_engine"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	WatchConfig  WatchConfig        `yaml:"watch_config"`
}

// IPCConfig locates the shared command file.
type IPCConfig struct {
	// Dir holds the sharedmemory file and the overseer lock. Every overseer
	// command must agree on it.
	Dir string `yaml:"dir"`
}

// PathsConfig holds the working directories.
type PathsConfig struct {
	// Temp receives the properties files passed to the processes.
	Temp string `yaml:"temp"`
	// Data is the root of the search data directory.
	Data string `yaml:"data"`
}

// LogConfig configures the overseer's own logging.
type LogConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is the log output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`

	// ProcessFormat is how child processes write their logs (plain, json).
	// It decides how startup lines are recognized.
	ProcessFormat string `yaml:"process_format"`

	// AuditFile, when set, receives one JSON line per lifecycle transition.
	AuditFile string `yaml:"audit_file,omitempty"`
}

// SupervisorConfig holds the defaults of every supervisor.
type SupervisorConfig struct {
	PollDelay       time.Duration `yaml:"poll_delay"`
	StopTimeout     time.Duration `yaml:"stop_timeout"`
	HardStopTimeout time.Duration `yaml:"hard_stop_timeout"`
}

// ExternalStopConfig arms the watchers behind `overseer stop`.
type ExternalStopConfig struct {
	Enabled   bool          `yaml:"enabled"`
	PollDelay time.Duration `yaml:"poll_delay"`
}

// RoleConfig describes how to launch one role.
type RoleConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Executable string            `yaml:"executable"`
	Args       []string          `yaml:"args,omitempty"`
	Properties map[string]string `yaml:"properties,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	// UnsetEnv names inherited variables the process must not see.
	UnsetEnv []string `yaml:"unset_env,omitempty"`
	WorkDir  string   `yaml:"work_dir,omitempty"`

	// StopTimeout and HardStopTimeout override the supervisor defaults.
	StopTimeout     time.Duration `yaml:"stop_timeout,omitempty"`
	HardStopTimeout time.Duration `yaml:"hard_stop_timeout,omitempty"`
}

// SearchConfig describes the search node.
type SearchConfig struct {
	RoleConfig `yaml:",inline"`

	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ClusterName string `yaml:"cluster_name"`
	// DataDir defaults to <paths.data>/es.
	DataDir string `yaml:"data_dir,omitempty"`
	// StaleDataDirs are deleted before every start.
	StaleDataDirs []string `yaml:"stale_data_dirs,omitempty"`
	// Settings are merged into the generated node configuration.
	Settings map[string]any `yaml:"settings,omitempty"`

	HealthRetries       int           `yaml:"health_retries"`
	HealthRetryInterval time.Duration `yaml:"health_retry_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled    bool             `yaml:"enabled"`
	SampleRate float64          `yaml:"sample_rate"`
	Exporters  []ExporterConfig `yaml:"exporters,omitempty"`
}

// ExporterConfig defines one span export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", or "console".
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	TLS      TLSConfig         `yaml:"tls,omitempty"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
}

// TLSConfig configures TLS for exporters.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	VerifyCertificate bool   `yaml:"verify_certificate"`
	CACertPath        string `yaml:"ca_cert_path,omitempty"`
}

// WatchConfig restarts every process when the config file changes.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	temp := filepath.Join(os.TempDir(), "overseer")
	return &Config{
		IPC: IPCConfig{
			Dir: filepath.Join(temp, "ipc"),
		},
		Paths: PathsConfig{
			Temp: temp,
			Data: DataDir(),
		},
		Log: LogConfig{
			Level:         "info",
			Format:        "json",
			ProcessFormat: "plain",
		},
		Supervisor: SupervisorConfig{
			PollDelay:       500 * time.Millisecond,
			StopTimeout:     time.Minute,
			HardStopTimeout: 10 * time.Second,
		},
		ExternalStop: ExternalStopConfig{
			Enabled:   true,
			PollDelay: 500 * time.Millisecond,
		},
		Search: SearchConfig{
			RoleConfig:          RoleConfig{Enabled: true},
			Host:                "127.0.0.1",
			Port:                9001,
			ClusterName:         "overseer",
			HealthRetries:       600,
			HealthRetryInterval: 100 * time.Millisecond,
		},
		Web:        RoleConfig{Enabled: true},
		TaskEngine: RoleConfig{Enabled: true},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			SampleRate: 1.0,
		},
		WatchConfig: WatchConfig{
			Enabled:  false,
			Debounce: 500 * time.Millisecond,
		},
	}
}

// Load loads configuration from an optional YAML file and the environment.
// Environment variables take precedence over the file. If configPath is
// empty, only defaults and environment variables are used.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &overseererrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}
	if cfg.Search.DataDir == "" {
		cfg.Search.DataDir = filepath.Join(cfg.Paths.Data, "es")
	}

	if err := cfg.Validate(); err != nil {
		return nil, &overseererrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// applyDefaults fills in zero values left by a minimal file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.IPC.Dir == "" {
		c.IPC.Dir = defaults.IPC.Dir
	}
	if c.Paths.Temp == "" {
		c.Paths.Temp = defaults.Paths.Temp
	}
	if c.Paths.Data == "" {
		c.Paths.Data = defaults.Paths.Data
	}

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Log.ProcessFormat == "" {
		c.Log.ProcessFormat = defaults.Log.ProcessFormat
	}

	if c.Supervisor.PollDelay == 0 {
		c.Supervisor.PollDelay = defaults.Supervisor.PollDelay
	}
	if c.Supervisor.StopTimeout == 0 {
		c.Supervisor.StopTimeout = defaults.Supervisor.StopTimeout
	}
	if c.Supervisor.HardStopTimeout == 0 {
		c.Supervisor.HardStopTimeout = defaults.Supervisor.HardStopTimeout
	}
	if c.ExternalStop.PollDelay == 0 {
		c.ExternalStop.PollDelay = defaults.ExternalStop.PollDelay
	}

	if c.Search.Host == "" {
		c.Search.Host = defaults.Search.Host
	}
	if c.Search.Port == 0 {
		c.Search.Port = defaults.Search.Port
	}
	if c.Search.ClusterName == "" {
		c.Search.ClusterName = defaults.Search.ClusterName
	}
	if c.Search.HealthRetries == 0 {
		c.Search.HealthRetries = defaults.Search.HealthRetries
	}
	if c.Search.HealthRetryInterval == 0 {
		c.Search.HealthRetryInterval = defaults.Search.HealthRetryInterval
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}
	if c.WatchConfig.Debounce == 0 {
		c.WatchConfig.Debounce = defaults.WatchConfig.Debounce
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies OVERSEER_* and LOG_* overrides. Unparseable values
// are configuration errors.
func (c *Config) loadFromEnv() error {
	// later entries win, so OVERSEER_LOG_LEVEL beats LOG_LEVEL
	strs := []struct {
		key string
		dst *string
	}{
		{"OVERSEER_IPC_DIR", &c.IPC.Dir},
		{"OVERSEER_TEMP_DIR", &c.Paths.Temp},
		{"OVERSEER_DATA_DIR", &c.Paths.Data},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
		{"OVERSEER_LOG_LEVEL", &c.Log.Level},
		{"OVERSEER_AUDIT_FILE", &c.Log.AuditFile},
		{"OVERSEER_PROCESS_FORMAT", &c.Log.ProcessFormat},
		{"OVERSEER_SEARCH_HOST", &c.Search.Host},
		{"OVERSEER_METRICS_ADDR", &c.Metrics.Addr},
	}
	for _, e := range strs {
		if val := os.Getenv(e.key); val != "" {
			*e.dst = val
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"LOG_SOURCE", &c.Log.AddSource},
		{"OVERSEER_EXTERNAL_STOP", &c.ExternalStop.Enabled},
		{"OVERSEER_METRICS_ENABLED", &c.Metrics.Enabled},
		{"OVERSEER_TRACING_ENABLED", &c.Tracing.Enabled},
		{"OVERSEER_WATCH_CONFIG", &c.WatchConfig.Enabled},
	}
	for _, b := range bools {
		val := os.Getenv(b.key)
		if val == "" {
			continue
		}
		v, err := strconv.ParseBool(val)
		if err != nil {
			return envError(b.key, val, err)
		}
		*b.dst = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"OVERSEER_POLL_DELAY", &c.Supervisor.PollDelay},
		{"OVERSEER_STOP_TIMEOUT", &c.Supervisor.StopTimeout},
		{"OVERSEER_HARD_STOP_TIMEOUT", &c.Supervisor.HardStopTimeout},
	}
	for _, d := range durations {
		val := os.Getenv(d.key)
		if val == "" {
			continue
		}
		v, err := time.ParseDuration(val)
		if err != nil {
			return envError(d.key, val, err)
		}
		*d.dst = v
	}

	if val := os.Getenv("OVERSEER_SEARCH_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return envError("OVERSEER_SEARCH_PORT", val, err)
		}
		c.Search.Port = port
	}

	return nil
}

func envError(key, val string, err error) error {
	return &overseererrors.ConfigError{
		Key:    key,
		Reason: fmt.Sprintf("invalid value %q", val),
		Cause:  err,
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	var errs []string

	if c.IPC.Dir == "" {
		errs = append(errs, "ipc.dir must not be empty")
	}
	if c.Paths.Temp == "" {
		errs = append(errs, "paths.temp must not be empty")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	validProcessFormats := map[string]bool{"plain": true, "json": true}
	if !validProcessFormats[c.Log.ProcessFormat] {
		errs = append(errs, fmt.Sprintf("log.process_format must be one of [plain, json], got %q", c.Log.ProcessFormat))
	}

	if c.Supervisor.PollDelay <= 0 {
		errs = append(errs, fmt.Sprintf("supervisor.poll_delay must be positive, got %v", c.Supervisor.PollDelay))
	}
	if c.Supervisor.StopTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("supervisor.stop_timeout must be positive, got %v", c.Supervisor.StopTimeout))
	}
	if c.Supervisor.HardStopTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("supervisor.hard_stop_timeout must be positive, got %v", c.Supervisor.HardStopTimeout))
	}
	if c.ExternalStop.PollDelay <= 0 {
		errs = append(errs, fmt.Sprintf("external_stop.poll_delay must be positive, got %v", c.ExternalStop.PollDelay))
	}

	roles := []struct {
		name string
		rc   RoleConfig
	}{
		{"search", c.Search.RoleConfig},
		{"web", c.Web},
		{"task_engine", c.TaskEngine},
	}
	enabled := 0
	for _, r := range roles {
		if !r.rc.Enabled {
			continue
		}
		enabled++
		if r.rc.Executable == "" {
			errs = append(errs, fmt.Sprintf("%s.executable is required when %s is enabled", r.name, r.name))
		}
		if r.rc.StopTimeout < 0 || r.rc.HardStopTimeout < 0 {
			errs = append(errs, fmt.Sprintf("%s timeouts must not be negative", r.name))
		}
	}
	if enabled == 0 {
		errs = append(errs, "at least one of search, web or task_engine must be enabled")
	}

	if c.Search.Enabled {
		if c.Search.Port < 1 || c.Search.Port > 65535 {
			errs = append(errs, fmt.Sprintf("search.port must be between 1 and 65535, got %d", c.Search.Port))
		}
		if c.Search.Host == "" {
			errs = append(errs, "search.host must not be empty")
		}
		if c.Search.HealthRetries < 1 {
			errs = append(errs, fmt.Sprintf("search.health_retries must be at least 1, got %d", c.Search.HealthRetries))
		}
		if c.Search.HealthRetryInterval <= 0 {
			errs = append(errs, fmt.Sprintf("search.health_retry_interval must be positive, got %v", c.Search.HealthRetryInterval))
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}
	validExporters := map[string]bool{"otlp": true, "otlp-http": true, "otlp_http": true, "console": true, "none": true}
	for i, e := range c.Tracing.Exporters {
		if !validExporters[e.Type] {
			errs = append(errs, fmt.Sprintf("tracing.exporters[%d].type must be one of [otlp, otlp-http, console, none], got %q", i, e.Type))
		}
		if (e.Type == "otlp" || e.Type == "otlp-http" || e.Type == "otlp_http") && e.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("tracing.exporters[%d].endpoint is required for %s", i, e.Type))
		}
	}

	if c.WatchConfig.Debounce < 0 {
		errs = append(errs, fmt.Sprintf("watch_config.debounce must not be negative, got %v", c.WatchConfig.Debounce))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

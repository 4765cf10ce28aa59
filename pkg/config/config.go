// Package config loads dispatchd's daemon configuration from YAML files
// and environment variable overrides, in that order, the same layering
// the rest of the ecosystem uses: built-in defaults, then the first
// config file found on a short search path, then environment overrides,
// then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DispatcherConfig holds everything the dispatcher daemon needs to start.
type DispatcherConfig struct {
	// ListenAddress is where the Client<->Dispatcher RPC endpoint binds.
	ListenAddress string `yaml:"listenAddress" json:"listenAddress"`
	// FirehoseAddress is where the SSE firehose endpoint binds.
	FirehoseAddress string `yaml:"firehoseAddress" json:"firehoseAddress"`
	// BusAddress is where the Dispatcher<->Worker yamux bus listens.
	BusAddress string `yaml:"busAddress" json:"busAddress"`
	// DatabasePath is the bbolt file backing CoreDB.
	DatabasePath string `yaml:"databasePath" json:"databasePath"`
	// JobLogDir is the root of the per-job log tree.
	JobLogDir string `yaml:"jobLogDir" json:"jobLogDir"`
	// HeartbeatInterval is how often workers are expected to check in.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	// MissedHeartbeatLimit is the number of consecutive missed
	// heartbeats before a worker is declared down.
	MissedHeartbeatLimit int `yaml:"missedHeartbeatLimit" json:"missedHeartbeatLimit"`
	// ExpiryCheckInterval is how often pruneExpiredJobs runs.
	ExpiryCheckInterval time.Duration `yaml:"expiryCheckInterval" json:"expiryCheckInterval"`
	// JobExpiry is how long a job is kept after reaching a final status
	// before it becomes eligible for pruning. Zero disables expiry.
	JobExpiry time.Duration `yaml:"jobExpiry" json:"jobExpiry"`
	LogLevel  string        `yaml:"logLevel" json:"logLevel"`
	LogFormat string        `yaml:"logFormat" json:"logFormat"`
}

// WorkerConfig holds everything the worker node agent needs to start.
type WorkerConfig struct {
	// DispatcherBusAddress is the dispatcher's yamux bus endpoint this
	// worker dials.
	DispatcherBusAddress string `yaml:"dispatcherBusAddress" json:"dispatcherBusAddress"`
	// Slots is the number of tasks this worker can run concurrently.
	Slots int `yaml:"slots" json:"slots"`
	// Zones is the set of zone capability names this worker advertises.
	Zones []string `yaml:"zones" json:"zones"`
	// HeartbeatInterval is how often this worker sends a Heartbeat.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" json:"heartbeatInterval"`
	// LockDir holds per-task lock/working directories.
	LockDir string `yaml:"lockDir" json:"lockDir"`
	LogLevel  string `yaml:"logLevel" json:"logLevel"`
	LogFormat string `yaml:"logFormat" json:"logFormat"`
}

var DefaultDispatcherConfig = DispatcherConfig{
	ListenAddress:        "0.0.0.0:7100",
	FirehoseAddress:      "0.0.0.0:7101",
	BusAddress:           "0.0.0.0:7102",
	DatabasePath:         "/var/lib/dispatchd/core.db",
	JobLogDir:            "/var/log/dispatchd/jobs",
	HeartbeatInterval:    5 * time.Second,
	MissedHeartbeatLimit: 3,
	ExpiryCheckInterval:  30 * time.Second,
	JobExpiry:            24 * time.Hour,
	LogLevel:             "INFO",
	LogFormat:            "text",
}

var DefaultWorkerConfig = WorkerConfig{
	DispatcherBusAddress: "127.0.0.1:7102",
	Slots:                2,
	Zones:                nil,
	HeartbeatInterval:    5 * time.Second,
	LockDir:              "/var/lib/dispatchd/worker",
	LogLevel:             "INFO",
	LogFormat:            "text",
}

// LoadDispatcherConfig loads the dispatcher configuration from file and
// environment variables, in this order:
//  1. Path named by DISPATCHD_CONFIG_PATH
//  2. /etc/dispatchd/dispatcher.yml
//  3. ./config/dispatcher.yml
//
// Applies DISPATCHD_LISTEN_ADDRESS, DISPATCHD_LOG_LEVEL, and
// DISPATCHD_LOG_FORMAT overrides, then validates.
func LoadDispatcherConfig() (*DispatcherConfig, string, error) {
	cfg := DefaultDispatcherConfig

	path, err := loadFromFile(&cfg, []string{
		os.Getenv("DISPATCHD_CONFIG_PATH"),
		"/etc/dispatchd/dispatcher.yml",
		"./config/dispatcher.yml",
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	if val := os.Getenv("DISPATCHD_LISTEN_ADDRESS"); val != "" {
		cfg.ListenAddress = val
	}
	if val := os.Getenv("DISPATCHD_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("DISPATCHD_LOG_FORMAT"); val != "" {
		cfg.LogFormat = val
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, path, nil
}

// LoadWorkerConfig loads the worker configuration from file and
// environment variables, in this order:
//  1. Path named by WORKERD_CONFIG_PATH
//  2. /etc/dispatchd/worker.yml
//  3. ./config/worker.yml
//
// Applies WORKERD_DISPATCHER_ADDRESS and WORKERD_LOG_LEVEL overrides,
// then validates.
func LoadWorkerConfig() (*WorkerConfig, string, error) {
	cfg := DefaultWorkerConfig

	path, err := loadFromFile(&cfg, []string{
		os.Getenv("WORKERD_CONFIG_PATH"),
		"/etc/dispatchd/worker.yml",
		"./config/worker.yml",
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to load config file: %w", err)
	}

	if val := os.Getenv("WORKERD_DISPATCHER_ADDRESS"); val != "" {
		cfg.DispatcherBusAddress = val
	}
	if val := os.Getenv("WORKERD_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, path, nil
}

// loadFromFile loads the first existing YAML file among paths into cfg.
// A blank entry in paths is skipped. Returns "built-in defaults" if none
// are found; this is not an error.
func loadFromFile(cfg interface{}, paths []string) (string, error) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return "", fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		return path, nil
	}
	return "built-in defaults (no config file found)", nil
}

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARN": true, "ERROR": true,
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the dispatcher configuration for obviously invalid
// values: blank listen addresses, non-positive intervals, and an
// unrecognized log level.
func (c *DispatcherConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listenAddress must not be empty")
	}
	if c.BusAddress == "" {
		return fmt.Errorf("busAddress must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("databasePath must not be empty")
	}
	if !filepath.IsAbs(c.DatabasePath) {
		return fmt.Errorf("databasePath must be an absolute path: %s", c.DatabasePath)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeatInterval must be positive: %s", c.HeartbeatInterval)
	}
	if c.MissedHeartbeatLimit < 1 {
		return fmt.Errorf("missedHeartbeatLimit must be at least 1: %d", c.MissedHeartbeatLimit)
	}
	if c.ExpiryCheckInterval <= 0 {
		return fmt.Errorf("expiryCheckInterval must be positive: %s", c.ExpiryCheckInterval)
	}
	if c.JobExpiry < 0 {
		return fmt.Errorf("jobExpiry must not be negative: %s", c.JobExpiry)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

// Validate checks the worker configuration for obviously invalid values.
func (c *WorkerConfig) Validate() error {
	if c.DispatcherBusAddress == "" {
		return fmt.Errorf("dispatcherBusAddress must not be empty")
	}
	if c.Slots < 1 {
		return fmt.Errorf("slots must be at least 1: %d", c.Slots)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeatInterval must be positive: %s", c.HeartbeatInterval)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s", c.LogLevel)
	}
	return nil
}

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all signflow server configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath        string   `json:"db_path"`
	LogLevel      string   `json:"log_level"`
	LogFormat     string   `json:"log_format"`
	PoolSize      int      `json:"pool_size"`
	QueueSize     int      `json:"queue_size"`
	MaxSteps      int      `json:"max_steps"`
	SweepSchedule string   `json:"sweep_schedule"`
	Bus           string   `json:"bus"`
	BusTopic      string   `json:"bus_topic"`
	KafkaBrokers  []string `json:"kafka_brokers"`
	VaultKey      string   `json:"-"`
	VaultSalt     string   `json:"vault_salt"`
	// BreakerThreshold of zero disables the sender breaker.
	BreakerThreshold int    `json:"breaker_threshold"`
	BreakerCooldown  string `json:"breaker_cooldown"`
	// HTTPAddr enables the status panel when set.
	HTTPAddr string `json:"http_addr"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(signflowDir(), "signflow.db"),
		LogLevel:         "info",
		LogFormat:        "json",
		PoolSize:         10,
		QueueSize:        256,
		MaxSteps:         1000,
		SweepSchedule:    "@every 30s",
		Bus:              "memory",
		BusTopic:         "signflow.events",
		VaultSalt:        "signflow",
		BreakerThreshold: 5,
		BreakerCooldown:  "30s",
	}
}

func signflowDir() string {
	if v := os.Getenv("SIGNFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".signflow"
	}
	return filepath.Join(home, ".signflow")
}

func settingsPath() string {
	return filepath.Join(signflowDir(), "settings.json")
}

// loadConfig layers settings.json and SIGNFLOW_* env vars over the defaults.
// A missing settings file is fine; a malformed one is not.
func loadConfig() (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("read %s: %w", settingsPath(), err)
	}

	str := map[string]*string{
		"SIGNFLOW_DB_PATH":          &cfg.DBPath,
		"SIGNFLOW_LOG_LEVEL":        &cfg.LogLevel,
		"SIGNFLOW_LOG_FORMAT":       &cfg.LogFormat,
		"SIGNFLOW_SWEEP_SCHEDULE":   &cfg.SweepSchedule,
		"SIGNFLOW_BUS":              &cfg.Bus,
		"SIGNFLOW_BUS_TOPIC":        &cfg.BusTopic,
		"SIGNFLOW_VAULT_KEY":        &cfg.VaultKey,
		"SIGNFLOW_VAULT_SALT":       &cfg.VaultSalt,
		"SIGNFLOW_BREAKER_COOLDOWN": &cfg.BreakerCooldown,
		"SIGNFLOW_HTTP_ADDR":        &cfg.HTTPAddr,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"SIGNFLOW_POOL_SIZE":         &cfg.PoolSize,
		"SIGNFLOW_QUEUE_SIZE":        &cfg.QueueSize,
		"SIGNFLOW_MAX_STEPS":         &cfg.MaxSteps,
		"SIGNFLOW_BREAKER_THRESHOLD": &cfg.BreakerThreshold,
	}
	for name, dst := range ints {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}
	if v := os.Getenv("SIGNFLOW_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}
	return cfg, nil
}

// validate checks what the flag layer cannot.
func (c Config) validate() error {
	var errs []error
	switch c.Bus {
	case "none", "memory":
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("bus kafka needs kafka_brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus %q (want none, memory or kafka)", c.Bus))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.BreakerThreshold > 0 {
		if _, err := time.ParseDuration(c.BreakerCooldown); err != nil {
			errs = append(errs, fmt.Errorf("breaker_cooldown: %w", err))
		}
	}
	return errors.Join(errs...)
}

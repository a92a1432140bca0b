// Package config loads the federation core's configuration from a YAML
// file with environment-variable overrides, the same layering the
// teacher's util.ReadConf uses for its single-domain config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "FEDICORE_"

// DomainConfig describes one hosted ActivityPub domain.
type DomainConfig struct {
	Name                     string `yaml:"name"`
	DisplayName              string `yaml:"displayName"`
	ManuallyApprovesFollowers bool  `yaml:"manuallyApprovesFollowers"`
}

// Config is the full configuration surface named in spec.md §6.
type Config struct {
	BindAddress      string         `yaml:"bindAddress"`
	AdminBindAddress string         `yaml:"adminBindAddress"`
	BrokerURL        string         `yaml:"brokerUrl"`
	DatabaseURL      string         `yaml:"databaseUrl"`
	WorkerCount      int            `yaml:"workerCount"`
	RetryAttempts    int            `yaml:"retryAttempts"`
	RetryBaseMs      int            `yaml:"retryBaseMs"`
	SignatureMaxAge  time.Duration  `yaml:"signatureMaxAge"`
	LogLevel         string         `yaml:"logLevel"`
	Domains          []DomainConfig `yaml:"domains"`
}

func Default() *Config {
	return &Config{
		BindAddress:      ":8443",
		AdminBindAddress: "127.0.0.1:8444",
		BrokerURL:        "memory://",
		DatabaseURL:      "fedicore.sqlite",
		WorkerCount:      4,
		RetryAttempts:    3,
		RetryBaseMs:      1000,
		SignatureMaxAge:  65 * time.Minute,
		LogLevel:         "info",
	}
}

// Load reads path (if present), then applies FEDICORE_* environment
// overrides on top, mirroring the teacher's file-then-env precedence.
func Load(path string) (*Config, error) {
	c := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(buf, c); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(c)

	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = 1000
	}
	if c.SignatureMaxAge <= 0 {
		c.SignatureMaxAge = 65 * time.Minute
	}
	return c, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv(EnvPrefix + "BIND_ADDRESS"); v != "" {
		c.BindAddress = v
	}
	if v := os.Getenv(EnvPrefix + "BROKER_URL"); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv(EnvPrefix + "DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv(EnvPrefix + "RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryAttempts = n
		}
	}
	if v := os.Getenv(EnvPrefix + "RETRY_BASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RetryBaseMs = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SIGNATURE_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SignatureMaxAge = d
		}
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
}

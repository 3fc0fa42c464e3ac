// Package config loads service settings from defaults, an optional YAML file
// and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"acsui/pkg/model"
)

// EnvConfigFile names the environment variable pointing at a YAML file.
const EnvConfigFile = "UI_CONFIG_FILE"

// Config is everything both roles read at startup.
type Config struct {
	Interface       string   `yaml:"interface"`
	Port            int      `yaml:"port"`
	WorkerProcesses int      `yaml:"worker_processes"`
	SSLKey          string   `yaml:"ssl_key"`
	SSLCert         string   `yaml:"ssl_cert"`
	CORSOrigins     []string `yaml:"cors_origins"`

	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`

	MongoURL      string   `yaml:"mongodb_connection_url"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	ExtBackend string        `yaml:"ext_backend"` // "process" or "docker"
	ExtDir     string        `yaml:"ext_dir"`
	ExtImage   string        `yaml:"ext_image"`
	ExtGrace   time.Duration `yaml:"ext_grace"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Interface:       "0.0.0.0",
		Port:            3000,
		WorkerProcesses: 0,
		CORSOrigins:     []string{"http://localhost:4200"},
		IdleTimeout:     30 * time.Second,
		ShutdownGrace:   5 * time.Second,
		StopTimeout:     10 * time.Second,
		MongoURL:        "mongodb://127.0.0.1/genieacs",
		RedisAddr:       "127.0.0.1:6379",
		EtcdEndpoints:   []string{"127.0.0.1:2379"},
		ExtBackend:      "process",
		ExtDir:          "config/ext",
		ExtImage:        "alpine:latest",
		ExtGrace:        3 * time.Second,
		LogLevel:        "info",
		LogJSON:         true,
	}
}

// Load reads defaults, then the file named by UI_CONFIG_FILE (if any), then
// environment overrides, and validates the result.
func Load() (Config, error) {
	return load(os.Getenv, os.ReadFile)
}

func load(getenv func(string) string, readFile func(string) ([]byte, error)) (Config, error) {
	cfg := Default()

	if path := getenv(EnvConfigFile); path != "" {
		raw, err := readFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("UI_INTERFACE", &cfg.Interface)
	num("UI_PORT", &cfg.Port)
	num("UI_WORKER_PROCESSES", &cfg.WorkerProcesses)
	str("UI_SSL_KEY", &cfg.SSLKey)
	str("UI_SSL_CERT", &cfg.SSLCert)
	list("UI_CORS_ORIGINS", &cfg.CORSOrigins)
	dur("UI_IDLE_TIMEOUT", &cfg.IdleTimeout)
	dur("UI_SHUTDOWN_GRACE", &cfg.ShutdownGrace)
	dur("UI_STOP_TIMEOUT", &cfg.StopTimeout)
	str("MONGODB_CONNECTION_URL", &cfg.MongoURL)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	list("ETCD_ENDPOINTS", &cfg.EtcdEndpoints)
	str("EXT_BACKEND", &cfg.ExtBackend)
	str("EXT_DIR", &cfg.ExtDir)
	str("EXT_IMAGE", &cfg.ExtImage)
	dur("EXT_GRACE", &cfg.ExtGrace)
	str("LOG_LEVEL", &cfg.LogLevel)

	if v := getenv("LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("LOG_JSON: %w", err))
		} else {
			cfg.LogJSON = b
		}
	}

	return errors.Join(errs...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the lifecycle cannot run with.
func (c Config) Validate() error {
	if err := c.Topology().Validate(); err != nil {
		return err
	}
	if len(c.CORSOrigins) == 0 {
		return errors.New("at least one CORS origin is required")
	}
	if c.ShutdownGrace <= 0 {
		return errors.New("shutdown grace must be positive")
	}
	// extensions are killed inside the worker's grace window, not after it
	if c.ExtGrace <= 0 || c.ExtGrace >= c.ShutdownGrace {
		return fmt.Errorf("extension grace %s must be positive and below shutdown grace %s", c.ExtGrace, c.ShutdownGrace)
	}
	switch c.ExtBackend {
	case "process", "docker":
	default:
		return fmt.Errorf("unknown extension backend %q", c.ExtBackend)
	}
	return nil
}

// Topology extracts the supervisor topology.
func (c Config) Topology() model.Topology {
	t := model.Topology{
		WorkerCount: c.WorkerProcesses,
		Address:     c.Interface,
		Port:        c.Port,
	}
	if c.SSLKey != "" || c.SSLCert != "" {
		t.TLS = &model.TLSMaterial{KeyFile: c.SSLKey, CertFile: c.SSLCert}
	}
	return t
}

// Package config resolves server and device settings from built-in
// defaults, an optional YAML file and CANVASS_* environment variables, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the YAML file path.
const PathEnv = "CANVASS_CONFIG"

type Server struct {
	Addr            string        `yaml:"addr" env:"CANVASS_ADDR"`
	Socket          string        `yaml:"socket" env:"CANVASS_SOCKET"`
	Store           string        `yaml:"store" env:"CANVASS_STORE"`
	KeysFile        string        `yaml:"keys_file" env:"CANVASS_KEYS_FILE"`
	RedisAddr       string        `yaml:"redis_addr" env:"CANVASS_REDIS_ADDR"`
	RedisPassword   string        `yaml:"redis_password" env:"CANVASS_REDIS_PASSWORD"`
	CacheTTL        time.Duration `yaml:"cache_ttl" env:"CANVASS_CACHE_TTL"`
	RefreshInterval time.Duration `yaml:"refresh_interval" env:"CANVASS_REFRESH_INTERVAL"`
	SlowQuery       time.Duration `yaml:"slow_query" env:"CANVASS_SLOW_QUERY"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func DefaultServer() Server {
	return Server{
		Addr:            "127.0.0.1:7440",
		Store:           "canvass.db",
		KeysFile:        "canvass.keys.yaml",
		CacheTTL:        5 * time.Minute,
		RefreshInterval: time.Minute,
		SlowQuery:       200 * time.Millisecond,
	}
}

func (c Server) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("config: addr is required")
	}
	if strings.TrimSpace(c.Store) == "" {
		return errors.New("config: store is required")
	}
	if c.RefreshInterval <= 0 {
		return errors.New("config: refresh_interval must be positive")
	}
	return nil
}

// Device configures one field agent's device.
type Device struct {
	ServerURL     string        `yaml:"server_url" env:"CANVASS_SERVER_URL"`
	APIKey        string        `yaml:"api_key" env:"CANVASS_API_KEY"`
	CampaignID    string        `yaml:"campaign" env:"CANVASS_CAMPAIGN"`
	AgentID       string        `yaml:"agent" env:"CANVASS_AGENT"`
	DataFile      string        `yaml:"data_file" env:"CANVASS_DEVICE_DB"`
	ProbeInterval time.Duration `yaml:"probe_interval" env:"CANVASS_PROBE_INTERVAL"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"CANVASS_RETRY_INTERVAL"`
	MaxAttempts   int           `yaml:"max_attempts" env:"CANVASS_MAX_ATTEMPTS"`
	FlushWorkers  int           `yaml:"flush_workers" env:"CANVASS_FLUSH_WORKERS"`
	Timeout       time.Duration `yaml:"timeout" env:"CANVASS_TIMEOUT"`
}

func DefaultDevice() Device {
	return Device{
		ServerURL:     "http://127.0.0.1:7440",
		DataFile:      "canvass-device.db",
		ProbeInterval: 15 * time.Second,
		RetryInterval: 30 * time.Second,
		MaxAttempts:   8,
		FlushWorkers:  4,
		Timeout:       10 * time.Second,
	}
}

func (c Device) Validate() error {
	switch {
	case strings.TrimSpace(c.ServerURL) == "":
		return errors.New("config: server_url is required")
	case strings.TrimSpace(c.CampaignID) == "":
		return errors.New("config: campaign is required")
	case strings.TrimSpace(c.AgentID) == "":
		return errors.New("config: agent is required")
	case c.MaxAttempts < 1:
		return errors.New("config: max_attempts must be at least 1")
	case c.FlushWorkers < 1:
		return errors.New("config: flush_workers must be at least 1")
	}
	return nil
}

func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// LoadDevice resolves device settings. The result is not validated so
// commands that only touch local state can run without an agent identity.
func LoadDevice(path string) (Device, error) {
	cfg := DefaultDevice()
	if err := load(path, &cfg); err != nil {
		return Device{}, err
	}
	return cfg, nil
}

// ResolvePath returns path, falling back to CANVASS_CONFIG.
func ResolvePath(path string) string {
	if path = strings.TrimSpace(path); path != "" {
		return path
	}
	return strings.TrimSpace(os.Getenv(PathEnv))
}

func load(path string, target any) error {
	if path = ResolvePath(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

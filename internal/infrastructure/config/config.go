package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// ErrUnsupportedFormat is returned by LoadFile for unknown file extensions.
var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Config holds all runtime configuration.
type Config struct {
	Logging      LogConfig          `yaml:"logging" toml:"logging"`
	Broker       BrokerConfig       `yaml:"broker" toml:"broker"`
	SharedBuffer SharedBufferConfig `yaml:"shared_buffer" toml:"shared_buffer"`
	Admin        AdminConfig        `yaml:"admin" toml:"admin"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development" toml:"development"`
}

// BrokerConfig bounds what a single slave may ask of the master.
type BrokerConfig struct {
	RequestsPerSecond int `envconfig:"IPC_SLAVE_RPS" default:"200" yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int `envconfig:"IPC_SLAVE_BURST" default:"400" yaml:"burst" toml:"burst"`
	MaxProtocolErrors int `envconfig:"IPC_SLAVE_MAX_ERRORS" default:"5" yaml:"max_protocol_errors" toml:"max_protocol_errors"`
}

// SharedBufferConfig selects how shared memory is backed.
type SharedBufferConfig struct {
	Dir          string `envconfig:"IPC_SHM_DIR" default:"" yaml:"dir" toml:"dir"`
	DisableMemfd bool   `envconfig:"IPC_SHM_DISABLE_MEMFD" default:"false" yaml:"disable_memfd" toml:"disable_memfd"`
}

// AdminConfig holds the admin HTTP endpoint configuration.
type AdminConfig struct {
	Addr    string `envconfig:"ADMIN_ADDR" default:"127.0.0.1:9464" yaml:"addr" toml:"addr"`
	Enabled bool   `envconfig:"ADMIN_ENABLED" default:"true" yaml:"enabled" toml:"enabled"`

	// AllowOrigins lists browser origins allowed to poll the endpoint.
	AllowOrigins []string `envconfig:"ADMIN_ALLOW_ORIGINS" yaml:"allow_origins" toml:"allow_origins"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// LoadFile reads a YAML or TOML file over the defaults. Keys missing from
// the file keep their default values. Environment variables are not
// consulted.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Broker: BrokerConfig{
			RequestsPerSecond: 200,
			Burst:             400,
			MaxProtocolErrors: 5,
		},
		SharedBuffer: SharedBufferConfig{},
		Admin: AdminConfig{
			Addr:    "127.0.0.1:9464",
			Enabled: true,
		},
	}
}

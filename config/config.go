// Package config holds the deployment configuration of a weightxfer node:
// transfer tuning shared by both sides, the client target, the receiver's
// destination table, the file watcher and logging.
//
// Configuration is layered: NewConfig returns the defaults, Load overlays a
// YAML file on top of them, and callers (the CLI) overlay flags last.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/weightxfer/digest"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/limits"
	"github.com/opd-ai/weightxfer/transport"
	"gopkg.in/yaml.v3"
)

// Role selects a preset destination table.
type Role string

const (
	// RoleNode is a training node: it receives the global model.
	RoleNode Role = "node"
	// RoleAggregator is the central server: it receives local models and their metadata.
	RoleAggregator Role = "aggregator"
)

// Default values.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 5 * time.Second
	DefaultHost           = "0.0.0.0"
	DefaultPort           = 9000
	DefaultDebounce       = 2 * time.Second
	DefaultMaxConnections = 0
	DefaultStatusInterval = 10 * time.Second
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// FileTransferConfig tunes the protocol on both sides.
type FileTransferConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	Digest        string        `yaml:"digest"`
}

// ClientConfig names the receiver a node sends to.
type ClientConfig struct {
	ServerAddress string                `yaml:"server_address"`
	Proxy         transport.ProxyConfig `yaml:"proxy"`
}

// Destination is where one accepted file_type is installed.
type Destination struct {
	Path string `yaml:"path"`
	// Info is the audit record file; empty disables it.
	Info string `yaml:"info"`
}

// ReceiverConfig configures the listening side.
type ReceiverConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Dir is the base for relative destination, info and audit paths.
	Dir            string                 `yaml:"dir"`
	BackupDir      string                 `yaml:"backup_dir"`
	Destinations   map[string]Destination `yaml:"destinations"`
	AuditLog       string                 `yaml:"audit_log"`
	IdleTimeout    time.Duration          `yaml:"idle_timeout"`
	MaxConnections int                    `yaml:"max_connections"`
	AtomicReplace  bool                   `yaml:"atomic_replace"`
	// StatusInterval is how often in-flight transfers are logged; zero disables.
	StatusInterval time.Duration `yaml:"status_interval"`
}

// WatchConfig configures the file watcher feeding the client.
type WatchConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Debounce time.Duration     `yaml:"debounce"`
	Files    map[string]string `yaml:"files"` // path -> file_type
}

// Config is the complete node configuration.
type Config struct {
	NodeID       string             `yaml:"node_id"`
	Role         Role               `yaml:"role"`
	FileTransfer FileTransferConfig `yaml:"file_transfer"`
	Client       ClientConfig       `yaml:"client"`
	Receiver     ReceiverConfig     `yaml:"receiver"`
	Watch        WatchConfig        `yaml:"watch"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// NewConfig returns a configuration with default values for the node role.
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "node"
	}
	return &Config{
		NodeID: hostname,
		Role:   RoleNode,
		FileTransfer: FileTransferConfig{
			ChunkSize:     limits.DefaultChunkSize,
			Timeout:       DefaultTimeout,
			RetryAttempts: DefaultRetryAttempts,
			RetryDelay:    DefaultRetryDelay,
			Digest:        string(digest.DefaultAlgorithm),
		},
		Receiver: ReceiverConfig{
			Host:           DefaultHost,
			Port:           DefaultPort,
			Dir:            ".",
			AuditLog:       "receiver.log",
			IdleTimeout:    DefaultTimeout,
			MaxConnections: DefaultMaxConnections,
			AtomicReplace:  true,
			StatusInterval: DefaultStatusInterval,
		},
		Watch: WatchConfig{
			Debounce: DefaultDebounce,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. When the file sets no
// destinations, the preset for its role is used.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Receiver.Destinations) == 0 {
		cfg.Receiver.Destinations = RoleDestinations(cfg.Role)
	}
	return cfg, nil
}

// RoleDestinations returns the preset destination table of a role, or nil
// for an unknown role.
func RoleDestinations(role Role) map[string]Destination {
	switch role {
	case RoleNode:
		return map[string]Destination{
			"global_model": {Path: "global_latest.h5", Info: "global_model_info.json"},
		}
	case RoleAggregator:
		return map[string]Destination{
			"model":    {Path: "received_model.h5"},
			"metadata": {Path: "received_metadata.json"},
		}
	default:
		return nil
	}
}

// ApplyRole replaces the destination table with the preset of role.
func (c *Config) ApplyRole(role Role) {
	c.Role = role
	c.Receiver.Destinations = RoleDestinations(role)
}

// ResolvePath joins a relative path onto the receiver directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Receiver.Dir, p)
}

// ListenAddress returns host:port of the receiver.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Receiver.Host, c.Receiver.Port)
}

// DigestAlgorithm returns the parsed digest algorithm.
func (c *Config) DigestAlgorithm() (digest.Algorithm, error) {
	return digest.ParseAlgorithm(c.FileTransfer.Digest)
}

// Validate checks the configuration for values the components cannot run with.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("%w: node_id is required", ErrInvalidConfig)
	}
	if c.Role != RoleNode && c.Role != RoleAggregator {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidConfig, c.Role)
	}
	if err := c.FileTransfer.validate(); err != nil {
		return err
	}
	if err := c.Client.validate(); err != nil {
		return err
	}
	if err := c.Receiver.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Watch.Enabled {
		if len(c.Watch.Files) == 0 {
			return fmt.Errorf("%w: watch enabled without files", ErrInvalidConfig)
		}
		if c.Watch.Debounce < 0 {
			return fmt.Errorf("%w: negative watch debounce", ErrInvalidConfig)
		}
	}
	return nil
}

func (f *FileTransferConfig) validate() error {
	if err := limits.ValidateChunkSize(f.ChunkSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if f.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if f.RetryAttempts < 1 {
		return fmt.Errorf("%w: retry_attempts must be at least 1", ErrInvalidConfig)
	}
	if f.RetryDelay < 0 {
		return fmt.Errorf("%w: retry_delay must not be negative", ErrInvalidConfig)
	}
	if _, err := digest.ParseAlgorithm(f.Digest); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func (c *ClientConfig) validate() error {
	p := &c.Proxy
	if !p.Enabled() {
		return nil
	}
	if p.Type != "socks5" {
		return fmt.Errorf("%w: unsupported proxy type %q", ErrInvalidConfig, p.Type)
	}
	if p.Host == "" || p.Port == 0 {
		return fmt.Errorf("%w: proxy host and port are required", ErrInvalidConfig)
	}
	return nil
}

func (r *ReceiverConfig) validate() error {
	if r.Port < 0 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, r.Port)
	}
	if len(r.Destinations) == 0 {
		return fmt.Errorf("%w: receiver has no destinations", ErrInvalidConfig)
	}
	for fileType, dest := range r.Destinations {
		if fileType == "" || len(fileType) > limits.MaxFileTypeLength {
			return fmt.Errorf("%w: bad file_type %q", ErrInvalidConfig, fileType)
		}
		if dest.Path == "" {
			return fmt.Errorf("%w: destination for %q has no path", ErrInvalidConfig, fileType)
		}
		if _, err := file.ValidatePath(dest.Path); err != nil {
			return fmt.Errorf("%w: destination for %q: %v", ErrInvalidConfig, fileType, err)
		}
		if dest.Info != "" {
			if _, err := file.ValidatePath(dest.Info); err != nil {
				return fmt.Errorf("%w: info file for %q: %v", ErrInvalidConfig, fileType, err)
			}
		}
	}
	if r.IdleTimeout < 0 {
		return fmt.Errorf("%w: negative idle_timeout", ErrInvalidConfig)
	}
	if r.MaxConnections < 0 {
		return fmt.Errorf("%w: negative max_connections", ErrInvalidConfig)
	}
	if r.StatusInterval < 0 {
		return fmt.Errorf("%w: negative status_interval", ErrInvalidConfig)
	}
	return nil
}

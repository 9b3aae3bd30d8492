package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"

	"nulldb/pkg/store"
)

// Config is the root of the node configuration file.
type Config struct {
	Node       NodeConfig       `yaml:"node" validate:"required"`
	Storage    StorageConfig    `yaml:"storage" validate:"required"`
	Compaction CompactionConfig `yaml:"compaction"`
	Raft       RaftConfig       `yaml:"raft" validate:"required"`
	Logger     LoggerConfig     `yaml:"logger" validate:"required"`
}

// NodeConfig identifies the node. Address is both the node id and the
// host:port peers and clients use to reach it.
type NodeConfig struct {
	Address string   `yaml:"address" validate:"required,hostname_port"`
	Listen  string   `yaml:"listen"`
	Peers   []string `yaml:"peers" validate:"dive,hostname_port"`
}

type StorageConfig struct {
	Dir           string `yaml:"dir" validate:"required"`
	Codec         string `yaml:"codec" validate:"required,oneof=json xml proto"`
	RotationLines int    `yaml:"rotation_lines" validate:"required,min=1"`
	SyncWrites    bool   `yaml:"sync_writes"`
	ReadCacheSize int    `yaml:"read_cache_size" validate:"min=0"`
}

type CompactionConfig struct {
	Enabled             bool          `yaml:"enabled"`
	Interval            time.Duration `yaml:"interval" validate:"min=0"`
	FlushThresholdBytes int           `yaml:"flush_threshold_bytes" validate:"min=0"`
}

type RaftConfig struct {
	TickInterval       time.Duration `yaml:"tick_interval" validate:"required"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" validate:"required,ltfield=MinElectionTimeout"`
	MinElectionTimeout time.Duration `yaml:"min_election_timeout" validate:"required"`
	MaxElectionTimeout time.Duration `yaml:"max_election_timeout" validate:"required,gtfield=MinElectionTimeout"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout" validate:"required"`
	MaxInflightRPCs    int           `yaml:"max_inflight_rpcs" validate:"required,min=1"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
	// File enables a rotating log file next to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Address: "127.0.0.1:8080",
		},
		Storage: StorageConfig{
			Dir:           "./data",
			Codec:         "json",
			RotationLines: 10000,
			ReadCacheSize: store.DefaultReadCacheSize,
		},
		Compaction: CompactionConfig{
			Enabled:             true,
			Interval:            300 * time.Second,
			FlushThresholdBytes: 1 << 20,
		},
		Raft: RaftConfig{
			TickInterval:       5 * time.Millisecond,
			HeartbeatInterval:  100 * time.Millisecond,
			MinElectionTimeout: time.Second,
			MaxElectionTimeout: 2 * time.Second,
			RPCTimeout:         500 * time.Millisecond,
			MaxInflightRPCs:    256,
		},
		Logger: LoggerConfig{
			Level:      "INFO",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads a YAML file on top of Default. A missing file yields the
// defaults and found=false.
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Default()
	if path == "" {
		return cfg, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, true, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, true, nil
}

func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ListenAddr is the address to bind, defaulting to the node address.
func (c *Config) ListenAddr() string {
	if c.Node.Listen != "" {
		return c.Node.Listen
	}
	return c.Node.Address
}

// ParsePeers splits a comma-separated host:port list.
func ParsePeers(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

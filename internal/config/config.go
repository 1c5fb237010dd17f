package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dreamware/vsync/internal/multicast"
	"github.com/dreamware/vsync/internal/view"
)

// EnvPrefix is prepended to every environment override, so
// multicast.window_size is read from VSYNC_MULTICAST_WINDOW_SIZE.
const EnvPrefix = "VSYNC"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Partition selects how the view is split into subgroups and shards.
type Partition struct {
	// Policy is one of "entire-view", "entire-view-raw" or "fixed".
	Policy string `mapstructure:"policy"`
	// Subgroups and ShardSize are used by the "fixed" policy only.
	Subgroups int `mapstructure:"subgroups"`
	ShardSize int `mapstructure:"shard_size"`
}

// Partitioner resolves the configured policy.
func (p Partition) Partitioner() (view.Partitioner, error) {
	return view.PolicyByName(p.Policy, p.Subgroups, p.ShardSize)
}

// Config is everything a node needs to join a group.
type Config struct {
	// NodeID is the local member. Zero means every member is run locally.
	NodeID    view.NodeID      `mapstructure:"node_id"`
	ViewID    int32            `mapstructure:"view_id"`
	Members   []view.Member    `mapstructure:"members"`
	Partition Partition        `mapstructure:"partition"`
	Multicast multicast.Params `mapstructure:"multicast"`
	// Messages is how many payloads each member sends.
	Messages int `mapstructure:"messages"`
	// PayloadSize is the length of each generated payload.
	PayloadSize int    `mapstructure:"payload_size"`
	LogLevel    string `mapstructure:"log_level"`
	// MetricsAddr, when set, serves the Prometheus registry over HTTP.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Defaults registers the value of every key that has one.
func Defaults(v *viper.Viper) {
	p := multicast.DefaultParams()
	v.SetDefault("node_id", 0)
	v.SetDefault("view_id", 1)
	v.SetDefault("partition.policy", "entire-view")
	v.SetDefault("partition.subgroups", 1)
	v.SetDefault("partition.shard_size", 0)
	v.SetDefault("multicast.max_payload_size", p.MaxPayloadSize)
	v.SetDefault("multicast.block_size", p.BlockSize)
	v.SetDefault("multicast.persistence_log_path", p.PersistenceLogPath)
	v.SetDefault("multicast.window_size", p.WindowSize)
	v.SetDefault("multicast.timeout_ms", p.TimeoutMS)
	v.SetDefault("multicast.send_algorithm", p.SendAlgorithm)
	v.SetDefault("multicast.rpc_port", p.RPCPort)
	v.SetDefault("messages", 10)
	v.SetDefault("payload_size", 32)
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")
}

// Load reads the YAML file at path, applies VSYNC_* environment overrides
// and validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values no node can start with.
func (c *Config) Validate() error {
	if len(c.Members) == 0 {
		return fmt.Errorf("%w: no members", ErrInvalid)
	}
	seen := make(map[view.NodeID]bool, len(c.Members))
	for _, m := range c.Members {
		if seen[m.ID] {
			return fmt.Errorf("%w: member %d listed twice", ErrInvalid, m.ID)
		}
		seen[m.ID] = true
	}
	if c.NodeID != 0 && !seen[c.NodeID] {
		return fmt.Errorf("%w: node %d is not a member", ErrInvalid, c.NodeID)
	}
	if c.Messages < 0 {
		return fmt.Errorf("%w: messages must not be negative", ErrInvalid)
	}
	if c.PayloadSize < 0 || uint64(c.PayloadSize) > c.Multicast.MaxPayloadSize {
		return fmt.Errorf("%w: payload_size %d outside [0, %d]", ErrInvalid, c.PayloadSize, c.Multicast.MaxPayloadSize)
	}
	if _, err := c.Partition.Partitioner(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Multicast.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// View builds the view the configured members form.
func (c *Config) View() (*view.View, error) {
	return view.New(c.ViewID, c.Members)
}

// Logger builds a production zap logger at the configured level.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

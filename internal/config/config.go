// Package config loads the YAML configuration of a rank.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

const (
	TransportInProc = "inproc"
	TransportGRPC   = "grpc"

	DiscoveryStatic = "static"
	DiscoveryEtcd   = "etcd"

	DefaultBlockSize        = 4096
	DefaultReclaimThreshold = 256
	DefaultEtcdEndpoint     = "127.0.0.1:2379"
)

var ErrInvalidConfig = errors.New("invalid config")

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

type NFSConfig struct {
	// Address to export on; empty disables the export.
	Address     string `yaml:"address"`
	HandleLimit int    `yaml:"handle_limit"`
	// Uid and Gid every NFS request runs as.
	Uid uint32 `yaml:"uid"`
	Gid uint32 `yaml:"gid"`
}

type LogConfig struct {
	// Dir holds one <node>.log per rank; empty logs to the console.
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

type Config struct {
	Rank      int    `yaml:"rank"`
	World     int    `yaml:"world"`
	Model     string `yaml:"model"`
	BlockSize int    `yaml:"block_size"`

	Transport       string   `yaml:"transport"`
	ListenAddr      string   `yaml:"listen_addr"`
	Peers           []string `yaml:"peers"`
	MaxMessageBytes int      `yaml:"max_message_bytes"`

	Discovery string     `yaml:"discovery"`
	Etcd      EtcdConfig `yaml:"etcd"`

	// ArenaBlocks bounds the block buffers of one rank; 0 is unbounded.
	ArenaBlocks      int `yaml:"arena_blocks"`
	ReclaimThreshold int `yaml:"reclaim_threshold"`

	NFS         NFSConfig `yaml:"nfs"`
	MetricsAddr string    `yaml:"metrics_addr"`
	Log         LogConfig `yaml:"log"`
	// MirrorDir receives a shadow copy of the namespace; empty disables it.
	MirrorDir string `yaml:"mirror_dir"`
}

func Default() Config {
	return Config{
		World:            1,
		Model:            collective_io.Coordinator.String(),
		BlockSize:        DefaultBlockSize,
		Transport:        TransportGRPC,
		Discovery:        DiscoveryStatic,
		ReclaimThreshold: DefaultReclaimThreshold,
		Etcd: EtcdConfig{
			Endpoints: []string{DefaultEtcdEndpoint},
		},
		Log: LogConfig{Level: log_service.InfoLevel},
	}
}

// Load reads path and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read reads path over the defaults without validating. ETCD_ENDPOINTS, a
// comma separated list, replaces the configured etcd endpoints.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if env := os.Getenv("ETCD_ENDPOINTS"); env != "" {
		cfg.Etcd.Endpoints = splitEndpoints(env)
	}
	return cfg, nil
}

func splitEndpoints(s string) []string {
	var out []string
	for _, ep := range strings.Split(s, ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			out = append(out, ep)
		}
	}
	return out
}

// ParsedModel returns the configured model. Valid after Validate.
func (c Config) ParsedModel() collective_io.Model {
	m, _ := collective_io.ParseModel(c.Model)
	return m
}

// Capacity is the number of blocks the whole world can hold, 0 when
// unbounded.
func (c Config) Capacity() uint64 {
	return uint64(c.ArenaBlocks) * uint64(c.World)
}

// Exports reports whether this rank serves NFS: rank 0 in the coordinator
// model, every rank in the replicated one.
func (c Config) Exports() bool {
	if c.NFS.Address == "" {
		return false
	}
	return c.ParsedModel() == collective_io.Replicated || c.Rank == 0
}

func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.World < 1 {
		bad("world must be at least 1, got %d", c.World)
	}
	if c.Rank < 0 || c.Rank >= c.World {
		bad("rank %d outside world of %d", c.Rank, c.World)
	}
	if _, err := collective_io.ParseModel(c.Model); err != nil {
		bad("model: %v", err)
	}
	if c.BlockSize <= 0 {
		bad("block_size must be positive, got %d", c.BlockSize)
	}
	if c.ArenaBlocks < 0 {
		bad("arena_blocks must not be negative")
	}
	if c.ReclaimThreshold < 0 {
		bad("reclaim_threshold must not be negative")
	}
	if c.MaxMessageBytes < 0 {
		bad("max_message_bytes must not be negative")
	}
	if c.NFS.HandleLimit < 0 {
		bad("nfs.handle_limit must not be negative")
	}
	switch strings.ToUpper(c.Log.Level) {
	case log_service.DebugLevel, log_service.InfoLevel, log_service.WarnLevel, log_service.ErrorLevel:
	default:
		bad("log.level %q", c.Log.Level)
	}

	switch c.Transport {
	case TransportInProc:
	case TransportGRPC:
		switch c.Discovery {
		case DiscoveryStatic:
			if len(c.Peers) != c.World {
				bad("static discovery needs %d peers, got %d", c.World, len(c.Peers))
			}
		case DiscoveryEtcd:
			if len(c.Etcd.Endpoints) == 0 {
				bad("etcd discovery needs endpoints")
			}
			if c.ListenAddr == "" {
				bad("etcd discovery needs listen_addr")
			}
		default:
			bad("discovery %q", c.Discovery)
		}
	default:
		bad("transport %q", c.Transport)
	}
	return errors.Join(errs...)
}

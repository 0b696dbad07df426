// mcp serves a local memstripe cluster to MCP clients over stdio.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/AnishMulay/memstripe/internal/config"
	"github.com/AnishMulay/memstripe/internal/log_service"
	locallog "github.com/AnishMulay/memstripe/internal/log_service/localdisc"
	"github.com/AnishMulay/memstripe/servers/node"
)

type MCPConfig struct {
	Cluster struct {
		World     int    `yaml:"world"`
		Model     string `yaml:"model"`
		BlockSize int    `yaml:"block_size"`
	} `yaml:"cluster"`
	// LogDir receives mcp.log; stdout belongs to the protocol.
	LogDir string `yaml:"log_dir"`
	// MirrorDir holds the shadow namespace trees; empty disables them.
	MirrorDir string `yaml:"mirror_dir,omitempty"`
}

func defaultMCPConfig() *MCPConfig {
	c := &MCPConfig{LogDir: "./logs"}
	c.Cluster.World = 3
	c.Cluster.Model = "coordinator"
	c.Cluster.BlockSize = config.DefaultBlockSize
	return c
}

// LoadConfig reads path, writing the defaults there first when it does not
// exist.
func LoadConfig(path string) (*MCPConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := defaultMCPConfig()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := defaultMCPConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *MCPConfig) clusterConfig() config.Config {
	cfg := config.Default()
	cfg.World = c.Cluster.World
	cfg.Model = c.Cluster.Model
	cfg.BlockSize = c.Cluster.BlockSize
	cfg.MirrorDir = c.MirrorDir
	return cfg
}

func main() {
	path := os.Getenv("MEMSTRIPE_MCP_CONFIG")
	if path == "" {
		path = "mcp.yaml"
	}
	if err := run(path); err != nil {
		fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	ls, err := locallog.NewLocalDiscLogService(cfg.LogDir, "mcp", log_service.InfoLevel)
	if err != nil {
		return err
	}
	defer ls.Close()

	cluster, err := node.BuildLocal(cfg.clusterConfig(), ls)
	if err != nil {
		return err
	}
	if err := cluster.Start(); err != nil {
		_ = cluster.Stop(context.Background())
		return err
	}
	defer func() { _ = cluster.Stop(context.Background()) }()

	s := server.NewMCPServer(
		"memstripe",
		"1.0.0",
		server.WithToolCapabilities(false),
	)
	addTools(s, newToolset(cluster))
	return server.ServeStdio(s)
}

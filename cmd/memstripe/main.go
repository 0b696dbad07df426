// memstripe runs a memory-resident file store striped over a fixed world of
// ranks and exports it over NFSv3.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AnishMulay/memstripe/internal/config"
	"github.com/AnishMulay/memstripe/servers/node"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// overrides are the flags that replace config file values when set.
type overrides struct {
	rank        int
	world       int
	model       string
	blockSize   int
	listen      string
	peers       []string
	nfsAddr     string
	metricsAddr string
	logDir      string
	logLevel    string
	mirrorDir   string
	threshold   int
	arenaBlocks int
}

func (o *overrides) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVar(&o.world, "world", 1, "number of ranks")
	f.StringVar(&o.model, "model", "coordinator", "coordinator or replicated")
	f.IntVar(&o.blockSize, "block-size", config.DefaultBlockSize, "block size in bytes")
	f.StringVar(&o.nfsAddr, "nfs", "", "NFS export address, e.g. :2049")
	f.StringVar(&o.metricsAddr, "metrics", "", "Prometheus metrics address")
	f.StringVar(&o.logDir, "log-dir", "", "write per-rank logs here instead of stderr")
	f.StringVarP(&o.logLevel, "log-level", "l", "info", "log level")
	f.StringVar(&o.mirrorDir, "mirror-dir", "", "shadow the namespace into this host directory")
	f.IntVar(&o.threshold, "reclaim-threshold", config.DefaultReclaimThreshold, "deleted inodes queued before numbers are reused")
	f.IntVar(&o.arenaBlocks, "arena-blocks", 0, "block buffers per rank, 0 for unbounded")
}

func (o *overrides) apply(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	set := func(name string, fn func()) {
		if f.Lookup(name) != nil && f.Changed(name) {
			fn()
		}
	}
	set("rank", func() { cfg.Rank = o.rank })
	set("world", func() { cfg.World = o.world })
	set("model", func() { cfg.Model = o.model })
	set("block-size", func() { cfg.BlockSize = o.blockSize })
	set("listen", func() { cfg.ListenAddr = o.listen })
	set("peers", func() { cfg.Peers = o.peers })
	set("nfs", func() { cfg.NFS.Address = o.nfsAddr })
	set("metrics", func() { cfg.MetricsAddr = o.metricsAddr })
	set("log-dir", func() { cfg.Log.Dir = o.logDir })
	set("log-level", func() { cfg.Log.Level = o.logLevel })
	set("mirror-dir", func() { cfg.MirrorDir = o.mirrorDir })
	set("reclaim-threshold", func() { cfg.ReclaimThreshold = o.threshold })
	set("arena-blocks", func() { cfg.ArenaBlocks = o.arenaBlocks })
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "memstripe",
		Short: "memstripe - memory-resident file store striped over a group of ranks",
		Long: `memstripe keeps every file in memory, striped into fixed-size blocks held
by a fixed set of ranks, and exports the result over NFSv3.

Examples:
  # Three ranks in one process, exported on :2049
  memstripe local --world 3 --nfs :2049

  # One rank of a gRPC world described in a config file
  memstripe node --config rank0.yaml`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	var nodeOpts overrides
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Run one rank over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgFile, &nodeOpts)
			if err != nil {
				return err
			}
			n, err := node.Build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return n.Run()
		},
	}
	nodeOpts.register(nodeCmd)
	nodeCmd.Flags().IntVar(&nodeOpts.rank, "rank", 0, "rank of this process")
	nodeCmd.Flags().StringVar(&nodeOpts.listen, "listen", "", "gRPC listen address")
	nodeCmd.Flags().StringSliceVar(&nodeOpts.peers, "peers", nil, "address of every rank, in rank order")
	rootCmd.AddCommand(nodeCmd)

	var localOpts overrides
	localCmd := &cobra.Command{
		Use:   "local",
		Short: "Run a whole world in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, cfgFile, &localOpts)
			if err != nil {
				return err
			}
			l, err := node.BuildLocal(cfg, nil)
			if err != nil {
				return err
			}
			return l.Run()
		},
	}
	localOpts.register(localCmd)
	rootCmd.AddCommand(localCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "memstripe %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Commit:     %s\n", Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

// loadConfig reads the file and applies the flags. Validation is left to
// the builders, which first force the settings their mode implies.
func loadConfig(cmd *cobra.Command, path string, o *overrides) (config.Config, error) {
	cfg, err := config.Read(path)
	if err != nil {
		return cfg, err
	}
	o.apply(cmd, &cfg)
	return cfg, nil
}

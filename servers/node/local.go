package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AnishMulay/memstripe/internal/communication/inproc"
	"github.com/AnishMulay/memstripe/internal/config"
	"github.com/AnishMulay/memstripe/internal/file_service"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/metrics"
)

// Local runs a whole world in one process over the in-process transport.
// Only rank 0 exports NFS.
type Local struct {
	ranks    []*Rank
	registry *prometheus.Registry
	metrics  *metricsServer
	ls       log_service.LogService
	logs     []io.Closer
}

// BuildLocal assembles cfg.World ranks. cfg.Rank, cfg.Transport and the
// discovery settings are ignored. A nil ls logs as configured.
func BuildLocal(cfg config.Config, ls log_service.LogService) (*Local, error) {
	cfg.Rank = 0
	cfg.Transport = config.TransportInProc
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Local{registry: prometheus.NewRegistry()}
	network := inproc.NewNetwork(cfg.World)
	for r := range cfg.World {
		rankLS := ls
		if rankLS == nil {
			var (
				closer io.Closer
				err    error
			)
			rankLS, closer, err = newLogService(cfg.Log, nodeID(r))
			if err != nil {
				l.closeLogs()
				return nil, err
			}
			if closer != nil {
				l.logs = append(l.logs, closer)
			}
		}
		if r == 0 {
			l.ls = rankLS
		}

		rcfg := cfg
		rcfg.Rank = r
		if r != 0 {
			rcfg.NFS.Address = ""
		}
		rank, err := NewRank(rcfg, network.Endpoint(r), l.registry, rankLS)
		if err != nil {
			l.closeLogs()
			return nil, fmt.Errorf("rank %d: %w", r, err)
		}
		l.ranks = append(l.ranks, rank)
	}

	if cfg.MetricsAddr != "" {
		l.metrics = newMetricsServer(cfg.MetricsAddr, metrics.Handler(l.registry), l.ls)
	}
	return l, nil
}

func (l *Local) Ranks() []*Rank { return l.ranks }

// Registry holds the metrics of every rank.
func (l *Local) Registry() *prometheus.Registry { return l.registry }

// FileSystem returns the file system of rank 0, which exists in both models.
func (l *Local) FileSystem() *file_service.FileSystem { return l.ranks[0].FileSystem() }

// SwitchMirror moves the shadow trees of all ranks, see Rank.SwitchMirror.
func (l *Local) SwitchMirror(ctx context.Context, dir string) error {
	return l.ranks[0].SwitchMirror(ctx, dir)
}

// Start starts the ranks from the highest down so that rank 0, which may
// initiate at once, starts last.
func (l *Local) Start() error {
	if l.metrics != nil {
		if err := l.metrics.Start(); err != nil {
			return err
		}
	}
	for r := len(l.ranks) - 1; r >= 0; r-- {
		if err := l.ranks[r].Start(); err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}
	}
	return nil
}

// Stop terminates the world from rank 0 and stops every rank.
func (l *Local) Stop(ctx context.Context) error {
	errs := []error{l.ranks[0].Shutdown(ctx)}
	for _, r := range l.ranks {
		errs = append(errs, r.Stop())
	}
	if l.metrics != nil {
		errs = append(errs, l.metrics.Stop())
	}
	l.closeLogs()
	return errors.Join(errs...)
}

func (l *Local) closeLogs() {
	for _, c := range l.logs {
		_ = c.Close()
	}
	l.logs = nil
}

// Run serves until SIGINT or SIGTERM.
func (l *Local) Run() error {
	if err := l.Start(); err != nil {
		_ = l.Stop(context.Background())
		return err
	}
	if nfs := l.ranks[0].NFS(); nfs != nil {
		l.ls.Info(log_service.LogEvent{Message: "Local cluster exported", Metadata: map[string]any{"addr": nfs.Addr().String(), "ranks": len(l.ranks)}})
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return l.Stop(ctx)
}

package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AnishMulay/memstripe/internal/cluster_service"
	clusteretcd "github.com/AnishMulay/memstripe/internal/cluster_service/etcd"
	clusterstatic "github.com/AnishMulay/memstripe/internal/cluster_service/static"
	grpccomm "github.com/AnishMulay/memstripe/internal/communication/grpc"
	"github.com/AnishMulay/memstripe/internal/config"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/log_service/console"
	locallog "github.com/AnishMulay/memstripe/internal/log_service/localdisc"
	"github.com/AnishMulay/memstripe/internal/metrics"
)

const (
	worldTimeout    = 2 * time.Minute
	shutdownTimeout = 10 * time.Second
)

type runnable interface {
	Run() error
}

// Node is a single rank running in its own process over gRPC.
type Node struct {
	rank    *Rank
	cluster cluster_service.ClusterService
	metrics *metricsServer
	ls      log_service.LogService
	logs    io.Closer
	lost    chan cluster_service.Member
}

// newLogService logs to <dir>/<nodeID>.log, or to stderr without a dir.
func newLogService(cfg config.LogConfig, nodeID string) (log_service.LogService, io.Closer, error) {
	if cfg.Dir == "" {
		return console.NewConsoleLogService(os.Stderr, nodeID, cfg.Level), nil, nil
	}
	ls, err := locallog.NewLocalDiscLogService(cfg.Dir, nodeID, cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	return ls, ls, nil
}

func nodeID(rank int) string { return fmt.Sprintf("rank-%d", rank) }

// Build discovers the world, connects to it and assembles the rank. It
// blocks until every rank has registered.
func Build(ctx context.Context, cfg config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport != config.TransportGRPC {
		return nil, fmt.Errorf("%w: a node process needs the grpc transport", config.ErrInvalidConfig)
	}

	// 1. Logging
	ls, logs, err := newLogService(cfg.Log, nodeID(cfg.Rank))
	if err != nil {
		return nil, err
	}
	n := &Node{ls: ls, logs: logs, lost: make(chan cluster_service.Member, 1)}

	// 2. Cluster Service (the phone book)
	self := cluster_service.Member{Rank: cfg.Rank, Address: cfg.ListenAddr}
	switch cfg.Discovery {
	case config.DiscoveryEtcd:
		n.cluster = clusteretcd.NewEtcdClusterService(cfg.Etcd.Endpoints, cfg.Etcd.Prefix, cfg.World, ls)
	default:
		n.cluster = clusterstatic.NewStaticClusterService(cfg.Peers, ls)
		self.Address = cfg.Peers[cfg.Rank]
	}
	if err := n.cluster.Start(ctx); err != nil {
		n.closeLogs()
		return nil, err
	}
	fail := func(err error) (*Node, error) {
		_ = n.cluster.Stop(context.Background())
		n.closeLogs()
		return nil, err
	}
	if err := n.cluster.Register(ctx, self); err != nil {
		return fail(err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, worldTimeout)
	defer cancel()
	peers, err := n.cluster.AwaitWorld(waitCtx)
	if err != nil {
		return fail(fmt.Errorf("waiting for %d ranks: %w", cfg.World, err))
	}
	n.cluster.Watch(func(m cluster_service.Member) {
		select {
		case n.lost <- m:
		default:
		}
	})

	// 3. Communication
	listen := cfg.ListenAddr
	if listen == "" {
		listen = peers[cfg.Rank]
	}
	comm := grpccomm.NewGRPCCommunicator(cfg.Rank, peers, listen, cfg.MaxMessageBytes, ls)

	// 4. Rank
	n.rank, err = NewRank(cfg, comm, prometheus.DefaultRegisterer, ls)
	if err != nil {
		return fail(err)
	}

	// 5. Metrics
	if cfg.MetricsAddr != "" {
		n.metrics = newMetricsServer(cfg.MetricsAddr, metrics.Handler(nil), ls)
	}
	return n, nil
}

func (n *Node) Rank() *Rank { return n.rank }

func (n *Node) closeLogs() {
	if n.logs != nil {
		_ = n.logs.Close()
	}
}

// Run serves until SIGINT or SIGTERM, a Terminate from rank 0 or the loss
// of another rank.
func (n *Node) Run() error {
	if n.metrics != nil {
		if err := n.metrics.Start(); err != nil {
			return err
		}
	}
	if err := n.rank.Start(); err != nil {
		_ = n.stop()
		return err
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	var runErr error
	select {
	case <-c:
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		runErr = n.rank.Shutdown(ctx)
		cancel()
	case <-n.rank.Done():
	case m := <-n.lost:
		runErr = fmt.Errorf("rank %d at %s left the world", m.Rank, m.Address)
		n.ls.Error(log_service.LogEvent{Message: "Stopping after rank loss", Metadata: map[string]any{"rank": m.Rank}})
	}
	return errors.Join(runErr, n.stop())
}

func (n *Node) stop() error {
	var errs []error
	if n.rank != nil {
		errs = append(errs, n.rank.Stop())
	}
	if n.metrics != nil {
		errs = append(errs, n.metrics.Stop())
	}
	errs = append(errs, n.cluster.Stop(context.Background()))
	n.closeLogs()
	return errors.Join(errs...)
}

// metricsServer serves /metrics.
type metricsServer struct {
	srv *http.Server
	ls  log_service.LogService
}

func newMetricsServer(addr string, h http.Handler, ls log_service.LogService) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return &metricsServer{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ls: ls}
}

func (m *metricsServer) Start() error {
	l, err := net.Listen("tcp", m.srv.Addr)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	m.ls.Info(log_service.LogEvent{Message: "Metrics server started", Metadata: map[string]any{"addr": l.Addr().String()}})
	go func() {
		if err := m.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.ls.Error(log_service.LogEvent{Message: "Metrics server error", Metadata: map[string]any{"error": err.Error()}})
		}
	}()
	return nil
}

func (m *metricsServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return m.srv.Shutdown(ctx)
}

var (
	_ runnable = (*Node)(nil)
	_ runnable = (*Local)(nil)
)

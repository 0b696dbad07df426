package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AnishMulay/memstripe/internal/block_service"
	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/config"
	"github.com/AnishMulay/memstripe/internal/file_service"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/metadata_service"
	"github.com/AnishMulay/memstripe/internal/metrics"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator/billymirror"
	"github.com/AnishMulay/memstripe/internal/nfs_service"
	"github.com/AnishMulay/memstripe/internal/sequencer"
	"github.com/AnishMulay/memstripe/internal/server"
)

// Rank is everything one rank runs on top of its communicator: the engine,
// the file system where this rank keeps one, the dispatch loop, the
// sequencer service and the NFS export.
type Rank struct {
	cfg  config.Config
	comm communication.Communicator
	ls   log_service.LogService

	engine     *collective_io.Engine
	fs         *file_service.FileSystem
	dispatcher *server.Dispatcher
	seqService *sequencer.Service
	mirror     *billymirror.BillyMirror
	nfs        *nfs_service.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	seqErr  chan error
}

// NewRank assembles a rank. cfg must be valid; reg receives the metrics.
func NewRank(cfg config.Config, comm communication.Communicator, reg prometheus.Registerer, ls log_service.LogService) (*Rank, error) {
	model := cfg.ParsedModel()
	rank := cfg.Rank
	r := &Rank{cfg: cfg, comm: comm, ls: ls}

	var seq sequencer.Sequencer
	switch {
	case model == collective_io.Coordinator && rank == 0:
		seq = sequencer.NewLocalSequencer()
	case model == collective_io.Replicated && rank == sequencer.SequencerRank:
		r.seqService = sequencer.NewService(comm, ls)
		seq = r.seqService
	case model == collective_io.Replicated:
		seq = sequencer.NewRemoteSequencer(comm)
	}

	m := metrics.New(reg, rank)
	arena := block_service.NewArena(rank, cfg.BlockSize, cfg.ArenaBlocks)
	store := block_service.NewBlockStore(cfg.BlockSize, block_service.NewAllocator(cfg.World, cfg.BlockSize))
	r.engine = collective_io.NewEngine(model, communication.NewGroup(comm), arena, store, sequencer.NewGate(seq), m, ls)

	if cfg.MirrorDir != "" {
		mirror, err := billymirror.NewOS(cfg.MirrorDir, rank, ls)
		if err != nil {
			return nil, fmt.Errorf("mirror: %w", err)
		}
		r.mirror = mirror
		r.engine.SetDirectoryChanger(mirror)
	}

	var mirror namespace_replicator.Mirror
	switch {
	case model == collective_io.Replicated:
		r.fs = file_service.NewFileSystem(r.engine, namespace_replicator.NewReplicator(r.engine, ls), cfg.ReclaimThreshold, cfg.Capacity(), m, ls)
		mirror = r.fs
		if r.mirror != nil {
			mirror = namespace_replicator.Tee(r.fs, r.mirror)
		}
	case rank == 0:
		r.fs = file_service.NewFileSystem(r.engine, nil, cfg.ReclaimThreshold, cfg.Capacity(), m, ls)
	}

	// Coordinator rank 0 initiates every request and runs no loop.
	if model == collective_io.Replicated || rank != 0 {
		var changer namespace_replicator.DirectoryChanger
		if r.mirror != nil {
			changer = r.mirror
		}
		r.dispatcher = server.NewDispatcher(r.engine, mirror, changer, ls)
	}

	if r.fs != nil && cfg.Exports() {
		caller := metadata_service.Caller{Uid: cfg.NFS.Uid, Gid: cfg.NFS.Gid}
		bfs := nfs_service.NewFilesystem(context.Background(), r.fs, caller)
		r.nfs = nfs_service.NewServer(bfs, nfs_service.Config{Address: cfg.NFS.Address, HandleLimit: cfg.NFS.HandleLimit}, ls)
	}
	return r, nil
}

func (r *Rank) Engine() *collective_io.Engine { return r.engine }

// FileSystem is nil on the non-zero ranks of the coordinator model.
func (r *Rank) FileSystem() *file_service.FileSystem { return r.fs }

// NFS is nil when this rank does not export.
func (r *Rank) NFS() *nfs_service.Server { return r.nfs }

// Mirror is nil without a mirror directory.
func (r *Rank) Mirror() *billymirror.BillyMirror { return r.mirror }

// SwitchMirror moves the shadow tree of every rank to <dir>/<rank> below
// the mirror directory. Later namespace changes land in the new tree.
func (r *Rank) SwitchMirror(ctx context.Context, dir string) error {
	return r.engine.NotifyChangeDirectory(ctx, dir)
}

// Initiator reports whether this rank may start requests.
func (r *Rank) Initiator() bool {
	return r.engine.Model() == collective_io.Replicated || r.cfg.Rank == 0
}

// Start starts the communicator, the sequencer service, the dispatch loop
// and the export, in that order.
func (r *Rank) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return server.ErrAlreadyStarted
	}
	if err := r.comm.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	if r.seqService != nil {
		r.seqErr = make(chan error, 1)
		go func() { r.seqErr <- r.seqService.Serve(ctx) }()
	}
	if r.dispatcher != nil {
		if err := r.dispatcher.Start(); err != nil {
			return err
		}
	}
	if r.nfs != nil {
		if err := r.nfs.Start(); err != nil {
			return fmt.Errorf("nfs: %w", err)
		}
	}

	r.ls.Info(log_service.LogEvent{
		Message:  "Rank started",
		Metadata: map[string]any{"rank": r.cfg.Rank, "world": r.cfg.World, "model": r.cfg.Model, "block_size": r.cfg.BlockSize},
	})
	return nil
}

// Done is closed when the dispatch loop has returned. It never closes on
// coordinator rank 0.
func (r *Rank) Done() <-chan struct{} {
	if r.dispatcher == nil {
		return nil
	}
	return r.dispatcher.Done()
}

// Shutdown tells the other ranks to stop. Only rank 0 does so; the others
// return nil.
func (r *Rank) Shutdown(ctx context.Context) error {
	if r.cfg.Rank != 0 {
		return nil
	}
	r.ls.Info(log_service.LogEvent{Message: "Announcing terminate", Metadata: map[string]any{"rank": r.cfg.Rank}})
	err := r.engine.NotifyTerminate(ctx)
	if errors.Is(err, collective_io.ErrTerminated) {
		return nil
	}
	return err
}

// Stop tears the rank down in reverse start order.
func (r *Rank) Stop() error {
	r.mu.Lock()
	cancel := r.cancel
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()

	var errs []error
	if r.nfs != nil {
		errs = append(errs, r.nfs.Stop())
	}
	if r.dispatcher != nil {
		errs = append(errs, r.dispatcher.Stop())
		errs = append(errs, r.dispatcher.Err())
	}
	if cancel != nil {
		cancel()
		if r.seqErr != nil {
			errs = append(errs, <-r.seqErr)
		}
	}
	errs = append(errs, r.comm.Stop())

	r.ls.Info(log_service.LogEvent{Message: "Rank stopped", Metadata: map[string]any{"rank": r.cfg.Rank}})
	return errors.Join(errs...)
}

package collective_io

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AnishMulay/memstripe/internal/block_service"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/metrics"
	"github.com/AnishMulay/memstripe/internal/sequencer"
)

// Model selects how requests are initiated and where block lists live.
type Model int

const (
	// Coordinator: rank 0 initiates every request and alone keeps block
	// lists and inodes. Notifications are broadcast from rank 0.
	Coordinator Model = iota
	// Replicated: every rank may initiate, and every rank keeps a full copy
	// of the namespace and block lists. Notifications are sent point to
	// point to every other rank.
	Replicated
)

func (m Model) String() string {
	if m == Replicated {
		return "replicated"
	}
	return "coordinator"
}

// ParseModel accepts the names produced by Model.String.
func ParseModel(s string) (Model, error) {
	switch s {
	case "coordinator", "":
		return Coordinator, nil
	case "replicated":
		return Replicated, nil
	default:
		return 0, fmt.Errorf("unknown model %q", s)
	}
}

type Role int

const (
	Initiator Role = iota
	Participant
)

func (r Role) String() string {
	if r == Participant {
		return "participant"
	}
	return "initiator"
}

// ExtentSink receives the size and block count of files written by other
// ranks. The replicated model installs the rank's file system here.
type ExtentSink interface {
	ApplyExtent(ino uint64, size uint64, blocks uint64) error
}

// DirectoryChanger follows ChangeDirectory requests on the initiating rank.
type DirectoryChanger interface {
	ChangeDirectory(path string) error
}

// Request is one inbound notification.
type Request struct {
	From   int
	Header communication.Header
	Body   []byte
}

// Engine runs the collective read and write protocols of one rank.
type Engine struct {
	model Model
	group *communication.Group
	arena *block_service.Arena
	store *block_service.BlockStore
	gate  *sequencer.Gate
	m     *metrics.Metrics
	ls    log_service.LogService

	// mu serialises collective calls on this rank.
	mu      sync.Mutex
	sink    ExtentSink
	changer DirectoryChanger

	stateMu sync.Mutex
	state   error
}

func NewEngine(model Model, group *communication.Group, arena *block_service.Arena, store *block_service.BlockStore, gate *sequencer.Gate, m *metrics.Metrics, ls log_service.LogService) *Engine {
	if m == nil {
		m = metrics.New(nil, group.Rank())
	}
	return &Engine{
		model: model,
		group: group,
		arena: arena,
		store: store,
		gate:  gate,
		m:     m,
		ls:    ls,
	}
}

func (e *Engine) Model() Model                     { return e.model }
func (e *Engine) Rank() int                        { return e.group.Rank() }
func (e *Engine) Size() int                        { return e.group.Size() }
func (e *Engine) BlockSize() int                   { return e.store.BlockSize() }
func (e *Engine) Store() *block_service.BlockStore { return e.store }
func (e *Engine) Arena() *block_service.Arena      { return e.arena }
func (e *Engine) Gate() *sequencer.Gate            { return e.gate }

func (e *Engine) SetExtentSink(s ExtentSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = s
}

func (e *Engine) SetDirectoryChanger(dc DirectoryChanger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.changer = dc
}

// Err returns the terminal state of the engine, or nil while it is usable.
func (e *Engine) Err() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// fail moves the engine into a terminal state. The first cause wins.
func (e *Engine) fail(cause error, reason string) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state == nil {
		e.state = fmt.Errorf("%w: %w", ErrFatal, cause)
		e.m.FatalAborts.WithLabelValues(reason).Inc()
		e.ls.Error(log_service.LogEvent{
			Message:  "Engine entered terminal state",
			Metadata: map[string]any{"rank": e.Rank(), "reason": reason, "error": cause.Error()},
		})
	}
	return e.state
}

// Terminate marks the engine as shut down. Later calls fail with
// ErrTerminated.
func (e *Engine) Terminate() {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.state == nil {
		e.state = ErrTerminated
	}
}

func (e *Engine) canInitiate() error {
	if err := e.Err(); err != nil {
		return err
	}
	if e.model == Coordinator && e.Rank() != 0 {
		return fmt.Errorf("rank %d in %s model: %w", e.Rank(), e.model, ErrInvalidRole)
	}
	return nil
}

// Notify announces a request to every other rank. In the coordinator model
// the announcement is a broadcast from rank 0, in the replicated model one
// point to point message per rank.
func (e *Engine) Notify(ctx context.Context, h communication.Header, body []byte) error {
	msg := communication.EncodeRequest(h, body)
	e.m.Notifications.WithLabelValues(h.Type.String(), "sent").Inc()

	if e.model == Coordinator {
		_, err := e.group.Bcast(ctx, 0, msg)
		return err
	}

	comm := e.group.Communicator()
	eg, ctx := errgroup.WithContext(ctx)
	for r := 0; r < e.Size(); r++ {
		if r == e.Rank() {
			continue
		}
		eg.Go(func() error {
			return comm.Send(ctx, r, communication.TagRequest, msg)
		})
	}
	return eg.Wait()
}

// NextRequest waits for the next notification addressed to this rank.
func (e *Engine) NextRequest(ctx context.Context) (Request, error) {
	var (
		from int
		raw  []byte
	)
	if e.model == Coordinator {
		data, err := e.group.Bcast(ctx, 0, nil)
		if err != nil {
			return Request{}, err
		}
		raw = data
	} else {
		msg, err := e.group.Communicator().Receive(ctx, communication.AnySource, communication.TagRequest)
		if err != nil {
			return Request{}, err
		}
		from, raw = msg.From, msg.Payload
	}

	h, body, err := communication.DecodeRequest(raw)
	if err != nil {
		return Request{}, fmt.Errorf("from rank %d: %w: %w", from, ErrProtocolDesync, err)
	}
	e.m.Notifications.WithLabelValues(h.Type.String(), "received").Inc()
	return Request{From: from, Header: h, Body: body}, nil
}

// Serve runs the participant side of a Write, Read or FreeBlocks request.
func (e *Engine) Serve(ctx context.Context, req Request) error {
	if err := e.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch req.Header.Type {
	case communication.RequestWrite:
		var io communication.IORequest
		if err := io.UnmarshalBinary(req.Body); err != nil {
			return e.fail(err, "desync")
		}
		return e.write(ctx, Participant, req.From, req.Header.Seq, io, nil)
	case communication.RequestRead:
		var io communication.IORequest
		if err := io.UnmarshalBinary(req.Body); err != nil {
			return e.fail(err, "desync")
		}
		_, err := e.read(ctx, Participant, req.From, io, nil)
		return err
	case communication.RequestFreeBlocks:
		var fb communication.FreeBlocksRequest
		if err := fb.UnmarshalBinary(req.Body); err != nil {
			return e.fail(err, "desync")
		}
		handles, err := block_service.DecodeHandles(fb.Table)
		if err != nil {
			return e.fail(err, "desync")
		}
		e.freeOwned(handles)
		return nil
	default:
		return fmt.Errorf("%s: %w", req.Header.Type, ErrUnexpected)
	}
}

// NotifyTerminate tells every rank to leave its dispatch loop and puts this
// engine into the terminated state.
func (e *Engine) NotifyTerminate(ctx context.Context) error {
	if err := e.canInitiate(); err != nil && !errors.Is(err, ErrFatal) {
		return err
	}
	t, err := e.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer e.leave(ctx, t)

	e.mu.Lock()
	defer e.mu.Unlock()
	err = e.Notify(ctx, communication.Header{Type: communication.RequestTerminate, Seq: t.Seq}, nil)
	e.Terminate()
	return err
}

// NotifyChangeDirectory asks every other rank to move its working directory
// to path and then moves this rank's, before any later request runs.
func (e *Engine) NotifyChangeDirectory(ctx context.Context, path string) error {
	if err := e.canInitiate(); err != nil {
		return err
	}
	body, err := (&communication.NameRequest{Name: path}).MarshalBinary()
	if err != nil {
		return err
	}
	t, err := e.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer e.leave(ctx, t)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Notify(ctx, communication.Header{Type: communication.RequestChangeDirectory, Seq: t.Seq}, body); err != nil {
		return err
	}
	if e.changer != nil {
		return e.changer.ChangeDirectory(path)
	}
	return nil
}

// Void announces that seq was taken by an operation of type typ that failed
// before reaching the other ranks, so they can move past it.
func (e *Engine) Void(ctx context.Context, typ communication.RequestType, seq uint64) error {
	return e.Notify(ctx, communication.Header{Type: typ, Flags: communication.FlagVoid, Seq: seq}, nil)
}

func (e *Engine) leave(ctx context.Context, t sequencer.Ticket) {
	if err := e.gate.Leave(context.WithoutCancel(ctx), t); err != nil {
		e.ls.Error(log_service.LogEvent{
			Message:  "Failed to release ticket",
			Metadata: map[string]any{"rank": e.Rank(), "seq": t.Seq, "error": err.Error()},
		})
	}
}

// freeOwned frees the handles of this rank and ignores the rest.
func (e *Engine) freeOwned(handles []block_service.Handle) {
	freed := 0
	for _, h := range handles {
		if int(h.Rank) != e.Rank() {
			continue
		}
		if err := e.arena.Free(h); err != nil {
			e.ls.Warn(log_service.LogEvent{
				Message:  "Failed to free block",
				Metadata: map[string]any{"rank": e.Rank(), "handle": h.String(), "error": err.Error()},
			})
			continue
		}
		freed++
	}
	e.m.ArenaBuffers.Set(float64(e.arena.Live()))
	if freed > 0 {
		e.ls.Debug(log_service.LogEvent{
			Message:  "Blocks freed",
			Metadata: map[string]any{"rank": e.Rank(), "count": freed},
		})
	}
}

// FreeBlocks releases buffers that no block list references any more, for
// instance those of a reclaimed inode. In the replicated model every rank
// drops its own copy of the list, so only local buffers are freed here. In
// the coordinator model rank 0 frees its own and announces the rest.
func (e *Engine) FreeBlocks(ctx context.Context, handles []block_service.Handle) error {
	if len(handles) == 0 {
		return nil
	}
	if e.model == Replicated {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.freeOwned(handles)
		return nil
	}

	if err := e.canInitiate(); err != nil {
		return err
	}
	t, err := e.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer e.leave(ctx, t)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.announceFree(ctx, t.Seq, handles)
}

// announceFree sends handles to every rank under seq and frees the local ones.
func (e *Engine) announceFree(ctx context.Context, seq uint64, handles []block_service.Handle) error {
	body, err := (&communication.FreeBlocksRequest{
		Count: uint32(len(handles)),
		Table: block_service.EncodeHandles(handles),
	}).MarshalBinary()
	if err != nil {
		return err
	}
	if err := e.Notify(ctx, communication.Header{Type: communication.RequestFreeBlocks, Seq: seq}, body); err != nil {
		return e.fail(err, "transport")
	}
	e.freeOwned(handles)
	return nil
}

func (e *Engine) observePhase(op, phase string, start time.Time) {
	e.m.PhaseSeconds.WithLabelValues(op, phase).Observe(time.Since(start).Seconds())
}

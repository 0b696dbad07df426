package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
)

// Dispatcher is the participant loop of a rank. It waits for the requests
// other ranks announce and runs this rank's side of each one, in sequence
// order.
type Dispatcher struct {
	engine  *collective_io.Engine
	mirror  namespace_replicator.Mirror
	changer namespace_replicator.DirectoryChanger
	ls      log_service.LogService

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewDispatcher creates the loop for engine. mirror receives namespace
// changes and may be nil in the coordinator model; changer follows
// ChangeDirectory requests and may be nil.
func NewDispatcher(engine *collective_io.Engine, mirror namespace_replicator.Mirror, changer namespace_replicator.DirectoryChanger, ls log_service.LogService) *Dispatcher {
	return &Dispatcher{
		engine:  engine,
		mirror:  mirror,
		changer: changer,
		ls:      ls,
		done:    make(chan struct{}),
	}
}

func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	go func() {
		err := d.Run(ctx)
		d.mu.Lock()
		d.err = err
		d.mu.Unlock()
		close(d.done)
	}()

	d.ls.Info(log_service.LogEvent{
		Message:  "Dispatcher started",
		Metadata: map[string]any{"rank": d.engine.Rank(), "model": d.engine.Model().String()},
	})
	return nil
}

// Stop cancels the loop and waits for it to return.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-d.done
	d.ls.Info(log_service.LogEvent{
		Message:  "Dispatcher stopped",
		Metadata: map[string]any{"rank": d.engine.Rank()},
	})
	return nil
}

// Done is closed when the loop has returned, after a Terminate request, a
// fatal error or Stop.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Err is the reason the loop returned; nil after Terminate or Stop.
func (d *Dispatcher) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Run serves requests until Terminate, a fatal error or ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	gate := d.engine.Gate()
	for {
		req, err := d.engine.NextRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return d.fatal(req, err)
		}

		// A FreeBlocks request may continue the write that replaced the blocks.
		cont := req.Header.Type == communication.RequestFreeBlocks && req.Header.Seq == gate.Applied()
		if err := gate.Check(req.Header.Seq, cont); err != nil {
			return d.fatal(req, err)
		}
		if req.Header.Void() {
			gate.Observe(req.Header.Seq)
			continue
		}

		done, err := d.handle(ctx, req)
		gate.Observe(req.Header.Seq)
		if err != nil {
			return d.fatal(req, err)
		}
		if done {
			d.ls.Info(log_service.LogEvent{
				Message:  "Terminate received",
				Metadata: map[string]any{"rank": d.engine.Rank(), "from": req.From, "seq": req.Header.Seq},
			})
			return nil
		}
	}
}

// handle runs one request. done reports a Terminate.
func (d *Dispatcher) handle(ctx context.Context, req collective_io.Request) (done bool, err error) {
	typ := req.Header.Type
	switch {
	case typ == communication.RequestTerminate:
		d.engine.Terminate()
		return true, nil

	case typ == communication.RequestChangeDirectory:
		var body communication.NameRequest
		if err := body.UnmarshalBinary(req.Body); err != nil {
			return false, fmt.Errorf("%w: %w", collective_io.ErrProtocolDesync, err)
		}
		if d.changer != nil {
			if err := d.changer.ChangeDirectory(body.Name); err != nil {
				d.warn(req, "Failed to change directory", err)
			}
		}
		return false, nil

	case namespace_replicator.IsNamespace(typ):
		if d.mirror == nil {
			return false, fmt.Errorf("%s: %w", typ, ErrNoMirror)
		}
		if err := namespace_replicator.Apply(d.mirror, typ, req.Body); err != nil {
			// The namespaces of the ranks now differ; later requests still apply.
			d.warn(req, "Failed to mirror namespace change", err)
		}
		return false, nil

	default:
		if err := d.engine.Serve(ctx, req); err != nil {
			if errors.Is(err, collective_io.ErrFatal) || errors.Is(err, collective_io.ErrTerminated) {
				return false, err
			}
			d.warn(req, "Request failed", err)
		}
		return false, nil
	}
}

func (d *Dispatcher) warn(req collective_io.Request, msg string, err error) {
	d.ls.Warn(log_service.LogEvent{
		Message: msg,
		Metadata: map[string]any{
			"rank": d.engine.Rank(), "from": req.From, "type": req.Header.Type.String(),
			"seq": req.Header.Seq, "error": err.Error(),
		},
	})
}

func (d *Dispatcher) fatal(req collective_io.Request, err error) error {
	d.ls.Error(log_service.LogEvent{
		Message: "Dispatcher stopped on error",
		Metadata: map[string]any{
			"rank": d.engine.Rank(), "type": req.Header.Type.String(),
			"seq": req.Header.Seq, "error": err.Error(),
		},
	})
	return err
}

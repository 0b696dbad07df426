package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

// SequencerRank is the rank that serves tickets in the replicated model.
const SequencerRank = 0

// Service runs on the sequencer rank. It serves remote ranks over the
// communicator and local callers directly.
type Service struct {
	*LocalSequencer
	comm communication.Communicator
	ls   log_service.LogService
}

func NewService(comm communication.Communicator, ls log_service.LogService) *Service {
	return &Service{
		LocalSequencer: NewLocalSequencer(),
		comm:           comm,
		ls:             ls,
	}
}

// Serve answers ticket requests until ctx ends or the communicator stops.
func (s *Service) Serve(ctx context.Context) error {
	for {
		msg, err := s.comm.Receive(ctx, communication.AnySource, communication.TagSequencer)
		if err != nil {
			if errors.Is(err, communication.ErrStopped) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		op, seq, err := decode(msg.Payload)
		if err != nil {
			s.ls.Warn(log_service.LogEvent{Message: "Dropping malformed sequencer message", Metadata: map[string]any{"from": msg.From}})
			continue
		}

		switch op {
		case opAcquire:
			from := msg.From
			go s.grant(ctx, from)
		case opRelease:
			if err := s.Release(ctx, Ticket{Seq: seq}); err != nil {
				s.ls.Error(log_service.LogEvent{
					Message:  "Rejected sequencer release",
					Metadata: map[string]any{"from": msg.From, "seq": seq, "error": err.Error()},
				})
			}
		default:
			s.ls.Warn(log_service.LogEvent{Message: "Unknown sequencer op", Metadata: map[string]any{"from": msg.From, "op": op}})
		}
	}
}

func (s *Service) grant(ctx context.Context, to int) {
	t, err := s.Acquire(ctx)
	if err != nil {
		return
	}
	if err := s.comm.Send(ctx, to, communication.TagSequencerGrant, encode(opAcquire, t.Seq)); err != nil {
		s.ls.Error(log_service.LogEvent{
			Message:  "Failed to deliver ticket, releasing it",
			Metadata: map[string]any{"to": to, "seq": t.Seq, "error": err.Error()},
		})
		_ = s.Release(ctx, t)
		return
	}
	s.ls.Debug(log_service.LogEvent{Message: "Ticket granted", Metadata: map[string]any{"to": to, "seq": t.Seq}})
}

// RemoteSequencer asks the sequencer rank for tickets. Callers on the same
// rank take turns locally first so at most one request is outstanding.
type RemoteSequencer struct {
	comm  communication.Communicator
	local chan struct{}
}

func NewRemoteSequencer(comm communication.Communicator) *RemoteSequencer {
	return &RemoteSequencer{comm: comm, local: make(chan struct{}, 1)}
}

func (r *RemoteSequencer) Acquire(ctx context.Context) (Ticket, error) {
	select {
	case r.local <- struct{}{}:
	case <-ctx.Done():
		return Ticket{}, ctx.Err()
	}

	if err := r.comm.Send(ctx, SequencerRank, communication.TagSequencer, encode(opAcquire, 0)); err != nil {
		<-r.local
		return Ticket{}, err
	}
	// The grant is awaited without the caller's deadline: abandoning it would
	// leave the group turn held forever.
	msg, err := r.comm.Receive(context.WithoutCancel(ctx), SequencerRank, communication.TagSequencerGrant)
	if err != nil {
		<-r.local
		return Ticket{}, err
	}
	_, seq, err := decode(msg.Payload)
	if err != nil {
		<-r.local
		return Ticket{}, err
	}
	return Ticket{Seq: seq}, nil
}

func (r *RemoteSequencer) Release(ctx context.Context, t Ticket) error {
	defer func() { <-r.local }()
	if err := r.comm.Send(ctx, SequencerRank, communication.TagSequencer, encode(opRelease, t.Seq)); err != nil {
		return fmt.Errorf("release ticket %d: %w", t.Seq, err)
	}
	return nil
}

var (
	_ Sequencer = (*LocalSequencer)(nil)
	_ Sequencer = (*Service)(nil)
	_ Sequencer = (*RemoteSequencer)(nil)
)

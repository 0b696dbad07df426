package collective_io

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/AnishMulay/memstripe/internal/block_service"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

const (
	verdictAbort  byte = 0
	verdictCommit byte = 1
)

// Write stores the first fileSize bytes of buf as the new content of ino,
// striped over every rank. The previous content is replaced; blocks beyond
// the new size are released.
func (e *Engine) Write(ctx context.Context, ino uint64, buf []byte, fileSize uint64) error {
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

	// A request queued behind a failed one must not start.
	if err := e.Err(); err != nil {
		_ = e.Void(ctx, communication.RequestWrite, t.Seq)
		return err
	}

	req := communication.IORequest{Inode: ino, FileSize: fileSize}
	if err := e.notifyIO(ctx, communication.RequestWrite, t.Seq, req); err != nil {
		return err
	}
	return e.write(ctx, Initiator, e.Rank(), t.Seq, req, buf)
}

func (e *Engine) notifyIO(ctx context.Context, typ communication.RequestType, seq uint64, req communication.IORequest) error {
	body, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	if err := e.Notify(ctx, communication.Header{Type: typ, Seq: seq}, body); err != nil {
		return e.fail(err, "transport")
	}
	return nil
}

// write runs both sides of the write protocol. root is the initiating rank;
// buf is only read there.
func (e *Engine) write(ctx context.Context, role Role, root int, seq uint64, req communication.IORequest, buf []byte) error {
	callStart := time.Now()
	opID := uuid.NewString()
	bs := e.BlockSize()
	rank := e.Rank()

	total := int(CeilDiv(req.FileSize, uint64(bs)))
	part := Compute(total, e.Size())
	bytesPart := part.Scale(bs)

	var send []byte
	if role == Initiator {
		send = make([]byte, total*bs)
		copy(send, buf[:min(uint64(len(buf)), req.FileSize)])
	}

	phase := time.Now()
	chunk, err := e.group.Scatterv(ctx, root, send, bytesPart.Counts, bytesPart.Displs)
	if err != nil {
		return e.fail(err, "transport")
	}
	e.observePhase("write", "scatter", phase)
	if len(chunk) != bytesPart.Counts[rank] {
		return e.fail(communication.ErrSizeMismatch, "desync")
	}

	phase = time.Now()
	local, allocated := e.allocate(chunk, part.Counts[rank])
	e.observePhase("write", "alloc", phase)

	phase = time.Now()
	handlePart := part.Scale(block_service.HandleSize)
	encoded := block_service.EncodeHandles(local)
	var gathered []byte
	if e.model == Coordinator {
		gathered, err = e.group.Gatherv(ctx, root, encoded, handlePart.Counts, handlePart.Displs)
	} else {
		gathered, err = e.group.Allgatherv(ctx, encoded, handlePart.Counts, handlePart.Displs)
	}
	if err != nil {
		return e.fail(err, "transport")
	}
	e.observePhase("write", "gather", phase)

	phase = time.Now()
	var table []block_service.Handle
	if gathered != nil {
		if table, err = block_service.DecodeHandles(gathered); err != nil {
			return e.fail(err, "desync")
		}
	}

	verdict := verdictCommit
	if e.model == Coordinator {
		if rank == root {
			verdict = decide(table)
		}
		v, err := e.group.Bcast(ctx, root, []byte{verdict})
		if err != nil {
			return e.fail(err, "transport")
		}
		if len(v) != 1 {
			return e.fail(communication.ErrShortMessage, "desync")
		}
		verdict = v[0]
	} else {
		verdict = decide(table)
	}

	if verdict == verdictAbort {
		e.freeOwned(allocated)
		e.ls.Error(log_service.LogEvent{
			Message:  "Write aborted, a rank ran out of block memory",
			Metadata: map[string]any{"op": opID, "rank": rank, "seq": seq, "inode": req.Inode, "role": role.String()},
		})
		return e.fail(block_service.ErrOutOfMemory, "out_of_memory")
	}

	// Coordinator participants keep no block lists.
	if e.model == Replicated || rank == root {
		replaced := e.store.Apply(req.Inode, table, req.FileSize, root)
		if role == Initiator && len(replaced) > 0 {
			if err := e.announceFree(ctx, seq, replaced); err != nil {
				return err
			}
		}
		if role == Participant && e.sink != nil {
			if err := e.sink.ApplyExtent(req.Inode, req.FileSize, uint64(len(table))); err != nil {
				e.ls.Warn(log_service.LogEvent{
					Message:  "Failed to record file extent",
					Metadata: map[string]any{"op": opID, "rank": rank, "inode": req.Inode, "error": err.Error()},
				})
			}
		}
	}
	e.observePhase("write", "commit", phase)

	e.m.ArenaBuffers.Set(float64(e.arena.Live()))
	e.m.CallSeconds.WithLabelValues("write", role.String()).Observe(time.Since(callStart).Seconds())
	if role == Initiator {
		e.m.BytesWritten.Add(float64(req.FileSize))
	}
	e.ls.Debug(log_service.LogEvent{
		Message: "Write committed",
		Metadata: map[string]any{
			"op": opID, "rank": rank, "seq": seq, "inode": req.Inode, "role": role.String(),
			"size": req.FileSize, "blocks": total, "local_blocks": part.Counts[rank],
			"duration": time.Since(callStart).String(),
		},
	})
	return nil
}

// allocate copies each block of chunk into the arena. When the arena runs
// out, the blocks already taken are returned at once and every slot of this
// rank reports InvalidHandle. allocated lists the handles still held.
func (e *Engine) allocate(chunk []byte, n int) (local, allocated []block_service.Handle) {
	bs := e.BlockSize()
	local = make([]block_service.Handle, n)
	for i := range n {
		h, err := e.arena.Alloc(chunk[i*bs : (i+1)*bs])
		if err != nil {
			e.ls.Warn(log_service.LogEvent{
				Message:  "Block allocation failed",
				Metadata: map[string]any{"rank": e.Rank(), "block": i, "of": n, "error": err.Error()},
			})
			for _, h := range allocated {
				_ = e.arena.Free(h)
			}
			for j := range local {
				local[j] = block_service.InvalidHandle
			}
			return local, nil
		}
		local[i] = h
		allocated = append(allocated, h)
	}
	return local, allocated
}

func decide(table []block_service.Handle) byte {
	for _, h := range table {
		if !h.Valid() {
			return verdictAbort
		}
	}
	return verdictCommit
}

package collective_io

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AnishMulay/memstripe/internal/block_service"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

// Read fetches the blocks of ino that hold the bytes [offset,
// offset+reqSize), clamped to fileSize. The result covers whole blocks in
// file order starting at the block that holds offset, so the caller trims
// it. An empty file returns nil without contacting other ranks; a range past
// the last block returns nil after releasing the ticket it took.
func (e *Engine) Read(ctx context.Context, ino uint64, fileSize, reqSize uint64, offset int64) ([]byte, error) {
	if err := e.canInitiate(); err != nil {
		return nil, err
	}
	if fileSize == 0 {
		return nil, nil
	}

	t, err := e.gate.Enter(ctx)
	if err != nil {
		return nil, err
	}
	defer e.leave(ctx, t)

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readSeq(ctx, t.Seq, communication.IORequest{Inode: ino, FileSize: fileSize, ReqSize: reqSize, Offset: offset})
}

// ReadCurrent reads the whole content of ino as one step of the group order.
// size is called once every earlier operation has been applied on this rank
// and use receives the content, trimmed to that size, before any later
// operation starts. Both run with the engine locked.
//
// In the replicated model another rank may have written the file, so even a
// size of 0 takes a ticket; it is announced as void and use gets nil.
func (e *Engine) ReadCurrent(ctx context.Context, ino uint64, size func() (uint64, error), use func([]byte)) error {
	if err := e.canInitiate(); err != nil {
		return err
	}
	// Only rank 0 changes files in the coordinator model.
	if e.model == Coordinator {
		n, err := size()
		if err != nil {
			return err
		}
		if n == 0 {
			use(nil)
			return nil
		}
	}

	t, err := e.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer e.leave(ctx, t)

	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := size()
	if err != nil {
		_ = e.Void(ctx, communication.RequestRead, t.Seq)
		return err
	}
	if n == 0 {
		if err := e.Void(ctx, communication.RequestRead, t.Seq); err != nil {
			return err
		}
		use(nil)
		return nil
	}

	data, err := e.readSeq(ctx, t.Seq, communication.IORequest{Inode: ino, FileSize: n, ReqSize: n})
	if err != nil {
		return err
	}
	if uint64(len(data)) > n {
		data = data[:n]
	}
	use(data)
	return nil
}

// readSeq runs the initiator side of a read under ticket seq. Call with mu
// held.
func (e *Engine) readSeq(ctx context.Context, seq uint64, req communication.IORequest) ([]byte, error) {
	if err := e.Err(); err != nil {
		_ = e.Void(ctx, communication.RequestRead, seq)
		return nil, err
	}

	handles, err := e.requestedHandles(req)
	if err != nil {
		_ = e.Void(ctx, communication.RequestRead, seq)
		return nil, e.fail(err, "desync")
	}
	if len(handles) == 0 {
		return nil, e.Void(ctx, communication.RequestRead, seq)
	}

	if err := e.notifyIO(ctx, communication.RequestRead, seq, req); err != nil {
		return nil, err
	}
	return e.read(ctx, Initiator, e.Rank(), req, handles)
}

// requestedHandles returns the handles of the blocks that hold [offset,
// offset+reqSize) within fileSize, clamped to the blocks the list holds.
func (e *Engine) requestedHandles(req communication.IORequest) ([]block_service.Handle, error) {
	if req.Offset < 0 {
		return nil, nil
	}
	start := uint64(req.Offset)
	end := min(start+req.ReqSize, req.FileSize)
	if end <= start {
		return nil, nil
	}
	bs := uint64(e.BlockSize())
	first := start / bs
	want := CeilDiv(end, bs) - first

	handles := e.store.Handles(req.Inode, int(first), int(want))
	for _, h := range handles {
		if !h.Valid() || int(h.Rank) >= e.Size() {
			return nil, fmt.Errorf("inode %d holds handle %s: %w", req.Inode, h, block_service.ErrInvalidHandle)
		}
	}
	return handles, nil
}

// read runs both sides of the read protocol. handles is only given on root.
func (e *Engine) read(ctx context.Context, role Role, root int, req communication.IORequest, handles []block_service.Handle) ([]byte, error) {
	callStart := time.Now()
	opID := uuid.NewString()
	bs := e.BlockSize()
	world := e.Size()

	var (
		part  Partition
		order [][]int
		send  []byte
	)
	if role == Initiator {
		part, order = byOwner(handles, world)
		grouped := make([]block_service.Handle, 0, len(handles))
		for r := range order {
			for _, i := range order[r] {
				grouped = append(grouped, handles[i])
			}
		}
		send = block_service.EncodeHandles(grouped)
	}

	phase := time.Now()
	handlePart := part.Scale(block_service.HandleSize)
	mine, err := e.group.Scatterv(ctx, root, send, handlePart.Counts, handlePart.Displs)
	if err != nil {
		return nil, e.fail(err, "transport")
	}
	e.observePhase("read", "scatter", phase)

	// The root expects bs bytes for every handle slot it sent.
	out := make([]byte, len(mine)/block_service.HandleSize*bs)
	local, bad := block_service.DecodeHandles(mine)
	for i, h := range local {
		if _, err := e.arena.CopyOut(h, out[i*bs:(i+1)*bs]); err != nil && bad == nil {
			bad = err
		}
	}

	phase = time.Now()
	bytePart := part.Scale(bs)
	gathered, err := e.group.Gatherv(ctx, root, out, bytePart.Counts, bytePart.Displs)
	if err != nil {
		return nil, e.fail(err, "transport")
	}
	e.observePhase("read", "gather", phase)

	// The contribution above kept the group matched; now stop.
	if bad != nil {
		e.ls.Error(log_service.LogEvent{
			Message:  "Read named a block this rank cannot resolve",
			Metadata: map[string]any{"op": opID, "rank": e.Rank(), "inode": req.Inode, "error": bad.Error()},
		})
		return nil, e.fail(fmt.Errorf("%w: %w", ErrProtocolDesync, bad), "desync")
	}

	e.m.CallSeconds.WithLabelValues("read", role.String()).Observe(time.Since(callStart).Seconds())
	if role != Initiator {
		e.ls.Debug(log_service.LogEvent{
			Message:  "Read served",
			Metadata: map[string]any{"op": opID, "rank": e.Rank(), "inode": req.Inode, "local_blocks": len(local)},
		})
		return nil, nil
	}

	result := make([]byte, len(handles)*bs)
	for r := range order {
		for j, i := range order[r] {
			src := (part.Displs[r] + j) * bs
			copy(result[i*bs:(i+1)*bs], gathered[src:src+bs])
		}
	}

	e.m.BytesRead.Add(float64(len(result)))
	e.ls.Debug(log_service.LogEvent{
		Message: "Read completed",
		Metadata: map[string]any{
			"op": opID, "rank": e.Rank(), "inode": req.Inode, "offset": req.Offset,
			"blocks": len(handles), "duration": time.Since(callStart).String(),
		},
	})
	return result, nil
}

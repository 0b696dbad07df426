package block_service

import (
	"fmt"
	"sync"
)

// Arena owns the block buffers of one rank. Freed slots keep their buffer and
// are handed out again before the arena grows.
type Arena struct {
	mu        sync.Mutex
	rank      int
	blockSize int
	maxBlocks int

	buffers [][]byte
	inUse   []bool
	free    []uint32
	live    int
}

// NewArena creates the arena for rank. maxBlocks <= 0 means unbounded.
func NewArena(rank, blockSize, maxBlocks int) *Arena {
	return &Arena{
		rank:      rank,
		blockSize: blockSize,
		maxBlocks: maxBlocks,
	}
}

func (a *Arena) Rank() int      { return a.rank }
func (a *Arena) BlockSize() int { return a.blockSize }

// Alloc copies chunk into a local buffer, zero padding it to the block size.
func (a *Arena) Alloc(chunk []byte) (Handle, error) {
	if len(chunk) > a.blockSize {
		return InvalidHandle, ErrChunkTooLarge
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxBlocks > 0 && a.live >= a.maxBlocks {
		return InvalidHandle, fmt.Errorf("rank %d holds %d blocks: %w", a.rank, a.live, ErrOutOfMemory)
	}

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.buffers))
		a.buffers = append(a.buffers, make([]byte, a.blockSize))
		a.inUse = append(a.inUse, false)
	}

	buf := a.buffers[idx]
	n := copy(buf, chunk)
	clear(buf[n:])
	a.inUse[idx] = true
	a.live++

	return Handle{Rank: uint32(a.rank), Index: idx}, nil
}

func (a *Arena) check(h Handle) error {
	if !h.Valid() {
		return ErrInvalidHandle
	}
	if int(h.Rank) != a.rank {
		return fmt.Errorf("handle %s on rank %d: %w", h, a.rank, ErrForeignHandle)
	}
	if int(h.Index) >= len(a.buffers) || !a.inUse[h.Index] {
		return fmt.Errorf("handle %s: %w", h, ErrInvalidHandle)
	}
	return nil
}

// CopyOut copies the block named by h into dst and returns the number of
// bytes copied.
func (a *Arena) CopyOut(h Handle, dst []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(h); err != nil {
		return 0, err
	}
	return copy(dst, a.buffers[h.Index]), nil
}

// Free returns the buffer to the arena. Freeing a slot twice is an error but
// leaves the arena consistent.
func (a *Arena) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.check(h); err != nil {
		return err
	}
	a.inUse[h.Index] = false
	a.free = append(a.free, h.Index)
	a.live--
	return nil
}

// Live reports the number of allocated buffers.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Capacity reports the number of buffers ever created.
func (a *Arena) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffers)
}

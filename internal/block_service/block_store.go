package block_service

import "sync"

// BlockStore keeps the ordered block list of every inode this rank knows
// about. In the coordinator model only rank 0 fills it.
type BlockStore struct {
	mu        sync.RWMutex
	blockSize int
	alloc     *Allocator
	lists     map[uint64][]Block
}

func NewBlockStore(blockSize int, alloc *Allocator) *BlockStore {
	return &BlockStore{
		blockSize: blockSize,
		alloc:     alloc,
		lists:     make(map[uint64][]Block),
	}
}

func (s *BlockStore) BlockSize() int { return s.blockSize }

func (s *BlockStore) EnsureListExists(ino uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lists[ino]; !ok {
		s.lists[ino] = nil
	}
}

// ListFor returns a copy of the block list of ino.
func (s *BlockStore) ListFor(ino uint64) []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Block(nil), s.lists[ino]...)
}

func (s *BlockStore) BlockCount(ino uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.lists[ino])
}

func (s *BlockStore) TotalBytes(ino uint64) uint64 {
	return uint64(s.BlockCount(ino)) * uint64(s.blockSize)
}

func (s *BlockStore) IsEmpty(ino uint64) bool {
	return s.BlockCount(ino) == 0
}

// Handles returns the handles of blocks [first, first+n) clipped to the list.
func (s *BlockStore) Handles(ino uint64, first, n int) []Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.lists[ino]
	if first >= len(list) || n <= 0 {
		return nil
	}
	end := min(first+n, len(list))
	out := make([]Handle, 0, end-first)
	for _, b := range list[first:end] {
		out = append(out, b.Handle)
	}
	return out
}

// Apply publishes a gathered handle table for ino. The list is grown through
// the allocator or truncated so its length equals len(table), and every
// block takes its handle and owning rank from the table. Handles that are no
// longer referenced by the list are returned so their owners can free them.
func (s *BlockStore) Apply(ino uint64, table []Handle, fileSize uint64, startingRank int) []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[ino]
	var replaced []Handle

	if len(table) < len(list) {
		for _, b := range list[len(table):] {
			if b.Handle.Valid() {
				replaced = append(replaced, b.Handle)
			}
		}
		list = append([]Block(nil), list[:len(table)]...)
	} else if len(table) > len(list) {
		list = s.alloc.Grow(list, len(table)-len(list), ino, startingRank)
	}

	bs := uint64(s.blockSize)
	for i, h := range table {
		b := &list[i]
		if b.Handle.Valid() && b.Handle != h {
			replaced = append(replaced, b.Handle)
		}
		b.Handle = h
		b.Rank = int(h.Rank)
		b.Used = 0
		if fileSize > b.Offset {
			b.Used = int(min(bs, fileSize-b.Offset))
		}
	}

	s.lists[ino] = list
	return replaced
}

// Drop forgets the list of ino and returns its valid handles.
func (s *BlockStore) Drop(ino uint64) []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	var handles []Handle
	for _, b := range s.lists[ino] {
		if b.Handle.Valid() {
			handles = append(handles, b.Handle)
		}
	}
	delete(s.lists, ino)
	return handles
}

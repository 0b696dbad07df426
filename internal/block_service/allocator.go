package block_service

// Allocator extends block lists. Owners continue round-robin from the last
// block so repeated appends stay balanced across the group.
type Allocator struct {
	worldSize int
	blockSize uint64
}

func NewAllocator(worldSize, blockSize int) *Allocator {
	return &Allocator{worldSize: worldSize, blockSize: uint64(blockSize)}
}

// Grow appends additional blocks to list and returns the extended list.
func (a *Allocator) Grow(list []Block, additional int, ino uint64, startingRank int) []Block {
	if additional <= 0 {
		return list
	}

	rank := startingRank % a.worldSize
	if n := len(list); n > 0 {
		rank = (list[n-1].Rank + 1) % a.worldSize
	}

	start := len(list)
	for i := start; i < start+additional; i++ {
		list = append(list, Block{
			Inode:  ino,
			Index:  i,
			Offset: uint64(i) * a.blockSize,
			Rank:   rank,
			Handle: InvalidHandle,
		})
		rank = (rank + 1) % a.worldSize
	}
	return list
}

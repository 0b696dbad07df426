package block_service

import (
	"encoding/binary"
	"fmt"
	"math"
)

// HandleSize is the encoded size of one handle record.
const HandleSize = 8

// Handle names a block buffer in the arena of the rank that allocated it.
// Only that rank resolves it; every other rank just forwards it.
type Handle struct {
	Rank  uint32
	Index uint32
}

var InvalidHandle = Handle{Rank: math.MaxUint32, Index: math.MaxUint32}

func (h Handle) Valid() bool {
	return h != InvalidHandle
}

func (h Handle) String() string {
	if !h.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%d:%d", h.Rank, h.Index)
}

// Block is one fixed-size slice of a file.
type Block struct {
	Inode  uint64
	Index  int
	Offset uint64
	Rank   int
	Handle Handle
	Used   int
}

func EncodeHandles(handles []Handle) []byte {
	buf := make([]byte, len(handles)*HandleSize)
	for i, h := range handles {
		binary.LittleEndian.PutUint32(buf[i*HandleSize:], h.Rank)
		binary.LittleEndian.PutUint32(buf[i*HandleSize+4:], h.Index)
	}
	return buf
}

func DecodeHandles(buf []byte) ([]Handle, error) {
	if len(buf)%HandleSize != 0 {
		return nil, ErrMalformedTable
	}
	handles := make([]Handle, len(buf)/HandleSize)
	for i := range handles {
		handles[i] = Handle{
			Rank:  binary.LittleEndian.Uint32(buf[i*HandleSize:]),
			Index: binary.LittleEndian.Uint32(buf[i*HandleSize+4:]),
		}
	}
	return handles, nil
}

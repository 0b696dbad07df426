package block_service

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ranksOf(blocks []Block) []int {
	out := make([]int, len(blocks))
	for i, b := range blocks {
		out[i] = b.Rank
	}
	return out
}

func TestAllocator_Grow(t *testing.T) {
	tests := []struct {
		name         string
		world        int
		existing     []int
		additional   int
		startingRank int
		wantRanks    []int
	}{
		{
			name:       "continues after last owner",
			world:      4,
			existing:   []int{1, 2},
			additional: 3,
			wantRanks:  []int{1, 2, 3, 0, 1},
		},
		{
			name:         "empty list uses starting rank",
			world:        3,
			additional:   4,
			startingRank: 2,
			wantRanks:    []int{2, 0, 1, 2},
		},
		{
			name:       "zero growth is a no-op",
			world:      2,
			existing:   []int{0},
			additional: 0,
			wantRanks:  []int{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAllocator(tt.world, 4096)
			var list []Block
			for i, r := range tt.existing {
				list = append(list, Block{Index: i, Offset: uint64(i) * 4096, Rank: r})
			}

			got := a.Grow(list, tt.additional, 9, tt.startingRank)

			assert.Equal(t, tt.wantRanks, ranksOf(got))
			for i, b := range got {
				assert.Equal(t, uint64(i)*4096, b.Offset, "block %d offset", i)
				assert.Equal(t, i, b.Index)
			}
		})
	}
}

func TestArena_AllocCopyFree(t *testing.T) {
	a := NewArena(1, 8, 2)

	h1, err := a.Alloc([]byte("abc"))
	require.NoError(t, err)
	h2, err := a.Alloc([]byte("12345678"))
	require.NoError(t, err)
	assert.Equal(t, Handle{Rank: 1, Index: 0}, h1)
	assert.Equal(t, 2, a.Live())

	_, err = a.Alloc([]byte("x"))
	assert.True(t, errors.Is(err, ErrOutOfMemory), "got %v", err)

	dst := make([]byte, 8)
	n, err := a.CopyOut(h1, dst)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, []byte("abc\x00\x00\x00\x00\x00"), dst)

	require.NoError(t, a.Free(h2))
	assert.ErrorIs(t, a.Free(h2), ErrInvalidHandle)

	h3, err := a.Alloc([]byte("z"))
	require.NoError(t, err)
	assert.Equal(t, h2, h3, "freed slot is reused")
	assert.Equal(t, 2, a.Capacity())

	_, err = a.CopyOut(h3, dst)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(dst, []byte("z\x00")), "reused buffer is zero padded")
}

func TestArena_RejectsForeignAndOversized(t *testing.T) {
	a := NewArena(0, 4, 0)

	_, err := a.Alloc([]byte("too long"))
	assert.ErrorIs(t, err, ErrChunkTooLarge)

	_, err = a.CopyOut(Handle{Rank: 3, Index: 0}, make([]byte, 4))
	assert.ErrorIs(t, err, ErrForeignHandle)

	assert.ErrorIs(t, a.Free(InvalidHandle), ErrInvalidHandle)
}

func TestBlockStore_Apply(t *testing.T) {
	s := NewBlockStore(4096, NewAllocator(3, 4096))
	s.EnsureListExists(5)
	assert.True(t, s.IsEmpty(5))

	first := []Handle{{0, 0}, {1, 0}, {2, 0}}
	replaced := s.Apply(5, first, 10000, 0)
	assert.Empty(t, replaced)
	assert.Equal(t, 3, s.BlockCount(5))
	assert.Equal(t, uint64(3*4096), s.TotalBytes(5))

	list := s.ListFor(5)
	assert.Equal(t, []int{0, 1, 2}, ranksOf(list))
	assert.Equal(t, []int{4096, 4096, 10000 - 8192}, []int{list[0].Used, list[1].Used, list[2].Used})

	// shorter rewrite drops the tail and replaces the survivor
	second := []Handle{{0, 1}}
	replaced = s.Apply(5, second, 100, 0)
	assert.ElementsMatch(t, []Handle{{0, 0}, {1, 0}, {2, 0}}, replaced)
	assert.Equal(t, 1, s.BlockCount(5))
	assert.Equal(t, []Handle{{0, 1}}, s.Handles(5, 0, 10))

	assert.Equal(t, []Handle{{0, 1}}, s.Drop(5))
	assert.Equal(t, 0, s.BlockCount(5))
}

func TestBlockStore_OffsetsStayDense(t *testing.T) {
	s := NewBlockStore(512, NewAllocator(4, 512))
	sizes := []int{3, 7, 2, 9}
	for _, n := range sizes {
		table := make([]Handle, n)
		for i := range table {
			table[i] = Handle{Rank: uint32(i % 4), Index: uint32(i)}
		}
		s.Apply(1, table, uint64(n*512), 0)
		for i, b := range s.ListFor(1) {
			require.Equal(t, uint64(i*512), b.Offset)
		}
		require.Equal(t, n, s.BlockCount(1))
	}
}

func TestHandleTableEncoding(t *testing.T) {
	handles := []Handle{{Rank: 2, Index: 17}, InvalidHandle}
	buf := EncodeHandles(handles)
	assert.Len(t, buf, 2*HandleSize)

	got, err := DecodeHandles(buf)
	require.NoError(t, err)
	assert.Equal(t, handles, got)
	assert.False(t, got[1].Valid())

	_, err = DecodeHandles(buf[:5])
	assert.ErrorIs(t, err, ErrMalformedTable)
}

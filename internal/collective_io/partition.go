package collective_io

import (
	"golang.org/x/exp/constraints"

	"github.com/AnishMulay/memstripe/internal/block_service"
)

// CeilDiv returns ceil(a/b) for non-negative a and positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	if a == 0 {
		return 0
	}
	return (a-1)/b + 1
}

// Partition splits T elements over W ranks. Rank r receives Counts[r]
// consecutive elements starting at Displs[r].
type Partition struct {
	Counts []int
	Displs []int
}

// Compute spreads total as evenly as possible: the first total%world ranks
// receive one element more than the rest.
func Compute(total, world int) Partition {
	p := Partition{
		Counts: make([]int, world),
		Displs: make([]int, world),
	}
	base, extra := total/world, total%world
	off := 0
	for r := 0; r < world; r++ {
		p.Counts[r] = base
		if r < extra {
			p.Counts[r]++
		}
		p.Displs[r] = off
		off += p.Counts[r]
	}
	return p
}

// Scale converts a partition of elements into one of elem-sized units.
func (p Partition) Scale(elem int) Partition {
	out := Partition{
		Counts: make([]int, len(p.Counts)),
		Displs: make([]int, len(p.Displs)),
	}
	for r := range p.Counts {
		out.Counts[r] = p.Counts[r] * elem
		out.Displs[r] = p.Displs[r] * elem
	}
	return out
}

func (p Partition) Total() int {
	n := 0
	for _, c := range p.Counts {
		n += c
	}
	return n
}

// byOwner groups block handles by owning rank. The returned order lists,
// per rank, the request positions of its handles in the order they are
// sent.
// Every handle must name a rank below world.
func byOwner(handles []block_service.Handle, world int) (Partition, [][]int) {
	order := make([][]int, world)
	for i, h := range handles {
		order[h.Rank] = append(order[h.Rank], i)
	}
	p := Partition{
		Counts: make([]int, world),
		Displs: make([]int, world),
	}
	off := 0
	for r := range order {
		p.Counts[r] = len(order[r])
		p.Displs[r] = off
		off += p.Counts[r]
	}
	return p, order
}

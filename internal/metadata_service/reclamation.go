package metadata_service

import "container/heap"

// DefaultReclamationThreshold is the queue length past which creations start
// reusing deleted inode numbers.
const DefaultReclamationThreshold = 256

type numberHeap []uint64

func (h numberHeap) Len() int           { return len(h) }
func (h numberHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h numberHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *numberHeap) Push(x any)        { *h = append(*h, x.(uint64)) }
func (h *numberHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// ReclamationPolicy queues deleted inode numbers and decides when new inodes
// reuse them. Numbers come back smallest first.
type ReclamationPolicy struct {
	threshold  int
	queue      numberHeap
	queued     map[uint64]struct{}
	reclaiming bool
}

func NewReclamationPolicy(threshold int) *ReclamationPolicy {
	if threshold < 0 {
		threshold = DefaultReclamationThreshold
	}
	return &ReclamationPolicy{
		threshold: threshold,
		queued:    make(map[uint64]struct{}),
	}
}

// MarkDeleted enqueues n once. Crossing the threshold turns reclaiming on.
func (p *ReclamationPolicy) MarkDeleted(n uint64) {
	if _, ok := p.queued[n]; ok {
		return
	}
	p.queued[n] = struct{}{}
	heap.Push(&p.queue, n)
	if len(p.queue) > p.threshold {
		p.reclaiming = true
	}
}

// MaybeReclaim turns reclaiming off once the queue has drained.
func (p *ReclamationPolicy) MaybeReclaim() {
	if len(p.queue) == 0 {
		p.reclaiming = false
	}
}

func (p *ReclamationPolicy) Reclaiming() bool { return p.reclaiming }

func (p *ReclamationPolicy) Pending() int { return len(p.queue) }

func (p *ReclamationPolicy) Threshold() int { return p.threshold }

// Next dequeues the smallest deleted number.
func (p *ReclamationPolicy) Next() (uint64, bool) {
	if len(p.queue) == 0 {
		return 0, false
	}
	n := heap.Pop(&p.queue).(uint64)
	delete(p.queued, n)
	return n, true
}

// Remove takes n out of the queue if it is there.
func (p *ReclamationPolicy) Remove(n uint64) bool {
	if _, ok := p.queued[n]; !ok {
		return false
	}
	for i, v := range p.queue {
		if v == n {
			heap.Remove(&p.queue, i)
			break
		}
	}
	delete(p.queued, n)
	p.MaybeReclaim()
	return true
}

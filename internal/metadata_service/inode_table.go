package metadata_service

import (
	"fmt"
	"time"
)

const (
	SpecialInode uint64 = 0
	RootInode    uint64 = 1
)

// InodeTable is the dense store of inode records. It never shrinks; numbers
// are recycled through the ReclamationPolicy. The table is not safe for
// concurrent use: its owner serialises access.
type InodeTable struct {
	slots   []*Inode
	reclaim *ReclamationPolicy

	usedInodes uint64
	usedBlocks uint64

	// release frees the block storage of a slot that is about to be reused.
	release func(ino uint64)
}

// NewInodeTable creates the table with the special inode 0 and the root
// directory 1 already registered.
func NewInodeTable(policy *ReclamationPolicy, release func(ino uint64)) *InodeTable {
	if policy == nil {
		policy = NewReclamationPolicy(DefaultReclamationThreshold)
	}
	if release == nil {
		release = func(uint64) {}
	}
	t := &InodeTable{reclaim: policy, release: release}
	t.RegisterNew(KindSpecial, 0, 0, 0, 0)
	root := t.RegisterNew(KindDirectory, 0o777, 3, 0, 0)
	t.slots[root].Body.(*DirectoryBody).Parent = root
	return t
}

func (t *InodeTable) Reclamation() *ReclamationPolicy { return t.reclaim }

// CreateEmpty builds an unregistered inode of the given kind.
func (t *InodeTable) CreateEmpty(kind Kind) *Inode {
	now := time.Now()
	return &Inode{
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		XAttrs: make(map[string][]byte),
		Body:   newBody(kind),
	}
}

// RegisterNew appends a new inode or, while reclaiming, reuses the smallest
// deleted number after rolling back its block accounting.
func (t *InodeTable) RegisterNew(kind Kind, perm, nlink, gid, uid uint32) uint64 {
	inode := t.CreateEmpty(kind)
	inode.Perm = perm
	inode.Nlink = nlink
	inode.Gid = gid
	inode.Uid = uid

	t.reclaim.MaybeReclaim()
	if t.reclaim.Reclaiming() {
		if n, ok := t.reclaim.Next(); ok {
			t.evict(n)
			inode.Number = n
			t.slots[n] = inode
			t.reclaim.MaybeReclaim()
			return n
		}
	}

	inode.Number = uint64(len(t.slots))
	t.slots = append(t.slots, inode)
	t.usedInodes++
	return inode.Number
}

func (t *InodeTable) evict(n uint64) {
	if old := t.slots[n]; old != nil {
		t.usedBlocks -= min(old.Blocks, t.usedBlocks)
		t.release(n)
	}
}

// RegisterAt installs inode under a number chosen by another rank. A slot
// still linked on this rank is a namespace divergence and is refused.
func (t *InodeTable) RegisterAt(n uint64, inode *Inode) error {
	for uint64(len(t.slots)) <= n {
		t.slots = append(t.slots, nil)
	}

	if old := t.slots[n]; old != nil {
		if old.Nlink > 0 {
			return fmt.Errorf("inode %d still linked: %w", n, ErrExists)
		}
		t.reclaim.Remove(n)
		t.evict(n)
	} else {
		t.usedInodes++
	}

	inode.Number = n
	t.slots[n] = inode
	return nil
}

func (t *InodeTable) Get(n uint64) (*Inode, error) {
	if n >= uint64(len(t.slots)) || t.slots[n] == nil {
		return nil, fmt.Errorf("inode %d: %w", n, ErrNotFound)
	}
	return t.slots[n], nil
}

func (t *InodeTable) SetAt(n uint64, inode *Inode) error {
	if n >= uint64(len(t.slots)) {
		return fmt.Errorf("inode %d: %w", n, ErrNotFound)
	}
	inode.Number = n
	t.slots[n] = inode
	return nil
}

// MaybeDelete queues n for reuse when it has neither links nor lookups.
func (t *InodeTable) MaybeDelete(inode *Inode) bool {
	if inode.Nlink > 0 || inode.Lookups > 0 {
		return false
	}
	inode.PendingDeletion = true
	t.reclaim.MarkDeleted(inode.Number)
	return true
}

func (t *InodeTable) CountTotal() int { return len(t.slots) }

func (t *InodeTable) CountDeleted() int { return t.reclaim.Pending() }

func (t *InodeTable) UsedInodes() uint64 { return t.usedInodes }

func (t *InodeTable) UsedBlocks() uint64 { return t.usedBlocks }

// AddUsedBlocks applies a signed change to the used-block counter.
func (t *InodeTable) AddUsedBlocks(delta int64) {
	if delta < 0 && uint64(-delta) > t.usedBlocks {
		t.usedBlocks = 0
		return
	}
	t.usedBlocks = uint64(int64(t.usedBlocks) + delta)
}

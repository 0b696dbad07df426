package metadata_service

import (
	"fmt"
	"sort"
)

type DirEntry struct {
	Name  string
	Inode uint64
}

// DirectoryIndex maps child names to inode numbers.
type DirectoryIndex struct {
	entries map[string]uint64
}

func NewDirectoryIndex() *DirectoryIndex {
	return &DirectoryIndex{entries: make(map[string]uint64)}
}

func (d *DirectoryIndex) Lookup(name string) (uint64, bool) {
	ino, ok := d.entries[name]
	return ino, ok
}

func (d *DirectoryIndex) Insert(name string, ino uint64) error {
	if _, ok := d.entries[name]; ok {
		return fmt.Errorf("%q: %w", name, ErrExists)
	}
	d.entries[name] = ino
	return nil
}

// Put inserts or overwrites name and returns the previous inode, if any.
func (d *DirectoryIndex) Put(name string, ino uint64) (uint64, bool) {
	prev, ok := d.entries[name]
	d.entries[name] = ino
	return prev, ok
}

func (d *DirectoryIndex) Remove(name string) (uint64, bool) {
	ino, ok := d.entries[name]
	if ok {
		delete(d.entries, name)
	}
	return ino, ok
}

func (d *DirectoryIndex) Len() int {
	return len(d.entries)
}

// Entries lists the children sorted by name.
func (d *DirectoryIndex) Entries() []DirEntry {
	out := make([]DirEntry, 0, len(d.entries))
	for name, ino := range d.entries {
		out = append(out, DirEntry{Name: name, Inode: ino})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

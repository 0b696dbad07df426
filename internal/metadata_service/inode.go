package metadata_service

import (
	"fmt"
	"os"
	"time"
)

type Kind uint8

const (
	KindSpecial Kind = iota
	KindFile
	KindDirectory
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	case KindSymlink:
		return "symlink"
	default:
		return "special"
	}
}

// Body carries the kind specific state of an inode. The set of bodies is
// closed: FileBody, DirectoryBody, SymlinkBody and SpecialBody.
type Body interface {
	Kind() Kind
	sealed()
}

// FileBody holds the open-file state of a regular file. Content is the
// working copy loaded by Open and pushed out by Flush.
type FileBody struct {
	PendingWrite bool
	OpenCount    int
	Loaded       bool
	Content      []byte
	// Version counts changes to Content since the inode was created.
	Version uint64
}

// DirectoryBody holds the children of a directory and its place in the tree.
// Directories have exactly one parent.
type DirectoryBody struct {
	Entries *DirectoryIndex
	Parent  uint64
	Name    string
}

type SymlinkBody struct {
	Target string
}

type SpecialBody struct{}

func (*FileBody) Kind() Kind      { return KindFile }
func (*DirectoryBody) Kind() Kind { return KindDirectory }
func (*SymlinkBody) Kind() Kind   { return KindSymlink }
func (*SpecialBody) Kind() Kind   { return KindSpecial }

func (*FileBody) sealed()      {}
func (*DirectoryBody) sealed() {}
func (*SymlinkBody) sealed()   {}
func (*SpecialBody) sealed()   {}

type Inode struct {
	Number          uint64
	Nlink           uint32
	Lookups         uint64
	PendingDeletion bool

	Size   uint64
	Blocks uint64

	Uid  uint32
	Gid  uint32
	Perm uint32

	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	XAttrs map[string][]byte

	Body Body
}

func newBody(kind Kind) Body {
	switch kind {
	case KindFile:
		return &FileBody{}
	case KindDirectory:
		return &DirectoryBody{Entries: NewDirectoryIndex()}
	case KindSymlink:
		return &SymlinkBody{}
	default:
		return &SpecialBody{}
	}
}

func (i *Inode) Kind() Kind {
	return i.Body.Kind()
}

func (i *Inode) File() (*FileBody, error) {
	switch b := i.Body.(type) {
	case *FileBody:
		return b, nil
	case *DirectoryBody:
		return nil, fmt.Errorf("inode %d: %w", i.Number, ErrIsDir)
	default:
		return nil, fmt.Errorf("inode %d is a %s: %w", i.Number, b.Kind(), ErrInvalid)
	}
}

func (i *Inode) Directory() (*DirectoryBody, error) {
	if b, ok := i.Body.(*DirectoryBody); ok {
		return b, nil
	}
	return nil, fmt.Errorf("inode %d: %w", i.Number, ErrNotDir)
}

func (i *Inode) Symlink() (*SymlinkBody, error) {
	if b, ok := i.Body.(*SymlinkBody); ok {
		return b, nil
	}
	return nil, fmt.Errorf("inode %d is a %s: %w", i.Number, i.Kind(), ErrInvalid)
}

// Mode returns the permission bits with the type bits of the kind.
func (i *Inode) Mode() os.FileMode {
	mode := os.FileMode(i.Perm & 0o777)
	if i.Perm&0o4000 != 0 {
		mode |= os.ModeSetuid
	}
	if i.Perm&0o2000 != 0 {
		mode |= os.ModeSetgid
	}
	if i.Perm&0o1000 != 0 {
		mode |= os.ModeSticky
	}
	switch i.Kind() {
	case KindDirectory:
		mode |= os.ModeDir
	case KindSymlink:
		mode |= os.ModeSymlink
	case KindSpecial:
		mode |= os.ModeIrregular
	}
	return mode
}

// Touch sets the given timestamps to now.
func (i *Inode) Touch(atime, mtime, ctime bool) {
	now := time.Now()
	if atime {
		i.Atime = now
	}
	if mtime {
		i.Mtime = now
	}
	if ctime {
		i.Ctime = now
	}
}

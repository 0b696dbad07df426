package file_service

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/AnishMulay/memstripe/internal/metadata_service"
)

// Limits of names and paths accepted by the file system.
const (
	MaxNameLen = 255
	MaxPathLen = 1024
)

type FileService interface {
	// --- Namespace ---
	Lookup(ctx context.Context, caller metadata_service.Caller, parent uint64, name string) (Attr, error)
	Forget(ctx context.Context, ino uint64, n uint64) error
	GetAttr(ino uint64) (Attr, error)
	SetAttr(ctx context.Context, caller metadata_service.Caller, ino uint64, req SetAttrRequest) (Attr, error)
	Create(ctx context.Context, caller metadata_service.Caller, parent uint64, name string, mode uint32) (Attr, error)
	Mkdir(ctx context.Context, caller metadata_service.Caller, parent uint64, name string, mode uint32) (Attr, error)
	Unlink(ctx context.Context, caller metadata_service.Caller, parent uint64, name string) error
	Rmdir(ctx context.Context, caller metadata_service.Caller, parent uint64, name string) error
	Rename(ctx context.Context, caller metadata_service.Caller, parent uint64, name string, newParent uint64, newName string) error
	Link(ctx context.Context, caller metadata_service.Caller, ino, newParent uint64, newName string) (Attr, error)
	Symlink(ctx context.Context, caller metadata_service.Caller, parent uint64, name, target string) (Attr, error)
	Readlink(ino uint64) (string, error)
	ReadDir(caller metadata_service.Caller, ino uint64) ([]metadata_service.DirEntry, error)
	Access(caller metadata_service.Caller, ino uint64, mask uint32) error
	StatFs() StatFs

	// --- Data ---
	Open(ctx context.Context, caller metadata_service.Caller, ino uint64, flags int) error
	Read(ctx context.Context, ino uint64, offset int64, size int) ([]byte, error)
	Write(ctx context.Context, ino uint64, offset int64, data []byte) (int, error)
	Flush(ctx context.Context, ino uint64) error
	Release(ctx context.Context, ino uint64) error

	// --- Extended attributes ---
	SetXAttr(ino uint64, name string, value []byte, flags int) error
	GetXAttr(ino uint64, name string) ([]byte, error)
	ListXAttr(ino uint64) ([]string, error)
	RemoveXAttr(ino uint64, name string) error

	// --- Paths ---
	Resolve(path string) (uint64, error)
	ResolveParent(path string) (uint64, string, error)
}

// Attr is a snapshot of an inode's attributes.
type Attr struct {
	Ino    uint64
	Kind   metadata_service.Kind
	Mode   os.FileMode
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Size   uint64
	Blocks uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
}

// SetAttrRequest names the attributes to change; nil fields are left alone.
type SetAttrRequest struct {
	Mode  *uint32
	Uid   *uint32
	Gid   *uint32
	Size  *uint64
	Atime *time.Time
	Mtime *time.Time
}

type StatFs struct {
	FsID       uuid.UUID
	BlockSize  uint64
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameMax    uint64
}

func attrOf(inode *metadata_service.Inode) Attr {
	return Attr{
		Ino:    inode.Number,
		Kind:   inode.Kind(),
		Mode:   inode.Mode(),
		Nlink:  inode.Nlink,
		Uid:    inode.Uid,
		Gid:    inode.Gid,
		Size:   inode.Size,
		Blocks: inode.Blocks,
		Atime:  inode.Atime,
		Mtime:  inode.Mtime,
		Ctime:  inode.Ctime,
	}
}

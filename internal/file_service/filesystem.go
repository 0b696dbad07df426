package file_service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AnishMulay/memstripe/internal/block_service"
	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/metadata_service"
	"github.com/AnishMulay/memstripe/internal/metrics"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
	"github.com/AnishMulay/memstripe/internal/sequencer"
)

// FileSystem owns the inode table of a rank and drives the collective engine
// for file content. It is the single context object of a rank: the NFS
// adapter, the dispatch loop and the mirrors all go through it.
//
// mu guards the inode table and is never held while the engine runs a
// collective call.
type FileSystem struct {
	mu    sync.Mutex
	table *metadata_service.InodeTable

	engine *collective_io.Engine
	gate   *sequencer.Gate
	repl   *namespace_replicator.Replicator
	m      *metrics.Metrics
	ls     log_service.LogService

	fsid      uuid.UUID
	blockSize uint64
	capacity  uint64

	// handles of reclaimed inodes waiting to be freed outside mu
	released []block_service.Handle
}

// NewFileSystem creates the file system of one rank. repl is nil in the
// coordinator model. capacity is the number of blocks the whole group can
// hold, 0 when unbounded.
func NewFileSystem(engine *collective_io.Engine, repl *namespace_replicator.Replicator, reclaimThreshold int, capacity uint64, m *metrics.Metrics, ls log_service.LogService) *FileSystem {
	if m == nil {
		m = metrics.New(nil, engine.Rank())
	}
	fs := &FileSystem{
		engine:    engine,
		gate:      engine.Gate(),
		repl:      repl,
		m:         m,
		ls:        ls,
		fsid:      uuid.New(),
		blockSize: uint64(engine.BlockSize()),
		capacity:  capacity,
	}
	fs.table = metadata_service.NewInodeTable(metadata_service.NewReclamationPolicy(reclaimThreshold), fs.dropBlocks)
	if engine.Model() == collective_io.Replicated {
		engine.SetExtentSink(fs)
	}
	fs.updateGauges()
	return fs
}

func (fs *FileSystem) Engine() *collective_io.Engine { return fs.engine }

// dropBlocks runs under mu when an inode number is reused.
func (fs *FileSystem) dropBlocks(ino uint64) {
	fs.released = append(fs.released, fs.engine.Store().Drop(ino)...)
}

// releasePending frees the buffers of reclaimed inodes. Call without mu.
func (fs *FileSystem) releasePending(ctx context.Context) {
	fs.mu.Lock()
	handles := fs.released
	fs.released = nil
	fs.mu.Unlock()

	if err := fs.engine.FreeBlocks(ctx, handles); err != nil {
		fs.ls.Error(log_service.LogEvent{
			Message:  "Failed to free reclaimed blocks",
			Metadata: map[string]any{"count": len(handles), "error": err.Error()},
		})
	}
}

func (fs *FileSystem) updateGauges() {
	fs.m.UsedInodes.Set(float64(fs.table.UsedInodes()))
	fs.m.UsedBlocks.Set(float64(fs.table.UsedBlocks()))
}

// namespaceOp runs apply with the table locked. In the replicated model it
// does so under a group ticket and hands the ticket to announce, which sends
// the record to the other ranks; a failed apply voids the ticket instead.
func (fs *FileSystem) namespaceOp(ctx context.Context, typ communication.RequestType, apply func() error, announce func(ctx context.Context, seq uint64) error) error {
	defer fs.releasePending(ctx)

	if fs.repl == nil {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		err := apply()
		fs.updateGauges()
		return err
	}

	if err := fs.engine.Err(); err != nil {
		return err
	}
	t, err := fs.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := fs.gate.Leave(context.WithoutCancel(ctx), t); err != nil {
			fs.ls.Error(log_service.LogEvent{
				Message:  "Failed to release ticket",
				Metadata: map[string]any{"seq": t.Seq, "error": err.Error()},
			})
		}
	}()

	fs.mu.Lock()
	err = apply()
	fs.updateGauges()
	fs.mu.Unlock()

	if err != nil {
		if verr := fs.engine.Void(ctx, typ, t.Seq); verr != nil {
			fs.ls.Error(log_service.LogEvent{
				Message:  "Failed to void ticket",
				Metadata: map[string]any{"seq": t.Seq, "type": typ.String(), "error": verr.Error()},
			})
		}
		return err
	}
	return announce(ctx, t.Seq)
}

func (fs *FileSystem) get(ino uint64) (*metadata_service.Inode, error) {
	return fs.table.Get(ino)
}

func (fs *FileSystem) dir(ino uint64) (*metadata_service.Inode, *metadata_service.DirectoryBody, error) {
	inode, err := fs.table.Get(ino)
	if err != nil {
		return nil, nil, err
	}
	d, err := inode.Directory()
	if err != nil {
		return nil, nil, err
	}
	return inode, d, nil
}

func (fs *FileSystem) file(ino uint64) (*metadata_service.Inode, *metadata_service.FileBody, error) {
	inode, err := fs.table.Get(ino)
	if err != nil {
		return nil, nil, err
	}
	f, err := inode.File()
	if err != nil {
		return nil, nil, err
	}
	return inode, f, nil
}

// child resolves name in directory parent.
func (fs *FileSystem) child(parent uint64, name string) (*metadata_service.Inode, error) {
	_, d, err := fs.dir(parent)
	if err != nil {
		return nil, err
	}
	ino, ok := d.Entries.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%q in %d: %w", name, parent, metadata_service.ErrNotFound)
	}
	return fs.table.Get(ino)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("name %q: %w", name, metadata_service.ErrInvalid)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("name of %d bytes: %w", len(name), metadata_service.ErrNameTooLong)
	}
	return nil
}

// pathOf builds the absolute path of name inside directory parent.
func (fs *FileSystem) pathOf(parent uint64, name string) (string, error) {
	var parts []string
	if name != "" {
		parts = append(parts, name)
	}
	for ino := parent; ino != metadata_service.RootInode; {
		_, d, err := fs.dir(ino)
		if err != nil {
			return "", err
		}
		parts = append(parts, d.Name)
		if len(parts) > MaxPathLen {
			return "", fmt.Errorf("directory %d: %w", parent, metadata_service.ErrNameTooLong)
		}
		ino = d.Parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/"), nil
}

// wirePath returns the path of name in parent for a replication record. It
// fails before anything changes when the record could not carry the path.
func (fs *FileSystem) wirePath(parent uint64, name string) (string, error) {
	if fs.repl == nil {
		return "", nil
	}
	p, err := fs.pathOf(parent, name)
	if err != nil {
		return "", err
	}
	if len(p) >= communication.NameSize {
		return "", fmt.Errorf("path of %d bytes: %w", len(p), metadata_service.ErrNameTooLong)
	}
	return p, nil
}

func splitPath(path string) ([]string, error) {
	if len(path) > MaxPathLen {
		return nil, fmt.Errorf("path of %d bytes: %w", len(path), metadata_service.ErrNameTooLong)
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, p)
		}
	}
	return parts, nil
}

// Resolve walks path from the root. Symbolic links are not followed.
func (fs *FileSystem) Resolve(path string) (uint64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.resolve(path)
}

// ResolveParent returns the directory holding the last element of path and
// that element's name.
func (fs *FileSystem) ResolveParent(path string) (uint64, string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.resolveParent(path)
}

func (fs *FileSystem) resolve(path string) (uint64, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, err
	}
	return fs.walk(parts)
}

func (fs *FileSystem) resolveParent(path string) (uint64, string, error) {
	parts, err := splitPath(path)
	if err != nil {
		return 0, "", err
	}
	if len(parts) == 0 {
		return 0, "", fmt.Errorf("path %q has no parent: %w", path, metadata_service.ErrInvalid)
	}
	parent, err := fs.walk(parts[:len(parts)-1])
	if err != nil {
		return 0, "", err
	}
	if _, _, err := fs.dir(parent); err != nil {
		return 0, "", err
	}
	return parent, parts[len(parts)-1], nil
}

func (fs *FileSystem) walk(parts []string) (uint64, error) {
	ino := metadata_service.RootInode
	for _, name := range parts {
		child, err := fs.child(ino, name)
		if err != nil {
			return 0, err
		}
		ino = child.Number
	}
	return ino, nil
}

func (fs *FileSystem) StatFs() StatFs {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	total := fs.capacity
	if total == 0 {
		total = math.MaxUint32
	}
	used := fs.table.UsedBlocks()
	live := uint64(fs.table.CountTotal() - fs.table.CountDeleted())
	return StatFs{
		FsID:       fs.fsid,
		BlockSize:  fs.blockSize,
		Blocks:     total,
		BlocksFree: total - min(used, total),
		Files:      math.MaxUint32,
		FilesFree:  math.MaxUint32 - min(live, math.MaxUint32),
		NameMax:    MaxNameLen,
	}
}

var _ FileService = (*FileSystem)(nil)

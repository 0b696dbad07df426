package file_service

import (
	"context"
	"fmt"
	"os"

	"github.com/AnishMulay/memstripe/internal/collective_io"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/metadata_service"
)

// Open checks the caller's access for flags and makes the content available
// to Read and Write. O_TRUNC empties the file; otherwise a file that is not
// open yet is fetched from the group.
func (fs *FileSystem) Open(ctx context.Context, caller metadata_service.Caller, ino uint64, flags int) error {
	var mask uint32
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		mask = metadata_service.MayWrite
	case os.O_RDWR:
		mask = metadata_service.MayRead | metadata_service.MayWrite
	default:
		mask = metadata_service.MayRead
	}
	if flags&os.O_TRUNC != 0 {
		mask |= metadata_service.MayWrite
	}

	fs.mu.Lock()
	inode, f, err := fs.file(ino)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if err := metadata_service.CheckAccess(inode, caller, mask); err != nil {
		fs.mu.Unlock()
		return err
	}
	f.OpenCount++
	if flags&os.O_TRUNC != 0 {
		fs.resize(inode, f, 0)
	}
	loaded := f.Loaded
	fs.mu.Unlock()

	if loaded {
		return nil
	}
	if err := fs.load(ctx, ino); err != nil {
		fs.mu.Lock()
		f.OpenCount--
		fs.mu.Unlock()
		return err
	}
	return nil
}

// resize sets the working copy to size bytes and marks it for the next
// Flush. Call with mu held.
func (fs *FileSystem) resize(inode *metadata_service.Inode, f *metadata_service.FileBody, size uint64) {
	switch {
	case size <= uint64(len(f.Content)):
		f.Content = f.Content[:size]
	default:
		f.Content = append(f.Content, make([]byte, size-uint64(len(f.Content)))...)
	}
	f.Loaded = true
	f.PendingWrite = true
	f.Version++
	inode.Size = size
	inode.Touch(false, true, true)
}

// load fetches the whole content of ino with a distributed read. The size
// is taken and the content installed in group order, so a write another
// rank finished earlier is always seen.
func (fs *FileSystem) load(ctx context.Context, ino uint64) error {
	fs.mu.Lock()
	_, f, err := fs.file(ino)
	loaded := err == nil && f.Loaded
	fs.mu.Unlock()
	if err != nil || loaded {
		return err
	}

	size := func() (uint64, error) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		inode, f, err := fs.file(ino)
		if err != nil {
			return 0, err
		}
		if f.Loaded {
			return 0, nil
		}
		return inode.Size, nil
	}
	use := func(data []byte) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		inode, f, err := fs.file(ino)
		if err != nil || f.Loaded {
			return
		}
		content := make([]byte, inode.Size)
		copy(content, data)
		f.Content = content
		f.Loaded = true
	}
	return fs.engine.ReadCurrent(ctx, ino, size, use)
}

// Read returns up to size bytes of the working copy starting at offset.
func (fs *FileSystem) Read(ctx context.Context, ino uint64, offset int64, size int) ([]byte, error) {
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("read at %d size %d: %w", offset, size, metadata_service.ErrInvalid)
	}
	if err := fs.load(ctx, ino); err != nil {
		return nil, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, f, err := fs.file(ino)
	if err != nil {
		return nil, err
	}
	inode.Touch(true, false, false)
	if uint64(offset) >= uint64(len(f.Content)) {
		return nil, nil
	}
	end := min(uint64(offset)+uint64(size), uint64(len(f.Content)))
	return append([]byte(nil), f.Content[offset:end]...), nil
}

// Write copies data into the working copy at offset, growing it as needed.
// Nothing reaches the other ranks before Flush.
func (fs *FileSystem) Write(ctx context.Context, ino uint64, offset int64, data []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("write at %d: %w", offset, metadata_service.ErrInvalid)
	}
	if err := fs.load(ctx, ino); err != nil {
		return 0, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, f, err := fs.file(ino)
	if err != nil {
		return 0, err
	}
	end := uint64(offset) + uint64(len(data))
	if end > uint64(len(f.Content)) {
		fs.resize(inode, f, end)
	}
	copy(f.Content[offset:], data)
	f.PendingWrite = true
	f.Version++
	inode.Touch(false, true, true)
	return len(data), nil
}

// Flush stores a changed working copy with a distributed write.
func (fs *FileSystem) Flush(ctx context.Context, ino uint64) error {
	fs.mu.Lock()
	inode, f, err := fs.file(ino)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if !f.PendingWrite {
		fs.mu.Unlock()
		return nil
	}
	size := inode.Size
	buf := make([]byte, size)
	copy(buf, f.Content)
	version := f.Version
	fs.mu.Unlock()

	if err := fs.engine.Write(ctx, ino, buf, size); err != nil {
		fs.ls.Error(log_service.LogEvent{
			Message:  "Failed to store file content",
			Metadata: map[string]any{"inode": ino, "size": size, "error": err.Error()},
		})
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, f, err = fs.file(ino)
	if err != nil {
		return err
	}
	blocks := collective_io.CeilDiv(size, fs.blockSize)
	fs.table.AddUsedBlocks(int64(blocks) - int64(inode.Blocks))
	inode.Blocks = blocks
	if f.Version == version {
		f.PendingWrite = false
	}
	fs.updateGauges()
	return nil
}

// Release flushes the file and drops one open reference. The working copy
// is discarded when the last reference goes.
func (fs *FileSystem) Release(ctx context.Context, ino uint64) error {
	ferr := fs.Flush(ctx, ino)

	fs.mu.Lock()
	inode, f, err := fs.file(ino)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if f.OpenCount > 0 {
		f.OpenCount--
	}
	if f.OpenCount == 0 {
		if !f.PendingWrite {
			f.Content = nil
			f.Loaded = false
		}
		if inode.Nlink == 0 {
			fs.maybeDelete(inode)
		}
	}
	fs.updateGauges()
	fs.mu.Unlock()

	fs.releasePending(ctx)
	return ferr
}

// truncate changes the size of a regular file. A file nobody has open is
// stored right away.
func (fs *FileSystem) truncate(ctx context.Context, caller metadata_service.Caller, ino uint64, size uint64) error {
	fs.mu.Lock()
	inode, _, err := fs.file(ino)
	if err == nil {
		err = metadata_service.CheckAccess(inode, caller, metadata_service.MayWrite)
	}
	fs.mu.Unlock()
	if err != nil {
		return err
	}

	if size > 0 {
		if err := fs.load(ctx, ino); err != nil {
			return err
		}
	}

	fs.mu.Lock()
	inode, f, err := fs.file(ino)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	if size == inode.Size && f.Loaded {
		fs.mu.Unlock()
		return nil
	}
	fs.resize(inode, f, size)
	open := f.OpenCount > 0
	fs.mu.Unlock()

	if open {
		return nil
	}
	if err := fs.Flush(ctx, ino); err != nil {
		return err
	}

	fs.mu.Lock()
	if f.OpenCount == 0 && !f.PendingWrite {
		f.Content = nil
		f.Loaded = false
	}
	fs.mu.Unlock()
	return nil
}

// ApplyExtent records a write another rank committed. A working copy that
// holds no unflushed changes is dropped so the next access reads the new
// content.
func (fs *FileSystem) ApplyExtent(ino, size, blocks uint64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	inode, f, err := fs.file(ino)
	if err != nil {
		return err
	}
	fs.table.AddUsedBlocks(int64(blocks) - int64(inode.Blocks))
	inode.Size = size
	inode.Blocks = blocks
	inode.Touch(false, true, true)
	if f.Loaded && !f.PendingWrite {
		f.Content = nil
		f.Loaded = false
	}
	fs.updateGauges()
	return nil
}

var _ collective_io.ExtentSink = (*FileSystem)(nil)

package file_service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
	"github.com/AnishMulay/memstripe/internal/metadata_service"
)

// Lookup resolves name in parent and counts one more reference held by the
// caller. The reference is dropped with Forget.
func (fs *FileSystem) Lookup(ctx context.Context, caller metadata_service.Caller, parent uint64, name string) (Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	pinode, d, err := fs.dir(parent)
	if err != nil {
		return Attr{}, err
	}
	if err := metadata_service.CheckAccess(pinode, caller, metadata_service.MayExec); err != nil {
		return Attr{}, err
	}

	var inode *metadata_service.Inode
	switch name {
	case ".":
		inode = pinode
	case "..":
		inode, err = fs.get(d.Parent)
	default:
		if len(name) > MaxNameLen {
			return Attr{}, fmt.Errorf("name of %d bytes: %w", len(name), metadata_service.ErrNameTooLong)
		}
		inode, err = fs.child(parent, name)
	}
	if err != nil {
		return Attr{}, err
	}
	inode.Lookups++
	return attrOf(inode), nil
}

// Forget drops n references taken by Lookup.
func (fs *FileSystem) Forget(ctx context.Context, ino uint64, n uint64) error {
	fs.mu.Lock()
	inode, err := fs.get(ino)
	if err != nil {
		fs.mu.Unlock()
		return err
	}
	inode.Lookups -= min(n, inode.Lookups)
	fs.maybeDelete(inode)
	fs.updateGauges()
	fs.mu.Unlock()

	fs.releasePending(ctx)
	return nil
}

// maybeDelete queues an inode for reuse once nothing refers to it. A file
// that is still open stays until its last Release.
func (fs *FileSystem) maybeDelete(inode *metadata_service.Inode) {
	if f, ok := inode.Body.(*metadata_service.FileBody); ok && f.OpenCount > 0 {
		return
	}
	if fs.table.MaybeDelete(inode) {
		fs.ls.Debug(log_service.LogEvent{
			Message:  "Inode queued for reuse",
			Metadata: map[string]any{"inode": inode.Number, "kind": inode.Kind().String()},
		})
	}
}

func (fs *FileSystem) GetAttr(ino uint64) (Attr, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, err := fs.get(ino)
	if err != nil {
		return Attr{}, err
	}
	return attrOf(inode), nil
}

// SetAttr changes the attributes named in req. Only the owner may change the
// mode, and only root may give a file away. A size change truncates or
// extends the content and is stored at once unless the file is open.
func (fs *FileSystem) SetAttr(ctx context.Context, caller metadata_service.Caller, ino uint64, req SetAttrRequest) (Attr, error) {
	if req.Size != nil {
		if err := fs.truncate(ctx, caller, ino, *req.Size); err != nil {
			return Attr{}, err
		}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	inode, err := fs.get(ino)
	if err != nil {
		return Attr{}, err
	}
	owner := caller.Uid == 0 || caller.Uid == inode.Uid
	if req.Mode != nil {
		if !owner {
			return Attr{}, fmt.Errorf("chmod inode %d: %w", ino, metadata_service.ErrPermission)
		}
		inode.Perm = *req.Mode & 0o7777
	}
	if req.Uid != nil && *req.Uid != inode.Uid {
		if caller.Uid != 0 {
			return Attr{}, fmt.Errorf("chown inode %d: %w", ino, metadata_service.ErrPermission)
		}
		inode.Uid = *req.Uid
	}
	if req.Gid != nil && *req.Gid != inode.Gid {
		if !owner || (caller.Uid != 0 && caller.Gid != *req.Gid) {
			return Attr{}, fmt.Errorf("chgrp inode %d: %w", ino, metadata_service.ErrPermission)
		}
		inode.Gid = *req.Gid
	}
	if req.Atime != nil || req.Mtime != nil {
		if !owner {
			if err := metadata_service.CheckAccess(inode, caller, metadata_service.MayWrite); err != nil {
				return Attr{}, err
			}
		}
		if req.Atime != nil {
			inode.Atime = *req.Atime
		}
		if req.Mtime != nil {
			inode.Mtime = *req.Mtime
		}
	}
	inode.Ctime = time.Now()
	return attrOf(inode), nil
}

func (fs *FileSystem) Access(caller metadata_service.Caller, ino uint64, mask uint32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, err := fs.get(ino)
	if err != nil {
		return err
	}
	return metadata_service.CheckAccess(inode, caller, mask)
}

// ReadDir lists the children of a directory sorted by name, without the dot
// entries.
func (fs *FileSystem) ReadDir(caller metadata_service.Caller, ino uint64) ([]metadata_service.DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, d, err := fs.dir(ino)
	if err != nil {
		return nil, err
	}
	if err := metadata_service.CheckAccess(inode, caller, metadata_service.MayRead); err != nil {
		return nil, err
	}
	inode.Touch(true, false, false)
	return d.Entries.Entries(), nil
}

func (fs *FileSystem) Readlink(ino uint64) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, err := fs.get(ino)
	if err != nil {
		return "", err
	}
	l, err := inode.Symlink()
	if err != nil {
		return "", err
	}
	return l.Target, nil
}

// writableDir returns a directory the caller may add entries to or remove
// entries from.
func (fs *FileSystem) writableDir(caller metadata_service.Caller, ino uint64) (*metadata_service.Inode, *metadata_service.DirectoryBody, error) {
	inode, d, err := fs.dir(ino)
	if err != nil {
		return nil, nil, err
	}
	if err := metadata_service.CheckAccess(inode, caller, metadata_service.MayWrite|metadata_service.MayExec); err != nil {
		return nil, nil, err
	}
	return inode, d, nil
}

func (fs *FileSystem) Create(ctx context.Context, caller metadata_service.Caller, parent uint64, name string, mode uint32) (Attr, error) {
	var (
		attr Attr
		path string
	)
	err := fs.namespaceOp(ctx, communication.RequestCreateFile, func() error {
		if err := checkName(name); err != nil {
			return err
		}
		if _, _, err := fs.writableDir(caller, parent); err != nil {
			return err
		}
		var err error
		if path, err = fs.wirePath(parent, name); err != nil {
			return err
		}
		inode, err := fs.insert(parent, name, metadata_service.KindFile, mode&0o7777, 1, caller)
		if err != nil {
			return err
		}
		attr = attrOf(inode)
		return nil
	}, func(ctx context.Context, seq uint64) error {
		return fs.repl.NotifyCreateFile(ctx, seq, attr.Ino, mode&0o7777, caller.Uid, caller.Gid, path)
	})
	return attr, err
}

func (fs *FileSystem) Mkdir(ctx context.Context, caller metadata_service.Caller, parent uint64, name string, mode uint32) (Attr, error) {
	var (
		attr Attr
		path string
	)
	err := fs.namespaceOp(ctx, communication.RequestCreateDir, func() error {
		if err := checkName(name); err != nil {
			return err
		}
		if _, _, err := fs.writableDir(caller, parent); err != nil {
			return err
		}
		var err error
		if path, err = fs.wirePath(parent, name); err != nil {
			return err
		}
		inode, err := fs.insert(parent, name, metadata_service.KindDirectory, mode&0o7777, 2, caller)
		if err != nil {
			return err
		}
		attr = attrOf(inode)
		return nil
	}, func(ctx context.Context, seq uint64) error {
		return fs.repl.NotifyCreateDir(ctx, seq, attr.Ino, mode&0o7777, caller.Uid, caller.Gid, path)
	})
	return attr, err
}

func (fs *FileSystem) Symlink(ctx context.Context, caller metadata_service.Caller, parent uint64, name, target string) (Attr, error) {
	var (
		attr Attr
		path string
	)
	err := fs.namespaceOp(ctx, communication.RequestCreateSymlink, func() error {
		if err := checkName(name); err != nil {
			return err
		}
		if target == "" {
			return fmt.Errorf("empty symlink target: %w", metadata_service.ErrInvalid)
		}
		if len(target) > MaxPathLen || (fs.repl != nil && len(target) >= communication.NameSize) {
			return fmt.Errorf("symlink target of %d bytes: %w", len(target), metadata_service.ErrNameTooLong)
		}
		if _, _, err := fs.writableDir(caller, parent); err != nil {
			return err
		}
		var err error
		if path, err = fs.wirePath(parent, name); err != nil {
			return err
		}
		inode, err := fs.insert(parent, name, metadata_service.KindSymlink, 0o777, 1, caller)
		if err != nil {
			return err
		}
		inode.Size = uint64(len(target))
		inode.Body.(*metadata_service.SymlinkBody).Target = target
		attr = attrOf(inode)
		return nil
	}, func(ctx context.Context, seq uint64) error {
		return fs.repl.NotifyCreateSymlink(ctx, seq, attr.Ino, caller.Uid, caller.Gid, path, target)
	})
	return attr, err
}

// insert registers a new inode owned by caller and links it into parent.
func (fs *FileSystem) insert(parent uint64, name string, kind metadata_service.Kind, perm, nlink uint32, caller metadata_service.Caller) (*metadata_service.Inode, error) {
	_, d, err := fs.dir(parent)
	if err != nil {
		return nil, err
	}
	if _, ok := d.Entries.Lookup(name); ok {
		return nil, fmt.Errorf("%q in %d: %w", name, parent, metadata_service.ErrExists)
	}
	ino := fs.table.RegisterNew(kind, perm, nlink, caller.Gid, caller.Uid)
	inode, err := fs.get(ino)
	if err != nil {
		return nil, err
	}
	return inode, fs.attach(parent, name, inode)
}

// attach adds an entry for an already registered inode.
func (fs *FileSystem) attach(parent uint64, name string, inode *metadata_service.Inode) error {
	pinode, d, err := fs.dir(parent)
	if err != nil {
		return err
	}
	if err := d.Entries.Insert(name, inode.Number); err != nil {
		return err
	}
	if sub, ok := inode.Body.(*metadata_service.DirectoryBody); ok {
		sub.Parent = parent
		sub.Name = name
		pinode.Nlink++
	}
	pinode.Touch(false, true, true)
	return nil
}

func (fs *FileSystem) Unlink(ctx context.Context, caller metadata_service.Caller, parent uint64, name string) error {
	var path string
	return fs.namespaceOp(ctx, communication.RequestDeleteFile, func() error {
		if _, _, err := fs.writableDir(caller, parent); err != nil {
			return err
		}
		var err error
		if path, err = fs.wirePath(parent, name); err != nil {
			return err
		}
		return fs.unlink(parent, name)
	}, func(ctx context.Context, seq uint64) error {
		return fs.repl.NotifyDeleteFile(ctx, seq, path)
	})
}

func (fs *FileSystem) unlink(parent uint64, name string) error {
	pinode, d, err := fs.dir(parent)
	if err != nil {
		return err
	}
	inode, err := fs.child(parent, name)
	if err != nil {
		return err
	}
	if inode.Kind() == metadata_service.KindDirectory {
		return fmt.Errorf("unlink %q: %w", name, metadata_service.ErrIsDir)
	}
	d.Entries.Remove(name)
	pinode.Touch(false, true, true)
	inode.Nlink--
	inode.Touch(false, false, true)
	fs.maybeDelete(inode)
	return nil
}

func (fs *FileSystem) Rmdir(ctx context.Context, caller metadata_service.Caller, parent uint64, name string) error {
	var path string
	return fs.namespaceOp(ctx, communication.RequestDeleteDir, func() error {
		if _, _, err := fs.writableDir(caller, parent); err != nil {
			return err
		}
		var err error
		if path, err = fs.wirePath(parent, name); err != nil {
			return err
		}
		return fs.rmdir(parent, name)
	}, func(ctx context.Context, seq uint64) error {
		return fs.repl.NotifyDeleteDir(ctx, seq, path)
	})
}

func (fs *FileSystem) rmdir(parent uint64, name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("rmdir %q: %w", name, metadata_service.ErrInvalid)
	}
	pinode, d, err := fs.dir(parent)
	if err != nil {
		return err
	}
	inode, err := fs.child(parent, name)
	if err != nil {
		return err
	}
	sub, err := inode.Directory()
	if err != nil {
		return err
	}
	if sub.Entries.Len() > 0 {
		return fmt.Errorf("rmdir %q: %w", name, metadata_service.ErrNotEmpty)
	}
	d.Entries.Remove(name)
	pinode.Nlink--
	pinode.Touch(false, true, true)
	inode.Nlink = 0
	fs.maybeDelete(inode)
	return nil
}

// Rename moves name in parent to newName in newParent, replacing what was
// there. A directory may only replace an empty directory.
func (fs *FileSystem) Rename(ctx context.Context, caller metadata_service.Caller, parent uint64, name string, newParent uint64, newName string) error {
	var oldPath, newPath string
	return fs.namespaceOp(ctx, communication.RequestRename, func() error {
		if err := checkName(newName); err != nil {
			return err
		}
		if _, _, err := fs.writableDir(caller, parent); err != nil {
			return err
		}
		if _, _, err := fs.writableDir(caller, newParent); err != nil {
			return err
		}
		var err error
		if oldPath, err = fs.wirePath(parent, name); err != nil {
			return err
		}
		if newPath, err = fs.wirePath(newParent, newName); err != nil {
			return err
		}
		return fs.rename(parent, name, newParent, newName)
	}, func(ctx context.Context, seq uint64) error {
		return fs.repl.NotifyRename(ctx, seq, oldPath, newPath)
	})
}

func (fs *FileSystem) rename(parent uint64, name string, newParent uint64, newName string) error {
	pinode, d, err := fs.dir(parent)
	if err != nil {
		return err
	}
	npinode, nd, err := fs.dir(newParent)
	if err != nil {
		return err
	}
	inode, err := fs.child(parent, name)
	if err != nil {
		return err
	}
	isDir := inode.Kind() == metadata_service.KindDirectory

	if isDir {
		// a directory cannot move below itself
		for ino := newParent; ; {
			if ino == inode.Number {
				return fmt.Errorf("rename %q into its own subtree: %w", name, metadata_service.ErrInvalid)
			}
			if ino == metadata_service.RootInode {
				break
			}
			_, up, err := fs.dir(ino)
			if err != nil {
				return err
			}
			ino = up.Parent
		}
	}

	var victim *metadata_service.Inode
	if ino, ok := nd.Entries.Lookup(newName); ok {
		if ino == inode.Number {
			return nil
		}
		if victim, err = fs.get(ino); err != nil {
			return err
		}
		switch vd, verr := victim.Directory(); {
		case verr == nil && !isDir:
			return fmt.Errorf("rename onto %q: %w", newName, metadata_service.ErrIsDir)
		case verr != nil && isDir:
			return fmt.Errorf("rename onto %q: %w", newName, metadata_service.ErrNotDir)
		case verr == nil && vd.Entries.Len() > 0:
			return fmt.Errorf("rename onto %q: %w", newName, metadata_service.ErrNotEmpty)
		}
	}

	d.Entries.Remove(name)
	nd.Entries.Put(newName, inode.Number)

	if victim != nil {
		if victim.Kind() == metadata_service.KindDirectory {
			victim.Nlink = 0
			npinode.Nlink--
		} else {
			victim.Nlink--
		}
		victim.Touch(false, false, true)
		fs.maybeDelete(victim)
	}
	if sub, ok := inode.Body.(*metadata_service.DirectoryBody); ok {
		sub.Parent = newParent
		sub.Name = newName
		if parent != newParent {
			pinode.Nlink--
			npinode.Nlink++
		}
	}

	pinode.Touch(false, true, true)
	npinode.Touch(false, true, true)
	inode.Touch(false, false, true)
	return nil
}

// Link adds newName in newParent as another name of ino. Directories cannot
// be linked.
func (fs *FileSystem) Link(ctx context.Context, caller metadata_service.Caller, ino, newParent uint64, newName string) (Attr, error) {
	var (
		attr             Attr
		oldPath, newPath string
	)
	err := fs.namespaceOp(ctx, communication.RequestLink, func() error {
		if err := checkName(newName); err != nil {
			return err
		}
		if _, _, err := fs.writableDir(caller, newParent); err != nil {
			return err
		}
		inode, err := fs.get(ino)
		if err != nil {
			return err
		}
		if inode.Kind() == metadata_service.KindDirectory {
			return fmt.Errorf("link directory %d: %w", ino, metadata_service.ErrPermission)
		}
		if fs.repl != nil {
			if oldPath, err = fs.findPath(ino); err != nil {
				return err
			}
			if newPath, err = fs.wirePath(newParent, newName); err != nil {
				return err
			}
		}
		if err := fs.link(inode, newParent, newName); err != nil {
			return err
		}
		attr = attrOf(inode)
		return nil
	}, func(ctx context.Context, seq uint64) error {
		return fs.repl.NotifyLink(ctx, seq, oldPath, newPath)
	})
	return attr, err
}

func (fs *FileSystem) link(inode *metadata_service.Inode, newParent uint64, newName string) error {
	if inode.Nlink == 0 {
		return fmt.Errorf("link inode %d: %w", inode.Number, metadata_service.ErrNotFound)
	}
	if err := fs.attach(newParent, newName, inode); err != nil {
		return err
	}
	inode.Nlink++
	inode.Touch(false, false, true)
	return nil
}

// findPath returns one path naming ino. Regular files keep no back pointer,
// so the tree is searched.
func (fs *FileSystem) findPath(ino uint64) (string, error) {
	var search func(dir uint64, prefix string) (string, bool)
	search = func(dir uint64, prefix string) (string, bool) {
		_, d, err := fs.dir(dir)
		if err != nil {
			return "", false
		}
		var subdirs []metadata_service.DirEntry
		for _, e := range d.Entries.Entries() {
			if e.Inode == ino {
				return prefix + "/" + e.Name, true
			}
			if child, err := fs.get(e.Inode); err == nil && child.Kind() == metadata_service.KindDirectory {
				subdirs = append(subdirs, e)
			}
		}
		for _, e := range subdirs {
			if p, ok := search(e.Inode, prefix+"/"+e.Name); ok {
				return p, true
			}
		}
		return "", false
	}
	p, ok := search(metadata_service.RootInode, "")
	if !ok {
		return "", fmt.Errorf("inode %d has no name: %w", ino, metadata_service.ErrNotFound)
	}
	if len(p) >= communication.NameSize {
		return "", fmt.Errorf("path of %d bytes: %w", len(p), metadata_service.ErrNameTooLong)
	}
	return p, nil
}

func (fs *FileSystem) SetXAttr(ino uint64, name string, value []byte, flags int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, err := fs.get(ino)
	if err != nil {
		return err
	}
	if err := metadata_service.SetXAttr(inode, name, value, flags); err != nil {
		return err
	}
	inode.Touch(false, false, true)
	return nil
}

func (fs *FileSystem) GetXAttr(ino uint64, name string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, err := fs.get(ino)
	if err != nil {
		return nil, err
	}
	return metadata_service.GetXAttr(inode, name)
}

func (fs *FileSystem) ListXAttr(ino uint64) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, err := fs.get(ino)
	if err != nil {
		return nil, err
	}
	return metadata_service.ListXAttr(inode), nil
}

func (fs *FileSystem) RemoveXAttr(ino uint64, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	inode, err := fs.get(ino)
	if err != nil {
		return err
	}
	if err := metadata_service.RemoveXAttr(inode, name); err != nil {
		return err
	}
	inode.Touch(false, false, true)
	return nil
}

// PermBits is the permission part of m as stored in an inode.
func PermBits(m os.FileMode) uint32 {
	perm := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		perm |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		perm |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		perm |= 0o1000
	}
	return perm
}

package file_service

import (
	"context"
	"fmt"

	"github.com/AnishMulay/memstripe/internal/metadata_service"
	"github.com/AnishMulay/memstripe/internal/namespace_replicator"
)

// The Mirror methods apply namespace changes announced by other ranks. The
// records were checked by their initiator, so no permissions are consulted.

func (fs *FileSystem) mirror(apply func() error) error {
	fs.mu.Lock()
	err := apply()
	fs.updateGauges()
	fs.mu.Unlock()

	fs.releasePending(context.Background())
	return err
}

// adopt registers a new inode under the number the initiator chose and links
// it at path.
func (fs *FileSystem) adopt(ino uint64, kind metadata_service.Kind, perm, nlink, uid, gid uint32, path string) (*metadata_service.Inode, error) {
	parent, name, err := fs.resolveParent(path)
	if err != nil {
		return nil, err
	}
	_, d, err := fs.dir(parent)
	if err != nil {
		return nil, err
	}
	if _, ok := d.Entries.Lookup(name); ok {
		return nil, fmt.Errorf("%s: %w", path, metadata_service.ErrExists)
	}

	inode := fs.table.CreateEmpty(kind)
	inode.Perm = perm & 0o7777
	inode.Nlink = nlink
	inode.Uid = uid
	inode.Gid = gid
	if err := fs.table.RegisterAt(ino, inode); err != nil {
		return nil, err
	}
	return inode, fs.attach(parent, name, inode)
}

func (fs *FileSystem) MirrorCreateFile(ino uint64, mode, uid, gid uint32, path string) error {
	return fs.mirror(func() error {
		_, err := fs.adopt(ino, metadata_service.KindFile, mode, 1, uid, gid, path)
		return err
	})
}

func (fs *FileSystem) MirrorCreateDir(ino uint64, mode, uid, gid uint32, path string) error {
	return fs.mirror(func() error {
		_, err := fs.adopt(ino, metadata_service.KindDirectory, mode, 2, uid, gid, path)
		return err
	})
}

func (fs *FileSystem) MirrorSymlink(ino uint64, uid, gid uint32, path, target string) error {
	return fs.mirror(func() error {
		inode, err := fs.adopt(ino, metadata_service.KindSymlink, 0o777, 1, uid, gid, path)
		if err != nil {
			return err
		}
		inode.Size = uint64(len(target))
		inode.Body.(*metadata_service.SymlinkBody).Target = target
		return nil
	})
}

func (fs *FileSystem) MirrorDeleteFile(path string) error {
	return fs.mirror(func() error {
		parent, name, err := fs.resolveParent(path)
		if err != nil {
			return err
		}
		return fs.unlink(parent, name)
	})
}

func (fs *FileSystem) MirrorDeleteDir(path string) error {
	return fs.mirror(func() error {
		parent, name, err := fs.resolveParent(path)
		if err != nil {
			return err
		}
		return fs.rmdir(parent, name)
	})
}

func (fs *FileSystem) MirrorRename(oldPath, newPath string) error {
	return fs.mirror(func() error {
		parent, name, err := fs.resolveParent(oldPath)
		if err != nil {
			return err
		}
		newParent, newName, err := fs.resolveParent(newPath)
		if err != nil {
			return err
		}
		return fs.rename(parent, name, newParent, newName)
	})
}

func (fs *FileSystem) MirrorLink(oldPath, newPath string) error {
	return fs.mirror(func() error {
		ino, err := fs.resolve(oldPath)
		if err != nil {
			return err
		}
		inode, err := fs.get(ino)
		if err != nil {
			return err
		}
		newParent, newName, err := fs.resolveParent(newPath)
		if err != nil {
			return err
		}
		return fs.link(inode, newParent, newName)
	})
}

var _ namespace_replicator.Mirror = (*FileSystem)(nil)

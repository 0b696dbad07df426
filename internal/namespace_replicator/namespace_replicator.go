// Package namespace_replicator propagates namespace mutations between the
// ranks of the replicated model. Records are sent once to every other rank
// and are not acknowledged; ordering comes from the sequence number of the
// ticket under which the mutation was made.
package namespace_replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/AnishMulay/memstripe/internal/communication"
	"github.com/AnishMulay/memstripe/internal/log_service"
)

// Notifier delivers an encoded request to every other rank.
type Notifier interface {
	Notify(ctx context.Context, h communication.Header, body []byte) error
}

// Mirror applies a mutation announced by another rank. Inode numbers are the
// ones the initiating rank assigned.
type Mirror interface {
	MirrorCreateFile(ino uint64, mode, uid, gid uint32, path string) error
	MirrorDeleteFile(path string) error
	MirrorCreateDir(ino uint64, mode, uid, gid uint32, path string) error
	MirrorDeleteDir(path string) error
	MirrorRename(oldPath, newPath string) error
	MirrorSymlink(ino uint64, uid, gid uint32, path, target string) error
	MirrorLink(oldPath, newPath string) error
}

// DirectoryChanger is implemented by mirrors that follow ChangeDirectory
// requests.
type DirectoryChanger interface {
	ChangeDirectory(path string) error
}

type Replicator struct {
	notifier Notifier
	ls       log_service.LogService
}

func NewReplicator(n Notifier, ls log_service.LogService) *Replicator {
	return &Replicator{notifier: n, ls: ls}
}

func (r *Replicator) send(ctx context.Context, typ communication.RequestType, seq uint64, body []byte, err error) error {
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := r.notifier.Notify(ctx, communication.Header{Type: typ, Seq: seq}, body); err != nil {
		r.ls.Error(log_service.LogEvent{
			Message:  "Failed to replicate namespace change",
			Metadata: map[string]any{"type": typ.String(), "seq": seq, "error": err.Error()},
		})
		return err
	}
	r.ls.Debug(log_service.LogEvent{
		Message:  "Namespace change replicated",
		Metadata: map[string]any{"type": typ.String(), "seq": seq},
	})
	return nil
}

func (r *Replicator) NotifyCreateFile(ctx context.Context, seq, ino uint64, mode, uid, gid uint32, path string) error {
	body, err := (&communication.CreateRequest{Inode: ino, Mode: mode, Uid: uid, Gid: gid, Name: path}).MarshalBinary()
	return r.send(ctx, communication.RequestCreateFile, seq, body, err)
}

func (r *Replicator) NotifyDeleteFile(ctx context.Context, seq uint64, path string) error {
	body, err := (&communication.NameRequest{Name: path}).MarshalBinary()
	return r.send(ctx, communication.RequestDeleteFile, seq, body, err)
}

func (r *Replicator) NotifyCreateDir(ctx context.Context, seq, ino uint64, mode, uid, gid uint32, path string) error {
	body, err := (&communication.CreateRequest{Inode: ino, Mode: mode, Uid: uid, Gid: gid, Name: path}).MarshalBinary()
	return r.send(ctx, communication.RequestCreateDir, seq, body, err)
}

func (r *Replicator) NotifyDeleteDir(ctx context.Context, seq uint64, path string) error {
	body, err := (&communication.NameRequest{Name: path}).MarshalBinary()
	return r.send(ctx, communication.RequestDeleteDir, seq, body, err)
}

func (r *Replicator) NotifyRename(ctx context.Context, seq uint64, oldPath, newPath string) error {
	body, err := (&communication.RenameRequest{OldName: oldPath, NewName: newPath}).MarshalBinary()
	return r.send(ctx, communication.RequestRename, seq, body, err)
}

func (r *Replicator) NotifyCreateSymlink(ctx context.Context, seq, ino uint64, uid, gid uint32, path, target string) error {
	body, err := (&communication.SymlinkRequest{Inode: ino, Uid: uid, Gid: gid, Name: path, Target: target}).MarshalBinary()
	return r.send(ctx, communication.RequestCreateSymlink, seq, body, err)
}

func (r *Replicator) NotifyLink(ctx context.Context, seq uint64, oldPath, newPath string) error {
	body, err := (&communication.RenameRequest{OldName: oldPath, NewName: newPath}).MarshalBinary()
	return r.send(ctx, communication.RequestLink, seq, body, err)
}

// IsNamespace reports whether t is a mutation record handled by Apply.
func IsNamespace(t communication.RequestType) bool {
	switch t {
	case communication.RequestCreateFile, communication.RequestDeleteFile,
		communication.RequestCreateDir, communication.RequestDeleteDir,
		communication.RequestRename, communication.RequestCreateSymlink,
		communication.RequestLink:
		return true
	}
	return false
}

// Apply decodes a received record and applies it to m.
func Apply(m Mirror, t communication.RequestType, body []byte) error {
	switch t {
	case communication.RequestCreateFile, communication.RequestCreateDir:
		var req communication.CreateRequest
		if err := req.UnmarshalBinary(body); err != nil {
			return err
		}
		if t == communication.RequestCreateFile {
			return m.MirrorCreateFile(req.Inode, req.Mode, req.Uid, req.Gid, req.Name)
		}
		return m.MirrorCreateDir(req.Inode, req.Mode, req.Uid, req.Gid, req.Name)

	case communication.RequestDeleteFile, communication.RequestDeleteDir:
		var req communication.NameRequest
		if err := req.UnmarshalBinary(body); err != nil {
			return err
		}
		if t == communication.RequestDeleteFile {
			return m.MirrorDeleteFile(req.Name)
		}
		return m.MirrorDeleteDir(req.Name)

	case communication.RequestRename, communication.RequestLink:
		var req communication.RenameRequest
		if err := req.UnmarshalBinary(body); err != nil {
			return err
		}
		if t == communication.RequestRename {
			return m.MirrorRename(req.OldName, req.NewName)
		}
		return m.MirrorLink(req.OldName, req.NewName)

	case communication.RequestCreateSymlink:
		var req communication.SymlinkRequest
		if err := req.UnmarshalBinary(body); err != nil {
			return err
		}
		return m.MirrorSymlink(req.Inode, req.Uid, req.Gid, req.Name, req.Target)
	}
	return fmt.Errorf("%s: %w", t, communication.ErrUnknownRequest)
}

// Tee applies every mutation to each mirror in turn and joins their errors.
func Tee(mirrors ...Mirror) Mirror {
	return tee(mirrors)
}

type tee []Mirror

func (t tee) each(fn func(Mirror) error) error {
	var errs []error
	for _, m := range t {
		if err := fn(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) MirrorCreateFile(ino uint64, mode, uid, gid uint32, path string) error {
	return t.each(func(m Mirror) error { return m.MirrorCreateFile(ino, mode, uid, gid, path) })
}

func (t tee) MirrorDeleteFile(path string) error {
	return t.each(func(m Mirror) error { return m.MirrorDeleteFile(path) })
}

func (t tee) MirrorCreateDir(ino uint64, mode, uid, gid uint32, path string) error {
	return t.each(func(m Mirror) error { return m.MirrorCreateDir(ino, mode, uid, gid, path) })
}

func (t tee) MirrorDeleteDir(path string) error {
	return t.each(func(m Mirror) error { return m.MirrorDeleteDir(path) })
}

func (t tee) MirrorRename(oldPath, newPath string) error {
	return t.each(func(m Mirror) error { return m.MirrorRename(oldPath, newPath) })
}

func (t tee) MirrorSymlink(ino uint64, uid, gid uint32, path, target string) error {
	return t.each(func(m Mirror) error { return m.MirrorSymlink(ino, uid, gid, path, target) })
}

func (t tee) MirrorLink(oldPath, newPath string) error {
	return t.each(func(m Mirror) error { return m.MirrorLink(oldPath, newPath) })
}

func (t tee) ChangeDirectory(path string) error {
	return t.each(func(m Mirror) error {
		if dc, ok := m.(DirectoryChanger); ok {
			return dc.ChangeDirectory(path)
		}
		return nil
	})
}

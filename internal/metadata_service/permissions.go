package metadata_service

import (
	"fmt"
	"sort"
)

// Access mask bits.
const (
	MayExec  uint32 = 1
	MayWrite uint32 = 2
	MayRead  uint32 = 4
)

// Xattr flags.
const (
	XattrCreate  = 1
	XattrReplace = 2
)

type Caller struct {
	Uid uint32
	Gid uint32
}

var RootCaller = Caller{}

// CheckAccess applies the basic permission bits: other, then group, then
// owner. Root passes every check.
func CheckAccess(inode *Inode, caller Caller, mask uint32) error {
	mask &= 0o7
	if mask == 0 || caller.Uid == 0 {
		return nil
	}
	if inode.Perm&mask == mask {
		return nil
	}
	if caller.Gid == inode.Gid && (inode.Perm>>3)&mask == mask {
		return nil
	}
	if caller.Uid == inode.Uid && (inode.Perm>>6)&mask == mask {
		return nil
	}
	return fmt.Errorf("inode %d mask %o: %w", inode.Number, mask, ErrPermission)
}

func SetXAttr(inode *Inode, name string, value []byte, flags int) error {
	if name == "" {
		return ErrInvalid
	}
	_, exists := inode.XAttrs[name]
	if flags&XattrCreate != 0 && exists {
		return fmt.Errorf("xattr %q: %w", name, ErrExists)
	}
	if flags&XattrReplace != 0 && !exists {
		return fmt.Errorf("xattr %q: %w", name, ErrNoData)
	}
	if inode.XAttrs == nil {
		inode.XAttrs = make(map[string][]byte)
	}
	inode.XAttrs[name] = append([]byte(nil), value...)
	return nil
}

func GetXAttr(inode *Inode, name string) ([]byte, error) {
	v, ok := inode.XAttrs[name]
	if !ok {
		return nil, fmt.Errorf("xattr %q: %w", name, ErrNoData)
	}
	return append([]byte(nil), v...), nil
}

func ListXAttr(inode *Inode) []string {
	names := make([]string, 0, len(inode.XAttrs))
	for k := range inode.XAttrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func RemoveXAttr(inode *Inode, name string) error {
	if _, ok := inode.XAttrs[name]; !ok {
		return fmt.Errorf("xattr %q: %w", name, ErrNoData)
	}
	delete(inode.XAttrs, name)
	return nil
}

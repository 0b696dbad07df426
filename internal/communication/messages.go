package communication

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

type RequestType uint8

const (
	RequestTerminate RequestType = iota
	RequestWrite
	RequestRead
	RequestCreateFile
	RequestDeleteFile
	RequestCreateDir
	RequestDeleteDir
	RequestRename
	RequestChangeDirectory
	RequestFreeBlocks
	RequestCreateSymlink
	RequestLink
)

func (t RequestType) String() string {
	switch t {
	case RequestTerminate:
		return "terminate"
	case RequestWrite:
		return "write"
	case RequestRead:
		return "read"
	case RequestCreateFile:
		return "create_file"
	case RequestDeleteFile:
		return "delete_file"
	case RequestCreateDir:
		return "create_dir"
	case RequestDeleteDir:
		return "delete_dir"
	case RequestRename:
		return "rename"
	case RequestChangeDirectory:
		return "change_directory"
	case RequestFreeBlocks:
		return "free_blocks"
	case RequestCreateSymlink:
		return "create_symlink"
	case RequestLink:
		return "link"
	default:
		return fmt.Sprintf("request(%d)", uint8(t))
	}
}

// Fixed layout sizes in bytes.
const (
	HeaderSize    = 16
	NameSize      = 256
	IOBodySize    = 32
	CreateSize    = 24 + NameSize
	RenameSize    = 2 * NameSize
	SymlinkSize   = 16 + 2*NameSize
	FreeBlockSize = 8
)

var le = binary.LittleEndian

// FlagVoid marks a request whose operation failed on the initiator. The
// receiver only records the sequence number.
const FlagVoid uint8 = 1

// Header opens every request: {type u8, flags u8, pad [6]u8, seq u64}.
type Header struct {
	Type  RequestType
	Flags uint8
	Seq   uint64
}

func (h Header) Void() bool { return h.Flags&FlagVoid != 0 }

// EncodeRequest frames header and body into one message.
func EncodeRequest(h Header, body []byte) []byte {
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	le.PutUint64(buf[8:], h.Seq)
	copy(buf[HeaderSize:], body)
	return buf
}

func DecodeRequest(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, fmt.Errorf("header of %d bytes: %w", len(buf), ErrShortMessage)
	}
	h := Header{Type: RequestType(buf[0]), Flags: buf[1], Seq: le.Uint64(buf[8:])}
	if h.Type > RequestLink {
		return h, nil, fmt.Errorf("type %d: %w", buf[0], ErrUnknownRequest)
	}
	return h, buf[HeaderSize:], nil
}

func putName(dst []byte, name string) error {
	if len(name) >= NameSize {
		return fmt.Errorf("%d bytes: %w", len(name), ErrNameTooLong)
	}
	copy(dst[:NameSize], name)
	return nil
}

func getName(src []byte) string {
	src = src[:NameSize]
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func need(buf []byte, n int) error {
	if len(buf) < n {
		return fmt.Errorf("%d of %d bytes: %w", len(buf), n, ErrShortMessage)
	}
	return nil
}

// IORequest is the body of Write and Read notifications.
type IORequest struct {
	Inode    uint64
	FileSize uint64
	ReqSize  uint64
	Offset   int64
}

func (r *IORequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, IOBodySize)
	le.PutUint64(buf[0:], r.Inode)
	le.PutUint64(buf[8:], r.FileSize)
	le.PutUint64(buf[16:], r.ReqSize)
	le.PutUint64(buf[24:], uint64(r.Offset))
	return buf, nil
}

func (r *IORequest) UnmarshalBinary(buf []byte) error {
	if err := need(buf, IOBodySize); err != nil {
		return err
	}
	r.Inode = le.Uint64(buf[0:])
	r.FileSize = le.Uint64(buf[8:])
	r.ReqSize = le.Uint64(buf[16:])
	r.Offset = int64(le.Uint64(buf[24:]))
	return nil
}

// CreateRequest mirrors file and directory creation with the inode number the
// initiating rank assigned.
type CreateRequest struct {
	Inode uint64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Name  string
}

func (r *CreateRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, CreateSize)
	le.PutUint64(buf[0:], r.Inode)
	le.PutUint32(buf[8:], r.Mode)
	le.PutUint32(buf[12:], r.Uid)
	le.PutUint32(buf[16:], r.Gid)
	if err := putName(buf[24:], r.Name); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *CreateRequest) UnmarshalBinary(buf []byte) error {
	if err := need(buf, CreateSize); err != nil {
		return err
	}
	r.Inode = le.Uint64(buf[0:])
	r.Mode = le.Uint32(buf[8:])
	r.Uid = le.Uint32(buf[12:])
	r.Gid = le.Uint32(buf[16:])
	r.Name = getName(buf[24:])
	return nil
}

// NameRequest carries one path: deletions and change-directory.
type NameRequest struct {
	Name string
}

func (r *NameRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, NameSize)
	if err := putName(buf, r.Name); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *NameRequest) UnmarshalBinary(buf []byte) error {
	if err := need(buf, NameSize); err != nil {
		return err
	}
	r.Name = getName(buf)
	return nil
}

// RenameRequest carries two paths: rename and hard link.
type RenameRequest struct {
	OldName string
	NewName string
}

func (r *RenameRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, RenameSize)
	if err := putName(buf, r.OldName); err != nil {
		return nil, err
	}
	if err := putName(buf[NameSize:], r.NewName); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *RenameRequest) UnmarshalBinary(buf []byte) error {
	if err := need(buf, RenameSize); err != nil {
		return err
	}
	r.OldName = getName(buf)
	r.NewName = getName(buf[NameSize:])
	return nil
}

type SymlinkRequest struct {
	Inode  uint64
	Uid    uint32
	Gid    uint32
	Name   string
	Target string
}

func (r *SymlinkRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, SymlinkSize)
	le.PutUint64(buf[0:], r.Inode)
	le.PutUint32(buf[8:], r.Uid)
	le.PutUint32(buf[12:], r.Gid)
	if err := putName(buf[16:], r.Name); err != nil {
		return nil, err
	}
	if err := putName(buf[16+NameSize:], r.Target); err != nil {
		return nil, err
	}
	return buf, nil
}

func (r *SymlinkRequest) UnmarshalBinary(buf []byte) error {
	if err := need(buf, SymlinkSize); err != nil {
		return err
	}
	r.Inode = le.Uint64(buf[0:])
	r.Uid = le.Uint32(buf[8:])
	r.Gid = le.Uint32(buf[12:])
	r.Name = getName(buf[16:])
	r.Target = getName(buf[16+NameSize:])
	return nil
}

// FreeBlocksRequest carries an encoded handle table: {count u32, pad u32,
// records...}.
type FreeBlocksRequest struct {
	Count uint32
	Table []byte
}

func (r *FreeBlocksRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FreeBlockSize+len(r.Table))
	le.PutUint32(buf[0:], r.Count)
	copy(buf[FreeBlockSize:], r.Table)
	return buf, nil
}

func (r *FreeBlocksRequest) UnmarshalBinary(buf []byte) error {
	if err := need(buf, FreeBlockSize); err != nil {
		return err
	}
	r.Count = le.Uint32(buf[0:])
	r.Table = append([]byte(nil), buf[FreeBlockSize:]...)
	return nil
}

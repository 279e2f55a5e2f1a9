// Package archive implements the sitemove container format: a single file
// holding a sequence of self-describing entries terminated by an end marker.
//
// Every entry starts with a fixed 32-byte header followed by its name:
//
//	[0:4]   magic "SMV1"
//	[4]     type tag
//	[5]     flags (compressed, encrypted)
//	[6:8]   name length
//	[8:16]  payload length
//	[16:24] modification time (unix seconds)
//	[24:28] file mode
//	[28:32] CRC32 of bytes [0:28] and the name
//
// The payload follows the name. Filtered payloads are a sequence of frames,
// each a big-endian uint32 length followed by that many bytes, so that a
// partially written entry can be resumed at a frame boundary.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io/fs"
	"time"
)

// Extension is the file extension of finalized archives.
const Extension = ".smv"

const (
	magic      = "SMV1"
	headerSize = 32

	// MaxNameLen is the longest entry name the header can describe.
	MaxNameLen = 1<<16 - 1
)

// Type tags an entry's payload.
type Type uint8

const (
	TypeFile     Type = 1
	TypeDatabase Type = 2
	TypeConfig   Type = 3
	TypeEnd      Type = 0xFF
)

func (t Type) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDatabase:
		return "database"
	case TypeConfig:
		return "config"
	case TypeEnd:
		return "end"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t Type) valid() bool {
	switch t {
	case TypeFile, TypeDatabase, TypeConfig, TypeEnd:
		return true
	}
	return false
}

// Flags describe how an entry's payload was filtered.
type Flags uint8

const (
	FlagCompressed Flags = 1 << 0
	FlagEncrypted  Flags = 1 << 1
)

// Framed reports whether the payload is a sequence of frames.
func (f Flags) Framed() bool {
	return f&(FlagCompressed|FlagEncrypted) != 0
}

// Entry describes one unit inside an archive.
type Entry struct {
	Name          string
	Type          Type
	Flags         Flags
	Size          uint64 // declared payload length in bytes
	Mode          fs.FileMode
	ModTime       time.Time
	HeaderOffset  uint64
	PayloadOffset uint64
}

// End returns the offset of the byte following the entry's payload, which is
// where the next header begins.
func (e Entry) End() uint64 {
	return e.PayloadOffset + e.Size
}

// CorruptError reports structural damage found while decoding an archive.
type CorruptError struct {
	Offset uint64
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("corrupt archive at offset %d: %s", e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// ErrDecrypt is returned when an encrypted payload cannot be opened with the
// configured password, or no password was configured.
var ErrDecrypt = errors.New("unable to decrypt entry")

func encodeHeader(e Entry) []byte {
	buf := make([]byte, headerSize+len(e.Name))
	copy(buf[0:4], magic)
	buf[4] = byte(e.Type)
	buf[5] = byte(e.Flags)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(e.Name)))
	binary.BigEndian.PutUint64(buf[8:16], e.Size)
	var mtime int64
	if !e.ModTime.IsZero() {
		mtime = e.ModTime.Unix()
	}
	binary.BigEndian.PutUint64(buf[16:24], uint64(mtime))
	binary.BigEndian.PutUint32(buf[24:28], uint32(e.Mode))
	copy(buf[headerSize:], e.Name)
	binary.BigEndian.PutUint32(buf[28:32], headerChecksum(buf))
	return buf
}

func headerChecksum(buf []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write(buf[0:28])
	h.Write(buf[headerSize:])
	return h.Sum32()
}

// decodeFixed parses the fixed part of a header and returns the entry with
// everything but the name, plus the name length.
func decodeFixed(buf []byte, offset uint64) (Entry, int, error) {
	if string(buf[0:4]) != magic {
		return Entry{}, 0, &CorruptError{Offset: offset, Reason: "bad entry magic"}
	}
	t := Type(buf[4])
	if !t.valid() {
		return Entry{}, 0, &CorruptError{Offset: offset, Reason: fmt.Sprintf("unknown entry type %d", buf[4])}
	}
	e := Entry{
		Type:         t,
		Flags:        Flags(buf[5]),
		Size:         binary.BigEndian.Uint64(buf[8:16]),
		Mode:         fs.FileMode(binary.BigEndian.Uint32(buf[24:28])),
		HeaderOffset: offset,
	}
	if mtime := int64(binary.BigEndian.Uint64(buf[16:24])); mtime != 0 {
		e.ModTime = time.Unix(mtime, 0).UTC()
	}
	return e, int(binary.BigEndian.Uint16(buf[6:8])), nil
}

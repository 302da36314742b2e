// Package wire frames a provider.Item plus its deadline into a single byte
// slice, for backends that only store opaque bytes.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	version   byte = 1
	kindEntry byte = 1
	hdrLen         = 4 + 1 + 1 + 4 + 8 + 8 + 4
)

var (
	ErrCorrupt = errors.New("segcache: corrupt entry")
	magic4     = [...]byte{'S', 'E', 'G', 'C'}
)

// Entry is the decoded form of a framed value.
type Entry struct {
	Flags     uint32
	CAS       uint64
	ExpiresAt time.Time // zero => never
	Payload   []byte
}

// Expired reports whether the entry's deadline has passed at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Encode layout:
//
//	magic(4) | ver(1) | kind(1) | flags(u32 be) | cas(u64 be) | exp(i64 be, unix nanos, 0=never) | vlen(u32 be) | payload(vlen)
func Encode(e Entry) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(e.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(kindEntry)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint32(u4[:], e.Flags)
	buf.Write(u4[:])

	binary.BigEndian.PutUint64(u8[:], e.CAS)
	buf.Write(u8[:])

	var exp int64
	if !e.ExpiresAt.IsZero() {
		exp = e.ExpiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(u8[:], uint64(exp))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(e.Payload)))
	buf.Write(u4[:])

	buf.Write(e.Payload)
	return buf.Bytes()
}

// Decode is zero-copy: the returned payload aliases b.
func Decode(b []byte) (Entry, error) {
	if len(b) < hdrLen || !hasMagic(b) || b[4] != version || b[5] != kindEntry {
		return Entry{}, ErrCorrupt
	}
	off := 6

	var e Entry
	e.Flags = binary.BigEndian.Uint32(b[off : off+4])
	off += 4

	e.CAS = binary.BigEndian.Uint64(b[off : off+8])
	off += 8

	if exp := int64(binary.BigEndian.Uint64(b[off : off+8])); exp != 0 {
		e.ExpiresAt = time.Unix(0, exp)
	}
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen != len(b)-off { // strict: no short reads, no trailing junk
		return Entry{}, ErrCorrupt
	}
	e.Payload = b[off:]
	return e, nil
}

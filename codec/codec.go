// Package codec turns typed values into the byte payloads stored by segcache.
//
// Each codec tags what it writes with a flag, the way memcache clients mark
// marshalled values, so a reader configured with a different codec can tell
// the entry is not its own. Codec flags use the low bits and never touch
// 0x40000000, which segcache reserves for segment masters.
package codec

// Flag values written by the built-in codecs.
const (
	FlagRaw      uint32 = 0
	FlagJSON     uint32 = 1 << 0
	FlagMsgpack  uint32 = 1 << 1
	FlagCBOR     uint32 = 1 << 2
	FlagProtobuf uint32 = 1 << 3
)

// Codec encodes/decodes values V to []byte for storage.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
	// Flags is stored alongside every payload this codec encodes.
	Flags() uint32
}

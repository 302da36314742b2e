package codec

// Bytes passes []byte values through unchanged. Large blobs stored this way
// are what segcache splits into parts.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Flags() uint32                   { return FlagRaw }

// String stores Go strings as their bytes, assuming UTF-8 without validation.
// Counters kept as decimal strings work with Incr.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }
func (String) Flags() uint32                   { return FlagRaw }

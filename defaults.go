package segcache

import "time"

const (
	// MaxSize is the largest payload stored as a single entry. Larger values
	// are split into parts of at most MaxSize bytes.
	MaxSize = 1000000

	// PartialValue marks a master record whose payload is a segment
	// descriptor rather than content.
	PartialValue uint32 = 0x40000000

	// parts outlive their master by this much so a live master never points
	// at parts that already expired.
	defaultPartTTLSlack = time.Second

	// bounds the part keys a single descriptor may expand to.
	defaultMaxParts = 1 << 16
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

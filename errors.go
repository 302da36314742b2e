package segcache

import (
	"errors"
	"fmt"
)

// ErrReservedFlag is returned when a caller passes flags that include
// PartialValue. That bit marks master records and is owned by Segmented.
var ErrReservedFlag = errors.New("segcache: flag 0x40000000 is reserved")

// ErrTooManyParts is returned when a value would need more parts than the
// configured limit. Nothing is written.
var ErrTooManyParts = errors.New("segcache: value needs too many parts")

// SegmentError reports a failed part write. Parts written before the failure
// are orphaned and expire on their own; the master record was not written.
type SegmentError struct {
	Key   string
	Part  int // index of the part that failed
	Parts int // total parts the value was split into
	Err   error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segcache: write part %d/%d of %q: %v", e.Part+1, e.Parts, e.Key, e.Err)
}

func (e *SegmentError) Unwrap() error { return e.Err }

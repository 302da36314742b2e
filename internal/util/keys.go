package util

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// ErrBadDescriptor is returned for master payloads that are not "<hash>:<count>".
var ErrBadDescriptor = errors.New("segcache: malformed segment descriptor")

// SegmentID returns a fresh 40-char hex id for the parts of key.
// Seeded by key, wall clock and randomness: writing the same value twice
// yields two ids.
func SegmentID(key string, now time.Time) string {
	seed := key + ":" + now.Format(time.RFC3339Nano) + ":" + strconv.FormatUint(rand.Uint64(), 10)
	sum := sha1.Sum([]byte(seed))
	return hex.EncodeToString(sum[:])
}

// PartKey names the i-th part of a segmented value: "<id>:<i>".
func PartKey(id string, i int) string {
	return id + ":" + strconv.Itoa(i)
}

// PartKeys returns "<id>:0" .. "<id>:<count-1>".
func PartKeys(id string, count int) []string {
	out := make([]string, count)
	for i := range out {
		out[i] = PartKey(id, i)
	}
	return out
}

// Descriptor is the payload stored at the master key: "<id>:<count>".
func Descriptor(id string, count int) []byte {
	return []byte(id + ":" + strconv.Itoa(count))
}

// idLen is the length of a hex SHA-1 digest.
const idLen = 2 * sha1.Size

// ParseDescriptor splits a master payload into id and part count. The id must
// be a 40-char lowercase hex digest; the count is not bounded here.
func ParseDescriptor(b []byte) (id string, count int, err error) {
	s := string(b)
	i := strings.LastIndexByte(s, ':')
	if i != idLen || !isLowerHex(s[:i]) || !IsDigits(s[i+1:]) {
		return "", 0, ErrBadDescriptor
	}
	n, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return "", 0, ErrBadDescriptor
	}
	return s[:i], n, nil
}

// IsDigits reports whether s is a non-empty run of ASCII digits with no sign,
// separators or surrounding characters.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Incr applies a counter increment to a stored payload. ok=false when the
// payload is not digits-only or does not fit in uint64. Overflow wraps.
func Incr(b []byte, delta uint64) (next uint64, out []byte, ok bool) {
	s := string(b)
	if !IsDigits(s) {
		return 0, nil, false
	}
	cur, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, nil, false
	}
	next = cur + delta
	return next, strconv.AppendUint(nil, next, 10), true
}

// Package sloghooks reports segcache hook events through log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/segcache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SegmentsEvery    uint64
	PartMissingEvery uint64
	SelfHealEvery    uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	segmentsCtr    atomic.Uint64
	partMissingCtr atomic.Uint64
	selfHealCtr    atomic.Uint64
}

var _ segcache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SegmentsWritten(key string, parts, size int) {
	if h.l == nil || !sample(h.opts.SegmentsEvery, &h.segmentsCtr) {
		return
	}
	h.l.Debug("segcache.segments_written",
		"key", h.redact(key),
		"parts", parts,
		"size", size)
}

func (h *Hooks) PartMissing(key, partKey string) {
	if h.l == nil || !sample(h.opts.PartMissingEvery, &h.partMissingCtr) {
		return
	}
	h.l.Info("segcache.part_missing",
		"key", h.redact(key),
		"part", partKey)
}

func (h *Hooks) DescriptorCorrupt(key string) {
	if h.l == nil {
		return
	}
	h.l.Warn("segcache.descriptor_corrupt",
		"key", h.redact(key))
}

func (h *Hooks) MasterWriteRejected(key, op string, parts int) {
	if h.l == nil {
		return
	}
	h.l.Debug("segcache.master_write_rejected",
		"key", h.redact(key),
		"op", op,
		"parts", parts)
}

func (h *Hooks) SelfHeal(key, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("segcache.self_heal",
		"key", h.redact(key),
		"reason", reason)
}

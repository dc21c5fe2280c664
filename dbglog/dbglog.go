// Package dbglog implements the DebugLineTable collaborator described
// in dbg.c: a bounded, lock-free diagnostic side channel keyed by the
// pointer identity of a compile-time-constant string, not its
// contents. Every error kind this core raises is logged through one
// shared instance of this table so repeated occurrences of the same
// call site coalesce into a single slot instead of growing without
// bound.
//
// The C source compares key pointers directly because string literals
// with identical contents are routinely merged by the linker; the Go
// rendition reproduces that by keying on unsafe.StringData(key), the
// address of the string's backing bytes, rather than on the string's
// contents.
package dbglog

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/stanley-fork/appscope/domain"
)

// maxNumLines and maxInstancesPerLine mirror dbg.c's MAX_NUM_LINES and
// MAX_INSTANCES_PER_LINE.
const (
	maxNumLines         = 256
	maxInstancesPerLine = 2
)

type instance struct {
	detail atomic.Pointer[string]
	time   atomic.Int64 // unix seconds
	errno  atomic.Int32
}

type line struct {
	key       atomic.Pointer[string]
	count     atomic.Uint64
	instances [maxInstancesPerLine]instance
}

type debugLineService struct {
	lines [maxNumLines]line
}

// NewDebugLineService constructs the DebugLineTable collaborator.
func NewDebugLineService() domain.DebugLineServiceIface {
	return &debugLineService{}
}

func (s *debugLineService) Log(key string, errno int, detail string) {
	keyID := unsafe.StringData(key)

	ln := s.findOrClaimLine(key, keyID)
	if ln == nil {
		// Table is full; drop the occurrence rather than grow unbounded,
		// matching dbg.c's "give up" behavior.
		return
	}

	n := ln.count.Add(1) - 1
	slot := n
	if slot >= maxInstancesPerLine {
		slot = maxInstancesPerLine - 1
	}

	inst := &ln.instances[slot]
	inst.time.Store(time.Now().Unix())
	inst.errno.Store(int32(errno))
	d := detail
	inst.detail.Store(&d)
}

func (s *debugLineService) Count(key string) uint64 {
	keyID := unsafe.StringData(key)
	ln := s.findLine(keyID)
	if ln == nil {
		return 0
	}
	return ln.count.Load()
}

func (s *debugLineService) Occurrences(key string) []domain.DebugOccurrence {
	keyID := unsafe.StringData(key)
	ln := s.findLine(keyID)
	if ln == nil {
		return nil
	}

	count := ln.count.Load()
	n := count
	if n > maxInstancesPerLine {
		n = maxInstancesPerLine
	}

	out := make([]domain.DebugOccurrence, 0, n)
	for i := uint64(0); i < n; i++ {
		inst := &ln.instances[i]
		detail := ""
		if p := inst.detail.Load(); p != nil {
			detail = *p
		}
		out = append(out, domain.DebugOccurrence{
			Time:   time.Unix(inst.time.Load(), 0),
			Errno:  int(inst.errno.Load()),
			Detail: detail,
		})
	}
	return out
}

// findLine scans for a line already claimed by keyID's identity,
// without claiming a new slot.
func (s *debugLineService) findLine(keyID *byte) *line {
	for i := range s.lines {
		ln := &s.lines[i]
		cur := ln.key.Load()
		if cur == nil {
			return nil
		}
		if unsafe.StringData(*cur) == keyID {
			return ln
		}
	}
	return nil
}

// findOrClaimLine scans for a line already keyed by keyID's identity;
// if none exists, it claims the first empty slot via compare-and-swap
// so concurrent callers racing to log the same new key never claim two
// different slots for it.
func (s *debugLineService) findOrClaimLine(key string, keyID *byte) *line {
	for i := range s.lines {
		ln := &s.lines[i]
		cur := ln.key.Load()
		if cur != nil && unsafe.StringData(*cur) == keyID {
			return ln
		}
		if cur == nil {
			k := key
			if ln.key.CompareAndSwap(nil, &k) {
				return ln
			}
			// Lost the race: whoever won might have claimed this exact
			// key, or a different one. Re-check before moving on.
			if winner := ln.key.Load(); winner != nil && unsafe.StringData(*winner) == keyID {
				return ln
			}
			continue
		}
	}
	return nil
}

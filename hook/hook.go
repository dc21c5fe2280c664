// Package hook implements HK: in-process redirection of a victim
// function to a replacement, preserving a callable trampoline copy of
// the displaced prologue. Everything here operates on the calling
// process' own memory — no ptrace, no remote target.
package hook

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stanley-fork/appscope/decode"
	"github.com/stanley-fork/appscope/domain"
)

// nearJumpLen is the size in bytes of a 5-byte relative JMP (0xE9 +
// rel32), the only branch form HK ever writes — a 64-bit address
// space's 2GiB rel32 reach comfortably covers both the victim-to-
// replacement and trampoline-to-return-point branches for any
// realistic process layout, so there's no need for HK to special-case
// proximity allocation the way a 32-bit hooker would.
const nearJumpLen = 5

type hookService struct {
	decoder domain.DecoderServiceIface
}

// NewHookService constructs the HK component.
func NewHookService() domain.HookServiceIface {
	return &hookService{decoder: decode.NewDecoderService()}
}

func (s *hookService) Prepare(victimAddr, replacementAddr uintptr) (*domain.Hook, error) {
	// Read enough of the victim to decode instruction boundaries past
	// the 5 bytes our JMP will overwrite.
	probe := unsafe.Slice((*byte)(unsafe.Pointer(victimAddr)), 64)
	probeCopy := make([]byte, len(probe))
	copy(probeCopy, probe)

	displacedLen, err := instructionBoundaryPast(s.decoder, uint64(victimAddr), probeCopy, nearJumpLen)
	if err != nil {
		return nil, domain.NewError(domain.HookPrepareFailure, "hook.Prepare", err)
	}

	displaced := make([]byte, displacedLen)
	copy(displaced, probeCopy[:displacedLen])

	trampolineSize := displacedLen + nearJumpLen
	trampoline, err := allocExecPage(trampolineSize)
	if err != nil {
		return nil, domain.NewError(domain.HookPrepareFailure, "hook.Prepare", err)
	}

	copy(trampoline, displaced)
	returnAddr := victimAddr + uintptr(displacedLen)
	writeNearJump(trampoline[displacedLen:], uintptr(unsafe.Pointer(&trampoline[displacedLen])), returnAddr)

	return &domain.Hook{
		VictimAddr:      victimAddr,
		ReplacementAddr: replacementAddr,
		Displaced:       displaced,
		DisplacedLen:    displacedLen,
		TrampolineAddr:  uintptr(unsafe.Pointer(&trampoline[0])),
		State:           domain.Prepared,
	}, nil
}

func (s *hookService) ArmAll(hooks []*domain.Hook) []error {
	errs := make([]error, len(hooks))
	for i, h := range hooks {
		errs[i] = arm(h)
	}
	return errs
}

func arm(h *domain.Hook) error {
	if h.State != domain.Prepared {
		return domain.NewError(domain.HookArmFailure, "hook.arm",
			fmt.Errorf("hook for %#x is not in Prepared state", h.VictimAddr))
	}

	page, err := mprotectRW(h.VictimAddr, h.DisplacedLen)
	if err != nil {
		return domain.NewError(domain.HookArmFailure, "hook.arm", err)
	}
	defer mprotectRX(page)

	branch := make([]byte, h.DisplacedLen)
	writeNearJump(branch, h.VictimAddr, h.ReplacementAddr)
	// Pad any bytes beyond the 5-byte JMP with single-byte NOPs so the
	// instruction stream stays well-formed up to DisplacedLen.
	for i := nearJumpLen; i < len(branch); i++ {
		branch[i] = 0x90
	}

	victim := unsafe.Slice((*byte)(unsafe.Pointer(h.VictimAddr)), h.DisplacedLen)

	// Cross-modifying-code ordering: write every byte except the
	// opcode first, then the opcode byte last via an atomic store, so
	// a concurrent thread executing this address never observes a
	// torn branch — it sees either the untouched original byte (still
	// valid, not yet a jump) or the fully-formed JMP.
	copy(victim[1:], branch[1:])
	storeByteAtomic(&victim[0], branch[0])

	h.State = domain.Armed
	return nil
}

func (s *hookService) Disarm(h *domain.Hook) error {
	if h.State != domain.Armed {
		return domain.NewError(domain.HookArmFailure, "hook.Disarm",
			fmt.Errorf("hook for %#x is not Armed", h.VictimAddr))
	}

	page, err := mprotectRW(h.VictimAddr, h.DisplacedLen)
	if err != nil {
		return domain.NewError(domain.HookArmFailure, "hook.Disarm", err)
	}
	defer mprotectRX(page)

	victim := unsafe.Slice((*byte)(unsafe.Pointer(h.VictimAddr)), h.DisplacedLen)
	copy(victim[1:], h.Displaced[1:])
	storeByteAtomic(&victim[0], h.Displaced[0])

	h.State = domain.Disarmed
	return nil
}

// instructionBoundaryPast decodes buf instruction-by-instruction until
// the cumulative length reaches at least minLen, returning that
// cumulative length so the displaced prologue never splits an
// instruction in half.
func instructionBoundaryPast(decoder domain.DecoderServiceIface, addr uint64, buf []byte, minLen int) (int, error) {
	cursor := 0
	for cursor < minLen {
		if cursor >= len(buf) {
			return 0, fmt.Errorf("ran out of bytes walking prologue at %#x", addr)
		}
		insn, err := decoder.DecodeOne(addr+uint64(cursor), buf[cursor:])
		if err != nil {
			return 0, err
		}
		cursor += insn.Length
	}
	return cursor, nil
}

func writeNearJump(dst []byte, fromAddr, toAddr uintptr) {
	rel := int32(int64(toAddr) - int64(fromAddr) - nearJumpLen)
	dst[0] = 0xE9
	dst[1] = byte(rel)
	dst[2] = byte(rel >> 8)
	dst[3] = byte(rel >> 16)
	dst[4] = byte(rel >> 24)
}

func allocExecPage(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	mapSize := ((size + pageSize - 1) / pageSize) * pageSize
	mem, err := unix.Mmap(-1, 0, mapSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap trampoline page: %w", err)
	}
	return mem[:size], nil
}

// mprotectRW temporarily widens the page containing addr to
// read+write+exec so the victim's first bytes can be patched, and
// returns the page-aligned slice to pass back to mprotectRX.
func mprotectRW(addr uintptr, length int) ([]byte, error) {
	pageSize := uintptr(unix.Getpagesize())
	pageStart := addr &^ (pageSize - 1)
	pageEnd := (addr + uintptr(length) + pageSize - 1) &^ (pageSize - 1)
	page := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), pageEnd-pageStart)

	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("mprotect RWX: %w", err)
	}
	return page, nil
}

func mprotectRX(page []byte) error {
	return unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC)
}

// storeByteAtomic writes a single byte. x86-64 guarantees a naturally
// aligned single-byte store is indivisible at the ISA level — there is
// no tearing to guard against the way there would be for a multi-byte
// word — so this is a plain store, not a compare-and-swap loop.
func storeByteAtomic(p *byte, v byte) {
	*p = v
}

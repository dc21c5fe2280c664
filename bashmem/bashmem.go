// Package bashmem implements BR: the policy layer that glues ST, ID
// and HK together to redirect bash's internal, non-reentrant allocator
// to glibc's thread-safe one.
//
// Bash statically links its own malloc/realloc/free/memalign/cfree.
// The exported symbols take extra (file, line, flags) bookkeeping
// arguments and tail-jump to internal, unexported routines; those
// internals are not safe to call from the agent's own background
// threads. BR finds each internal routine by decoding the exported
// wrapper's prologue (ID) for its first relative JMP, confirms the
// wrapper really is defined in the main executable rather than a
// shared library (ST), and installs an in-process hook (HK) that
// redirects the internal routine straight to glibc's equivalent.
package bashmem

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stanley-fork/appscope/domain"
	"github.com/stanley-fork/appscope/elfsym"
)

// probeWindow is how many bytes of an exported wrapper's prologue are
// read for decoding, per spec.md §4.5's "buffer of <=50 bytes".
const probeWindow = 50

// maxDecodeInsns bounds how many instructions ID walks before giving
// up on finding the tail-call JMP, per spec.md §4.8 step 3.
const maxDecodeInsns = 15

// allocatorNames lists bash's internal allocator entry points, in the
// order BR patches them. cfree is deprecated and absent from modern
// glibc; its absence must not abort remediation of the other four.
var allocatorNames = []string{"malloc", "realloc", "free", "memalign", "cfree"}

type bashRemediationService struct {
	probe  domain.SymbolProbeServiceIface
	decode domain.DecoderServiceIface
	hook   domain.HookServiceIface
	ll     domain.LoaderServiceIface
	dbg    domain.DebugLineServiceIface

	remediated bool
	patches    []*domain.AllocatorPatch
}

// NewBashRemediationService constructs the BR component.
func NewBashRemediationService(
	probe domain.SymbolProbeServiceIface,
	decode domain.DecoderServiceIface,
	hook domain.HookServiceIface,
	ll domain.LoaderServiceIface,
	dbg domain.DebugLineServiceIface,
) domain.BashRemediationServiceIface {
	return &bashRemediationService{probe: probe, decode: decode, hook: hook, ll: ll, dbg: dbg}
}

const inBashProcessKey = "bashmem: in_bash_process probe"

func (s *bashRemediationService) InBashProcess() (bool, error) {
	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		if s.dbg != nil {
			s.dbg.Log(inBashProcessKey, 0, err.Error())
		}
		return false, domain.NewError(domain.NotFound, "bashmem.InBashProcess", err)
	}
	return strings.HasSuffix(exe, "/bash"), nil
}

const remediateFailureKey = "bashmem: Remediate failed"

// Remediate performs the full allocator patch sequence described in
// spec.md §4.8. It must run before the agent spawns any other
// goroutine — no agent thread may race BR's own mutation of memory
// that bash's allocator wrappers might otherwise be called from
// reentrantly.
func (s *bashRemediationService) Remediate() error {
	if s.remediated {
		if s.dbg != nil {
			s.dbg.Log(remediateFailureKey, 0, "Remediate already ran for this process")
		}
		return domain.NewError(domain.AllocatorMismatch, "bashmem.Remediate",
			fmt.Errorf("allocator entries already diverted"))
	}

	libcPath, libcBase, err := s.ll.FindLocalObject("libc.so")
	if err != nil {
		return s.logged(domain.NewError(domain.NotFound, "bashmem.Remediate", fmt.Errorf("locate libc: %w", err)))
	}

	exePath, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return s.logged(domain.NewError(domain.NotFound, "bashmem.Remediate", fmt.Errorf("resolve self exe: %w", err)))
	}
	exeBaseName := baseName(exePath)

	var patches []*domain.AllocatorPatch
	for _, name := range allocatorNames {
		patch, err := s.buildPatch(name, exeBaseName, libcPath, libcBase)
		if err != nil {
			if name == "cfree" {
				// Deprecated and absent from modern glibc; tolerate per
				// spec.md §9 rather than aborting the whole remediation.
				continue
			}
			return s.logged(err)
		}
		patches = append(patches, patch)
	}

	hooks := make([]*domain.Hook, 0, len(patches))
	for _, p := range patches {
		stub, err := newForwardingStub(p.GlibcAddr)
		if err != nil {
			return s.logged(domain.NewError(domain.HookPrepareFailure, "bashmem.Remediate", err))
		}
		h, err := s.hook.Prepare(p.InternalAddr, stub)
		if err != nil {
			return s.logged(err)
		}
		p.Hook = h
		hooks = append(hooks, h)
	}

	for i, err := range s.hook.ArmAll(hooks) {
		if err != nil {
			return s.logged(domain.NewError(domain.HookArmFailure, "bashmem.Remediate",
				fmt.Errorf("arming hook for %s: %w", patches[i].Name, err)))
		}
	}

	s.patches = patches
	s.remediated = true
	return nil
}

// buildPatch resolves one allocator name's external (exported wrapper)
// and internal (tail-jump target) addresses, and the glibc address it
// should be redirected to.
func (s *bashRemediationService) buildPatch(name, exeBaseName, libcPath string, libcBase uint64) (*domain.AllocatorPatch, error) {
	definedInExe, err := s.probe.IsDefinedInMainExecutable(name)
	if err != nil {
		return nil, domain.NewError(domain.AllocatorMismatch, "bashmem.buildPatch", err)
	}
	if !definedInExe {
		return nil, domain.NewError(domain.AllocatorMismatch, "bashmem.buildPatch",
			fmt.Errorf("%s does not resolve into the main executable", name))
	}

	externalAddr, _, _, err := s.ll.LocalSymbolAddr(exeBaseName, name)
	if err != nil {
		return nil, domain.NewError(domain.AllocatorMismatch, "bashmem.buildPatch",
			fmt.Errorf("resolve %s in main executable: %w", name, err))
	}

	probe := readLocalMemory(externalAddr, probeWindow)

	insn, err := s.decode.DecodeUntilJump(externalAddr, probe, maxDecodeInsns)
	if err != nil {
		return nil, domain.NewError(domain.DecoderFailure, "bashmem.buildPatch",
			fmt.Errorf("locate internal entry for %s: %w", name, err))
	}

	glibcSym, err := elfsym.Lookup(libcPath, name)
	if err != nil {
		return nil, domain.NewError(domain.AllocatorMismatch, "bashmem.buildPatch",
			fmt.Errorf("resolve glibc %s: %w", name, err))
	}

	return &domain.AllocatorPatch{
		Name:         name,
		ExternalAddr: uintptr(externalAddr),
		InternalAddr: uintptr(insn.AbsTarget),
		GlibcAddr:    uintptr(libcBase + glibcSym.Value),
	}, nil
}

func (s *bashRemediationService) logged(err error) error {
	if s.dbg != nil && err != nil {
		s.dbg.Log(remediateFailureKey, 0, err.Error())
	}
	return err
}

// readLocalMemory reads length bytes starting at addr in the calling
// process' own address space. It's a package variable rather than a
// direct call so tests can substitute a safe fake instead of
// dereferencing arbitrary addresses.
var readLocalMemory = func(addr uint64, length int) []byte {
	out := make([]byte, length)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length))
	return out
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// newForwardingStub allocates a tiny executable page containing:
//
//	49 BB <8-byte target>   movabs $target,%r11
//	41 FF E3                jmp    *%r11
//
// bash's exported wrapper's first argument occupies the same register
// position as glibc's corresponding function's first argument (both
// follow the System V AMD64 ABI and neither wrapper reorders its own
// first parameter before tail-jumping), so the stub can jump straight
// to the glibc entry point without any argument shuffling — it only
// needs to drop the wrapper's now-irrelevant file/line/flags arguments
// already sitting in registers the glibc function never reads.
func newForwardingStub(target uintptr) (uintptr, error) {
	code := []byte{
		0x49, 0xBB,
		byte(target), byte(target >> 8), byte(target >> 16), byte(target >> 24),
		byte(target >> 32), byte(target >> 40), byte(target >> 48), byte(target >> 56),
		0x41, 0xFF, 0xE3,
	}

	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, pageSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, fmt.Errorf("mmap forwarding stub: %w", err)
	}
	copy(mem, code)
	return uintptr(unsafe.Pointer(&mem[0])), nil
}

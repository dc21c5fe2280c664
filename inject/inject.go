// Package inject implements IN: orchestrates PM, PT and LL to load a
// shared object into a running target process by hijacking one
// execution window to call the target's own dlopen.
package inject

import (
	"fmt"
	"strings"

	"github.com/stanley-fork/appscope/domain"
)

// windowSize is the size of the scratch memory window saved and
// restored around the target's hijacked call, per spec.md §4.4 step 4
// (N >= len(agent_path)+1 + thunk_size; the source uses 256).
const windowSize = 256

// maxPathLen bounds the agent path (excluding its NUL terminator) that
// can be staged at scratch+0. spec.md §6 promises paths up to 224
// bytes; thunkOffset is placed at maxPathLen+1 (past the longest legal
// path plus its NUL) so the thunk bytes can never land on top of the
// path string, however long it legally is.
const maxPathLen = 224

// thunkOffset is where the hand-assembled call stub is staged within
// the scratch window, past the longest legal path and its NUL
// terminator so writing thunkBytes can never overwrite path bytes
// dlopen hasn't read yet.
const thunkOffset = maxPathLen + 1

// rtldLazy is RTLD_LAZY, the flag value dlopen's second argument needs.
const rtldLazy = 0x00001

// thunkBytes is the hand-assembled call stub staged into the target's
// scratch window and jumped to directly via %rip. It performs, in
// order:
//
//	48 83 E4 F0          and    $0xfffffffffffffff0,%rsp
//	49 89 C1             mov    %rax,%r9
//	48 31 C0             xor    %rax,%rax
//	41 FF D1             call   *%r9
//	CC                   int3
//
// The stack-alignment instruction exists because the interrupted
// tracee may have left %rsp mid-frame; the System V AMD64 ABI requires
// 16-byte alignment at a call site. %rax holds the remote dlopen
// address on entry (set via SetRegs before the thunk runs); it's moved
// into a call-clobbered scratch register before being zeroed, since
// dlopen itself doesn't read %rax as an argument. The trailing int3
// gives PT.ContUntilTrap a deterministic stop to wait for, with the
// call's return value left in %rax for the caller to inspect.
//
// This is authored by hand and unit-tested rather than generated by
// taking an address offset into a compiled Go function, which is the
// toolchain-fragile approach spec.md §9 flags as a latent bug in the
// original source.
var thunkBytes = []byte{
	0x48, 0x83, 0xE4, 0xF0,
	0x49, 0x89, 0xC1,
	0x48, 0x31, 0xC0,
	0x41, 0xFF, 0xD1,
	0xCC,
}

type injectorService struct {
	pm     domain.ProcMemServiceIface
	pt     domain.PtraceServiceIface
	ll     domain.LoaderServiceIface
	dbg    domain.DebugLineServiceIface
	dlopen func(ls domain.LoaderServiceIface, symbol string) (uint64, domain.RemoteObject, error)
}

// NewInjectorService constructs the IN component.
func NewInjectorService(
	pm domain.ProcMemServiceIface,
	pt domain.PtraceServiceIface,
	ll domain.LoaderServiceIface,
	dbg domain.DebugLineServiceIface,
	findDynLoaderSymbol func(ls domain.LoaderServiceIface, symbol string) (uint64, domain.RemoteObject, error),
) domain.InjectorServiceIface {
	return &injectorService{pm: pm, pt: pt, ll: ll, dbg: dbg, dlopen: findDynLoaderSymbol}
}

func (s *injectorService) Inject(pid int, agentPath string) error {
	if len(agentPath) > maxPathLen {
		return domain.NewError(domain.NotFound, "inject.Inject",
			fmt.Errorf("agent path %d bytes exceeds %d-byte budget", len(agentPath), maxPathLen))
	}

	dlopenLocal, obj, err := s.dlopen(s.ll, "dlopen")
	if err != nil {
		return s.logged(domain.NewError(domain.NotFound, "inject.Inject", fmt.Errorf("resolve local dlopen: %w", err)))
	}

	remoteBase, err := s.pm.FindObjectBase(pid, baseName(obj.Path))
	if err != nil {
		return s.logged(domain.NewError(domain.NotFound, "inject.Inject", fmt.Errorf("resolve remote dynamic loader: %w", err)))
	}
	obj.RemoteBase = remoteBase
	dlopenRemote := uint64(int64(dlopenLocal) + obj.Slide())

	if err := s.pt.Attach(pid); err != nil {
		return s.logged(err)
	}

	target := domain.AttachedTarget{Pid: pid, Phase: domain.Attached}

	savedRegs, err := s.pt.GetRegs(pid)
	if err != nil {
		s.pt.Detach(pid)
		return s.logged(err)
	}
	target.SavedRegs = savedRegs

	scratch, err := s.pm.FindFreeExecutableAddr(pid)
	if err != nil {
		s.pt.Detach(pid)
		return s.logged(err)
	}
	target.WindowAddr = scratch

	savedWindow, err := s.pt.ReadMem(pid, scratch, windowSize)
	if err != nil {
		s.pt.Detach(pid)
		return s.logged(err)
	}
	target.SavedWindow = savedWindow

	rax, runErr := s.runThunk(pid, scratch, dlopenRemote, agentPath)

	// Restore unconditionally, success or failure, per spec.md §4.4
	// step 8 / §7 propagation rules.
	restoreErr := s.pt.WriteMem(pid, scratch, savedWindow)
	restoreErr2 := s.pt.SetRegs(pid, savedRegs)
	detachErr := s.pt.Detach(pid)

	if runErr != nil {
		return s.logged(runErr)
	}
	if restoreErr != nil {
		return s.logged(restoreErr)
	}
	if restoreErr2 != nil {
		return s.logged(restoreErr2)
	}
	if detachErr != nil {
		return s.logged(detachErr)
	}

	if rax == 0 {
		return s.logged(domain.NewError(domain.NotFound, "inject.Inject",
			fmt.Errorf("remote dlopen(%q) returned NULL", agentPath)))
	}

	target.Phase = domain.Completed
	return nil
}

// runThunk stages the path string and thunk into scratch, sets
// registers so the target resumes inside the thunk, and waits for its
// int3. It returns the tracee's %rax at the trap (dlopen's return
// value) or an error if the tracee stopped any other way.
func (s *injectorService) runThunk(pid int, scratch, dlopenRemote uint64, agentPath string) (uint64, error) {
	path := append([]byte(agentPath), 0)
	if err := s.pt.WriteMem(pid, scratch, path); err != nil {
		return 0, err
	}
	if err := s.pt.WriteMem(pid, scratch+thunkOffset, thunkBytes); err != nil {
		return 0, err
	}

	// Start from the tracee's current registers so %rsp stays the
	// interrupted stack the thunk aligns; only the call setup changes.
	regs, err := s.pt.GetRegs(pid)
	if err != nil {
		return 0, err
	}
	regs.Rip = scratch + thunkOffset
	regs.Rax = dlopenRemote
	regs.Rdi = scratch
	regs.Rsi = rtldLazy
	if err := s.pt.SetRegs(pid, regs); err != nil {
		return 0, err
	}

	reason, extra, err := s.pt.ContUntilTrap(pid)
	if err != nil {
		return 0, err
	}
	if reason != domain.Trap {
		return 0, domain.NewError(domain.ProtocolViolation, "inject.runThunk",
			fmt.Errorf("target stopped with reason=%v extra=%d, expected Trap", reason, extra))
	}

	final, err := s.pt.GetRegs(pid)
	if err != nil {
		return 0, err
	}
	return final.Rax, nil
}

// injectFailureKey is a package-level constant so repeated injection
// failures coalesce into one DebugLineTable slot, per spec.md §7.
const injectFailureKey = "inject: Inject failed"

func (s *injectorService) logged(err error) error {
	if s.dbg != nil && err != nil {
		errno := 0
		if derr, ok := err.(*domain.Error); ok {
			errno = int(derr.Kind)
		}
		s.dbg.Log(injectFailureKey, errno, err.Error())
	}
	return err
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

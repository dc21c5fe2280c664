// Package ptracectl wraps ptrace(2) the way IN needs it: attach,
// detach, word-stride memory read/write, register get/set, and
// continue-until-trap. Raw syscalls are avoided in favor of the
// golang.org/x/sys/unix Ptrace* helpers, the same package the rest of
// this module (and sysbox-fs before it) already depends on.
package ptracectl

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/stanley-fork/appscope/domain"
)

const wordSize = 8

type ptraceService struct{}

// NewPtraceService constructs the PT component.
func NewPtraceService() domain.PtraceServiceIface {
	return &ptraceService{}
}

func (s *ptraceService) Attach(pid int) error {
	if err := unix.PtraceAttach(pid); err != nil {
		return domain.NewError(domain.PermissionDenied, "ptracectl.Attach", err)
	}

	var ws unix.WaitStatus
	gotPid, err := unix.Wait4(pid, &ws, unix.WUNTRACED, nil)
	if err != nil {
		return domain.NewError(domain.ProtocolViolation, "ptracectl.Attach", err)
	}
	if gotPid != pid {
		return domain.NewError(domain.ProtocolViolation, "ptracectl.Attach",
			fmt.Errorf("waitpid returned pid %d, expected %d", gotPid, pid))
	}
	if !ws.Stopped() {
		return domain.NewError(domain.ProtocolViolation, "ptracectl.Attach",
			fmt.Errorf("target did not stop: status=%v", ws))
	}
	return nil
}

// Detach is idempotent: PTRACE_DETACH on an already-detached pid
// returns ESRCH, which is not surfaced as an error here since the
// caller's intent ("make sure we're not attached") is already true.
func (s *ptraceService) Detach(pid int) error {
	if err := unix.PtraceDetach(pid); err != nil && err != unix.ESRCH {
		return domain.NewError(domain.ProtocolViolation, "ptracectl.Detach", err)
	}
	return nil
}

func (s *ptraceService) ReadMem(pid int, addr uint64, length int) ([]byte, error) {
	out := make([]byte, 0, length)
	for off := 0; off < length; off += wordSize {
		word := make([]byte, wordSize)
		n, err := unix.PtracePeekData(pid, uintptr(addr)+uintptr(off), word)
		if err != nil || n != wordSize {
			return nil, domain.NewError(domain.ProtocolViolation, "ptracectl.ReadMem", err)
		}
		out = append(out, word...)
	}
	return out[:length], nil
}

// WriteMem writes len(data) bytes at addr, in word-sized strides. For
// a trailing partial word it reads the existing word first and merges
// in only the intended bytes, rather than zero-padding the tail (the
// zero-pad behavior in spec.md's source is called out as a bug in
// spec.md §9: it can clobber up to 7 bytes past the intended write).
func (s *ptraceService) WriteMem(pid int, addr uint64, data []byte) error {
	for off := 0; off < len(data); off += wordSize {
		end := off + wordSize
		var word []byte
		if end <= len(data) {
			word = data[off:end]
		} else {
			existing := make([]byte, wordSize)
			n, err := unix.PtracePeekData(pid, uintptr(addr)+uintptr(off), existing)
			if err != nil || n != wordSize {
				return domain.NewError(domain.ProtocolViolation, "ptracectl.WriteMem", err)
			}
			word = existing
			copy(word, data[off:])
		}

		n, err := unix.PtracePokeData(pid, uintptr(addr)+uintptr(off), word)
		if err != nil || n != wordSize {
			return domain.NewError(domain.ProtocolViolation, "ptracectl.WriteMem", err)
		}
	}
	return nil
}

func (s *ptraceService) GetRegs(pid int) (domain.Regs, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return domain.Regs{}, domain.NewError(domain.ProtocolViolation, "ptracectl.GetRegs", err)
	}
	return fromPtraceRegs(regs), nil
}

func (s *ptraceService) SetRegs(pid int, regs domain.Regs) error {
	var raw unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &raw); err != nil {
		return domain.NewError(domain.ProtocolViolation, "ptracectl.SetRegs", err)
	}
	applyRegs(&raw, regs)
	if err := unix.PtraceSetRegs(pid, &raw); err != nil {
		return domain.NewError(domain.ProtocolViolation, "ptracectl.SetRegs", err)
	}
	return nil
}

func (s *ptraceService) ContUntilTrap(pid int) (domain.StopReason, int, error) {
	if err := unix.PtraceCont(pid, 0); err != nil {
		return domain.OtherSignal, 0, domain.NewError(domain.ProtocolViolation, "ptracectl.ContUntilTrap", err)
	}

	var ws unix.WaitStatus
	gotPid, err := unix.Wait4(pid, &ws, unix.WUNTRACED, nil)
	if err != nil {
		return domain.OtherSignal, 0, domain.NewError(domain.ProtocolViolation, "ptracectl.ContUntilTrap", err)
	}
	if gotPid != pid {
		return domain.OtherSignal, 0, domain.NewError(domain.ProtocolViolation, "ptracectl.ContUntilTrap",
			fmt.Errorf("waitpid returned pid %d, expected %d", gotPid, pid))
	}

	switch {
	case ws.Exited():
		return domain.Exited, ws.ExitStatus(), nil
	case ws.Stopped() && ws.StopSignal() == unix.SIGTRAP:
		return domain.Trap, 0, nil
	case ws.Stopped():
		return domain.OtherSignal, int(ws.StopSignal()), nil
	default:
		return domain.OtherSignal, 0, domain.NewError(domain.ProtocolViolation, "ptracectl.ContUntilTrap",
			fmt.Errorf("unexpected wait status: %v", ws))
	}
}

// fromPtraceRegs copies the fields this core cares about out of the
// full unix.PtraceRegs struct.
func fromPtraceRegs(r unix.PtraceRegs) domain.Regs {
	return domain.Regs{
		Rip: r.Rip,
		Rsp: r.Rsp,
		Rax: r.Rax,
		Rdi: r.Rdi,
		Rsi: r.Rsi,
		Rdx: r.Rdx,
		Rcx: r.Rcx,
		R9:  r.R9,
	}
}

// applyRegs writes only the fields this core manipulates back into
// the full register struct, leaving every other register (segment
// selectors, flags, etc.) untouched so SetRegs never clobbers state it
// didn't intend to change.
func applyRegs(r *unix.PtraceRegs, regs domain.Regs) {
	r.Rip = regs.Rip
	r.Rsp = regs.Rsp
	r.Rax = regs.Rax
	r.Rdi = regs.Rdi
	r.Rsi = regs.Rsi
	r.Rdx = regs.Rdx
	r.Rcx = regs.Rcx
	r.R9 = regs.R9
}

package domain

// MapEntry is a single parsed line of /proc/<pid>/maps.
type MapEntry struct {
	Start    uint64
	End      uint64
	Read     bool
	Write    bool
	Exec     bool
	Private  bool
	Offset   uint64
	Pathname string
}

// ProcMemServiceIface reads a target process' memory map to locate
// objects and scratch space, without attaching to it.
type ProcMemServiceIface interface {
	// FindObjectBase returns the start address of the first mapping
	// in pid's maps whose pathname contains nameSubstring.
	FindObjectBase(pid int, nameSubstring string) (uint64, error)

	// FindFreeExecutableAddr returns the start address of the first
	// executable-permission mapping in pid's maps.
	FindFreeExecutableAddr(pid int) (uint64, error)

	// Maps returns every parsed mapping for pid, in file order.
	Maps(pid int) ([]MapEntry, error)
}

// RemoteObject pairs a local (this process') load address for a shared
// object with the load address of the same on-disk image inside a
// remote target, so ASLR slides can be computed.
type RemoteObject struct {
	// Path is the canonicalised absolute path of the backing file,
	// shared by both the local and remote mapping.
	Path string

	// LocalBase is the load address of the object in the calling
	// process' own address space.
	LocalBase uint64

	// RemoteBase is the load address of the same object inside the
	// target process, as found via ProcMemServiceIface.
	RemoteBase uint64
}

// Slide computes the ASLR slide between the remote and local load
// addresses of the object: remoteAddr = localAddr + Slide().
func (r RemoteObject) Slide() int64 {
	return int64(r.RemoteBase) - int64(r.LocalBase)
}

// LoaderServiceIface enumerates the calling process' own loaded
// objects to find the one that exports a given dynamic symbol.
type LoaderServiceIface interface {
	// FindLocalObject returns the path and local load base of the
	// first loaded object whose mapped pathname contains
	// nameSubstring and whose real path can be resolved.
	FindLocalObject(nameSubstring string) (path string, localBase uint64, err error)

	// LocalSymbolAddr resolves symbol's absolute address in this
	// process, by locating the loaded object that exports it and
	// adding the symbol's value to that object's load base.
	LocalSymbolAddr(nameSubstring, symbol string) (addr uint64, objectPath string, localBase uint64, err error)
}

// AttachPhase models the lifecycle of an AttachedTarget.
type AttachPhase int

const (
	Detached AttachPhase = iota
	Attached
	ThunkInstalled
	Completed
)

func (p AttachPhase) String() string {
	switch p {
	case Detached:
		return "Detached"
	case Attached:
		return "Attached"
	case ThunkInstalled:
		return "ThunkInstalled"
	case Completed:
		return "Completed"
	default:
		return "Unknown"
	}
}

// Regs is the subset of the x86-64 user register set this core reads
// and writes. Field names follow golang.org/x/sys/unix.PtraceRegs.
type Regs struct {
	Rip uint64
	Rsp uint64
	Rax uint64
	Rdi uint64
	Rsi uint64
	Rdx uint64
	Rcx uint64
	R9  uint64
}

// AttachedTarget tracks ptrace session state for a single target pid.
// Invariant: in Phase >= ThunkInstalled, SavedWindow is non-empty and
// must be restored before a transition to Completed.
type AttachedTarget struct {
	Pid          int
	Phase        AttachPhase
	SavedRegs    Regs
	SavedWindow  []byte
	WindowAddr   uint64
}

// StopReason classifies why a continued tracee stopped.
type StopReason int

const (
	Trap StopReason = iota
	OtherSignal
	Exited
)

// PtraceServiceIface wraps the ptrace(2) operations IN needs to stage
// and execute a remote call in a target process.
type PtraceServiceIface interface {
	Attach(pid int) error
	Detach(pid int) error
	ReadMem(pid int, addr uint64, length int) ([]byte, error)
	WriteMem(pid int, addr uint64, data []byte) error
	GetRegs(pid int) (Regs, error)
	SetRegs(pid int, regs Regs) error
	// ContUntilTrap resumes the tracee and waits for its next stop,
	// returning why it stopped and, for OtherSignal/Exited, the
	// signal number or exit code in extra.
	ContUntilTrap(pid int) (reason StopReason, extra int, err error)
}

// ThunkPlan describes the bytes IN stages into a target's scratch
// memory and the registers needed to make the target call dlopen.
type ThunkPlan struct {
	ScratchAddr    uint64
	PathBytes      []byte // NUL-terminated
	ThunkBytes     []byte
	EntryOffset    uint64 // offset of ThunkBytes within the scratch window
	DlopenRemote   uint64
	RtldFlags      uint64
}

// InjectorServiceIface drives PM + PT + LL to load a shared object
// into a running target process via a hijacked dlopen call.
type InjectorServiceIface interface {
	Inject(pid int, agentPath string) error
}

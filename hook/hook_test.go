//go:build linux && amd64

package hook

import (
	"testing"
	"unsafe"

	"github.com/stanley-fork/appscope/decode"
	"github.com/stanley-fork/appscope/domain"
)

// makeVictim allocates an executable page containing a small, real
// instruction sequence long enough that Prepare must walk past more
// than one instruction to clear the 5-byte JMP it will write.
func makeVictim(t *testing.T) []byte {
	t.Helper()
	code := []byte{
		0x55, // push rbp
		0x48, 0x89, 0xE5, // mov rbp, rsp
		0x48, 0x83, 0xEC, 0x10, // sub rsp, 0x10
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xC9, // leave
		0xC3, // ret
	}
	mem, err := allocExecPage(len(code))
	if err != nil {
		t.Skipf("could not allocate executable page: %v", err)
	}
	copy(mem, code)
	return mem
}

func TestPrepareBuildsValidTrampoline(t *testing.T) {
	victim := makeVictim(t)
	replacement, err := allocExecPage(8)
	if err != nil {
		t.Skipf("could not allocate replacement page: %v", err)
	}

	svc := NewHookService()
	h, err := svc.Prepare(uintptr(unsafe.Pointer(&victim[0])), uintptr(unsafe.Pointer(&replacement[0])))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if h.State != domain.Prepared {
		t.Fatalf("expected State Prepared, got %v", h.State)
	}
	if h.DisplacedLen < nearJumpLen {
		t.Fatalf("displaced length %d shorter than the %d bytes the JMP needs", h.DisplacedLen, nearJumpLen)
	}
	if len(h.Displaced) != h.DisplacedLen {
		t.Fatalf("Displaced slice length %d does not match DisplacedLen %d", len(h.Displaced), h.DisplacedLen)
	}

	tramp := unsafe.Slice((*byte)(unsafe.Pointer(h.TrampolineAddr)), h.DisplacedLen+nearJumpLen)
	for i := 0; i < h.DisplacedLen; i++ {
		if tramp[i] != victim[i] {
			t.Fatalf("trampoline byte %d = %#x, want original %#x", i, tramp[i], victim[i])
		}
	}
	if tramp[h.DisplacedLen] != 0xE9 {
		t.Fatalf("expected trampoline tail to start with JMP rel32 (0xE9), got %#x", tramp[h.DisplacedLen])
	}
}

func TestArmDisarmRoundTrip(t *testing.T) {
	victim := makeVictim(t)
	replacement, err := allocExecPage(8)
	if err != nil {
		t.Skipf("could not allocate replacement page: %v", err)
	}

	original := make([]byte, len(victim))
	copy(original, victim)

	svc := NewHookService()
	h, err := svc.Prepare(uintptr(unsafe.Pointer(&victim[0])), uintptr(unsafe.Pointer(&replacement[0])))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if errs := svc.ArmAll([]*domain.Hook{h}); errs[0] != nil {
		t.Fatalf("ArmAll failed: %v", errs[0])
	}
	if h.State != domain.Armed {
		t.Fatalf("expected State Armed, got %v", h.State)
	}
	if victim[0] != 0xE9 {
		t.Fatalf("expected victim's first byte to become a JMP (0xE9), got %#x", victim[0])
	}

	if err := svc.Disarm(h); err != nil {
		t.Fatalf("Disarm failed: %v", err)
	}
	if h.State != domain.Disarmed {
		t.Fatalf("expected State Disarmed, got %v", h.State)
	}
	for i, b := range original[:h.DisplacedLen] {
		if victim[i] != b {
			t.Fatalf("byte %d not restored: got %#x, want %#x", i, victim[i], b)
		}
	}
}

func TestArmRejectsAlreadyArmedHook(t *testing.T) {
	victim := makeVictim(t)
	replacement, err := allocExecPage(8)
	if err != nil {
		t.Skipf("could not allocate replacement page: %v", err)
	}

	svc := NewHookService()
	h, err := svc.Prepare(uintptr(unsafe.Pointer(&victim[0])), uintptr(unsafe.Pointer(&replacement[0])))
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if errs := svc.ArmAll([]*domain.Hook{h}); errs[0] != nil {
		t.Fatalf("first ArmAll failed: %v", errs[0])
	}

	if errs := svc.ArmAll([]*domain.Hook{h}); errs[0] == nil {
		t.Fatal("expected second ArmAll on an already-Armed hook to fail")
	}
}

func TestInstructionBoundaryPastLandsOnInstructionEdge(t *testing.T) {
	// push rbp (1) + mov rbp,rsp (3) + sub rsp,0x10 (4) = 8 bytes. The
	// cumulative length crosses the 5-byte JMP budget only after the
	// third instruction, so the boundary must be 8, never a value that
	// would split an instruction in half.
	buf := []byte{
		0x55,
		0x48, 0x89, 0xE5,
		0x48, 0x83, 0xEC, 0x10,
	}
	length, err := instructionBoundaryPast(decode.NewDecoderService(), 0x1000, buf, nearJumpLen)
	if err != nil {
		t.Fatalf("instructionBoundaryPast failed: %v", err)
	}
	if length != 8 {
		t.Fatalf("expected boundary at 8, got %d", length)
	}
}

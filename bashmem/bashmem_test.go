//go:build linux && amd64

package bashmem

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/stanley-fork/appscope/domain"
)

type fakeProbe struct {
	defined map[string]bool
}

func (f *fakeProbe) IsDefinedInMainExecutable(symbol string) (bool, error) {
	return f.defined[symbol], nil
}

type fakeDecoder struct {
	target uint64
}

func (f *fakeDecoder) DecodeUntilJump(addr uint64, buf []byte, maxInsns int) (domain.DecodedInsn, error) {
	return domain.DecodedInsn{Addr: addr, Length: 5, Mnemonic: domain.MnemJmpNear, AbsTarget: f.target}, nil
}
func (f *fakeDecoder) DecodeOne(addr uint64, buf []byte) (domain.DecodedInsn, error) {
	return domain.DecodedInsn{Addr: addr, Length: 1, Mnemonic: domain.MnemOther}, nil
}

type fakeHook struct {
	prepared []uintptr
	armed    int
}

func (f *fakeHook) Prepare(victimAddr, replacementAddr uintptr) (*domain.Hook, error) {
	f.prepared = append(f.prepared, victimAddr)
	return &domain.Hook{VictimAddr: victimAddr, ReplacementAddr: replacementAddr, State: domain.Prepared}, nil
}
func (f *fakeHook) ArmAll(hooks []*domain.Hook) []error {
	f.armed += len(hooks)
	errs := make([]error, len(hooks))
	for i, h := range hooks {
		h.State = domain.Armed
		errs[i] = nil
	}
	return errs
}
func (f *fakeHook) Disarm(h *domain.Hook) error {
	h.State = domain.Disarmed
	return nil
}

type fakeLoader struct{}

func (f *fakeLoader) FindLocalObject(nameSubstring string) (string, uint64, error) {
	return "/lib/x86_64-linux-gnu/" + nameSubstring + ".6", 0x7f0000000000, nil
}
func (f *fakeLoader) LocalSymbolAddr(nameSubstring, symbol string) (uint64, string, uint64, error) {
	return 0x600000, "/bin/bash", 0x500000, nil
}

type fakeDbg struct{ logged []string }

func (f *fakeDbg) Log(key string, errno int, detail string) { f.logged = append(f.logged, detail) }
func (f *fakeDbg) Count(key string) uint64                   { return uint64(len(f.logged)) }
func (f *fakeDbg) Occurrences(key string) []domain.DebugOccurrence {
	return nil
}

// fakeProbeBytes is a plausible exported-wrapper prologue (push rbp;
// mov rbp,rsp; jmp rel32) so DecodeUntilJump-based tests that don't
// override the decoder still have something decodable to chew on.
var fakeProbeBytes = append([]byte{
	0x55,
	0x48, 0x89, 0xE5,
	0xE9, 0x00, 0x00, 0x00, 0x00,
}, make([]byte, probeWindow-8)...)

func init() {
	readLocalMemory = func(addr uint64, length int) []byte {
		return append([]byte(nil), fakeProbeBytes[:length]...)
	}
}

func allDefined() *fakeProbe {
	return &fakeProbe{defined: map[string]bool{
		"malloc": true, "realloc": true, "free": true, "memalign": true, "cfree": true,
	}}
}

func TestRemediateSucceedsAndIsIdempotent(t *testing.T) {
	probe := allDefined()
	dec := &fakeDecoder{target: 0x600123}
	hook := &fakeHook{}
	ll := &fakeLoader{}
	dbg := &fakeDbg{}

	svc := NewBashRemediationService(probe, dec, hook, ll, dbg)

	err := svc.Remediate()
	assert.Nil(t, err)
	assert.Equal(t, len(allocatorNames), len(hook.prepared))
	assert.Equal(t, len(allocatorNames), hook.armed)

	// Second run must not re-patch anything.
	preparedBefore := len(hook.prepared)
	err = svc.Remediate()
	assert.NotNil(t, err, "expected second Remediate to report failure-or-noop")
	assert.Equal(t, preparedBefore, len(hook.prepared), "second Remediate should not have installed additional hooks")
	assert.NotEmpty(t, dbg.logged, "expected the idempotent re-run to be logged")
}

func TestRemediateTeleratesMissingCfree(t *testing.T) {
	probe := &fakeProbe{defined: map[string]bool{
		"malloc": true, "realloc": true, "free": true, "memalign": true, "cfree": false,
	}}
	dec := &fakeDecoder{target: 0x600123}
	hook := &fakeHook{}
	ll := &fakeLoader{}
	dbg := &fakeDbg{}

	svc := NewBashRemediationService(probe, dec, hook, ll, dbg)

	err := svc.Remediate()
	assert.Nil(t, err, "Remediate should tolerate a missing cfree")
	assert.Equal(t, 4, len(hook.prepared), "expected 4 hooks (cfree skipped)")
}

func TestRemediateAbortsWhenAllocatorNotInMainExecutable(t *testing.T) {
	probe := &fakeProbe{defined: map[string]bool{
		"malloc": false, "realloc": true, "free": true, "memalign": true, "cfree": true,
	}}
	dec := &fakeDecoder{target: 0x600123}
	hook := &fakeHook{}
	ll := &fakeLoader{}
	dbg := &fakeDbg{}

	svc := NewBashRemediationService(probe, dec, hook, ll, dbg)

	err := svc.Remediate()
	assert.NotNil(t, err, "expected Remediate to abort when malloc is not in the main executable")

	derr, ok := err.(*domain.Error)
	assert.True(t, ok, "expected a *domain.Error")
	assert.Equal(t, domain.AllocatorMismatch, derr.Kind)
}

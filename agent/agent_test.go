package agent

import (
	"errors"
	"testing"

	"github.com/stanley-fork/appscope/domain"
)

type fakeBR struct {
	inBash       bool
	inBashErr    error
	remediateErr error
	remediateN   int
}

func (f *fakeBR) InBashProcess() (bool, error) { return f.inBash, f.inBashErr }
func (f *fakeBR) Remediate() error {
	f.remediateN++
	return f.remediateErr
}

func TestInitSkipsRemediationOutsideBash(t *testing.T) {
	br := &fakeBR{inBash: false}
	a := &Agent{br: br}

	if err := a.Init(); err != nil {
		t.Fatalf("expected no error for a non-bash host, got %v", err)
	}
	if br.remediateN != 0 {
		t.Fatalf("expected Remediate to be skipped, called %d times", br.remediateN)
	}
}

func TestInitRunsRemediationInBash(t *testing.T) {
	br := &fakeBR{inBash: true}
	a := &Agent{br: br}

	if err := a.Init(); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if br.remediateN != 1 {
		t.Fatalf("expected Remediate to run once, got %d", br.remediateN)
	}
}

func TestInitPropagatesRemediateFailureWithoutPanicking(t *testing.T) {
	br := &fakeBR{inBash: true, remediateErr: domain.NewError(domain.AllocatorMismatch, "bashmem.Remediate", errors.New("boom"))}
	a := &Agent{br: br}

	err := a.Init()
	if err == nil {
		t.Fatal("expected Init to propagate the remediation failure")
	}
}

func TestInitPropagatesInBashProcessFailure(t *testing.T) {
	br := &fakeBR{inBashErr: errors.New("readlink failed")}
	a := &Agent{br: br}

	if err := a.Init(); err == nil {
		t.Fatal("expected Init to propagate InBashProcess's error")
	}
	if br.remediateN != 0 {
		t.Fatal("Remediate must not run when InBashProcess itself fails")
	}
}

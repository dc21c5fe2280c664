// Package agent wires together ST, ID, HK, LL and BR into the
// in-process initialization path the injected shared object runs once
// it's loaded into a target: if the host process is bash, remediate
// its internal allocator before any other agent goroutine starts.
package agent

import (
	"github.com/sirupsen/logrus"

	"github.com/stanley-fork/appscope/bashmem"
	"github.com/stanley-fork/appscope/dbglog"
	"github.com/stanley-fork/appscope/decode"
	"github.com/stanley-fork/appscope/domain"
	"github.com/stanley-fork/appscope/hook"
	"github.com/stanley-fork/appscope/loader"
	"github.com/stanley-fork/appscope/symbind"
)

// Agent is the core's single in-process entry point, loaded into a
// target via IN or preloaded directly.
type Agent struct {
	br  domain.BashRemediationServiceIface
	dbg domain.DebugLineServiceIface
}

// New wires the ST, ID, HK, LL and BR components together.
func New() (*Agent, error) {
	probe, err := symbind.NewSymbolProbeService()
	if err != nil {
		return nil, err
	}

	dbg := dbglog.NewDebugLineService()
	br := bashmem.NewBashRemediationService(
		probe,
		decode.NewDecoderService(),
		hook.NewHookService(),
		loader.NewLoaderService(),
		dbg,
	)

	return &Agent{br: br, dbg: dbg}, nil
}

// Init runs once during the agent's initialization, before any other
// agent goroutine is spawned (spec.md §5's scheduling model: BR must
// see no concurrent agent thread). A non-bash host is a no-op, not an
// error: BR only applies to bash's statically linked allocator.
func (a *Agent) Init() error {
	inBash, err := a.br.InBashProcess()
	if err != nil {
		logrus.WithError(err).Warn("could not determine host executable; skipping allocator remediation")
		return err
	}
	if !inBash {
		logrus.Debug("host is not bash; allocator remediation not applicable")
		return nil
	}

	if err := a.br.Remediate(); err != nil {
		// BR failures are non-fatal to the agent per spec.md §7: the
		// agent continues running, it's just unfit for multi-threaded
		// operation inside bash from this point on.
		logrus.WithError(err).Warn("bash allocator remediation failed; continuing without it")
		return err
	}

	logrus.Info("bash allocator remediation complete")
	return nil
}

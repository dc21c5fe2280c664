// Command scopeagent is the cgo c-shared entry point IN's dlopen
// thunk loads into a target process. Built with
// -buildmode=c-shared, its ScopeAgentInit export is the symbol a host
// calls (directly, or via a small C constructor) once the shared
// object is mapped in.
package main

import "C"

import (
	"github.com/sirupsen/logrus"

	"github.com/stanley-fork/appscope/agent"
)

//export ScopeAgentInit
func ScopeAgentInit() C.int {
	a, err := agent.New()
	if err != nil {
		logrus.WithError(err).Error("scopeagent: failed to construct agent")
		return 1
	}

	if err := a.Init(); err != nil {
		logrus.WithError(err).Warn("scopeagent: initialization completed with errors")
		return 1
	}

	return 0
}

func main() {}

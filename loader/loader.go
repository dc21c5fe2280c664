// Package loader implements LL: introspection of the calling
// process' own loaded objects, used to find the local load address of
// the object that exports dlopen so an ASLR slide against a remote
// target can be computed.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stanley-fork/appscope/domain"
	"github.com/stanley-fork/appscope/elfsym"
	"github.com/stanley-fork/appscope/procmem"
)

// On glibc >= 2.34 dlopen lives directly in libc.so; older glibcs keep
// it in a separate libdl.so that libc.so depends on. Try both,
// preferring libc so modern systems resolve on the first attempt —
// this mirrors spec.md's findLibrary() substring search, just tried
// against two candidate substrings instead of one hardcoded name.
var dynLoaderCandidates = []string{"libc.so", "libdl.so"}

type loaderService struct{}

// NewLoaderService constructs the LL component.
func NewLoaderService() domain.LoaderServiceIface {
	return &loaderService{}
}

func (s *loaderService) FindLocalObject(nameSubstring string) (string, uint64, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return "", 0, domain.NewError(domain.PermissionDenied, "loader.FindLocalObject", err)
	}
	defer f.Close()

	entries, err := procmem.ParseMaps(f)
	if err != nil {
		return "", 0, err
	}

	for _, e := range entries {
		if e.Pathname == "" || !strings.Contains(e.Pathname, nameSubstring) {
			continue
		}
		realPath, err := filepath.EvalSymlinks(e.Pathname)
		if err != nil {
			// Object's path doesn't resolve (e.g. a deleted file still
			// mapped); keep scanning rather than failing outright.
			continue
		}
		// Note: unlike the C source's findLibld, which stashes a
		// pointer into the dl_iterate_phdr callback's stack-local
		// buffer (a use-after-return bug flagged in spec.md §9), the
		// resolved path is copied out as a Go string value here.
		return realPath, e.Start, nil
	}

	return "", 0, domain.NewError(domain.NotFound, "loader.FindLocalObject",
		fmt.Errorf("no loaded object matching %q", nameSubstring))
}

func (s *loaderService) LocalSymbolAddr(nameSubstring, symbol string) (uint64, string, uint64, error) {
	path, base, err := s.FindLocalObject(nameSubstring)
	if err != nil {
		return 0, "", 0, err
	}
	sym, err := elfsym.Lookup(path, symbol)
	if err != nil {
		return 0, "", 0, err
	}
	return base + sym.Value, path, base, nil
}

// FindDynLoaderSymbol resolves symbol (typically "dlopen") in whichever
// of dynLoaderCandidates is loaded into the calling process, returning
// a domain.RemoteObject with its LocalBase populated (RemoteBase is
// filled in later by the Injector via PM against the target pid).
func FindDynLoaderSymbol(ls domain.LoaderServiceIface, symbol string) (addr uint64, obj domain.RemoteObject, err error) {
	var lastErr error
	for _, candidate := range dynLoaderCandidates {
		a, path, base, e := ls.LocalSymbolAddr(candidate, symbol)
		if e == nil {
			return a, domain.RemoteObject{Path: path, LocalBase: base}, nil
		}
		lastErr = e
	}
	return 0, domain.RemoteObject{}, domain.NewError(domain.NotFound, "loader.FindDynLoaderSymbol", lastErr)
}

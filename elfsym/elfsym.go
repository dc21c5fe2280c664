// Package elfsym provides the ELF symbol-table introspection shared by
// loader (LL) and symbind (ST): given the path of an on-disk ELF
// image, look up a symbol's value, binding, type and visibility
// without going through the dynamic loader's own dlopen/dlsym API
// (this module has no cgo dependency on libc).
package elfsym

import (
	"debug/elf"
	"fmt"

	"github.com/stanley-fork/appscope/domain"
)

// Bind/Type/Visibility mirror the ELF64_ST_BIND / ELF64_ST_TYPE /
// ELF64_ST_VISIBILITY bit layouts that debug/elf exposes via the raw
// Info and Other bytes on elf.Symbol, rather than through a separate
// decoded field, so we decode them ourselves exactly as the C source
// does with ELF64_ST_BIND/ELF64_ST_TYPE/ELF64_ST_VISIBILITY macros.
const (
	stbGlobal  = 1 // STB_GLOBAL
	sttFunc    = 2 // STT_FUNC
	stvDefault = 0 // STV_DEFAULT
)

// Symbol is the subset of an ELF symbol-table entry this core needs.
type Symbol struct {
	Name       string
	Value      uint64
	Defined    bool // section index != SHN_UNDEF
	Bind       uint8
	Type       uint8
	Visibility uint8
}

// IsGlobalDefaultFunc reports whether the symbol is a globally bound,
// default-visibility function definition — the filter spec.md's ST
// component applies when deciding a symbol "counts" as owned by the
// object that defines it.
func (s Symbol) IsGlobalDefaultFunc() bool {
	return s.Defined && s.Bind == stbGlobal && s.Type == sttFunc && s.Visibility == stvDefault
}

// Lookup opens the ELF image at path and returns the named symbol from
// its dynamic symbol table, falling back to the regular symbol table
// (present on non-stripped or statically-linked binaries). It returns
// domain.NotFound if the symbol isn't present in either table.
func Lookup(path, name string) (Symbol, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Symbol{}, domain.NewError(domain.NotFound, "elfsym.Lookup", err)
	}
	defer f.Close()

	if sym, ok := findSymbol(f, name, true); ok {
		return sym, nil
	}
	if sym, ok := findSymbol(f, name, false); ok {
		return sym, nil
	}

	return Symbol{}, domain.NewError(domain.NotFound, "elfsym.Lookup",
		fmt.Errorf("symbol %q not present in %s", name, path))
}

func findSymbol(f *elf.File, name string, dynamic bool) (Symbol, bool) {
	var syms []elf.Symbol
	var err error
	if dynamic {
		syms, err = f.DynamicSymbols()
	} else {
		syms, err = f.Symbols()
	}
	if err != nil {
		return Symbol{}, false
	}

	for _, s := range syms {
		if s.Name != name {
			continue
		}
		return Symbol{
			Name:       s.Name,
			Value:      s.Value,
			Defined:    s.Section != elf.SHN_UNDEF,
			Bind:       uint8(elf.ST_BIND(s.Info)),
			Type:       uint8(elf.ST_TYPE(s.Info)),
			Visibility: uint8(elf.ST_VISIBILITY(s.Other)),
		}, true
	}
	return Symbol{}, false
}

// Package procmem reads /proc/<pid>/maps to locate shared objects and
// scratch executable space inside a process, without attaching to it.
package procmem

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/stanley-fork/appscope/domain"
)

// maxLineSize caps a single /proc/<pid>/maps line. Real kernel lines
// are well under 1KiB even for very long pathnames, but some
// containerized filesystems produce long bind-mount paths; grow the
// scanner buffer up to this ceiling rather than silently truncating.
const maxLineSize = 64 * 1024

type procMemService struct{}

// NewProcMemService constructs the PM component.
func NewProcMemService() domain.ProcMemServiceIface {
	return &procMemService{}
}

func (s *procMemService) Maps(pid int) ([]domain.MapEntry, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewError(domain.PermissionDenied, "procmem.Maps", err)
	}
	defer f.Close()

	return parseMaps(f)
}

func (s *procMemService) FindObjectBase(pid int, nameSubstring string) (uint64, error) {
	entries, err := s.Maps(pid)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if strings.Contains(e.Pathname, nameSubstring) {
			return e.Start, nil
		}
	}
	return 0, domain.NewError(domain.NotFound, "procmem.FindObjectBase",
		fmt.Errorf("no mapping containing %q in pid %d", nameSubstring, pid))
}

func (s *procMemService) FindFreeExecutableAddr(pid int) (uint64, error) {
	entries, err := s.Maps(pid)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.Exec {
			return e.Start, nil
		}
	}
	return 0, domain.NewError(domain.NotFound, "procmem.FindFreeExecutableAddr",
		fmt.Errorf("no executable mapping in pid %d", pid))
}

// parseMaps parses the full contents of a /proc/<pid>/maps-formatted
// reader. Maps calls it directly; procmem_test and loader (which parses
// /proc/self/maps the same way) reach it through the exported
// ParseMaps wrapper, so live-pid and string-fixture callers share one
// code path.
func parseMaps(r io.Reader) ([]domain.MapEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxLineSize)

	var entries []domain.MapEntry
	for scanner.Scan() {
		line := scanner.Text()
		entry, ok, err := parseMapLine(line)
		if err != nil {
			return nil, err
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, domain.NewError(domain.OversizedMapLine, "procmem.parseMaps", err)
		}
		return nil, domain.NewError(domain.NotFound, "procmem.parseMaps", err)
	}
	return entries, nil
}

// ParseMaps is the exported form used by the loader package.
func ParseMaps(r io.Reader) ([]domain.MapEntry, error) {
	return parseMaps(r)
}

// parseMapLine parses one line of /proc/<pid>/maps:
//
//	start-end perms offset dev inode pathname
//
// Tolerant of missing/extra trailing columns (an empty pathname is
// common for anonymous mappings).
func parseMapLine(line string) (domain.MapEntry, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return domain.MapEntry{}, false, nil
	}

	addrRange := strings.SplitN(fields[0], "-", 2)
	if len(addrRange) != 2 {
		return domain.MapEntry{}, false, nil
	}

	start, err := strconv.ParseUint(addrRange[0], 16, 64)
	if err != nil {
		return domain.MapEntry{}, false, nil
	}
	end, err := strconv.ParseUint(addrRange[1], 16, 64)
	if err != nil {
		return domain.MapEntry{}, false, nil
	}

	perms := fields[1]
	entry := domain.MapEntry{
		Start:   start,
		End:     end,
		Read:    strings.Contains(perms, "r"),
		Write:   strings.Contains(perms, "w"),
		Exec:    strings.Contains(perms, "x"),
		Private: strings.Contains(perms, "p"),
	}

	if len(fields) >= 3 {
		if off, err := strconv.ParseUint(fields[2], 16, 64); err == nil {
			entry.Offset = off
		}
	}

	// Pathname is whatever follows dev+inode (fields[3], fields[4]),
	// i.e. fields[5:] joined back together (paths can contain spaces
	// in theory; maps doesn't escape them, so rejoin defensively).
	if len(fields) >= 6 {
		entry.Pathname = strings.Join(fields[5:], " ")
	}

	return entry, true, nil
}

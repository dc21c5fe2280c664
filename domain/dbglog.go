package domain

import "time"

// DebugOccurrence is a single logged instance of a diagnostic line.
type DebugOccurrence struct {
	Time   time.Time
	Errno  int
	Detail string
}

// DebugLineServiceIface is the core's sole diagnostic side channel
// (the Go rendition of dbg.c's DebugLineTable). Keys are compared by
// the identity of the string's backing data, not its contents, so
// repeated calls with the same string literal coalesce into one slot
// while two calls with equal-but-distinct string values do not.
type DebugLineServiceIface interface {
	// Log records one occurrence under key. Key should be a
	// package-level string constant so repeated call sites coalesce.
	Log(key string, errno int, detail string)

	// Count returns how many times key has been logged, or 0 if key
	// was never claimed.
	Count(key string) uint64

	// Occurrences returns the instances retained under key, in slot
	// order. The earliest occurrences fill the slots; every later one
	// overwrites the last slot, so the final element is the most recent.
	Occurrences(key string) []DebugOccurrence
}

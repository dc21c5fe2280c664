package domain

// Mnemonic is an opaque tag for a decoded instruction. The decoder
// does not aim for an exhaustive x86-64 table: it only needs to walk
// forward over a function's prologue until it finds a JMP.
type Mnemonic int

const (
	MnemUnknown Mnemonic = iota
	MnemJmpShort
	MnemJmpNear
	MnemOther
)

// DecodedInsn is one instruction decoded by the ID component.
//
// Invariant for MnemJmpShort/MnemJmpNear: AbsTarget == Addr + Length + Rel.
type DecodedInsn struct {
	Addr      uint64
	Length    int
	Mnemonic  Mnemonic
	Rel       int64
	AbsTarget uint64
}

// IsJump reports whether the instruction is a recognised short or near
// relative JMP.
func (d DecodedInsn) IsJump() bool {
	return d.Mnemonic == MnemJmpShort || d.Mnemonic == MnemJmpNear
}

// DecoderServiceIface decodes x86-64 instructions well enough to find
// the first relative JMP in a short byte buffer.
type DecoderServiceIface interface {
	// DecodeUntilJump decodes up to maxInsns instructions starting at
	// addr from buf, stopping as soon as a short (0xEB) or near (0xE9)
	// relative JMP is recognised. It returns that instruction. If no
	// JMP is found within maxInsns instructions, or a byte sequence
	// can't be decoded, it returns a DecoderFailure error.
	DecodeUntilJump(addr uint64, buf []byte, maxInsns int) (DecodedInsn, error)

	// DecodeOne decodes exactly one instruction at addr from buf,
	// regardless of its mnemonic. HK uses this to measure how many
	// bytes of a victim's prologue a given instruction occupies, which
	// DecodeUntilJump can't answer for a non-jump instruction.
	DecodeOne(addr uint64, buf []byte) (DecodedInsn, error)
}

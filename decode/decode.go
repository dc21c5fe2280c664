// Package decode implements ID: a minimal x86-64 instruction decoder
// whose only real job is to walk forward over a function's prologue,
// skipping whatever ordinary instructions it finds, until it reaches a
// short (0xEB) or near (0xE9) relative JMP — the tail-call bash's
// exported allocator wrappers use to reach their internal, unexported
// implementations.
//
// This is deliberately not a general-purpose disassembler: the opcode
// table below only covers the instruction shapes glibc/bash-style
// wrapper prologues actually use (register pushes, stack adjustments,
// register moves, simple ALU ops, lea, call, ret) plus whatever is
// needed to compute ModRM/SIB/displacement lengths generically. An
// unrecognised opcode is a hard failure, per spec.md §4.5, rather than
// a guess.
package decode

import (
	"fmt"

	"github.com/stanley-fork/appscope/domain"
)

type decoderService struct{}

// NewDecoderService constructs the ID component.
func NewDecoderService() domain.DecoderServiceIface {
	return &decoderService{}
}

func (d *decoderService) DecodeUntilJump(addr uint64, buf []byte, maxInsns int) (domain.DecodedInsn, error) {
	cursor := 0
	for i := 0; i < maxInsns; i++ {
		if cursor >= len(buf) {
			return domain.DecodedInsn{}, domain.NewError(domain.DecoderFailure, "decode.DecodeUntilJump",
				fmt.Errorf("ran out of bytes after %d instructions", i))
		}

		insn, err := decodeOne(addr+uint64(cursor), buf[cursor:])
		if err != nil {
			return domain.DecodedInsn{}, domain.NewError(domain.DecoderFailure, "decode.DecodeUntilJump", err)
		}

		if insn.IsJump() {
			return insn, nil
		}

		cursor += insn.Length
	}

	return domain.DecodedInsn{}, domain.NewError(domain.DecoderFailure, "decode.DecodeUntilJump",
		fmt.Errorf("no JMP found within %d instructions", maxInsns))
}

// DecodeOne decodes exactly one instruction at addr from buf,
// regardless of mnemonic, wrapping the internal decodeOne with the
// DecoderFailure error taxonomy the rest of this package uses.
func (d *decoderService) DecodeOne(addr uint64, buf []byte) (domain.DecodedInsn, error) {
	insn, err := decodeOne(addr, buf)
	if err != nil {
		return domain.DecodedInsn{}, domain.NewError(domain.DecoderFailure, "decode.DecodeOne", err)
	}
	return insn, nil
}

// decodeOne decodes exactly one instruction at addr from buf[0:],
// returning its domain.DecodedInsn (with Mnemonic/Rel/AbsTarget filled
// in only for the two JMP forms spec.md cares about; every other
// recognised instruction is tagged MnemOther with just a Length).
func decodeOne(addr uint64, buf []byte) (domain.DecodedInsn, error) {
	if len(buf) == 0 {
		return domain.DecodedInsn{}, fmt.Errorf("empty instruction buffer")
	}

	pos := 0

	// Skip legacy/REX prefixes. REX (0x40-0x4F) must immediately
	// precede the opcode, so only one is consumed; repeated legacy
	// prefixes (operand-size 0x66, address-size 0x67, segment
	// overrides, lock/rep) are skipped in a loop since real prologues
	// sometimes stack a couple of them.
	for pos < len(buf) {
		b := buf[pos]
		if isLegacyPrefix(b) {
			pos++
			continue
		}
		break
	}
	var rexByte byte
	hasRex := false
	if pos < len(buf) && buf[pos] >= 0x40 && buf[pos] <= 0x4F {
		rexByte = buf[pos]
		hasRex = true
		pos++
	}

	if pos >= len(buf) {
		return domain.DecodedInsn{}, fmt.Errorf("truncated instruction at %#x", addr)
	}

	op := buf[pos]
	opPos := pos
	pos++

	switch {
	case op == 0xEB: // JMP rel8
		if pos >= len(buf) {
			return domain.DecodedInsn{}, fmt.Errorf("truncated JMP rel8 at %#x", addr)
		}
		rel := int64(int8(buf[pos]))
		length := opPos + 2 // prefix bytes + opcode + imm8
		return domain.DecodedInsn{
			Addr:      addr,
			Length:    length,
			Mnemonic:  domain.MnemJmpShort,
			Rel:       rel,
			AbsTarget: addr + uint64(length) + uint64(int64(rel)),
		}, nil

	case op == 0xE9: // JMP rel32
		if pos+4 > len(buf) {
			return domain.DecodedInsn{}, fmt.Errorf("truncated JMP rel32 at %#x", addr)
		}
		rel := int64(int32(le32(buf[pos : pos+4])))
		length := opPos + 5
		return domain.DecodedInsn{
			Addr:      addr,
			Length:    length,
			Mnemonic:  domain.MnemJmpNear,
			Rel:       rel,
			AbsTarget: addr + uint64(length) + uint64(int64(rel)),
		}, nil

	case op >= 0x50 && op <= 0x5F: // PUSH/POP r64 (+rex.b extends the register, not the encoding length)
		return other(addr, opPos+1), nil

	case op == 0xC3: // RET
		return other(addr, opPos+1), nil

	case op == 0x90: // NOP
		return other(addr, opPos+1), nil

	case op == 0xC9: // LEAVE
		return other(addr, opPos+1), nil

	case op == 0x68: // PUSH imm32
		if opPos+5 > len(buf) {
			return domain.DecodedInsn{}, fmt.Errorf("truncated PUSH imm32 at %#x", addr)
		}
		return other(addr, opPos+5), nil

	case op == 0x6A: // PUSH imm8
		if opPos+2 > len(buf) {
			return domain.DecodedInsn{}, fmt.Errorf("truncated PUSH imm8 at %#x", addr)
		}
		return other(addr, opPos+2), nil

	case op >= 0xB8 && op <= 0xBF: // MOV r32/r64, imm32/imm64 (+rex.w selects imm64)
		immLen := 4
		if hasRex && rexByte&0x08 != 0 {
			immLen = 8
		}
		if opPos+1+immLen > len(buf) {
			return domain.DecodedInsn{}, fmt.Errorf("truncated MOV r,imm at %#x", addr)
		}
		return other(addr, opPos+1+immLen), nil

	case op == 0xE8: // CALL rel32
		if opPos+5 > len(buf) {
			return domain.DecodedInsn{}, fmt.Errorf("truncated CALL rel32 at %#x", addr)
		}
		return other(addr, opPos+5), nil

	case isModRMOpcode(op):
		modrmLen, err := decodeModRM(buf[pos:])
		if err != nil {
			return domain.DecodedInsn{}, fmt.Errorf("at %#x: %w", addr, err)
		}
		total := pos + modrmLen
		if immBytes := modRMImmediateBytes(op); immBytes > 0 {
			total += immBytes
		}
		if total > len(buf) {
			return domain.DecodedInsn{}, fmt.Errorf("truncated ModRM instruction at %#x", addr)
		}
		return other(addr, total), nil

	default:
		return domain.DecodedInsn{}, fmt.Errorf("unrecognised opcode %#x at %#x", op, addr)
	}
}

func other(addr uint64, length int) domain.DecodedInsn {
	return domain.DecodedInsn{Addr: addr, Length: length, Mnemonic: domain.MnemOther}
}

func isLegacyPrefix(b byte) bool {
	switch b {
	case 0x66, 0x67, 0xF0, 0xF2, 0xF3, 0x2E, 0x36, 0x3E, 0x26, 0x64, 0x65:
		return true
	default:
		return false
	}
}

// isModRMOpcode covers the common register/memory ALU and data-movement
// opcodes (ADD/OR/ADC/SBB/AND/SUB/XOR/CMP in their /r and /r reversed
// forms, MOV r/m<->r, LEA) that take a ModRM byte.
func isModRMOpcode(op byte) bool {
	switch op {
	case 0x00, 0x01, 0x02, 0x03, 0x08, 0x09, 0x0A, 0x0B,
		0x10, 0x11, 0x12, 0x13, 0x18, 0x19, 0x1A, 0x1B,
		0x20, 0x21, 0x22, 0x23, 0x28, 0x29, 0x2A, 0x2B,
		0x30, 0x31, 0x32, 0x33, 0x38, 0x39, 0x3A, 0x3B,
		0x88, 0x89, 0x8A, 0x8B, 0x8D, // MOV, LEA
		0x63: // MOVSXD
		return true
	case 0x81, 0x83: // ALU r/m, imm32/imm8
		return true
	case 0xC6, 0xC7: // MOV r/m, imm8/imm32
		return true
	case 0xFF: // INC/DEC/CALL/JMP/PUSH r/m (group 5)
		return true
	default:
		return false
	}
}

// modRMImmediateBytes returns how many immediate bytes follow the
// ModRM(+SIB+disp) block for opcodes whose encoding always carries one
// (the /r ALU-with-immediate and MOV-immediate forms); 0 otherwise.
func modRMImmediateBytes(op byte) int {
	switch op {
	case 0x81, 0xC7:
		return 4
	case 0x83, 0xC6:
		return 1
	default:
		return 0
	}
}

// decodeModRM consumes the ModRM byte and, if present, the SIB byte
// and displacement, returning their combined length. It does not
// resolve register semantics — only enough structure to know how many
// bytes the addressing form occupies, per spec.md §4.5 ("no register
// semantics required").
func decodeModRM(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("missing ModRM byte")
	}
	modrm := buf[0]
	mod := modrm >> 6
	rm := modrm & 0x7
	length := 1

	hasSIB := mod != 3 && rm == 4
	if hasSIB {
		if len(buf) < 2 {
			return 0, fmt.Errorf("missing SIB byte")
		}
		length++
	}

	switch mod {
	case 0:
		if hasSIB {
			sib := buf[1]
			base := sib & 0x7
			if base == 5 {
				length += 4 // disp32, no base register
			}
		} else if rm == 5 {
			length += 4 // RIP-relative disp32
		}
	case 1:
		length += 1 // disp8
	case 2:
		length += 4 // disp32
	case 3:
		// register-direct, no displacement
	}

	return length, nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

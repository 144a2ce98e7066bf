package capfile

// The impdep1 and impdep2 opcodes are reserved for off-card use and must
// never appear in a Method component's bytecodes array.
const (
	OpImpdep1 = 0xFE
	OpImpdep2 = 0xFF
)

// opcodeLength maps a core-set JCVM opcode to its total instruction
// length, including the opcode byte. Zero means the opcode is either
// variable-length (the table switches, handled separately) or outside the
// table; ScanForImpdep stops there rather than risking a misaligned walk.
// The scan locates forbidden opcodes only, it never interprets semantics.
var opcodeLength = [256]byte{
	0x00: 1, // nop
	0x01: 1, // aconst_null
	0x02: 1, 0x03: 1, 0x04: 1, 0x05: 1, 0x06: 1, 0x07: 1, 0x08: 1, // sconst
	0x09: 1, 0x0A: 1, 0x0B: 1, 0x0C: 1, 0x0D: 1, 0x0E: 1, 0x0F: 1, // iconst
	0x10: 2, // bspush
	0x11: 3, // sspush
	0x12: 2, // bipush
	0x13: 3, // sipush
	0x14: 5, // iipush
	0x15: 2, 0x16: 2, 0x17: 2, // aload, sload, iload
	0x18: 1, 0x19: 1, 0x1A: 1, 0x1B: 1, // aload_<n>
	0x1C: 1, 0x1D: 1, 0x1E: 1, 0x1F: 1, // sload_<n>
	0x20: 1, 0x21: 1, 0x22: 1, 0x23: 1, // iload_<n>
	0x24: 1, 0x25: 1, 0x26: 1, 0x27: 1, // aaload, baload, saload, iaload
	0x28: 2, 0x29: 2, 0x2A: 2, // astore, sstore, istore
	0x2B: 1, 0x2C: 1, 0x2D: 1, 0x2E: 1, // astore_<n>
	0x2F: 1, 0x30: 1, 0x31: 1, 0x32: 1, // sstore_<n>
	0x33: 1, 0x34: 1, 0x35: 1, 0x36: 1, // istore_<n>
	0x37: 1, 0x38: 1, 0x39: 1, 0x3A: 1, // aastore, bastore, sastore, iastore
	0x3B: 1, 0x3C: 1, // pop, pop2
	0x3D: 1, 0x3E: 1, // dup, dup2
	0x3F: 2, // dup_x
	0x40: 2, // swap_x
	0x41: 1, 0x42: 1, 0x43: 1, 0x44: 1, 0x45: 1, 0x46: 1, // add/sub/mul
	0x47: 1, 0x48: 1, 0x49: 1, 0x4A: 1, // div/rem
	0x4B: 1, 0x4C: 1, // neg
	0x4D: 1, 0x4E: 1, 0x4F: 1, 0x50: 1, 0x51: 1, 0x52: 1, // shifts
	0x53: 1, 0x54: 1, 0x55: 1, 0x56: 1, 0x57: 1, 0x58: 1, // and/or/xor
	0x59: 3, 0x5A: 3, // sinc, iinc
	0x5B: 1, 0x5C: 1, 0x5D: 1, 0x5E: 1, // s2b, s2i, i2b, i2s
	0x5F: 1, // icmp
	0x60: 2, 0x61: 2, 0x62: 2, 0x63: 2, 0x64: 2, 0x65: 2, // ifeq..ifle
	0x66: 2, 0x67: 2, // ifnull, ifnonnull
	0x68: 2, 0x69: 2, // if_acmpeq, if_acmpne
	0x6A: 2, 0x6B: 2, 0x6C: 2, 0x6D: 2, 0x6E: 2, 0x6F: 2, // if_scmp*
	0x70: 2, // goto
	0x71: 3, // jsr
	0x72: 2, // ret
	0x77: 1, 0x78: 1, 0x79: 1, 0x7A: 1, // areturn, sreturn, ireturn, return
	0x7B: 3, 0x7C: 3, 0x7D: 3, 0x7E: 3, // getstatic_<t>
	0x7F: 3, 0x80: 3, 0x81: 3, 0x82: 3, // putstatic_<t>
	0x83: 2, 0x84: 2, 0x85: 2, 0x86: 2, // getfield_<t>
	0x87: 2, 0x88: 2, 0x89: 2, 0x8A: 2, // putfield_<t>
	0x8B: 3, // invokevirtual
	0x8C: 3, // invokespecial
	0x8D: 3, // invokestatic
	0x8E: 5, // invokeinterface
	0x8F: 3, // new
}

const (
	opSTableSwitch  = 0x73
	opITableSwitch  = 0x74
	opSLookupSwitch = 0x75
	opILookupSwitch = 0x76
)

// ScanForImpdep walks the opcode stream of a single method body looking
// for impdep1/impdep2. It returns the offset of the first forbidden
// opcode, or -1 when none is found before the walk ends. The walk ends at
// the end of the body or at the first opcode outside the length table.
func ScanForImpdep(body []byte) int {
	r := NewReader(body)
	for r.Remaining() > 0 {
		at := r.Pos()
		op, _ := r.U1()
		if op == OpImpdep1 || op == OpImpdep2 {
			return at
		}
		var skip int
		switch op {
		case opSTableSwitch:
			// default(2) low(2) high(2) offsets[high-low+1](2 each)
			if _, err := r.U2(); err != nil {
				return -1
			}
			low, err := r.U2()
			if err != nil {
				return -1
			}
			high, err := r.U2()
			if err != nil || high < low {
				return -1
			}
			skip = 2 * (int(high) - int(low) + 1)
		case opITableSwitch:
			// default(2) low(4) high(4) offsets[high-low+1](2 each)
			if _, err := r.U2(); err != nil {
				return -1
			}
			low, err := r.U4()
			if err != nil {
				return -1
			}
			high, err := r.U4()
			if err != nil || int32(high) < int32(low) {
				return -1
			}
			skip = 2 * (int(int32(high)) - int(int32(low)) + 1)
		case opSLookupSwitch:
			// default(2) npairs(2) pairs[npairs](2+2 each)
			if _, err := r.U2(); err != nil {
				return -1
			}
			n, err := r.U2()
			if err != nil {
				return -1
			}
			skip = 4 * int(n)
		case opILookupSwitch:
			// default(2) npairs(2) pairs[npairs](4+2 each)
			if _, err := r.U2(); err != nil {
				return -1
			}
			n, err := r.U2()
			if err != nil {
				return -1
			}
			skip = 6 * int(n)
		default:
			length := opcodeLength[op]
			if length == 0 {
				return -1
			}
			skip = int(length) - 1
		}
		if _, err := r.Bytes(skip); err != nil {
			return -1
		}
	}
	return -1
}

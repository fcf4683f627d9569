package accel

import (
	"encoding/binary"
	"fmt"
)

// ProgramSize is the encoded size of one node program.
const ProgramSize = 16

const programMagic uint32 = 0x31555044 // "DPU1"

type Opcode uint8

const (
	OpCopy Opcode = iota + 1
	OpDense
	OpConv
	OpMaxPool
	OpAdd
)

func (o Opcode) String() string {
	switch o {
	case OpCopy:
		return "copy"
	case OpDense:
		return "dense"
	case OpConv:
		return "conv"
	case OpMaxPool:
		return "maxpool"
	case OpAdd:
		return "add"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// ParseOpcode maps an op name to its opcode.
func ParseOpcode(name string) (Opcode, error) {
	for op := OpCopy; op <= OpAdd; op++ {
		if op.String() == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("accel: unknown op %q", name)
}

const flagReLU uint8 = 1 << 0

// Program is the decoded form of a node's code segment.
type Program struct {
	Op      Opcode
	ReLU    bool
	Shift   uint8
	KernelH uint8
	KernelW uint8
	Stride  uint8
	Pad     uint8
}

// Encode returns the 16-byte little-endian program image.
func (p Program) Encode() []byte {
	buf := make([]byte, ProgramSize)
	buf[0] = uint8(p.Op)
	if p.ReLU {
		buf[1] |= flagReLU
	}
	buf[2] = p.Shift
	buf[3] = p.KernelH
	buf[4] = p.KernelW
	buf[5] = p.Stride
	buf[6] = p.Pad
	binary.LittleEndian.PutUint32(buf[8:12], programMagic)
	return buf
}

// DecodeProgram parses a code segment.
func DecodeProgram(code []byte) (Program, error) {
	if len(code) != ProgramSize {
		return Program{}, fmt.Errorf("%w: program size %d, want %d", ErrFault, len(code), ProgramSize)
	}
	if binary.LittleEndian.Uint32(code[8:12]) != programMagic {
		return Program{}, fmt.Errorf("%w: bad program magic", ErrFault)
	}
	p := Program{
		Op:      Opcode(code[0]),
		ReLU:    code[1]&flagReLU != 0,
		Shift:   code[2],
		KernelH: code[3],
		KernelW: code[4],
		Stride:  code[5],
		Pad:     code[6],
	}
	if p.Op < OpCopy || p.Op > OpAdd {
		return Program{}, fmt.Errorf("%w: illegal opcode %d", ErrFault, code[0])
	}
	if p.Shift > 31 {
		return Program{}, fmt.Errorf("%w: shift %d out of range", ErrFault, p.Shift)
	}
	return p, nil
}

// requantize scales an int32 accumulator back to int8: round-half-up shift,
// optional ReLU, saturation.
func requantize(acc int64, shift uint8, relu bool) int8 {
	if shift > 0 {
		acc = (acc + int64(1)<<(shift-1)) >> shift
	}
	if relu && acc < 0 {
		acc = 0
	}
	if acc > 127 {
		return 127
	}
	if acc < -128 {
		return -128
	}
	return int8(acc)
}

// Package dkf implements the DPU Kernel File format.
//
// A DKF is a single-file, memory-mappable container for one compiled DPU
// kernel: its node table, the accelerator program for every node, and the
// weight and bias segments the programs read. It describes structure and data
// only; executing a kernel is the job of the runtime.
package dkf

// DKF global constants must never change.
const (
	// MagicDKF is the file magic for all DKF containers.
	// It is encoded as "DKF\0".
	MagicDKF = "DKF\x00"

	// Current Major Version: Any change indicates a breaking format change.
	CurrentMajor uint16 = 1

	// Current Minor Version: Versions may add new optional sections or fields.
	CurrentMinor uint16 = 0

	dkfHeaderSize  = 40
	dkfSectionSize = 24
	dkfAlign       = 8
)

type SectionType uint32

const (
	SectionKernelInfo SectionType = 0x0001
	SectionCode       SectionType = 0x0002
	SectionWeights    SectionType = 0x0003
	SectionBias       SectionType = 0x0004
)

func (t SectionType) String() string {
	switch t {
	case SectionKernelInfo:
		return "kernel_info"
	case SectionCode:
		return "code"
	case SectionWeights:
		return "weights"
	case SectionBias:
		return "bias"
	default:
		return "unknown"
	}
}

type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

// End returns the first byte past the section payload.
func (s *Section) End() uint64 {
	return s.Offset + s.Size
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != MagicDKF {
		return false
	}
	if h.HeaderSize < dkfHeaderSize {
		return false
	}
	if h.SectionCount == 0 {
		return false
	}
	return true
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}

func rangesOverlap(a0, a1, b0, b1 uint64) bool {
	// half-open ranges [a0,a1) and [b0,b1)
	return a0 < b1 && b0 < a1
}

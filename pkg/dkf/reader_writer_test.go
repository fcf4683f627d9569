package dkf

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKernelInfo() *KernelInfo {
	return &KernelInfo{
		Name: "mnist",
		Mean: [3]int{1, 2, 3},
		Nodes: []NodeInfo{
			{
				Name:    "fc1",
				Code:    Segment{Offset: 0, Size: 16},
				Weights: Segment{Offset: 0, Size: 8},
				Bias:    Segment{Offset: 0, Size: 8},
				Inputs:  []TensorInfo{{Height: 1, Width: 1, Channel: 4, Scale: 16}},
				Outputs: []TensorInfo{{Height: 1, Width: 1, Channel: 2, Scale: 8}},
			},
			{
				Name:    "fc2",
				Code:    Segment{Offset: 16, Size: 16},
				Inputs:  []TensorInfo{{Height: 1, Width: 1, Channel: 2, Scale: 8, Source: "fc1:0"}},
				Outputs: []TensorInfo{{Height: 1, Width: 1, Channel: 2, Scale: 8}},
			},
		},
	}
}

func TestWriteKernelFileRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mnist.dkf")
	code := bytes.Repeat([]byte{0xAB}, 32)
	weights := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	bias := []byte{9, 0, 0, 0, 10, 0, 0, 0}
	if err := WriteKernelFile(path, Payload{Info: testKernelInfo(), Code: code, Weights: weights, Bias: bias}); err != nil {
		t.Fatalf("write kernel file: %v", err)
	}

	df, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() {
		if cerr := df.Close(); cerr != nil {
			t.Fatalf("close: %v", cerr)
		}
	}()

	if df.Header.SectionCount != 4 {
		t.Fatalf("section count: got %d want 4", df.Header.SectionCount)
	}
	for i := 1; i < len(df.Sections); i++ {
		if df.Sections[i-1].Type >= df.Sections[i].Type {
			t.Fatalf("section directory not sorted: %+v", df.Sections)
		}
	}
	if got := df.SectionData(SectionWeights); !bytes.Equal(got, weights) {
		t.Fatalf("weights mismatch: got %v", got)
	}
	if got := df.SectionData(SectionCode); !bytes.Equal(got, code) {
		t.Fatalf("code mismatch: got %v", got)
	}

	ki, err := df.KernelInfo()
	if err != nil {
		t.Fatalf("kernel info: %v", err)
	}
	if ki.Name != "mnist" || len(ki.Nodes) != 2 {
		t.Fatalf("unexpected kernel info: %+v", ki)
	}
	if ki.Mean != [3]int{1, 2, 3} {
		t.Fatalf("mean mismatch: %v", ki.Mean)
	}
	if ki.Nodes[1].Inputs[0].Source != "fc1:0" {
		t.Fatalf("source lost: %+v", ki.Nodes[1].Inputs[0])
	}
}

func TestOpenReaderAtDoesNotMmap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "k.dkf")
	if err := WriteKernelFile(path, Payload{Info: testKernelInfo(), Code: make([]byte, 32), Weights: make([]byte, 8), Bias: make([]byte, 8)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()
	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	df, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	if df.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if df.Header.HeaderSize != dkfHeaderSize {
		t.Fatalf("header size mismatch: got %d", df.Header.HeaderSize)
	}
}

func TestParseRejectsCorruption(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "k.dkf")
	if err := WriteKernelFile(path, Payload{Info: testKernelInfo(), Code: make([]byte, 32), Weights: make([]byte, 8), Bias: make([]byte, 8)}); err != nil {
		t.Fatalf("write: %v", err)
	}
	good, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	badMagic := bytes.Clone(good)
	badMagic[0] = 'X'
	if _, err := Parse(badMagic); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("bad magic: got %v", err)
	}

	badMajor := bytes.Clone(good)
	badMajor[4] = 9
	if _, err := Parse(badMajor); !errors.Is(err, ErrUnsupportedMajor) {
		t.Fatalf("bad major: got %v", err)
	}

	if _, err := Parse(good[:len(good)-1]); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("truncated: got %v", err)
	}
	if _, err := Parse(good[:10]); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("short: got %v", err)
	}
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := Header{
		Magic:            [4]byte{'D', 'K', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       dkfHeaderSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [dkfHeaderSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	decoded, ok := decodeHeader(hdrRaw[:])
	if !ok || decoded != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decoded, h)
	}

	s := Section{Type: 0x11223344, Version: 0x55667788, Offset: 0x0102030405060708, Size: 0x1112131415161718}
	var secRaw [dkfSectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok || decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}

func TestKernelInfoValidate(t *testing.T) {
	t.Parallel()

	sizes := SegmentSizes{Code: 32, Weights: 8, Bias: 8}
	cases := []struct {
		name   string
		mutate func(ki *KernelInfo)
	}{
		{"empty name", func(ki *KernelInfo) { ki.Name = "" }},
		{"no nodes", func(ki *KernelInfo) { ki.Nodes = nil }},
		{"duplicate node", func(ki *KernelInfo) { ki.Nodes[1].Name = "fc1" }},
		{"zero scale", func(ki *KernelInfo) { ki.Nodes[0].Inputs[0].Scale = 0 }},
		{"negative shape", func(ki *KernelInfo) { ki.Nodes[0].Outputs[0].Height = -1 }},
		{"code out of range", func(ki *KernelInfo) { ki.Nodes[1].Code.Offset = 30 }},
		{"weights out of range", func(ki *KernelInfo) { ki.Nodes[0].Weights.Size = 9 }},
		{"forward source", func(ki *KernelInfo) { ki.Nodes[1].Inputs[0].Source = "fc2:0" }},
		{"source index", func(ki *KernelInfo) { ki.Nodes[1].Inputs[0].Source = "fc1:3" }},
		{"source shape", func(ki *KernelInfo) { ki.Nodes[1].Inputs[0].Channel = 3 }},
		{"malformed source", func(ki *KernelInfo) { ki.Nodes[1].Inputs[0].Source = "fc1" }},
		{"no outputs", func(ki *KernelInfo) { ki.Nodes[0].Outputs = nil }},
		{"kernel name traversal", func(ki *KernelInfo) { ki.Name = "../../escaped" }},
		{"kernel name dotdot", func(ki *KernelInfo) { ki.Name = ".." }},
		{"kernel name backslash", func(ki *KernelInfo) { ki.Name = `a\b` }},
		{"node name separator", func(ki *KernelInfo) { ki.Nodes[0].Name = "fc/1" }},
		{"node name nul", func(ki *KernelInfo) { ki.Nodes[0].Name = "fc\x001" }},
		{"node name dot", func(ki *KernelInfo) { ki.Nodes[0].Name = "." }},
		{"node name colon", func(ki *KernelInfo) { ki.Nodes[0].Name = "fc:1" }},
	}

	if err := testKernelInfo().Validate(sizes); err != nil {
		t.Fatalf("valid kernel rejected: %v", err)
	}
	for _, tc := range cases {
		ki := testKernelInfo()
		tc.mutate(ki)
		if err := ki.Validate(sizes); !errors.Is(err, ErrInvalidKernel) {
			t.Fatalf("%s: expected ErrInvalidKernel, got %v", tc.name, err)
		}
	}
}

func TestKernelInfoValidateBoundsShapes(t *testing.T) {
	t.Parallel()

	sizes := SegmentSizes{Code: 32, Weights: 8, Bias: 8}
	cases := []struct {
		name   string
		mutate func(ki *KernelInfo)
		want   string
	}{
		{
			name: "product overflows int",
			mutate: func(ki *KernelInfo) {
				ki.Nodes[0].Inputs[0] = TensorInfo{Height: 3, Width: math.MaxInt / 3, Channel: 1, Scale: 16}
			},
			want: "exceeds",
		},
		{
			name: "dimension too large",
			mutate: func(ki *KernelInfo) {
				ki.Nodes[0].Inputs[0] = TensorInfo{Height: 1, Width: math.MaxInt, Channel: 1, Scale: 16}
			},
			want: "exceeds",
		},
		{
			name: "element count too large",
			mutate: func(ki *KernelInfo) {
				ki.Nodes[0].Inputs[0] = TensorInfo{Height: 1, Width: 1 << 16, Channel: 1 << 16, Scale: 16}
			},
			want: "exceeds",
		},
		{
			name: "task memory too large",
			mutate: func(ki *KernelInfo) {
				big := TensorInfo{Height: 1, Width: 1, Channel: 1 << 30, Scale: 16}
				ki.Nodes[0].Inputs[0] = big
				ki.Nodes[0].Outputs[0] = big
				ki.Nodes[1].Inputs[0] = TensorInfo{Height: 1, Width: 1, Channel: 1 << 30, Scale: 16, Source: "fc1:0"}
			},
			want: "task memory",
		},
	}
	for _, tc := range cases {
		ki := testKernelInfo()
		tc.mutate(ki)
		err := ki.Validate(sizes)
		if !errors.Is(err, ErrInvalidKernel) {
			t.Fatalf("%s: expected ErrInvalidKernel, got %v", tc.name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

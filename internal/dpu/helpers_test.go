package dpu

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/cube/internal/accel"
	"github.com/samcharles93/cube/internal/logger"
	"github.com/samcharles93/cube/pkg/dkf"
)

// The "tiny" test kernel:
//
//	fc1: in 2x2x3 (scale 4)   -> dense, shift 2, relu -> out 1x1x4 (scale 2)
//	add: in fc1:0, in 1x1x4   -> add                   -> out 1x1x4 (scale 2)
//	fc2: in add:0             -> dense, shift 1        -> out 1x1x3 (scale 1)
const tinyKernel = "tiny"

func tinyWeights(rows, cols, seed int) []int8 {
	w := make([]int8, rows*cols)
	for o := 0; o < rows; o++ {
		for i := 0; i < cols; i++ {
			w[o*cols+i] = int8((o*7+i*3+seed)%11 - 5)
		}
	}
	return w
}

func tinyBias(n int) []int32 {
	b := make([]int32, n)
	for i := range b {
		b[i] = int32(i*3 - 4)
	}
	return b
}

func writeTinyKernel(t *testing.T, dir string) string {
	t.Helper()

	w1, b1 := tinyWeights(4, 12, 0), tinyBias(4)
	w2, b2 := tinyWeights(3, 4, 5), tinyBias(3)

	var code, weights, bias []byte
	seg := func(dst *[]byte, p []byte) dkf.Segment {
		s := dkf.Segment{Offset: uint64(len(*dst)), Size: uint64(len(p))}
		*dst = append(*dst, p...)
		return s
	}
	wbytes := func(v []int8) []byte {
		out := make([]byte, len(v))
		for i, x := range v {
			out[i] = byte(x)
		}
		return out
	}
	bbytes := func(v []int32) []byte {
		out := make([]byte, 4*len(v))
		for i, x := range v {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(x))
		}
		return out
	}

	info := &dkf.KernelInfo{
		Name: tinyKernel,
		Nodes: []dkf.NodeInfo{
			{
				Name:    "fc1",
				Code:    seg(&code, accel.Program{Op: accel.OpDense, Shift: 2, ReLU: true}.Encode()),
				Weights: seg(&weights, wbytes(w1)),
				Bias:    seg(&bias, bbytes(b1)),
				Inputs:  []dkf.TensorInfo{{Height: 2, Width: 2, Channel: 3, Scale: 4}},
				Outputs: []dkf.TensorInfo{{Height: 1, Width: 1, Channel: 4, Scale: 2}},
			},
			{
				Name: "add",
				Code: seg(&code, accel.Program{Op: accel.OpAdd}.Encode()),
				Inputs: []dkf.TensorInfo{
					{Height: 1, Width: 1, Channel: 4, Scale: 2, Source: "fc1:0"},
					{Height: 1, Width: 1, Channel: 4, Scale: 2},
				},
				Outputs: []dkf.TensorInfo{{Height: 1, Width: 1, Channel: 4, Scale: 2}},
			},
			{
				Name:    "fc2",
				Code:    seg(&code, accel.Program{Op: accel.OpDense, Shift: 1}.Encode()),
				Weights: seg(&weights, wbytes(w2)),
				Bias:    seg(&bias, bbytes(b2)),
				Inputs:  []dkf.TensorInfo{{Height: 1, Width: 1, Channel: 4, Scale: 2, Source: "add:0"}},
				Outputs: []dkf.TensorInfo{{Height: 1, Width: 1, Channel: 3, Scale: 1}},
			},
		},
	}

	path := filepath.Join(dir, tinyKernel+KernelExt)
	require.NoError(t, dkf.WriteKernelFile(path, dkf.Payload{Info: info, Code: code, Weights: weights, Bias: bias}))
	return path
}

// writeRawKernel writes info as a kernel file without validating it, the way
// a foreign or damaged toolchain might.
func writeRawKernel(t *testing.T, path string, info *dkf.KernelInfo, code []byte) {
	t.Helper()
	raw, err := dkf.EncodeKernelInfo(info)
	require.NoError(t, err)
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	w, err := dkf.NewWriter(f)
	require.NoError(t, err)
	require.NoError(t, w.WriteSection(dkf.SectionKernelInfo, dkf.KernelInfoVersion, raw))
	require.NoError(t, w.WriteSection(dkf.SectionCode, 1, code))
	require.NoError(t, w.Finalise())
}

// tinyReference computes the expected fc2 output for HWC fc1 input x and add
// operand y.
func tinyReference(x, y []int8) []int8 {
	dense := func(in []int8, w []int8, b []int32, outN int, shift uint, relu bool) []int8 {
		out := make([]int8, outN)
		for o := 0; o < outN; o++ {
			acc := int64(b[o])
			for i, v := range in {
				acc += int64(v) * int64(w[o*len(in)+i])
			}
			if shift > 0 {
				acc = (acc + 1<<(shift-1)) >> shift
			}
			if relu && acc < 0 {
				acc = 0
			}
			out[o] = int8(max(-128, min(127, acc)))
		}
		return out
	}
	h := dense(x, tinyWeights(4, 12, 0), tinyBias(4), 4, 2, true)
	sum := make([]int8, 4)
	for i := range sum {
		sum[i] = int8(max(-128, min(127, int64(h[i])+int64(y[i]))))
	}
	return dense(sum, tinyWeights(3, 4, 5), tinyBias(3), 3, 1, false)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		KernelsDir:    t.TempDir(),
		ExceptionMode: ReturnErrCode,
		Logger:        logger.Discard(),
	}
}

// openTestDevice opens a reference device and closes it when the test ends.
// Cleanups run in reverse order, so kernels and tasks registered later are
// released first.
func openTestDevice(t *testing.T, cfg Config) *Device {
	t.Helper()
	dev, err := OpenReference(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func openTestDeviceWith(t *testing.T, cfg Config, acc accel.Accelerator) *Device {
	t.Helper()
	dev, err := Open(cfg, acc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func loadTiny(t *testing.T, dev *Device) *Kernel {
	t.Helper()
	writeTinyKernel(t, dev.Config().KernelsDir)
	k, err := dev.LoadKernel(tinyKernel)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Destroy() })
	return k
}

func newTask(t *testing.T, k *Kernel, mode Mode) *Task {
	t.Helper()
	task, err := k.CreateTask(mode)
	require.NoError(t, err)
	t.Cleanup(func() { _ = task.Destroy() })
	return task
}

func seq(n int, f func(i int) int8) []int8 {
	out := make([]int8, n)
	for i := range out {
		out[i] = f(i)
	}
	return out
}

package dpu

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/cube/internal/accel"
)

func tinyInputs(seed int) (x, y []int8) {
	x = seq(12, func(i int) int8 { return int8((i*5+seed)%17 - 8) })
	y = seq(4, func(i int) int8 { return int8((i*3+seed)%9 - 4) })
	return x, y
}

func runTiny(t *testing.T, task *Task, x, y []int8) []int8 {
	t.Helper()
	require.NoError(t, task.SetInputTensorHWCInt8("fc1", x, 0))
	require.NoError(t, task.SetInputTensorHWCInt8("add", y, 1))
	require.NoError(t, task.Run(context.Background()))
	out := make([]int8, 3)
	require.NoError(t, task.GetOutputTensorHWCInt8("fc2", out, 0))
	return out
}

func TestRunMatchesReference(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)
	task := newTask(t, k, ModeNormal)

	for seed := 0; seed < 5; seed++ {
		x, y := tinyInputs(seed)
		assert.Equal(t, tinyReference(x, y), runTiny(t, task, x, y), "seed %d", seed)
	}

	// Intermediate outputs stay readable after the run.
	hidden, err := task.OutputTensor("fc1", 0)
	require.NoError(t, err)
	for _, v := range hidden.Data() {
		assert.GreaterOrEqual(t, v, int8(0), "fc1 applies relu")
	}

	out := make([]int8, 3)
	require.NoError(t, task.GetOutputTensorHWCInt8("fc2", out, 0))
	vals := make([]float32, 3)
	require.NoError(t, task.GetOutputTensorCHWFP32("fc2", vals, 0))
	for i := range out {
		assert.Equal(t, float32(out[i]), vals[i], "fc2 scale is 1")
	}

	stats := dev.Stats()
	assert.Equal(t, uint64(5), stats.Launches)
	assert.Equal(t, uint64(0), stats.Faults)
}

func TestTensorSizeContract(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)
	task := newTask(t, k, ModeNormal)

	short8, long8 := make([]int8, 11), make([]int8, 13)
	short32, long32 := make([]float32, 11), make([]float32, 13)

	for name, err := range map[string]error{
		"chw int8 short":  task.SetInputTensorCHWInt8("fc1", short8, 0),
		"hwc int8 long":   task.SetInputTensorHWCInt8("fc1", long8, 0),
		"chw fp32 short":  task.SetInputTensorCHWFP32("fc1", short32, 0),
		"hwc fp32 long":   task.SetInputTensorHWCFP32("fc1", long32, 0),
		"get chw int8":    task.GetOutputTensorCHWInt8("fc2", make([]int8, 4), 0),
		"get hwc int8":    task.GetOutputTensorHWCInt8("fc2", make([]int8, 2), 0),
		"get chw fp32":    task.GetOutputTensorCHWFP32("fc2", make([]float32, 0), 0),
		"get hwc fp32":    task.GetOutputTensorHWCFP32("fc2", make([]float32, 12), 0),
		"nil input int8":  task.SetInputTensorHWCInt8("add", nil, 1),
		"nil output fp32": task.GetOutputTensorHWCFP32("add", nil, 0),
	} {
		assert.ErrorIs(t, err, ErrSizeMismatch, name)
		assert.Equal(t, CodeSizeMismatch, Code(err), name)
	}

	in, err := task.InputTensor("fc1", 0)
	require.NoError(t, err)
	for _, v := range in.Data() {
		assert.Zero(t, v, "rejected writes must not touch the tensor")
	}

	assert.ErrorIs(t, task.SetInputTensorHWCInt8("missing", make([]int8, 12), 0), ErrNotFound)
	assert.ErrorIs(t, task.GetOutputTensorHWCInt8("fc2", make([]int8, 3), 1), ErrNotFound)
}

func TestLayoutsAgree(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)
	a := newTask(t, k, ModeNormal)
	b := newTask(t, k, ModeNormal)

	// fc1 input is 2x2x3. hwc[(y*2+x)*3+c] == chw[c*4+y*2+x].
	hwc := seq(12, func(i int) int8 { return int8(i + 1) })
	chw := make([]int8, 12)
	for c := 0; c < 3; c++ {
		for p := 0; p < 4; p++ {
			chw[c*4+p] = hwc[p*3+c]
		}
	}

	require.NoError(t, a.SetInputTensorHWCInt8("fc1", hwc, 0))
	require.NoError(t, b.SetInputTensorCHWInt8("fc1", chw, 0))

	ta, err := a.InputTensor("fc1", 0)
	require.NoError(t, err)
	tb, err := b.InputTensor("fc1", 0)
	require.NoError(t, err)
	assert.Equal(t, ta.Data(), tb.Data())
	assert.Equal(t, hwc, ta.Data())

	realHWC := make([]float32, 12)
	realCHW := make([]float32, 12)
	for i := range hwc {
		realHWC[i] = float32(hwc[i]) / 4
	}
	for i := range chw {
		realCHW[i] = float32(chw[i]) / 4
	}
	require.NoError(t, a.SetInputTensorHWCFP32("fc1", realHWC, 0))
	require.NoError(t, b.SetInputTensorCHWFP32("fc1", realCHW, 0))
	assert.Equal(t, ta.Data(), tb.Data())
	assert.Equal(t, hwc, tb.Data())
}

func TestFP32InputQuantization(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)
	require.NoError(t, k.SetMeanValue(0, 0, 0))
	task := newTask(t, k, ModeNormal)

	vals := []float32{0.1, -0.37, 1.24, -1.5, 0.125, 3.3, -2.9, 0.6, 0, 31.9, -40, 0.26}
	require.NoError(t, task.SetInputTensorHWCFP32("fc1", vals, 0))

	in, err := task.InputTensor("fc1", 0)
	require.NoError(t, err)
	data := in.Data()
	for i, v := range vals {
		want := float64(v) * 4
		switch {
		case want >= 127:
			assert.Equal(t, int8(127), data[i])
		case want <= -128:
			assert.Equal(t, int8(-128), data[i])
		default:
			back := float64(data[i]) / 4
			assert.InDelta(t, float64(v), back, 1.0/4, "element %d", i)
		}
	}
	// Half rounds away from zero: 0.125*4 = 0.5 -> 1, -1.5*4 = -6.
	assert.Equal(t, int8(1), data[4])
	assert.Equal(t, int8(-6), data[3])
}

func TestFP32InputSubtractsMean(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)
	require.NoError(t, k.SetMeanValue(1, 2, 3))
	task := newTask(t, k, ModeNormal)

	// Every pixel holds (1,2,3): after mean subtraction the tensor is zero.
	vals := make([]float32, 12)
	for i := range vals {
		vals[i] = float32(i%3 + 1)
	}
	require.NoError(t, task.SetInputTensorHWCFP32("fc1", vals, 0))
	in, err := task.InputTensor("fc1", 0)
	require.NoError(t, err)
	assert.Equal(t, make([]int8, 12), in.Data())

	// The add operand has four channels; the fourth carries no mean.
	require.NoError(t, task.SetInputTensorCHWFP32("add", []float32{1.5, 2.5, 3.5, 4.5}, 1))
	y, err := task.InputTensor("add", 1)
	require.NoError(t, err)
	assert.Equal(t, []int8{1, 1, 1, 9}, y.Data())
}

func TestConcurrentTasksMatchSequential(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)

	const n = 8
	want := make([][]int8, n)
	for i := range want {
		x, y := tinyInputs(i)
		want[i] = tinyReference(x, y)
	}

	tasks := make([]*Task, n)
	for i := range tasks {
		tasks[i] = newTask(t, k, ModeNormal)
	}

	got := make([][]int8, n)
	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			x, y := tinyInputs(i)
			if err := task.SetInputTensorHWCInt8("fc1", x, 0); err != nil {
				return err
			}
			if err := task.SetInputTensorHWCInt8("add", y, 1); err != nil {
				return err
			}
			for range 10 {
				if err := task.Run(context.Background()); err != nil {
					return err
				}
			}
			out := make([]int8, 3)
			if err := task.GetOutputTensorHWCInt8("fc2", out, 0); err != nil {
				return err
			}
			got[i] = out
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(n*10), dev.Stats().Launches)
	assert.Equal(t, uint64(0), dev.Stats().Faults)
}

func TestFaultResetsBeforeNextRun(t *testing.T) {
	var fail atomic.Bool
	sim, err := accel.OpenSimulator(accel.SimulatorConfig{
		Fault: func(job accel.Job) error {
			if fail.Load() && job.Node == "add" {
				return errors.New("injected parity error")
			}
			return nil
		},
	})
	require.NoError(t, err)

	dev := openTestDeviceWith(t, testConfig(t), sim)
	k := loadTiny(t, dev)
	task := newTask(t, k, ModeProfile)

	x, y := tinyInputs(3)
	require.NoError(t, task.SetInputTensorHWCInt8("fc1", x, 0))
	require.NoError(t, task.SetInputTensorHWCInt8("add", y, 1))

	fail.Store(true)
	err = task.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, accel.ErrFault)
	assert.Equal(t, CodeExecution, Code(err))
	assert.Equal(t, NoProfile, task.Profile(), "a failed run leaves no profile")

	fail.Store(false)
	require.NoError(t, task.Run(context.Background()))
	out := make([]int8, 3)
	require.NoError(t, task.GetOutputTensorHWCInt8("fc2", out, 0))
	assert.Equal(t, tinyReference(x, y), out)

	stats := dev.Stats()
	assert.Equal(t, uint64(1), stats.Faults)
	assert.Equal(t, uint64(1), stats.Resets)
	assert.Equal(t, uint64(1), sim.Stats().Resets)
}

func TestRunHonorsContextWhileWaiting(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)
	task := newTask(t, k, ModeNormal)

	// Occupy the accelerator so Run has to wait.
	dev.disp.gate <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := task.Run(ctx)
	<-dev.disp.gate

	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), dev.Stats().Launches)

	require.NoError(t, task.Run(context.Background()))
}

func TestProfile(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)
	task := newTask(t, k, ModeNormal)

	require.NoError(t, task.Run(context.Background()))
	assert.Equal(t, NoProfile, task.Profile())
	d, err := task.NodeProfile("fc1")
	require.NoError(t, err)
	assert.Equal(t, NoProfile, d)

	require.NoError(t, task.EnableProfile())
	assert.Equal(t, ModeProfile, task.Mode())
	require.NoError(t, task.Run(context.Background()))
	assert.GreaterOrEqual(t, task.Profile(), time.Duration(0))

	var sum time.Duration
	for _, n := range []string{"fc1", "add", "fc2"} {
		d, err := task.NodeProfile(n)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, d, time.Duration(0), n)
		sum += d
	}
	assert.LessOrEqual(t, sum, task.Profile())

	_, err = task.NodeProfile("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDebugDump(t *testing.T) {
	cfg := testConfig(t)
	cfg.DumpDir = t.TempDir()
	dev := openTestDevice(t, cfg)
	k := loadTiny(t, dev)
	task := newTask(t, k, ModeDebug|ModeProfile)

	x, y := tinyInputs(1)
	out := runTiny(t, task, x, y)

	dir := filepath.Join(cfg.DumpDir, tinyKernel, "task0")
	got, err := os.ReadFile(filepath.Join(dir, "fc2.out0.bin"))
	require.NoError(t, err)
	assert.Equal(t, int8Bytes(out), got)

	got, err = os.ReadFile(filepath.Join(dir, "fc1.in0.bin"))
	require.NoError(t, err)
	assert.Equal(t, int8Bytes(x), got)

	code, err := os.ReadFile(filepath.Join(dir, "add.code.bin"))
	require.NoError(t, err)
	prog, err := accel.DecodeProgram(code)
	require.NoError(t, err)
	assert.Equal(t, accel.OpAdd, prog.Op)

	for _, name := range []string{"add.weights.bin", "add.bias.bin", "add.in1.bin", "fc2.weights.bin"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
	assert.GreaterOrEqual(t, task.Profile(), time.Duration(0))
}

func TestTaskLifecycle(t *testing.T) {
	dev := openTestDevice(t, testConfig(t))
	k := loadTiny(t, dev)

	task, err := k.CreateTask(ModeNormal)
	require.NoError(t, err)
	in, err := task.InputTensor("fc1", 0)
	require.NoError(t, err)
	require.NotNil(t, in.Data())

	require.NoError(t, task.Destroy())
	assert.Nil(t, in.Data())
	assert.ErrorIs(t, task.Run(context.Background()), ErrNotFound)
	assert.ErrorIs(t, task.Destroy(), ErrNotFound)
	assert.ErrorIs(t, task.EnableDebug(), ErrNotFound)
	assert.ErrorIs(t, task.SetInputTensorHWCInt8("fc1", make([]int8, 12), 0), ErrNotFound)
	_, err = task.NodeProfile("fc1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, k.TaskCount())
}

func TestExceptionMessages(t *testing.T) {
	assert.Equal(t, "success", ExceptionMessage(0))
	for _, kind := range []Kind{KindArtifact, KindAllocation, KindResourceBusy, KindSizeMismatch, KindNotFound, KindExecution, KindDevice} {
		code := kind.Code()
		assert.Less(t, code, 0, kind.String())
		assert.NotContains(t, ExceptionMessage(code), "unknown", kind.String())
	}
	assert.Equal(t, "unknown error code -42", ExceptionMessage(-42))
	assert.Equal(t, CodeUnknown, Code(errors.New("plain")))
	assert.Equal(t, CodeSuccess, Code(nil))

	err := newError(KindNotFound, "get input tensor", "kernel %q has no node %q", "tiny", "x")
	assert.Equal(t, `get input tensor: NotFoundError: kernel "tiny" has no node "x"`, err.Error())
	assert.False(t, errors.Is(err, ErrDevice))
}

func TestPolicy(t *testing.T) {
	boom := newError(KindDevice, "open", "no accelerator present")

	var exited []int
	p := Policy{Mode: PrintAndExit, Log: testConfig(t).Logger, Exit: func(code int) { exited = append(exited, code) }}
	assert.NoError(t, p.Check(nil))
	assert.Empty(t, exited)
	assert.Equal(t, boom, p.Check(boom))
	assert.Equal(t, []int{1}, exited)

	p.Mode = ReturnErrCode
	assert.Equal(t, boom, p.Check(boom))
	assert.Equal(t, []int{1}, exited)

	for in, want := range map[string]ExceptionMode{
		"print_and_exit": PrintAndExit,
		"RET_ERR_CODE":   ReturnErrCode,
		"return_status":  ReturnErrCode,
		"":               PrintAndExit,
	} {
		got, err := ParseExceptionMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseExceptionMode("panic")
	assert.Error(t, err)
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		v, scale float32
		want     int8
	}{
		{0, 1, 0},
		{0.5, 1, 1},
		{-0.5, 1, -1},
		{1.49, 2, 3},
		{1000, 1, 127},
		{-1000, 1, -128},
		{float32(math.NaN()), 1, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quantize(tt.v, tt.scale), "quantize(%v, %v)", tt.v, tt.scale)
	}
	assert.Equal(t, float32(-3.25), dequantize(-13, 4))
}

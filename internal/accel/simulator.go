package accel

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// SimulatorConfig configures the reference accelerator.
type SimulatorConfig struct {
	// LockPath, when set, is flocked for the simulator's lifetime so that only
	// one process at a time can own the device.
	LockPath string
	// Fault, when set, is consulted before every job; a non-nil return faults
	// the job and leaves the device requiring Reset.
	Fault func(job Job) error
}

// SimulatorStats counts device activity.
type SimulatorStats struct {
	Jobs   uint64
	Faults uint64
	Resets uint64
}

// Simulator is a bit-exact software model of the DPU instruction set.
type Simulator struct {
	cfg   SimulatorConfig
	claim *Claim

	busy   atomic.Bool
	mu     sync.Mutex
	dirty  bool
	closed bool
	stats  SimulatorStats
}

var _ Accelerator = (*Simulator)(nil)

// OpenSimulator claims the device (if configured) and returns a ready simulator.
func OpenSimulator(cfg SimulatorConfig) (*Simulator, error) {
	s := &Simulator{cfg: cfg}
	if cfg.LockPath != "" {
		c, err := AcquireClaim(cfg.LockPath)
		if err != nil {
			return nil, err
		}
		s.claim = c
	}
	return s, nil
}

func (s *Simulator) Name() string { return "dpu-sim" }

func (s *Simulator) Stats() SimulatorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Execute runs one node program to completion.
func (s *Simulator) Execute(job Job) error {
	// The hardware has one command queue; overlapping launches corrupt it.
	if !s.busy.CompareAndSwap(false, true) {
		s.markFault()
		return fmt.Errorf("%w: concurrent launch on node %q", ErrFault, job.Node)
	}
	defer s.busy.Store(false)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.dirty {
		s.mu.Unlock()
		return ErrNeedsReset
	}
	s.stats.Jobs++
	fault := s.cfg.Fault
	s.mu.Unlock()

	if fault != nil {
		if err := fault(job); err != nil {
			s.markFault()
			return fmt.Errorf("%w: node %q: %v", ErrFault, job.Node, err)
		}
	}
	if err := execute(job); err != nil {
		s.markFault()
		return err
	}
	return nil
}

func (s *Simulator) markFault() {
	s.mu.Lock()
	s.dirty = true
	s.stats.Faults++
	s.mu.Unlock()
}

// Reset clears a faulted device.
func (s *Simulator) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dirty = false
	s.stats.Resets++
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if s.claim != nil {
		err := s.claim.Release()
		s.claim = nil
		return err
	}
	return nil
}

func execute(job Job) error {
	prog, err := DecodeProgram(job.Code)
	if err != nil {
		return fmt.Errorf("node %q: %w", job.Node, err)
	}
	if len(job.Inputs) == 0 || len(job.Outputs) == 0 {
		return fmt.Errorf("%w: node %q has no tensors", ErrFault, job.Node)
	}
	for _, b := range append(append([]Buffer(nil), job.Inputs...), job.Outputs...) {
		if len(b.Data) != b.Shape.Elements() {
			return fmt.Errorf("%w: node %q buffer size %d does not match shape %+v", ErrFault, job.Node, len(b.Data), b.Shape)
		}
	}
	bias, err := decodeBias(job.Bias)
	if err != nil {
		return fmt.Errorf("node %q: %w", job.Node, err)
	}

	switch prog.Op {
	case OpCopy:
		err = runCopy(prog, job)
	case OpDense:
		err = runDense(prog, job, bias)
	case OpConv:
		err = runConv(prog, job, bias)
	case OpMaxPool:
		err = runMaxPool(prog, job)
	case OpAdd:
		err = runAdd(prog, job)
	}
	if err != nil {
		return fmt.Errorf("node %q (%s): %w", job.Node, prog.Op, err)
	}
	return nil
}

func decodeBias(raw []byte) ([]int32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: bias segment size %d not a multiple of 4", ErrFault, len(raw))
	}
	out := make([]int32, len(raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

func biasAt(bias []int32, i int) int64 {
	if len(bias) == 0 {
		return 0
	}
	return int64(bias[i])
}

func checkBias(bias []int32, n int) error {
	if len(bias) != 0 && len(bias) != n {
		return fmt.Errorf("%w: bias has %d entries, want %d", ErrFault, len(bias), n)
	}
	return nil
}

func runCopy(p Program, job Job) error {
	in, out := job.Inputs[0], job.Outputs[0]
	if len(in.Data) != len(out.Data) {
		return fmt.Errorf("%w: copy size mismatch %d -> %d", ErrFault, len(in.Data), len(out.Data))
	}
	for i, v := range in.Data {
		out.Data[i] = requantize(int64(v), p.Shift, p.ReLU)
	}
	return nil
}

func runAdd(p Program, job Job) error {
	if len(job.Inputs) < 2 {
		return fmt.Errorf("%w: add needs two inputs", ErrFault)
	}
	a, b, out := job.Inputs[0], job.Inputs[1], job.Outputs[0]
	if len(a.Data) != len(b.Data) || len(a.Data) != len(out.Data) {
		return fmt.Errorf("%w: add operand sizes differ", ErrFault)
	}
	for i := range out.Data {
		out.Data[i] = requantize(int64(a.Data[i])+int64(b.Data[i]), p.Shift, p.ReLU)
	}
	return nil
}

// runDense computes out[o] = sum_i in[i]*w[o][i] + bias[o] over the flattened input.
func runDense(p Program, job Job, bias []int32) error {
	in, out := job.Inputs[0], job.Outputs[0]
	n, m := len(in.Data), len(out.Data)
	if len(job.Weights) != n*m {
		return fmt.Errorf("%w: dense weights %d bytes, want %d", ErrFault, len(job.Weights), n*m)
	}
	if err := checkBias(bias, m); err != nil {
		return err
	}
	for o := 0; o < m; o++ {
		row := job.Weights[o*n : (o+1)*n]
		acc := biasAt(bias, o)
		for i, x := range in.Data {
			acc += int64(x) * int64(int8(row[i]))
		}
		out.Data[o] = requantize(acc, p.Shift, p.ReLU)
	}
	return nil
}

func outDim(in, k, stride, pad int) int {
	if stride <= 0 || k <= 0 {
		return -1
	}
	return (in+2*pad-k)/stride + 1
}

// runConv is a zero-padded HWC convolution with weights laid out [oc][kh][kw][ic].
func runConv(p Program, job Job, bias []int32) error {
	in, out := job.Inputs[0], job.Outputs[0]
	kh, kw, stride, pad := int(p.KernelH), int(p.KernelW), int(p.Stride), int(p.Pad)
	is, os := in.Shape, out.Shape
	if outDim(is.Height, kh, stride, pad) != os.Height || outDim(is.Width, kw, stride, pad) != os.Width {
		return fmt.Errorf("%w: conv output %dx%d inconsistent with input %dx%d k=%dx%d s=%d p=%d",
			ErrFault, os.Height, os.Width, is.Height, is.Width, kh, kw, stride, pad)
	}
	want := os.Channel * kh * kw * is.Channel
	if len(job.Weights) != want {
		return fmt.Errorf("%w: conv weights %d bytes, want %d", ErrFault, len(job.Weights), want)
	}
	if err := checkBias(bias, os.Channel); err != nil {
		return err
	}

	for oy := 0; oy < os.Height; oy++ {
		for ox := 0; ox < os.Width; ox++ {
			for oc := 0; oc < os.Channel; oc++ {
				acc := biasAt(bias, oc)
				for ky := 0; ky < kh; ky++ {
					iy := oy*stride + ky - pad
					if iy < 0 || iy >= is.Height {
						continue
					}
					for kx := 0; kx < kw; kx++ {
						ix := ox*stride + kx - pad
						if ix < 0 || ix >= is.Width {
							continue
						}
						inBase := (iy*is.Width + ix) * is.Channel
						wBase := ((oc*kh+ky)*kw + kx) * is.Channel
						for ic := 0; ic < is.Channel; ic++ {
							acc += int64(in.Data[inBase+ic]) * int64(int8(job.Weights[wBase+ic]))
						}
					}
				}
				out.Data[(oy*os.Width+ox)*os.Channel+oc] = requantize(acc, p.Shift, p.ReLU)
			}
		}
	}
	return nil
}

func runMaxPool(p Program, job Job) error {
	in, out := job.Inputs[0], job.Outputs[0]
	kh, kw, stride := int(p.KernelH), int(p.KernelW), int(p.Stride)
	is, os := in.Shape, out.Shape
	if is.Channel != os.Channel || outDim(is.Height, kh, stride, 0) != os.Height || outDim(is.Width, kw, stride, 0) != os.Width {
		return fmt.Errorf("%w: maxpool output %+v inconsistent with input %+v", ErrFault, os, is)
	}
	for oy := 0; oy < os.Height; oy++ {
		for ox := 0; ox < os.Width; ox++ {
			for c := 0; c < os.Channel; c++ {
				best := int8(-128)
				for ky := 0; ky < kh; ky++ {
					for kx := 0; kx < kw; kx++ {
						v := in.Data[((oy*stride+ky)*is.Width+ox*stride+kx)*is.Channel+c]
						if v > best {
							best = v
						}
					}
				}
				if p.ReLU && best < 0 {
					best = 0
				}
				out.Data[(oy*os.Width+ox)*os.Channel+c] = best
			}
		}
	}
	return nil
}

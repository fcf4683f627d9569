package dpu

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/cube/internal/accel"
	"github.com/samcharles93/cube/internal/logger"
)

// Mode selects task instrumentation. Modes combine bitwise.
type Mode uint32

const (
	ModeNormal  Mode = 0
	ModeProfile Mode = 1 << 0
	ModeDebug   Mode = 1 << 1
)

func (m Mode) String() string {
	if m == ModeNormal {
		return "normal"
	}
	var parts []string
	if m&ModeProfile != 0 {
		parts = append(parts, "profile")
	}
	if m&ModeDebug != 0 {
		parts = append(parts, "debug")
	}
	if rest := m &^ (ModeProfile | ModeDebug); rest != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

// Task is a private execution instance of a Kernel. A Task is not meant to
// be driven from several goroutines at once; overlapping calls are rejected
// with ResourceBusyError rather than serialized.
type Task struct {
	kernel *Kernel
	id     int
	log    logger.Logger
	mem    *region
	mode   atomic.Uint32

	// jobs are built once at creation; tensors never move.
	jobs    []accel.Job
	inputs  map[string][]*Tensor
	outputs map[string][]*Tensor

	mu        sync.Mutex
	inFlight  bool
	destroyed bool
	profile   runProfile
}

// CreateTask reserves private working memory for a new task of k.
func (k *Kernel) CreateTask(mode Mode) (*Task, error) {
	const op = "create task"
	if err := k.dev.checkOpen(op); err != nil {
		return nil, err
	}
	id, err := k.acquire()
	if err != nil {
		return nil, err
	}
	mem, err := k.dev.mem.reserve(k.name+"/task", k.workSize)
	if err != nil {
		k.release()
		return nil, wrapError(KindAllocation, op, err)
	}

	t := &Task{
		kernel:  k,
		id:      id,
		log:     k.log.With("task", id),
		mem:     mem,
		inputs:  make(map[string][]*Tensor, len(k.nodes)),
		outputs: make(map[string][]*Tensor, len(k.nodes)),
		profile: runProfile{},
	}
	t.mode.Store(uint32(mode))
	t.bind()
	t.log.Debug("task created", "mode", mode, "memory", mem.size, "address", mem.addr)
	return t, nil
}

// bind creates the tensor views and prebuilt jobs over the task memory.
func (t *Task) bind() {
	data := t.mem.int8s()
	view := func(n *node, dir Direction, idx int, s slot) *Tensor {
		return &Tensor{
			task:  t,
			node:  n.name,
			dir:   dir,
			index: idx,
			addr:  t.mem.addr + uint64(s.offset),
			data:  data[s.offset : s.offset+s.shape.Elements() : s.offset+s.shape.Elements()],
			shape: s.shape,
			scale: s.scale,
		}
	}

	t.jobs = make([]accel.Job, len(t.kernel.nodes))
	for i, n := range t.kernel.nodes {
		job := accel.Job{Node: n.name, Code: n.code, Weights: n.weights, Bias: n.bias}
		for j, s := range n.inputs {
			tv := view(n, Input, j, s)
			t.inputs[n.name] = append(t.inputs[n.name], tv)
			job.Inputs = append(job.Inputs, accel.Buffer{Data: tv.data, Shape: s.shape})
		}
		for j, s := range n.outputs {
			tv := view(n, Output, j, s)
			t.outputs[n.name] = append(t.outputs[n.name], tv)
			job.Outputs = append(job.Outputs, accel.Buffer{Data: tv.data, Shape: s.shape})
		}
		t.jobs[i] = job
	}
}

// ID is the creation ordinal of the task within its kernel.
func (t *Task) ID() int { return t.id }

func (t *Task) Kernel() *Kernel { return t.kernel }

func (t *Task) Mode() Mode { return Mode(t.mode.Load()) }

// EnableDebug turns on raw node dumps for subsequent runs.
func (t *Task) EnableDebug() error { return t.enable(ModeDebug) }

// EnableProfile turns on timing collection for subsequent runs.
func (t *Task) EnableProfile() error { return t.enable(ModeProfile) }

func (t *Task) enable(m Mode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return newError(KindNotFound, "enable "+m.String(), "task destroyed")
	}
	t.mode.Or(uint32(m))
	return nil
}

// Run executes every node of the kernel on the accelerator and blocks until
// completion or fault. ctx bounds only the wait for the accelerator; a
// launched run is never abandoned.
func (t *Task) Run(ctx context.Context) error {
	const op = "run task"
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return newError(KindNotFound, op, "task destroyed")
	}
	if t.inFlight {
		t.mu.Unlock()
		return newError(KindResourceBusy, op, "task %d already running", t.id)
	}
	t.inFlight = true
	t.mu.Unlock()

	mode := t.Mode()
	var after func(int)
	if mode&ModeDebug != 0 {
		after = t.dumpNode
	}
	prof, err := t.kernel.dev.disp.dispatch(ctx, t.jobs, after)

	t.mu.Lock()
	t.inFlight = false
	if err == nil && mode&ModeProfile != 0 {
		t.profile = prof
	} else {
		t.profile = runProfile{}
	}
	t.mu.Unlock()

	if err != nil {
		t.log.Warn("task run failed", "error", err)
		return err
	}
	if mode&ModeProfile != 0 {
		t.log.Debug("task run", "elapsed", prof.total)
	}
	return nil
}

// Destroy releases the task's working memory and its kernel reference.
func (t *Task) Destroy() error {
	const op = "destroy task"
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return newError(KindNotFound, op, "task %d already destroyed", t.id)
	}
	if t.inFlight {
		return newError(KindResourceBusy, op, "task %d is running", t.id)
	}
	t.destroyed = true
	t.kernel.dev.mem.release(t.mem)
	t.jobs = nil
	t.kernel.release()
	t.log.Debug("task destroyed")
	return nil
}

// begin locks the task for a tensor access, failing if it is destroyed or
// running. The caller must unlock t.mu.
func (t *Task) begin(op string) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return newError(KindNotFound, op, "task destroyed")
	}
	if t.inFlight {
		t.mu.Unlock()
		return newError(KindResourceBusy, op, "task %d is running", t.id)
	}
	return nil
}

package dpu

import "github.com/samcharles93/cube/internal/accel"

// DefaultIndex selects the first tensor of a node.
const DefaultIndex = 0

type Direction int

const (
	Input Direction = iota
	Output
)

func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Layout is the element order of a caller buffer.
type Layout int

const (
	// LayoutHWC is height/width/channel, the native accelerator order.
	LayoutHWC Layout = iota
	// LayoutCHW is channel/height/width.
	LayoutCHW
)

func (l Layout) String() string {
	if l == LayoutCHW {
		return "chw"
	}
	return "hwc"
}

// Tensor is a view over part of a task's working memory. It is valid until
// the owning task is destroyed.
type Tensor struct {
	task  *Task
	node  string
	dir   Direction
	index int
	addr  uint64
	data  []int8
	shape accel.Shape
	scale float32
}

func (t *Tensor) Node() string { return t.node }

func (t *Tensor) Direction() Direction { return t.dir }

func (t *Tensor) Index() int { return t.index }

// Address is the accelerator address of the first element.
func (t *Tensor) Address() uint64 { return t.addr }

// Size is the tensor size in bytes, equal to its element count.
func (t *Tensor) Size() int { return len(t.data) }

func (t *Tensor) Height() int { return t.shape.Height }

func (t *Tensor) Width() int { return t.shape.Width }

func (t *Tensor) Channel() int { return t.shape.Channel }

func (t *Tensor) Shape() accel.Shape { return t.shape }

// Scale relates fixed-point contents to real values: real = fixed / Scale.
func (t *Tensor) Scale() float32 { return t.scale }

func (t *Task) tensorData(tv *Tensor) []int8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return nil
	}
	return tv.data
}

// Data returns the live fixed-point contents in HWC order, or nil once the
// owning task has been destroyed.
func (t *Tensor) Data() []int8 { return t.task.tensorData(t) }

// InputTensor returns input idx of node.
func (t *Task) InputTensor(node string, idx int) (*Tensor, error) {
	return t.tensor("get input tensor", t.inputs, node, idx)
}

// OutputTensor returns output idx of node.
func (t *Task) OutputTensor(node string, idx int) (*Tensor, error) {
	return t.tensor("get output tensor", t.outputs, node, idx)
}

// InputTensorCount returns the number of inputs of node.
func (t *Task) InputTensorCount(node string) (int, error) {
	return t.count("get input tensor count", t.inputs, node)
}

// OutputTensorCount returns the number of outputs of node.
func (t *Task) OutputTensorCount(node string) (int, error) {
	return t.count("get output tensor count", t.outputs, node)
}

func (t *Task) tensor(op string, set map[string][]*Tensor, node string, idx int) (*Tensor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return nil, newError(KindNotFound, op, "task destroyed")
	}
	list, ok := set[node]
	if !ok {
		return nil, newError(KindNotFound, op, "kernel %q has no node %q", t.kernel.name, node)
	}
	if idx < 0 || idx >= len(list) {
		return nil, newError(KindNotFound, op, "node %q has %d tensor(s), index %d out of range", node, len(list), idx)
	}
	return list[idx], nil
}

func (t *Task) count(op string, set map[string][]*Tensor, node string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return 0, newError(KindNotFound, op, "task destroyed")
	}
	list, ok := set[node]
	if !ok {
		return 0, newError(KindNotFound, op, "kernel %q has no node %q", t.kernel.name, node)
	}
	return len(list), nil
}

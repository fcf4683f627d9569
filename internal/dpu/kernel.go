package dpu

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samcharles93/cube/internal/accel"
	"github.com/samcharles93/cube/internal/logger"
	"github.com/samcharles93/cube/pkg/dkf"
)

// KernelExt is the file extension of kernel artifacts.
const KernelExt = ".dkf"

// tensorAlign is the placement granularity of tensors inside task memory.
const tensorAlign = dkf.TensorAlign

// TensorInfo describes one tensor slot of a node.
type TensorInfo struct {
	Height  int
	Width   int
	Channel int
	Scale   float32
	// Size is the byte size of the tensor.
	Size int
	// Source is the "node:index" output an input aliases, if any.
	Source string
}

// NodeInfo describes one node of a loaded kernel.
type NodeInfo struct {
	Name    string
	Inputs  []TensorInfo
	Outputs []TensorInfo
}

type slot struct {
	shape  accel.Shape
	scale  float32
	offset int
	source string
}

type node struct {
	name    string
	index   int
	code    []byte
	weights []byte
	bias    []byte
	inputs  []slot
	outputs []slot
}

// Kernel is a loaded, shareable model. Its node table and segments never
// change after load.
type Kernel struct {
	dev  *Device
	log  logger.Logger
	name string
	path string

	nodes  []*node
	byName map[string]*node

	code, weights, bias *region
	workSize            int

	mu        sync.Mutex
	mean      [3]int
	sealed    bool
	tasks     int
	nextID    int
	destroyed bool
}

// LoadKernel reads the named artifact, validates it and copies its code,
// weight and bias segments into accelerator memory.
//
// name is resolved as <KernelsDir>/<name>.dkf unless it already looks like a
// path.
func (d *Device) LoadKernel(name string) (*Kernel, error) {
	const op = "load kernel"
	if err := d.checkOpen(op); err != nil {
		return nil, err
	}
	path, err := d.resolveKernelPath(name)
	if err != nil {
		return nil, wrapError(KindArtifact, op, err)
	}

	df, err := dkf.Open(path)
	if err != nil {
		return nil, wrapError(KindArtifact, op, fmt.Errorf("%s: %w", path, err))
	}
	defer func() { _ = df.Close() }()

	info, err := df.KernelInfo()
	if err != nil {
		return nil, wrapError(KindArtifact, op, fmt.Errorf("%s: %w", path, err))
	}

	k := &Kernel{
		dev:    d,
		name:   info.Name,
		path:   path,
		mean:   info.Mean,
		byName: make(map[string]*node, len(info.Nodes)),
	}
	k.log = d.log.With("kernel", k.name)

	if err := k.reserveSegments(df); err != nil {
		return nil, err
	}
	k.buildNodes(info)

	if err := d.register(k); err != nil {
		k.releaseSegments()
		return nil, err
	}
	k.log.Info("kernel loaded",
		"path", path,
		"nodes", len(k.nodes),
		"code", len(k.code.buf),
		"weights", len(k.weights.buf),
		"bias", len(k.bias.buf),
		"task_memory", k.workSize,
	)
	return k, nil
}

func (d *Device) resolveKernelPath(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("empty kernel name")
	}
	if strings.HasSuffix(name, KernelExt) || strings.ContainsRune(name, os.PathSeparator) {
		return filepath.Clean(name), nil
	}
	return filepath.Join(d.cfg.KernelsDir, name+KernelExt), nil
}

func (k *Kernel) reserveSegments(df *dkf.File) error {
	const op = "load kernel"
	segments := []struct {
		dst  **region
		typ  dkf.SectionType
		name string
	}{
		{&k.code, dkf.SectionCode, "code"},
		{&k.weights, dkf.SectionWeights, "weights"},
		{&k.bias, dkf.SectionBias, "bias"},
	}
	for _, s := range segments {
		data := df.SectionData(s.typ)
		r, err := k.dev.mem.reserve(k.name+"/"+s.name, len(data))
		if err != nil {
			k.releaseSegments()
			return wrapError(KindAllocation, op, err)
		}
		copy(r.buf, data)
		*s.dst = r
	}
	return nil
}

func (k *Kernel) releaseSegments() {
	for _, r := range []**region{&k.code, &k.weights, &k.bias} {
		if *r != nil {
			k.dev.mem.release(*r)
			*r = nil
		}
	}
}

// buildNodes lays out every node tensor inside a task's working memory.
// Aliased inputs share the offset of their source output.
func (k *Kernel) buildNodes(info *dkf.KernelInfo) {
	offset := 0
	place := func(t dkf.TensorInfo) slot {
		s := slot{
			shape: accel.Shape{Height: t.Height, Width: t.Width, Channel: t.Channel},
			scale: t.Scale,
		}
		s.offset = offset
		offset = alignUp(offset+s.shape.Elements(), tensorAlign)
		return s
	}

	for i, ni := range info.Nodes {
		n := &node{
			name:    ni.Name,
			index:   i,
			code:    k.code.buf[ni.Code.Offset:ni.Code.End()],
			weights: k.weights.buf[ni.Weights.Offset:ni.Weights.End()],
			bias:    k.bias.buf[ni.Bias.Offset:ni.Bias.End()],
		}
		for _, t := range ni.Inputs {
			if t.Source == "" {
				n.inputs = append(n.inputs, place(t))
				continue
			}
			// Validated by dkf: the source exists, precedes n and matches.
			srcNode, srcIdx, _ := dkf.ParseSource(t.Source)
			s := k.byName[srcNode].outputs[srcIdx]
			s.source = t.Source
			n.inputs = append(n.inputs, s)
		}
		for _, t := range ni.Outputs {
			n.outputs = append(n.outputs, place(t))
		}
		k.nodes = append(k.nodes, n)
		k.byName[n.name] = n
	}
	k.workSize = offset
}

func (k *Kernel) Name() string { return k.name }

// Path is the artifact the kernel was loaded from.
func (k *Kernel) Path() string { return k.path }

// WorkSize is the working memory each task of this kernel reserves.
func (k *Kernel) WorkSize() int { return k.workSize }

// Nodes describes the node table in execution order.
func (k *Kernel) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(k.nodes))
	for _, n := range k.nodes {
		ni := NodeInfo{Name: n.name}
		for _, s := range n.inputs {
			ni.Inputs = append(ni.Inputs, s.info())
		}
		for _, s := range n.outputs {
			ni.Outputs = append(ni.Outputs, s.info())
		}
		out = append(out, ni)
	}
	return out
}

func (s slot) info() TensorInfo {
	return TensorInfo{
		Height:  s.shape.Height,
		Width:   s.shape.Width,
		Channel: s.shape.Channel,
		Scale:   s.scale,
		Size:    s.shape.Elements(),
		Source:  s.source,
	}
}

// MeanValue returns the per-channel mean subtracted from FP32 inputs.
func (k *Kernel) MeanValue() [3]int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.mean
}

// SetMeanValue overrides the per-channel input mean. It must be called
// before any task of this kernel sets an input tensor.
func (k *Kernel) SetMeanValue(m1, m2, m3 int) error {
	const op = "set mean value"
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return newError(KindNotFound, op, "kernel %q destroyed", k.name)
	}
	if k.sealed {
		return newError(KindResourceBusy, op, "kernel %q inputs already set by a task", k.name)
	}
	k.mean = [3]int{m1, m2, m3}
	k.log.Debug("mean value set", "mean", k.mean)
	return nil
}

// sealMean freezes the mean values and returns them.
func (k *Kernel) sealMean() [3]int {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.sealed = true
	return k.mean
}

// TaskCount returns the number of live tasks referencing k.
func (k *Kernel) TaskCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.tasks
}

// Destroy releases the kernel's accelerator memory. It fails while any task
// created from the kernel is still alive.
func (k *Kernel) Destroy() error {
	const op = "destroy kernel"
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return newError(KindNotFound, op, "kernel %q already destroyed", k.name)
	}
	if k.tasks > 0 {
		return newError(KindResourceBusy, op, "kernel %q referenced by %d task(s)", k.name, k.tasks)
	}
	k.destroyed = true
	k.releaseSegments()
	k.dev.unregister(k)
	k.log.Info("kernel destroyed")
	return nil
}

// acquire registers a new task and returns its creation ordinal.
func (k *Kernel) acquire() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.destroyed {
		return 0, newError(KindNotFound, "create task", "kernel %q destroyed", k.name)
	}
	id := k.nextID
	k.nextID++
	k.tasks++
	return id, nil
}

func (k *Kernel) release() {
	k.mu.Lock()
	k.tasks--
	k.mu.Unlock()
}

func (k *Kernel) lookup(name string) (*node, bool) {
	n, ok := k.byName[name]
	return n, ok
}

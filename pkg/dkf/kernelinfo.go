package dkf

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// KernelInfoVersion is the version recorded for the kernel info section.
const KernelInfoVersion uint32 = 1

const (
	// TensorAlign is the placement granularity of tensors in task memory.
	TensorAlign = 8
	// MaxTensorElements bounds the element count of a single tensor.
	MaxTensorElements = math.MaxInt32
	// MaxWorkSize bounds the task working memory of a kernel.
	MaxWorkSize = math.MaxInt32
)

// KernelInfo is the node table of a compiled kernel. Segment offsets are
// relative to the start of the corresponding section.
type KernelInfo struct {
	Name  string     `json:"name"`
	Mean  [3]int     `json:"mean"`
	Nodes []NodeInfo `json:"nodes"`
}

type NodeInfo struct {
	Name    string       `json:"name"`
	Code    Segment      `json:"code"`
	Weights Segment      `json:"weights"`
	Bias    Segment      `json:"bias"`
	Inputs  []TensorInfo `json:"inputs"`
	Outputs []TensorInfo `json:"outputs"`
}

type Segment struct {
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

func (s Segment) End() uint64 { return s.Offset + s.Size }

// TensorInfo describes one tensor slot in native height/width/channel order.
// Source, when set on an input, names the output it aliases as "node:index".
type TensorInfo struct {
	Height  int     `json:"height"`
	Width   int     `json:"width"`
	Channel int     `json:"channel"`
	Scale   float32 `json:"scale"`
	Source  string  `json:"source,omitempty"`
}

// Elements returns height*width*channel.
func (t TensorInfo) Elements() int {
	return t.Height * t.Width * t.Channel
}

// SegmentSizes carries the payload sizes a KernelInfo is validated against.
type SegmentSizes struct {
	Code    uint64
	Weights uint64
	Bias    uint64
}

func EncodeKernelInfo(ki *KernelInfo) ([]byte, error) {
	if ki == nil {
		return nil, fmt.Errorf("%w: nil kernel info", ErrInvalidKernel)
	}
	return json.Marshal(ki)
}

func ParseKernelInfo(data []byte) (*KernelInfo, error) {
	var ki KernelInfo
	if err := json.Unmarshal(data, &ki); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKernel, err)
	}
	return &ki, nil
}

// ParseSource splits a "node:index" reference.
func ParseSource(ref string) (string, int, error) {
	node, idxStr, ok := strings.Cut(ref, ":")
	if !ok || node == "" {
		return "", 0, fmt.Errorf("%w: malformed source %q", ErrInvalidKernel, ref)
	}
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		return "", 0, fmt.Errorf("%w: malformed source index %q", ErrInvalidKernel, ref)
	}
	return node, idx, nil
}

// Validate checks the node graph and every embedded shape, scale and segment.
func (ki *KernelInfo) Validate(sizes SegmentSizes) error {
	if strings.TrimSpace(ki.Name) == "" {
		return fmt.Errorf("%w: empty kernel name", ErrInvalidKernel)
	}
	if err := checkName(ki.Name); err != nil {
		return fmt.Errorf("%w: kernel name %q %v", ErrInvalidKernel, ki.Name, err)
	}
	if len(ki.Nodes) == 0 {
		return fmt.Errorf("%w: kernel %q has no nodes", ErrInvalidKernel, ki.Name)
	}

	var work int64
	place := func(t TensorInfo) error {
		work += alignUp(int64(t.Elements()), TensorAlign)
		if work > MaxWorkSize {
			return fmt.Errorf("%w: kernel %q task memory exceeds %d bytes", ErrInvalidKernel, ki.Name, int64(MaxWorkSize))
		}
		return nil
	}

	seen := make(map[string]int, len(ki.Nodes))
	for i := range ki.Nodes {
		n := &ki.Nodes[i]
		if n.Name == "" {
			return fmt.Errorf("%w: node %d has no name", ErrInvalidKernel, i)
		}
		if err := checkName(n.Name); err != nil {
			return fmt.Errorf("%w: node name %q %v", ErrInvalidKernel, n.Name, err)
		}
		if strings.ContainsRune(n.Name, ':') {
			return fmt.Errorf("%w: node name %q contains ':'", ErrInvalidKernel, n.Name)
		}
		if _, dup := seen[n.Name]; dup {
			return fmt.Errorf("%w: duplicate node %q", ErrInvalidKernel, n.Name)
		}
		if n.Code.Size == 0 {
			return fmt.Errorf("%w: node %q has no code", ErrInvalidKernel, n.Name)
		}
		if err := checkSegment(n.Name, "code", n.Code, sizes.Code); err != nil {
			return err
		}
		if err := checkSegment(n.Name, "weights", n.Weights, sizes.Weights); err != nil {
			return err
		}
		if err := checkSegment(n.Name, "bias", n.Bias, sizes.Bias); err != nil {
			return err
		}
		if len(n.Inputs) == 0 || len(n.Outputs) == 0 {
			return fmt.Errorf("%w: node %q needs at least one input and one output", ErrInvalidKernel, n.Name)
		}
		for j, t := range n.Inputs {
			if err := checkTensor(n.Name, "input", j, t); err != nil {
				return err
			}
			if t.Source == "" {
				if err := place(t); err != nil {
					return err
				}
				continue
			}
			srcNode, srcIdx, err := ParseSource(t.Source)
			if err != nil {
				return err
			}
			pos, ok := seen[srcNode]
			if !ok {
				return fmt.Errorf("%w: node %q input %d: source node %q must precede it", ErrInvalidKernel, n.Name, j, srcNode)
			}
			outs := ki.Nodes[pos].Outputs
			if srcIdx >= len(outs) {
				return fmt.Errorf("%w: node %q input %d: source index %d out of range", ErrInvalidKernel, n.Name, j, srcIdx)
			}
			src := outs[srcIdx]
			if src.Height != t.Height || src.Width != t.Width || src.Channel != t.Channel || src.Scale != t.Scale {
				return fmt.Errorf("%w: node %q input %d does not match source %q", ErrInvalidKernel, n.Name, j, t.Source)
			}
		}
		for j, t := range n.Outputs {
			if err := checkTensor(n.Name, "output", j, t); err != nil {
				return err
			}
			if t.Source != "" {
				return fmt.Errorf("%w: node %q output %d cannot alias", ErrInvalidKernel, n.Name, j)
			}
			if err := place(t); err != nil {
				return err
			}
		}
		seen[n.Name] = i
	}
	return nil
}

func checkSegment(node, what string, s Segment, limit uint64) error {
	end := s.End()
	if end < s.Offset || end > limit {
		return fmt.Errorf("%w: node %q %s segment [%d,%d) exceeds section size %d", ErrInvalidKernel, node, what, s.Offset, end, limit)
	}
	return nil
}

// checkName rejects names that cannot be used as a single path element.
func checkName(name string) error {
	if name == "." || name == ".." {
		return errors.New("is reserved")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return errors.New("contains a path separator or NUL")
	}
	return nil
}

func checkTensor(node, dir string, idx int, t TensorInfo) error {
	if t.Height <= 0 || t.Width <= 0 || t.Channel <= 0 {
		return fmt.Errorf("%w: node %q %s %d has non-positive shape %dx%dx%d", ErrInvalidKernel, node, dir, idx, t.Height, t.Width, t.Channel)
	}
	elems := int64(1)
	for _, d := range []int{t.Height, t.Width, t.Channel} {
		if int64(d) > MaxTensorElements || elems*int64(d) > MaxTensorElements {
			return fmt.Errorf("%w: node %q %s %d shape %dx%dx%d exceeds %d elements", ErrInvalidKernel, node, dir, idx, t.Height, t.Width, t.Channel, int64(MaxTensorElements))
		}
		elems *= int64(d)
	}
	s := float64(t.Scale)
	if !(s > 0) || math.IsInf(s, 0) {
		return fmt.Errorf("%w: node %q %s %d has invalid scale %v", ErrInvalidKernel, node, dir, idx, t.Scale)
	}
	return nil
}

func alignUp(n, a int64) int64 {
	return (n + a - 1) / a * a
}

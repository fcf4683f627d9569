// Package accel defines the contract between the runtime and a DPU, plus a
// pure-Go reference implementation of the fixed-function instruction set.
package accel

import "errors"

var (
	// ErrFault reports an abnormal completion of a node program.
	ErrFault = errors.New("accel: execution fault")
	// ErrNeedsReset is returned when a job is launched on a faulted device.
	ErrNeedsReset = errors.New("accel: device requires reset")
	// ErrDeviceBusy is returned when another holder owns the device.
	ErrDeviceBusy = errors.New("accel: device claimed by another holder")
	// ErrClosed is returned by operations on a closed accelerator.
	ErrClosed = errors.New("accel: device closed")
)

// Shape is a tensor shape in native height/width/channel order.
type Shape struct {
	Height  int
	Width   int
	Channel int
}

func (s Shape) Elements() int {
	return s.Height * s.Width * s.Channel
}

// Buffer is an int8 view over task working memory.
type Buffer struct {
	Data  []int8
	Shape Shape
}

// Job is one node program launch.
type Job struct {
	Node    string
	Code    []byte
	Weights []byte
	Bias    []byte
	Inputs  []Buffer
	Outputs []Buffer
}

// Accelerator executes node programs. Implementations are not required to be
// safe for concurrent use; callers serialize access.
type Accelerator interface {
	Name() string
	Execute(job Job) error
	Reset() error
	Close() error
}

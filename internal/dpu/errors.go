package dpu

import (
	"errors"
	"fmt"
)

// Kind classifies runtime failures. Every Kind maps to a stable negative
// status code.
type Kind int

const (
	KindUnknown Kind = iota
	KindArtifact
	KindAllocation
	KindResourceBusy
	KindSizeMismatch
	KindNotFound
	KindExecution
	KindDevice
)

// Status codes returned by Code. 0 is success.
const (
	CodeSuccess      = 0
	CodeArtifact     = -1
	CodeAllocation   = -2
	CodeResourceBusy = -3
	CodeSizeMismatch = -4
	CodeNotFound     = -5
	CodeExecution    = -6
	CodeDevice       = -7
	CodeUnknown      = -99
)

var kindInfo = map[Kind]struct {
	name string
	code int
	msg  string
}{
	KindArtifact:     {"ArtifactError", CodeArtifact, "malformed kernel artifact"},
	KindAllocation:   {"AllocationError", CodeAllocation, "accelerator memory exhausted"},
	KindResourceBusy: {"ResourceBusyError", CodeResourceBusy, "resource is in use"},
	KindSizeMismatch: {"SizeMismatchError", CodeSizeMismatch, "buffer size does not match tensor size"},
	KindNotFound:     {"NotFoundError", CodeNotFound, "node, tensor or handle not found"},
	KindExecution:    {"ExecutionError", CodeExecution, "accelerator fault during execution"},
	KindDevice:       {"DeviceError", CodeDevice, "accelerator device unavailable"},
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return "UnknownError"
}

// Code returns the status code for k.
func (k Kind) Code() int {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return CodeUnknown
}

// Error is the error type returned by every runtime operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrArtifact     = &Error{Kind: KindArtifact}
	ErrAllocation   = &Error{Kind: KindAllocation}
	ErrResourceBusy = &Error{Kind: KindResourceBusy}
	ErrSizeMismatch = &Error{Kind: KindSizeMismatch}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrExecution    = &Error{Kind: KindExecution}
	ErrDevice       = &Error{Kind: KindDevice}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func wrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf reports the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Code maps err to a status code: 0 for nil, a negative code otherwise.
func Code(err error) int {
	if err == nil {
		return CodeSuccess
	}
	return KindOf(err).Code()
}

// ExceptionMessage returns a human-readable description of a status code.
func ExceptionMessage(code int) string {
	if code == CodeSuccess {
		return "success"
	}
	for _, info := range kindInfo {
		if info.code == code {
			return info.msg
		}
	}
	return fmt.Sprintf("unknown error code %d", code)
}

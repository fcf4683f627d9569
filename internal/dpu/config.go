package dpu

import (
	"fmt"
	"os"
	"strings"

	"github.com/samcharles93/cube/internal/logger"
)

// ExceptionMode selects how a caller boundary reacts to runtime errors.
type ExceptionMode int

const (
	// PrintAndExit logs the diagnostic and terminates the process.
	PrintAndExit ExceptionMode = iota
	// ReturnErrCode hands every error back to the caller.
	ReturnErrCode
)

func (m ExceptionMode) String() string {
	switch m {
	case PrintAndExit:
		return "print_and_exit"
	case ReturnErrCode:
		return "ret_err_code"
	default:
		return fmt.Sprintf("exception_mode(%d)", int(m))
	}
}

func ParseExceptionMode(s string) (ExceptionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "print_and_exit", "print-and-exit", "exit":
		return PrintAndExit, nil
	case "ret_err_code", "ret-err-code", "return_status", "return-status", "return", "error":
		return ReturnErrCode, nil
	default:
		return 0, fmt.Errorf("unknown exception mode %q (expected print_and_exit or ret_err_code)", s)
	}
}

// DefaultMemoryCapacity is the accelerator-addressable memory reserved when
// Config.MemoryCapacity is zero.
const DefaultMemoryCapacity = 64 << 20

// Config is read once when the device is opened.
type Config struct {
	// KernelsDir is searched for <name>.dkf by LoadKernel.
	KernelsDir string
	// MemoryCapacity bounds code, weight, bias and task working memory.
	MemoryCapacity int
	// BaseAddress is the accelerator address of the first byte of memory.
	BaseAddress uint64
	// LockPath is the device claim file used by OpenReference.
	LockPath string
	// DumpDir receives raw node dumps from tasks in debug mode.
	DumpDir string
	// ExceptionMode is the default policy applied by Policy.
	ExceptionMode ExceptionMode
	Logger        logger.Logger
}

func (c Config) withDefaults() Config {
	if c.MemoryCapacity <= 0 {
		c.MemoryCapacity = DefaultMemoryCapacity
	}
	if c.BaseAddress == 0 {
		c.BaseAddress = 0x4000_0000
	}
	if c.Logger == nil {
		c.Logger = logger.Default()
	}
	return c
}

// Policy applies an ExceptionMode at a caller boundary.
type Policy struct {
	Mode ExceptionMode
	Log  logger.Logger
	Exit func(code int)
}

// Policy returns the policy for the configured exception mode.
func (c Config) Policy() Policy {
	c = c.withDefaults()
	return Policy{Mode: c.ExceptionMode, Log: c.Logger, Exit: os.Exit}
}

// Check returns err unchanged under ReturnErrCode. Under PrintAndExit a
// non-nil err is logged and the process exits with status 1.
func (p Policy) Check(err error) error {
	if err == nil || p.Mode == ReturnErrCode {
		return err
	}
	log := p.Log
	if log == nil {
		log = logger.Default()
	}
	code := Code(err)
	log.Error("fatal runtime error", "code", code, "message", ExceptionMessage(code), "error", err)
	exit := p.Exit
	if exit == nil {
		exit = os.Exit
	}
	exit(1)
	return err
}

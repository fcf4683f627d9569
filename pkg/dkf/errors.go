package dkf

import "errors"

var (
	ErrInvalidMagic     = errors.New("invalid DKF magic")
	ErrUnsupportedMajor = errors.New("unsupported DKF major version")
	ErrCorruptFile      = errors.New("corrupt DKF file")
	ErrInvalidKernel    = errors.New("invalid DKF kernel info")
)

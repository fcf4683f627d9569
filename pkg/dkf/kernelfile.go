package dkf

import (
	"fmt"
	"os"
)

// Payload is everything needed to emit a complete kernel file.
type Payload struct {
	Info    *KernelInfo
	Code    []byte
	Weights []byte
	Bias    []byte
}

// WriteKernelFile validates p and writes it to path as a DKF container.
func WriteKernelFile(path string, p Payload) (err error) {
	if p.Info == nil {
		return fmt.Errorf("%w: nil kernel info", ErrInvalidKernel)
	}
	sizes := SegmentSizes{
		Code:    uint64(len(p.Code)),
		Weights: uint64(len(p.Weights)),
		Bias:    uint64(len(p.Bias)),
	}
	if err := p.Info.Validate(sizes); err != nil {
		return err
	}
	info, err := EncodeKernelInfo(p.Info)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	w, err := NewWriter(f)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionKernelInfo, KernelInfoVersion, info); err != nil {
		return fmt.Errorf("write kernel info: %w", err)
	}
	if err := w.WriteSection(SectionCode, 1, p.Code); err != nil {
		return fmt.Errorf("write code: %w", err)
	}
	if err := w.WriteSection(SectionWeights, 1, p.Weights); err != nil {
		return fmt.Errorf("write weights: %w", err)
	}
	if err := w.WriteSection(SectionBias, 1, p.Bias); err != nil {
		return fmt.Errorf("write bias: %w", err)
	}
	return w.Finalise()
}

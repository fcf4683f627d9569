package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/cube/internal/dpu"
	"github.com/samcharles93/cube/internal/logger"
)

// InferenceService runs single-shot inferences against cached kernels. Each
// call creates its own task and destroys it before returning.
type InferenceService struct {
	provider KernelProvider
	log      logger.Logger
	clock    func() time.Time
}

func NewInferenceService(provider KernelProvider, log logger.Logger) *InferenceService {
	if log == nil {
		log = logger.Default()
	}
	return &InferenceService{
		provider: provider,
		log:      log.With("component", "api"),
		clock:    time.Now,
	}
}

func parseLayout(s string) (dpu.Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hwc":
		return dpu.LayoutHWC, nil
	case "chw":
		return dpu.LayoutCHW, nil
	default:
		return 0, newInvalidRequest(fmt.Sprintf("layout must be chw or hwc, got %q", s))
	}
}

func (s *InferenceService) Infer(ctx context.Context, kernel string, req *InferRequest) (*InferResponse, error) {
	if strings.TrimSpace(req.InputNode) == "" {
		return nil, newInvalidRequest("input_node is required")
	}
	if strings.TrimSpace(req.OutputNode) == "" {
		return nil, newInvalidRequest("output_node is required")
	}
	layout, err := parseLayout(req.Layout)
	if err != nil {
		return nil, err
	}

	var resp *InferResponse
	err = s.provider.WithKernel(ctx, kernel, func(k *dpu.Kernel) error {
		mode := dpu.ModeNormal
		if req.Profile {
			mode |= dpu.ModeProfile
		}
		task, err := k.CreateTask(mode)
		if err != nil {
			return err
		}
		defer func() {
			if err := task.Destroy(); err != nil {
				s.log.Warn("destroy task failed", "kernel", k.Name(), "error", err)
			}
		}()

		if err := task.SetInputFP32(req.InputNode, req.InputIndex, layout, req.Input); err != nil {
			return err
		}
		if err := task.Run(ctx); err != nil {
			return err
		}
		out, err := task.OutputTensor(req.OutputNode, req.OutputIndex)
		if err != nil {
			return err
		}
		output := make([]float32, out.Size())
		if err := task.GetOutputFP32(req.OutputNode, req.OutputIndex, layout, output); err != nil {
			return err
		}

		resp = &InferResponse{
			ID:         newInferenceID(),
			Object:     "inference",
			CreatedAt:  s.clock().Unix(),
			Kernel:     k.Name(),
			OutputNode: req.OutputNode,
			Layout:     layout.String(),
			Output:     output,
		}
		if req.Softmax {
			fixed := make([]int8, out.Size())
			if err := task.GetOutputInt8(req.OutputNode, req.OutputIndex, layout, fixed); err != nil {
				return err
			}
			probs := make([]float32, out.Size())
			if err := dpu.RunSoftmax(fixed, probs, out.Size(), 1, out.Scale()); err != nil {
				return err
			}
			resp.Probabilities = probs
		}
		if req.Profile {
			resp.Profile = profileResponse(task, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug("inference complete", "kernel", resp.Kernel, "id", resp.ID)
	return resp, nil
}

func profileResponse(task *dpu.Task, k *dpu.Kernel) *ProfileResponse {
	p := &ProfileResponse{
		TotalMicros: task.Profile().Microseconds(),
		Nodes:       make(map[string]int64),
	}
	for _, n := range k.Nodes() {
		d, err := task.NodeProfile(n.Name)
		if err != nil || d == dpu.NoProfile {
			continue
		}
		p.Nodes[n.Name] = d.Microseconds()
	}
	return p
}

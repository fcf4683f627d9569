package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/cube/internal/dpu"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", 0)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", 0)
}

// writeRuntimeError reports err with the status for its kind and the
// runtime status code.
func writeRuntimeError(c *echo.Context, err error) error {
	status, errType := statusFor(err)
	return writeError(c, status, errType, err.Error(), "", dpu.Code(err))
}

func writeError(c *echo.Context, status int, errType, msg, param string, code int) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func newInferenceID() string {
	return "infer_" + uuid.NewString()
}

func kernelResponse(k *dpu.Kernel) KernelResponse {
	mean := k.MeanValue()
	resp := KernelResponse{
		Object:     "kernel",
		Name:       k.Name(),
		Loaded:     true,
		Mean:       mean[:],
		Tasks:      k.TaskCount(),
		TaskMemory: k.WorkSize(),
	}
	for _, n := range k.Nodes() {
		nr := NodeResponse{Name: n.Name}
		for _, t := range n.Inputs {
			nr.Inputs = append(nr.Inputs, tensorResponse(t))
		}
		for _, t := range n.Outputs {
			nr.Outputs = append(nr.Outputs, tensorResponse(t))
		}
		resp.Nodes = append(resp.Nodes, nr)
	}
	return resp
}

func tensorResponse(t dpu.TensorInfo) TensorResponse {
	return TensorResponse{
		Height:  t.Height,
		Width:   t.Width,
		Channel: t.Channel,
		Scale:   t.Scale,
		Size:    t.Size,
		Source:  t.Source,
	}
}

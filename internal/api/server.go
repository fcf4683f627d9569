package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/cube/internal/dpu"
)

type Server struct {
	dev      *dpu.Device
	provider KernelProvider
	service  *InferenceService
	store    *ResultStore
}

func NewServer(dev *dpu.Device, provider KernelProvider, service *InferenceService, store *ResultStore) *Server {
	if store == nil {
		store = NewResultStore(0)
	}
	return &Server{
		dev:      dev,
		provider: provider,
		service:  service,
		store:    store,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/device", s.handleDevice)

	e.GET("/v1/kernels", s.handleListKernels)
	e.GET("/v1/kernels/:name", s.handleGetKernel)
	e.POST("/v1/kernels/:name/infer", s.handleInfer)

	e.GET("/v1/inferences/:id", s.handleGetInference)
	e.DELETE("/v1/inferences/:id", s.handleDeleteInference)
}

func (s *Server) handleDevice(c *echo.Context) error {
	if s.dev == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "device not configured", "", dpu.CodeDevice)
	}
	st := s.dev.Stats()
	return c.JSON(http.StatusOK, DeviceResponse{
		Object:         "device",
		Accelerator:    st.Accelerator,
		Kernels:        st.Kernels,
		MemoryUsed:     st.MemoryUsed,
		MemoryCapacity: st.MemoryCapacity,
		Launches:       st.Launches,
		Faults:         st.Faults,
		Resets:         st.Resets,
	})
}

func (s *Server) handleListKernels(c *echo.Context) error {
	names, err := s.provider.ListKernels()
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", 0)
	}
	list := KernelListResponse{Object: "list", Data: make([]KernelResponse, 0, len(names))}
	for _, name := range names {
		if k, ok := s.provider.Loaded(name); ok {
			list.Data = append(list.Data, kernelResponse(k))
			continue
		}
		list.Data = append(list.Data, KernelResponse{Object: "kernel", Name: name})
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetKernel(c *echo.Context) error {
	var resp KernelResponse
	err := s.provider.WithKernel(c.Request().Context(), c.Param("name"), func(k *dpu.Kernel) error {
		resp = kernelResponse(k)
		return nil
	})
	if err != nil {
		return writeRuntimeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleInfer(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "inference service not configured", "", 0)
	}
	req, err := decodeJSON[InferRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	resp, err := s.service.Infer(c.Request().Context(), c.Param("name"), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeRuntimeError(c, err)
	}
	s.store.Save(*resp)
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetInference(c *echo.Context) error {
	resp, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "inference not found")
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteInference(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "inference not found")
	}
	return c.JSON(http.StatusOK, map[string]any{
		"id":      id,
		"object":  "inference.deleted",
		"deleted": true,
	})
}

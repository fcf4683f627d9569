package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samcharles93/cube/internal/dpu"
)

type KernelProvider interface {
	// ListKernels returns the names of every kernel that can be served.
	ListKernels() ([]string, error)
	// Loaded reports the kernel if it is already cached.
	Loaded(name string) (*dpu.Kernel, bool)
	WithKernel(ctx context.Context, name string, fn func(k *dpu.Kernel) error) error
}

// CachedKernelProvider loads kernels from the device's kernels directory on
// first use and keeps them loaded until Close.
type CachedKernelProvider struct {
	dev   *dpu.Device
	mu    sync.Mutex
	cache map[string]*dpu.Kernel
}

func NewCachedKernelProvider(dev *dpu.Device) *CachedKernelProvider {
	return &CachedKernelProvider{
		dev:   dev,
		cache: make(map[string]*dpu.Kernel),
	}
}

func (p *CachedKernelProvider) WithKernel(ctx context.Context, name string, fn func(k *dpu.Kernel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := p.getOrLoad(name)
	if err != nil {
		return err
	}
	return fn(k)
}

func (p *CachedKernelProvider) Loaded(name string) (*dpu.Kernel, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.cache[name]
	return k, ok
}

func (p *CachedKernelProvider) getOrLoad(name string) (*dpu.Kernel, error) {
	if err := validKernelName(name); err != nil {
		return nil, err
	}
	name = strings.TrimSuffix(strings.TrimSpace(name), dpu.KernelExt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if k, ok := p.cache[name]; ok {
		return k, nil
	}
	// Loads happen under p.mu so a kernel is loaded at most once.
	k, err := p.dev.LoadKernel(name)
	if err != nil {
		return nil, err
	}
	p.cache[name] = k
	return k, nil
}

// ListKernels merges the artifacts in the kernels directory with the kernels
// already loaded.
func (p *CachedKernelProvider) ListKernels() ([]string, error) {
	seen := make(map[string]struct{})
	p.mu.Lock()
	for name := range p.cache {
		seen[name] = struct{}{}
	}
	p.mu.Unlock()

	if dir := strings.TrimSpace(p.dev.Config().KernelsDir); dir != "" {
		names, err := discoverKernels(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, n := range names {
			seen[n] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Close destroys every cached kernel. Kernels still referenced by a task
// are reported and left loaded.
func (p *CachedKernelProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for name, k := range p.cache {
		if err := k.Destroy(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("unload %s: %w", name, err)
			}
			continue
		}
		delete(p.cache, name)
	}
	return firstErr
}

// validKernelName rejects names that would escape the kernels directory.
func validKernelName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return newInvalidRequest("kernel name is required")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return newInvalidRequest(fmt.Sprintf("invalid kernel name %q", name))
	}
	return nil
}

func discoverKernels(dir string) ([]string, error) {
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("kernels path is not a directory: %s", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), dpu.KernelExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(name, filepath.Ext(name)))
	}
	return names, nil
}

package dpu

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// memAlign is the placement granularity of accelerator memory.
const memAlign = 64

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

// region is a reservation of accelerator-addressable memory.
type region struct {
	label  string
	addr   uint64
	offset int
	size   int
	buf    []byte
}

// bytes returns the backing storage.
func (r *region) bytes() []byte { return r.buf }

// int8s returns the backing storage reinterpreted as int8.
func (r *region) int8s() []int8 { return int8View(r.buf) }

func int8View(b []byte) []int8 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b[0])), len(b))
}

type span struct {
	offset int
	size   int
}

// memoryPool is a first-fit allocator over the accelerator address window.
// Free spans are kept sorted and coalesced on release.
type memoryPool struct {
	mu       sync.Mutex
	base     uint64
	capacity int
	used     int
	free     []span
}

func newMemoryPool(base uint64, capacity int) *memoryPool {
	return &memoryPool{
		base:     base,
		capacity: capacity,
		free:     []span{{offset: 0, size: capacity}},
	}
}

func (p *memoryPool) reserve(label string, size int) (*region, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative reservation %d for %s", size, label)
	}
	need := alignUp(max(size, 1), memAlign)

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, s := range p.free {
		if s.size < need {
			continue
		}
		if s.size == need {
			p.free = append(p.free[:i], p.free[i+1:]...)
		} else {
			p.free[i] = span{offset: s.offset + need, size: s.size - need}
		}
		p.used += need
		return &region{
			label:  label,
			addr:   p.base + uint64(s.offset),
			offset: s.offset,
			size:   need,
			buf:    make([]byte, size),
		}, nil
	}
	return nil, fmt.Errorf("cannot reserve %d bytes for %s: %d of %d bytes in use", need, label, p.used, p.capacity)
}

func (p *memoryPool) release(r *region) {
	if r == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.free = append(p.free, span{offset: r.offset, size: r.size})
	sort.Slice(p.free, func(i, j int) bool { return p.free[i].offset < p.free[j].offset })
	merged := p.free[:1]
	for _, s := range p.free[1:] {
		last := &merged[len(merged)-1]
		if last.offset+last.size == s.offset {
			last.size += s.size
			continue
		}
		merged = append(merged, s)
	}
	p.free = merged
	p.used -= r.size
	r.buf = nil
}

func (p *memoryPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

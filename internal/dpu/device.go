package dpu

import (
	"sync"
	"sync/atomic"

	"github.com/samcharles93/cube/internal/accel"
	"github.com/samcharles93/cube/internal/logger"
)

// deviceOpen is the process-wide claim on the accelerator.
var deviceOpen atomic.Bool

// Device is the opened accelerator together with its memory pool, dispatch
// gate and loaded kernels.
type Device struct {
	cfg  Config
	log  logger.Logger
	acc  accel.Accelerator
	mem  *memoryPool
	disp *dispatcher

	mu      sync.Mutex
	kernels map[*Kernel]struct{}
	closed  bool
}

// Stats is a point-in-time snapshot of device activity.
type Stats struct {
	Accelerator    string
	Kernels        int
	MemoryUsed     int
	MemoryCapacity int
	Launches       uint64
	Faults         uint64
	Resets         uint64
}

// Open claims the accelerator for this process. Opening twice without an
// intervening Close fails with a DeviceError.
func Open(cfg Config, acc accel.Accelerator) (*Device, error) {
	if acc == nil {
		return nil, newError(KindDevice, "open", "no accelerator present")
	}
	if !deviceOpen.CompareAndSwap(false, true) {
		return nil, newError(KindDevice, "open", "device already open in this process")
	}
	cfg = cfg.withDefaults()
	log := cfg.Logger.With("component", "dpu")
	d := &Device{
		cfg:     cfg,
		log:     log,
		acc:     acc,
		mem:     newMemoryPool(cfg.BaseAddress, cfg.MemoryCapacity),
		disp:    newDispatcher(acc, log),
		kernels: make(map[*Kernel]struct{}),
	}
	log.Info("device opened", "accelerator", acc.Name(), "memory", cfg.MemoryCapacity)
	return d, nil
}

// OpenReference opens the device backed by the software reference
// accelerator, claiming cfg.LockPath when set.
func OpenReference(cfg Config) (*Device, error) {
	sim, err := accel.OpenSimulator(accel.SimulatorConfig{LockPath: cfg.LockPath})
	if err != nil {
		return nil, wrapError(KindDevice, "open", err)
	}
	d, err := Open(cfg, sim)
	if err != nil {
		_ = sim.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the device. Kernels must be destroyed first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return newError(KindDevice, "close", "device not open")
	}
	if n := len(d.kernels); n > 0 {
		return newError(KindResourceBusy, "close", "%d kernel(s) still loaded", n)
	}
	d.closed = true
	err := d.acc.Close()
	deviceOpen.Store(false)
	d.log.Info("device closed")
	if err != nil {
		return wrapError(KindDevice, "close", err)
	}
	return nil
}

func (d *Device) Config() Config { return d.cfg }

func (d *Device) Stats() Stats {
	d.mu.Lock()
	kernels := len(d.kernels)
	d.mu.Unlock()
	launches, faults, resets := d.disp.counters()
	return Stats{
		Accelerator:    d.acc.Name(),
		Kernels:        kernels,
		MemoryUsed:     d.mem.inUse(),
		MemoryCapacity: d.mem.capacity,
		Launches:       launches,
		Faults:         faults,
		Resets:         resets,
	}
}

// Kernels returns the currently loaded kernels.
func (d *Device) Kernels() []*Kernel {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Kernel, 0, len(d.kernels))
	for k := range d.kernels {
		out = append(out, k)
	}
	return out
}

func (d *Device) checkOpen(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return newError(KindDevice, op, "device closed")
	}
	return nil
}

func (d *Device) register(k *Kernel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return newError(KindDevice, "load kernel", "device closed")
	}
	d.kernels[k] = struct{}{}
	return nil
}

func (d *Device) unregister(k *Kernel) {
	d.mu.Lock()
	delete(d.kernels, k)
	d.mu.Unlock()
}

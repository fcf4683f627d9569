package dpu

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/samcharles93/cube/internal/accel"
	"github.com/samcharles93/cube/internal/logger"
)

// dispatcher owns the single accelerator. The gate admits one run at a time;
// a faulted device is reset before the next run is launched.
type dispatcher struct {
	gate chan struct{}
	acc  accel.Accelerator
	log  logger.Logger

	// needsReset is only touched while holding the gate.
	needsReset bool

	launches atomic.Uint64
	faults   atomic.Uint64
	resets   atomic.Uint64
}

func newDispatcher(acc accel.Accelerator, log logger.Logger) *dispatcher {
	return &dispatcher{
		gate: make(chan struct{}, 1),
		acc:  acc,
		log:  log,
	}
}

func (d *dispatcher) counters() (launches, faults, resets uint64) {
	return d.launches.Load(), d.faults.Load(), d.resets.Load()
}

// dispatch runs jobs in order while holding the gate. after, when non-nil,
// is called with the index of each completed job before the next launches.
func (d *dispatcher) dispatch(ctx context.Context, jobs []accel.Job, after func(int)) (runProfile, error) {
	const op = "run task"
	select {
	case d.gate <- struct{}{}:
	case <-ctx.Done():
		return runProfile{}, wrapError(KindExecution, op, fmt.Errorf("waiting for accelerator: %w", ctx.Err()))
	}
	defer func() { <-d.gate }()

	if d.needsReset {
		if err := d.acc.Reset(); err != nil {
			return runProfile{}, wrapError(KindExecution, op, fmt.Errorf("device reset: %w", err))
		}
		d.needsReset = false
		d.resets.Add(1)
		d.log.Info("accelerator reset after fault")
	}

	d.launches.Add(1)
	prof := runProfile{valid: true, nodes: make([]time.Duration, len(jobs))}
	start := time.Now()
	for i := range jobs {
		nodeStart := time.Now()
		if err := d.acc.Execute(jobs[i]); err != nil {
			d.needsReset = true
			d.faults.Add(1)
			d.log.Warn("accelerator fault", "node", jobs[i].Node, "error", err)
			return runProfile{}, wrapError(KindExecution, op, err)
		}
		prof.nodes[i] = time.Since(nodeStart)
		if after != nil {
			after(i)
		}
	}
	prof.total = time.Since(start)
	return prof, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/cube/internal/dpu"
	"github.com/samcharles93/cube/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		kernelName string
		tasks      int64
		runs       int64
		warmup     int64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run concurrent tasks of one kernel and report throughput",
		Flags: commonFlags(
			&cli.StringFlag{
				Name:        "kernel",
				Aliases:     []string{"k"},
				Usage:       "kernel name (resolved in --kernels-dir) or path to a .dkf file",
				Required:    true,
				Destination: &kernelName,
			},
			&cli.Int64Flag{
				Name:        "tasks",
				Aliases:     []string{"t"},
				Usage:       "number of concurrent tasks",
				Value:       4,
				Destination: &tasks,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Aliases:     []string{"n"},
				Usage:       "runs per task",
				Value:       100,
				Destination: &runs,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "untimed runs per task before measuring",
				Value:       1,
				Destination: &warmup,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if tasks < 1 || runs < 1 || warmup < 0 {
				return cli.Exit("error: --tasks and --runs must be at least 1", 1)
			}
			ctx, s, err := openSession(ctx, cmd)
			if err != nil {
				return err
			}
			k, err := s.dev.LoadKernel(kernelName)
			if err != nil {
				s.close()
				return s.fail("load kernel", err)
			}
			defer s.close(k)

			report, err := runBench(ctx, s.dev, k, benchOptions{Tasks: tasks, Runs: runs, Warmup: warmup}, s.log)
			if err != nil {
				return s.fail("bench", err)
			}
			report.print(stdout(cmd))
			return nil
		},
	}
}

type benchOptions struct {
	Tasks  int64
	Runs   int64
	Warmup int64
}

type benchReport struct {
	Kernel  string
	Tasks   int64
	Runs    int64
	Elapsed time.Duration
	// Device is the profiled run time summed over every run.
	Device time.Duration
	Before dpu.Stats
	After  dpu.Stats
}

// runBench creates opts.Tasks profiled tasks of k and runs each of them
// opts.Runs times concurrently.
func runBench(ctx context.Context, dev *dpu.Device, k *dpu.Kernel, opts benchOptions, log logger.Logger) (benchReport, error) {
	pool := make([]*dpu.Task, 0, opts.Tasks)
	defer func() {
		for _, t := range pool {
			if err := t.Destroy(); err != nil {
				log.Warn("destroy task failed", "task", t.ID(), "error", err)
			}
		}
	}()
	for i := 0; i < int(opts.Tasks); i++ {
		t, err := k.CreateTask(dpu.ModeProfile)
		if err != nil {
			return benchReport{}, fmt.Errorf("create task: %w", err)
		}
		pool = append(pool, t)
		if err := fillExternalInputs(t, k, i); err != nil {
			return benchReport{}, fmt.Errorf("set input: %w", err)
		}
	}

	for _, t := range pool {
		for range opts.Warmup {
			if err := t.Run(ctx); err != nil {
				return benchReport{}, fmt.Errorf("warmup: %w", err)
			}
		}
	}

	report := benchReport{Kernel: k.Name(), Tasks: opts.Tasks, Runs: opts.Runs, Before: dev.Stats()}
	log.Info("benchmark started", "kernel", k.Name(), "tasks", opts.Tasks, "runs", opts.Runs)
	latencies := make([]time.Duration, len(pool))
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range pool {
		g.Go(func() error {
			for range opts.Runs {
				if err := t.Run(gctx); err != nil {
					return fmt.Errorf("task %d: %w", t.ID(), err)
				}
				latencies[i] += t.Profile()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return benchReport{}, err
	}
	report.Elapsed = time.Since(start)
	report.After = dev.Stats()
	for _, d := range latencies {
		report.Device += d
	}
	return report, nil
}

func (r benchReport) print(w io.Writer) {
	total := r.Tasks * r.Runs
	_, _ = fmt.Fprintf(w, "kernel:       %s\n", r.Kernel)
	_, _ = fmt.Fprintf(w, "tasks x runs: %d x %d = %d\n", r.Tasks, r.Runs, total)
	_, _ = fmt.Fprintf(w, "elapsed:      %s\n", r.Elapsed.Round(time.Microsecond))
	_, _ = fmt.Fprintf(w, "throughput:   %.1f runs/s\n", float64(total)/r.Elapsed.Seconds())
	_, _ = fmt.Fprintf(w, "device time:  %s avg per run\n", (r.Device / time.Duration(total)).Round(time.Microsecond))
	_, _ = fmt.Fprintf(w, "launches:     %d\n", r.After.Launches-r.Before.Launches)
	_, _ = fmt.Fprintf(w, "faults:       %d (resets %d)\n", r.After.Faults-r.Before.Faults, r.After.Resets-r.Before.Resets)
	_, _ = fmt.Fprintf(w, "memory:       %d / %d bytes\n", r.After.MemoryUsed, r.After.MemoryCapacity)
}

// fillExternalInputs writes a repeatable pattern into every input that is
// not fed by another node.
func fillExternalInputs(t *dpu.Task, k *dpu.Kernel, seed int) error {
	for _, n := range k.Nodes() {
		for i, in := range n.Inputs {
			if in.Source != "" {
				continue
			}
			if err := t.SetInputInt8(n.Name, i, dpu.LayoutHWC, pattern(in.Size, seed+i)); err != nil {
				return err
			}
		}
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cube/internal/dpu"
)

func runCmd() *cli.Command {
	var (
		kernelName  string
		inputPath   string
		inputFormat string
		inputNode   string
		inputIndex  int64
		layoutName  string
		outputNode  string
		outputIndex int64
		runs        int64
		profile     bool
		dump        bool
		mean        string
		top         int64
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Load a kernel, feed one input tensor and run it",
		Flags: commonFlags(
			&cli.StringFlag{
				Name:        "kernel",
				Aliases:     []string{"k"},
				Usage:       "kernel name (resolved in --kernels-dir) or path to a .dkf file",
				Required:    true,
				Destination: &kernelName,
			},
			&cli.StringFlag{
				Name:        "input",
				Aliases:     []string{"i"},
				Usage:       "raw input tensor file (zeros when omitted)",
				Destination: &inputPath,
			},
			&cli.StringFlag{
				Name:        "input-format",
				Usage:       "input file encoding (f32, int8)",
				Value:       "f32",
				Destination: &inputFormat,
			},
			&cli.StringFlag{
				Name:        "input-node",
				Usage:       "node receiving the input (default: first node)",
				Destination: &inputNode,
			},
			&cli.Int64Flag{
				Name:        "input-index",
				Usage:       "input tensor index of the input node",
				Destination: &inputIndex,
			},
			&cli.StringFlag{
				Name:        "layout",
				Usage:       "tensor layout of input and output (chw, hwc)",
				Value:       "hwc",
				Destination: &layoutName,
			},
			&cli.StringFlag{
				Name:        "output-node",
				Usage:       "node whose output is reported (default: last node)",
				Destination: &outputNode,
			},
			&cli.Int64Flag{
				Name:        "output-index",
				Usage:       "output tensor index of the output node",
				Destination: &outputIndex,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Aliases:     []string{"n"},
				Usage:       "number of times to run the task",
				Value:       1,
				Destination: &runs,
			},
			&cli.BoolFlag{
				Name:        "profile",
				Usage:       "report run and per-node timings",
				Destination: &profile,
			},
			&cli.BoolFlag{
				Name:        "dump",
				Usage:       "enable debug mode (raw node dumps into --dump-dir)",
				Destination: &dump,
			},
			&cli.StringFlag{
				Name:        "mean",
				Usage:       "override the kernel mean values, as m1,m2,m3",
				Destination: &mean,
			},
			&cli.Int64Flag{
				Name:        "top",
				Usage:       "number of softmax classes to print",
				Value:       5,
				Destination: &top,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			layout, err := parseLayout(layoutName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if runs < 1 {
				return cli.Exit("error: --runs must be at least 1", 1)
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

			if mean != "" {
				m, err := parseMean(mean)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				if err := k.SetMeanValue(m[0], m[1], m[2]); err != nil {
					return s.fail("set mean", err)
				}
			}

			nodes := k.Nodes()
			if inputNode == "" {
				inputNode = nodes[0].Name
			}
			if outputNode == "" {
				outputNode = nodes[len(nodes)-1].Name
			}

			mode := dpu.ModeNormal
			if profile {
				mode |= dpu.ModeProfile
			}
			if dump {
				mode |= dpu.ModeDebug
			}
			task, err := k.CreateTask(mode)
			if err != nil {
				return s.fail("create task", err)
			}
			defer func() {
				if err := task.Destroy(); err != nil {
					s.log.Warn("destroy task failed", "error", err)
				}
			}()

			in, err := task.InputTensor(inputNode, int(inputIndex))
			if err != nil {
				return s.fail("input tensor", err)
			}
			if inputPath != "" {
				raw, err := readRawInput(inputPath, inputFormat)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read input: %v", err), 1)
				}
				if raw.fp32 != nil {
					err = task.SetInputFP32(inputNode, int(inputIndex), layout, raw.fp32)
				} else {
					err = task.SetInputInt8(inputNode, int(inputIndex), layout, raw.int8)
				}
				if err != nil {
					return s.fail("set input", err)
				}
			}
			s.log.Info("running kernel",
				"kernel", k.Name(),
				"input", fmt.Sprintf("%s:%d", inputNode, inputIndex),
				"shape", fmt.Sprintf("%dx%dx%d", in.Height(), in.Width(), in.Channel()),
				"runs", runs,
				"mode", mode,
			)

			var total time.Duration
			for i := int64(0); i < runs; i++ {
				start := time.Now()
				if err := task.Run(ctx); err != nil {
					return s.fail(fmt.Sprintf("run %d", i+1), err)
				}
				total += time.Since(start)
			}

			out, err := task.OutputTensor(outputNode, int(outputIndex))
			if err != nil {
				return s.fail("output tensor", err)
			}
			fixed := make([]int8, out.Size())
			if err := task.GetOutputInt8(outputNode, int(outputIndex), layout, fixed); err != nil {
				return s.fail("get output", err)
			}
			probs := make([]float32, out.Size())
			if err := dpu.RunSoftmax(fixed, probs, out.Size(), 1, out.Scale()); err != nil {
				return s.fail("softmax", err)
			}

			fmt.Printf("kernel:  %s\n", k.Name())
			fmt.Printf("output:  %s:%d %dx%dx%d scale=%g\n", outputNode, outputIndex, out.Height(), out.Width(), out.Channel(), out.Scale())
			fmt.Printf("runs:    %d (avg %s)\n", runs, (total / time.Duration(runs)).Round(time.Microsecond))
			if profile {
				fmt.Printf("profile: %s\n", task.Profile())
				for _, n := range nodes {
					d, err := task.NodeProfile(n.Name)
					if err != nil {
						return s.fail("node profile", err)
					}
					fmt.Printf("  %-24s %s\n", n.Name, d)
				}
			}
			fmt.Println(strings.Repeat("-", 32))
			for rank, r := range topK(probs, int(top)) {
				fmt.Printf("%2d. class %-6d p=%.6f  value=%g\n", rank+1, r.class, r.prob, float32(fixed[r.class])/out.Scale())
			}
			return nil
		},
	}
}

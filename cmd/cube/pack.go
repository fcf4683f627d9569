package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/cube/internal/accel"
	"github.com/samcharles93/cube/pkg/dkf"
)

// kernelDesc is the YAML source of a kernel. Weight and bias paths are
// relative to the description file. Weights are raw int8; biases are raw
// little-endian int32.
type kernelDesc struct {
	Name  string     `yaml:"name"`
	Mean  []int      `yaml:"mean"`
	Nodes []nodeDesc `yaml:"nodes"`
}

type nodeDesc struct {
	Name    string       `yaml:"name"`
	Op      string       `yaml:"op"`
	ReLU    bool         `yaml:"relu"`
	Shift   uint8        `yaml:"shift"`
	Kernel  []int        `yaml:"kernel"`
	Stride  uint8        `yaml:"stride"`
	Pad     uint8        `yaml:"pad"`
	Weights string       `yaml:"weights"`
	Bias    string       `yaml:"bias"`
	Inputs  []tensorDesc `yaml:"inputs"`
	Outputs []tensorDesc `yaml:"outputs"`
}

type tensorDesc struct {
	// Shape is [height, width, channel].
	Shape  []int   `yaml:"shape"`
	Scale  float32 `yaml:"scale"`
	Source string  `yaml:"source"`
}

func packCmd() *cli.Command {
	var (
		descPath string
		outPath  string
	)

	return &cli.Command{
		Name:  "pack",
		Usage: "Build a .dkf kernel file from a YAML description",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "in",
				Aliases:     []string{"i"},
				Usage:       "kernel description (.yaml)",
				Required:    true,
				Destination: &descPath,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output .dkf path (default: <name>.dkf next to the description)",
				Destination: &outPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			desc, err := loadKernelDesc(descPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			payload, err := buildPayload(desc, filepath.Dir(descPath))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if strings.TrimSpace(outPath) == "" {
				outPath = filepath.Join(filepath.Dir(descPath), desc.Name+".dkf")
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if err := dkf.WriteKernelFile(outPath, payload); err != nil {
				return cli.Exit(fmt.Sprintf("error: write %s: %v", outPath, err), 1)
			}
			fmt.Printf("packed %s: %d nodes, code=%d weights=%d bias=%d -> %s\n",
				desc.Name, len(desc.Nodes), len(payload.Code), len(payload.Weights), len(payload.Bias), outPath)
			return nil
		},
	}
}

func loadKernelDesc(path string) (kernelDesc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return kernelDesc{}, err
	}
	var desc kernelDesc
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return kernelDesc{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return desc, nil
}

// buildPayload encodes every node program and concatenates the node
// segments in declaration order.
func buildPayload(desc kernelDesc, baseDir string) (dkf.Payload, error) {
	info := &dkf.KernelInfo{Name: desc.Name}
	switch len(desc.Mean) {
	case 0:
	case 3:
		copy(info.Mean[:], desc.Mean)
	default:
		return dkf.Payload{}, fmt.Errorf("mean must have 3 values, got %d", len(desc.Mean))
	}

	var p dkf.Payload
	for _, nd := range desc.Nodes {
		prog, err := nodeProgram(nd)
		if err != nil {
			return dkf.Payload{}, err
		}
		ni := dkf.NodeInfo{Name: nd.Name}
		ni.Code = appendSegment(&p.Code, prog.Encode())

		if nd.Weights != "" {
			w, err := os.ReadFile(resolveRel(baseDir, nd.Weights))
			if err != nil {
				return dkf.Payload{}, fmt.Errorf("node %q weights: %w", nd.Name, err)
			}
			ni.Weights = appendSegment(&p.Weights, w)
		}
		if nd.Bias != "" {
			b, err := os.ReadFile(resolveRel(baseDir, nd.Bias))
			if err != nil {
				return dkf.Payload{}, fmt.Errorf("node %q bias: %w", nd.Name, err)
			}
			if len(b)%4 != 0 {
				return dkf.Payload{}, fmt.Errorf("node %q bias: %d bytes is not a whole number of int32 values", nd.Name, len(b))
			}
			ni.Bias = appendSegment(&p.Bias, b)
		}

		for i, td := range nd.Inputs {
			t, err := tensorInfo(td)
			if err != nil {
				return dkf.Payload{}, fmt.Errorf("node %q input %d: %w", nd.Name, i, err)
			}
			ni.Inputs = append(ni.Inputs, t)
		}
		for i, td := range nd.Outputs {
			t, err := tensorInfo(td)
			if err != nil {
				return dkf.Payload{}, fmt.Errorf("node %q output %d: %w", nd.Name, i, err)
			}
			ni.Outputs = append(ni.Outputs, t)
		}
		if err := checkNode(prog, ni); err != nil {
			return dkf.Payload{}, fmt.Errorf("node %q: %w", nd.Name, err)
		}
		info.Nodes = append(info.Nodes, ni)
	}
	p.Info = info
	return p, nil
}

func nodeProgram(nd nodeDesc) (accel.Program, error) {
	op, err := accel.ParseOpcode(strings.ToLower(strings.TrimSpace(nd.Op)))
	if err != nil {
		return accel.Program{}, fmt.Errorf("node %q: %w", nd.Name, err)
	}
	p := accel.Program{Op: op, ReLU: nd.ReLU, Shift: nd.Shift, Stride: nd.Stride, Pad: nd.Pad}
	switch len(nd.Kernel) {
	case 0:
	case 2:
		h, w := nd.Kernel[0], nd.Kernel[1]
		if h < 1 || w < 1 || h > 255 || w > 255 {
			return accel.Program{}, fmt.Errorf("node %q: kernel %dx%d out of range", nd.Name, h, w)
		}
		p.KernelH, p.KernelW = uint8(h), uint8(w)
	default:
		return accel.Program{}, fmt.Errorf("node %q: kernel must be [h, w]", nd.Name)
	}
	if (op == accel.OpConv || op == accel.OpMaxPool) && p.Stride == 0 {
		p.Stride = 1
	}
	return p, nil
}

// checkNode catches weight and bias sizes the accelerator would fault on.
func checkNode(p accel.Program, ni dkf.NodeInfo) error {
	if len(ni.Inputs) == 0 || len(ni.Outputs) == 0 {
		return nil
	}
	in, out := ni.Inputs[0], ni.Outputs[0]
	var wantWeights, biasN int
	switch p.Op {
	case accel.OpDense:
		wantWeights, biasN = in.Elements()*out.Elements(), out.Elements()
	case accel.OpConv:
		wantWeights, biasN = out.Channel*int(p.KernelH)*int(p.KernelW)*in.Channel, out.Channel
	default:
		return nil
	}
	if int(ni.Weights.Size) != wantWeights {
		return fmt.Errorf("%s weights are %d bytes, want %d", p.Op, ni.Weights.Size, wantWeights)
	}
	if ni.Bias.Size != 0 && int(ni.Bias.Size) != 4*biasN {
		return fmt.Errorf("%s bias is %d bytes, want %d", p.Op, ni.Bias.Size, 4*biasN)
	}
	return nil
}

func tensorInfo(td tensorDesc) (dkf.TensorInfo, error) {
	if len(td.Shape) != 3 {
		return dkf.TensorInfo{}, fmt.Errorf("shape must be [height, width, channel], got %v", td.Shape)
	}
	return dkf.TensorInfo{
		Height:  td.Shape[0],
		Width:   td.Shape[1],
		Channel: td.Shape[2],
		Scale:   td.Scale,
		Source:  td.Source,
	}, nil
}

func appendSegment(dst *[]byte, data []byte) dkf.Segment {
	s := dkf.Segment{Offset: uint64(len(*dst)), Size: uint64(len(data))}
	*dst = append(*dst, data...)
	return s
}

func resolveRel(baseDir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

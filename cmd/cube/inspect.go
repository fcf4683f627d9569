package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cube/internal/accel"
	"github.com/samcharles93/cube/pkg/dkf"
)

func inspectCmd() *cli.Command {
	var (
		kernelPath string
		asJSON     bool
		showCode   bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .dkf kernel file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "kernel",
				Aliases:     []string{"k"},
				Usage:       "path to .dkf file",
				Destination: &kernelPath,
				Required:    true,
			},
			&cli.BoolFlag{Name: "json", Usage: "print the kernel info section as JSON", Destination: &asJSON},
			&cli.BoolFlag{Name: "code", Usage: "decode the program of every node", Destination: &showCode},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f, err := dkf.Open(kernelPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", kernelPath, err), 1)
			}
			defer func() { _ = f.Close() }()

			info, err := f.KernelInfo()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: kernel info: %v", err), 1)
			}
			if asJSON {
				out, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: encode kernel info: %v", err), 1)
				}
				_, err = fmt.Fprintln(stdout(cmd), string(out))
				return err
			}
			return printKernelFile(stdout(cmd), f, info, showCode)
		},
	}
}

func printKernelFile(w io.Writer, f *dkf.File, info *dkf.KernelInfo, showCode bool) error {
	h := f.Header
	_, _ = fmt.Fprintf(w, "kernel:   %s\n", info.Name)
	_, _ = fmt.Fprintf(w, "format:   dkf %d.%d (%d bytes, flags %#x)\n", h.Major, h.Minor, h.FileSize, h.Flags)
	_, _ = fmt.Fprintf(w, "mean:     %d %d %d\n", info.Mean[0], info.Mean[1], info.Mean[2])

	_, _ = fmt.Fprintln(w, "\nsections:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  TYPE\tVERSION\tOFFSET\tSIZE")
	for _, s := range f.Sections {
		_, _ = fmt.Fprintf(tw, "  %s\t%d\t%d\t%d\n", dkf.SectionType(s.Type), s.Version, s.Offset, s.Size)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w, "\nnodes:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  NODE\tDIR\tIDX\tSHAPE (HxWxC)\tSCALE\tSOURCE")
	for _, n := range info.Nodes {
		for i, t := range n.Inputs {
			_, _ = fmt.Fprintf(tw, "  %s\tin\t%d\t%dx%dx%d\t%g\t%s\n", n.Name, i, t.Height, t.Width, t.Channel, t.Scale, t.Source)
		}
		for i, t := range n.Outputs {
			_, _ = fmt.Fprintf(tw, "  %s\tout\t%d\t%dx%dx%d\t%g\t\n", n.Name, i, t.Height, t.Width, t.Channel, t.Scale)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !showCode {
		return nil
	}
	code := f.SectionData(dkf.SectionCode)
	_, _ = fmt.Fprintln(w, "\nprograms:")
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "  NODE\tOP\tRELU\tSHIFT\tKERNEL\tSTRIDE\tPAD\tWEIGHTS\tBIAS")
	for _, n := range info.Nodes {
		p, err := accel.DecodeProgram(code[n.Code.Offset:n.Code.End()])
		if err != nil {
			_, _ = fmt.Fprintf(tw, "  %s\t<%v>\n", n.Name, err)
			continue
		}
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%t\t%d\t%dx%d\t%d\t%d\t%d\t%d\n",
			n.Name, p.Op, p.ReLU, p.Shift, p.KernelH, p.KernelW, p.Stride, p.Pad, n.Weights.Size, n.Bias.Size)
	}
	return tw.Flush()
}

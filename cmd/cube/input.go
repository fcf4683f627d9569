package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/samcharles93/cube/internal/dpu"
)

// rawInput is a tensor read from disk, either real values or fixed point.
type rawInput struct {
	fp32 []float32
	int8 []int8
}

func (r rawInput) len() int {
	if r.fp32 != nil {
		return len(r.fp32)
	}
	return len(r.int8)
}

// readRawInput reads a headerless tensor file. f32 files hold little-endian
// IEEE-754 values; int8 files hold one fixed-point value per byte.
func readRawInput(path, format string) (rawInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rawInput{}, err
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "f32", "fp32", "float32":
		if len(data)%4 != 0 {
			return rawInput{}, fmt.Errorf("%s: %d bytes is not a whole number of float32 values", path, len(data))
		}
		out := make([]float32, len(data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return rawInput{fp32: out}, nil
	case "int8", "i8":
		out := make([]int8, len(data))
		for i, b := range data {
			out[i] = int8(b)
		}
		return rawInput{int8: out}, nil
	default:
		return rawInput{}, fmt.Errorf("unknown input format %q (expected f32 or int8)", format)
	}
}

func parseLayout(s string) (dpu.Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hwc":
		return dpu.LayoutHWC, nil
	case "chw":
		return dpu.LayoutCHW, nil
	default:
		return 0, fmt.Errorf("layout must be chw or hwc, got %q", s)
	}
}

// parseMean parses "m1,m2,m3".
func parseMean(s string) ([3]int, error) {
	var mean [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return mean, fmt.Errorf("mean must be three comma separated integers, got %q", s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return mean, fmt.Errorf("mean value %d: %w", i, err)
		}
		mean[i] = v
	}
	return mean, nil
}

type ranked struct {
	class int
	prob  float32
}

// topK returns the k most probable classes, highest first. Ties keep the
// lower class index first.
func topK(probs []float32, k int) []ranked {
	out := make([]ranked, len(probs))
	for i, p := range probs {
		out[i] = ranked{class: i, prob: p}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].prob > out[j].prob })
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out
}

// pattern fills n fixed-point values with a repeatable non-constant signal.
func pattern(n, seed int) []int8 {
	out := make([]int8, n)
	for i := range out {
		out[i] = int8((i*31+seed*17)%61 - 30)
	}
	return out
}

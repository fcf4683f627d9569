package dpu

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NoProfile is returned by profile queries when no measurement exists.
const NoProfile time.Duration = -1

type runProfile struct {
	valid bool
	total time.Duration
	nodes []time.Duration
}

// Profile returns the elapsed time of the last run, or NoProfile unless
// profiling was enabled before that run.
func (t *Task) Profile() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.profile.valid {
		return NoProfile
	}
	return t.profile.total
}

// NodeProfile returns the elapsed time of node during the last run, or
// NoProfile unless profiling was enabled before that run.
func (t *Task) NodeProfile(node string) (time.Duration, error) {
	const op = "get node profile"
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return NoProfile, newError(KindNotFound, op, "task destroyed")
	}
	n, ok := t.kernel.lookup(node)
	if !ok {
		return NoProfile, newError(KindNotFound, op, "kernel %q has no node %q", t.kernel.name, node)
	}
	if !t.profile.valid {
		return NoProfile, nil
	}
	return t.profile.nodes[n.index], nil
}

// dumpNode records the raw segments and tensors of node i after it ran.
// Without a dump directory only a summary is logged.
func (t *Task) dumpNode(i int) {
	job := t.jobs[i]
	dir := t.kernel.dev.cfg.DumpDir
	if dir == "" {
		t.log.Debug("node complete",
			"node", job.Node,
			"code", len(job.Code),
			"weights", len(job.Weights),
			"bias", len(job.Bias),
			"inputs", len(job.Inputs),
			"outputs", len(job.Outputs),
		)
		return
	}

	dir = filepath.Join(dir, t.kernel.name, fmt.Sprintf("task%d", t.id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.log.Warn("debug dump failed", "node", job.Node, "error", err)
		return
	}
	files := map[string][]byte{
		"code":    job.Code,
		"weights": job.Weights,
		"bias":    job.Bias,
	}
	for j, b := range job.Inputs {
		files[fmt.Sprintf("in%d", j)] = int8Bytes(b.Data)
	}
	for j, b := range job.Outputs {
		files[fmt.Sprintf("out%d", j)] = int8Bytes(b.Data)
	}
	for suffix, data := range files {
		path := filepath.Join(dir, job.Node+"."+suffix+".bin")
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.log.Warn("debug dump failed", "path", path, "error", err)
			return
		}
	}
	t.log.Debug("node dumped", "node", job.Node, "dir", dir)
}

func int8Bytes(v []int8) []byte {
	out := make([]byte, len(v))
	for i, x := range v {
		out[i] = byte(x)
	}
	return out
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cube/internal/dpu"
	"github.com/samcharles93/cube/internal/logger"
)

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`kernels_dir: /srv/kernels
exception_mode: ret_err_code
memory_capacity: 1048576
lock_path: /run/dpu.lock
log_level: debug
server_address: 0.0.0.0:9000
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		t.Fatalf("loadConfigFile: %v", err)
	}
	if cfg.KernelsDir != "/srv/kernels" || cfg.ExceptionMode != "ret_err_code" || cfg.LockPath != "/run/dpu.lock" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.MemoryCapacity == nil || *cfg.MemoryCapacity != 1<<20 {
		t.Fatalf("memory capacity: got %v", cfg.MemoryCapacity)
	}
	if cfg.DumpDir != "" || cfg.LogFormat != "" {
		t.Fatalf("unset keys should stay empty: %+v", cfg)
	}

	missing, err := loadConfigFile(filepath.Join(dir, "absent.yaml"))
	if err != nil || missing.KernelsDir != "" {
		t.Fatalf("missing file: cfg=%+v err=%v", missing, err)
	}

	if err := os.WriteFile(path, []byte("kernels_dir: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfigFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv(envConfigPath, "/etc/cube.yaml")
	if got := configPath(); got != "/etc/cube.yaml" {
		t.Fatalf("configPath: got %q", got)
	}
}

// runWithFlags parses args against the device and logging flags and hands
// the parsed command to fn.
func runWithFlags(t *testing.T, args []string, fn func(c *cli.Command)) {
	t.Helper()
	cmd := &cli.Command{
		Name:  "test",
		Flags: commonFlags(),
		Action: func(ctx context.Context, c *cli.Command) error {
			fn(c)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), append([]string{"test"}, args...)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestConfigAppliesOnlyUnsetFlags(t *testing.T) {
	capacity := int64(4096)
	cfg := Config{
		KernelsDir:     "/from/config",
		ExceptionMode:  "ret_err_code",
		MemoryCapacity: &capacity,
		LockPath:       "/config.lock",
		LogLevel:       "warn",
	}

	var got dpu.Config
	runWithFlags(t, []string{"--lock-path", "/flag.lock", "--log-level", "error"}, func(c *cli.Command) {
		var err error
		got, err = deviceConfig(c, cfg, logger.Discard())
		if err != nil {
			t.Fatalf("deviceConfig: %v", err)
		}
		applyLoggingConfig(c, cfg)
	})

	if got.KernelsDir != "/from/config" {
		t.Errorf("kernels dir: got %q", got.KernelsDir)
	}
	if got.LockPath != "/flag.lock" {
		t.Errorf("lock path: flag should win, got %q", got.LockPath)
	}
	if got.MemoryCapacity != 4096 {
		t.Errorf("memory capacity: got %d", got.MemoryCapacity)
	}
	if got.ExceptionMode != dpu.ReturnErrCode {
		t.Errorf("exception mode: got %v", got.ExceptionMode)
	}
	if logLevel != "error" {
		t.Errorf("log level: flag should win, got %q", logLevel)
	}
}

func TestDeviceConfigRejectsBadExceptionMode(t *testing.T) {
	runWithFlags(t, []string{"--exception-mode", "explode"}, func(c *cli.Command) {
		if _, err := deviceConfig(c, Config{}, logger.Discard()); err == nil {
			t.Error("expected error for unknown exception mode")
		}
	})
}

func TestExitCode(t *testing.T) {
	if got := exitCode(os.ErrNotExist); got != 99 {
		t.Fatalf("unknown error: got %d", got)
	}
	if got := exitCode(dpu.ErrSizeMismatch); got != 4 {
		t.Fatalf("size mismatch: got %d", got)
	}
}

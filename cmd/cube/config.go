package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/cube/internal/dpu"
	"github.com/samcharles93/cube/internal/logger"
)

const (
	envConfigPath = "CUBE_CONFIG"
	envKernelsDir = "CUBE_KERNELS_DIR"
)

// Config represents the cube configuration file (~/.config/cube/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	KernelsDir     string `yaml:"kernels_dir"`
	ExceptionMode  string `yaml:"exception_mode"`
	MemoryCapacity *int64 `yaml:"memory_capacity"`
	LockPath       string `yaml:"lock_path"`
	DumpDir        string `yaml:"dump_dir"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cube", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	cfg, _ := loadConfigFile(configPath())
	return cfg
}

func loadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// applyDeviceConfig applies config file defaults to device flags when the
// corresponding CLI flag was not explicitly set.
func applyDeviceConfig(c *cli.Command, cfg Config) {
	if cfg.KernelsDir != "" && !c.IsSet("kernels-dir") {
		kernelsDir = cfg.KernelsDir
	}
	if cfg.MemoryCapacity != nil && !c.IsSet("memory-capacity") {
		memoryCapacity = *cfg.MemoryCapacity
	}
	if cfg.LockPath != "" && !c.IsSet("lock-path") {
		lockPath = cfg.LockPath
	}
	if cfg.DumpDir != "" && !c.IsSet("dump-dir") {
		dumpDir = cfg.DumpDir
	}
	if cfg.ExceptionMode != "" && !c.IsSet("exception-mode") {
		exceptionMode = cfg.ExceptionMode
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

func newLogger(c *cli.Command, cfg Config) (logger.Logger, error) {
	applyLoggingConfig(c, cfg)
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	return logger.Build(os.Stderr, logFormat, level)
}

func deviceConfig(c *cli.Command, cfg Config, log logger.Logger) (dpu.Config, error) {
	applyDeviceConfig(c, cfg)
	mode, err := dpu.ParseExceptionMode(exceptionMode)
	if err != nil {
		return dpu.Config{}, err
	}
	if memoryCapacity < 0 {
		return dpu.Config{}, fmt.Errorf("memory capacity must not be negative, got %d", memoryCapacity)
	}
	return dpu.Config{
		KernelsDir:     kernelsDir,
		MemoryCapacity: int(memoryCapacity),
		LockPath:       lockPath,
		DumpDir:        dumpDir,
		ExceptionMode:  mode,
		Logger:         log,
	}, nil
}

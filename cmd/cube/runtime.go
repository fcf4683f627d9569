package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cube/internal/dpu"
	"github.com/samcharles93/cube/internal/logger"
)

// session is an opened device together with the policy applied to runtime
// errors.
type session struct {
	dev    *dpu.Device
	policy dpu.Policy
	log    logger.Logger
}

// openSession resolves config, builds the logger and opens the reference
// device. The returned context carries the logger.
func openSession(ctx context.Context, c *cli.Command) (context.Context, *session, error) {
	fileCfg, err := loadConfigFile(configPath())
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: load config: %v", err), 1)
	}
	log, err := newLogger(c, fileCfg)
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	ctx = logger.WithContext(ctx, log)

	cfg, err := deviceConfig(c, fileCfg, log)
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	s := &session{policy: cfg.Policy(), log: log}
	dev, err := dpu.OpenReference(cfg)
	if err != nil {
		return ctx, nil, s.fail("open device", err)
	}
	s.dev = dev
	return ctx, s, nil
}

// fail applies the exception policy to err. Under print_and_exit the process
// ends here; otherwise err becomes an exit error carrying the status code.
func (s *session) fail(what string, err error) error {
	_ = s.policy.Check(err)
	return cli.Exit(fmt.Sprintf("error: %s: %v", what, err), exitCode(err))
}

func exitCode(err error) int {
	if code := dpu.Code(err); code < 0 {
		return -code
	}
	return 1
}

// close releases kernels and the device, logging rather than failing.
func (s *session) close(kernels ...*dpu.Kernel) {
	for _, k := range kernels {
		if k == nil {
			continue
		}
		if err := k.Destroy(); err != nil {
			s.log.Warn("destroy kernel failed", "kernel", k.Name(), "error", err)
		}
	}
	if err := s.dev.Close(); err != nil {
		s.log.Warn("close device failed", "error", err)
	}
}

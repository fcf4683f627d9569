package main

import "github.com/urfave/cli/v3"

var (
	kernelsDir     string
	memoryCapacity int64
	lockPath       string
	dumpDir        string
	exceptionMode  string
	logLevel       string
	logFormat      string
	debug          bool
)

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "kernels-dir",
			Aliases:     []string{"dir"},
			Usage:       "directory searched for <name>.dkf kernels",
			Sources:     cli.EnvVars(envKernelsDir),
			Destination: &kernelsDir,
		},
		&cli.Int64Flag{
			Name:        "memory-capacity",
			Usage:       "accelerator memory in bytes (0 = default)",
			Destination: &memoryCapacity,
		},
		&cli.StringFlag{
			Name:        "lock-path",
			Usage:       "device claim file shared by every process using the accelerator",
			Destination: &lockPath,
		},
		&cli.StringFlag{
			Name:        "dump-dir",
			Usage:       "directory receiving raw node dumps in debug mode",
			Destination: &dumpDir,
		},
		&cli.StringFlag{
			Name:        "exception-mode",
			Usage:       "runtime error policy (print_and_exit, ret_err_code)",
			Value:       "print_and_exit",
			Destination: &exceptionMode,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func commonFlags(extra ...cli.Flag) []cli.Flag {
	flags := append([]cli.Flag{}, deviceFlags()...)
	flags = append(flags, loggingFlags()...)
	return append(flags, extra...)
}

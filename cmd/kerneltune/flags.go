package main

import (
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/backend"
	"github.com/samcharles93/kerneltune/internal/tuner"
)

var (
	archName     string
	backendName  string
	topK         int64
	parallel     int64
	repetitions  int64
	buildTimeout time.Duration
	runTimeout   time.Duration
	seed         int64
	cachePath    string
	logLevel     string
	logFormat    string
	debug        bool
)

func tunerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "arch",
			Aliases:     []string{"target"},
			Usage:       "target arch preset (host, sm_80, ...) or a cuda -arch=sm_XX target string",
			Value:       "host",
			Destination: &archName,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "kernel compiler backend (auto, host, cuda)",
			Value:       backend.Auto,
			Destination: &backendName,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"topk"},
			Usage:       "number of policy candidates to build and time",
			Value:       20,
			Destination: &topK,
		},
		&cli.Int64Flag{
			Name:        "parallel",
			Aliases:     []string{"j"},
			Usage:       "concurrent compilations (0 = GOMAXPROCS)",
			Destination: &parallel,
		},
		&cli.Int64Flag{
			Name:        "repetitions",
			Usage:       "timed runs per candidate and bucket",
			Value:       tuner.DefaultRepetitions,
			Destination: &repetitions,
		},
		&cli.DurationFlag{
			Name:        "build-timeout",
			Usage:       "per-candidate compile timeout",
			Value:       tuner.DefaultBuildTimeout,
			Destination: &buildTimeout,
		},
		&cli.DurationFlag{
			Name:        "run-timeout",
			Usage:       "per-candidate profiling timeout",
			Value:       tuner.DefaultRunTimeout,
			Destination: &runTimeout,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for generated profiling inputs",
			Destination: &seed,
		},
	}
}

func cacheFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "cache-path",
		Usage:       "schedule cache file (default $" + envCachePath + " or the user cache dir)",
		Destination: &cachePath,
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

func tunerConfig() tuner.Config {
	return tuner.Config{
		Parallel:     int(parallel),
		Repetitions:  int(repetitions),
		BuildTimeout: buildTimeout,
		RunTimeout:   runTimeout,
		Seed:         seed,
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/logger"
)

// fileConfig is loaded once by the root Before hook.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:   "kerneltune",
		Usage:  "Hardware-aware tuner for mixed-precision matmul kernels",
		Flags:  loggingFlags(),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			tuneCmd(),
			benchCmd(),
			packCmd(),
			serveCmd(),
			archsCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return ctx, err
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg)

	log, err := openLogger()
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

func openLogger() (logger.Logger, error) {
	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	if debug {
		level, _ = logger.ParseLevel("debug")
	}
	format, err := logger.ParseFormat(logFormat)
	if err != nil {
		return nil, err
	}
	return logger.Open(os.Stderr, format, level), nil
}

// Package backend resolves a kernel compiler backend by name.
package backend

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samcharles93/kerneltune/internal/backend/host"
	"github.com/samcharles93/kerneltune/internal/kernel"
)

const (
	Host = "host"
	CUDA = "cuda"
	Auto = "auto"
)

var ErrUnavailable = errors.New("backend not available in this build")

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case "cpu", "llvm":
		return Host, nil
	case Host, CUDA, Auto:
		return backend, nil
	default:
		return "", fmt.Errorf("unknown backend %q (expected auto, host, or cuda)", backend)
	}
}

// New returns the compiler for name. workers bounds the goroutines a host
// kernel spreads its blocks over; <= 0 means GOMAXPROCS.
func New(name string, workers int) (kernel.Compiler, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	switch backend {
	case CUDA:
		return nil, fmt.Errorf("%s: %w", CUDA, ErrUnavailable)
	default:
		return host.New(workers), nil
	}
}

package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sys/cpu"
)

// Descriptor is the capability record of one target device. It is supplied
// by the caller and never mutated by the tuner.
type Descriptor struct {
	Name string `yaml:"name" json:"name"`
	// Kind is "cuda" for GPU targets and "host" for the in-process CPU backend.
	Kind string `yaml:"kind" json:"kind"`

	ComputeCapability int  `yaml:"compute_capability" json:"compute_capability"`
	TensorCores       bool `yaml:"tensor_cores" json:"tensor_cores"`

	SMCount               int `yaml:"sm_count" json:"sm_count"`
	WarpSize              int `yaml:"warp_size" json:"warp_size"`
	MaxThreadsPerBlock    int `yaml:"max_threads_per_block" json:"max_threads_per_block"`
	MaxThreadsPerSM       int `yaml:"max_threads_per_sm" json:"max_threads_per_sm"`
	SharedMemPerBlock     int `yaml:"shared_mem_per_block" json:"shared_mem_per_block"`
	SharedMemPerSM        int `yaml:"shared_mem_per_sm" json:"shared_mem_per_sm"`
	RegistersPerBlock     int `yaml:"registers_per_block" json:"registers_per_block"`
	RegistersPerSM        int `yaml:"registers_per_sm" json:"registers_per_sm"`
	MaxRegistersPerThread int `yaml:"max_registers_per_thread" json:"max_registers_per_thread"`

	// MemoryBandwidth is in GB/s, PeakTFLOPS is dense fp16 throughput.
	MemoryBandwidth float64 `yaml:"memory_bandwidth" json:"memory_bandwidth"`
	PeakTFLOPS      float64 `yaml:"peak_tflops" json:"peak_tflops"`

	// VectorBytes is the widest global load the target issues per thread.
	VectorBytes int `yaml:"vector_bytes" json:"vector_bytes"`
}

const (
	KindCUDA = "cuda"
	KindHost = "host"
)

func cudaPreset(name string, cc, sms int, smemSM int, bw, tflops float64) Descriptor {
	return Descriptor{
		Name:                  name,
		Kind:                  KindCUDA,
		ComputeCapability:     cc,
		TensorCores:           cc >= 70,
		SMCount:               sms,
		WarpSize:              32,
		MaxThreadsPerBlock:    1024,
		MaxThreadsPerSM:       2048,
		SharedMemPerBlock:     smemSM - 1024,
		SharedMemPerSM:        smemSM,
		RegistersPerBlock:     65536,
		RegistersPerSM:        65536,
		MaxRegistersPerThread: 255,
		MemoryBandwidth:       bw,
		PeakTFLOPS:            tflops,
		VectorBytes:           16,
	}
}

var presets = map[string]Descriptor{
	"sm_70": cudaPreset("sm_70", 70, 80, 96*1024, 900, 125),
	"sm_75": cudaPreset("sm_75", 75, 40, 64*1024, 320, 65),
	"sm_80": cudaPreset("sm_80", 80, 108, 164*1024, 1555, 312),
	"sm_86": cudaPreset("sm_86", 86, 84, 100*1024, 936, 142),
	"sm_89": cudaPreset("sm_89", 89, 128, 100*1024, 1008, 330),
	"sm_90": cudaPreset("sm_90", 90, 132, 228*1024, 3350, 989),
}

// Lookup resolves a preset by name. "host" resolves to Host().
// A "cuda -arch=sm_80" style target string is accepted too.
func Lookup(name string) (Descriptor, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if i := strings.Index(key, "-arch="); i >= 0 {
		rest := strings.Fields(key[i+len("-arch="):])
		if len(rest) == 0 {
			return Descriptor{}, fmt.Errorf("target %q has an empty -arch", name)
		}
		key = rest[0]
	}
	switch key {
	case "", "auto", KindHost, "cpu", "llvm":
		return Host(), nil
	}
	d, ok := presets[key]
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown target arch %q (known: %s)", name, strings.Join(Names(), ", "))
	}
	return d, nil
}

// Names lists the GPU presets in stable order.
func Names() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Host describes the local CPU as a tuning target. Budgets are scaled so the
// policy produces cache-sized tiles: "shared memory" is the per-core L2 share
// and a "warp" is one goroutine lane.
func Host() Descriptor {
	vec := 16
	switch {
	case cpu.X86.HasAVX512F:
		vec = 64
	case cpu.X86.HasAVX2:
		vec = 32
	case cpu.ARM64.HasASIMD:
		vec = 16
	}
	cores := runtime.NumCPU()
	return Descriptor{
		Name:                  KindHost,
		Kind:                  KindHost,
		SMCount:               cores,
		WarpSize:              1,
		MaxThreadsPerBlock:    64,
		MaxThreadsPerSM:       64,
		SharedMemPerBlock:     256 * 1024,
		SharedMemPerSM:        256 * 1024,
		RegistersPerBlock:     1 << 20,
		RegistersPerSM:        1 << 20,
		MaxRegistersPerThread: 1 << 16,
		MemoryBandwidth:       40,
		PeakTFLOPS:            0.05 * float64(cores) * float64(vec) / 16,
		VectorBytes:           vec,
	}
}

// Occupancy returns how many blocks of the given footprint fit one SM.
func (d Descriptor) Occupancy(threads, smemBytes, regsPerThread int) int {
	if threads <= 0 {
		return 0
	}
	blocks := d.MaxThreadsPerSM / threads
	if smemBytes > 0 {
		blocks = min(blocks, d.SharedMemPerSM/smemBytes)
	}
	if regsPerThread > 0 {
		blocks = min(blocks, d.RegistersPerSM/(regsPerThread*threads))
	}
	return max(blocks, 0)
}

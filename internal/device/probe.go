// Package device detects the best available compute device for a training
// run. Detection happens once per orchestrator instance; the returned
// capability is read-only for the instance's lifetime.
package device

import (
	"os"

	"github.com/klauspost/cpuid/v2"
)

// Device kind constants, in selection priority order.
const (
	KindCUDA = "cuda"
	KindROCm = "rocm"
	KindCPU  = "cpu"
)

// Capability describes the selected compute device. It is consumed by the
// training stage to size batches and gate mixed precision, never by
// orchestration logic.
type Capability struct {
	Kind                        string `json:"kind"`
	Name                        string `json:"name"`
	SupportsMixedPrecision      bool   `json:"supports_mixed_precision"`
	SupportsMemoryIntrospection bool   `json:"supports_memory_introspection"`
	RecommendedBatchCeiling     int    `json:"recommended_batch_ceiling"`
}

// cudaMarkers and rocmMarkers are filesystem paths whose presence indicates
// an installed accelerator driver.
var (
	cudaMarkers = []string{
		"/proc/driver/nvidia/version",
		"/dev/nvidia0",
	}
	rocmMarkers = []string{
		"/sys/module/amdgpu/initstate",
		"/dev/kfd",
	}
)

// Probe selects the best available device in priority order CUDA > ROCm > CPU.
// It never fails; ambiguous or unavailable detection degrades to CPU.
func Probe() Capability {
	return probe(os.Stat)
}

type statFunc func(string) (os.FileInfo, error)

func probe(stat statFunc) Capability {
	if anyPresent(stat, cudaMarkers) {
		return Capability{
			Kind:                        KindCUDA,
			Name:                        "nvidia-cuda",
			SupportsMixedPrecision:      true,
			SupportsMemoryIntrospection: true,
			RecommendedBatchCeiling:     4096,
		}
	}
	if anyPresent(stat, rocmMarkers) {
		return Capability{
			Kind:                        KindROCm,
			Name:                        "amd-rocm",
			SupportsMixedPrecision:      true,
			SupportsMemoryIntrospection: false,
			RecommendedBatchCeiling:     2048,
		}
	}
	return cpuCapability()
}

// cpuCapability derives a CPU capability from CPUID feature flags. Wide vector
// units get a higher batch ceiling and are treated as mixed-precision capable.
func cpuCapability() Capability {
	ceiling := 128
	mixed := false
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		ceiling = 1024
		mixed = true
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		ceiling = 512
		mixed = cpuid.CPU.Supports(cpuid.F16C)
	case cpuid.CPU.Supports(cpuid.AVX):
		ceiling = 256
	}

	name := cpuid.CPU.BrandName
	if name == "" {
		name = "generic-cpu"
	}

	return Capability{
		Kind:                        KindCPU,
		Name:                        name,
		SupportsMixedPrecision:      mixed,
		SupportsMemoryIntrospection: false,
		RecommendedBatchCeiling:     ceiling,
	}
}

func anyPresent(stat statFunc, paths []string) bool {
	for _, p := range paths {
		if _, err := stat(p); err == nil {
			return true
		}
	}
	return false
}

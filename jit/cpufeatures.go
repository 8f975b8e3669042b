package jit

import "golang.org/x/sys/cpu"

// cpuFeatures is probed once per process, per spec.md §9 ("CPU feature
// probing... detected once and cached").
type cpuFeatures struct {
	hasLZCNT bool
	hasTZCNT bool
}

var detectedCPUFeatures = cpuFeatures{
	hasLZCNT: cpu.X86.HasLZCNT,
	hasTZCNT: cpu.X86.HasBMI1, // TZCNT is only architecturally guaranteed distinct from BSF when BMI1 is present.
}

// features returns the feature set the compiler should emit for, honoring
// Config.ForceCPUIDFallback for the BSR/BSF-fallback equivalence test spec.md
// §9 and SPEC_FULL.md §13 call for.
func (c *Config) features() cpuFeatures {
	if c.ForceCPUIDFallback {
		return cpuFeatures{}
	}
	return detectedCPUFeatures
}

// Package device describes where kernels run. Only the host CPU is
// supported; the description is logged so runs can be compared across
// machines.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Place is the execution target of an executor.
type Place struct {
	Kind     string
	Brand    string
	Cores    int
	Threads  int
	Features []string
}

// CPU describes the host processor.
func CPU() Place {
	p := Place{
		Kind:    "cpu",
		Brand:   cpuid.CPU.BrandName,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: cpuid.CPU.LogicalCores,
	}
	if p.Brand == "" {
		p.Brand = runtime.GOARCH
	}
	if p.Threads == 0 {
		p.Threads = runtime.NumCPU()
	}
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F} {
		if cpuid.CPU.Supports(f) {
			p.Features = append(p.Features, f.String())
		}
	}
	return p
}

func (p Place) String() string {
	feats := "none"
	if len(p.Features) > 0 {
		feats = strings.Join(p.Features, ",")
	}
	return fmt.Sprintf("%s(%s cores=%d threads=%d features=%s)", p.Kind, p.Brand, p.Cores, p.Threads, feats)
}

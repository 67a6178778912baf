package detections

import (
	"strings"

	"golang.org/x/sys/cpu"
)

// CPUFeatures lists the vector extensions the inference runtime can use on
// this machine, for the startup log.
func CPUFeatures() string {
	var features []string
	switch {
	case cpu.X86.HasAVX512:
		features = append(features, "avx512")
	case cpu.X86.HasAVX2:
		features = append(features, "avx2")
	case cpu.X86.HasSSE41:
		features = append(features, "sse4.1")
	}
	if cpu.X86.HasFMA {
		features = append(features, "fma")
	}
	if cpu.ARM64.HasASIMD {
		features = append(features, "neon")
	}
	if len(features) == 0 {
		return "generic"
	}
	return strings.Join(features, ",")
}

// cpu_features prints the host CPU flags and the kernel features the
// dispatch table would select, as JSON.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-json"
	"golang.org/x/sys/cpu"

	"github.com/samcharles93/punica/internal/kernels"
)

type output struct {
	GoVersion string           `json:"go_version"`
	GoOS      string           `json:"go_os"`
	GoArch    string           `json:"go_arch"`
	CPUs      int              `json:"cpus"`
	Flags     map[string]bool  `json:"flags"`
	Selected  kernels.Features `json:"selected"`
}

func main() {
	flags := map[string]bool{
		"AVX":        cpu.X86.HasAVX,
		"AVX2":       cpu.X86.HasAVX2,
		"FMA":        cpu.X86.HasFMA,
		"AVX512F":    cpu.X86.HasAVX512F,
		"AVX512BF16": cpu.X86.HasAVX512BF16,
		"ASIMD":      cpu.ARM64.HasASIMD,
		"FPHP":       cpu.ARM64.HasFPHP,
		"ASIMDHP":    cpu.ARM64.HasASIMDHP,
	}

	out := output{
		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		Flags:     flags,
		Selected:  kernels.DetectFeatures(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}

package hardware

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// minRAMPerWorkerGB is the memory budget assumed per concurrent
// enhancement. Upscaling holds several frames plus model weights.
const minRAMPerWorkerGB = 4

// Info describes the machine for sizing the worker pool.
type Info struct {
	CPUThreads int     `json:"cpu_threads" yaml:"cpu_threads"`
	CPUModel   string  `json:"cpu_model" yaml:"cpu_model"`
	RAMTotalGB float64 `json:"ram_total_gb" yaml:"ram_total_gb"`
	HasGPU     bool    `json:"has_gpu" yaml:"has_gpu"`
	GPUName    string  `json:"gpu_name,omitempty" yaml:"gpu_name,omitempty"`
	OS         string  `json:"os" yaml:"os"`
	Arch       string  `json:"arch" yaml:"arch"`
}

// Detect gathers hardware information. Failures degrade to conservative
// values instead of erroring; sizing still works on exotic platforms.
func Detect() *Info {
	info := &Info{
		CPUThreads: runtime.NumCPU(),
		CPUModel:   "Unknown",
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
	}

	if counts, err := cpu.Counts(true); err == nil && counts > 0 {
		info.CPUThreads = counts
	}
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		if model := strings.TrimSpace(infos[0].ModelName); model != "" {
			info.CPUModel = model
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.RAMTotalGB = float64(vm.Total) / (1024 * 1024 * 1024)
	}

	info.HasGPU, info.GPUName = detectGPU()
	return info
}

// detectGPU probes for an NVIDIA GPU via nvidia-smi.
func detectGPU() (bool, string) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil || len(out) == 0 {
		return false, ""
	}
	name := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if name == "" {
		return false, ""
	}
	return true, name
}

// RecommendWorkerCount sizes the pool for this machine. Enhancement is
// heavily parallel inside a single job, so more workers than cores/4
// mostly adds contention; with a GPU the device itself is the bottleneck.
func (i *Info) RecommendWorkerCount() int {
	if i.HasGPU {
		// One job saturates most single-GPU setups; very large hosts can
		// overlap decode/encode of a second one.
		if i.CPUThreads >= 16 && i.RAMTotalGB >= 32 {
			return 2
		}
		return 1
	}

	workers := i.CPUThreads / 4
	if workers < 1 {
		workers = 1
	}

	// Cap by memory so concurrent jobs do not page.
	if i.RAMTotalGB > 0 {
		byRAM := int(i.RAMTotalGB / minRAMPerWorkerGB)
		if byRAM < 1 {
			byRAM = 1
		}
		if byRAM < workers {
			workers = byRAM
		}
	}
	return workers
}

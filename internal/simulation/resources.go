package simulation

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is a snapshot of the process footprint.
type ResourceUsage struct {
	CPUPercent          float64 `json:"cpu_percent"`
	MemoryRSS           uint64  `json:"memory_rss"`
	MemoryVMS           uint64  `json:"memory_vms"`
	SystemMemoryPercent float64 `json:"system_memory_percent"`
	Goroutines          int     `json:"goroutines"`
	Threads             int32   `json:"threads"`
}

// resourceMonitor samples the current process. The zero value reports
// goroutines only.
type resourceMonitor struct {
	process      *process.Process
	startCPUTime float64
	startTime    time.Time
}

func newResourceMonitor() *resourceMonitor {
	rm := &resourceMonitor{startTime: time.Now()}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return rm
	}
	rm.process = proc
	if times, err := proc.Times(); err == nil {
		rm.startCPUTime = times.Total()
	}
	return rm
}

// usage returns what could be sampled; unavailable figures stay zero.
func (rm *resourceMonitor) usage() ResourceUsage {
	u := ResourceUsage{Goroutines: runtime.NumGoroutine()}

	if vm, err := mem.VirtualMemory(); err == nil {
		u.SystemMemoryPercent = vm.UsedPercent
	}
	if rm.process == nil {
		return u
	}

	if times, err := rm.process.Times(); err == nil {
		if elapsed := time.Since(rm.startTime).Seconds(); elapsed > 0 {
			u.CPUPercent = (times.Total() - rm.startCPUTime) / elapsed * 100
		}
	}
	if info, err := rm.process.MemoryInfo(); err == nil {
		u.MemoryRSS = info.RSS
		u.MemoryVMS = info.VMS
	}
	u.Threads, _ = rm.process.NumThreads()
	return u
}

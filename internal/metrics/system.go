// System resource sampling, used to populate the admin /admin/system
// surface.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSampler tracks CPU/memory usage with a smoothed CPU reading.
type SystemSampler struct {
	mu         sync.RWMutex
	cpuPercent float64
	memStats   runtime.MemStats
	sampledAt  time.Time
}

// NewSystemSampler constructs a sampler and takes an initial reading.
func NewSystemSampler() *SystemSampler {
	s := &SystemSampler{}
	s.Sample()
	return s
}

// Sample refreshes CPU and memory readings. CPU sampling blocks for about
// 200ms (gopsutil measures over an interval); callers should not call
// this on a latency-sensitive path.
func (s *SystemSampler) Sample() {
	runtime.ReadMemStats(&s.memStats)

	percents, err := cpu.Percent(200*time.Millisecond, false)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampledAt = time.Now()
	if err != nil || len(percents) == 0 {
		return
	}
	current := percents[0]
	if s.cpuPercent == 0 {
		s.cpuPercent = current
		return
	}
	const alpha = 0.3
	s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
}

// Snapshot is a point-in-time view for the admin HTTP surface.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	SysMB         float64   `json:"sys_mb"`
	Goroutines    int       `json:"goroutines"`
	NumCPU        int       `json:"num_cpu"`
	SystemMemPctUsed float64 `json:"system_mem_percent_used"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Snapshot returns the last sampled values.
func (s *SystemSampler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var memPct float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}

	return Snapshot{
		CPUPercent:       s.cpuPercent,
		HeapAllocMB:      float64(s.memStats.HeapAlloc) / 1024 / 1024,
		SysMB:            float64(s.memStats.Sys) / 1024 / 1024,
		Goroutines:       runtime.NumGoroutine(),
		NumCPU:           runtime.NumCPU(),
		SystemMemPctUsed: memPct,
		SampledAt:        s.sampledAt,
	}
}

package server

import (
	"runtime"
	"time"

	gopsdisk "github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
)

type stats struct {
	Title   string    `json:"title"`
	Version string    `json:"version"`
	Uptime  time.Time `json:"uptime"`

	System struct {
		DiskFree    uint64  `json:"diskFree"`
		DiskUsedPct float64 `json:"diskUsedPct"`
		LoadAvg     float64 `json:"loadAvg"`
		GoMemory    uint64  `json:"goMemory"`
		GoRoutines  int     `json:"goRoutines"`
		GoVersion   string  `json:"goVersion"`
	} `json:"system"`
}

// refresh samples the host; called from the 1 Hz sync loop with the state
// lock held, so everything here must be quick.
func (s *stats) refresh(downloadDir string) {
	if usage, err := gopsdisk.Usage(downloadDir); err == nil {
		s.System.DiskFree = usage.Free
		s.System.DiskUsedPct = usage.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		s.System.LoadAvg = avg.Load1
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.System.GoMemory = mem.Alloc
	s.System.GoRoutines = runtime.NumGoroutine()
	s.System.GoVersion = runtime.Version()
}

//go:build linux

package runner

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

// HostProbe reads /proc and statfs of DiskPath
type HostProbe struct {
	DiskPath       string
	SampleInterval time.Duration
}

// Usage samples CPU over SampleInterval and reads memory and disk once
func (p HostProbe) Usage(ctx context.Context) (toolexecutor.HostUsage, error) {
	var usage toolexecutor.HostUsage

	interval := p.SampleInterval
	if interval <= 0 {
		interval = defaultSampleInterval
	}

	before, err := readCPU()
	if err != nil {
		return usage, err
	}
	select {
	case <-ctx.Done():
		return usage, ctx.Err()
	case <-time.After(interval):
	}
	after, err := readCPU()
	if err != nil {
		return usage, err
	}
	usage.CPUPercent = cpuPercent(before, after)

	meminfo, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return usage, err
	}
	if usage.MemoryPercent, err = parseMemInfo(meminfo); err != nil {
		return usage, err
	}

	path := p.DiskPath
	if path == "" {
		path = "/"
	}
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return usage, err
	}
	if st.Blocks > 0 {
		used := float64(st.Blocks-st.Bfree) / float64(st.Blocks) * 100
		usage.DiskPercent = clampPercent(used)
	}
	return usage, nil
}

func readCPU() (cpuSample, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuSample{}, err
	}
	return parseCPUStat(data)
}

package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

const defaultSampleInterval = 200 * time.Millisecond

// cpuSample is the aggregate line of /proc/stat
type cpuSample struct {
	idle  uint64
	total uint64
}

// parseCPUStat reads the aggregate "cpu" line of /proc/stat
func parseCPUStat(data []byte) (cpuSample, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		var s cpuSample
		for i, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return cpuSample{}, fmt.Errorf("invalid cpu field %q: %w", f, err)
			}
			s.total += v
			// idle and iowait
			if i == 3 || i == 4 {
				s.idle += v
			}
		}
		return s, nil
	}
	return cpuSample{}, fmt.Errorf("no aggregate cpu line")
}

func cpuPercent(before, after cpuSample) float64 {
	if after.total <= before.total {
		return 0
	}
	total := float64(after.total - before.total)
	idle := float64(after.idle - before.idle)
	return clampPercent((total - idle) / total * 100)
}

// parseMemInfo returns used memory as a percentage of MemTotal
func parseMemInfo(data []byte) (float64, error) {
	values := map[string]float64{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		name, rest, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			continue
		}
		values[name] = v
	}

	total := values["MemTotal"]
	if total <= 0 {
		return 0, fmt.Errorf("MemTotal missing")
	}
	available, ok := values["MemAvailable"]
	if !ok {
		available = values["MemFree"] + values["Buffers"] + values["Cached"]
	}
	return clampPercent((total - available) / total * 100), nil
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}

// UsageProbe measures host usage for GET /health
type UsageProbe interface {
	Usage(ctx context.Context) (toolexecutor.HostUsage, error)
}

// UsageProbeFunc adapts a function to UsageProbe
type UsageProbeFunc func(ctx context.Context) (toolexecutor.HostUsage, error)

// Usage calls f
func (f UsageProbeFunc) Usage(ctx context.Context) (toolexecutor.HostUsage, error) {
	return f(ctx)
}

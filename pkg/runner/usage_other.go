//go:build !linux

package runner

import (
	"context"
	"errors"
	"time"

	"github.com/harun/agentgw/pkg/toolexecutor"
)

// HostProbe reports zero usage off Linux
type HostProbe struct {
	DiskPath       string
	SampleInterval time.Duration
}

// Usage is not supported on this platform
func (p HostProbe) Usage(ctx context.Context) (toolexecutor.HostUsage, error) {
	return toolexecutor.HostUsage{}, errors.New("host usage is only available on linux")
}

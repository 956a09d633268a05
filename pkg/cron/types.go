package cron

import (
	"context"
	"time"
)

// JobFunc is one unit of scheduled work
type JobFunc func(ctx context.Context) error

// Dispatcher runs a job on behalf of the scheduler, e.g. on a queue lane.
// It must block until fn has returned.
type Dispatcher func(ctx context.Context, name string, fn JobFunc) error

// Job status values
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// JobState is the runtime state of a registered job
type JobState struct {
	Name              string        `json:"name"`
	Spec              string        `json:"spec"`
	NextRunAt         time.Time     `json:"nextRunAt,omitempty"`
	LastRunAt         time.Time     `json:"lastRunAt,omitempty"`
	LastStatus        string        `json:"lastStatus,omitempty"` // ok, error or skipped
	LastError         string        `json:"lastError,omitempty"`
	LastDuration      time.Duration `json:"lastDuration,omitempty"`
	Running           bool          `json:"running"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutiveErrors,omitempty"`
}

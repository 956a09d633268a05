package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/pkg/commandqueue"
	"github.com/harun/agentgw/pkg/cron"
)

// Maintenance job names
const (
	JobPurgeExpired      = "purge-expired"
	JobTranscriptArchive = "transcript-archive"
	JobFlushLanes        = "flush-lanes"
	JobQueueStats        = "queue-stats"
)

const defaultMaintenanceSchedule = "@every 1h"

// registerMaintenance schedules the periodic housekeeping jobs
func (d *Daemon) registerMaintenance(schedule string) error {
	if schedule == "" {
		schedule = defaultMaintenanceSchedule
	}

	if err := d.scheduler.Add(JobPurgeExpired, schedule, d.purgeExpired); err != nil {
		return err
	}
	if d.archiver != nil {
		if err := d.scheduler.Add(JobTranscriptArchive, schedule, d.archiveTranscripts); err != nil {
			return err
		}
	}
	if err := d.scheduler.Add(JobFlushLanes, schedule, d.dropFlushLanes); err != nil {
		return err
	}
	// stats are cheap and useful at a finer grain than the rest
	return d.scheduler.Add(JobQueueStats, "@every 30s", d.logQueueStats)
}

// dispatchMaintenance runs jobs one at a time on the maintenance lane
func (d *Daemon) dispatchMaintenance(ctx context.Context, name string, fn cron.JobFunc) error {
	_, err := d.queue.Enqueue(ctx, commandqueue.LaneMaintenance, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// purgeExpired drops expired idempotency records and aborts whose run never
// started
func (d *Daemon) purgeExpired(ctx context.Context) error {
	if n := d.agentRunner.Engine().PurgePendingAborts(); n > 0 {
		d.log.Info().Int("purged", n).Msg("Expired pending aborts purged")
	}

	n, err := d.store.Idempotency.Purge(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	if n > 0 {
		d.log.Info().Int("purged", n).Msg("Expired idempotency records purged")
	}
	return nil
}

func (d *Daemon) archiveTranscripts(ctx context.Context) error {
	_, err := d.archiver.Run(ctx)
	return err
}

func (d *Daemon) dropFlushLanes(ctx context.Context) error {
	d.queue.DropIdleLanes(commandqueue.LaneMemoryFlushPrefix)
	return nil
}

func (d *Daemon) logQueueStats(ctx context.Context) error {
	for lane, s := range d.queue.Stats() {
		if s.Queued > 0 || s.Running > 0 {
			d.log.Debug().
				Str("lane", lane).
				Int("queued", s.Queued).
				Int("running", s.Running).
				Msg("Queue stats")
		}
	}
	engine := d.agentRunner.Engine()
	d.log.Debug().
		Int("active_runs", engine.ActiveRuns()).
		Int("pending_aborts", engine.PendingAborts()).
		Msg("Run stats")

	count, err := d.store.Sessions.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count sessions: %w", err)
	}
	observability.SetActiveSessions(count)
	return nil
}

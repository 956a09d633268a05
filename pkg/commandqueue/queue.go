package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentgw/internal/observability"
	"github.com/harun/agentgw/internal/tracing"
)

// Lane names used by the gateway.
const (
	LaneMaintenance = "maintenance"
	// LaneMemoryFlushPrefix is joined with a session id; flushes for one
	// session run one at a time.
	LaneMemoryFlushPrefix = "memory-flush:"
)

// ErrQueueClosed is returned for tasks submitted to, or still waiting in, a
// closed queue
var ErrQueueClosed = errors.New("command queue closed")

// MemoryFlushLane returns the lane that serialises memory flushes for a session.
func MemoryFlushLane(sessionID string) string {
	return LaneMemoryFlushPrefix + sessionID
}

// Task is a unit of work run on a lane
type Task func(ctx context.Context) (interface{}, error)

// Result is delivered on the channel returned by EnqueueAsync.
type Result struct {
	Value interface{}
	Err   error
}

// LaneStats is a snapshot of one lane
type LaneStats struct {
	Queued      int
	Running     int
	Concurrency int
}

type job struct {
	id         string
	ctx        context.Context
	task       Task
	enqueuedAt time.Time
	done       chan Result
}

func (j *job) finish(value interface{}, err error) {
	j.done <- Result{Value: value, Err: err}
	close(j.done)
}

type lane struct {
	name    string
	limit   int
	mu      sync.Mutex
	waiting []*job
	running int
}

// CommandQueue runs tasks on named lanes. Tasks on one lane start in FIFO
// order with at most the lane's concurrency running; lanes are independent.
type CommandQueue struct {
	mu     sync.RWMutex
	lanes  map[string]*lane
	seq    atomic.Uint64
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue with the maintenance lane. Other lanes are created on
// first use with a concurrency of one.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
	cq.laneFor(LaneMaintenance)
	return cq
}

func (cq *CommandQueue) laneFor(name string) *lane {
	cq.mu.RLock()
	l, ok := cq.lanes[name]
	cq.mu.RUnlock()
	if ok {
		return l
	}

	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok := cq.lanes[name]; ok {
		return l
	}
	l = &lane{name: name, limit: 1}
	cq.lanes[name] = l
	log.Debug().Str("lane", name).Msg("Lane created")
	return l
}

// Enqueue runs task on lane and blocks until it has run or was rejected.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "agentgw.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()

	j, err := cq.submit(ctx, lane, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := <-j.done
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res.Value, res.Err
}

// EnqueueAsync submits task and returns immediately. The channel receives
// exactly one Result and is then closed.
func (cq *CommandQueue) EnqueueAsync(ctx context.Context, lane string, task Task) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	j, err := cq.submit(ctx, lane, task)
	if err != nil {
		out := make(chan Result, 1)
		out <- Result{Err: err}
		close(out)
		return out
	}
	return j.done
}

func (cq *CommandQueue) submit(ctx context.Context, name string, task Task) (*job, error) {
	if cq.ctx.Err() != nil {
		return nil, ErrQueueClosed
	}
	if tracing.GetSessionKey(ctx) == "" {
		ctx = tracing.WithSessionKey(ctx, name)
	}

	j := &job{
		id:         fmt.Sprintf("%s-%d", name, cq.seq.Add(1)),
		ctx:        ctx,
		task:       task,
		enqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}

	l := cq.laneFor(name)
	l.mu.Lock()
	l.waiting = append(l.waiting, j)
	queued := len(l.waiting)
	l.mu.Unlock()

	observability.RecordQueueEnqueue(name, queued)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Str("lane", name).Str("task_id", j.id).Int("queued", queued).Msg("Task enqueued")

	cq.pump(l)
	return j, nil
}

// pump starts waiting jobs while the lane has capacity. Jobs whose context
// ended while waiting are rejected with the context error.
func (cq *CommandQueue) pump(l *lane) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.running < l.limit && len(l.waiting) > 0 && cq.ctx.Err() == nil {
		j := l.waiting[0]
		l.waiting = l.waiting[1:]
		observability.SetQueueSize(l.name, len(l.waiting))

		if err := j.ctx.Err(); err != nil {
			j.finish(nil, err)
			continue
		}

		l.running++
		cq.wg.Add(1)
		go cq.run(l, j)
	}
}

func (cq *CommandQueue) run(l *lane, j *job) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(j.ctx, "agentgw.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", l.name),
		attribute.String("task_id", j.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger).With().Str("lane", l.name).Str("task_id", j.id).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := j.task(runCtx)
	duration := time.Since(start)

	stop()
	cancel()

	l.mu.Lock()
	l.running--
	queued := len(l.waiting)
	l.mu.Unlock()

	j.finish(value, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", duration).Msg("Task failed")
	} else {
		logger.Debug().
			Dur("duration", duration).
			Dur("wait", start.Sub(j.enqueuedAt)).
			Msg("Task completed")
	}
	observability.RecordQueueCompletion(l.name, duration, err == nil, queued)

	cq.pump(l)
}

// Stats returns a snapshot of every lane
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.RLock()
	defer cq.mu.RUnlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for name, l := range cq.lanes {
		l.mu.Lock()
		stats[name] = LaneStats{Queued: len(l.waiting), Running: l.running, Concurrency: l.limit}
		l.mu.Unlock()
	}
	return stats
}

// Drain waits until no task is running, or timeout passes. It reports
// whether the queue went idle.
func (cq *CommandQueue) Drain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		busy := 0
		for _, s := range cq.Stats() {
			busy += s.Running
		}
		if busy == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Int("running", busy).Msg("Queue did not drain in time")
			return false
		}
		<-ticker.C
	}
}

// DropIdleLanes removes lanes whose name starts with prefix and that have
// nothing queued or running. It returns the number of lanes removed.
func (cq *CommandQueue) DropIdleLanes(prefix string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	dropped := 0
	for name, l := range cq.lanes {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		l.mu.Lock()
		idle := l.running == 0 && len(l.waiting) == 0
		l.mu.Unlock()
		if idle {
			delete(cq.lanes, name)
			dropped++
		}
	}
	if dropped > 0 {
		log.Debug().Str("prefix", prefix).Int("dropped", dropped).Msg("Idle lanes dropped")
	}
	return dropped
}

// Close rejects waiting tasks, cancels running ones and waits for them to return
func (cq *CommandQueue) Close() error {
	cq.cancel()

	cq.mu.RLock()
	for _, l := range cq.lanes {
		l.mu.Lock()
		for _, j := range l.waiting {
			j.finish(nil, ErrQueueClosed)
		}
		l.waiting = nil
		l.mu.Unlock()
	}
	cq.mu.RUnlock()

	cq.wg.Wait()
	return nil
}

package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/tollgate/internal/observability"
	"github.com/harun/tollgate/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrQueueClosed is returned for tasks enqueued after Close and for tasks
// still waiting when Close is called.
var ErrQueueClosed = errors.New("command queue closed")

// Task is the unit of work run inside a lane.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tune a single Enqueue call.
type TaskOptions struct {
	// WarnAfter logs a warning when the task is still waiting this long.
	WarnAfter time.Duration
	// OnWait is called alongside the warning with the wait so far and the
	// task's position in its lane.
	OnWait func(wait time.Duration, queuePos int)
}

// CommandQueue runs tasks in named lanes. Tasks sharing a lane run in FIFO
// order, by default one at a time.
type CommandQueue struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	limits  map[string]int
	seq     uint64
	closed  bool
	drained chan struct{} // closed while no lane is live

	running   sync.WaitGroup
	stop      context.Context
	cancelAll context.CancelFunc
}

// New returns an empty queue.
func New() *CommandQueue {
	observability.EnsureRegistered()

	stop, cancel := context.WithCancel(context.Background())
	drained := make(chan struct{})
	close(drained)
	return &CommandQueue{
		lanes:     make(map[string]*lane),
		limits:    make(map[string]int),
		drained:   drained,
		stop:      stop,
		cancelAll: cancel,
	}
}

// Enqueue is EnqueueWithContext with a background context.
func (cq *CommandQueue) Enqueue(name string, task Task, options *TaskOptions) (interface{}, error) {
	return cq.EnqueueWithContext(context.Background(), name, task, options)
}

// EnqueueWithContext runs task in the named lane and waits for its result.
// If ctx ends while the task is still waiting, the task is withdrawn and never
// runs; if it ends mid-run, the task sees the cancellation through its own
// context. Either way the caller gets ctx.Err().
func (cq *CommandQueue) EnqueueWithContext(ctx context.Context, name string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := tracing.StartSpan(ctx, "tollgate.commandqueue", "commandqueue.enqueue",
		attribute.String("lane", name))
	defer span.End()

	j, depth, err := cq.submit(ctx, name, task, options)
	if err != nil {
		return nil, err
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", name).
		Str("task_id", j.id).
		Int("queue_size", depth).
		Msg("Task enqueued")
	observability.RecordQueueEnqueue(laneLabel(name), depth)

	if j.opts.WarnAfter > 0 {
		go cq.watch(j)
	}

	var out outcome
	select {
	case out = <-j.done:
	case <-ctx.Done():
		cq.withdraw(j)
		out = outcome{err: ctx.Err()}
	}
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out.value, out.err
}

func (cq *CommandQueue) submit(ctx context.Context, name string, task Task, options *TaskOptions) (*job, int, error) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	if cq.closed {
		return nil, 0, ErrQueueClosed
	}
	l := cq.laneLocked(name)
	cq.seq++
	j := &job{
		id:       fmt.Sprintf("%s-%d", name, cq.seq),
		lane:     name,
		task:     task,
		ctx:      ctx,
		queuedAt: time.Now(),
		done:     make(chan outcome, 1),
	}
	if options != nil {
		j.opts = *options
	}
	l.waiting = append(l.waiting, j)
	depth := len(l.waiting)
	cq.dispatchLocked(l)
	return j, depth, nil
}

func (cq *CommandQueue) laneLocked(name string) *lane {
	if l, ok := cq.lanes[name]; ok {
		return l
	}
	if len(cq.lanes) == 0 {
		cq.drained = make(chan struct{})
	}
	limit := cq.limits[name]
	if limit <= 0 {
		limit = 1
	}
	l := &lane{name: name, limit: limit}
	cq.lanes[name] = l
	return l
}

// dispatchLocked starts waiting jobs while the lane has room. Jobs whose
// caller already gave up are dropped.
func (cq *CommandQueue) dispatchLocked(l *lane) {
	for l.active < l.limit && len(l.waiting) > 0 {
		j := l.waiting[0]
		l.waiting[0] = nil
		l.waiting = l.waiting[1:]
		if err := j.ctx.Err(); err != nil {
			j.done <- outcome{err: err}
			continue
		}
		l.active++
		cq.running.Add(1)
		go cq.run(l, j)
	}
	cq.releaseLocked(l)
}

func (cq *CommandQueue) releaseLocked(l *lane) {
	if !l.empty() || cq.lanes[l.name] != l {
		return
	}
	delete(cq.lanes, l.name)
	if len(cq.lanes) == 0 {
		close(cq.drained)
	}
}

func (cq *CommandQueue) withdraw(j *job) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok := cq.lanes[j.lane]; ok && l.remove(j) {
		cq.releaseLocked(l)
	}
}

func (cq *CommandQueue) run(l *lane, j *job) {
	defer cq.running.Done()

	ctx, span := tracing.StartSpan(j.ctx, "tollgate.commandqueue", "commandqueue.execute_task",
		attribute.String("lane", l.name),
		attribute.String("task_id", j.id))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	unhook := context.AfterFunc(cq.stop, cancel)
	started := time.Now()
	value, err := call(runCtx, j.task)
	elapsed := time.Since(started)
	unhook()
	cancel()

	j.done <- outcome{value: value, err: err}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Err(err).Str("task_id", j.id).Dur("duration", elapsed).Msg("Task failed")
	} else {
		logger.Debug().Str("task_id", j.id).Dur("duration", elapsed).Msg("Task completed")
	}

	cq.mu.Lock()
	l.active--
	depth := len(l.waiting)
	cq.dispatchLocked(l)
	cq.mu.Unlock()

	observability.RecordQueueCompletion(laneLabel(l.name), elapsed, err == nil, depth)
}

func call(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// watch warns once if j is still waiting after WarnAfter.
func (cq *CommandQueue) watch(j *job) {
	timer := time.NewTimer(j.opts.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-j.ctx.Done():
		return
	case <-cq.stop.Done():
		return
	}

	cq.mu.Lock()
	pos := -1
	if l, ok := cq.lanes[j.lane]; ok {
		pos = l.position(j)
	}
	cq.mu.Unlock()
	if pos < 0 {
		return
	}

	wait := time.Since(j.queuedAt)
	log.Warn().
		Str("lane", j.lane).
		Str("task_id", j.id).
		Dur("wait", wait).
		Int("queue_pos", pos).
		Msg("Task waiting longer than expected")
	if j.opts.OnWait != nil {
		j.opts.OnWait(wait, pos)
	}
}

// SetConcurrency sets how many tasks in the lane may run at once. Values
// below one mean one. A live lane picks the change up immediately.
func (cq *CommandQueue) SetConcurrency(name string, n int) {
	if n <= 0 {
		n = 1
	}
	cq.mu.Lock()
	defer cq.mu.Unlock()

	cq.limits[name] = n
	if l, ok := cq.lanes[name]; ok {
		l.limit = n
		cq.dispatchLocked(l)
	}
}

// GetQueueSize returns how many tasks wait in the lane.
func (cq *CommandQueue) GetQueueSize(name string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok := cq.lanes[name]; ok {
		return len(l.waiting)
	}
	return 0
}

// GetRunningCount returns how many tasks in the lane are executing.
func (cq *CommandQueue) GetRunningCount(name string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if l, ok := cq.lanes[name]; ok {
		return l.active
	}
	return 0
}

// LaneCount returns the number of live lanes.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// GetStats reports queued, running and concurrency per live lane.
func (cq *CommandQueue) GetStats() map[string]map[string]int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]map[string]int, len(cq.lanes))
	for name, l := range cq.lanes {
		stats[name] = map[string]int{
			"queued":      len(l.waiting),
			"running":     l.active,
			"concurrency": l.limit,
		}
	}
	return stats
}

// WaitForActive blocks until no lane is live or timeout passes. It reports
// whether the queue drained.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	cq.mu.Lock()
	drained := cq.drained
	cq.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		return true
	case <-timer.C:
		log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
		return false
	}
}

// Close rejects new tasks, fails waiting ones with ErrQueueClosed, cancels
// running ones and waits for them to return.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	cq.closed = true
	for _, l := range cq.lanes {
		for _, j := range l.waiting {
			j.done <- outcome{err: ErrQueueClosed}
		}
		l.waiting = nil
		cq.releaseLocked(l)
	}
	cq.mu.Unlock()

	cq.cancelAll()
	cq.running.Wait()
	return nil
}

// laneLabel bounds metric cardinality: "thread:abc" is reported as "thread".
func laneLabel(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}

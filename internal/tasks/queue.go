package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/telemetry"
)

const defaultRequeueDelay = 10 * time.Millisecond

// item is anything a queue can hold: *Task or a type embedding it.
type item interface {
	base() *Task
}

type key struct {
	kind string
	uid  string
}

func keyOf(t *Task) key { return key{kind: t.kind, uid: t.uid} }

type QueueOption func(*queueConfig)

type queueConfig struct {
	logger       logging.Logger
	requeueDelay time.Duration
	idleWait     time.Duration
	dedup        bool
}

func WithLogger(l logging.Logger) QueueOption {
	return func(c *queueConfig) { c.logger = l }
}

// WithRequeueDelay sets how long a worker waits after putting back a task
// whose dependencies are not finished yet.
func WithRequeueDelay(d time.Duration) QueueOption {
	return func(c *queueConfig) { c.requeueDelay = d }
}

// WithDeduplication makes a FIFO queue keep at most one task per (kind, uid)
// in flight.
func WithDeduplication() QueueOption {
	return func(c *queueConfig) { c.dedup = true }
}

// engine is the worker machinery shared by all queue flavours.
type engine[T item] struct {
	name         string
	logger       logging.Logger
	buf          buffer[T]
	dedup        bool
	idleWait     time.Duration
	requeueDelay time.Duration

	mu        sync.Mutex
	reserved  map[key]*Task
	lastRun   map[key]time.Time
	executing map[*Task]T
	idle      int
	started   bool
	group     *errgroup.Group
}

func newEngine[T item](name string, buf buffer[T], dedup bool, opts []QueueOption) *engine[T] {
	cfg := queueConfig{logger: logging.Nop(), requeueDelay: defaultRequeueDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &engine[T]{
		name:         name,
		logger:       cfg.logger.With("queue", name),
		buf:          buf,
		dedup:        dedup || cfg.dedup,
		idleWait:     cfg.idleWait,
		requeueDelay: cfg.requeueDelay,
		reserved:     make(map[key]*Task),
		lastRun:      make(map[key]time.Time),
		executing:    make(map[*Task]T),
	}
}

// Queue adds a task. Tasks with dependencies are refused with
// ErrHasDependencies. On deduplicating queues a task whose (kind, uid) is
// already queued or executing is silently dropped.
func (e *engine[T]) Queue(v T) error {
	ctx := context.Background()
	t := v.base()

	if len(t.Dependencies()) > 0 {
		logging.ContractViolation(ctx, e.logger, "refusing task with dependencies", "task", t.String())
		return ErrHasDependencies
	}

	reserved := false
	if e.dedup && t.uid != "" {
		k := keyOf(t)
		e.mu.Lock()
		if _, busy := e.reserved[k]; busy {
			e.mu.Unlock()
			e.logger.Debug(ctx, "task already in flight", "task", t.String())
			return nil
		}
		e.reserved[k] = t
		e.mu.Unlock()
		reserved = true
	}

	if !t.moveTo(Pending) {
		if reserved {
			e.release(t)
		}
		logging.ContractViolation(ctx, e.logger, "task queued twice", "task", t.String(), "state", t.State().String())
		return ErrAlreadyQueued
	}

	e.buf.push(v)
	telemetry.TasksQueued.WithLabelValues(e.name).Inc()
	return nil
}

// Execute starts workers goroutines that run until ctx is done. A queue can
// only be executed once.
func (e *engine[T]) Execute(ctx context.Context, workers int, label string) error {
	if workers < 1 {
		workers = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		logging.ContractViolation(ctx, e.logger, "queue executed twice", "label", label)
		return ErrAlreadyExecuting
	}
	e.started = true

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		id := fmt.Sprintf("%s-%d", label, i)
		g.Go(func() error {
			e.work(gctx, id)
			return nil
		})
	}
	e.group = g

	e.logger.Info(ctx, "queue started", "label", label, "workers", workers)
	return nil
}

// Wait blocks until every worker has returned.
func (e *engine[T]) Wait() {
	e.mu.Lock()
	g := e.group
	e.mu.Unlock()
	if g != nil {
		_ = g.Wait()
	}
}

// Len is the number of tasks waiting to be taken by a worker.
func (e *engine[T]) Len() int { return e.buf.len() }

func (e *engine[T]) work(ctx context.Context, id string) {
	ctx = withWorker(ctx, id)
	for {
		v, ok := e.take(ctx)
		if !ok {
			return
		}
		e.process(ctx, v)
	}
}

func (e *engine[T]) take(ctx context.Context) (T, bool) {
	e.mu.Lock()
	e.idle++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.idle--
		e.mu.Unlock()
	}()

	if e.idleWait <= 0 {
		return e.buf.pop(ctx)
	}
	for {
		if v, ok := e.buf.tryPop(); ok {
			return v, true
		}
		if !sleep(ctx, e.idleWait) {
			var zero T
			return zero, false
		}
	}
}

func (e *engine[T]) process(ctx context.Context, v T) {
	t := v.base()

	t.UpdateReadiness()
	switch t.State() {
	case Cancelled:
		e.settle(ctx, t, "cancelled")
		return
	case Pending:
		e.buf.push(v)
		sleep(ctx, e.requeueDelay)
		return
	case Ready:
	default:
		e.logger.Warn(ctx, "unexpected task state", "task", t.String(), "state", t.State().String())
		e.release(t)
		return
	}

	if wait := e.throttle(t); wait > 0 {
		e.logger.Debug(ctx, "throttling task", "task", t.String(), "wait", wait)
		if !sleep(ctx, wait) {
			return
		}
	}

	e.execute(ctx, v)
}

func (e *engine[T]) throttle(t *Task) time.Duration {
	if t.minInterval <= 0 {
		return 0
	}
	e.mu.Lock()
	last, ok := e.lastRun[keyOf(t)]
	e.mu.Unlock()
	if !ok {
		return 0
	}
	return time.Until(last.Add(t.minInterval))
}

func (e *engine[T]) execute(ctx context.Context, v T) {
	t := v.base()
	now := time.Now()

	t.mu.Lock()
	started := t.transition(Executing)
	if started {
		t.lastExec = now
	}
	t.mu.Unlock()
	if !started {
		// cancelled between readiness and start
		t.UpdateReadiness()
		e.settle(ctx, t, "cancelled")
		return
	}

	e.mu.Lock()
	e.executing[t] = v
	e.lastRun[keyOf(t)] = now
	e.mu.Unlock()
	telemetry.TasksExecuting.WithLabelValues(e.name).Inc()

	runCtx, cancelRun := context.WithCancel(ctx)
	stop := context.AfterFunc(t.cancelCtx, cancelRun)
	err := e.invoke(runCtx, t)
	stop()
	cancelRun()

	e.mu.Lock()
	delete(e.executing, t)
	e.mu.Unlock()
	telemetry.TasksExecuting.WithLabelValues(e.name).Dec()

	outcome := "finished"
	switch {
	case t.IsCancelRequested():
		t.moveTo(Cancelled)
		outcome = "cancelled"
	case err != nil:
		e.logger.Error(ctx, "task failed", "task", t.String(), "error", err)
		t.Cancel(ReasonExecutionFailed)
		t.moveTo(Cancelled)
		outcome = "failed"
	default:
		t.moveTo(Finished)
	}
	e.settle(ctx, t, outcome)
}

func (e *engine[T]) invoke(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			e.logger.Error(ctx, "task panicked", "task", t.String(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	if t.run == nil {
		return nil
	}
	return t.run(ctx)
}

// settle releases the reservation before running the cancel hook so the hook
// can queue a replacement.
func (e *engine[T]) settle(ctx context.Context, t *Task, outcome string) {
	e.release(t)
	telemetry.TasksFinished.WithLabelValues(e.name, outcome).Inc()

	hook, reason, ok := t.takeCancelHook()
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error(ctx, "cancel hook panicked", "task", t.String(), "panic", r)
		}
	}()
	hook(reason)
}

func (e *engine[T]) release(t *Task) {
	if !e.dedup || t.uid == "" {
		return
	}
	k := keyOf(t)
	e.mu.Lock()
	if e.reserved[k] == t {
		delete(e.reserved, k)
	}
	e.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type workerKey struct{}

func withWorker(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerKey{}, id)
}

// Worker returns the id of the queue worker running ctx, if any.
func Worker(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(workerKey{}).(string)
	return id, ok
}

// Queue is a FIFO queue without deduplication.
type Queue struct {
	*engine[*Task]
}

func NewQueue(name string, opts ...QueueOption) *Queue {
	return &Queue{engine: newEngine[*Task](name, newFIFO[*Task](), false, opts)}
}

// NewPersistentQueue returns a FIFO queue whose idle workers poll every
// idleWait instead of blocking.
func NewPersistentQueue(name string, idleWait time.Duration, opts ...QueueOption) *Queue {
	opts = append(opts, func(c *queueConfig) { c.idleWait = idleWait })
	return &Queue{engine: newEngine[*Task](name, newFIFO[*Task](), false, opts)}
}

// DedupQueue is a FIFO queue that keeps at most one task per (kind, uid) in
// flight.
type DedupQueue struct {
	*engine[*Task]
}

func NewDedupQueue(name string, opts ...QueueOption) *DedupQueue {
	return &DedupQueue{engine: newEngine[*Task](name, newFIFO[*Task](), true, opts)}
}

// PriorityQueue is a deduplicating queue that always hands out the task with
// the lowest priority value.
type PriorityQueue struct {
	*engine[*PriorityTask]
}

func NewPriorityQueue(name string, opts ...QueueOption) *PriorityQueue {
	buf := newOrdered(func(a, b *PriorityTask) bool { return a.Less(b) })
	return &PriorityQueue{engine: newEngine[*PriorityTask](name, buf, true, opts)}
}

// PreemptionCandidate returns the executing task with the highest priority
// value, the one that would make room for a more urgent task. There is no
// candidate while some worker is idle.
func (q *PriorityQueue) PreemptionCandidate() (*PriorityTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.idle > 0 {
		return nil, false
	}
	var worst *PriorityTask
	for _, p := range q.executing {
		if worst == nil || p.priority > worst.priority {
			worst = p
		}
	}
	return worst, worst != nil
}

package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrHasDependencies  = errors.New("task has dependencies")
	ErrAlreadyQueued    = errors.New("task already queued")
	ErrAlreadyExecuting = errors.New("queue already executing")
)

// State of a task. Transitions only move forward; see allowed.
type State int32

const (
	NotQueued State = iota
	Pending
	Ready
	Executing
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case NotQueued:
		return "not_queued"
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Executing:
		return "executing"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) Terminal() bool { return s == Finished || s == Cancelled }

var allowed = map[State]map[State]bool{
	NotQueued: {Pending: true, Cancelled: true},
	Pending:   {Pending: true, Ready: true, Cancelled: true},
	Ready:     {Ready: true, Executing: true, Cancelled: true},
	Executing: {Finished: true, Cancelled: true},
}

// CancelReason is an application-defined code. Negative values are reserved
// for the scheduler.
type CancelReason int

const (
	ReasonExecutionFailed     CancelReason = -1
	ReasonDependencyCancelled CancelReason = -2
)

// RunFunc is a task body.
type RunFunc func(ctx context.Context) error

type Option func(*Task)

// WithMinInterval makes a queue wait until at least d has passed since the
// last execution of a task with the same kind and uid before running this one.
func WithMinInterval(d time.Duration) Option {
	return func(t *Task) { t.minInterval = d }
}

// WithCancelHook sets a function called exactly once after the task ends up
// Cancelled, with the latched reason. Hooks must not block for long.
func WithCancelHook(fn func(CancelReason)) Option {
	return func(t *Task) { t.onCancel = fn }
}

type Task struct {
	kind        string
	uid         string
	run         RunFunc
	minInterval time.Duration
	onCancel    func(CancelReason)

	cancelCtx context.Context
	cancelFn  context.CancelFunc
	done      chan struct{}

	mu              sync.Mutex
	state           State
	deps            []*Task
	dependents      []*Task
	cancelRequested bool
	reason          CancelReason
	hookFired       bool
	lastExec        time.Time
}

// New creates a detached task. uid may be empty, in which case the task is
// never deduplicated.
func New(kind, uid string, run RunFunc, opts ...Option) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		kind:      kind,
		uid:       uid,
		run:       run,
		cancelCtx: ctx,
		cancelFn:  cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) base() *Task { return t }

func (t *Task) Kind() string { return t.kind }
func (t *Task) UID() string  { return t.uid }

func (t *Task) String() string {
	if t.uid == "" {
		return t.kind
	}
	return t.kind + "/" + t.uid
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed once the task reaches Finished or Cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// CancelReason returns the latched reason, if any.
func (t *Task) CancelReason() (CancelReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.cancelRequested
}

func (t *Task) IsCancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// LastExecution is the time the task started executing, zero before that.
func (t *Task) LastExecution() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastExec
}

func (t *Task) Dependencies() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.deps...)
}

// AddDependency makes t wait for dep. The dependency is also added to every
// task that (transitively) depends on t. Adding to an executing or finished
// task is ignored.
func (t *Task) AddDependency(dep *Task) {
	if dep == nil || dep == t {
		return
	}

	t.mu.Lock()
	if t.state >= Executing {
		t.mu.Unlock()
		return
	}
	for _, d := range t.deps {
		if d == dep {
			t.mu.Unlock()
			return
		}
	}
	t.deps = append(t.deps, dep)
	dependents := append([]*Task(nil), t.dependents...)
	t.mu.Unlock()

	dep.mu.Lock()
	dep.dependents = append(dep.dependents, t)
	dep.mu.Unlock()

	for _, d := range dependents {
		d.AddDependency(dep)
	}
}

// Cancel latches reason (the first reason wins) and cancels the context handed
// to a running body. It does not interrupt the body; the state changes when a
// queue next looks at the task or the body returns.
func (t *Task) Cancel(reason CancelReason) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	if !t.cancelRequested {
		t.cancelRequested = true
		t.reason = reason
	}
	t.mu.Unlock()

	t.cancelFn()
}

// UpdateReadiness moves a pending task to Ready once every dependency has
// finished, and to Cancelled when a dependency was cancelled or a cancel was
// requested.
func (t *Task) UpdateReadiness() {
	t.mu.Lock()
	if t.state >= Executing {
		t.mu.Unlock()
		return
	}
	deps := append([]*Task(nil), t.deps...)
	t.mu.Unlock()

	allFinished := true
	depCancelled := false
	for _, d := range deps {
		switch d.State() {
		case Finished:
		case Cancelled:
			depCancelled = true
			allFinished = false
		default:
			allFinished = false
		}
	}
	if depCancelled {
		t.Cancel(ReasonDependencyCancelled)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.cancelRequested:
		t.transition(Cancelled)
	case allFinished && t.state == Pending:
		t.transition(Ready)
	}
}

// transition must be called with t.mu held. It reports whether the move was
// allowed.
func (t *Task) transition(to State) bool {
	if !allowed[t.state][to] {
		return false
	}
	t.state = to
	if to.Terminal() {
		close(t.done)
		t.cancelFn()
	}
	return true
}

func (t *Task) moveTo(to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transition(to)
}

// takeCancelHook returns the hook and reason the first time it is called on a
// cancelled task.
func (t *Task) takeCancelHook() (func(CancelReason), CancelReason, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Cancelled || t.hookFired {
		return nil, 0, false
	}
	t.hookFired = true
	return t.onCancel, t.reason, t.onCancel != nil
}

// PriorityTask is ordered by priority only; lower values run first.
type PriorityTask struct {
	*Task
	priority int64
}

func NewPriority(kind, uid string, priority int64, run RunFunc, opts ...Option) *PriorityTask {
	return &PriorityTask{Task: New(kind, uid, run, opts...), priority: priority}
}

func (p *PriorityTask) Priority() int64 { return p.priority }

func (p *PriorityTask) Less(o *PriorityTask) bool { return p.priority < o.priority }

package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dmitrijs2005/outboxd/internal/logging"
	"github.com/dmitrijs2005/outboxd/internal/telemetry"
)

const maxShift = 32

// timer is the part of *time.Timer the scheduler needs.
type timer interface {
	Stop() bool
}

type pending struct {
	work  func()
	timer timer
}

// Scheduler is safe for concurrent use.
type Scheduler[K comparable] struct {
	base   time.Duration
	name   string
	logger logging.Logger

	mu       sync.Mutex
	failures map[K]int
	pending  map[K]*pending
	stopped  bool

	jitter    func() float64
	afterFunc func(d time.Duration, f func()) timer
}

// New creates a scheduler whose first retry for a key waits between base and
// 2*base. name labels log lines and metrics.
func New[K comparable](name string, base time.Duration, logger logging.Logger) *Scheduler[K] {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Scheduler[K]{
		base:     base,
		name:     name,
		logger:   logger.With("backoff", name),
		failures: make(map[K]int),
		pending:  make(map[K]*pending),
		jitter:   func() float64 { return 1 + rand.Float64() },
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
	}
}

// Delay returns base << min(failures, 32) scaled by factor, saturating at the
// largest representable duration.
func Delay(base time.Duration, failures int, factor float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if failures < 0 {
		failures = 0
	}
	if failures > maxShift {
		failures = maxShift
	}
	d := float64(base) * float64(uint64(1)<<failures) * factor
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Schedule runs work once after the backoff delay for key. If work is already
// pending for key the call is dropped. Each accepted call extends the key's
// failure streak.
func (s *Scheduler[K]) Schedule(key K, work func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.pending[key]; ok {
		return
	}

	n := s.failures[key]
	s.failures[key] = n + 1
	delay := Delay(s.base, n, s.jitter())

	s.arm(key, work, delay)
	telemetry.BackoffScheduled.WithLabelValues(s.name).Inc()
	s.logger.Debug(context.Background(), "retry scheduled", "key", key, "failures", n+1, "delay", delay)
}

// ScheduleAfter runs work once after delay without touching the failure
// streak. It is still dropped if work is already pending for key.
func (s *Scheduler[K]) ScheduleAfter(key K, work func(), delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.pending[key]; ok {
		return
	}
	s.arm(key, work, delay)
}

// arm must be called with s.mu held.
func (s *Scheduler[K]) arm(key K, work func(), delay time.Duration) {
	p := &pending{work: work}
	p.timer = s.afterFunc(delay, func() { s.fire(key, p) })
	s.pending[key] = p
}

func (s *Scheduler[K]) fire(key K, p *pending) {
	s.mu.Lock()
	if s.pending[key] != p {
		// drained by RetryAll or Stop
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	s.mu.Unlock()

	p.work()
}

// ClearFailedCount resets the failure streak of key.
func (s *Scheduler[K]) ClearFailedCount(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, key)
}

// Failures reports the current failure streak of key.
func (s *Scheduler[K]) Failures(key K) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[key]
}

// Pending reports whether work is waiting for key.
func (s *Scheduler[K]) Pending(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// RetryAll drains every pending invocation, clears all failure streaks and
// runs the drained work on the calling goroutine.
func (s *Scheduler[K]) RetryAll() {
	s.mu.Lock()
	drained := make([]func(), 0, len(s.pending))
	for key, p := range s.pending {
		p.timer.Stop()
		drained = append(drained, p.work)
		delete(s.pending, key)
	}
	clear(s.failures)
	s.mu.Unlock()

	if len(drained) > 0 {
		s.logger.Info(context.Background(), "retrying all pending work", "count", len(drained))
	}
	for _, work := range drained {
		work()
	}
}

// Stop cancels everything pending; later calls to Schedule are ignored.
func (s *Scheduler[K]) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for key, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, key)
	}
}

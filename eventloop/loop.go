package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ardnew/usbwatch/pkg"
)

// Loop runs scheduled callbacks one at a time on the goroutine that calls
// Run. Scheduling and cancellation are safe from any goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   taskQueue
	seq     uint64
	wake    chan struct{}
	running atomic.Bool
	log     *zap.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop's logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loop) { l.log = log }
}

// New creates a loop. Nothing runs until Run is called.
func New(opts ...Option) *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		log:  pkg.Logger(pkg.ComponentLoop),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Task is a scheduled callback.
type Task struct {
	loop     *Loop
	name     string
	interval time.Duration // zero for one-shot tasks
	fn       func(context.Context)

	// Guarded by loop.mu.
	next  time.Time
	seq   uint64
	index int

	// runMu is held while fn executes so Cancel can wait for it.
	runMu     sync.Mutex
	cancelled atomic.Bool
}

// Every schedules fn to run every interval, first after one interval has
// elapsed. A tick that overruns the next deadline is not run twice.
func (l *Loop) Every(name string, interval time.Duration, fn func(context.Context)) *Task {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return l.schedule(name, interval, interval, fn)
}

// After schedules fn to run once after delay.
func (l *Loop) After(name string, delay time.Duration, fn func(context.Context)) *Task {
	return l.schedule(name, delay, 0, fn)
}

func (l *Loop) schedule(name string, delay, interval time.Duration, fn func(context.Context)) *Task {
	t := &Task{
		loop:     l,
		name:     name,
		interval: interval,
		fn:       fn,
		index:    -1,
	}
	l.mu.Lock()
	t.next = time.Now().Add(delay)
	l.pushLocked(t)
	l.mu.Unlock()
	l.notify()
	return t
}

func (l *Loop) pushLocked(t *Task) {
	l.seq++
	t.seq = l.seq
	heap.Push(&l.queue, t)
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Running reports whether Run is executing.
func (l *Loop) Running() bool { return l.running.Load() }

// Run executes due tasks until ctx is cancelled. Only one Run may execute
// at a time.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer l.running.Store(false)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		l.mu.Lock()
		var due *Task
		wait := time.Hour
		if len(l.queue) > 0 {
			head := l.queue[0]
			if d := time.Until(head.next); d <= 0 {
				due = heap.Pop(&l.queue).(*Task)
			} else {
				wait = d
			}
		}
		l.mu.Unlock()

		if due != nil {
			l.execute(ctx, due)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		case <-timer.C:
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (l *Loop) execute(ctx context.Context, t *Task) {
	t.run(ctx)

	if t.interval == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.cancelled.Load() {
		return
	}
	next := t.next.Add(t.interval)
	if now := time.Now(); next.Before(now) {
		next = now.Add(t.interval)
	}
	t.next = next
	l.pushLocked(t)
}

// run executes fn unless the task was cancelled. It recovers panics so one
// misbehaving callback cannot stop the loop.
func (t *Task) run(ctx context.Context) bool {
	t.runMu.Lock()
	defer t.runMu.Unlock()
	if t.cancelled.Load() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			t.loop.log.Error("task panicked",
				zap.String("task", t.name),
				zap.Any("panic", r))
		}
	}()
	t.fn(ctx)
	return true
}

// RunNow executes the task's callback on the calling goroutine, serialized
// with scheduled runs. It returns false if the task was cancelled.
func (t *Task) RunNow(ctx context.Context) bool {
	return t.run(ctx)
}

// Cancel prevents any further run of the task. When Cancel returns, no run
// is in progress and none will start. Cancel must not be called from the
// task's own callback.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	t.cancelled.Store(true)

	l := t.loop
	l.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&l.queue, t.index)
	}
	l.mu.Unlock()

	// Wait out an in-flight run.
	t.runMu.Lock()
	t.runMu.Unlock() //nolint:staticcheck
}

// Active reports whether the task has not been cancelled. Long callbacks
// check it between iterations.
func (t *Task) Active() bool { return !t.cancelled.Load() }

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// taskQueue is a min-heap ordered by deadline, then schedule order.
type taskQueue []*Task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].seq < q[j].seq
	}
	return q[i].next.Before(q[j].next)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	t := x.(*Task)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

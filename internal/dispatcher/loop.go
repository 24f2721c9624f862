package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// ErrLoopStopped is returned when work is posted to a loop that has exited.
var ErrLoopStopped = errors.New("event loop stopped")

// CancelFunc stops a scheduled task. Calling it more than once is safe.
type CancelFunc func()

// Scheduler runs delayed and periodic work.
type Scheduler interface {
	Every(d time.Duration, fn func()) CancelFunc
	After(d time.Duration, fn func()) CancelFunc
}

// Loop executes posted closures one at a time on a single goroutine.
// All coordination state is mutated from inside the loop, so it needs no locks.
type Loop struct {
	tasks   chan func()
	logger  Logger
	stopped chan struct{}
	once    sync.Once

	queueLen metric.Int64ObservableGauge
	executed metric.Int64Counter
	panics   metric.Int64Counter
}

// NewLoop creates a loop with a task queue of the given size.
func NewLoop(size int, logger Logger) (*Loop, error) {
	if size <= 0 {
		size = 1
	}
	l := &Loop{
		tasks:   make(chan func(), size),
		logger:  logger,
		stopped: make(chan struct{}),
	}

	m := meter()

	var err error

	l.queueLen, err = m.Int64ObservableGauge(
		"loop.queue.length",
		metric.WithDescription("Current number of tasks waiting on the event loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue length gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(l.queueLen, int64(len(l.tasks)))
			return nil
		},
		l.queueLen,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue length callback: %w", err)
	}

	l.executed, err = m.Int64Counter(
		"loop.tasks.executed",
		metric.WithDescription("Total tasks executed on the event loop"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating executed counter: %w", err)
	}

	l.panics, err = m.Int64Counter(
		"loop.tasks.panicked",
		metric.WithDescription("Total tasks that panicked"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating panic counter: %w", err)
	}

	return l, nil
}

// Run executes tasks until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-l.tasks:
			l.exec(task)
		}
	}
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(context.Background(), 1)
			l.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
	l.executed.Add(context.Background(), 1)
}

// Post queues fn, blocking while the queue is full. It returns false once
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// TryPost queues fn without blocking. It returns false if the queue is full
// or the loop has stopped.
func (l *Loop) TryPost(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	default:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stopped:
		return ErrLoopStopped
	}
}

// Every posts fn to the loop at each interval until cancelled.
func (l *Loop) Every(d time.Duration, fn func()) CancelFunc {
	var cancelled atomic.Bool
	stop := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-l.stopped:
				return
			case <-ticker.C:
				l.Post(func() {
					if !cancelled.Load() {
						fn()
					}
				})
			}
		}
	}()

	return func() {
		once.Do(func() {
			cancelled.Store(true)
			close(stop)
		})
	}
}

// After posts fn to the loop once d has elapsed, unless cancelled first.
func (l *Loop) After(d time.Duration, fn func()) CancelFunc {
	var cancelled atomic.Bool
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if !cancelled.Load() {
				fn()
			}
		})
	})
	return func() {
		cancelled.Store(true)
		t.Stop()
	}
}

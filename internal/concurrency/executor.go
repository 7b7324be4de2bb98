// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Executor runs deferred work on a single goroutine, away from the I/O
// loop. Tasks are kept in an unbounded FIFO so producers never block.

package concurrency

import (
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/crushproxy/api"
)

// ErrExecutorClosed is returned by Submit after Close.
var ErrExecutorClosed = errors.New("executor is closed")

// TaskFunc is a unit of work to execute.
type TaskFunc func()

// Executor serializes tasks on one worker goroutine.
type Executor struct {
	mu     sync.Mutex
	tasks  *queue.Queue // TaskFunc
	timers map[*time.Timer]struct{}
	closed bool
	signal chan struct{}
	done   chan struct{}
	log    api.Logger

	// statistics, guarded by mu
	totalTasks     int64
	completedTasks int64
}

// NewExecutor starts the worker goroutine.
func NewExecutor(logger api.Logger) *Executor {
	e := &Executor{
		tasks:  queue.New(),
		timers: make(map[*time.Timer]struct{}),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    api.DefaultLogger(logger),
	}
	go e.run()
	return e
}

// Submit enqueues a task for execution.
func (e *Executor) Submit(task TaskFunc) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.tasks.Add(task)
	e.totalTasks++
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return nil
}

// Schedule submits task after delay. The returned timer may be stopped
// to cancel it.
func (e *Executor) Schedule(delay time.Duration, task TaskFunc) (*time.Timer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrExecutorClosed
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, t)
		e.mu.Unlock()
		if err := e.Submit(task); err != nil {
			e.log.Debugf("executor: scheduled task dropped: %v", err)
		}
	})
	e.timers[t] = struct{}{}
	return t, nil
}

// ExecuteListener runs fn inline, or on the worker when deferred is set.
func (e *Executor) ExecuteListener(fn func(), deferred bool) {
	if !deferred {
		e.safeRun(fn)
		return
	}
	if err := e.Submit(fn); err != nil {
		e.log.Warnf("executor: listener dropped: %v", err)
	}
}

// ScheduleFreeze freezes f after delay.
func (e *Executor) ScheduleFreeze(f api.Freezer, delay time.Duration) (*time.Timer, error) {
	return e.scheduleCall("freeze", delay, f.Freeze)
}

// ScheduleUnfreeze unfreezes f after delay.
func (e *Executor) ScheduleUnfreeze(f api.Freezer, delay time.Duration) (*time.Timer, error) {
	return e.scheduleCall("unfreeze", delay, f.Unfreeze)
}

// ScheduleClose closes c after delay.
func (e *Executor) ScheduleClose(c api.Crusher, delay time.Duration) (*time.Timer, error) {
	return e.scheduleCall("close", delay, c.Close)
}

// ScheduleReopen reopens c after delay.
func (e *Executor) ScheduleReopen(c api.Crusher, delay time.Duration) (*time.Timer, error) {
	return e.scheduleCall("reopen", delay, c.Reopen)
}

func (e *Executor) scheduleCall(name string, delay time.Duration, call func() error) (*time.Timer, error) {
	return e.Schedule(delay, func() {
		if err := call(); err != nil {
			e.log.Warnf("executor: scheduled %s failed: %v", name, err)
		}
	})
}

// Pending returns the number of queued tasks.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks.Length()
}

// Stats returns basic executor metrics.
func (e *Executor) Stats() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return map[string]int64{
		"total_tasks":     e.totalTasks,
		"completed_tasks": e.completedTasks,
		"pending_tasks":   int64(e.tasks.Length()),
	}
}

// Close stops pending timers and lets the worker exit once the tasks
// already queued have run. It does not wait; see Done.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for t := range e.timers {
		t.Stop()
	}
	e.timers = nil
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Done is closed when the worker goroutine has exited.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		task, ok, closed := e.next()
		if ok {
			e.safeRun(task)
			e.mu.Lock()
			e.completedTasks++
			e.mu.Unlock()
			continue
		}
		if closed {
			return
		}
		<-e.signal
	}
}

func (e *Executor) next() (TaskFunc, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tasks.Length() == 0 {
		return nil, false, e.closed
	}
	task := e.tasks.Remove().(TaskFunc)
	return task, true, false
}

func (e *Executor) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("executor: task panic: %v", r)
		}
	}()
	fn()
}

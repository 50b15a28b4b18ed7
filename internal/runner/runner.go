// Package runner provides the task runners that sequence work in the IPC
// runtime. Components that own sockets confine them to one Loop; callbacks
// are delivered through whatever TaskRunner the embedder supplies.
package runner

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/infrastructure/logging"
)

// TaskRunner accepts closures for later execution.
type TaskRunner interface {
	// PostTask queues task. It returns false if the runner no longer
	// accepts work, in which case task will never run.
	PostTask(task func()) bool
	// RunsTasksInCurrentSequence reports whether the caller is running on
	// this runner.
	RunsTasksInCurrentSequence() bool
}

// Loop runs tasks in FIFO order on one dedicated goroutine.
type Loop struct {
	name   string
	logger *zap.Logger

	mu       sync.Mutex
	queue    []func()
	stopping bool

	wake chan struct{}
	done chan struct{}
	gid  atomic.Int64

	stopOnce sync.Once
}

// NewLoop starts a loop goroutine.
func NewLoop(name string, logger *zap.Logger) *Loop {
	l := &Loop{
		name:   name,
		logger: logging.OrNop(logger).Named("runner").With(zap.String("loop", name)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	started := make(chan struct{})
	go l.run(started)
	<-started
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

func (l *Loop) run(started chan<- struct{}) {
	l.gid.Store(goroutineID())
	close(started)
	defer close(l.done)

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		stopping := l.stopping
		l.mu.Unlock()

		if len(tasks) == 0 {
			if stopping {
				l.logger.Debug("Loop stopped")
				return
			}
			<-l.wake
			continue
		}
		for _, task := range tasks {
			task()
		}
	}
}

// PostTask queues task. Once Stop has been called only the loop itself may
// still post, so teardown sequences can chain tasks.
func (l *Loop) PostTask(task func()) bool {
	l.mu.Lock()
	if l.stopping && !l.RunsTasksInCurrentSequence() {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// PostTaskAndWait runs task on the loop and blocks until it has finished.
// It must not be called from the loop.
func (l *Loop) PostTaskAndWait(task func()) bool {
	if l.RunsTasksInCurrentSequence() {
		panic(fmt.Sprintf("runner: PostTaskAndWait called on loop %q", l.name))
	}
	finished := make(chan struct{})
	if !l.PostTask(func() {
		defer close(finished)
		task()
	}) {
		return false
	}
	<-finished
	return true
}

// RunsTasksInCurrentSequence reports whether the caller is the loop
// goroutine.
func (l *Loop) RunsTasksInCurrentSequence() bool {
	return goroutineID() == l.gid.Load()
}

// AssertOnLoop panics unless called from the loop goroutine.
func (l *Loop) AssertOnLoop(what string) {
	if !l.RunsTasksInCurrentSequence() {
		panic(fmt.Sprintf("runner: %s must run on loop %q", what, l.name))
	}
}

// Stop runs every task already queued, then ends the loop. It must not be
// called from the loop. Further calls are no-ops.
func (l *Loop) Stop() {
	if l.RunsTasksInCurrentSequence() {
		panic(fmt.Sprintf("runner: Stop called on loop %q", l.name))
	}
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopping = true
		l.mu.Unlock()

		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	<-l.done
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Immediate runs every task synchronously on the caller.
type Immediate struct{}

// PostTask runs task before returning.
func (Immediate) PostTask(task func()) bool {
	task()
	return true
}

// RunsTasksInCurrentSequence always reports true.
func (Immediate) RunsTasksInCurrentSequence() bool {
	return true
}

// PostOrRun posts task to r, or runs it on the caller when r is nil.
func PostOrRun(r TaskRunner, task func()) bool {
	if r == nil {
		task()
		return true
	}
	return r.PostTask(task)
}

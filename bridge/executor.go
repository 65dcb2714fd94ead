package bridge

import (
	"errors"
	"sync"
)

// ErrExecutorClosed is returned when work is submitted after Close.
var ErrExecutorClosed = errors.New("bridge: executor closed")

var errSubmitAborted = errors.New("bridge: submission aborted")

// Executor is a fixed pool of goroutines draining a bounded task queue.
type Executor struct {
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewExecutor starts workers goroutines with a queue of queueSize pending
// tasks.
func NewExecutor(workers, queueSize int) *Executor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	e := &Executor{
		tasks: make(chan func(), queueSize),
		quit:  make(chan struct{}),
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.work()
	}
	return e
}

func (e *Executor) work() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case task := <-e.tasks:
			task()
		}
	}
}

// Submit queues task, waiting for room until abort is closed or the
// executor shuts down.
func (e *Executor) Submit(task func(), abort <-chan struct{}) error {
	select {
	case <-e.quit:
		return ErrExecutorClosed
	default:
	}
	select {
	case e.tasks <- task:
		return nil
	case <-abort:
		return errSubmitAborted
	case <-e.quit:
		return ErrExecutorClosed
	}
}

// TrySubmit queues task only if there is room right now.
func (e *Executor) TrySubmit(task func()) bool {
	select {
	case <-e.quit:
		return false
	default:
	}
	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}

// Close stops the workers once their current task returns. Queued tasks are
// discarded.
func (e *Executor) Close() {
	e.once.Do(func() { close(e.quit) })
}

// Wait blocks until every worker exited. Call after Close.
func (e *Executor) Wait() { e.wg.Wait() }

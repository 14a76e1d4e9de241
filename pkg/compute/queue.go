package compute

import (
	"fmt"
	"sync"
)

// queueDepth bounds the number of launches waiting in a queue before Enqueue blocks
const queueDepth = 256

type task struct {
	kernel *Kernel
	global int
	args   Args
	fn     func() error
	done   chan struct{}
}

// Queue is a strict FIFO command stream.
//
// Enqueue returns as soon as the launch is queued; launches execute one after
// another in submission order on a dedicated goroutine, each one split over the
// queue's workers. Finish is the only synchronization point: it blocks until
// everything queued before it has run and returns the first failure.
//
// After a failure the queue stops executing work, every later Enqueue reports
// the failure, and Finish keeps returning it. A Queue must not be shared by two
// solvers at once.
type Queue struct {
	tasks   chan task
	workers int

	mu     sync.Mutex
	closed bool

	errMu sync.Mutex
	err   error

	stopped chan struct{}
}

func newQueue(workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		tasks:   make(chan task, queueDepth),
		workers: workers,
		stopped: make(chan struct{}),
	}
	go q.run()
	return q
}

// Workers returns the number of goroutines a single launch is split over
func (q *Queue) Workers() int {
	return q.workers
}

// Enqueue submits kernel k over global work items
func (q *Queue) Enqueue(k *Kernel, global int, args Args) error {
	if k == nil {
		return fmt.Errorf("%w: nil kernel handle", ErrKernelNotFound)
	}
	if k.Released() {
		return fmt.Errorf("%w: %s", ErrKernelReleased, k.Name())
	}
	return q.submit(task{kernel: k, global: global, args: args})
}

// EnqueueFunc submits a host function that runs in queue order
func (q *Queue) EnqueueFunc(fn func() error) error {
	return q.submit(task{fn: fn})
}

func (q *Queue) submit(t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if err := q.Err(); err != nil {
		return err
	}
	q.tasks <- t
	return nil
}

// Finish blocks until every previously enqueued launch has completed
func (q *Queue) Finish() error {
	done := make(chan struct{})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.tasks <- task{done: done}
	q.mu.Unlock()

	<-done
	return q.Err()
}

// Err returns the first failure recorded by the queue, if any
func (q *Queue) Err() error {
	q.errMu.Lock()
	defer q.errMu.Unlock()
	return q.err
}

func (q *Queue) fail(err error) {
	q.errMu.Lock()
	if q.err == nil {
		q.err = err
	}
	q.errMu.Unlock()
}

// Close drains the queue and stops its goroutine. Closing twice is harmless.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	<-q.stopped
	return q.Err()
}

func (q *Queue) run() {
	defer close(q.stopped)

	for t := range q.tasks {
		if t.done != nil {
			close(t.done)
			continue
		}
		if q.Err() != nil {
			continue
		}
		if t.fn != nil {
			q.runFunc(t.fn)
			continue
		}
		q.launch(t)
	}
}

func (q *Queue) runFunc(fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			q.fail(fmt.Errorf("%w: host function: %v", ErrKernelFailed, r))
		}
	}()
	if err := fn(); err != nil {
		q.fail(err)
	}
}

// launch splits the global range into contiguous chunks, one per worker
func (q *Queue) launch(t task) {
	if t.global <= 0 {
		return
	}

	n := q.workers
	if n > t.global {
		n = t.global
	}
	if n == 1 {
		q.runRange(t, 0, t.global)
		return
	}

	chunk := (t.global + n - 1) / n
	var wg sync.WaitGroup
	for lo := 0; lo < t.global; lo += chunk {
		hi := lo + chunk
		if hi > t.global {
			hi = t.global
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			q.runRange(t, lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

func (q *Queue) runRange(t task, lo, hi int) {
	defer func() {
		if r := recover(); r != nil {
			q.fail(fmt.Errorf("%w: %s: %v", ErrKernelFailed, t.kernel.Name(), r))
		}
	}()
	t.kernel.fn(&t.args, lo, hi)
}

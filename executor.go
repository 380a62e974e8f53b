package nedb

import "sync"

// executor serializes every mutating and reading operation against the
// indexes and the log: a FIFO queue with concurrency 1, serviced by a
// single worker goroutine. Index mutation and log appends are only ever
// reached from inside a queued task, so they never interleave.
//
// Before the store is loaded the executor is unready: tasks land in a side
// buffer unless forceQueueing is set (which is how loadDatabase itself gets
// to run while user operations wait). processBuffer flips the executor to
// ready and drains the buffer in submission order.
type executor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	buffer []*task
	ready  bool
	busy   bool
	closed bool

	emptyWaiters []chan struct{}
}

type task struct {
	run  func()
	done chan struct{}
}

func newExecutor() *executor {
	e := &executor{}
	e.cond = sync.NewCond(&e.mu)

	go e.loop()

	return e
}

func (e *executor) loop() {
	for {
		e.mu.Lock()

		for len(e.queue) == 0 {
			if e.closed {
				e.mu.Unlock()

				return
			}

			e.notifyEmptyLocked()
			e.cond.Wait()
		}

		t := e.queue[0]
		e.queue = e.queue[1:]
		e.busy = true
		e.mu.Unlock()

		t.run()
		close(t.done)

		e.mu.Lock()
		e.busy = false
		if len(e.queue) == 0 {
			e.notifyEmptyLocked()
		}
		e.mu.Unlock()
	}
}

// push enqueues fn and blocks until it has run. Returns ErrClosed without
// running fn if the executor has been shut down.
func (e *executor) push(fn func(), forceQueueing bool) error {
	t, err := e.enqueue(fn, forceQueueing)
	if err != nil {
		return err
	}

	<-t.done

	return nil
}

// pushAsync enqueues fn without waiting for it. Used for work scheduled
// from inside a running task (TTL eviction), which must not block on its
// own queue.
func (e *executor) pushAsync(fn func(), forceQueueing bool) {
	_, _ = e.enqueue(fn, forceQueueing)
}

func (e *executor) enqueue(fn func(), forceQueueing bool) (*task, error) {
	t := &task{run: fn, done: make(chan struct{})}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	if !e.ready && !forceQueueing {
		e.buffer = append(e.buffer, t)

		return t, nil
	}

	e.queue = append(e.queue, t)
	e.cond.Signal()

	return t, nil
}

// processBuffer flips the executor to ready and moves the buffered tasks
// onto the queue in submission order.
func (e *executor) processBuffer() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ready = true
	e.queue = append(e.queue, e.buffer...)
	e.buffer = nil

	if len(e.queue) > 0 {
		e.cond.Signal()
	}
}

// onEmpty returns a channel that closes the next time the queue is empty
// and no task is running. If the executor is already idle the channel is
// closed immediately.
func (e *executor) onEmpty() <-chan struct{} {
	ch := make(chan struct{})

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 && !e.busy {
		close(ch)

		return ch
	}

	e.emptyWaiters = append(e.emptyWaiters, ch)

	return ch
}

func (e *executor) notifyEmptyLocked() {
	for _, ch := range e.emptyWaiters {
		close(ch)
	}

	e.emptyWaiters = nil
}

// shutdown drains the queue, then stops the worker. Buffered (never-ready)
// tasks are abandoned.
func (e *executor) shutdown() {
	drained := e.onEmpty()
	<-drained

	e.mu.Lock()
	e.closed = true
	e.cond.Signal()
	e.mu.Unlock()
}

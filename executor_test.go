package nedb

import (
	"sync"
	"testing"
	"time"
)

func Test_Executor_Runs_Tasks_In_Submission_Order(t *testing.T) {
	t.Parallel()

	e := newExecutor()
	defer e.shutdown()

	e.processBuffer() // ready, no buffered tasks

	var (
		mu  sync.Mutex
		got []int
	)

	var wg sync.WaitGroup

	for i := range 20 {
		wg.Add(1)

		e.pushAsync(func() {
			defer wg.Done()

			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}, false)
	}

	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
}

func Test_Executor_Buffers_Tasks_Until_Ready(t *testing.T) {
	t.Parallel()

	e := newExecutor()
	defer e.shutdown()

	ran := make(chan struct{})

	e.pushAsync(func() { close(ran) }, false)

	select {
	case <-ran:
		t.Fatal("buffered task ran before processBuffer")
	case <-time.After(50 * time.Millisecond):
	}

	e.processBuffer()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("buffered task did not run after processBuffer")
	}
}

func Test_Executor_ForceQueueing_Bypasses_The_Buffer(t *testing.T) {
	t.Parallel()

	e := newExecutor()
	defer e.shutdown()

	err := e.push(func() {}, true)
	if err != nil {
		t.Fatalf("forced push: %v", err)
	}
}

func Test_Executor_OnEmpty_Fires_After_Drain(t *testing.T) {
	t.Parallel()

	e := newExecutor()
	defer e.shutdown()

	e.processBuffer()

	release := make(chan struct{})
	e.pushAsync(func() { <-release }, false)

	drained := e.onEmpty()

	select {
	case <-drained:
		t.Fatal("onEmpty fired while a task was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case <-drained:
	case <-time.After(time.Second):
		t.Fatal("onEmpty did not fire after the queue drained")
	}
}

func Test_Executor_Push_Fails_After_Shutdown(t *testing.T) {
	t.Parallel()

	e := newExecutor()
	e.processBuffer()
	e.shutdown()

	err := e.push(func() {}, false)
	if err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

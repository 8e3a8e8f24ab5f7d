package events

import (
	"errors"
	"sync"
)

var ErrLoopStopped = errors.New("events: loop stopped")

// Loop is an unbounded FIFO task queue drained by a single goroutine. Tasks
// never run on the goroutine that scheduled them, and run strictly in the order
// they were scheduled.
type Loop struct {
	mu      sync.Mutex
	tasks   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

func MakeLoop() *Loop {
	loop := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}

	go loop.run()

	return loop
}

func (loop *Loop) Schedule(task func()) error {
	loop.mu.Lock()
	if loop.stopped {
		loop.mu.Unlock()
		return ErrLoopStopped
	}
	loop.tasks = append(loop.tasks, task)
	loop.mu.Unlock()

	loop.signal()

	return nil
}

// Stop refuses new tasks. Tasks already queued still run, after which Done is
// closed. Stop may be called from within a task.
func (loop *Loop) Stop() {
	loop.mu.Lock()
	loop.stopped = true
	loop.mu.Unlock()

	loop.signal()
}

func (loop *Loop) Done() <-chan struct{} {
	return loop.done
}

func (loop *Loop) signal() {
	select {
	case loop.wake <- struct{}{}:
	default:
	}
}

func (loop *Loop) run() {
	defer close(loop.done)

	for {
		loop.mu.Lock()
		if len(loop.tasks) == 0 {
			stopped := loop.stopped
			loop.mu.Unlock()

			if stopped {
				return
			}

			<-loop.wake
			continue
		}

		task := loop.tasks[0]
		loop.tasks[0] = nil
		loop.tasks = loop.tasks[1:]
		loop.mu.Unlock()

		task()
	}
}

package proc

import (
	"sort"
	"sync"
	"time"
)

type rearmTask struct {
	due time.Time
	fn  func(cancelled bool)
}

// rearmExecutor runs delayed re-arm tasks on a single goroutine. Closing
// it runs every pending task with cancelled set and waits for the
// goroutine to exit.
type rearmExecutor struct {
	mu     sync.Mutex
	queue  []rearmTask
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func newRearmExecutor() *rearmExecutor {
	e := &rearmExecutor{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// schedule queues fn to run after delay. It returns false if the
// executor is closed, in which case fn is not run.
func (e *rearmExecutor) schedule(delay time.Duration, fn func(cancelled bool)) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, rearmTask{due: time.Now().Add(delay), fn: fn})
	sort.SliceStable(e.queue, func(i, j int) bool { return e.queue[i].due.Before(e.queue[j].due) })
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// pending returns the number of queued tasks.
func (e *rearmExecutor) pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// takeDue removes the tasks due at now from the queue and returns them,
// along with the deadline of the next one (zero if the queue is empty).
func (e *rearmExecutor) takeDue(now time.Time) ([]rearmTask, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := 0
	for i < len(e.queue) && !e.queue[i].due.After(now) {
		i++
	}
	due := append([]rearmTask(nil), e.queue[:i]...)
	e.queue = e.queue[i:]
	if len(e.queue) == 0 {
		return due, time.Time{}
	}
	return due, e.queue[0].due
}

func (e *rearmExecutor) run() {
	defer close(e.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		due, next := e.takeDue(time.Now())
		for _, t := range due {
			t.fn(false)
		}

		var timerC <-chan time.Time
		if !next.IsZero() {
			timer.Reset(time.Until(next))
			timerC = timer.C
		}

		select {
		case <-e.quit:
			e.mu.Lock()
			rest := e.queue
			e.queue = nil
			e.mu.Unlock()
			for _, t := range rest {
				t.fn(true)
			}
			return
		case <-e.wake:
		case <-timerC:
		}
	}
}

func (e *rearmExecutor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.quit)
	<-e.done
}

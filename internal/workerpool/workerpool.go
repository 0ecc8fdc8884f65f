// Package workerpool dispatches ready file descriptors to a fixed set
// of goroutines that run the HTTP read/process/write pipeline, freeing
// the dispatcher goroutine to keep servicing epoll_wait. Which side of
// the read syscall runs on a worker versus inline on the dispatcher is
// the caller's choice (see config.IODiscipline); the pool itself just
// runs whatever closure it's handed.
package workerpool

import (
	"sync"
	"sync/atomic"

	"github.com/kfcemployee/goserver/internal/syncutil"
)

// Task is one unit of work a worker pulls off the queue.
type Task struct {
	Fd  int
	Run func(fd int)
}

// Pool runs a fixed number of worker goroutines draining a bounded
// queue. Submit fails fast (matching the reference threadpool's
// behavior) rather than blocking the dispatcher when the queue is
// full; callers should treat a failed Submit as backpressure and retry
// on the next loop iteration, never silently drop the task.
type Pool struct {
	queue  *syncutil.Queue[Task]
	wg     sync.WaitGroup
	closed int32
}

// New builds a Pool with the given worker count and queue capacity,
// and starts the workers immediately.
func New(workers, queueCapacity int) *Pool {
	p := &Pool{queue: syncutil.NewQueue[Task](queueCapacity)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		task := p.queue.Pop()
		if task.Run == nil {
			return
		}
		task.Run(task.Fd)
	}
}

// Submit enqueues a task. It returns false if the pool is saturated;
// the caller (the dispatcher's event loop) is expected to retry rather
// than drop the connection's readiness event.
func (p *Pool) Submit(fd int, run func(fd int)) bool {
	if atomic.LoadInt32(&p.closed) != 0 {
		return false
	}
	return p.queue.Push(Task{Fd: fd, Run: run})
}

// Close stops accepting new work and waits for in-flight tasks to
// drain. It pushes one no-op "poison" task per worker so each run loop
// observes a nil Run and exits; workers already blocked waiting on an
// empty queue are woken by the broadcast inside Push.
func (p *Pool) Close(workers int) {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	for i := 0; i < workers; i++ {
		for !p.queue.Push(Task{}) {
			// queue momentarily full; the workers draining it will
			// make room shortly.
		}
	}
	p.wg.Wait()
}

// QueueLen reports the current queue depth (for diagnostics/metrics).
func (p *Pool) QueueLen() int {
	return p.queue.Size()
}

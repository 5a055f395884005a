package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Pool executes tasks in order of their deadlines, using a fixed number of
// goroutines. Each task returns its own next deadline; returning the zero
// time removes the task from the pool. Adding or triggering a task while a
// worker is sleeping wakes the worker so an earlier deadline is honored.
type Pool struct {
	mu       sync.Mutex
	queue    []*task
	reg      map[string]*task
	wait     chan struct{}
	draining bool
	ctx      context.Context
	cancel   context.CancelFunc
	idle     sync.WaitGroup
}

type task struct {
	name     string
	fn       func(context.Context) time.Time
	deadline time.Time
	rerun    bool
	removed  bool
}

func New(workers int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	pool := Pool{reg: make(map[string]*task), ctx: ctx, cancel: cancel}

	pool.idle.Add(workers)
	for i := 0; i < workers; i++ {
		go pool.work()
	}

	return &pool
}

// Add schedules the named task for immediate execution. The task keeps
// running at whatever deadline its function returns next.
func (p *Pool) Add(name string, fn func(context.Context) time.Time) {
	p.enqueue(&task{name: name, fn: fn, deadline: time.Now()})
}

// Remove drops the named task. A queued task is removed immediately; a task
// mid-run finishes its current execution and is not rescheduled.
func (p *Pool) Remove(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.reg[name]
	if !ok {
		return
	}
	t.removed = true

	if i := slices.IndexFunc(p.queue, func(q *task) bool { return q.name == name }); i != -1 {
		p.queue = slices.Delete(p.queue, i, i+1)
		delete(p.reg, name)
	}
	// Otherwise the task is running; enqueue observes the removed flag.
}

// Trigger runs the named task now, if it is queued, by pulling it to the
// front of the queue. If the named task is not queued, it is running; its
// next deadline is overridden to now, causing an immediate re-run after the
// current run. Subsequent runs use the deadline returned by the task.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	if t, ok := p.reg[n]; ok && !t.removed {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// Stop cancels the context passed to running tasks and shuts the workers
// down. It blocks until every worker has returned, so callers get a bound on
// shutdown by wrapping Stop in their own timeout.
func (p *Pool) Stop() {
	p.cancel()

	p.mu.Lock()
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
	p.mu.Unlock()

	p.idle.Wait()
}

// Drain stops dequeuing further work and waits for every running task to
// finish. The context handed to running tasks stays live until they return
// or ctx expires, so in-flight work is never cut short by the drain itself.
// When ctx expires first, the task context is cancelled and the expiry error
// returned.
func (p *Pool) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
	p.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		p.idle.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// sortAndWake maintains deadline order and wakes a sleeping worker. Callers
// must hold p.mu.
func (p *Pool) sortAndWake() {
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})

	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) work() {
	defer p.idle.Done()
	for {
		t := p.dequeue()
		if t == nil {
			return
		}
		p.enqueue(t.Execute(p.ctx))
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.deadline.IsZero() || t.removed {
		// Task requested removal, or was removed while running. The name
		// may have been re-registered meanwhile; only unregister this task.
		if p.reg[t.name] == t {
			delete(p.reg, t.name)
		}
		return
	}

	p.reg[t.name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// dequeue blocks until a task's deadline has passed or the pool stops,
// returning nil in the latter case.
func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.ctx.Err() != nil || p.draining {
			return nil
		}

		var t *task
		if len(p.queue) == 0 {
			t = &task{deadline: time.Now().Add(time.Hour * 24 * 365)}
		} else {
			t = p.queue[0]
		}

		if t.deadline.After(time.Now()) {
			if p.wait == nil {
				p.wait = make(chan struct{})
			}
			wait := p.wait

			p.mu.Unlock()

			select {
			case <-time.After(time.Until(t.deadline)):
			case <-wait:
			case <-p.ctx.Done():
			}

			p.mu.Lock()
			continue
		}

		break
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) Execute(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	if t.rerun {
		t.rerun = false
		t.deadline = time.Now()
	}
	return t
}

package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type run struct {
	left     int
	ran      int
	sleep    time.Duration
	deadline time.Duration
}

func (r *run) Execute(context.Context) time.Time {
	if r.left > 0 {
		time.Sleep(r.sleep)
		r.left--
		r.ran++
		return time.Now().Add(r.deadline)
	}

	var zero time.Time
	return zero // dequeue task
}

func TestPool(t *testing.T) {
	p := New(2)
	defer p.Stop()

	var ran atomic.Int32
	for _, name := range []string{"a", "b", "c"} {
		p.Add(name, func(context.Context) time.Time {
			ran.Add(1)
			var zero time.Time
			return zero
		})
	}

	time.Sleep(100 * time.Millisecond)

	if got := ran.Load(); got != 3 {
		t.Errorf("expected all 3 tasks to run, got %d", got)
	}
}

func TestTrigger(t *testing.T) {
	t.Run("trigger pulls queued task forward", func(t *testing.T) {
		p := New(2)
		defer p.Stop()

		rx := &run{left: 3, deadline: 200 * time.Millisecond}

		p.Add("t", rx.Execute) // run #1, then queued for 200 ms

		_ = p.Trigger("t") // pulled in front, run #2
		time.Sleep(50 * time.Millisecond)
		_ = p.Trigger("t") // pulled in front, run #3
		time.Sleep(300 * time.Millisecond)

		if exp, act := 3, rx.ran; exp != act {
			t.Errorf("expected counter of %d, got %d", exp, act)
		}
	})

	t.Run("trigger reruns executing task right away", func(t *testing.T) {
		p := New(2)
		defer p.Stop()

		// without the trigger there is no second run inside the window
		rx := &run{left: 3, sleep: 100 * time.Millisecond, deadline: time.Second}

		p.Add("t", rx.Execute)
		time.Sleep(50 * time.Millisecond)
		_ = p.Trigger("t") // re-run after the current run, run #2

		time.Sleep(300 * time.Millisecond)

		if exp, act := 2, rx.ran; exp != act {
			t.Errorf("expected counter of %d, got %d", exp, act)
		}
	})

	t.Run("trigger of unknown task errors", func(t *testing.T) {
		p := New(1)
		defer p.Stop()

		if err := p.Trigger("nope"); err == nil {
			t.Error("expected an error for unknown task")
		}
	})
}

func TestRemove(t *testing.T) {
	p := New(1)
	defer p.Stop()

	rx := &run{left: 10, deadline: 50 * time.Millisecond}
	p.Add("t", rx.Execute)
	time.Sleep(20 * time.Millisecond) // run #1 done, now queued

	p.Remove("t")
	time.Sleep(200 * time.Millisecond)

	if rx.ran > 1 {
		t.Errorf("removed task kept running, ran %d times", rx.ran)
	}
}

func TestStopCancelsTaskContext(t *testing.T) {
	p := New(1)

	canceled := make(chan struct{})
	p.Add("t", func(ctx context.Context) time.Time {
		<-ctx.Done()
		close(canceled)
		var zero time.Time
		return zero
	})
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("running task never observed cancellation")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after workers drained")
	}
}

func TestDrainWaitsForRunningTask(t *testing.T) {
	p := New(2)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	cancelled := make(chan struct{}, 1)

	p.Add("slow", func(ctx context.Context) time.Time {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
			cancelled <- struct{}{}
		}
		var zero time.Time
		return zero
	})

	<-started

	done := make(chan error, 1)
	go func() { done <- p.Drain(context.Background()) }()

	select {
	case <-done:
		t.Fatal("drain returned while a task was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	select {
	case <-cancelled:
		t.Fatal("running task saw its context cancelled during drain")
	default:
	}
}

func TestDrainDeadlineCancelsStragglers(t *testing.T) {
	p := New(1)

	started := make(chan struct{}, 1)
	p.Add("stuck", func(ctx context.Context) time.Time {
		started <- struct{}{}
		<-ctx.Done()
		var zero time.Time
		return zero
	})

	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := p.Drain(ctx); err == nil {
		t.Fatal("expected drain to report the expired deadline")
	}
}

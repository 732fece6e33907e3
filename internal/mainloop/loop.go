// Package mainloop runs posted tasks one at a time on the goroutine that
// calls Run, so state owned by that goroutine needs no locking.
package mainloop

import (
	"context"
	"sync"
)

type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// Post queues fn for the loop goroutine. It never blocks and reports false
// once the loop has been closed, in which case fn will not run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop makes Run return before the next task. Safe to call from a task.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Run executes tasks until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-l.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if fn, ok := l.next(); ok {
			fn()
			continue
		}

		select {
		case <-l.stop:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Close refuses further posts and runs whatever is still queued on the
// calling goroutine. Call it from the goroutine that ran Run.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	pending := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

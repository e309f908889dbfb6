package coordinator

import "sync"

// labelCalls runs the registry's acknowledgement label calls of one
// coordinator one at a time, in the order they were issued. A release
// therefore never overtakes an earlier declaration.
type labelCalls struct {
	mu      sync.Mutex
	queue   []func()
	closing bool

	wake   chan struct{}
	quit   chan struct{}
	exited chan struct{}
}

func newLabelCalls() *labelCalls {
	return &labelCalls{
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (l *labelCalls) run() {
	defer close(l.exited)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			closing := l.closing
			l.mu.Unlock()
			if closing {
				return
			}
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *labelCalls) submit(fn func()) {
	l.mu.Lock()
	if !l.closing {
		l.queue = append(l.queue, fn)
	}
	l.mu.Unlock()
	l.signal()
}

// close discards the queued calls, runs final (if not nil) after the call
// in progress and waits until it returned. Calls in progress observe quit.
func (l *labelCalls) close(final func()) {
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		<-l.exited
		return
	}
	l.closing = true
	l.queue = nil
	if final != nil {
		l.queue = append(l.queue, final)
	}
	close(l.quit)
	l.mu.Unlock()
	l.signal()
	<-l.exited
}

func (l *labelCalls) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

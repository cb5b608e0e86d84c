package bridge

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// loop runs submitted functions one at a time, in submission order, on a
// single goroutine. The queue is unbounded so a task may submit more tasks
// without blocking on itself.
type loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
	exit chan struct{}

	// gid is the id of the goroutine running the loop.
	gid atomic.Uint64
}

func newLoop() *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		exit: make(chan struct{}),
	}
	go l.run()
	return l
}

// post queues fn and reports false once the loop is closed.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops the loop. Queued functions that have not started are dropped.
func (l *loop) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	close(l.done)
}

// wait blocks until the function currently running, if any, has returned
// and the loop has exited. Called from the loop itself it returns at once.
func (l *loop) wait() {
	if l.onLoop() {
		return
	}
	<-l.exit
}

func (l *loop) onLoop() bool {
	return goroutineID() == l.gid.Load()
}

func (l *loop) run() {
	l.gid.Store(goroutineID())
	defer close(l.exit)
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if l.closed || len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
	}
}

// goroutineID parses the current goroutine's id from its stack header
// ("goroutine 42 [running]:").
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(field, ' '); i >= 0 {
		field = field[:i]
	}
	id, _ := strconv.ParseUint(string(field), 10, 64)
	return id
}

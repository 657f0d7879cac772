// Package dispatch implements the single-threaded I/O readiness loop
// described in spec.md §4.C: one dedicated epoll goroutine owns every
// connection's file descriptor and hands off readable/writable
// connections to the caller's callback with EPOLLONESHOT semantics, so
// the callback for a given fd is not invoked again until that fd is
// rearmed. Built
// directly on golang.org/x/sys/unix's EpollCreate1/EpollCtl/EpollWait,
// the same package
// _examples/hupe1980-vecgo/go.mod requires directly for its own
// low-level I/O.
package dispatch

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gungnirdb/gungnir/internal/gungnirlog"
)

var log = gungnirlog.Get("dispatch")

// Callback is invoked from the epoll goroutine when fd becomes ready.
// events is the raw epoll event mask (unix.EPOLLIN | unix.EPOLLOUT).
// Implementations must not block.
type Callback func(fd int, events uint32)

// Poller is invoked once per Run pass, unconditionally, regardless of
// which fds were ready — spec.md §4.C's "vector of pollers" alongside
// the epoll fd set. Gungnir's worker.Manager registers its Poll method
// here so waiting RPCs get re-dispatched promptly even though becoming
// idle isn't itself an epoll-visible event. Run ignores the return
// value; implementations must not block.
type Poller func() int

// Dispatch owns the epoll instance and the goroutine polling it. It
// corresponds to the original Dispatch.cc's epoll-based poll() loop.
type Dispatch struct {
	epfd int

	mu     sync.Mutex
	quiesced bool
	quiesceWaiters []chan struct{}

	cb      Callback
	pollers []Poller

	stop chan struct{}
	done chan struct{}
}

// New creates an epoll instance and registers cb as the readiness
// callback for every fd later added with Add.
func New(cb Callback) (*Dispatch, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Dispatch{epfd: epfd, cb: cb, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// AddPoller registers p to run once per Run pass, after the quiesce
// point and before fd events are delivered. Must be called before Run.
func (d *Dispatch) AddPoller(p Poller) {
	d.pollers = append(d.pollers, p)
}

// Add registers fd for read (and optionally write) readiness,
// one-shot: the caller must call Rearm after handling the event to
// receive another notification for that fd.
func (d *Dispatch) Add(fd int, writable bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLONESHOT)
	if writable {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Rearm re-enables one-shot notification for fd after the callback has
// finished draining it.
func (d *Dispatch) Rearm(fd int, writable bool) error {
	events := uint32(unix.EPOLLIN | unix.EPOLLONESHOT)
	if writable {
		events |= unix.EPOLLOUT
	}
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
}

// Remove deregisters fd, e.g. after the connection it belongs to is
// closed.
func (d *Dispatch) Remove(fd int) error {
	return unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run drives the epoll wait loop until Stop is called. Intended to run
// on its own goroutine, which plays the role of the original
// single dedicated poller thread.
func (d *Dispatch) Run() {
	defer close(d.done)
	events := make([]unix.EpollEvent, 256)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		n, err := unix.EpollWait(d.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Errorf("epoll_wait: %v", err)
			continue
		}

		d.runQuiescePoint()

		for _, p := range d.pollers {
			p()
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			d.cb(int(ev.Fd), ev.Events)
		}
	}
}

// runQuiescePoint lets a Lock caller synchronize with the dispatch
// thread between epoll_wait iterations, mirroring the original
// Dispatch::Lock cross-thread quiescence primitive: every goroutine
// waiting in Lock is released here, between epoll_wait returning and
// the pollers and callbacks of that pass. The loop does not stay
// parked: it goes on to run them as soon as the waiters are released.
func (d *Dispatch) runQuiescePoint() {
	d.mu.Lock()
	waiters := d.quiesceWaiters
	d.quiesceWaiters = nil
	d.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Lock blocks until the dispatch goroutine has passed through its next
// quiescent point, then returns. It does not hold the loop: pollers and
// callbacks may run concurrently with whatever the caller does after
// Lock returns, and there is no matching Unlock.
func (d *Dispatch) Lock() {
	ch := make(chan struct{})
	d.mu.Lock()
	d.quiesceWaiters = append(d.quiesceWaiters, ch)
	d.mu.Unlock()
	<-ch
}

// Stop halts the Run loop and waits for it to exit.
func (d *Dispatch) Stop() {
	close(d.stop)
	<-d.done
	unix.Close(d.epfd)
}

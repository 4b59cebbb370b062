// Package eloop is the readiness multiplexer each worker runs: one
// epoll instance, file-descriptor event registration, and a small
// timer wheel, mirroring the shape of wrk's ae.c (itself a trimmed
// redis event loop) but built on golang.org/x/sys/unix instead of a
// vendored C library.
package eloop

import (
	"sort"
	"time"

	"golang.org/x/sys/unix"
)

// Mask selects which readiness a registration cares about.
type Mask int

const (
	Read Mask = 1 << iota
	Write
)

// FileHandler is invoked when fd becomes ready for the events in mask.
type FileHandler func(loop *Loop, fd int, data any, mask Mask)

// TimerHandler is invoked when a timer fires. Returning a duration
// reschedules the timer after that delay; returning NoMore cancels it.
type TimerHandler func(loop *Loop, id int64, data any) time.Duration

// NoMore is the sentinel TimerHandler return value meaning "do not
// reschedule", mirroring ae's AE_NOMORE.
const NoMore time.Duration = -1

type fileEvent struct {
	mask    Mask
	handler FileHandler
	data    any
}

type timerEvent struct {
	id       int64
	deadline time.Time
	handler  TimerHandler
	data     any
}

// Loop is a single-goroutine, non-reentrant event loop. It is not safe
// to call its methods from a goroutine other than the one running Run,
// except where documented (Stop is safe from within a handler, and
// timer-wakeup side channels such as a TLS transport's eventfd are
// designed to be written from other goroutines).
type Loop struct {
	epfd    int
	files   map[int]*fileEvent
	timers  []*timerEvent
	nextID  int64
	stop    bool
	maxEvts int
}

// Create allocates an epoll instance that reports up to maxEvents ready
// descriptors per EpollWait call, capped at 256 by Run's event array.
func Create(maxEvents int) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = 64
	}
	return &Loop{epfd: epfd, files: make(map[int]*fileEvent), maxEvts: maxEvents}, nil
}

func maskToEpoll(m Mask) uint32 {
	var e uint32
	if m&Read != 0 {
		e |= unix.EPOLLIN
	}
	if m&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// AddFD registers fd for the given mask, idempotently: a second call
// for an fd already registered updates its mask and handler instead of
// erroring.
func (l *Loop) AddFD(fd int, mask Mask, handler FileHandler, data any) error {
	ev := &unix.EpollEvent{Events: maskToEpoll(mask), Fd: int32(fd)}
	op := unix.EPOLL_CTL_ADD
	if _, exists := l.files[fd]; exists {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, ev); err != nil {
		return err
	}
	l.files[fd] = &fileEvent{mask: mask, handler: handler, data: data}
	return nil
}

// DelFD removes mask's bits from fd's registration; if no bits remain
// the fd is fully deregistered. Idempotent: removing an unregistered
// fd or mask is a no-op.
func (l *Loop) DelFD(fd int, mask Mask) error {
	cur, ok := l.files[fd]
	if !ok {
		return nil
	}
	remaining := cur.mask &^ mask
	if remaining == 0 {
		delete(l.files, fd)
		return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	}
	cur.mask = remaining
	ev := &unix.EpollEvent{Events: maskToEpoll(remaining), Fd: int32(fd)}
	return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

// AddTimer schedules handler to fire after delay elapses, returning an
// id usable only for documentation purposes (timers are not
// individually cancellable in this implementation, matching the
// subset of ae's API the worker actually needs).
func (l *Loop) AddTimer(delay time.Duration, handler TimerHandler, data any) int64 {
	l.nextID++
	l.timers = append(l.timers, &timerEvent{
		id:       l.nextID,
		deadline: time.Now().Add(delay),
		handler:  handler,
		data:     data,
	})
	return l.nextID
}

// Stop requests the loop to return from Run after the current
// iteration. Safe to call from within a handler.
func (l *Loop) Stop() { l.stop = true }

// Run polls for ready descriptors up to the nearest timer deadline,
// firing file handlers before due timer handlers each iteration, until
// Stop is called.
func (l *Loop) Run() {
	var events [256]unix.EpollEvent
	for !l.stop {
		timeout := l.nextTimeout()
		n, err := unix.EpollWait(l.epfd, events[:min(len(events), l.maxEvts)], timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			fe, ok := l.files[fd]
			if !ok {
				continue
			}
			var m Mask
			if events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				m |= Read
			}
			if events[i].Events&unix.EPOLLOUT != 0 {
				m |= Write
			}
			fe.handler(l, fd, fe.data, m)
		}

		l.fireDueTimers()
	}
}

func (l *Loop) nextTimeout() int {
	if len(l.timers) == 0 {
		return -1 // block indefinitely until an fd is ready
	}
	sort.Slice(l.timers, func(i, j int) bool { return l.timers[i].deadline.Before(l.timers[j].deadline) })
	d := time.Until(l.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}
	return ms
}

func (l *Loop) fireDueTimers() {
	now := time.Now()
	var remaining []*timerEvent
	for _, t := range l.timers {
		if now.Before(t.deadline) {
			remaining = append(remaining, t)
			continue
		}
		next := t.handler(l, t.id, t.data)
		if next != NoMore {
			t.deadline = now.Add(next)
			remaining = append(remaining, t)
		}
	}
	l.timers = remaining
}

// Close releases the epoll instance. Callers must have already torn
// down every registered fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

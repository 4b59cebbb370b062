package eloop

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestFileEventFiresOnWritePipe(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	loop, err := Create(16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer loop.Close()

	fired := false
	if err := loop.AddFD(fds[0], Read, func(l *Loop, fd int, data any, mask Mask) {
		fired = true
		var buf [16]byte
		unix.Read(fd, buf[:])
		l.Stop()
	}, nil); err != nil {
		t.Fatalf("AddFD: %v", err)
	}

	// safety timer so a bug can't hang the test
	loop.AddTimer(2*time.Second, func(l *Loop, id int64, data any) time.Duration {
		l.Stop()
		return NoMore
	}, nil)

	unix.Write(fds[1], []byte("hi"))
	loop.Run()

	if !fired {
		t.Fatalf("file handler never fired")
	}
}

func TestTimerFiresAndReschedules(t *testing.T) {
	loop, err := Create(4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer loop.Close()

	count := 0
	loop.AddTimer(10*time.Millisecond, func(l *Loop, id int64, data any) time.Duration {
		count++
		if count >= 3 {
			l.Stop()
			return NoMore
		}
		return 10 * time.Millisecond
	}, nil)

	loop.Run()

	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestDelFDIsIdempotent(t *testing.T) {
	loop, err := Create(4)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer loop.Close()

	if err := loop.DelFD(999, Read); err != nil {
		t.Fatalf("DelFD on unregistered fd should be a no-op, got %v", err)
	}
}

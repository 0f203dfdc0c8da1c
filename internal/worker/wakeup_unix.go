//go:build linux || darwin

package worker

import "golang.org/x/sys/unix"

// wakeupPipe is a self-pipe (the classic self-pipe trick) a blocking
// outer driver loop can poll alongside NextTimerDeadline: Signal is safe to
// call from any goroutine that just posted work, and FD is pollable from a
// select/epoll/kqueue loop that otherwise only sleeps until the next timer
// deadline (spec section 4.12's "sleep until the earliest of (worker-ready
// signal, next timer)"). Grounded on golang.org/x/sys/unix, promoted from
// the teacher's transitive golang.org/x/net dependency to a direct one.
type wakeupPipe struct {
	r, w int
}

func newWakeupPipe() *wakeupPipe {
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		// Fall back to no pipe (FD returns -1) rather than failing Worker
		// construction: the driver loop degrades to polling on a short
		// timeout instead of blocking indefinitely, which is still correct.
		return &wakeupPipe{r: -1, w: -1}
	}
	return &wakeupPipe{r: fds[0], w: fds[1]}
}

// Signal wakes a driver loop blocked on FD. Multiple signals before the
// next Drain coalesce into one wakeup, which is fine: the driver always
// re-checks real queue/timer state after waking, not the pipe's contents.
func (p *wakeupPipe) Signal() {
	if p.w < 0 {
		return
	}
	var b [1]byte
	_, _ = unix.Write(p.w, b[:])
}

// Drain empties any pending wakeup bytes so FD stops being poll-readable
// until the next Signal.
func (p *wakeupPipe) Drain() {
	if p.r < 0 {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(p.r, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// FD returns the read end a select/epoll/kqueue-based driver loop polls
// for readability; -1 means no real pipe is available (construction
// failed) and the driver should fall back to a bounded poll interval.
func (p *wakeupPipe) FD() int { return p.r }

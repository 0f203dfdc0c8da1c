//go:build !linux && !darwin

package worker

// wakeupPipe degrades to a no-op off the self-pipe platforms: a driver
// loop on these platforms falls back to a bounded poll interval instead of
// blocking on FD.
type wakeupPipe struct{}

func newWakeupPipe() *wakeupPipe   { return &wakeupPipe{} }
func (p *wakeupPipe) Signal()      {}
func (p *wakeupPipe) Drain()       {}
func (p *wakeupPipe) FD() int      { return -1 }

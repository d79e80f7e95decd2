package uartx

import (
	"context"
	"sync"
	"sync/atomic"
)

// Scheduler arranges for Port.Dispatch to run later, outside interrupt
// context. fromISR is set when the request comes from the interrupt top
// half, in which case Schedule must not block. Schedule is called with the
// port lock held and must never run Dispatch synchronously.
type Scheduler interface {
	Schedule(no int, fromISR bool)
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(no int, fromISR bool)

func (f SchedulerFunc) Schedule(no int, fromISR bool) { f(no, fromISR) }

// Poller is the default Scheduler. Requests set a bit per port and wake a
// single goroutine that dispatches every pending port in port order.
type Poller struct {
	pending atomic.Uint32
	wake    chan struct{}
}

// NewPoller returns an idle poller. Call Run to start dispatching.
func NewPoller() *Poller {
	return &Poller{wake: make(chan struct{}, 1)}
}

func (p *Poller) Schedule(no int, _ bool) {
	if no < 0 || no >= MaxPorts {
		return
	}
	p.pending.Or(1 << uint(no))
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// RunOnce dispatches the ports pending right now and returns how many ran.
// Ports opened with a different Scheduler are left alone.
func (p *Poller) RunOnce() int {
	bits := p.pending.Swap(0)
	n := 0
	for no := 0; bits != 0 && no < MaxPorts; no++ {
		if bits&(1<<uint(no)) == 0 {
			continue
		}
		bits &^= 1 << uint(no)
		if port := Lookup(no); port != nil && port.sched == Scheduler(p) {
			port.Dispatch()
			n++
		}
	}
	return n
}

// Run dispatches pending ports until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	for {
		p.RunOnce()
		select {
		case <-p.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var (
	defaultPollerOnce sync.Once
	defaultPoller     *Poller
)

// DefaultScheduler returns the process-wide poller, starting it on first use.
func DefaultScheduler() Scheduler {
	defaultPollerOnce.Do(func() {
		defaultPoller = NewPoller()
		go defaultPoller.Run(context.Background())
	})
	return defaultPoller
}

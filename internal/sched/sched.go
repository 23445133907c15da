// Package sched provides the park/wake primitive the protocol engines use
// to block a caller inside a PCB operation (TcpOpen, TcpReceive, UdpRecvFrom,
// ...) until another goroutine — typically the softirq handler delivering a
// segment — makes progress possible, or until the wait is cancelled.
//
// It mirrors the pthread condvar wrapper in the original C implementation
// (sched_ctx_init/sleep/wakeup/interrupt/destroy): a Context tracks whether
// it has been interrupted and how many goroutines are currently parked, so a
// PCB can be released only once no one is waiting on it.
package sched

import (
	"context"
	"errors"
	"sync"
)

// ErrInterrupted is returned by Sleep when the Context was woken by
// Interrupt rather than by Wakeup. Callers treat it the way the original
// treats EINTR: stop what they were doing and unwind.
var ErrInterrupted = errors.New("sched: interrupted")

// ErrBusy is returned by Destroy when goroutines are still parked in Sleep.
var ErrBusy = errors.New("sched: context busy")

// Context is a condition variable augmented with a sticky "interrupted"
// flag. Zero value is not usable; construct with New.
type Context struct {
	mu          *sync.Mutex
	cond        *sync.Cond
	waiters     int
	interrupted bool
}

// New creates a Context guarded by mu. mu must be the same mutex the caller
// holds while inspecting the state Sleep's wakeup condition depends on, the
// same way sched_ctx_init is always paired with the PCB table mutex.
func New(mu *sync.Mutex) *Context {
	return &Context{mu: mu, cond: sync.NewCond(mu)}
}

// Sleep releases mu, parks the calling goroutine until the next Wakeup or
// Interrupt call (or ctx is cancelled), then reacquires mu before returning.
// The caller must hold mu when calling Sleep.
//
// Sleep does not loop on a predicate itself — like sched_sleep, it reports a
// single wake event and lets the caller re-check its own condition (e.g.
// "is there a queued segment yet?") and call Sleep again if not.
//
// If the Context was already interrupted before this call, Sleep returns
// ErrInterrupted immediately without parking, matching sched_sleep's
// fast-path check. Sleep returns nil for a plain Wakeup and ErrInterrupted
// for an Interrupt (or context cancellation).
func (c *Context) Sleep(ctx context.Context) error {
	if c.interrupted {
		return ErrInterrupted
	}

	c.waiters++
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			c.mu.Lock()
			c.interrupted = true
			c.cond.Broadcast()
			c.mu.Unlock()
		})
		defer stop()
	}

	c.cond.Wait()

	c.waiters--
	if c.interrupted {
		if c.waiters == 0 {
			c.interrupted = false
		}
		return ErrInterrupted
	}
	return nil
}

// Wakeup broadcasts to all parked goroutines without setting the interrupted
// flag; a woken Sleep call returns nil when its wait condition is satisfied
// by the caller re-checking state (callers loop on their own predicate, the
// same way tcp_output's caller re-checks pcb.state after sched_wakeup).
func (c *Context) Wakeup() {
	c.cond.Broadcast()
}

// Interrupt sets the sticky interrupted flag and wakes every parked
// goroutine; each Sleep call returns ErrInterrupted.
func (c *Context) Interrupt() {
	c.interrupted = true
	c.cond.Broadcast()
}

// Destroy reports whether the Context can be torn down. It fails with
// ErrBusy while goroutines remain parked in Sleep — mirroring
// sched_ctx_destroy's EBUSY return from pthread_cond_destroy. On failure the
// caller (PCB release) should call Interrupt to nudge waiters out and retry
// later rather than block.
func (c *Context) Destroy() error {
	if c.waiters > 0 {
		return ErrBusy
	}
	return nil
}

// Waiters returns the number of goroutines currently parked in Sleep. Tests
// use it to assert release-retry behavior deterministically.
func (c *Context) Waiters() int {
	return c.waiters
}

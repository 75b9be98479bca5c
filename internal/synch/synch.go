// Package synch implements the fabric's sleep-lock and timed-wait
// primitives: a monotonic-clock-backed equivalent of the kernel's
// condvar + usec timeout + interruption support that
// Task.BufferReceive and Task.BufferWait block on.
package synch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Flags mirror the packed timeout word's control bits (spec.md §6).
type Flags uint8

const (
	// FlagNonBlocking makes a zero-wait poll: return TryAgain instead of
	// sleeping if the condition isn't already true.
	FlagNonBlocking Flags = 1 << iota
	// FlagInfinite ignores Usec and waits until signaled or canceled.
	FlagInfinite
)

// Timeout is the (Usec, Flags) pair passed to Receive/Wait, held as two
// struct fields rather than packed into one word.
type Timeout struct {
	Usec  uint64
	Flags Flags
}

// WaitResult reports how a WaitQueue.Wait call returned.
type WaitResult int

const (
	// WaitOK means the predicate became true before the deadline.
	WaitOK WaitResult = iota
	// WaitTimeout means the deadline elapsed with the predicate still false.
	WaitTimeout
	// WaitInterrupted means the context was canceled mid-wait.
	WaitInterrupted
	// WaitTryAgain means FlagNonBlocking was set and the predicate was
	// false on the first check.
	WaitTryAgain
)

// WaitQueue is a channel-based condition variable with elapsed-time
// accounting across spurious wakeups, so a caller blocked with a finite
// timeout is charged only for time actually spent waiting — resolving
// the original kernel design note about updating the remaining usec
// budget after every spurious wakeup instead of restarting the clock.
//
// Unlike sync.Cond, Wait releases mu while blocked and reacquires it
// before returning, but does so explicitly around a channel receive
// rather than via Cond's runtime-assisted unlock/relock, which makes it
// safe to select against a timer and a context simultaneously.
type WaitQueue struct {
	mu   *sync.Mutex
	wake chan struct{}
}

// NewWaitQueue creates a WaitQueue. mu must be the same lock the caller
// holds while testing and mutating the predicate Wait blocks on, and
// while calling Signal/Broadcast.
func NewWaitQueue(mu *sync.Mutex) *WaitQueue {
	return &WaitQueue{mu: mu, wake: make(chan struct{})}
}

// Signal wakes every waiter blocked on the queue to re-check its
// predicate. Channels have no single-receiver wakeup primitive, so this
// is equivalent to Broadcast; callers must hold mu.
func (q *WaitQueue) Signal() {
	q.Broadcast()
}

// Broadcast wakes every waiter blocked on the queue. Callers must hold mu.
func (q *WaitQueue) Broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Wait blocks until predicate() returns true, the timeout elapses, or
// ctx is canceled. Callers must hold mu on entry and hold it again on
// return. predicate is re-evaluated under mu after every wakeup,
// spurious or not, and timeout accounting is against a monotonic clock
// so repeated spurious wakeups never extend the effective deadline.
func (q *WaitQueue) Wait(ctx context.Context, timeout Timeout, predicate func() bool) WaitResult {
	if predicate() {
		return WaitOK
	}
	if timeout.Flags&FlagNonBlocking != 0 {
		return WaitTryAgain
	}

	hasDeadline := timeout.Flags&FlagInfinite == 0
	var deadline time.Time
	if hasDeadline {
		deadline = monotonicNow().Add(time.Duration(timeout.Usec) * time.Microsecond)
	}

	var ctxDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}

	for {
		wakeCh := q.wake

		var timer *time.Timer
		var timerCh <-chan time.Time
		if hasDeadline {
			remaining := deadline.Sub(monotonicNow())
			if remaining <= 0 {
				return WaitTimeout
			}
			timer = time.NewTimer(remaining)
			timerCh = timer.C
		}

		q.mu.Unlock()
		select {
		case <-wakeCh:
		case <-timerCh:
		case <-ctxDone:
		}
		if timer != nil {
			timer.Stop()
		}
		q.mu.Lock()

		if predicate() {
			return WaitOK
		}
		if ctxDone != nil {
			select {
			case <-ctxDone:
				return WaitInterrupted
			default:
			}
		}
		if hasDeadline && !monotonicNow().Before(deadline) {
			return WaitTimeout
		}
	}
}

// monotonicNow reads CLOCK_MONOTONIC directly rather than time.Now(),
// matching the kernel design note's intent of accounting elapsed wait
// time against a clock that cannot jump backwards under NTP/settime.
func monotonicNow() time.Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Now()
	}
	sec, nsec := ts.Unix()
	return time.Unix(sec, nsec)
}

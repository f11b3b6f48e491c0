// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wait

import (
	"context"
	"sort"
	"sync"
	"time"
)

// TryDirective is a response that a Waiter's TryFunc can return to instruct
// the queue how to proceed.
type TryDirective int

const (
	// TryAgain instructs the queue to run the Waiter again after the fast
	// interval.
	TryAgain TryDirective = iota
	// TryAgainSlowly instructs the queue to run the Waiter again after the
	// slow interval. Returned when the remote end signals rate limiting.
	TryAgainSlowly
	// DontTryAgain instructs the queue to quit tracking the Waiter.
	DontTryAgain
)

// Waiter is a function to run periodically until completion or expiration.
// Completion is indicated when the TryFunc returns DontTryAgain. Expiration
// occurs when TryAgain or TryAgainSlowly is returned after the Expiration
// time.
type Waiter struct {
	// Expiration time is checked after the function returns a try-again
	// directive. If the current time > Expiration, ExpireFunc will be run and
	// the waiter will be un-queued. A zero Expiration never expires.
	Expiration time.Time
	// TryFunc is the function to run periodically until DontTryAgain is
	// returned or the Waiter expires.
	TryFunc func() TryDirective
	// ExpireFunc is a function to run in the case that the Waiter expires.
	ExpireFunc func()
}

type queuedWaiter struct {
	*Waiter
	nextTick time.Time
}

// TickerQueue is a Waiter manager that runs each Waiter's TryFunc on a fixed
// cadence until DontTryAgain is indicated, backing off to the slow cadence
// for Waiters whose TryFunc reports rate limiting.
type TickerQueue struct {
	fastInterval time.Duration
	slowInterval time.Duration
	queueWaiter  chan *queuedWaiter
}

// NewTickerQueue is the constructor for a TickerQueue. Waiters tick every
// fastInterval until their TryFunc asks for the slowInterval cadence.
func NewTickerQueue(fastInterval, slowInterval time.Duration) *TickerQueue {
	return &TickerQueue{
		fastInterval: fastInterval,
		slowInterval: slowInterval,
		queueWaiter:  make(chan *queuedWaiter, 16),
	}
}

// Wait runs the (*Waiter).TryFunc until either 1) the function returns the
// value DontTryAgain, or 2) the function's Expiration time has passed. In the
// case of 2, the (*Waiter).ExpireFunc will be run. The first attempt is made
// immediately from the queue's Run loop, so Wait never blocks the caller.
func (q *TickerQueue) Wait(w *Waiter) {
	q.queueWaiter <- &queuedWaiter{Waiter: w, nextTick: time.Now()}
}

// Run runs the primary wait loop until the context is canceled.
func (q *TickerQueue) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	runWaiter := func(w *queuedWaiter) {
		defer wg.Done()

		directive := w.TryFunc()
		if directive == DontTryAgain {
			return
		}
		if !w.Expiration.IsZero() && w.Expiration.Before(time.Now()) {
			w.ExpireFunc()
			return
		}

		interval := q.fastInterval
		if directive == TryAgainSlowly {
			interval = q.slowInterval
		}
		w.nextTick = time.Now().Add(interval)
		if !w.Expiration.IsZero() && w.nextTick.After(w.Expiration) {
			w.nextTick = w.Expiration
		}

		q.queueWaiter <- w // send it back to the queue
	}

	waiters := make([]*queuedWaiter, 0, 32) // only used in the loop
	var timer *time.Timer
	for {
		var tick <-chan time.Time
		if len(waiters) > 0 {
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(time.Until(waiters[0].nextTick))
			tick = timer.C
		}

		select {
		case <-tick:
			// Remove the next waiter from the slice. runWaiter will re-insert
			// with a new nextTick time if it sees a try-again directive.
			w := waiters[0]
			waiters = waiters[1:]
			wg.Add(1)
			go runWaiter(w)

		case w := <-q.queueWaiter:
			if time.Until(w.nextTick) <= 0 {
				wg.Add(1)
				go runWaiter(w)
				continue
			}

			waiters = append(waiters, w)
			sort.Slice(waiters, func(i, j int) bool {
				return waiters[i].nextTick.Before(waiters[j].nextTick) // ascending, next tick first
			})

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			for _, w := range waiters {
				w.ExpireFunc() // early, but still ending prior to DontTryAgain
			}
			return
		}
	}
}

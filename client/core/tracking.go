// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"sync"
	"time"

	"github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/wait"
)

// maxPollFailures is the bound on consecutive polling errors for one quote.
// Hitting the bound stops the poll loop and emits a TrackingError
// notification. The quote itself is untouched; its state simply stops
// advancing until tracking resumes, e.g. on restart.
const maxPollFailures = 5

// trackedQuote is one unpaid quote under observation.
type trackedQuote struct {
	quote *db.ReceiveQuote
	// subscribed quotes are covered by the mint's push subscription;
	// unsubscribed quotes are polled from the latency queue.
	subscribed bool
	// polling stops the poll waiter when the quote is untracked. Closed at
	// most once, under the mint tracker's mutex.
	polling chan struct{}
	// expiryTimer fires once at the quote's expiry to settle it.
	expiryTimer *time.Timer

	failures int
}

// mintTracker observes all tracked quotes of a single mint. Quotes whose
// provider supports push updates share one subscription, replaced wholesale
// whenever the coverage set changes; the rest are polled individually.
type mintTracker struct {
	c       *Core
	mintURL string

	mtx    sync.Mutex
	quotes map[string]*trackedQuote // keyed by quote ID
	// byProvider maps provider quote ids to quote ids for push dispatch.
	byProvider map[string]string
	unsub      mint.Unsubscribe

	// subMtx serializes subscription replacement. Coverage is computed and
	// installed under it, so two racing resyncs cannot leave a stale
	// coverage set as the active filter.
	subMtx sync.Mutex
}

// quoteTracker fans tracked quotes out to per-mint trackers.
type quoteTracker struct {
	c     *Core
	mtx   sync.Mutex
	mints map[string]*mintTracker
}

func newQuoteTracker(c *Core) *quoteTracker {
	return &quoteTracker{
		c:     c,
		mints: make(map[string]*mintTracker),
	}
}

// track begins observing an UNPAID quote until it resolves or is untracked.
func (t *quoteTracker) track(q *db.ReceiveQuote) {
	t.mtx.Lock()
	mt, found := t.mints[q.Mint]
	if !found {
		mt = &mintTracker{
			c:          t.c,
			mintURL:    q.Mint,
			quotes:     make(map[string]*trackedQuote),
			byProvider: make(map[string]string),
		}
		t.mints[q.Mint] = mt
	}
	t.mtx.Unlock()
	mt.track(q)
}

// untrack stops observing a quote. Safe to call for quotes that were never
// tracked or already resolved.
func (t *quoteTracker) untrack(quoteID string) {
	t.mtx.Lock()
	mts := make([]*mintTracker, 0, len(t.mints))
	for _, mt := range t.mints {
		mts = append(mts, mt)
	}
	t.mtx.Unlock()
	for _, mt := range mts {
		mt.untrack(quoteID)
	}
}

func (mt *mintTracker) track(q *db.ReceiveQuote) {
	cap, err := mt.c.capability(mt.mintURL)
	if err != nil {
		log.Errorf("unable to track quote %s, no capability for %s: %v", q.ID, mt.mintURL, err)
		mt.c.notify(&Notification{Topic: TopicTrackingError, Quote: q, Details: err.Error()})
		return
	}

	tq := &trackedQuote{quote: q}
	tq.expiryTimer = time.AfterFunc(time.Until(q.ExpiresAt), func() {
		mt.settleExpiry(q.ID)
	})

	subscribed := cap.SupportsSubscriptions(mint.KindMintQuote, q.Amount.Currency)
	tq.subscribed = subscribed
	if !subscribed {
		tq.polling = make(chan struct{})
	}

	mt.mtx.Lock()
	if _, already := mt.quotes[q.ID]; already {
		mt.mtx.Unlock()
		tq.expiryTimer.Stop()
		return
	}
	mt.quotes[q.ID] = tq
	mt.byProvider[q.ProviderQuoteID] = q.ID
	mt.mtx.Unlock()

	if subscribed {
		mt.resyncSubscription(cap)
	} else {
		mt.pollQuote(cap, tq)
	}
}

func (mt *mintTracker) untrack(quoteID string) {
	mt.mtx.Lock()
	tq, found := mt.quotes[quoteID]
	if !found {
		mt.mtx.Unlock()
		return
	}
	delete(mt.quotes, quoteID)
	delete(mt.byProvider, tq.quote.ProviderQuoteID)
	tq.expiryTimer.Stop()
	if tq.polling != nil {
		close(tq.polling)
		tq.polling = nil
	}
	subscribed := tq.subscribed
	mt.mtx.Unlock()

	if subscribed {
		cap, err := mt.c.capability(mt.mintURL)
		if err != nil {
			return
		}
		mt.resyncSubscription(cap)
	}
}

// resyncSubscription replaces the mint's push subscription with one covering
// the current subscribed set. Replacements for one mint are serialized: the
// resync that runs last computes its coverage after every earlier tracked-set
// change, so the installed filter is never stale.
func (mt *mintTracker) resyncSubscription(cap mint.Capability) {
	mt.subMtx.Lock()
	defer mt.subMtx.Unlock()

	mt.mtx.Lock()
	ids := make([]string, 0, len(mt.quotes))
	for _, tq := range mt.quotes {
		if tq.subscribed {
			ids = append(ids, tq.quote.ProviderQuoteID)
		}
	}
	oldUnsub := mt.unsub
	mt.mtx.Unlock()

	if len(ids) == 0 {
		if oldUnsub != nil {
			oldUnsub()
			mt.mtx.Lock()
			mt.unsub = nil
			mt.mtx.Unlock()
		}
		return
	}

	unsub, err := cap.SubscribeQuoteUpdates(mt.c.ctx, ids, mt.onUpdate)
	if err != nil {
		// Push coverage failed. The expiry timers still settle every quote
		// eventually, so log and carry on.
		log.Errorf("subscription resync for %s failed: %v", mt.mintURL, err)
		return
	}
	mt.mtx.Lock()
	mt.unsub = unsub
	mt.mtx.Unlock()
}

// onUpdate handles a pushed quote state change.
func (mt *mintTracker) onUpdate(pq *mint.Quote) {
	if pq.State == mint.QuoteUnpaid {
		return
	}
	mt.mtx.Lock()
	quoteID, found := mt.byProvider[pq.ID]
	mt.mtx.Unlock()
	if !found {
		log.Debugf("pushed update for untracked quote %s", pq.ID)
		return
	}
	log.Infof("quote %s reported %s by push", quoteID, pq.State)
	mt.complete(quoteID)
}

// pollQuote enqueues a poll waiter for a quote on a provider without push
// support. Paid resolves the quote; rate limiting backs the cadence off;
// repeated failures stop the loop without touching the quote.
func (mt *mintTracker) pollQuote(cap mint.Capability, tq *trackedQuote) {
	q := tq.quote
	stop := tq.polling
	mt.c.latencyQ.Wait(&wait.Waiter{
		// The expiry timer owns expiration handling. The waiter outlives the
		// expiry slightly so a payment racing the expiry is still caught.
		Expiration: q.ExpiresAt.Add(time.Minute),
		TryFunc: func() wait.TryDirective {
			select {
			case <-stop:
				return wait.DontTryAgain
			default:
			}

			pq, err := cap.CheckQuote(mt.c.ctx, q.ProviderQuoteID)
			if err != nil {
				if mint.IsRateLimited(err) {
					return wait.TryAgainSlowly
				}
				tq.failures++
				if tq.failures >= maxPollFailures {
					log.Errorf("giving up polling quote %s after %d consecutive failures: %v",
						q.ID, tq.failures, err)
					mt.c.notify(&Notification{Topic: TopicTrackingError, Quote: q, Details: err.Error()})
					return wait.DontTryAgain
				}
				log.Debugf("quote %s poll error %d: %v", q.ID, tq.failures, err)
				return wait.TryAgain
			}
			tq.failures = 0

			if pq.State == mint.QuoteUnpaid {
				return wait.TryAgain
			}
			log.Infof("quote %s reported %s by polling", q.ID, pq.State)
			mt.complete(q.ID)
			return wait.DontTryAgain
		},
		ExpireFunc: func() {},
	})
}

// settleExpiry fires at a quote's expiry: one authoritative provider check,
// then completion or expiry accordingly.
func (mt *mintTracker) settleExpiry(quoteID string) {
	mt.mtx.Lock()
	tq, found := mt.quotes[quoteID]
	mt.mtx.Unlock()
	if !found {
		return
	}
	q := tq.quote

	cap, err := mt.c.capability(mt.mintURL)
	if err != nil {
		log.Errorf("expiry check for quote %s: %v", quoteID, err)
		return
	}

	mt.c.inBackground(func() {
		var pq *mint.Quote
		err := mt.c.withNetworkRetry(mt.c.ctx, func() error {
			var err error
			pq, err = cap.CheckQuote(mt.c.ctx, q.ProviderQuoteID)
			return err
		})
		if err == nil && pq.State != mint.QuoteUnpaid {
			// Paid at the buzzer.
			log.Infof("quote %s was paid before expiry", quoteID)
			if _, _, err := mt.c.CompleteReceiveQuote(mt.c.ctx, quoteID); err != nil {
				log.Errorf("completion of quote %s at expiry failed: %v", quoteID, err)
			}
			return
		}
		if err != nil {
			log.Warnf("expiry check for quote %s errored, expiring on local clock: %v", quoteID, err)
		}
		if _, err := mt.c.ExpireReceiveQuote(mt.c.ctx, quoteID); err != nil && !wallet.IsDomainError(err) {
			log.Errorf("unable to expire quote %s: %v", quoteID, err)
		}
	})
}

// complete runs a background completion attempt for a tracked quote.
func (mt *mintTracker) complete(quoteID string) {
	mt.c.inBackground(func() {
		if _, _, err := mt.c.CompleteReceiveQuote(mt.c.ctx, quoteID); err != nil {
			log.Errorf("completion of quote %s failed: %v", quoteID, err)
		}
	})
}

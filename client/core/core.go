// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core is the wallet's payment-quote lifecycle engine. It owns the
// state machines for receive quotes and token swaps, drives them from
// provider pushes, polling and expiry timers, and persists every transition
// to the versioned ledger. Safety comes from optimistic concurrency at the
// ledger, not from mutual exclusion in memory: a stale or duplicate
// transition is rejected by the version check, never double-applied.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/wait"
)

const (
	// defaultTickInterval is the polling cadence for tracked quotes.
	defaultTickInterval = 10 * time.Second
	// defaultSlowTickInterval is the backed-off cadence used after a
	// provider signals rate limiting.
	defaultSlowTickInterval = time.Minute

	// maxConflictRetries bounds re-read-and-reapply attempts after a ledger
	// version conflict.
	maxConflictRetries = 3
	// maxNetworkRetries bounds retries of transient capability failures.
	maxNetworkRetries = 2
)

// Core is the wallet engine. Construct with New, then Run.
type Core struct {
	cfg     *Config
	ctx     context.Context // set in Run
	db      db.DB
	keys    KeySource
	rates   RateSource
	wg      sync.WaitGroup
	ready   chan struct{}
	started bool

	latencyQ *wait.TickerQueue

	capsMtx sync.Mutex
	caps    map[string]mint.Capability

	// inFlight collapses concurrently triggered completions for the same
	// entity into a single attempt. The loser adopts the winner's result.
	inFlight singleflight.Group

	tracker *quoteTracker

	feedMtx sync.RWMutex
	feeds   []chan *Notification
}

// New constructs the Core.
func New(cfg *Config) (*Core, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("no DB configured")
	}
	if cfg.Keys == nil {
		return nil, fmt.Errorf("no key source configured")
	}
	if cfg.NewCapability == nil {
		return nil, fmt.Errorf("no capability maker configured")
	}
	tick := cfg.TickInterval
	if tick == 0 {
		tick = defaultTickInterval
	}
	slowTick := cfg.SlowTickInterval
	if slowTick == 0 {
		slowTick = defaultSlowTickInterval
	}

	c := &Core{
		cfg:      cfg,
		db:       cfg.DB,
		keys:     cfg.Keys,
		rates:    cfg.Rates,
		ready:    make(chan struct{}),
		latencyQ: wait.NewTickerQueue(tick, slowTick),
		caps:     make(map[string]mint.Capability),
	}
	c.tracker = newQuoteTracker(c)
	return c, nil
}

// Run starts the Core and blocks until the context is canceled. Pending
// entities are resumed before Ready is closed.
func (c *Core) Run(ctx context.Context) {
	c.ctx = ctx
	c.started = true

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.latencyQ.Run(gctx)
		return nil
	})
	g.Go(func() error {
		c.db.Run(gctx)
		return nil
	})

	c.resumePending()
	close(c.ready)

	if err := g.Wait(); err != nil {
		log.Errorf("run group error: %v", err)
	}
	c.wg.Wait()
	log.Infof("wallet core off")
}

// Ready is closed once startup recovery has completed.
func (c *Core) Ready() <-chan struct{} { return c.ready }

// capability returns the cached capability client for the endpoint,
// connecting on first use.
func (c *Core) capability(mintURL string) (mint.Capability, error) {
	c.capsMtx.Lock()
	defer c.capsMtx.Unlock()
	if cap, found := c.caps[mintURL]; found {
		return cap, nil
	}
	cap, err := c.cfg.NewCapability(c.ctx, mintURL)
	if err != nil {
		return nil, codedError(capabilityErr, fmt.Errorf("capability connect error for %s: %w", mintURL, err))
	}
	c.caps[mintURL] = cap
	return cap, nil
}

// resumePending reloads the user's non-terminal entities after a restart.
// Unpaid quotes are re-tracked; paid quotes and pending swaps get a
// completion attempt, which is idempotent and recovers any partial mint via
// deterministic restore.
func (c *Core) resumePending() {
	quotes, err := c.db.PendingReceiveQuotes(c.cfg.UserID)
	if err != nil {
		log.Errorf("unable to load pending receive quotes: %v", err)
	}
	for _, q := range quotes {
		switch q.State {
		case db.QuoteStateUnpaid:
			c.tracker.track(q)
		case db.QuoteStatePaid:
			c.inBackground(func() {
				if _, _, err := c.CompleteReceiveQuote(c.ctx, q.ID); err != nil {
					log.Errorf("startup completion of quote %s failed: %v", q.ID, err)
				}
			})
		}
	}

	swaps, err := c.db.PendingTokenSwaps(c.cfg.UserID)
	if err != nil {
		log.Errorf("unable to load pending token swaps: %v", err)
	}
	for _, s := range swaps {
		swapID := s.ID
		c.inBackground(func() {
			if _, _, err := c.CompleteTokenSwap(c.ctx, swapID); err != nil {
				log.Errorf("startup completion of swap %s failed: %v", swapID, err)
			}
		})
	}

	if len(quotes) > 0 || len(swaps) > 0 {
		log.Infof("resumed %d pending quote(s) and %d pending swap(s)", len(quotes), len(swaps))
	}
}

// inBackground runs f on a tracked goroutine.
func (c *Core) inBackground(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

// withNetworkRetry runs op, retrying transient network failures with
// bounded attempts. Protocol and domain errors are never retried.
func (c *Core) withNetworkRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= maxNetworkRetries; attempt++ {
		if err = op(); err == nil || !wallet.IsNetworkError(err) {
			return err
		}
		log.Debugf("transient network error (attempt %d): %v", attempt+1, err)
		select {
		case <-time.After(time.Duration(attempt+1) * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// updateQuote writes the quote with bounded conflict handling: on a version
// conflict the quote is re-read and reapply decides, given the fresh copy,
// whether to retry the mutation or accept the stored state (by returning
// false). reapply mutates the fresh copy in place for the retry.
func (c *Core) updateQuote(q *db.ReceiveQuote, reapply func(fresh *db.ReceiveQuote) (bool, error)) (*db.ReceiveQuote, error) {
	updated, err := c.db.UpdateReceiveQuote(q)
	for attempt := 0; wallet.IsConflict(err) && attempt < maxConflictRetries; attempt++ {
		var fresh *db.ReceiveQuote
		fresh, err = c.db.ReceiveQuote(q.ID)
		if err != nil {
			return nil, codedError(dbErr, err)
		}
		retry, rErr := reapply(fresh)
		if rErr != nil {
			return nil, rErr
		}
		if !retry {
			return fresh, nil
		}
		q = fresh
		updated, err = c.db.UpdateReceiveQuote(q)
	}
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return updated, nil
}

// updateSwap is updateQuote for token swaps.
func (c *Core) updateSwap(s *db.TokenSwap, reapply func(fresh *db.TokenSwap) (bool, error)) (*db.TokenSwap, error) {
	updated, err := c.db.UpdateTokenSwap(s)
	for attempt := 0; wallet.IsConflict(err) && attempt < maxConflictRetries; attempt++ {
		var fresh *db.TokenSwap
		fresh, err = c.db.TokenSwap(s.ID)
		if err != nil {
			return nil, codedError(dbErr, err)
		}
		retry, rErr := reapply(fresh)
		if rErr != nil {
			return nil, rErr
		}
		if !retry {
			return fresh, nil
		}
		s = fresh
		updated, err = c.db.UpdateTokenSwap(s)
	}
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	return updated, nil
}

// ReceiveQuote fetches a receive quote from the ledger.
func (c *Core) ReceiveQuote(quoteID string) (*db.ReceiveQuote, error) {
	q, err := c.db.ReceiveQuote(quoteID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, wallet.DomainError("unknown quote " + quoteID)
		}
		return nil, codedError(dbErr, err)
	}
	return q, nil
}

// TokenSwap fetches a token swap from the ledger.
func (c *Core) TokenSwap(swapID string) (*db.TokenSwap, error) {
	s, err := c.db.TokenSwap(swapID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, wallet.DomainError("unknown swap " + swapID)
		}
		return nil, codedError(dbErr, err)
	}
	return s, nil
}

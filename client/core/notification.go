// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"github.com/mintward/mintward/client/db"
)

// Notification topics.
const (
	// TopicQuoteCreated: a receive quote was created and is being tracked.
	TopicQuoteCreated = "QuoteCreated"
	// TopicQuotePaid: a receive quote's payment request was paid.
	TopicQuotePaid = "QuotePaid"
	// TopicQuoteCompleted: ecash was issued for a receive quote.
	TopicQuoteCompleted = "QuoteCompleted"
	// TopicQuoteExpired: a receive quote expired unpaid.
	TopicQuoteExpired = "QuoteExpired"
	// TopicQuoteFailed: a receive quote failed terminally.
	TopicQuoteFailed = "QuoteFailed"
	// TopicSwapCompleted: a token swap completed.
	TopicSwapCompleted = "SwapCompleted"
	// TopicSwapFailed: a token swap failed terminally.
	TopicSwapFailed = "SwapFailed"
	// TopicTrackingError: quote tracking gave up after bounded retries.
	// The quote itself is unaffected; its state simply stops advancing
	// until tracking resumes.
	TopicTrackingError = "TrackingError"
)

// Notification is a state-change event for the caller's UI layer.
// Background failures are only ever reported this way; they never propagate
// as operation errors.
type Notification struct {
	Topic   string           `json:"topic"`
	Quote   *db.ReceiveQuote `json:"quote,omitempty"`
	Swap    *db.TokenSwap    `json:"swap,omitempty"`
	Details string           `json:"details,omitempty"`
}

// notify delivers a notification to all feeds. Slow consumers drop
// notifications rather than blocking the engine.
func (c *Core) notify(n *Notification) {
	c.feedMtx.RLock()
	defer c.feedMtx.RUnlock()
	for _, feed := range c.feeds {
		select {
		case feed <- n:
		default:
			log.Warnf("dropping %s notification for blocked feed", n.Topic)
		}
	}
}

// NotificationFeed returns a new receiving channel for notifications. The
// channel has capacity 32, and is never closed.
func (c *Core) NotificationFeed() <-chan *Notification {
	feed := make(chan *Notification, 32)
	c.feedMtx.Lock()
	c.feeds = append(c.feeds, feed)
	c.feedMtx.Unlock()
	return feed
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
)

// CreateSparkReceiveQuote requests a receive quote from a Spark provider and
// persists it UNPAID. Spark funds settle on the provider when the payment
// request is paid, so the quote carries no locking key and no derivation
// parameters; completion only confirms the payment.
func (c *Core) CreateSparkReceiveQuote(ctx context.Context, acct *Account, amount wallet.Amount, description string) (*db.ReceiveQuote, error) {
	if amount.Value == 0 {
		return nil, wallet.DomainError("cannot receive zero amount")
	}
	cap, err := c.capability(acct.Mint)
	if err != nil {
		return nil, err
	}

	var pq *mint.Quote
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		pq, err = cap.CreateQuote(ctx, amount, nil, description)
		return err
	})
	if err != nil {
		return nil, codedError(createQuoteErr, err)
	}
	if err := pq.Validate(); err != nil {
		return nil, codedError(createQuoteErr, err)
	}

	q := &db.ReceiveQuote{
		ID:              uuid.NewString(),
		UserID:          acct.UserID,
		AccountID:       acct.ID,
		Mint:            acct.Mint,
		Amount:          amount,
		Description:     description,
		Type:            db.ReceiveLightning,
		Provider:        db.ProviderSpark,
		ProviderQuoteID: pq.ID,
		PaymentRequest:  pq.PaymentRequest,
		PaymentHash:     pq.PaymentHash,
		ExpiresAt:       time.Unix(int64(pq.Expiry), 0),
		MintingFee:      pq.MintingFee,
		TotalFee:        pq.MintingFee,
		State:           db.QuoteStateUnpaid,
	}
	q, err = c.db.CreateReceiveQuote(q)
	if err != nil {
		return nil, codedError(dbErr, err)
	}

	c.tracker.track(q)
	c.notify(&Notification{Topic: TopicQuoteCreated, Quote: q})
	return q, nil
}

// completeSparkQuote confirms a Spark quote's payment with the provider and
// transitions it to COMPLETED. There is nothing to mint, so the delta never
// carries proofs.
func (c *Core) completeSparkQuote(ctx context.Context, cap mint.Capability, q *db.ReceiveQuote) (*quoteDelta, error) {
	if q.State == db.QuoteStateUnpaid {
		var pq *mint.Quote
		err := c.withNetworkRetry(ctx, func() error {
			var err error
			pq, err = cap.CheckQuote(ctx, q.ProviderQuoteID)
			return err
		})
		if err != nil {
			return nil, codedError(completeQuoteErr, err)
		}
		if pq.State == mint.QuoteUnpaid {
			return nil, ErrQuoteNotPaid
		}
	}

	stale := false
	q.State = db.QuoteStateCompleted
	updated, err := c.updateQuote(q, func(fresh *db.ReceiveQuote) (bool, error) {
		if fresh.State == db.QuoteStateCompleted {
			stale = true
			return false, nil
		}
		if fresh.State.Terminal() {
			return false, wallet.DomainError("quote is " + string(fresh.State))
		}
		fresh.State = db.QuoteStateCompleted
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	c.tracker.untrack(updated.ID)
	if stale {
		return &quoteDelta{quote: updated}, nil
	}
	c.notify(&Notification{Topic: TopicQuoteCompleted, Quote: updated})
	return &quoteDelta{quote: updated}, nil
}

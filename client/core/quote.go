// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/google/uuid"

	"github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/derive"
)

// lockCounterKey is the per-account reservation scope for locking key
// indices. It shares the ledger's counter machinery with keyset counters.
func lockCounterKey(accountID string) string {
	return "lock/" + accountID
}

// CreateReceiveQuote requests a locked provider quote for amount and
// persists a new UNPAID receive quote into the account. The quote is
// tracked until it resolves.
func (c *Core) CreateReceiveQuote(ctx context.Context, acct *Account, amount wallet.Amount, description string) (*db.ReceiveQuote, error) {
	if amount.Value == 0 {
		return nil, wallet.DomainError("cannot receive zero amount")
	}
	cap, err := c.capability(acct.Mint)
	if err != nil {
		return nil, err
	}

	// A fresh unhardened index under the account's base path locks this
	// quote's issuance to our key.
	lockIdx, err := c.db.ReserveCounter(lockCounterKey(acct.ID), 1)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	lockPath := make([]uint32, 0, len(acct.DerivationPath)+1)
	lockPath = append(lockPath, acct.DerivationPath...)
	lockPath = append(lockPath, lockIdx)
	lockPub, err := c.keys.DerivePublicKey(lockPath)
	if err != nil {
		return nil, codedError(keyErr, err)
	}

	var pq *mint.Quote
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		pq, err = cap.CreateQuote(ctx, amount, lockPub.SerializeCompressed(), description)
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
		Provider:        db.ProviderCashu,
		ProviderQuoteID: pq.ID,
		PaymentRequest:  pq.PaymentRequest,
		PaymentHash:     pq.PaymentHash,
		ExpiresAt:       time.Unix(int64(pq.Expiry), 0),
		LockingPath:     lockPath,
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

// markQuotePaid performs the UNPAID -> PAID transition. The keyset id, a
// freshly reserved counter range and the output split are fixed and
// persisted together with the state, in one version bump. This is the point
// of no return: from here on the derivation inputs are stable and any
// partial completion can be recovered by re-deriving.
func (c *Core) markQuotePaid(ctx context.Context, cap mint.Capability, q *db.ReceiveQuote) (*db.ReceiveQuote, error) {
	var ks *mint.Keyset
	err := c.withNetworkRetry(ctx, func() error {
		var err error
		ks, err = cap.ActiveKeyset(ctx, q.Amount.Currency)
		return err
	})
	if err != nil {
		return nil, codedError(completeQuoteErr, err)
	}
	if err := ks.Validate(); err != nil {
		return nil, codedError(completeQuoteErr, err)
	}

	if q.MintingFee >= q.Amount.Value {
		return nil, codedError(completeQuoteErr, &wallet.ProtocolError{
			Code: mint.ErrInvalidResponse,
			Detail: fmt.Sprintf("minting fee %d consumes the whole %d amount of quote %s",
				q.MintingFee, q.Amount.Value, q.ID),
		})
	}
	receivable := q.Amount.Value - q.MintingFee
	amounts, err := derive.Split(receivable, ks.Denominations())
	if err != nil {
		return nil, codedError(derivationErr, err)
	}
	counter, err := c.db.ReserveCounter(ks.ID, uint32(len(amounts)))
	if err != nil {
		return nil, codedError(dbErr, err)
	}

	q.State = db.QuoteStatePaid
	q.KeysetID = ks.ID
	q.Counter = counter
	q.OutputAmounts = amounts
	updated, err := c.updateQuote(q, func(fresh *db.ReceiveQuote) (bool, error) {
		if fresh.State != db.QuoteStateUnpaid {
			// Another writer already advanced the quote. Its derivation
			// parameters win; ours are abandoned.
			return false, nil
		}
		fresh.State = db.QuoteStatePaid
		fresh.KeysetID = ks.ID
		fresh.Counter = counter
		fresh.OutputAmounts = amounts
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	c.notify(&Notification{Topic: TopicQuotePaid, Quote: updated})
	return updated, nil
}

// CompleteReceiveQuote mints ecash for a paid receive quote. Completing an
// already-COMPLETED quote is a no-op returning the current state and an
// empty delta. Completing an UNPAID quote first performs the paid
// transition, which requires the provider to report the quote paid. Two
// concurrent completions for the same quote collapse into one attempt.
func (c *Core) CompleteReceiveQuote(ctx context.Context, quoteID string) (*db.ReceiveQuote, []mint.Proof, error) {
	res, err, _ := c.inFlight.Do("quote/"+quoteID, func() (any, error) {
		delta, err := c.completeReceiveQuote(ctx, quoteID)
		if err != nil {
			return nil, err
		}
		return delta, nil
	})
	if err != nil {
		return nil, nil, err
	}
	delta := res.(*quoteDelta)
	return delta.quote, delta.proofs, nil
}

func (c *Core) completeReceiveQuote(ctx context.Context, quoteID string) (*quoteDelta, error) {
	q, err := c.ReceiveQuote(quoteID)
	if err != nil {
		return nil, err
	}

	switch q.State {
	case db.QuoteStateCompleted:
		return &quoteDelta{quote: q}, nil // idempotent no-op
	case db.QuoteStateExpired:
		return nil, ErrQuoteExpired
	case db.QuoteStateFailed:
		return nil, wallet.DomainError("quote failed: " + q.FailureReason)
	}

	cap, err := c.capability(q.Mint)
	if err != nil {
		return nil, err
	}

	// Spark quotes settle provider-side. No derivation parameters, no mint
	// call: completion just confirms payment with the provider.
	if q.Provider == db.ProviderSpark {
		return c.completeSparkQuote(ctx, cap, q)
	}

	if q.State == db.QuoteStateUnpaid {
		var pq *mint.Quote
		err = c.withNetworkRetry(ctx, func() error {
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
		if q, err = c.markQuotePaid(ctx, cap, q); err != nil {
			return nil, err
		}
		if q.State != db.QuoteStatePaid {
			// A concurrent writer resolved the quote while we were fixing
			// parameters.
			if q.State == db.QuoteStateCompleted {
				return &quoteDelta{quote: q}, nil
			}
			return nil, wallet.DomainError("quote is " + string(q.State))
		}
	}

	proofs, err := c.mintQuoteProofs(ctx, cap, q)
	if err != nil {
		// The quote remains PAID and the attempt is retryable, except for
		// domain errors.
		return nil, err
	}

	updated, err := c.updateCompleted(q, proofs)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// mintQuoteProofs re-derives the quote's outputs from its fixed parameters
// and requests issuance. If the mint reports the quote already issued or the
// outputs already signed, a previous attempt partially succeeded: the exact
// proofs are recovered with a deterministic restore instead of failing.
func (c *Core) mintQuoteProofs(ctx context.Context, cap mint.Capability, q *db.ReceiveQuote) ([]mint.Proof, error) {
	set, err := derive.Outputs(c.keys.Seed(), q.KeysetID, q.Counter, q.OutputAmounts)
	if err != nil {
		return nil, codedError(derivationErr, err)
	}
	msgs := mint.BlindedMessages(set)

	witness, err := c.quoteWitness(q)
	if err != nil {
		return nil, err
	}

	var sigs []mint.BlindedSignature
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		sigs, err = cap.MintProofs(ctx, q.ProviderQuoteID, msgs, witness)
		return err
	})
	if mint.IsAlreadyIssued(err) {
		log.Infof("quote %s already issued, restoring signatures deterministically", q.ID)
		rErr := c.withNetworkRetry(ctx, func() error {
			var err error
			sigs, err = cap.Restore(ctx, msgs)
			return err
		})
		if rErr != nil {
			return nil, codedError(completeQuoteErr, rErr)
		}
		if len(sigs) != len(msgs) {
			return nil, codedError(completeQuoteErr, fmt.Errorf(
				"restore recovered %d of %d signatures for issued quote %s",
				len(sigs), len(msgs), q.ID))
		}
	} else if err != nil {
		return nil, codedError(completeQuoteErr, err)
	}

	var ks *mint.Keyset
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		ks, err = cap.Keyset(ctx, q.KeysetID)
		return err
	})
	if err != nil {
		return nil, codedError(completeQuoteErr, err)
	}

	proofs, err := mint.ProofsFromSignatures(set, sigs, ks)
	if err != nil {
		return nil, codedError(completeQuoteErr, err)
	}
	return proofs, nil
}

// quoteWitness signs the provider quote id with the quote's locking key.
func (c *Core) quoteWitness(q *db.ReceiveQuote) ([]byte, error) {
	if len(q.LockingPath) == 0 {
		return nil, nil
	}
	priv, err := c.keys.PrivateKey(q.LockingPath)
	if err != nil {
		return nil, codedError(keyErr, err)
	}
	defer priv.Zero()
	hash := sha256.Sum256([]byte(q.ProviderQuoteID))
	sig, err := schnorr.Sign(priv, hash[:])
	if err != nil {
		return nil, codedError(keyErr, fmt.Errorf("witness sign error: %w", err))
	}
	return sig.Serialize(), nil
}

// updateCompleted transitions a PAID quote to COMPLETED. If a concurrent
// completion won the write race, the winner's state is adopted and an empty
// delta returned.
func (c *Core) updateCompleted(q *db.ReceiveQuote, proofs []mint.Proof) (*quoteDelta, error) {
	stale := false
	q.State = db.QuoteStateCompleted
	updated, err := c.updateQuote(q, func(fresh *db.ReceiveQuote) (bool, error) {
		if fresh.State == db.QuoteStateCompleted {
			stale = true
			return false, nil
		}
		if fresh.State != db.QuoteStatePaid {
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
	return &quoteDelta{quote: updated, proofs: proofs}, nil
}

// ExpireReceiveQuote transitions an UNPAID quote past its expiry to
// EXPIRED. Expiring an already-EXPIRED quote is a no-op. A quote that is
// still payable, or already resolved, cannot be expired.
func (c *Core) ExpireReceiveQuote(ctx context.Context, quoteID string) (*db.ReceiveQuote, error) {
	q, err := c.ReceiveQuote(quoteID)
	if err != nil {
		return nil, err
	}

	switch {
	case q.State == db.QuoteStateExpired:
		return q, nil // idempotent no-op
	case q.State != db.QuoteStateUnpaid:
		return nil, newError(expireQuoteErr, "cannot expire quote %s in state %s", q.ID, q.State)
	case time.Now().Before(q.ExpiresAt):
		return nil, newError(expireQuoteErr, "quote %s is still payable until %s", q.ID, q.ExpiresAt)
	}

	q.State = db.QuoteStateExpired
	updated, err := c.updateQuote(q, func(fresh *db.ReceiveQuote) (bool, error) {
		switch fresh.State {
		case db.QuoteStateExpired:
			return false, nil
		case db.QuoteStateUnpaid:
			fresh.State = db.QuoteStateExpired
			return true, nil
		}
		// Paid or resolved in the meantime. The expiry loses.
		return false, errors.New("quote advanced past expiry: " + string(fresh.State))
	})
	if err != nil {
		return nil, err
	}
	c.tracker.untrack(updated.ID)
	c.notify(&Notification{Topic: TopicQuoteExpired, Quote: updated})
	return updated, nil
}

// FailReceiveQuote records a terminal failure with a reason, e.g. when a
// cross-account melt leg cannot be completed. Failing an already-FAILED
// quote is a no-op; a COMPLETED or EXPIRED quote cannot be failed.
func (c *Core) FailReceiveQuote(ctx context.Context, quoteID, reason string) (*db.ReceiveQuote, error) {
	q, err := c.ReceiveQuote(quoteID)
	if err != nil {
		return nil, err
	}

	switch q.State {
	case db.QuoteStateFailed:
		return q, nil // idempotent no-op
	case db.QuoteStateCompleted, db.QuoteStateExpired:
		return nil, newError(failQuoteErr, "cannot fail quote %s in state %s", q.ID, q.State)
	}

	q.State = db.QuoteStateFailed
	q.FailureReason = reason
	updated, err := c.updateQuote(q, func(fresh *db.ReceiveQuote) (bool, error) {
		switch fresh.State {
		case db.QuoteStateFailed:
			return false, nil
		case db.QuoteStateCompleted, db.QuoteStateExpired:
			return false, newError(failQuoteErr, "cannot fail quote %s in state %s", fresh.ID, fresh.State)
		}
		fresh.State = db.QuoteStateFailed
		fresh.FailureReason = reason
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	c.tracker.untrack(updated.ID)
	c.notify(&Notification{Topic: TopicQuoteFailed, Quote: updated, Details: reason})
	return updated, nil
}

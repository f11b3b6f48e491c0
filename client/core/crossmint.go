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

// maxCrossAccountAttempts bounds quote-pair convergence. Melt fee reserves
// are not known until a melt quote exists, so the target amount is found by
// iteration: request, compare cost against the available value, shrink,
// repeat.
const maxCrossAccountAttempts = 5

// CreateCrossAccountReceiveQuotes claims a token into an account on a
// different mint, or in a different currency, by pairing a receive quote on
// the destination mint with a melt quote on the source mint that pays it.
// The pair converges within maxCrossAccountAttempts or the claim fails with
// ErrNoValidQuotes, before anything is persisted or any proof is spent.
func (c *Core) CreateCrossAccountReceiveQuotes(ctx context.Context, dest *Account, token *Token, description string) (*db.ReceiveQuote, error) {
	if token.Mint == dest.Mint && token.Currency == dest.Currency {
		return nil, wallet.DomainError("same-account claims use a token swap, not a cross-account receive")
	}
	if len(token.Proofs) == 0 {
		return nil, wallet.DomainError("token has no proofs")
	}

	srcCap, err := c.capability(token.Mint)
	if err != nil {
		return nil, err
	}
	destCap, err := c.capability(dest.Mint)
	if err != nil {
		return nil, err
	}

	var srcKs *mint.Keyset
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		srcKs, err = srcCap.ActiveKeyset(ctx, token.Currency)
		return err
	})
	if err != nil {
		return nil, codedError(crossAccountErr, err)
	}

	value := token.Value()
	meltFee := srcKs.InputFee(len(token.Proofs))
	if value <= meltFee {
		return nil, ErrAmountTooSmall
	}
	available := value - meltFee

	// Rates convert source minor units to destination minor units. Same
	// currency is the identity rate.
	num, den := uint64(1), uint64(1)
	if token.Currency != dest.Currency {
		if c.rates == nil {
			return nil, newError(crossAccountErr, "no rate source for %s->%s receive", token.Currency, dest.Currency)
		}
		if num, den, err = c.rates.Rate(ctx, token.Currency, dest.Currency); err != nil {
			return nil, codedError(crossAccountErr, err)
		}
		if num == 0 || den == 0 {
			return nil, newError(crossAccountErr, "degenerate %s->%s rate %d/%d", token.Currency, dest.Currency, num, den)
		}
	}

	lockIdx, err := c.db.ReserveCounter(lockCounterKey(dest.ID), 1)
	if err != nil {
		return nil, codedError(dbErr, err)
	}
	lockPath := make([]uint32, 0, len(dest.DerivationPath)+1)
	lockPath = append(lockPath, dest.DerivationPath...)
	lockPath = append(lockPath, lockIdx)
	lockPub, err := c.keys.DerivePublicKey(lockPath)
	if err != nil {
		return nil, codedError(keyErr, err)
	}

	target := convertRate(available, num, den)
	var rq *mint.Quote
	var mq *mint.MeltQuote
	for attempt := 0; attempt < maxCrossAccountAttempts; attempt++ {
		if target == 0 {
			return nil, ErrNoValidQuotes
		}
		err = c.withNetworkRetry(ctx, func() error {
			var err error
			rq, err = destCap.CreateQuote(ctx, wallet.NewAmount(target, dest.Currency),
				lockPub.SerializeCompressed(), description)
			return err
		})
		if err != nil {
			return nil, codedError(crossAccountErr, err)
		}
		err = c.withNetworkRetry(ctx, func() error {
			var err error
			mq, err = srcCap.CreateMeltQuote(ctx, rq.PaymentRequest)
			return err
		})
		if err != nil {
			return nil, codedError(crossAccountErr, err)
		}

		// required is in source units: the melt amount, its Lightning fee
		// reserve, and the input fee for the proofs being spent.
		required := mq.Amount + mq.FeeReserve + meltFee
		if required <= value {
			return c.persistCrossAccountQuote(dest, token, rq, mq, lockPath, meltFee)
		}

		// Overshot. Shrink the target by the converted excess, at least 1 so
		// the loop always makes progress.
		overshoot := convertRate(required-value, num, den)
		if overshoot == 0 {
			overshoot = 1
		}
		if overshoot >= target {
			return nil, ErrNoValidQuotes
		}
		target -= overshoot
		log.Debugf("cross-account quote overshot by %d source units, retrying with target %d", required-value, target)
	}
	return nil, ErrNoValidQuotes
}

// persistCrossAccountQuote writes the converged quote pair as one
// CASHU_TOKEN receive quote. The melt side is carried in the quote's Melt
// record, the only link between the two mints.
func (c *Core) persistCrossAccountQuote(dest *Account, token *Token, rq *mint.Quote, mq *mint.MeltQuote, lockPath []uint32, meltFee uint64) (*db.ReceiveQuote, error) {
	expiresAt := time.Unix(int64(rq.Expiry), 0)
	meltExpiry := time.Unix(int64(mq.Expiry), 0)
	if meltExpiry.Before(expiresAt) {
		expiresAt = meltExpiry
	}

	q := &db.ReceiveQuote{
		ID:              uuid.NewString(),
		UserID:          dest.UserID,
		AccountID:       dest.ID,
		Mint:            dest.Mint,
		Amount:          wallet.NewAmount(rq.Amount, dest.Currency),
		Type:            db.ReceiveCashuToken,
		Provider:        db.ProviderCashu,
		ProviderQuoteID: rq.ID,
		PaymentRequest:  rq.PaymentRequest,
		PaymentHash:     rq.PaymentHash,
		ExpiresAt:       expiresAt,
		LockingPath:     lockPath,
		MintingFee:      rq.MintingFee,
		TotalFee:        rq.MintingFee + meltFee + mq.FeeReserve,
		State:           db.QuoteStateUnpaid,
		Melt: &db.MeltData{
			SourceMint:  token.Mint,
			Proofs:      token.Proofs,
			MeltQuoteID: mq.ID,
			MeltFee:     meltFee,
			FeeReserve:  mq.FeeReserve,
			Expiry:      meltExpiry,
		},
	}
	q, err := c.db.CreateReceiveQuote(q)
	if err != nil {
		return nil, codedError(dbErr, err)
	}

	c.tracker.track(q)
	c.notify(&Notification{Topic: TopicQuoteCreated, Quote: q})
	return q, nil
}

// ExecuteCrossAccountReceive pays a CASHU_TOKEN receive quote by melting its
// source proofs, then completes the receive on the destination mint. A melt
// that fails outright fails the quote terminally; a melt left pending at the
// source leaves the quote UNPAID for the tracker to resolve.
func (c *Core) ExecuteCrossAccountReceive(ctx context.Context, quoteID string) (*db.ReceiveQuote, []mint.Proof, error) {
	q, err := c.ReceiveQuote(quoteID)
	if err != nil {
		return nil, nil, err
	}
	if q.Type != db.ReceiveCashuToken || q.Melt == nil {
		return nil, nil, wallet.DomainError("quote " + quoteID + " has no melt side")
	}
	if q.State.Terminal() {
		return nil, nil, wallet.DomainError("quote is " + string(q.State))
	}

	if q.State == db.QuoteStateUnpaid {
		srcCap, err := c.capability(q.Melt.SourceMint)
		if err != nil {
			return nil, nil, err
		}
		var mq *mint.MeltQuote
		err = c.withNetworkRetry(ctx, func() error {
			var err error
			mq, err = srcCap.MeltProofs(ctx, q.Melt.MeltQuoteID, q.Melt.Proofs)
			return err
		})
		if err != nil {
			if wallet.IsNetworkError(err) || mint.IsRateLimited(err) {
				// The melt may still settle. Leave the quote for tracking.
				return nil, nil, codedError(crossAccountErr, err)
			}
			reason := "melt failed: " + err.Error()
			if _, fErr := c.FailReceiveQuote(ctx, q.ID, reason); fErr != nil {
				log.Errorf("unable to fail quote %s after melt error: %v", q.ID, fErr)
			}
			return nil, nil, codedError(crossAccountErr, err)
		}
		if mq.State == mint.MeltPending {
			log.Infof("melt %s for quote %s is pending at the source mint", mq.ID, q.ID)
			return q, nil, nil
		}
	}

	return c.CompleteReceiveQuote(ctx, q.ID)
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/derive"
)

// CreateTokenSwap begins claiming a token into an account on the token's own
// mint. The token hash is the idempotency key: a second claim of the same
// token fails with ErrTokenAlreadyClaimed no matter which wallet instance
// created the first. The swap's derivation parameters are fixed at creation,
// so completion is always recoverable.
func (c *Core) CreateTokenSwap(ctx context.Context, acct *Account, token *Token) (*db.TokenSwap, error) {
	if token.Mint != acct.Mint || token.Currency != acct.Currency {
		return nil, ErrWrongMint
	}
	if len(token.Proofs) == 0 {
		return nil, wallet.DomainError("token has no proofs")
	}

	cap, err := c.capability(acct.Mint)
	if err != nil {
		return nil, err
	}
	var ks *mint.Keyset
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		ks, err = cap.ActiveKeyset(ctx, acct.Currency)
		return err
	})
	if err != nil {
		return nil, codedError(createSwapErr, err)
	}
	if err := ks.Validate(); err != nil {
		return nil, codedError(createSwapErr, err)
	}

	value := token.Value()
	fee := ks.InputFee(len(token.Proofs))
	if value <= fee {
		return nil, ErrAmountTooSmall
	}
	receivable := value - fee

	amounts, err := derive.Split(receivable, ks.Denominations())
	if err != nil {
		return nil, codedError(derivationErr, err)
	}
	counter, err := c.db.ReserveCounter(ks.ID, uint32(len(amounts)))
	if err != nil {
		return nil, codedError(dbErr, err)
	}

	s := &db.TokenSwap{
		ID:            uuid.NewString(),
		UserID:        acct.UserID,
		AccountID:     acct.ID,
		Mint:          acct.Mint,
		TokenHash:     token.Hash(),
		Currency:      token.Currency,
		Proofs:        token.Proofs,
		Fee:           fee,
		ReceiveAmount: receivable,
		KeysetID:      ks.ID,
		Counter:       counter,
		OutputAmounts: amounts,
		State:         db.SwapStatePending,
	}
	s, err = c.db.CreateTokenSwap(s)
	if err != nil {
		if errors.Is(err, db.ErrDuplicateToken) {
			return nil, ErrTokenAlreadyClaimed
		}
		return nil, codedError(dbErr, err)
	}
	return s, nil
}

// CompleteTokenSwap executes a pending swap, spending the token's proofs for
// freshly derived outputs. Completing an already-COMPLETED swap is a no-op
// returning the current state and an empty delta. If the mint reports the
// token's proofs spent and has never signed our outputs, another wallet
// claimed the token first and the swap fails terminally. Two concurrent
// completions collapse into one attempt.
func (c *Core) CompleteTokenSwap(ctx context.Context, swapID string) (*db.TokenSwap, []mint.Proof, error) {
	res, err, _ := c.inFlight.Do("swap/"+swapID, func() (any, error) {
		delta, err := c.completeTokenSwap(ctx, swapID)
		if err != nil {
			return nil, err
		}
		return delta, nil
	})
	if err != nil {
		return nil, nil, err
	}
	delta := res.(*swapDelta)
	return delta.swap, delta.proofs, nil
}

func (c *Core) completeTokenSwap(ctx context.Context, swapID string) (*swapDelta, error) {
	s, err := c.TokenSwap(swapID)
	if err != nil {
		return nil, err
	}

	switch s.State {
	case db.SwapStateCompleted:
		return &swapDelta{swap: s}, nil // idempotent no-op
	case db.SwapStateFailed:
		return nil, wallet.DomainError("swap failed: " + s.FailureReason)
	}

	cap, err := c.capability(s.Mint)
	if err != nil {
		return nil, err
	}

	set, err := derive.Outputs(c.keys.Seed(), s.KeysetID, s.Counter, s.OutputAmounts)
	if err != nil {
		return nil, codedError(derivationErr, err)
	}
	msgs := mint.BlindedMessages(set)

	var sigs []mint.BlindedSignature
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		sigs, err = cap.SwapProofs(ctx, s.Proofs, msgs)
		return err
	})
	if mint.IsTokenSpent(err) || mint.IsAlreadyIssued(err) {
		// Either a previous attempt of ours got the signatures, or another
		// wallet spent the proofs. Restore tells them apart: our outputs are
		// signed in the first case and unknown to the mint in the second.
		spent := mint.IsTokenSpent(err)
		log.Infof("swap %s inputs already spent, restoring signatures deterministically", s.ID)
		rErr := c.withNetworkRetry(ctx, func() error {
			var err error
			sigs, err = cap.Restore(ctx, msgs)
			return err
		})
		if rErr != nil {
			return nil, codedError(completeSwapErr, rErr)
		}
		if len(sigs) == 0 && spent {
			if _, fErr := c.FailTokenSwap(ctx, s.ID, "token already claimed"); fErr != nil {
				log.Errorf("unable to fail claimed swap %s: %v", s.ID, fErr)
			}
			return nil, ErrTokenAlreadyClaimed
		}
		if len(sigs) != len(msgs) {
			return nil, codedError(completeSwapErr, fmt.Errorf(
				"restore recovered %d of %d signatures for swap %s",
				len(sigs), len(msgs), s.ID))
		}
	} else if err != nil {
		return nil, codedError(completeSwapErr, err)
	}

	var ks *mint.Keyset
	err = c.withNetworkRetry(ctx, func() error {
		var err error
		ks, err = cap.Keyset(ctx, s.KeysetID)
		return err
	})
	if err != nil {
		return nil, codedError(completeSwapErr, err)
	}

	proofs, err := mint.ProofsFromSignatures(set, sigs, ks)
	if err != nil {
		return nil, codedError(completeSwapErr, err)
	}

	stale := false
	s.State = db.SwapStateCompleted
	updated, err := c.updateSwap(s, func(fresh *db.TokenSwap) (bool, error) {
		if fresh.State == db.SwapStateCompleted {
			stale = true
			return false, nil
		}
		if fresh.State != db.SwapStatePending {
			return false, wallet.DomainError("swap is " + string(fresh.State))
		}
		fresh.State = db.SwapStateCompleted
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if stale {
		return &swapDelta{swap: updated}, nil
	}
	c.notify(&Notification{Topic: TopicSwapCompleted, Swap: updated})
	return &swapDelta{swap: updated, proofs: proofs}, nil
}

// FailTokenSwap records a terminal swap failure with a reason. Failing an
// already-FAILED swap is a no-op; a COMPLETED swap cannot be failed.
func (c *Core) FailTokenSwap(ctx context.Context, swapID, reason string) (*db.TokenSwap, error) {
	s, err := c.TokenSwap(swapID)
	if err != nil {
		return nil, err
	}

	switch s.State {
	case db.SwapStateFailed:
		return s, nil // idempotent no-op
	case db.SwapStateCompleted:
		return nil, newError(completeSwapErr, "cannot fail completed swap %s", s.ID)
	}

	s.State = db.SwapStateFailed
	s.FailureReason = reason
	updated, err := c.updateSwap(s, func(fresh *db.TokenSwap) (bool, error) {
		switch fresh.State {
		case db.SwapStateFailed:
			return false, nil
		case db.SwapStateCompleted:
			return false, newError(completeSwapErr, "cannot fail completed swap %s", fresh.ID)
		}
		fresh.State = db.SwapStateFailed
		fresh.FailureReason = reason
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	c.notify(&Notification{Topic: TopicSwapFailed, Swap: updated, Details: reason})
	return updated, nil
}

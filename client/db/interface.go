// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned for lookups of unknown entities.
	ErrNotFound = errors.New("entity not found")
	// ErrDuplicateToken is returned when creating a token swap whose token
	// hash is already claimed by an existing swap.
	ErrDuplicateToken = errors.New("token hash already exists")
)

// DB is the wallet's encrypted, versioned ledger. Entities are never
// deleted; terminal states are retained for audit and idempotency. All
// mutating methods enforce optimistic concurrency: the entity passed to an
// Update method must carry the currently persisted Version, and the accepted
// write bumps it by exactly 1. A stale version yields wallet.ConflictError.
type DB interface {
	// Run starts the DB and blocks until the context is canceled, then
	// releases resources.
	Run(ctx context.Context)

	// CreateReceiveQuote persists a new receive quote at version 1.
	CreateReceiveQuote(q *ReceiveQuote) (*ReceiveQuote, error)
	// ReceiveQuote fetches a receive quote by id.
	ReceiveQuote(id string) (*ReceiveQuote, error)
	// ReceiveQuoteByProviderID fetches a receive quote by its provider
	// quote id at the given mint.
	ReceiveQuoteByProviderID(mintURL, providerQuoteID string) (*ReceiveQuote, error)
	// UpdateReceiveQuote writes the quote if q.Version matches the stored
	// version, returning the stored copy with the bumped version.
	UpdateReceiveQuote(q *ReceiveQuote) (*ReceiveQuote, error)
	// PendingReceiveQuotes returns the user's non-terminal receive quotes.
	PendingReceiveQuotes(userID string) ([]*ReceiveQuote, error)

	// CreateTokenSwap persists a new token swap at version 1. A swap with
	// the same token hash already existing yields ErrDuplicateToken and
	// leaves the existing swap untouched.
	CreateTokenSwap(s *TokenSwap) (*TokenSwap, error)
	// TokenSwap fetches a token swap by id.
	TokenSwap(id string) (*TokenSwap, error)
	// TokenSwapByHash fetches a token swap by its token hash.
	TokenSwapByHash(tokenHash string) (*TokenSwap, error)
	// UpdateTokenSwap writes the swap if s.Version matches the stored
	// version, returning the stored copy with the bumped version.
	UpdateTokenSwap(s *TokenSwap) (*TokenSwap, error)
	// PendingTokenSwaps returns the user's non-terminal token swaps.
	PendingTokenSwaps(userID string) ([]*TokenSwap, error)

	// ReserveCounter atomically reserves n consecutive derivation counter
	// values for the keyset, returning the first. Two concurrent
	// derivations can never share counters.
	ReserveCounter(keysetID string, n uint32) (uint32, error)
}

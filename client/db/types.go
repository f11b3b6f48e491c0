// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package db

import (
	"time"

	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
)

// ReceiveType distinguishes how a receive quote is funded.
type ReceiveType string

const (
	// ReceiveLightning is a plain Lightning-funded receive.
	ReceiveLightning ReceiveType = "LIGHTNING"
	// ReceiveCashuToken is a receive funded by melting a token on a source
	// mint, used for cross-account claims.
	ReceiveCashuToken ReceiveType = "CASHU_TOKEN"
)

// Provider distinguishes a receive quote's settlement provider. Cashu
// quotes mint ecash on completion; Spark quotes settle provider-side and
// completion only confirms.
type Provider string

const (
	ProviderCashu Provider = "CASHU"
	ProviderSpark Provider = "SPARK"
)

// QuoteState is a receive quote's lifecycle state.
type QuoteState string

const (
	QuoteStateUnpaid    QuoteState = "UNPAID"
	QuoteStatePaid      QuoteState = "PAID"
	QuoteStateCompleted QuoteState = "COMPLETED"
	QuoteStateExpired   QuoteState = "EXPIRED"
	QuoteStateFailed    QuoteState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s QuoteState) Terminal() bool {
	return s == QuoteStateCompleted || s == QuoteStateExpired || s == QuoteStateFailed
}

// SwapState is a token swap's lifecycle state.
type SwapState string

const (
	SwapStatePending   SwapState = "PENDING"
	SwapStateCompleted SwapState = "COMPLETED"
	SwapStateFailed    SwapState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s SwapState) Terminal() bool {
	return s == SwapStateCompleted || s == SwapStateFailed
}

// MeltData is the melt-side half of a CASHU_TOKEN receive quote: the source
// mint, the proofs being melted, and the melt quote that pays the receive
// quote's payment request. The melt and receive entities may live on
// different mints, so they are linked only by this application-level record,
// never a foreign key.
type MeltData struct {
	SourceMint  string       `json:"sourceMint"`
	Proofs      []mint.Proof `json:"proofs"`
	MeltQuoteID string       `json:"meltQuoteId"`
	// MeltFee is the source mint's input fee for spending the proofs.
	MeltFee uint64 `json:"meltFee"`
	// FeeReserve is the Lightning fee reserve required by the melt quote.
	FeeReserve uint64    `json:"feeReserve"`
	Expiry     time.Time `json:"expiry"`
}

// ReceiveQuote is one Lightning-style receive: a provider quote whose payment
// entitles the wallet to mint ecash into the destination account.
type ReceiveQuote struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`
	// Mint is the destination mint's URL.
	Mint        string        `json:"mint"`
	Amount      wallet.Amount `json:"amount"`
	Description string        `json:"description,omitempty"`
	Type        ReceiveType   `json:"type"`
	Provider    Provider      `json:"provider"`

	ProviderQuoteID string    `json:"providerQuoteId"`
	PaymentRequest  string    `json:"paymentRequest"`
	PaymentHash     string    `json:"paymentHash"`
	ExpiresAt       time.Time `json:"expiresAt"`

	// LockingPath is the full derivation path of the quote's locking key,
	// ending in an unhardened index unique to this quote.
	LockingPath []uint32 `json:"lockingPath"`

	// MintingFee is the provider's issuance fee. TotalFee additionally
	// includes melt-side fees for CASHU_TOKEN receives.
	MintingFee uint64 `json:"mintingFee"`
	TotalFee   uint64 `json:"totalFee"`

	State         QuoteState `json:"state"`
	FailureReason string     `json:"failureReason,omitempty"`

	// Melt carries the source-mint data for CASHU_TOKEN receives.
	Melt *MeltData `json:"melt,omitempty"`

	// The derivation parameters below exist only once the quote reaches
	// PAID. They are fixed together, in one write, so recovery can always
	// re-derive the exact outputs of any earlier attempt.
	KeysetID      string   `json:"keysetId,omitempty"`
	Counter       uint32   `json:"counter,omitempty"`
	OutputAmounts []uint64 `json:"outputAmounts,omitempty"`

	// Version increases by exactly 1 on every accepted mutation. A write
	// referencing a stale version is rejected, never silently merged.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TokenSwap is one token being claimed into the same mint it originated
// from: the token's proofs are swapped for freshly derived outputs.
type TokenSwap struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	AccountID string `json:"accountId"`
	Mint      string `json:"mint"`

	// TokenHash is the hash of the serialized token, the idempotency key. A
	// unique constraint at the repository makes a second claim of the same
	// token fail at persistence.
	TokenHash string `json:"tokenHash"`

	Currency wallet.Currency `json:"currency"`
	Proofs   []mint.Proof    `json:"proofs"`
	// Fee is the mint's input fee for spending the proofs. ReceiveAmount is
	// the proof value minus Fee.
	Fee           uint64 `json:"fee"`
	ReceiveAmount uint64 `json:"receiveAmount"`

	// Derivation parameters, fixed at creation: the swap's output split is
	// known up front, unlike a receive quote's.
	KeysetID      string   `json:"keysetId"`
	Counter       uint32   `json:"counter"`
	OutputAmounts []uint64 `json:"outputAmounts"`

	State         SwapState `json:"state"`
	FailureReason string    `json:"failureReason,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mint

import (
	"github.com/mintward/mintward/wallet"
)

// Protocol error codes. The numeric values follow the Cashu NUT error code
// registry so that real mint responses classify without translation.
const (
	// ErrInvalidResponse is a local code for provider responses that fail
	// boundary validation.
	ErrInvalidResponse = 1000

	// ErrOutputAlreadySigned: a blinded message in the request was already
	// signed by the mint. Evidence of a previous partially-successful
	// attempt; the caller should restore rather than fail.
	ErrOutputAlreadySigned = 10002

	// ErrTokenAlreadySpent: an input proof has already been redeemed.
	ErrTokenAlreadySpent = 11001

	// ErrTransactionUnbalanced: inputs do not cover outputs plus fees.
	ErrTransactionUnbalanced = 11002

	// ErrUnsupportedUnit: the request's currency unit is not supported.
	ErrUnsupportedUnit = 11005

	// ErrKeysetUnknown: the referenced keyset is not known to the mint.
	ErrKeysetUnknown = 12001

	// ErrKeysetInactive: the referenced keyset can no longer sign.
	ErrKeysetInactive = 12002

	// ErrQuoteNotPaid: minting was requested for an unpaid quote.
	ErrQuoteNotPaid = 20001

	// ErrQuoteAlreadyIssued: ecash was already issued for the quote.
	// Evidence of a previous partially-successful attempt; the caller should
	// restore rather than fail.
	ErrQuoteAlreadyIssued = 20002

	// ErrMintingDisabled: the mint is not currently issuing ecash.
	ErrMintingDisabled = 20003

	// ErrQuotePending: the quote's payment is in flight.
	ErrQuotePending = 20005

	// ErrQuoteExpired: the quote expired before payment.
	ErrQuoteExpired = 20007

	// ErrInvalidWitness: the locking-key signature on a mint request was
	// rejected.
	ErrInvalidWitness = 20008

	// ErrRateLimited: the provider asked the client to slow down. Trackers
	// back off to the slow polling cadence.
	ErrRateLimited = 42900
)

// IsAlreadyIssued reports whether the error indicates ecash was already
// issued for the quote, or the outputs were already signed. Both mean a
// previous attempt partially succeeded and the signatures are restorable.
func IsAlreadyIssued(err error) bool {
	code := wallet.ProtocolCode(err)
	return code == ErrQuoteAlreadyIssued || code == ErrOutputAlreadySigned
}

// IsTokenSpent reports whether the error indicates an input proof was
// already redeemed.
func IsTokenSpent(err error) bool {
	return wallet.ProtocolCode(err) == ErrTokenAlreadySpent
}

// IsRateLimited reports whether the provider signaled rate limiting.
func IsRateLimited(err error) bool {
	return wallet.ProtocolCode(err) == ErrRateLimited
}

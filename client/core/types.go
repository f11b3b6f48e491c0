// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mintward/mintward/client/db"
	"github.com/mintward/mintward/client/mint"
	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/derive"
)

// Account identifies a destination for received funds: one currency at one
// mint, with a base derivation path for quote locking keys. Accounts are
// owned by the caller; the engine never creates or mutates them.
type Account struct {
	ID       string
	UserID   string
	Mint     string
	Currency wallet.Currency
	// DerivationPath is the account's base locking-key path. Each receive
	// quote locks to a fresh unhardened child of this path.
	DerivationPath []uint32
}

// Token is a serialized ecash token presented for claiming: proofs from a
// single mint in a single currency.
type Token struct {
	Mint     string          `json:"mint"`
	Currency wallet.Currency `json:"unit"`
	Proofs   []mint.Proof    `json:"proofs"`
}

// Value sums the token's proof denominations.
func (t *Token) Value() uint64 {
	return mint.ProofsValue(t.Proofs)
}

// Hash returns the token's idempotency key, the hash of its canonical
// serialization. Two claims of the same token always hash identically.
func (t *Token) Hash() string {
	b, err := json.Marshal(t)
	if err != nil {
		// Token has no unmarshalable fields; this cannot happen.
		panic("token encode error: " + err.Error())
	}
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

// KeySource provides the wallet's root seed and derived keys. The seed is
// the anchor of deterministic output derivation; the derived keys lock and
// unlock mint quotes.
type KeySource interface {
	// Seed returns the wallet's root seed.
	Seed() []byte
	// DerivePublicKey returns the public key at the path.
	DerivePublicKey(path []uint32) (*secp256k1.PublicKey, error)
	// PrivateKey returns the private key at the path.
	PrivateKey(path []uint32) (*secp256k1.PrivateKey, error)
}

// SeedKeys is the standard KeySource, backed by a root seed.
type SeedKeys struct {
	seed []byte
}

// NewSeedKeys constructs a SeedKeys from the root seed.
func NewSeedKeys(seed []byte) *SeedKeys {
	return &SeedKeys{seed: seed}
}

// Seed returns the root seed.
func (k *SeedKeys) Seed() []byte { return k.seed }

// DerivePublicKey returns the public key at the path.
func (k *SeedKeys) DerivePublicKey(path []uint32) (*secp256k1.PublicKey, error) {
	priv, err := k.PrivateKey(path)
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}

// PrivateKey returns the private key at the path.
func (k *SeedKeys) PrivateKey(path []uint32) (*secp256k1.PrivateKey, error) {
	extKey, err := derive.DeepChild(k.seed, path)
	if err != nil {
		return nil, err
	}
	defer extKey.Zero()
	privB, err := extKey.SerializedPrivKey()
	if err != nil {
		return nil, fmt.Errorf("SerializedPrivKey error: %w", err)
	}
	return secp256k1.PrivKeyFromBytes(privB), nil
}

// RateSource looks up exchange rates. Rates are rationals, never floats: an
// amount in from-minor-units converts to to-minor-units as value*num/den.
type RateSource interface {
	Rate(ctx context.Context, from, to wallet.Currency) (num, den uint64, err error)
}

// convertRate converts v across a num/den rate, rounding down. The
// intermediate v*num is computed in 128 bits, and a quotient too large for a
// uint64 saturates rather than wrapping.
func convertRate(v, num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	hi, lo := bits.Mul64(v, num)
	if hi >= den {
		return math.MaxUint64
	}
	quo, _ := bits.Div64(hi, lo, den)
	return quo
}

// CapabilityMaker constructs the capability client for a mint or payment
// provider endpoint. Core caches one capability per endpoint.
type CapabilityMaker func(ctx context.Context, mintURL string) (mint.Capability, error)

// Config is the configuration for the wallet Core.
type Config struct {
	// DB is the wallet's ledger.
	DB db.DB
	// UserID scopes the engine's entities and its startup recovery.
	UserID string
	// Keys is the wallet's key and seed provider.
	Keys KeySource
	// NewCapability connects to a mint or payment provider endpoint.
	NewCapability CapabilityMaker
	// Rates is consulted for cross-currency receives. May be nil if
	// cross-account receives are not used.
	Rates RateSource
	// TickInterval is the polling cadence for quote tracking. Zero means
	// the default of 10 seconds.
	TickInterval time.Duration
	// SlowTickInterval is the backed-off cadence used when a provider
	// signals rate limiting. Zero means the default of 60 seconds.
	SlowTickInterval time.Duration
}

// quoteDelta is the result of a completion attempt: the quote's resulting
// row and any newly obtained proofs. An idempotent re-completion returns the
// current row and an empty delta.
type quoteDelta struct {
	quote  *db.ReceiveQuote
	proofs []mint.Proof
}

type swapDelta struct {
	swap   *db.TokenSwap
	proofs []mint.Proof
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package mint defines the wire types and the capability interface for a
// Cashu mint or Lightning payment provider. Provider responses are validated
// here at the boundary; internal code only ever sees the validated types.
package mint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mintward/mintward/wallet"
)

// QuoteState is the provider-reported state of a mint quote.
type QuoteState string

const (
	// QuoteUnpaid means the quote's payment request has not been paid.
	QuoteUnpaid QuoteState = "UNPAID"
	// QuotePaid means the payment request was paid and ecash may be issued.
	QuotePaid QuoteState = "PAID"
	// QuoteIssued means ecash was already issued for the quote.
	QuoteIssued QuoteState = "ISSUED"
)

// UnmarshalJSON validates the state tag against the known enum. Unknown tags
// are a protocol error, not a silently-accepted string.
func (s *QuoteState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch QuoteState(raw) {
	case QuoteUnpaid, QuotePaid, QuoteIssued:
		*s = QuoteState(raw)
		return nil
	}
	return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "unknown quote state " + raw}
}

// MeltState is the provider-reported state of a melt quote.
type MeltState string

const (
	MeltUnpaid  MeltState = "UNPAID"
	MeltPending MeltState = "PENDING"
	MeltPaid    MeltState = "PAID"
)

// UnmarshalJSON validates the state tag against the known enum.
func (s *MeltState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch MeltState(raw) {
	case MeltUnpaid, MeltPending, MeltPaid:
		*s = MeltState(raw)
		return nil
	}
	return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "unknown melt state " + raw}
}

// Quote is a provider-issued request to receive funds. Paying the
// PaymentRequest entitles the holder of the locking key to mint ecash.
type Quote struct {
	ID             string     `json:"quote"`
	Amount         uint64     `json:"amount"`
	PaymentRequest string     `json:"request"`
	PaymentHash    string     `json:"payment_hash"`
	State          QuoteState `json:"state"`
	Expiry         uint64     `json:"expiry"` // unix seconds
	// MintingFee is the provider's fee for issuing ecash against the paid
	// quote, zero for most mints.
	MintingFee uint64 `json:"minting_fee,omitempty"`
	// Pubkey is the compressed locking public key the quote was created with,
	// if any (NUT-20).
	Pubkey string `json:"pubkey,omitempty"`
}

// Validate checks the decoded quote's required fields.
func (q *Quote) Validate() error {
	if q.ID == "" {
		return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "quote missing id"}
	}
	if q.State == "" {
		return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "quote missing state"}
	}
	if q.Pubkey != "" {
		if _, err := hex.DecodeString(q.Pubkey); err != nil {
			return &wallet.ProtocolError{Code: ErrInvalidResponse,
				Detail: "malformed quote pubkey: " + err.Error()}
		}
	}
	return nil
}

// MeltQuote is a provider-issued quote for paying a Lightning payment request
// with ecash.
type MeltQuote struct {
	ID             string    `json:"quote"`
	PaymentRequest string    `json:"request"`
	PaymentHash    string    `json:"payment_hash"`
	Amount         uint64    `json:"amount"`
	FeeReserve     uint64    `json:"fee_reserve"`
	State          MeltState `json:"state"`
	Expiry         uint64    `json:"expiry"` // unix seconds
	Preimage       string    `json:"payment_preimage,omitempty"`
}

// Validate checks the decoded melt quote's required fields.
func (q *MeltQuote) Validate() error {
	if q.ID == "" {
		return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "melt quote missing id"}
	}
	if q.State == "" {
		return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "melt quote missing state"}
	}
	return nil
}

// Keyset is a mint's versioned set of per-denomination signing public keys.
type Keyset struct {
	ID       string            `json:"id"`
	Currency wallet.Currency   `json:"unit"`
	Active   bool              `json:"active"`
	Keys     map[uint64]string `json:"keys"` // denomination -> compressed pubkey hex
	// InputFeePPK is the fee charged per proof spent, in thousandths of the
	// currency's minor unit.
	InputFeePPK uint64 `json:"input_fee_ppk"`
}

// Validate checks the decoded keyset.
func (ks *Keyset) Validate() error {
	if ks.ID == "" {
		return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "keyset missing id"}
	}
	if _, err := hex.DecodeString(ks.ID); err != nil {
		return &wallet.ProtocolError{Code: ErrInvalidResponse,
			Detail: "malformed keyset id: " + err.Error()}
	}
	if len(ks.Keys) == 0 {
		return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "keyset has no keys"}
	}
	for denom, key := range ks.Keys {
		if denom == 0 {
			return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "keyset has zero denomination"}
		}
		if _, err := hex.DecodeString(key); err != nil {
			return &wallet.ProtocolError{Code: ErrInvalidResponse,
				Detail: fmt.Sprintf("malformed key for denomination %d", denom)}
		}
	}
	return nil
}

// Denominations returns the keyset's advertised amounts, descending.
func (ks *Keyset) Denominations() []uint64 {
	denoms := make([]uint64, 0, len(ks.Keys))
	for d := range ks.Keys {
		denoms = append(denoms, d)
	}
	sort.Slice(denoms, func(i, j int) bool { return denoms[i] > denoms[j] })
	return denoms
}

// InputFee computes the mint's fee for spending n proofs, rounded up from
// per-proof thousandths.
func (ks *Keyset) InputFee(n int) uint64 {
	return (uint64(n)*ks.InputFeePPK + 999) / 1000
}

// BlindedMessage is a cryptographically blinded request for a mint signature.
type BlindedMessage struct {
	Amount   uint64 `json:"amount"`
	KeysetID string `json:"id"`
	B        string `json:"B_"` // compressed point, hex
}

// BlindedSignature is the mint's signature on a blinded message.
type BlindedSignature struct {
	Amount   uint64 `json:"amount"`
	KeysetID string `json:"id"`
	C        string `json:"C_"` // compressed point, hex
}

// Validate checks the decoded signature's point encoding.
func (sig *BlindedSignature) Validate() error {
	b, err := hex.DecodeString(sig.C)
	if err != nil || len(b) != 33 {
		return &wallet.ProtocolError{Code: ErrInvalidResponse, Detail: "malformed blinded signature point"}
	}
	return nil
}

// Proof is an unblinded ecash token fragment signed by a mint, spendable
// once.
type Proof struct {
	Amount   uint64 `json:"amount"`
	KeysetID string `json:"id"`
	Secret   string `json:"secret"`
	C        string `json:"C"` // compressed point, hex
	// Witness carries a spending-condition signature when required.
	Witness string `json:"witness,omitempty"`
}

// ProofsValue sums the proofs' denominations.
func ProofsValue(proofs []Proof) (total uint64) {
	for i := range proofs {
		total += proofs[i].Amount
	}
	return
}

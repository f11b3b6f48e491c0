// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package mint

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mintward/mintward/wallet"
	"github.com/mintward/mintward/wallet/derive"
)

// Unsubscribe tears down a quote update subscription. Dropping a
// subscription never mutates quote state.
type Unsubscribe func()

// QuoteUpdateHandler receives pushed quote status changes.
type QuoteUpdateHandler func(*Quote)

// Capability is the per-provider client used by the state machines and the
// quote tracker. Implementations wrap a concrete mint or Lightning provider
// endpoint. All blocking methods honor their context.
type Capability interface {
	// ActiveKeyset fetches the mint's active keyset for the currency.
	ActiveKeyset(ctx context.Context, currency wallet.Currency) (*Keyset, error)
	// Keyset fetches a keyset by id, active or not. Completed derivations
	// unblind against the keyset they were fixed with, even after the mint
	// rotates.
	Keyset(ctx context.Context, keysetID string) (*Keyset, error)
	// CreateQuote requests a quote to receive amount. A non-nil lockingKey
	// (compressed) locks issuance to the key's holder.
	CreateQuote(ctx context.Context, amount wallet.Amount, lockingKey []byte, description string) (*Quote, error)
	// CheckQuote fetches the authoritative state of a quote.
	CheckQuote(ctx context.Context, quoteID string) (*Quote, error)
	// CreateMeltQuote requests a quote for paying a Lightning payment
	// request with ecash.
	CreateMeltQuote(ctx context.Context, paymentRequest string) (*MeltQuote, error)
	// MeltProofs executes a melt quote, spending the proofs to pay the
	// quote's payment request.
	MeltProofs(ctx context.Context, meltQuoteID string, proofs []Proof) (*MeltQuote, error)
	// MintProofs requests signatures on the outputs of a paid quote. The
	// witness is the locking-key signature over the quote id, when the quote
	// was created locked.
	MintProofs(ctx context.Context, quoteID string, outputs []BlindedMessage, witness []byte) ([]BlindedSignature, error)
	// SwapProofs spends the input proofs for signatures on new outputs.
	SwapProofs(ctx context.Context, inputs []Proof, outputs []BlindedMessage) ([]BlindedSignature, error)
	// Restore returns the signatures previously issued for the given
	// outputs. Outputs the mint has never signed are omitted, so the result
	// may be shorter than the request. The caller re-derives the outputs
	// deterministically from the recorded (keyset, counter, amounts).
	Restore(ctx context.Context, outputs []BlindedMessage) ([]BlindedSignature, error)
	// SupportsSubscriptions reports whether the provider can push quote
	// updates for the payment method and currency.
	SupportsSubscriptions(method string, currency wallet.Currency) bool
	// SubscribeQuoteUpdates opens or replaces the provider subscription
	// covering quoteIDs. The returned Unsubscribe must be called to release
	// the channel. Each call fully replaces the previous coverage set.
	SubscribeQuoteUpdates(ctx context.Context, quoteIDs []string, onUpdate QuoteUpdateHandler) (Unsubscribe, error)
}

// BlindedMessages converts a derived output set to wire form.
func BlindedMessages(set *derive.OutputSet) []BlindedMessage {
	msgs := make([]BlindedMessage, len(set.Outputs))
	for i, o := range set.Outputs {
		msgs[i] = BlindedMessage{
			Amount:   o.Amount,
			KeysetID: set.KeysetID,
			B:        hex.EncodeToString(o.B.SerializeCompressed()),
		}
	}
	return msgs
}

// ProofsFromSignatures unblinds the mint's signatures into spendable proofs.
// Signatures must be aligned with the first len(sigs) outputs of the set,
// which is how both mint and restore responses are ordered.
func ProofsFromSignatures(set *derive.OutputSet, sigs []BlindedSignature, ks *Keyset) ([]Proof, error) {
	if len(sigs) > len(set.Outputs) {
		return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
			Detail: fmt.Sprintf("%d signatures for %d outputs", len(sigs), len(set.Outputs))}
	}
	proofs := make([]Proof, len(sigs))
	for i, sig := range sigs {
		if err := sig.Validate(); err != nil {
			return nil, err
		}
		out := set.Outputs[i]
		if sig.Amount != out.Amount {
			return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
				Detail: fmt.Sprintf("signature %d for amount %d, expected %d", i, sig.Amount, out.Amount)}
		}
		cB, _ := hex.DecodeString(sig.C)
		blindedSig, err := secp256k1.ParsePubKey(cB)
		if err != nil {
			return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
				Detail: "unparseable signature point: " + err.Error()}
		}
		keyHex, found := ks.Keys[out.Amount]
		if !found {
			return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
				Detail: fmt.Sprintf("keyset %s has no key for amount %d", ks.ID, out.Amount)}
		}
		keyB, _ := hex.DecodeString(keyHex)
		mintKey, err := secp256k1.ParsePubKey(keyB)
		if err != nil {
			return nil, &wallet.ProtocolError{Code: ErrInvalidResponse,
				Detail: "unparseable mint key: " + err.Error()}
		}
		c := derive.Unblind(blindedSig, out.R, mintKey)
		proofs[i] = Proof{
			Amount:   out.Amount,
			KeysetID: set.KeysetID,
			Secret:   out.Secret,
			C:        hex.EncodeToString(c.SerializeCompressed()),
		}
	}
	return proofs, nil
}

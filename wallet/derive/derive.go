// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package derive implements deterministic blinded-output derivation. Blinding
// factors are never persisted anywhere. They are always recomputed from
// (seed, keyset, counter), so any interrupted mint or swap can be recovered
// by re-deriving the exact same outputs.
package derive

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/hdkeychain/v3"
)

// hashToCurveDomain is the NUT-00 domain separator for mapping a secret to a
// curve point.
const hashToCurveDomain = "Secp256k1_HashToCurve_Cashu_"

// derivePurpose is the hardened BIP-32 purpose index reserved for blinded
// output derivation (NUT-13).
const derivePurpose = 129372

// ErrUnrepresentable is returned when no combination of a keyset's
// denominations sums exactly to the requested amount.
var ErrUnrepresentable = errors.New("amount not representable in keyset denominations")

// Output is a single derived blinded message along with the private data
// needed to unblind the mint's signature.
type Output struct {
	// Amount is the denomination this output requests a signature for.
	Amount uint64
	// B is the blinded point, B_ = Y + rG, sent to the mint.
	B *secp256k1.PublicKey
	// Secret is the hex-encoded derived secret. Its UTF-8 bytes hash to the
	// curve point Y. The secret is revealed only when the proof is spent.
	Secret string
	// R is the blinding factor. Never persisted.
	R *secp256k1.PrivateKey
}

// OutputSet is the full deterministic derivation for one mint or swap
// operation. Re-deriving with the same (seed, keyset, counter, amounts)
// yields a byte-identical set.
type OutputSet struct {
	KeysetID string
	Counter  uint32
	Outputs  []*Output
}

// BlindedMessages returns the compressed blinded points, in output order.
func (s *OutputSet) BlindedMessages() [][]byte {
	msgs := make([][]byte, len(s.Outputs))
	for i, o := range s.Outputs {
		msgs[i] = o.B.SerializeCompressed()
	}
	return msgs
}

// Amounts returns the denomination of each output, in output order.
func (s *OutputSet) Amounts() []uint64 {
	amts := make([]uint64, len(s.Outputs))
	for i, o := range s.Outputs {
		amts[i] = o.Amount
	}
	return amts
}

// Total sums the output denominations.
func (s *OutputSet) Total() (total uint64) {
	for _, o := range s.Outputs {
		total += o.Amount
	}
	return
}

// Split decomposes total into keyset denominations, greedily, largest first.
// The keyset's advertised denominations may be used any number of times each.
// Returns ErrUnrepresentable if a nonzero remainder is left after the greedy
// pass.
func Split(total uint64, denoms []uint64) ([]uint64, error) {
	if total == 0 {
		return nil, fmt.Errorf("cannot split zero amount: %w", ErrUnrepresentable)
	}
	// Sort a copy descending without mutating the caller's slice.
	sorted := make([]uint64, 0, len(denoms))
	for _, d := range denoms {
		if d > 0 {
			sorted = append(sorted, d)
		}
	}
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j] > sorted[j-1]; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	var split []uint64
	remaining := total
	for _, d := range sorted {
		for remaining >= d {
			split = append(split, d)
			remaining -= d
		}
	}
	if remaining != 0 {
		return nil, fmt.Errorf("%d of %d unsplittable: %w", remaining, total, ErrUnrepresentable)
	}
	return split, nil
}

// keysetPathIndex maps a hex keyset ID to a hardened derivation index,
// the big-endian integer value of the ID bytes mod 2^31-1.
func keysetPathIndex(keysetID string) (uint32, error) {
	idB, err := hex.DecodeString(keysetID)
	if err != nil {
		return 0, fmt.Errorf("malformed keyset id %q: %w", keysetID, err)
	}
	mod := big.NewInt(int64(1<<31 - 1))
	idx := new(big.Int).Mod(new(big.Int).SetBytes(idB), mod)
	return uint32(idx.Uint64()), nil
}

// Outputs deterministically derives one blinded output per amount. The secret
// and blinding factor for output i are the HD children
//
//	m / purpose' / keyset' / (counter+i)' / 0  (secret)
//	m / purpose' / keyset' / (counter+i)' / 1  (blinding factor)
//
// so the same (seed, keysetID, counter, amounts) always produces the same
// blinded messages.
func Outputs(seed []byte, keysetID string, counter uint32, amounts []uint64) (*OutputSet, error) {
	if len(amounts) == 0 {
		return nil, fmt.Errorf("no output amounts")
	}
	keysetIdx, err := keysetPathIndex(keysetID)
	if err != nil {
		return nil, err
	}

	root, err := hdkeychain.NewMaster(seed, &RootKeyParams{})
	if err != nil {
		return nil, err
	}
	defer root.Zero()

	h := uint32(hdkeychain.HardenedKeyStart)
	outputs := make([]*Output, len(amounts))
	for i, amt := range amounts {
		branch, err := DeepChildFromXPriv(root, []uint32{
			h + derivePurpose, h + keysetIdx, h + counter + uint32(i),
		})
		if err != nil {
			return nil, fmt.Errorf("branch derive error: %w", err)
		}

		secretB, err := childPrivBytes(branch, 0)
		if err != nil {
			branch.Zero()
			return nil, err
		}
		rB, err := childPrivBytes(branch, 1)
		branch.Zero()
		if err != nil {
			return nil, err
		}

		secret := hex.EncodeToString(secretB)
		y, err := HashToCurve([]byte(secret))
		if err != nil {
			return nil, err
		}
		r := secp256k1.PrivKeyFromBytes(rB)

		// B_ = Y + rG
		var yJ, rG, bJ secp256k1.JacobianPoint
		y.AsJacobian(&yJ)
		secp256k1.ScalarBaseMultNonConst(&r.Key, &rG)
		secp256k1.AddNonConst(&yJ, &rG, &bJ)
		bJ.ToAffine()

		outputs[i] = &Output{
			Amount: amt,
			B:      secp256k1.NewPublicKey(&bJ.X, &bJ.Y),
			Secret: secret,
			R:      r,
		}
	}

	return &OutputSet{KeysetID: keysetID, Counter: counter, Outputs: outputs}, nil
}

// childPrivBytes derives the serialized private key of an unhardened child.
func childPrivBytes(parent *hdkeychain.ExtendedKey, idx uint32) ([]byte, error) {
	kid, err := DeepChildFromXPriv(parent, []uint32{idx})
	if err != nil {
		return nil, err
	}
	defer kid.Zero()
	privB, err := kid.SerializedPrivKey()
	if err != nil {
		return nil, fmt.Errorf("SerializedPrivKey error: %w", err)
	}
	// Copy before the deferred Zero.
	b := make([]byte, len(privB))
	copy(b, privB)
	return b, nil
}

// HashToCurve maps a message to a secp256k1 point. The point's x coordinate
// is sha256(sha256(domain || msg) || counter) for the first counter yielding
// a valid even-y point.
func HashToCurve(msg []byte) (*secp256k1.PublicKey, error) {
	msgHash := sha256.Sum256(append([]byte(hashToCurveDomain), msg...))
	buf := make([]byte, 0, 33)
	counterB := make([]byte, 4)
	for counter := uint32(0); counter < 1<<16; counter++ {
		binary.LittleEndian.PutUint32(counterB, counter)
		xHash := sha256.Sum256(append(msgHash[:], counterB...))
		buf = append(buf[:0], secp256k1.PubKeyFormatCompressedEven)
		buf = append(buf, xHash[:]...)
		if pk, err := secp256k1.ParsePubKey(buf); err == nil {
			return pk, nil
		}
	}
	return nil, fmt.Errorf("no curve point found for message")
}

// Unblind recovers the mint's signature on the secret's point from the
// blinded signature: C = C_ - rK, where K is the mint's public key for the
// output's denomination.
func Unblind(blindedSig *secp256k1.PublicKey, r *secp256k1.PrivateKey, mintKey *secp256k1.PublicKey) *secp256k1.PublicKey {
	negR := r.Key // copy
	negR.Negate()

	var kJ, negRK, cSigJ, cJ secp256k1.JacobianPoint
	mintKey.AsJacobian(&kJ)
	secp256k1.ScalarMultNonConst(&negR, &kJ, &negRK)
	blindedSig.AsJacobian(&cSigJ)
	secp256k1.AddNonConst(&cSigJ, &negRK, &cJ)
	cJ.ToAffine()
	return secp256k1.NewPublicKey(&cJ.X, &cJ.Y)
}

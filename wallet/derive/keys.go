// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package derive

import (
	"fmt"

	"github.com/bisoncraft/go-bip39"
	"github.com/decred/dcrd/hdkeychain/v3"
)

// RootKeyParams implements hdkeychain.NetworkParams for master
// hdkeychain.ExtendedKey creation.
type RootKeyParams struct{}

func (*RootKeyParams) HDPrivKeyVersion() [4]byte {
	return [4]byte{0x6d, 0x77, 0x70, 0x76} // ASCII "mwpv"
}
func (*RootKeyParams) HDPubKeyVersion() [4]byte {
	return [4]byte{0x6d, 0x77, 0x70, 0x62} // ASCII "mwpb"
}

// SeedFromMnemonic converts a BIP-39 mnemonic and optional passphrase into
// the wallet's root seed.
func SeedFromMnemonic(mnemonic, pass string) ([]byte, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return bip39.NewSeed(mnemonic, pass), nil
}

// DeepChild derives the leaf of a path of children from a root seed.
func DeepChild(seed []byte, kids []uint32) (*hdkeychain.ExtendedKey, error) {
	root, err := hdkeychain.NewMaster(seed, &RootKeyParams{})
	if err != nil {
		return nil, err
	}
	defer root.Zero()

	return DeepChildFromXPriv(root, kids)
}

// DeepChildFromXPriv derives the leaf of a path of children from a parent
// extended key.
func DeepChildFromXPriv(root *hdkeychain.ExtendedKey, kids []uint32) (*hdkeychain.ExtendedKey, error) {
	genChild := func(parent *hdkeychain.ExtendedKey, childIdx uint32) (*hdkeychain.ExtendedKey, error) {
		err := hdkeychain.ErrInvalidChild
		for err == hdkeychain.ErrInvalidChild {
			var kid *hdkeychain.ExtendedKey
			kid, err = parent.ChildBIP32Std(childIdx)
			if err == nil {
				return kid, nil
			}
			log.Warnf("child derive skipped a key index %d -> %d", childIdx, childIdx+1) // < 1 in 2^127 chance
			childIdx++
		}
		return nil, err
	}

	extKey := root
	for i, childIdx := range kids {
		childExtKey, err := genChild(extKey, childIdx)
		if i > 0 { // don't zero the input arg
			extKey.Zero()
		}
		extKey = childExtKey
		if err != nil {
			return nil, fmt.Errorf("genChild error: %w", err)
		}
	}

	return extKey, nil
}

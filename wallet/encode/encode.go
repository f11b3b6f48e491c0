// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package encode

import (
	"encoding/binary"
)

// IntCoder is the wallet-wide integer byte-encoding order. IntCoder must be
// BigEndian so that byte-wise key comparisons sort numerically.
var IntCoder = binary.BigEndian

// Uint32Bytes converts the uint32 to a length-4, big-endian encoded byte slice.
func Uint32Bytes(i uint32) []byte {
	b := make([]byte, 4)
	IntCoder.PutUint32(b, i)
	return b
}

// BytesToUint32 converts the length-4, big-endian encoded byte slice to a uint32.
func BytesToUint32(b []byte) uint32 {
	return IntCoder.Uint32(b[:4])
}

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package wallet

import (
	"fmt"
)

// Currency is an ISO-4217-style currency code, or "BTC" for bitcoin
// denominated in satoshis.
type Currency string

const (
	BTC Currency = "BTC"
	USD Currency = "USD"
)

// MinorUnit returns the decimal exponent between the currency's major unit
// and the integer minor unit amounts are denominated in. Bitcoin amounts are
// satoshis, fiat amounts are cents.
func (c Currency) MinorUnit() uint8 {
	if c == BTC {
		return 8
	}
	return 2
}

// Amount is an integer quantity of a currency's minor unit. Amounts are never
// represented as floats anywhere in the wallet.
type Amount struct {
	Value    uint64   `json:"value"`
	Currency Currency `json:"currency"`
	Unit     uint8    `json:"unit"`
}

// NewAmount constructs an Amount in the currency's standard minor unit.
func NewAmount(v uint64, c Currency) Amount {
	return Amount{Value: v, Currency: c, Unit: c.MinorUnit()}
}

// Add sums two amounts of the same currency.
func (a Amount) Add(b Amount) (Amount, error) {
	if a.Currency != b.Currency || a.Unit != b.Unit {
		return Amount{}, fmt.Errorf("cannot add %s/%d and %s/%d amounts",
			a.Currency, a.Unit, b.Currency, b.Unit)
	}
	return Amount{Value: a.Value + b.Value, Currency: a.Currency, Unit: a.Unit}, nil
}

// Sub subtracts b from a, erroring on underflow rather than wrapping.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Currency != b.Currency || a.Unit != b.Unit {
		return Amount{}, fmt.Errorf("cannot subtract %s/%d from %s/%d",
			b.Currency, b.Unit, a.Currency, a.Unit)
	}
	if b.Value > a.Value {
		return Amount{}, fmt.Errorf("amount underflow: %d - %d", a.Value, b.Value)
	}
	return Amount{Value: a.Value - b.Value, Currency: a.Currency, Unit: a.Unit}, nil
}

// String formats the amount with its major-unit decimal point using integer
// arithmetic only.
func (a Amount) String() string {
	if a.Unit == 0 {
		return fmt.Sprintf("%d %s", a.Value, a.Currency)
	}
	div := uint64(1)
	for i := uint8(0); i < a.Unit; i++ {
		div *= 10
	}
	return fmt.Sprintf("%d.%0*d %s", a.Value/div, a.Unit, a.Value%div, a.Currency)
}

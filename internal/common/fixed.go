package common

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// ScaleDigits is the number of decimal places carried by Price and
// Quantity. A value v is stored as v * 10^8.
const ScaleDigits = 8

// ScaleFactor is 10^ScaleDigits.
const ScaleFactor uint64 = 100_000_000

// Price is a fixed-point price scaled by ScaleFactor.
type Price uint64

// Quantity is a fixed-point quantity scaled by ScaleFactor.
type Quantity uint64

// Decimal returns the unscaled decimal value.
func (p Price) Decimal() decimal.Decimal { return Unscale(uint64(p)) }

func (p Price) String() string { return p.Decimal().StringFixed(ScaleDigits) }

// Decimal returns the unscaled decimal value.
func (q Quantity) Decimal() decimal.Decimal { return Unscale(uint64(q)) }

func (q Quantity) String() string { return q.Decimal().StringFixed(ScaleDigits) }

// Units builds a fixed-point value from a whole number of units.
func Units(n uint64) uint64 { return n * ScaleFactor }

// Unscale returns the decimal value of a scaled integer.
func Unscale(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -ScaleDigits)
}

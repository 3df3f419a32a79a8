// Package micro provides the fixed-point monetary type used throughout
// the ledger. All amounts are held as signed 64-bit integers in
// micro-units (1 RTC = 1,000,000 uRTC) so that sums compare exactly.
package micro

import (
	"math"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Unit is the number of micro-units per whole RTC.
const Unit = 1_000_000

// Amount is a quantity of uRTC.
type Amount int64

var (
	// ErrOverflow is returned when an operation would leave the signed
	// 64-bit range.
	ErrOverflow = errors.New("micro: amount overflow")

	unitDec = decimal.NewFromInt(Unit)
)

// FromRTC converts a decimal RTC amount to micro-units, truncating any
// fraction finer than one micro-unit.
func FromRTC(d decimal.Decimal) (Amount, error) {
	scaled := d.Mul(unitDec).Truncate(0)
	if !scaled.BigInt().IsInt64() {
		return 0, ErrOverflow
	}
	return Amount(scaled.IntPart()), nil
}

// MustFromRTC is FromRTC for compile-time constants.
func MustFromRTC(s string) Amount {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	a, err := FromRTC(d)
	if err != nil {
		panic(err)
	}
	return a
}

// RTC returns the amount as a decimal in whole RTC.
func (a Amount) RTC() decimal.Decimal {
	return decimal.NewFromInt(int64(a)).Div(unitDec)
}

// String renders the amount in RTC, e.g. "1.5".
func (a Amount) String() string {
	return a.RTC().String()
}

// Add returns a+b, or ErrOverflow if the sum leaves int64.
func (a Amount) Add(b Amount) (Amount, error) {
	sum := int64(a) + int64(b)
	if (b > 0 && sum < int64(a)) || (b < 0 && sum > int64(a)) {
		return 0, ErrOverflow
	}
	return Amount(sum), nil
}

// Sub returns a-b, or ErrOverflow on underflow of the int64 range.
func (a Amount) Sub(b Amount) (Amount, error) {
	if b == math.MinInt64 {
		return 0, ErrOverflow
	}
	return a.Add(-b)
}

// Neg returns the negated amount. Negating MinInt64 overflows.
func (a Amount) Neg() (Amount, error) {
	if int64(a) == math.MinInt64 {
		return 0, ErrOverflow
	}
	return -a, nil
}

// Package units converts between display amounts ("1.25") and the integer
// smallest units the ledger stores.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegative  = errors.New("amount is negative")
	ErrPrecision = errors.New("amount has more fractional digits than the currency")
	ErrOverflow  = errors.New("amount does not fit in 64 bits")
)

// Unit is the integer value of one display unit.
func Unit(decimals int32) uint64 {
	return decimal.New(1, decimals).BigInt().Uint64()
}

func ParseAmount(s string, decimals int32) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("%w: %s", ErrNegative, s)
	}
	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s with %d decimals", ErrPrecision, s, decimals)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, s)
	}
	return bi.Uint64(), nil
}

func FormatAmount(v uint64, decimals int32) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals).String()
}

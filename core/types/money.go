package types

import (
	"fmt"
	"math/big"
)

// Amount is a monetary value in integer minor units (e.g. cents). Floating
// point money is forbidden throughout the module.
type Amount int64

// Percent is a rational percentage with fixed denominator 10 000 per percent
// point, i.e. hundredths of a basis point. PercentFull represents 100%.
type Percent int64

const (
	// PercentScale is the numerator weight of a single percent point.
	PercentScale Percent = 10_000
	// PercentFull is the numerator representing exactly 100%.
	PercentFull Percent = 100 * PercentScale
)

// PercentFromPoints converts whole percent points (e.g. 33) into the fixed
// denominator representation.
func PercentFromPoints(points int64) Percent { return Percent(points) * PercentScale }

// Valid reports whether the percentage lies in [0, 100].
func (p Percent) Valid() bool { return p >= 0 && p <= PercentFull }

// Points returns the percentage in whole percent points, truncating any
// sub-point remainder. Intended for display only.
func (p Percent) Points() int64 { return int64(p / PercentScale) }

// ShareOf computes floor(total * p / 100%) without intermediate overflow.
func (p Percent) ShareOf(total Amount) Amount {
	product := new(big.Int).Mul(big.NewInt(int64(total)), big.NewInt(int64(p)))
	product.Quo(product, big.NewInt(int64(PercentFull)))
	return Amount(product.Int64())
}

// SplitShares divides total across the supplied percentages using the
// last-milestone remainder rule: every share but the final one is
// floor(total*pct/100%), and the final share absorbs the rounding remainder so
// the shares always sum to total exactly.
func SplitShares(total Amount, percentages []Percent) ([]Amount, error) {
	if total < 0 {
		return nil, fmt.Errorf("total must be non-negative, got %d", total)
	}
	if len(percentages) == 0 {
		return nil, fmt.Errorf("at least one percentage required")
	}
	var sum Percent
	for i, pct := range percentages {
		if !pct.Valid() {
			return nil, fmt.Errorf("percentage %d out of range", i)
		}
		sum += pct
	}
	if sum != PercentFull {
		return nil, fmt.Errorf("percentages must sum to 100%%, got numerator %d", sum)
	}
	shares := make([]Amount, len(percentages))
	var allocated Amount
	for i, pct := range percentages[:len(percentages)-1] {
		shares[i] = pct.ShareOf(total)
		allocated += shares[i]
	}
	shares[len(shares)-1] = total - allocated
	return shares, nil
}

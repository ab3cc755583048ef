package delever

import "math/big"

// The service fee is a fixed 0.1% of the collateral actually converted. It is
// paid in full to the triggering operator as their incentive and is not
// configurable.
const (
	FeeNumerator   = 10
	FeeDenominator = 10_000
)

// FeeCalculator applies the fixed service fee. The rate is captured at
// construction and never mutated.
type FeeCalculator struct {
	numerator   *big.Int
	denominator *big.Int
}

func NewFeeCalculator() FeeCalculator {
	return FeeCalculator{
		numerator:   big.NewInt(FeeNumerator),
		denominator: big.NewInt(FeeDenominator),
	}
}

// FeeOn returns the fee owed on the given amount, rounded down.
func (f FeeCalculator) FeeOn(amount *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, f.numerator)
	return fee.Quo(fee, f.denominator)
}

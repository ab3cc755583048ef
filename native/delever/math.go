package delever

import "math/big"

var basisPoints = big.NewInt(10_000)

// scaleByRatio returns amount * numerator / denominator with truncation. It is
// used to shrink the collateral bound proportionally when the outstanding debt
// turns out to be smaller than the requested repay amount.
func scaleByRatio(amount, numerator, denominator *big.Int) *big.Int {
	if amount == nil || numerator == nil || denominator == nil || denominator.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, numerator)
	return scaled.Quo(scaled, denominator)
}

// bpsShare returns amount * bps / 10_000, rounded down.
func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, basisPoints)
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

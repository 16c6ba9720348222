package protocol

import (
	"math/big"
)

// scaledString formats value / 10^decimals as a fixed-point string.
func scaledString(value *big.Int, decimals int) string {
	if value == nil {
		return "0"
	}
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	out := new(big.Float).Quo(new(big.Float).SetInt(value), scale)
	return out.Text('f', 6)
}

// ratioString formats num/den, reporting false when den is zero.
func ratioString(num, den *big.Int) (string, bool) {
	if num == nil || den == nil || den.Sign() == 0 {
		return "", false
	}
	out := new(big.Float).Quo(new(big.Float).SetInt(num), new(big.Float).SetInt(den))
	return out.Text('f', 6), true
}

// sizeCategory buckets a raw debt amount against small/large cutoffs.
func sizeCategory(amount, small, large *big.Int) string {
	if amount == nil {
		return "small"
	}
	if amount.Cmp(small) < 0 {
		return "small"
	}
	if amount.Cmp(large) < 0 {
		return "medium"
	}
	return "large"
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

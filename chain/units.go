package chain

import (
	"fmt"
	"math/big"
)

// Decimal scale factors for the supported assets.
const (
	NativeDecimals = 9
	TokenDecimals  = 6
)

var maxUint64 = new(big.Int).SetUint64(^uint64(0))

// ToBaseUnits converts a decimal display amount into the network's integer
// base unit at the given scale. Excess fractional precision is truncated,
// matching how amounts are floored before transfer construction.
func ToBaseUnits(amount string, decimals uint) (uint64, error) {
	rat, ok := new(big.Rat).SetString(amount)
	if !ok {
		return 0, fmt.Errorf("chain: invalid amount %q", amount)
	}
	if rat.Sign() <= 0 {
		return 0, fmt.Errorf("chain: amount must be positive, got %q", amount)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(rat, new(big.Rat).SetInt(scale))
	// Truncate toward zero.
	base := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if base.Sign() <= 0 {
		return 0, fmt.Errorf("chain: amount %q rounds to zero base units", amount)
	}
	if base.Cmp(maxUint64) > 0 {
		return 0, fmt.Errorf("chain: amount %q overflows base units", amount)
	}
	return base.Uint64(), nil
}

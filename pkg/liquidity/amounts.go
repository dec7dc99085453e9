package liquidity

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRange is returned when tickLower >= tickUpper.
	ErrInvalidRange = errors.New("tickLower must be below tickUpper")
	// ErrLiquidityOverflow is returned for negative liquidity or values wider than 128 bits.
	ErrLiquidityOverflow = errors.New("liquidity out of uint128 range")
)

// AmountsForLiquidityRaw returns the raw token amounts (smallest units, rounded down) held by
// liquidity in [tickLower, tickUpper) at currentTick. Below the range everything is token0, at or
// above tickUpper everything is token1.
func AmountsForLiquidityRaw(liquidity *big.Int, tickLower, tickUpper, currentTick int32) (*big.Int, *big.Int, error) {
	if tickLower >= tickUpper {
		return nil, nil, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, tickLower, tickUpper)
	}
	if liquidity == nil || liquidity.Sign() < 0 || liquidity.BitLen() > 128 {
		return nil, nil, ErrLiquidityOverflow
	}
	l, _ := uint256.FromBig(liquidity)

	sqrtA, err := SqrtRatioAtTick(tickLower)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := SqrtRatioAtTick(tickUpper)
	if err != nil {
		return nil, nil, err
	}
	sqrtP, err := SqrtRatioAtTick(currentTick)
	if err != nil {
		return nil, nil, err
	}

	amount0, amount1 := new(uint256.Int), new(uint256.Int)
	switch {
	case currentTick <= tickLower:
		amount0 = amount0ForLiquidity(sqrtA, sqrtB, l)
	case currentTick < tickUpper:
		amount0 = amount0ForLiquidity(sqrtP, sqrtB, l)
		amount1 = amount1ForLiquidity(sqrtA, sqrtP, l)
	default:
		amount1 = amount1ForLiquidity(sqrtA, sqrtB, l)
	}
	return amount0.ToBig(), amount1.ToBig(), nil
}

// AmountsForLiquidity is AmountsForLiquidityRaw scaled by the token decimals.
func AmountsForLiquidity(liquidity *big.Int, tickLower, tickUpper, currentTick int32, decimals0, decimals1 int32) (decimal.Decimal, decimal.Decimal, error) {
	raw0, raw1, err := AmountsForLiquidityRaw(liquidity, tickLower, tickUpper, currentTick)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return decimal.NewFromBigInt(raw0, -decimals0), decimal.NewFromBigInt(raw1, -decimals1), nil
}

// amount0ForLiquidity computes L * 2^96 * (sqrtB - sqrtA) / sqrtB / sqrtA.
func amount0ForLiquidity(sqrtA, sqrtB, l *uint256.Int) *uint256.Int {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if sqrtA.IsZero() {
		return new(uint256.Int)
	}
	num1 := new(uint256.Int).Lsh(l, 96)
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	out, _ := new(uint256.Int).MulDivOverflow(num1, diff, sqrtB)
	return out.Div(out, sqrtA)
}

// amount1ForLiquidity computes L * (sqrtB - sqrtA) / 2^96.
func amount1ForLiquidity(sqrtA, sqrtB, l *uint256.Int) *uint256.Int {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	diff := new(uint256.Int).Sub(sqrtB, sqrtA)
	out, _ := new(uint256.Int).MulDivOverflow(l, diff, Q96)
	return out
}

package engine

import (
	"context"
	"errors"
	"math/big"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/twbx/pkg/accounting"
	"github.com/canopy-network/twbx/pkg/liquidity"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSource resolves USD prices. A zero result means unpriced.
type PriceSource interface {
	GetPrice(ctx context.Context, key string, atMs int64) decimal.Decimal
}

// Valuation is the USD value of a window or transaction.
type Valuation struct {
	// Price is the token price, or the token0 price for positions.
	Price decimal.Decimal
	// Price1 is the token1 price for positions.
	Price1   decimal.Decimal
	Amount0  decimal.Decimal
	Amount1  decimal.Decimal
	ValueUsd decimal.Decimal
	// Unpriced is set when a non-zero amount met a zero price.
	Unpriced bool
}

// Valuer prices windows. Token0 and token1 of a position are priced concurrently.
type Valuer struct {
	prices PriceSource
	pool   pond.Pool
	logger *zap.Logger
}

// NewValuer builds a Valuer. pool may be shared with other components.
func NewValuer(prices PriceSource, pool pond.Pool, logger *zap.Logger) *Valuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Valuer{prices: prices, pool: pool, logger: logger}
}

// Window values w.HeldAmount() at w.PriceAt.
func (v *Valuer) Window(ctx context.Context, w accounting.HistoryWindow) (Valuation, error) {
	if w.Position != nil {
		return v.position(ctx, w)
	}
	return v.token(ctx, w.Asset, w.HeldAmount(), w.PriceAt), nil
}

// Amount values a raw amount of asset at atMs.
func (v *Valuer) Amount(ctx context.Context, asset accounting.Asset, raw *big.Int, atMs int64) Valuation {
	return v.token(ctx, asset, raw, atMs)
}

func (v *Valuer) token(ctx context.Context, asset accounting.Asset, raw *big.Int, atMs int64) Valuation {
	amount := humanAmount(raw, asset.Decimals)
	price := v.price(ctx, asset, atMs)
	return Valuation{
		Price:    price,
		Amount0:  amount,
		ValueUsd: amount.Mul(price),
		Unpriced: price.IsZero() && !amount.IsZero(),
	}
}

func (v *Valuer) position(ctx context.Context, w accounting.HistoryWindow) (Valuation, error) {
	p := w.Position
	a0, a1, err := liquidity.AmountsForLiquidity(w.HeldAmount(), p.TickLower, p.TickUpper, p.CurrentTick, p.Token0.Decimals, p.Token1.Decimals)
	if err != nil {
		return Valuation{}, err
	}

	var p0, p1 decimal.Decimal
	group := v.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	group.Submit(func() {
		if !a0.IsZero() {
			p0 = v.price(groupCtx, p.Token0, w.PriceAt)
		}
	})
	group.Submit(func() {
		if !a1.IsZero() {
			p1 = v.price(groupCtx, p.Token1, w.PriceAt)
		}
	})
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return Valuation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Valuation{}, err
	}

	return Valuation{
		Price:    p0,
		Price1:   p1,
		Amount0:  a0,
		Amount1:  a1,
		ValueUsd: a0.Mul(p0).Add(a1.Mul(p1)),
		Unpriced: (p0.IsZero() && !a0.IsZero()) || (p1.IsZero() && !a1.IsZero()),
	}, nil
}

func (v *Valuer) price(ctx context.Context, asset accounting.Asset, atMs int64) decimal.Decimal {
	if asset.PriceKey == "" {
		return decimal.Zero
	}
	return v.prices.GetPrice(ctx, asset.PriceKey, atMs)
}

func humanAmount(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}

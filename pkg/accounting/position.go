package accounting

import (
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"
)

// ErrUnknownPosition is returned when an event references a position that was never minted.
var ErrUnknownPosition = errors.New("unknown position")

// PositionEventKind enumerates the position lifecycle events.
type PositionEventKind string

const (
	PositionMint     PositionEventKind = "mint"
	PositionIncrease PositionEventKind = "increase_liquidity"
	PositionDecrease PositionEventKind = "decrease_liquidity"
	PositionTransfer PositionEventKind = "transfer"
	PoolTick         PositionEventKind = "tick"
)

// PositionEvent is a decoded position or pool price event.
type PositionEvent struct {
	Kind       PositionEventKind
	PositionID string
	PoolID     string
	Owner      Address
	NewOwner   Address
	Liquidity  *big.Int
	TickLower  int32
	TickUpper  int32
	// Tick is the pool's current tick after a PoolTick event.
	Tick     int32
	At       BlockRef
	TxHash   string
	LogIndex int
}

// PositionTracker maintains concentrated-liquidity positions and their in-range state. Only active
// positions accrue windows.
type PositionTracker struct {
	windowMs int64
	logger   *zap.Logger
}

// NewPositionTracker builds a tracker sharing the sweep window duration.
func NewPositionTracker(windowMs int64, logger *zap.Logger) (*PositionTracker, error) {
	if windowMs <= 0 {
		return nil, ErrInvalidWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionTracker{windowMs: windowMs, logger: logger}, nil
}

// Apply applies ev to st and returns any windows it closes.
func (t *PositionTracker) Apply(st *ScopeState, ev PositionEvent) ([]HistoryWindow, error) {
	switch ev.Kind {
	case PositionMint:
		return t.mint(st, ev)
	case PositionIncrease, PositionDecrease:
		return t.modify(st, ev)
	case PositionTransfer:
		return t.transfer(st, ev)
	case PoolTick:
		return t.tick(st, ev), nil
	default:
		return nil, fmt.Errorf("unsupported position event %q", ev.Kind)
	}
}

func (t *PositionTracker) mint(st *ScopeState, ev PositionEvent) ([]HistoryWindow, error) {
	if _, ok := st.Positions[ev.PositionID]; ok {
		ev.Kind = PositionIncrease
		return t.modify(st, ev)
	}
	if ev.TickLower >= ev.TickUpper {
		return nil, fmt.Errorf("position %s: invalid range [%d, %d)", ev.PositionID, ev.TickLower, ev.TickUpper)
	}
	liq := new(big.Int)
	if ev.Liquidity != nil {
		if ev.Liquidity.Sign() < 0 {
			return nil, fmt.Errorf("position %s: %w", ev.PositionID, ErrInvalidAmount)
		}
		liq.Set(ev.Liquidity)
	}
	pool := ensurePool(st, ev.PoolID)
	p := &PositionDetails{
		PositionID:             ev.PositionID,
		Owner:                  ev.Owner,
		Liquidity:              liq,
		TickLower:              ev.TickLower,
		TickUpper:              ev.TickUpper,
		PoolID:                 ev.PoolID,
		LastUpdatedBlockTs:     ev.At.Ts,
		LastUpdatedBlockHeight: ev.At.Height,
	}
	p.IsActive = pool.TickKnown && p.InRange(pool.CurrentTick)
	st.Positions[p.PositionID] = p
	st.touchPosition(p.PositionID)

	t.logger.Debug("position minted",
		zap.String("scope", st.Scope.String()),
		zap.String("position", p.PositionID),
		zap.String("owner", string(p.Owner)),
		zap.Bool("active", p.IsActive))
	return nil, nil
}

func (t *PositionTracker) modify(st *ScopeState, ev PositionEvent) ([]HistoryWindow, error) {
	p, ok := st.Positions[ev.PositionID]
	if !ok {
		if ev.Kind == PositionIncrease && ev.TickLower < ev.TickUpper {
			ev.Kind = PositionMint
			return t.mint(st, ev)
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, ev.PositionID)
	}
	if ev.Liquidity == nil || ev.Liquidity.Sign() <= 0 {
		return nil, fmt.Errorf("position %s: %w", ev.PositionID, ErrInvalidAmount)
	}
	if p.Liquidity.Sign() > 0 && ev.At.Ts < p.LastUpdatedBlockTs {
		return nil, fmt.Errorf("%w: position=%s at=%d updated=%d", ErrOutOfOrder, p.PositionID, ev.At.Ts, p.LastUpdatedBlockTs)
	}
	if p.TickLower >= p.TickUpper && ev.TickLower < ev.TickUpper {
		t.adoptRange(st, p, ev)
	}

	after := new(big.Int)
	if ev.Kind == PositionIncrease {
		after.Add(p.Liquidity, ev.Liquidity)
	} else {
		if p.Liquidity.Cmp(ev.Liquidity) < 0 {
			return nil, fmt.Errorf("%w: position=%s liquidity=%s amount=%s",
				ErrNegativeBalance, p.PositionID, p.Liquidity, ev.Liquidity)
		}
		after.Sub(p.Liquidity, ev.Liquidity)
	}

	var windows []HistoryWindow
	if p.IsActive && p.Liquidity.Sign() > 0 {
		windows = append(windows, positionWindow(st, p, TriggerTransfer, ev.At.Ts, ev.At.Height, ev.At.Ts,
			p.Liquidity, after, poolTick(st, p.PoolID), ev.TxHash, ev.LogIndex))
	}
	p.Liquidity = after
	p.LastUpdatedBlockTs = ev.At.Ts
	p.LastUpdatedBlockHeight = ev.At.Height
	st.touchPosition(p.PositionID)
	return windows, nil
}

// adoptRange completes a position created by an NFT mint that carried no pool or range.
func (t *PositionTracker) adoptRange(st *ScopeState, p *PositionDetails, ev PositionEvent) {
	if ev.PoolID != "" {
		p.PoolID = ev.PoolID
	}
	p.TickLower = ev.TickLower
	p.TickUpper = ev.TickUpper
	pool := ensurePool(st, p.PoolID)
	p.IsActive = pool.TickKnown && p.InRange(pool.CurrentTick)
	p.LastUpdatedBlockTs = ev.At.Ts
	p.LastUpdatedBlockHeight = ev.At.Height

	t.logger.Debug("position range adopted",
		zap.String("scope", st.Scope.String()),
		zap.String("position", p.PositionID),
		zap.String("pool", p.PoolID),
		zap.Bool("active", p.IsActive))
}

func (t *PositionTracker) transfer(st *ScopeState, ev PositionEvent) ([]HistoryWindow, error) {
	p, ok := st.Positions[ev.PositionID]
	if !ok {
		if !ev.Owner.IsSentinel() {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPosition, ev.PositionID)
		}
		// NFT mint precedes the liquidity event; ranges arrive with it or with the first increase.
		if ev.TickLower < ev.TickUpper {
			ev.Kind = PositionMint
			ev.Owner = ev.NewOwner
			ev.Liquidity = nil
			return t.mint(st, ev)
		}
		st.Positions[ev.PositionID] = &PositionDetails{
			PositionID:             ev.PositionID,
			Owner:                  ev.NewOwner,
			Liquidity:              new(big.Int),
			PoolID:                 ev.PoolID,
			LastUpdatedBlockTs:     ev.At.Ts,
			LastUpdatedBlockHeight: ev.At.Height,
		}
		st.touchPosition(ev.PositionID)
		return nil, nil
	}

	var windows []HistoryWindow
	if p.IsActive && p.Liquidity.Sign() > 0 {
		windows = append(windows, positionWindow(st, p, TriggerTransfer, ev.At.Ts, ev.At.Height, ev.At.Ts,
			p.Liquidity, new(big.Int), poolTick(st, p.PoolID), ev.TxHash, ev.LogIndex))
	}
	p.Owner = ev.NewOwner
	p.LastUpdatedBlockTs = ev.At.Ts
	p.LastUpdatedBlockHeight = ev.At.Height
	st.touchPosition(p.PositionID)
	return windows, nil
}

// tick moves the pool price and flips positions whose range membership changed. Positions leaving
// the range are closed out at every boundary they crossed plus a final window ending at the event.
func (t *PositionTracker) tick(st *ScopeState, ev PositionEvent) []HistoryWindow {
	pool := ensurePool(st, ev.PoolID)
	prevTick := pool.CurrentTick
	if !pool.TickKnown {
		prevTick = ev.Tick
	}
	pool.CurrentTick = ev.Tick
	pool.TickKnown = true
	st.touchPool(pool.ID)

	var windows []HistoryWindow
	for _, p := range st.PositionsInPool(pool.ID) {
		inRange := p.InRange(ev.Tick)
		switch {
		case !p.IsActive && inRange:
			p.IsActive = true
			p.LastUpdatedBlockTs = ev.At.Ts
			p.LastUpdatedBlockHeight = ev.At.Height
			st.touchPosition(p.PositionID)
		case p.IsActive && !inRange:
			if p.Liquidity.Sign() > 0 {
				windows = append(windows, t.closeOut(st, p, prevTick, ev)...)
			}
			p.IsActive = false
			p.LastUpdatedBlockTs = ev.At.Ts
			p.LastUpdatedBlockHeight = ev.At.Height
			st.touchPosition(p.PositionID)
		}
	}
	if len(windows) > 0 {
		t.logger.Debug("positions left range",
			zap.String("scope", st.Scope.String()),
			zap.String("pool", pool.ID),
			zap.Int32("tick", ev.Tick),
			zap.Int("windows", len(windows)))
	}
	return windows
}

func (t *PositionTracker) closeOut(st *ScopeState, p *PositionDetails, tick int32, ev PositionEvent) []HistoryWindow {
	var out []HistoryWindow
	for b := NextBoundary(p.LastUpdatedBlockTs, t.windowMs); b < ev.At.Ts; b += t.windowMs {
		out = append(out, positionWindow(st, p, TriggerExhausted, b, ev.At.Height, b, p.Liquidity, p.Liquidity, tick, "", -1))
		p.LastUpdatedBlockTs = b
		p.LastUpdatedBlockHeight = ev.At.Height
	}
	out = append(out, positionWindow(st, p, TriggerExhausted, ev.At.Ts, ev.At.Height, ev.At.Ts,
		p.Liquidity, p.Liquidity, tick, ev.TxHash, ev.LogIndex))
	return out
}

func positionWindow(st *ScopeState, p *PositionDetails, trigger Trigger, endTs, endHeight, priceAt int64,
	before, after *big.Int, tick int32, txHash string, logIndex int) HistoryWindow {
	pool := ensurePool(st, p.PoolID)
	return HistoryWindow{
		Scope:         st.Scope,
		User:          p.Owner,
		Asset:         Asset{Key: pool.ID, Symbol: poolSymbol(pool)},
		Trigger:       trigger,
		StartTs:       p.LastUpdatedBlockTs,
		EndTs:         endTs,
		StartHeight:   p.LastUpdatedBlockHeight,
		EndHeight:     endHeight,
		BalanceBefore: new(big.Int).Set(before),
		BalanceAfter:  new(big.Int).Set(after),
		TxHash:        txHash,
		LogIndex:      logIndex,
		PriceAt:       priceAt,
		Position: &PositionSnapshot{
			PositionID:  p.PositionID,
			PoolID:      p.PoolID,
			TickLower:   p.TickLower,
			TickUpper:   p.TickUpper,
			CurrentTick: tick,
			Token0:      pool.Token0,
			Token1:      pool.Token1,
		},
	}
}

func ensurePool(st *ScopeState, id string) *PoolState {
	if p, ok := st.Pools[id]; ok {
		return p
	}
	p := &PoolState{ID: id}
	st.Pools[id] = p
	st.touchPool(id)
	return p
}

func poolTick(st *ScopeState, id string) int32 {
	if p, ok := st.Pools[id]; ok {
		return p.CurrentTick
	}
	return 0
}

func poolSymbol(p *PoolState) string {
	if p.Token0.Symbol == "" && p.Token1.Symbol == "" {
		return ""
	}
	return p.Token0.Symbol + "/" + p.Token1.Symbol
}

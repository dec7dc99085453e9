package accounting

import (
	"errors"
	"math/big"

	"go.uber.org/zap"
)

// DefaultMaxBoundariesPerSweep bounds catch-up work of a single Sweep call.
const DefaultMaxBoundariesPerSweep = 1000

// ErrInvalidWindow is returned when the window duration is not positive.
var ErrInvalidWindow = errors.New("window duration must be positive")

// SweeperConfig configures boundary sweeps.
type SweeperConfig struct {
	WindowMs      int64
	MaxBoundaries int
	// PricePositionsAtNow values position boundary windows at the sweep time instead of the boundary.
	PricePositionsAtNow bool
}

// Sweeper closes holding windows at epoch-aligned boundaries for entities that stayed dormant.
type Sweeper struct {
	cfg    SweeperConfig
	logger *zap.Logger
}

// NewSweeper validates cfg and builds a Sweeper.
func NewSweeper(cfg SweeperConfig, logger *zap.Logger) (*Sweeper, error) {
	if cfg.WindowMs <= 0 {
		return nil, ErrInvalidWindow
	}
	if cfg.MaxBoundaries <= 0 {
		cfg.MaxBoundaries = DefaultMaxBoundariesPerSweep
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{cfg: cfg, logger: logger}, nil
}

// NextBoundary returns the first multiple of windowMs strictly after ts.
func NextBoundary(ts, windowMs int64) int64 {
	q := ts / windowMs
	if ts < 0 && ts%windowMs != 0 {
		q--
	}
	return (q + 1) * windowMs
}

// Sweep emits EXHAUSTED windows for every boundary b with lastInterpolatedTs+W < nowTs, advancing the
// watermark one boundary at a time. The first call only initializes the watermark. At most
// MaxBoundaries boundaries are processed; remaining ones are picked up by the next call.
func (s *Sweeper) Sweep(st *ScopeState, nowTs, nowHeight int64) []HistoryWindow {
	if !st.Process.Initialized {
		st.Process.Initialized = true
		st.Process.LastInterpolatedTs = nowTs
		return nil
	}

	var (
		windows    []HistoryWindow
		boundaries int
	)
	for st.Process.LastInterpolatedTs+s.cfg.WindowMs < nowTs {
		if boundaries == s.cfg.MaxBoundaries {
			s.logger.Info("sweep catch-up capped",
				zap.String("scope", st.Scope.String()),
				zap.Int("boundaries", boundaries),
				zap.Int64("last_interpolated_ts", st.Process.LastInterpolatedTs),
				zap.Int64("now_ts", nowTs))
			break
		}
		next := NextBoundary(st.Process.LastInterpolatedTs, s.cfg.WindowMs)
		windows = append(windows, s.closeBalances(st, next, nowHeight)...)
		windows = append(windows, s.closePositions(st, next, nowTs, nowHeight)...)
		st.Process.LastInterpolatedTs = next
		boundaries++
	}

	if boundaries > 0 {
		s.logger.Debug("sweep complete",
			zap.String("scope", st.Scope.String()),
			zap.Int("boundaries", boundaries),
			zap.Int("windows", len(windows)))
	}
	return windows
}

func (s *Sweeper) closeBalances(st *ScopeState, boundary, nowHeight int64) []HistoryWindow {
	var out []HistoryWindow
	for _, key := range st.ActiveKeys() {
		rec := st.Balances[key]
		if rec.UpdatedAtTs >= boundary {
			continue
		}
		out = append(out, HistoryWindow{
			Scope:         st.Scope,
			User:          key.User,
			Asset:         assetFor(st, key.Asset),
			Trigger:       TriggerExhausted,
			StartTs:       rec.UpdatedAtTs,
			EndTs:         boundary,
			StartHeight:   rec.UpdatedAtHeight,
			EndHeight:     nowHeight,
			BalanceBefore: new(big.Int).Set(rec.Balance),
			BalanceAfter:  new(big.Int).Set(rec.Balance),
			LogIndex:      -1,
			PriceAt:       boundary,
		})
		rec.UpdatedAtTs = boundary
		rec.UpdatedAtHeight = nowHeight
		st.touchBalance(key)
	}
	return out
}

func (s *Sweeper) closePositions(st *ScopeState, boundary, nowTs, nowHeight int64) []HistoryWindow {
	priceAt := boundary
	if s.cfg.PricePositionsAtNow {
		priceAt = nowTs
	}
	var out []HistoryWindow
	for _, id := range st.ActivePositionIDs() {
		p := st.Positions[id]
		if p.LastUpdatedBlockTs >= boundary {
			continue
		}
		out = append(out, positionWindow(st, p, TriggerExhausted, boundary, nowHeight, priceAt, p.Liquidity, p.Liquidity, poolTick(st, p.PoolID), "", -1))
		p.LastUpdatedBlockTs = boundary
		p.LastUpdatedBlockHeight = nowHeight
		st.touchPosition(id)
	}
	return out
}

// assetFor resolves asset metadata registered on the state. Balances only carry the asset key.
func assetFor(st *ScopeState, key string) Asset {
	if st.Assets != nil {
		if a, ok := st.Assets[key]; ok {
			return a
		}
	}
	return Asset{Key: key}
}

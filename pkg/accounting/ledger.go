package accounting

import (
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"
)

var (
	// ErrNegativeBalance is returned when a debit exceeds the holder's balance. The delta is not applied.
	ErrNegativeBalance = errors.New("balance would become negative")
	// ErrOutOfOrder is returned when an event is older than the last update of the entity it touches.
	ErrOutOfOrder = errors.New("event precedes last update")
	// ErrInvalidAmount is returned for nil or non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// BalanceDelta moves Amount of Asset from From to To. Sentinel addresses are skipped, so a mint has a
// sentinel From and a burn a sentinel To.
type BalanceDelta struct {
	Asset    Asset
	From     Address
	To       Address
	Amount   *big.Int
	At       BlockRef
	TxHash   string
	LogIndex int
}

// Ledger applies balance deltas to a ScopeState and closes the affected holding windows.
type Ledger struct {
	logger *zap.Logger
}

// NewLedger builds a Ledger.
func NewLedger(logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{logger: logger}
}

// ApplyDelta debits From then credits To. A window is emitted for each side whose prior balance was
// positive. Validation happens before any mutation, so a rejected delta leaves st untouched.
func (l *Ledger) ApplyDelta(st *ScopeState, d BalanceDelta) ([]HistoryWindow, error) {
	if d.Amount == nil || d.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: asset=%s tx=%s", ErrInvalidAmount, d.Asset.Key, d.TxHash)
	}

	debit := !d.From.IsSentinel()
	credit := !d.To.IsSentinel()
	if !debit && !credit {
		return nil, nil
	}

	if debit {
		key := BalanceKey{Asset: d.Asset.Key, User: d.From}
		if err := checkOrder(st, key, d.At); err != nil {
			return nil, err
		}
		if bal := st.Balance(key); bal.Cmp(d.Amount) < 0 {
			return nil, fmt.Errorf("%w: user=%s asset=%s balance=%s amount=%s",
				ErrNegativeBalance, d.From, d.Asset.Key, bal, d.Amount)
		}
	}
	if credit {
		if err := checkOrder(st, BalanceKey{Asset: d.Asset.Key, User: d.To}, d.At); err != nil {
			return nil, err
		}
	}

	windows := make([]HistoryWindow, 0, 2)
	if debit {
		if w, ok := l.move(st, d, d.From, new(big.Int).Neg(d.Amount)); ok {
			windows = append(windows, w)
		}
	}
	if credit {
		if w, ok := l.move(st, d, d.To, d.Amount); ok {
			windows = append(windows, w)
		}
	}
	return windows, nil
}

// move adds signed to user's balance and returns the window closed by the change, if any.
func (l *Ledger) move(st *ScopeState, d BalanceDelta, user Address, signed *big.Int) (HistoryWindow, bool) {
	key := BalanceKey{Asset: d.Asset.Key, User: user}
	rec, ok := st.Balances[key]
	if !ok {
		rec = &ActiveBalanceRecord{Balance: new(big.Int), UpdatedAtTs: d.At.Ts, UpdatedAtHeight: d.At.Height}
		st.Balances[key] = rec
	}
	before := new(big.Int).Set(rec.Balance)
	after := new(big.Int).Add(before, signed)

	var (
		w       HistoryWindow
		emitted bool
	)
	if before.Sign() > 0 {
		w = HistoryWindow{
			Scope:         st.Scope,
			User:          user,
			Asset:         d.Asset,
			Trigger:       TriggerTransfer,
			StartTs:       rec.UpdatedAtTs,
			EndTs:         d.At.Ts,
			StartHeight:   rec.UpdatedAtHeight,
			EndHeight:     d.At.Height,
			BalanceBefore: before,
			BalanceAfter:  new(big.Int).Set(after),
			TxHash:        d.TxHash,
			LogIndex:      d.LogIndex,
			PriceAt:       d.At.Ts,
		}
		emitted = true
	}

	rec.Balance = after
	rec.UpdatedAtTs = d.At.Ts
	rec.UpdatedAtHeight = d.At.Height
	st.touchBalance(key)

	l.logger.Debug("balance updated",
		zap.String("scope", st.Scope.String()),
		zap.String("asset", d.Asset.Key),
		zap.String("user", string(user)),
		zap.String("before", before.String()),
		zap.String("after", after.String()),
		zap.Bool("window", emitted))
	return w, emitted
}

func checkOrder(st *ScopeState, key BalanceKey, at BlockRef) error {
	rec, ok := st.Balances[key]
	if !ok || rec.Balance == nil || rec.Balance.Sign() == 0 {
		return nil
	}
	if at.Ts < rec.UpdatedAtTs {
		return fmt.Errorf("%w: user=%s asset=%s at=%d updated=%d", ErrOutOfOrder, key.User, key.Asset, at.Ts, rec.UpdatedAtTs)
	}
	return nil
}

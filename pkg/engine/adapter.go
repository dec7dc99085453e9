package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/canopy-network/twbx/pkg/accounting"
	"github.com/canopy-network/twbx/pkg/rpc"
)

var (
	// ErrSkipEvent marks events the adapter deliberately ignores.
	ErrSkipEvent = errors.New("event skipped")
	// ErrUnsupportedAsset is returned for assets missing from the scope registry.
	ErrUnsupportedAsset = errors.New("unsupported asset")
	// ErrMalformedEvent is returned for events that cannot be decoded.
	ErrMalformedEvent = errors.New("malformed event")
)

// TransactionRecord is a discrete action reported as a TransactionEvent.
type TransactionRecord struct {
	Asset    accounting.Asset
	User     accounting.Address
	Amount   *big.Int
	At       accounting.BlockRef
	TxHash   string
	LogIndex int
	// BlockHash of the block the action was included in.
	BlockHash string
	// GasUsed and GasPrice are in native units; nil when unknown.
	GasUsed  *big.Int
	GasPrice *big.Int
	// Kind is the protocol action, e.g. swap or deposit.
	Kind string
}

// Decoded is what an adapter extracts from one raw event. Any combination of fields may be set.
type Decoded struct {
	Delta    *accounting.BalanceDelta
	Position *accounting.PositionEvent
	Tx       *TransactionRecord
}

// Adapter turns protocol logs into engine inputs.
type Adapter interface {
	DecodeEvent(scope *ScopeConfig, block rpc.Block, ev rpc.RawEvent) (Decoded, error)
}

// Raw event kinds understood by JSONAdapter.
const (
	KindTransfer          = "transfer"
	KindPositionMint      = "position_mint"
	KindIncreaseLiquidity = "increase_liquidity"
	KindDecreaseLiquidity = "decrease_liquidity"
	KindPositionTransfer  = "position_transfer"
	KindPoolTick          = "pool_tick"
	KindTransaction       = "transaction"
)

// JSONAdapter decodes events whose Data is already a flat JSON document. It is used with sources that
// decode ABIs upstream.
type JSONAdapter struct{}

type jsonEventData struct {
	Asset      string `json:"asset"`
	From       string `json:"from"`
	To         string `json:"to"`
	Amount     string `json:"amount"`
	PositionID string `json:"positionId"`
	PoolID     string `json:"poolId"`
	Owner      string `json:"owner"`
	Liquidity  string `json:"liquidity"`
	TickLower  *int32 `json:"tickLower"`
	TickUpper  *int32 `json:"tickUpper"`
	Tick       *int32 `json:"tick"`
	User       string `json:"user"`
	Action     string `json:"action"`
	GasUsed    string `json:"gasUsed"`
	GasPrice   string `json:"gasPrice"`
}

func (JSONAdapter) DecodeEvent(scope *ScopeConfig, block rpc.Block, ev rpc.RawEvent) (Decoded, error) {
	var d jsonEventData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return Decoded{}, fmt.Errorf("%w: %s log %d: %v", ErrMalformedEvent, ev.TxHash, ev.LogIndex, err)
		}
	}
	at := accounting.BlockRef{Ts: block.TimestampMs, Height: block.Height}

	switch ev.Kind {
	case KindTransfer:
		asset, ok := scope.Asset(d.Asset)
		if !ok {
			return Decoded{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, d.Asset)
		}
		amount, err := parseAmount("amount", d.Amount)
		if err != nil {
			return Decoded{}, err
		}
		from, err := parseAddress("from", d.From)
		if err != nil {
			return Decoded{}, err
		}
		to, err := parseAddress("to", d.To)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Delta: &accounting.BalanceDelta{
			Asset:    asset,
			From:     from,
			To:       to,
			Amount:   amount,
			At:       at,
			TxHash:   ev.TxHash,
			LogIndex: ev.LogIndex,
		}}, nil

	case KindPositionMint, KindIncreaseLiquidity, KindDecreaseLiquidity, KindPositionTransfer:
		if d.PositionID == "" {
			return Decoded{}, fmt.Errorf("%w: %s without positionId", ErrMalformedEvent, ev.Kind)
		}
		pool, err := parseAddress("poolId", d.PoolID)
		if err != nil {
			return Decoded{}, err
		}
		pe := &accounting.PositionEvent{
			PositionID: d.PositionID,
			PoolID:     string(pool),
			At:         at,
			TxHash:     ev.TxHash,
			LogIndex:   ev.LogIndex,
		}
		if d.TickLower != nil && d.TickUpper != nil {
			pe.TickLower, pe.TickUpper = *d.TickLower, *d.TickUpper
		}
		switch ev.Kind {
		case KindPositionMint:
			pe.Kind = accounting.PositionMint
			if pe.Owner, err = parseAddress("owner", d.Owner); err != nil {
				return Decoded{}, err
			}
		case KindIncreaseLiquidity:
			pe.Kind = accounting.PositionIncrease
		case KindDecreaseLiquidity:
			pe.Kind = accounting.PositionDecrease
		case KindPositionTransfer:
			pe.Kind = accounting.PositionTransfer
			if pe.Owner, err = parseAddress("from", d.From); err != nil {
				return Decoded{}, err
			}
			if pe.NewOwner, err = parseAddress("to", d.To); err != nil {
				return Decoded{}, err
			}
		}
		if ev.Kind != KindPositionTransfer {
			liq, err := parseAmount("liquidity", d.Liquidity)
			if err != nil {
				return Decoded{}, err
			}
			pe.Liquidity = liq
		}
		return Decoded{Position: pe}, nil

	case KindPoolTick:
		if d.Tick == nil || d.PoolID == "" {
			return Decoded{}, fmt.Errorf("%w: pool_tick needs poolId and tick", ErrMalformedEvent)
		}
		pool, err := parseAddress("poolId", d.PoolID)
		if err != nil {
			return Decoded{}, err
		}
		return Decoded{Position: &accounting.PositionEvent{
			Kind:     accounting.PoolTick,
			PoolID:   string(pool),
			Tick:     *d.Tick,
			At:       at,
			TxHash:   ev.TxHash,
			LogIndex: ev.LogIndex,
		}}, nil

	case KindTransaction:
		asset, ok := scope.Asset(d.Asset)
		if !ok {
			return Decoded{}, fmt.Errorf("%w: %s", ErrUnsupportedAsset, d.Asset)
		}
		amount, err := parseAmount("amount", d.Amount)
		if err != nil {
			return Decoded{}, err
		}
		user, err := parseAddress("user", d.User)
		if err != nil {
			return Decoded{}, err
		}
		if user.IsSentinel() {
			return Decoded{}, fmt.Errorf("%w: transaction without user", ErrMalformedEvent)
		}
		return Decoded{Tx: &TransactionRecord{
			Asset:     asset,
			User:      user,
			Amount:    amount,
			At:        at,
			TxHash:    ev.TxHash,
			LogIndex:  ev.LogIndex,
			BlockHash: block.Hash,
			GasUsed:   parseOptional(d.GasUsed),
			GasPrice:  parseOptional(d.GasPrice),
			Kind:      d.Action,
		}}, nil

	default:
		return Decoded{}, fmt.Errorf("%w: kind %q", ErrSkipEvent, ev.Kind)
	}
}

func parseAddress(field, raw string) (accounting.Address, error) {
	a, err := accounting.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedEvent, field, err)
	}
	return a, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := parseInt(raw)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q", ErrMalformedEvent, field, raw)
	}
	return v, nil
}

func parseOptional(raw string) *big.Int {
	if raw == "" {
		return nil
	}
	v, ok := parseInt(raw)
	if !ok {
		return nil
	}
	return v
}

// parseInt accepts decimal or 0x-prefixed hex.
func parseInt(raw string) (*big.Int, bool) {
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		return new(big.Int).SetString(raw[2:], 16)
	}
	return new(big.Int).SetString(raw, 10)
}

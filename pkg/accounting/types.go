package accounting

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Trigger is the reason a window was closed.
type Trigger string

const (
	TriggerTransfer  Trigger = "transfer"
	TriggerExhausted Trigger = "exhausted"
)

// Address is a normalized account identifier. EVM addresses are lower-case 0x hex,
// anything else (e.g. Solana base58 keys) is kept verbatim.
type Address string

// solanaSystemProgram is the all-zero base58 key used as mint/burn sentinel on Solana.
const solanaSystemProgram = "11111111111111111111111111111111"

// NormalizeAddress canonicalizes raw address input.
func NormalizeAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if common.IsHexAddress(raw) {
		return Address(strings.ToLower(common.HexToAddress(raw).Hex()))
	}
	return Address(raw)
}

// ErrInvalidAddress is returned for 0x-prefixed input that is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress is NormalizeAddress for untrusted input. Values with a 0x prefix must be valid EVM addresses.
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if (strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X")) && !common.IsHexAddress(raw) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return NormalizeAddress(raw), nil
}

// IsSentinel reports whether a is empty or a zero/mint/burn address.
func (a Address) IsSentinel() bool {
	if a == "" || a == solanaSystemProgram {
		return true
	}
	if common.IsHexAddress(string(a)) {
		return common.HexToAddress(string(a)) == (common.Address{})
	}
	return false
}

func (a Address) String() string { return string(a) }

// Scope is an isolation unit (one pool or contract on one chain) with its own watermark.
type Scope struct {
	ChainID uint64 `json:"chainId" yaml:"chainId"`
	Key     string `json:"key" yaml:"key"`
}

func (s Scope) String() string { return fmt.Sprintf("%d:%s", s.ChainID, s.Key) }

// Asset describes a tracked token.
type Asset struct {
	Key      string `json:"key" yaml:"key"`
	Symbol   string `json:"symbol" yaml:"symbol"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
	// PriceKey is the oracle identifier (e.g. a CoinGecko coin id).
	PriceKey string `json:"priceKey" yaml:"priceKey"`
}

// BlockRef pins an event to a block.
type BlockRef struct {
	Ts     int64 `json:"ts"` // unix ms
	Height int64 `json:"height"`
}

// BalanceKey identifies a balance inside a scope.
type BalanceKey struct {
	Asset string
	User  Address
}

func (k BalanceKey) String() string { return k.Asset + "|" + string(k.User) }

// ParseBalanceKey is the inverse of BalanceKey.String.
func ParseBalanceKey(s string) (BalanceKey, error) {
	asset, user, ok := strings.Cut(s, "|")
	if !ok || asset == "" || user == "" {
		return BalanceKey{}, fmt.Errorf("invalid balance key %q", s)
	}
	return BalanceKey{Asset: asset, User: Address(user)}, nil
}

// ActiveBalanceRecord is the current holding of one entity.
type ActiveBalanceRecord struct {
	Balance         *big.Int `json:"balance"`
	UpdatedAtTs     int64    `json:"updatedAtTs"`
	UpdatedAtHeight int64    `json:"updatedAtHeight"`
}

// ProcessState is the per-scope sweep watermark plus the last committed block height. Version is
// bumped by the store on every commit and guards against concurrent writers.
type ProcessState struct {
	Initialized        bool  `json:"initialized"`
	LastInterpolatedTs int64 `json:"lastInterpolatedTs"`
	LastHeight         int64 `json:"lastHeight"`
	Version            int64 `json:"version"`
}

// PositionDetails is a concentrated-liquidity position.
type PositionDetails struct {
	PositionID             string   `json:"positionId"`
	Owner                  Address  `json:"owner"`
	Liquidity              *big.Int `json:"liquidity"`
	TickLower              int32    `json:"tickLower"`
	TickUpper              int32    `json:"tickUpper"`
	PoolID                 string   `json:"poolId"`
	IsActive               bool     `json:"isActive"`
	LastUpdatedBlockTs     int64    `json:"lastUpdatedBlockTs"`
	LastUpdatedBlockHeight int64    `json:"lastUpdatedBlockHeight"`
}

// InRange reports whether tick lies in [TickLower, TickUpper).
func (p *PositionDetails) InRange(tick int32) bool {
	return p.TickLower <= tick && tick < p.TickUpper
}

// PoolState is the last observed price state of a pool.
type PoolState struct {
	ID          string `json:"id"`
	Token0      Asset  `json:"token0"`
	Token1      Asset  `json:"token1"`
	CurrentTick int32  `json:"currentTick"`
	TickKnown   bool   `json:"tickKnown"`
}

// PositionSnapshot is the position context attached to an AMM window.
type PositionSnapshot struct {
	PositionID  string
	PoolID      string
	TickLower   int32
	TickUpper   int32
	CurrentTick int32
	Token0      Asset
	Token1      Asset
}

// HistoryWindow attributes a balance to [StartTs, EndTs]. Windows are values and are never mutated
// once returned. For AMM windows the balances are liquidity and Position is set.
type HistoryWindow struct {
	Scope         Scope
	User          Address
	Asset         Asset
	Trigger       Trigger
	StartTs       int64
	EndTs         int64
	StartHeight   int64
	EndHeight     int64
	BalanceBefore *big.Int
	BalanceAfter  *big.Int
	TxHash        string
	// LogIndex of the closing event, -1 for boundary windows.
	LogIndex int
	// PriceAt is the timestamp the window is valued at.
	PriceAt  int64
	Position *PositionSnapshot
}

// HeldAmount is the balance attributed to the whole window.
func (w HistoryWindow) HeldAmount() *big.Int {
	return w.BalanceBefore
}

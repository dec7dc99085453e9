// Package events defines the priced records shipped to the ingestion sink.
package events

import (
	"errors"
	"fmt"
)

const (
	// SchemaVersion is stamped on every event.
	SchemaVersion = "1.0"

	TypeTimeWeightedBalance = "timeWeightedBalance"
	TypeTransaction         = "transaction"
)

// Event is a record accepted by the dispatcher.
type Event interface {
	ID() string
	Type() string
	Validate() error
}

// Chain identifies the network an event was observed on.
type Chain struct {
	ChainArch      string `json:"chainArch" yaml:"chainArch"`
	NetworkID      uint64 `json:"networkId" yaml:"networkId"`
	ChainShortName string `json:"chainShortName" yaml:"chainShortName"`
	ChainName      string `json:"chainName" yaml:"chainName"`
}

// Runner identifies the deployment that produced an event.
type Runner struct {
	RunnerID   string `json:"runnerId"`
	APIKeyHash string `json:"apiKeyHash"`
}

// Currency describes the token an event is denominated in.
type Currency struct {
	CurrencyType string `json:"currencyType"`
	Address      string `json:"address,omitempty"`
	CoingeckoID  string `json:"coingeckoId,omitempty"`
	Symbol       string `json:"symbol,omitempty"`
	Decimals     int32  `json:"decimals"`
}

// Base is shared by every event type.
type Base struct {
	Version          string     `json:"version"`
	EventID          string     `json:"eventId"`
	UserID           string     `json:"userId"`
	Chain            Chain      `json:"chain"`
	Runner           Runner     `json:"runner"`
	ProtocolMetadata []Metadata `json:"protocolMetadata"`
	Currency         Currency   `json:"currency"`
}

func (b Base) validate() error {
	if b.EventID == "" {
		return errors.New("missing eventId")
	}
	if b.UserID == "" {
		return errors.New("missing userId")
	}
	for _, m := range b.ProtocolMetadata {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// TimeWeightedBalanceEvent reports a balance held over a window.
type TimeWeightedBalanceEvent struct {
	Base                 Base    `json:"base"`
	EventType            string  `json:"eventType"`
	BalanceBefore        string  `json:"balanceBefore"`
	BalanceAfter         string  `json:"balanceAfter"`
	TimeWindowTrigger    string  `json:"timeWindowTrigger"`
	StartUnixTimestampMs int64   `json:"startUnixTimestampMs"`
	EndUnixTimestampMs   int64   `json:"endUnixTimestampMs"`
	WindowDurationMs     int64   `json:"windowDurationMs"`
	StartBlockNumber     int64   `json:"startBlockNumber"`
	EndBlockNumber       int64   `json:"endBlockNumber"`
	TxHash               *string `json:"txHash"`
	ValueUsd             float64 `json:"valueUsd"`
}

func (e *TimeWeightedBalanceEvent) ID() string   { return e.Base.EventID }
func (e *TimeWeightedBalanceEvent) Type() string { return TypeTimeWeightedBalance }

func (e *TimeWeightedBalanceEvent) Validate() error {
	if err := e.Base.validate(); err != nil {
		return fmt.Errorf("timeWeightedBalance: %w", err)
	}
	if e.StartUnixTimestampMs > e.EndUnixTimestampMs {
		return fmt.Errorf("timeWeightedBalance %s: start %d after end %d", e.Base.EventID, e.StartUnixTimestampMs, e.EndUnixTimestampMs)
	}
	if e.TimeWindowTrigger != "transfer" && e.TimeWindowTrigger != "exhausted" {
		return fmt.Errorf("timeWeightedBalance %s: unknown trigger %q", e.Base.EventID, e.TimeWindowTrigger)
	}
	return nil
}

// TransactionEvent reports a discrete action such as a swap or deposit.
type TransactionEvent struct {
	Base            Base    `json:"base"`
	EventType       string  `json:"eventType"`
	RawAmount       string  `json:"rawAmount"`
	DisplayAmount   float64 `json:"displayAmount"`
	UnixTimestampMs int64   `json:"unixTimestampMs"`
	TxHash          string  `json:"txHash"`
	LogIndex        int     `json:"logIndex"`
	BlockNumber     int64   `json:"blockNumber"`
	BlockHash       string  `json:"blockHash"`
	GasUsed         float64 `json:"gasUsed"`
	GasFeeUsd       float64 `json:"gasFeeUsd"`
	ValueUsd        float64 `json:"valueUsd"`
}

func (e *TransactionEvent) ID() string   { return e.Base.EventID }
func (e *TransactionEvent) Type() string { return TypeTransaction }

func (e *TransactionEvent) Validate() error {
	if err := e.Base.validate(); err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	if e.TxHash == "" {
		return fmt.Errorf("transaction %s: missing txHash", e.Base.EventID)
	}
	return nil
}

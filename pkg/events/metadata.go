package events

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// MetadataType tags a protocol metadata value.
type MetadataType string

const (
	MetadataAddress MetadataType = "address"
	MetadataString  MetadataType = "string"
	MetadataNumber  MetadataType = "number"
	MetadataBigInt  MetadataType = "bigint"
)

// Metadata is one typed protocol metadata field.
type Metadata struct {
	Key   string       `json:"key" yaml:"key"`
	Type  MetadataType `json:"type" yaml:"type"`
	Value string       `json:"value" yaml:"value"`
}

// Well-known metadata keys.
const (
	KeyPoolAddress  = "poolAddress"
	KeyPositionID   = "positionId"
	KeyTickLower    = "tickLower"
	KeyTickUpper    = "tickUpper"
	KeyCurrentTick  = "currentTick"
	KeyToken0       = "token0"
	KeyToken1       = "token1"
	KeyAmount0      = "amount0"
	KeyAmount1      = "amount1"
	KeySymbol       = "symbol"
	KeyPriceUnknown = "priceUnavailable"
)

// Address builds an address field.
func Address(key, v string) Metadata { return Metadata{Key: key, Type: MetadataAddress, Value: v} }

// String builds a string field.
func String(key, v string) Metadata { return Metadata{Key: key, Type: MetadataString, Value: v} }

// Number builds a numeric field.
func Number(key string, v int64) Metadata {
	return Metadata{Key: key, Type: MetadataNumber, Value: strconv.FormatInt(v, 10)}
}

// BigInt builds an arbitrary precision integer field.
func BigInt(key string, v *big.Int) Metadata {
	if v == nil {
		v = new(big.Int)
	}
	return Metadata{Key: key, Type: MetadataBigInt, Value: v.String()}
}

// Validate checks that Value parses as Type.
func (m Metadata) Validate() error {
	if m.Key == "" {
		return fmt.Errorf("metadata: empty key")
	}
	switch m.Type {
	case MetadataString:
		return nil
	case MetadataAddress:
		if m.Value == "" {
			return fmt.Errorf("metadata %s: empty address", m.Key)
		}
		if len(m.Value) > 2 && m.Value[:2] == "0x" && !common.IsHexAddress(m.Value) {
			return fmt.Errorf("metadata %s: invalid hex address %q", m.Key, m.Value)
		}
		return nil
	case MetadataNumber:
		if _, err := strconv.ParseFloat(m.Value, 64); err != nil {
			return fmt.Errorf("metadata %s: invalid number %q", m.Key, m.Value)
		}
		return nil
	case MetadataBigInt:
		if _, ok := new(big.Int).SetString(m.Value, 10); !ok {
			return fmt.Errorf("metadata %s: invalid bigint %q", m.Key, m.Value)
		}
		return nil
	default:
		return fmt.Errorf("metadata %s: unknown type %q", m.Key, m.Type)
	}
}

package rpc

import (
	"context"
	"encoding/json"
)

// Head is the latest block the source can serve for a scope.
type Head struct {
	Height      int64 `json:"height"`
	TimestampMs int64 `json:"timestampMs"`
}

// RawEvent is one decoded log inside a block. Data is adapter specific.
type RawEvent struct {
	LogIndex int             `json:"logIndex"`
	TxHash   string          `json:"txHash"`
	Kind     string          `json:"kind"`
	Data     json.RawMessage `json:"data"`
}

// Block carries the events of one block for one scope, in log order.
type Block struct {
	Height      int64      `json:"height"`
	TimestampMs int64      `json:"timestampMs"`
	Hash        string     `json:"hash"`
	Events      []RawEvent `json:"events"`
}

// Source supplies ordered blocks per scope.
type Source interface {
	Head(ctx context.Context, scope string) (Head, error)
	Blocks(ctx context.Context, scope string, from, to int64) ([]Block, error)
}

// Factory produces sources for a given set of endpoints.
type Factory interface {
	NewSource(endpoints []string) Source
}

type httpFactory struct {
	opts Opts
}

// NewHTTPFactory returns a factory that builds HTTP sources with shared defaults.
func NewHTTPFactory(opts Opts) Factory {
	return &httpFactory{opts: opts}
}

func (f *httpFactory) NewSource(endpoints []string) Source {
	o := f.opts
	o.Endpoints = endpoints
	return NewHTTPWithOpts(o)
}

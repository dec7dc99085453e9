// Package engine drives batches of blocks through the ledger, position tracker and sweeper, prices
// the resulting windows and delivers them before committing scope state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/twbx/pkg/accounting"
	"github.com/canopy-network/twbx/pkg/events"
	"github.com/canopy-network/twbx/pkg/identity"
	"github.com/canopy-network/twbx/pkg/rpc"
	"github.com/canopy-network/twbx/pkg/store"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ErrBlockOrder is returned when a batch's blocks are not strictly increasing in height and time.
var ErrBlockOrder = errors.New("blocks out of order")

// Sender delivers events. A failure means nothing after the failing chunk was delivered.
type Sender interface {
	Send(ctx context.Context, records []events.Event) error
}

// Publisher mirrors delivered events somewhere for auditing. It is best effort.
type Publisher interface {
	PublishEvents(ctx context.Context, scope string, evs []events.Event)
}

// Config holds engine parameters.
type Config struct {
	WindowMs            int64
	MaxBoundaries       int
	PricePositionsAtNow bool
	// APIKey salts event ids and is fingerprinted into every event.
	APIKey   string
	RunnerID string
}

// Engine processes batches per scope. Batches of the same scope are serialized, different scopes run
// independently.
type Engine struct {
	cfg       Config
	registry  *Registry
	adapter   Adapter
	store     store.Store
	sender    Sender
	publisher Publisher
	valuer    *Valuer
	ledger    *accounting.Ledger
	sweeper   *accounting.Sweeper
	tracker   *accounting.PositionTracker
	locks     *xsync.Map[string, *sync.Mutex]
	logger    *zap.Logger
	runner    events.Runner
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Registry  *Registry
	Adapter   Adapter
	Store     store.Store
	Sender    Sender
	Prices    PriceSource
	Publisher Publisher
	Pool      pond.Pool
	Logger    *zap.Logger
}

// New wires an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Sender == nil || deps.Prices == nil {
		return nil, errors.New("engine: registry, store, sender and prices are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := deps.Adapter
	if adapter == nil {
		adapter = JSONAdapter{}
	}
	pool := deps.Pool
	if pool == nil {
		pool = pond.NewPool(8)
	}
	sweeper, err := accounting.NewSweeper(accounting.SweeperConfig{
		WindowMs:            cfg.WindowMs,
		MaxBoundaries:       cfg.MaxBoundaries,
		PricePositionsAtNow: cfg.PricePositionsAtNow,
	}, logger.Named("sweeper"))
	if err != nil {
		return nil, err
	}
	tracker, err := accounting.NewPositionTracker(cfg.WindowMs, logger.Named("positions"))
	if err != nil {
		return nil, err
	}
	runnerID := cfg.RunnerID
	if runnerID == "" {
		runnerID = "twbx"
	}
	return &Engine{
		cfg:       cfg,
		registry:  deps.Registry,
		adapter:   adapter,
		store:     deps.Store,
		sender:    deps.Sender,
		publisher: deps.Publisher,
		valuer:    NewValuer(deps.Prices, pool, logger.Named("valuer")),
		ledger:    accounting.NewLedger(logger.Named("ledger")),
		sweeper:   sweeper,
		tracker:   tracker,
		locks:     xsync.NewMap[string, *sync.Mutex](),
		logger:    logger,
		runner:    events.Runner{RunnerID: runnerID, APIKeyHash: identity.HashAPIKey(cfg.APIKey)},
	}, nil
}

// BatchResult summarizes a processed batch.
type BatchResult struct {
	Scope              string
	FromHeight         int64
	ToHeight           int64
	Blocks             int
	SkippedBlocks      int
	Windows            int
	Transactions       int
	RejectedEvents     int
	LastInterpolatedTs int64
	Committed          bool
}

// batch carries the state threaded through one ProcessBatch call.
type batch struct {
	scope   *ScopeConfig
	state   *accounting.ScopeState
	windows []accounting.HistoryWindow
	txs     []TransactionRecord
	result  BatchResult
}

// ProcessBatch applies blocks to the scope, sweeps after each block, prices and delivers every produced
// event and only then commits the scope state. Blocks at or below the committed height are skipped, so
// redelivering a batch is harmless. Any error leaves the persisted state untouched.
func (e *Engine) ProcessBatch(ctx context.Context, scopeKey string, blocks []rpc.Block) (BatchResult, error) {
	sc, err := e.registry.Lookup(scopeKey)
	if err != nil {
		return BatchResult{}, err
	}
	unlock := e.lock(scopeKey)
	defer unlock()

	start := time.Now()
	st, err := e.store.LoadScope(ctx, sc.Scope())
	if err != nil {
		return BatchResult{}, err
	}
	b := &batch{scope: sc, state: st, result: BatchResult{Scope: scopeKey}}
	e.prepare(b)

	if err := e.apply(b, blocks); err != nil {
		return b.result, err
	}
	if b.result.Blocks == 0 {
		b.result.LastInterpolatedTs = st.Process.LastInterpolatedTs
		return b.result, nil
	}

	records, err := e.build(ctx, b)
	if err != nil {
		return b.result, err
	}
	if len(records) > 0 {
		if err := e.sender.Send(ctx, records); err != nil {
			return b.result, fmt.Errorf("deliver scope %s [%d, %d]: %w", scopeKey, b.result.FromHeight, b.result.ToHeight, err)
		}
	}
	if err := e.store.CommitScope(ctx, st); err != nil {
		return b.result, err
	}
	b.result.Committed = true
	b.result.LastInterpolatedTs = st.Process.LastInterpolatedTs

	if e.publisher != nil && len(records) > 0 {
		e.publisher.PublishEvents(ctx, scopeKey, records)
	}

	e.logger.Info("batch processed",
		zap.String("scope", scopeKey),
		zap.Int64("from", b.result.FromHeight),
		zap.Int64("to", b.result.ToHeight),
		zap.Int("windows", b.result.Windows),
		zap.Int("transactions", b.result.Transactions),
		zap.Int("rejected", b.result.RejectedEvents),
		zap.Duration("took", time.Since(start)))
	return b.result, nil
}

func (e *Engine) lock(key string) func() {
	mu, _ := e.locks.LoadOrStore(key, &sync.Mutex{})
	mu.Lock()
	return mu.Unlock
}

// prepare loads registry metadata into the state.
func (e *Engine) prepare(b *batch) {
	st := b.state
	if b.scope.NativeAsset.Key != "" {
		st.RegisterAsset(b.scope.NativeAsset)
	}
	for _, a := range b.scope.Assets {
		st.RegisterAsset(a)
	}
	for _, pc := range b.scope.Pools {
		t0, _ := b.scope.Asset(pc.Token0)
		t1, _ := b.scope.Asset(pc.Token1)
		ps := accounting.PoolState{ID: pc.ID, Token0: t0, Token1: t1}
		if existing, ok := st.Pools[pc.ID]; ok && existing.Token0 == t0 && existing.Token1 == t1 {
			continue
		}
		if pc.InitialTick != nil {
			ps.CurrentTick = *pc.InitialTick
			ps.TickKnown = true
		}
		st.SetPool(ps)
	}
}

func (e *Engine) apply(b *batch, blocks []rpc.Block) error {
	st := b.state
	var prev *rpc.Block
	for i := range blocks {
		blk := &blocks[i]
		if st.Process.Initialized && blk.Height <= st.Process.LastHeight {
			b.result.SkippedBlocks++
			continue
		}
		if prev != nil && (blk.Height <= prev.Height || blk.TimestampMs < prev.TimestampMs) {
			return fmt.Errorf("%w: height %d (ts %d) after %d (ts %d)", ErrBlockOrder, blk.Height, blk.TimestampMs, prev.Height, prev.TimestampMs)
		}
		prev = blk

		for _, raw := range blk.Events {
			e.applyEvent(b, *blk, raw)
		}
		b.windows = append(b.windows, e.sweeper.Sweep(st, blk.TimestampMs, blk.Height)...)

		st.Process.LastHeight = blk.Height
		if b.result.Blocks == 0 {
			b.result.FromHeight = blk.Height
		}
		b.result.ToHeight = blk.Height
		b.result.Blocks++
	}
	return nil
}

// applyEvent decodes and applies one event. Rejected events are logged and leave state untouched.
func (e *Engine) applyEvent(b *batch, blk rpc.Block, raw rpc.RawEvent) {
	fields := []zap.Field{
		zap.String("scope", b.scope.Key),
		zap.Int64("height", blk.Height),
		zap.String("tx", raw.TxHash),
		zap.Int("log_index", raw.LogIndex),
		zap.String("kind", raw.Kind),
	}

	dec, err := e.adapter.DecodeEvent(b.scope, blk, raw)
	switch {
	case errors.Is(err, ErrSkipEvent):
		return
	case errors.Is(err, ErrUnsupportedAsset):
		e.logger.Warn("skipping event for unsupported asset", append(fields, zap.Error(err))...)
		return
	case err != nil:
		b.result.RejectedEvents++
		e.logger.Error("rejecting malformed event", append(fields, zap.Error(err))...)
		return
	}

	if dec.Delta != nil {
		ws, err := e.ledger.ApplyDelta(b.state, *dec.Delta)
		if err != nil {
			b.result.RejectedEvents++
			e.logger.Error("rejecting balance delta", append(fields, zap.Error(err))...)
			return
		}
		b.windows = append(b.windows, ws...)
	}
	if dec.Position != nil {
		ws, err := e.tracker.Apply(b.state, *dec.Position)
		if err != nil {
			b.result.RejectedEvents++
			e.logger.Error("rejecting position event", append(fields, zap.Error(err))...)
			return
		}
		b.windows = append(b.windows, ws...)
	}
	if dec.Tx != nil {
		b.txs = append(b.txs, *dec.Tx)
	}
}

// build prices windows and transactions and turns them into events, preserving production order.
func (e *Engine) build(ctx context.Context, b *batch) ([]events.Event, error) {
	records := make([]events.Event, 0, len(b.windows)+len(b.txs))
	chain := b.scope.Chain

	for _, w := range b.windows {
		val, err := e.valuer.Window(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("value window %s/%s [%d, %d]: %w", w.User, w.Asset.Key, w.StartTs, w.EndTs, err)
		}
		if val.Unpriced {
			e.logger.Warn("window unpriced",
				zap.String("scope", b.scope.Key),
				zap.String("asset", w.Asset.Key),
				zap.String("user", string(w.User)),
				zap.Int64("price_at", w.PriceAt))
		}
		if rec := e.windowEvent(b.scope, chain, w, val); e.keep(b, rec) {
			records = append(records, rec)
			b.result.Windows++
		}
	}
	for _, tx := range b.txs {
		if rec := e.transactionEvent(ctx, b.scope, chain, tx); e.keep(b, rec) {
			records = append(records, rec)
			b.result.Transactions++
		}
	}
	return records, nil
}

// keep reports whether rec would be accepted by the sink. Invalid records are logged and counted as
// rejected so one bad value never blocks the rest of the batch.
func (e *Engine) keep(b *batch, rec events.Event) bool {
	err := rec.Validate()
	if err == nil {
		return true
	}
	b.result.RejectedEvents++
	e.logger.Error("dropping invalid event",
		zap.String("scope", b.scope.Key),
		zap.String("type", rec.Type()),
		zap.String("id", rec.ID()),
		zap.Error(err))
	return false
}

func (e *Engine) windowEvent(sc *ScopeConfig, chain events.Chain, w accounting.HistoryWindow, val Valuation) *events.TimeWeightedBalanceEvent {
	id := identity.WindowID(e.cfg.APIKey, identity.WindowKey{
		ChainID:   chain.NetworkID,
		Scope:     sc.Key,
		Asset:     w.Asset.Key,
		User:      string(w.User),
		StartTs:   w.StartTs,
		EndTs:     w.EndTs,
		WindowMs:  e.cfg.WindowMs,
		EndHeight: w.EndHeight,
		LogIndex:  w.LogIndex,
	})

	meta := append([]events.Metadata{}, sc.Metadata...)
	currency := events.Currency{CurrencyType: "address", Address: w.Asset.Key, CoingeckoID: w.Asset.PriceKey, Symbol: w.Asset.Symbol, Decimals: w.Asset.Decimals}
	if p := w.Position; p != nil {
		meta = append(meta,
			events.String(events.KeyPositionID, p.PositionID),
			events.Address(events.KeyPoolAddress, p.PoolID),
			events.Number(events.KeyTickLower, int64(p.TickLower)),
			events.Number(events.KeyTickUpper, int64(p.TickUpper)),
			events.Number(events.KeyCurrentTick, int64(p.CurrentTick)),
			events.String(events.KeyToken0, p.Token0.Key),
			events.String(events.KeyToken1, p.Token1.Key),
			events.String(events.KeyAmount0, val.Amount0.String()),
			events.String(events.KeyAmount1, val.Amount1.String()),
		)
		currency = events.Currency{CurrencyType: "position", Address: p.PoolID, Symbol: w.Asset.Symbol}
	}
	if val.Unpriced {
		meta = append(meta, events.String(events.KeyPriceUnknown, "true"))
	}

	var txHash *string
	if w.TxHash != "" {
		h := w.TxHash
		txHash = &h
	}
	return &events.TimeWeightedBalanceEvent{
		Base: events.Base{
			Version:          events.SchemaVersion,
			EventID:          id,
			UserID:           string(w.User),
			Chain:            chain,
			Runner:           e.runner,
			ProtocolMetadata: meta,
			Currency:         currency,
		},
		EventType:            events.TypeTimeWeightedBalance,
		BalanceBefore:        w.BalanceBefore.String(),
		BalanceAfter:         w.BalanceAfter.String(),
		TimeWindowTrigger:    string(w.Trigger),
		StartUnixTimestampMs: w.StartTs,
		EndUnixTimestampMs:   w.EndTs,
		WindowDurationMs:     e.cfg.WindowMs,
		StartBlockNumber:     w.StartHeight,
		EndBlockNumber:       w.EndHeight,
		TxHash:               txHash,
		ValueUsd:             val.ValueUsd.InexactFloat64(),
	}
}

func (e *Engine) transactionEvent(ctx context.Context, sc *ScopeConfig, chain events.Chain, tx TransactionRecord) *events.TransactionEvent {
	val := e.valuer.Amount(ctx, tx.Asset, tx.Amount, tx.At.Ts)

	var gasUsed, gasFeeUsd float64
	if tx.GasUsed != nil {
		gasUsed, _ = humanAmount(tx.GasUsed, 0).Float64()
		if tx.GasPrice != nil {
			fee := new(big.Int).Mul(tx.GasUsed, tx.GasPrice)
			gasFeeUsd = e.valuer.Amount(ctx, sc.NativeAsset, fee, tx.At.Ts).ValueUsd.InexactFloat64()
		}
	}

	meta := append([]events.Metadata{}, sc.Metadata...)
	if tx.Kind != "" {
		meta = append(meta, events.String("action", tx.Kind))
	}
	return &events.TransactionEvent{
		Base: events.Base{
			Version:          events.SchemaVersion,
			EventID:          identity.TransactionID(e.cfg.APIKey, chain.NetworkID, tx.TxHash, tx.LogIndex),
			UserID:           string(tx.User),
			Chain:            chain,
			Runner:           e.runner,
			ProtocolMetadata: meta,
			Currency:         events.Currency{CurrencyType: "address", Address: tx.Asset.Key, CoingeckoID: tx.Asset.PriceKey, Symbol: tx.Asset.Symbol, Decimals: tx.Asset.Decimals},
		},
		EventType:       events.TypeTransaction,
		RawAmount:       tx.Amount.String(),
		DisplayAmount:   val.Amount0.InexactFloat64(),
		UnixTimestampMs: tx.At.Ts,
		TxHash:          tx.TxHash,
		LogIndex:        tx.LogIndex,
		BlockNumber:     tx.At.Height,
		BlockHash:       tx.BlockHash,
		GasUsed:         gasUsed,
		GasFeeUsd:       gasFeeUsd,
		ValueUsd:        val.ValueUsd.InexactFloat64(),
	}
}

// Health checks the store.
func (e *Engine) Health(ctx context.Context) error {
	return e.store.Health(ctx)
}

// Registry returns the scope registry.
func (e *Engine) Registry() *Registry { return e.registry }

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/canopy-network/twbx/pkg/accounting"
	"github.com/canopy-network/twbx/pkg/dispatch"
	"github.com/canopy-network/twbx/pkg/events"
	"github.com/canopy-network/twbx/pkg/pricing"
	"github.com/canopy-network/twbx/pkg/rpc"
	"github.com/canopy-network/twbx/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	usdcAddr = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	wethAddr = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	poolAddr = "0x88e6a0c2ddd26feeb64f039a2c41296fcb3f5640"
	alice    = "0x00000000000000000000000000000000000000a1"
	bob      = "0x00000000000000000000000000000000000000b2"
	zeroAddr = "0x0000000000000000000000000000000000000000"
)

type recordingSender struct {
	mu      sync.Mutex
	batches [][]events.Event
	err     error
}

func (s *recordingSender) Send(_ context.Context, records []events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, records)
	return nil
}

func (s *recordingSender) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

type recordingPublisher struct {
	scopes []string
	count  int
}

func (p *recordingPublisher) PublishEvents(_ context.Context, scope string, evs []events.Event) {
	p.scopes = append(p.scopes, scope)
	p.count += len(evs)
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	tick := int32(0)
	reg, err := NewRegistry(&ScopeConfig{
		Key:      "uniswap-v3:usdc-weth",
		Protocol: "uniswap-v3",
		Chain:    events.Chain{ChainArch: "evm", NetworkID: 1, ChainShortName: "eth", ChainName: "Ethereum Mainnet"},
		NativeAsset: accounting.Asset{
			Key: "native", Symbol: "ETH", Decimals: 18, PriceKey: "weth",
		},
		Assets: []accounting.Asset{
			{Key: usdcAddr, Symbol: "USDC", Decimals: 6, PriceKey: "usd-coin"},
			{Key: wethAddr, Symbol: "WETH", Decimals: 18, PriceKey: "weth"},
		},
		Pools:    []PoolConfig{{ID: poolAddr, Token0: usdcAddr, Token1: wethAddr, InitialTick: &tick}},
		Metadata: []events.Metadata{events.String("protocol", "uniswap-v3")},
	})
	require.NoError(t, err)
	return reg
}

func testPrices(t *testing.T) PriceSource {
	t.Helper()
	cache, err := pricing.NewCache(pricing.Config{}, pricing.StaticOracle{
		"usd-coin": decimal.NewFromInt(1),
		"weth":     decimal.NewFromInt(2000),
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return cache
}

func newTestEngine(t *testing.T, st store.Store, sender Sender, pub Publisher) *Engine {
	t.Helper()
	deps := Deps{
		Registry: testRegistry(t),
		Store:    st,
		Sender:   sender,
		Prices:   testPrices(t),
		Logger:   zaptest.NewLogger(t),
	}
	if pub != nil {
		deps.Publisher = pub
	}
	e, err := New(Config{WindowMs: 100, APIKey: "secret", RunnerID: "test"}, deps)
	require.NoError(t, err)
	return e
}

func rawEvent(t *testing.T, kind string, logIndex int, data map[string]any) rpc.RawEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return rpc.RawEvent{LogIndex: logIndex, TxHash: "0xtx" + kind, Kind: kind, Data: raw}
}

func transfer(t *testing.T, from, to, amount string, logIndex int) rpc.RawEvent {
	return rawEvent(t, KindTransfer, logIndex, map[string]any{"asset": usdcAddr, "from": from, "to": to, "amount": amount})
}

func transferBlocks(t *testing.T) []rpc.Block {
	return []rpc.Block{
		{Height: 1, TimestampMs: 0, Hash: "0xb1", Events: []rpc.RawEvent{transfer(t, zeroAddr, alice, "100000000", 0)}},
		{Height: 2, TimestampMs: 50, Hash: "0xb2", Events: []rpc.RawEvent{transfer(t, alice, bob, "40000000", 0)}},
		{Height: 3, TimestampMs: 250, Hash: "0xb3"},
	}
}

func balanceEvents(t *testing.T, evs []events.Event) []*events.TimeWeightedBalanceEvent {
	t.Helper()
	out := make([]*events.TimeWeightedBalanceEvent, 0, len(evs))
	for _, ev := range evs {
		tw, ok := ev.(*events.TimeWeightedBalanceEvent)
		require.True(t, ok, "unexpected event type %T", ev)
		out = append(out, tw)
	}
	return out
}

func TestProcessBatch_TransfersAndSweep(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sender := &recordingSender{}
	pub := &recordingPublisher{}
	e := newTestEngine(t, st, sender, pub)

	res, err := e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", transferBlocks(t))
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 3, res.Blocks)
	assert.Equal(t, int64(1), res.FromHeight)
	assert.Equal(t, int64(3), res.ToHeight)
	assert.Equal(t, int64(200), res.LastInterpolatedTs)
	assert.Equal(t, 5, res.Windows)

	evs := balanceEvents(t, sender.all())
	require.Len(t, evs, 5)

	first := evs[0]
	assert.Equal(t, "transfer", first.TimeWindowTrigger)
	assert.Equal(t, alice, first.Base.UserID)
	assert.Equal(t, int64(0), first.StartUnixTimestampMs)
	assert.Equal(t, int64(50), first.EndUnixTimestampMs)
	assert.Equal(t, "100000000", first.BalanceBefore)
	assert.Equal(t, "60000000", first.BalanceAfter)
	assert.InDelta(t, 100.0, first.ValueUsd, 1e-9)
	require.NotNil(t, first.TxHash)
	assert.Equal(t, "USDC", first.Base.Currency.Symbol)
	assert.Equal(t, "test", first.Base.Runner.RunnerID)
	assert.NotEmpty(t, first.Base.Runner.APIKeyHash)
	assert.Equal(t, uint64(1), first.Base.Chain.NetworkID)

	ids := map[string]bool{}
	for _, ev := range evs {
		assert.False(t, ids[ev.Base.EventID], "duplicate id %s", ev.Base.EventID)
		ids[ev.Base.EventID] = true
	}

	var exhausted []*events.TimeWeightedBalanceEvent
	for _, ev := range evs[1:] {
		assert.Equal(t, "exhausted", ev.TimeWindowTrigger)
		assert.Nil(t, ev.TxHash)
		assert.Equal(t, int64(3), ev.EndBlockNumber)
		exhausted = append(exhausted, ev)
	}
	assert.Equal(t, int64(50), exhausted[0].StartUnixTimestampMs)
	assert.Equal(t, int64(100), exhausted[0].EndUnixTimestampMs)
	assert.Equal(t, int64(100), exhausted[2].StartUnixTimestampMs)
	assert.Equal(t, int64(200), exhausted[2].EndUnixTimestampMs)

	assert.Equal(t, []string{"uniswap-v3:usdc-weth"}, pub.scopes)
	assert.Equal(t, 5, pub.count)

	state, err := st.LoadScope(ctx, accounting.Scope{ChainID: 1, Key: "uniswap-v3:usdc-weth"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), state.Process.LastHeight)
	assert.Equal(t, int64(1), state.Process.Version)
}

func TestProcessBatch_RedeliveryIsSkipped(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	e := newTestEngine(t, store.NewMemory(), sender, nil)

	_, err := e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", transferBlocks(t))
	require.NoError(t, err)
	delivered := len(sender.all())

	res, err := e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", transferBlocks(t))
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, 3, res.SkippedBlocks)
	assert.Equal(t, 0, res.Blocks)
	assert.Len(t, sender.all(), delivered)
}

func TestProcessBatch_DeliveryFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sender := &recordingSender{err: errors.New("sink down")}
	e := newTestEngine(t, st, sender, nil)

	res, err := e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", transferBlocks(t))
	require.Error(t, err)
	assert.False(t, res.Committed)

	state, err := st.LoadScope(ctx, accounting.Scope{ChainID: 1, Key: "uniswap-v3:usdc-weth"})
	require.NoError(t, err)
	assert.False(t, state.Process.Initialized)
	assert.Empty(t, state.Balances)

	// Retry after the sink recovers yields the same ids.
	sender.err = nil
	_, err = e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", transferBlocks(t))
	require.NoError(t, err)
	first := sender.all()

	replay := &recordingSender{}
	other := newTestEngine(t, store.NewMemory(), replay, nil)
	_, err = other.ProcessBatch(ctx, "uniswap-v3:usdc-weth", transferBlocks(t))
	require.NoError(t, err)
	require.Len(t, replay.all(), len(first))
	for i := range first {
		assert.Equal(t, first[i].ID(), replay.all()[i].ID())
	}
}

func TestProcessBatch_RejectsBadEventsAndContinues(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	e := newTestEngine(t, store.NewMemory(), sender, nil)

	blocks := []rpc.Block{
		{Height: 1, TimestampMs: 0, Events: []rpc.RawEvent{
			transfer(t, zeroAddr, alice, "100", 0),
			// overdraft
			transfer(t, bob, alice, "5", 1),
			// bad amount
			transfer(t, zeroAddr, alice, "abc", 2),
			// unsupported asset
			rawEvent(t, KindTransfer, 3, map[string]any{"asset": "0xdead", "from": zeroAddr, "to": alice, "amount": "1"}),
			// unknown kind
			rawEvent(t, "approval", 4, nil),
		}},
		{Height: 2, TimestampMs: 10, Events: []rpc.RawEvent{transfer(t, alice, bob, "30", 0)}},
	}
	res, err := e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", blocks)
	require.NoError(t, err)
	assert.Equal(t, 2, res.RejectedEvents)
	assert.Equal(t, 1, res.Windows)

	evs := balanceEvents(t, sender.all())
	require.Len(t, evs, 1)
	assert.Equal(t, "100", evs[0].BalanceBefore)
	assert.Equal(t, "70", evs[0].BalanceAfter)
}

func TestProcessBatch_BlockOrder(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), &recordingSender{}, nil)
	_, err := e.ProcessBatch(context.Background(), "uniswap-v3:usdc-weth", []rpc.Block{
		{Height: 2, TimestampMs: 10},
		{Height: 2, TimestampMs: 20},
	})
	require.ErrorIs(t, err, ErrBlockOrder)
}

func TestEngine_Health(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), &recordingSender{}, nil)
	require.NoError(t, e.Health(context.Background()))
}

func TestProcessBatch_UnknownScope(t *testing.T) {
	e := newTestEngine(t, store.NewMemory(), &recordingSender{}, nil)
	_, err := e.ProcessBatch(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownScope)
}

func TestProcessBatch_PositionLeavesRange(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	e := newTestEngine(t, store.NewMemory(), sender, nil)

	blocks := []rpc.Block{
		{Height: 1, TimestampMs: 0, Events: []rpc.RawEvent{
			rawEvent(t, KindPositionMint, 0, map[string]any{
				"positionId": "42", "poolId": poolAddr, "owner": alice,
				"liquidity": "1000000000000", "tickLower": -60, "tickUpper": 60,
			}),
		}},
		{Height: 2, TimestampMs: 150, Events: []rpc.RawEvent{
			rawEvent(t, KindPoolTick, 3, map[string]any{"poolId": poolAddr, "tick": 120}),
		}},
	}
	res, err := e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", blocks)
	require.NoError(t, err)
	require.Equal(t, 2, res.Windows)

	evs := balanceEvents(t, sender.all())
	require.Len(t, evs, 2)
	assert.Equal(t, int64(0), evs[0].StartUnixTimestampMs)
	assert.Equal(t, int64(100), evs[0].EndUnixTimestampMs)
	assert.Equal(t, int64(100), evs[1].StartUnixTimestampMs)
	assert.Equal(t, int64(150), evs[1].EndUnixTimestampMs)

	for _, ev := range evs {
		assert.Equal(t, "exhausted", ev.TimeWindowTrigger)
		assert.Equal(t, "position", ev.Base.Currency.CurrencyType)
		assert.Equal(t, "USDC/WETH", ev.Base.Currency.Symbol)
		assert.Positive(t, ev.ValueUsd)

		meta := map[string]string{}
		for _, m := range ev.Base.ProtocolMetadata {
			meta[m.Key] = m.Value
		}
		assert.Equal(t, "42", meta[events.KeyPositionID])
		assert.Equal(t, "0", meta[events.KeyCurrentTick])
		assert.Equal(t, "uniswap-v3", meta["protocol"])
	}
}

func TestProcessBatch_TransactionGasFee(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	e := newTestEngine(t, store.NewMemory(), sender, nil)

	blocks := []rpc.Block{{Height: 7, TimestampMs: 1_000, Hash: "0xb7", Events: []rpc.RawEvent{
		rawEvent(t, KindTransaction, 2, map[string]any{
			"asset": usdcAddr, "user": alice, "amount": "2500000", "action": "swap",
			"gasUsed": "21000", "gasPrice": "1000000000",
		}),
	}}}
	_, err := e.ProcessBatch(ctx, "uniswap-v3:usdc-weth", blocks)
	require.NoError(t, err)

	all := sender.all()
	require.Len(t, all, 1)
	tx, ok := all[0].(*events.TransactionEvent)
	require.True(t, ok)
	assert.Equal(t, "2500000", tx.RawAmount)
	assert.InDelta(t, 2.5, tx.DisplayAmount, 1e-9)
	assert.InDelta(t, 2.5, tx.ValueUsd, 1e-9)
	assert.InDelta(t, 21000.0, tx.GasUsed, 1e-9)
	// 21000 * 1 gwei = 0.000021 ETH at $2000
	assert.InDelta(t, 0.042, tx.GasFeeUsd, 1e-9)
	assert.Equal(t, "0xb7", tx.BlockHash)
	assert.Equal(t, int64(7), tx.BlockNumber)
}

func httpSink(t *testing.T) (*dispatch.Dispatcher, func() []map[string]any) {
	t.Helper()
	var (
		mu       sync.Mutex
		received []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var batch []map[string]any
		require.NoError(t, json.Unmarshal(raw, &batch))
		mu.Lock()
		received = append(received, batch...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	d, err := dispatch.New(dispatch.Config{BaseURL: srv.URL, APIKey: "secret", MaxRetries: -1, MinTime: 1}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return d, func() []map[string]any {
		mu.Lock()
		defer mu.Unlock()
		return append([]map[string]any(nil), received...)
	}
}

type adapterFunc func(*ScopeConfig, rpc.Block, rpc.RawEvent) (Decoded, error)

func (f adapterFunc) DecodeEvent(sc *ScopeConfig, blk rpc.Block, ev rpc.RawEvent) (Decoded, error) {
	return f(sc, blk, ev)
}

func TestProcessBatch_DeliversOverHTTP(t *testing.T) {
	d, received := httpSink(t)
	e := newTestEngine(t, store.NewMemory(), d, nil)

	res, err := e.ProcessBatch(context.Background(), "uniswap-v3:usdc-weth", transferBlocks(t))
	require.NoError(t, err)
	assert.True(t, res.Committed)

	got := received()
	require.Len(t, got, 5)
	assert.Equal(t, "timeWeightedBalance", got[0]["eventType"])
}

func TestProcessBatch_MalformedPoolIsRejected(t *testing.T) {
	d, received := httpSink(t)
	e := newTestEngine(t, store.NewMemory(), d, nil)
	const badPool = "0xdeadbeef"

	blocks := []rpc.Block{
		{Height: 1, TimestampMs: 0, Events: []rpc.RawEvent{
			transfer(t, zeroAddr, alice, "100", 0),
			rawEvent(t, KindPositionMint, 1, map[string]any{
				"positionId": "9", "poolId": badPool, "owner": alice,
				"liquidity": "1000", "tickLower": -60, "tickUpper": 60,
			}),
			rawEvent(t, KindPoolTick, 2, map[string]any{"poolId": badPool, "tick": 0}),
		}},
		{Height: 2, TimestampMs: 50, Events: []rpc.RawEvent{
			rawEvent(t, KindIncreaseLiquidity, 0, map[string]any{"positionId": "9", "poolId": badPool, "liquidity": "5"}),
			transfer(t, alice, bob, "30", 1),
		}},
	}
	res, err := e.ProcessBatch(context.Background(), "uniswap-v3:usdc-weth", blocks)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 3, res.RejectedEvents)
	assert.Equal(t, 1, res.Windows)

	got := received()
	require.Len(t, got, 1)
	assert.Equal(t, alice, got[0]["base"].(map[string]any)["userId"])
	assert.Equal(t, "100", got[0]["balanceBefore"])
}

func TestProcessBatch_DropsEventsTheSinkWouldRefuse(t *testing.T) {
	d, received := httpSink(t)
	const badPool = "0xdeadbeef"
	adapter := adapterFunc(func(sc *ScopeConfig, blk rpc.Block, ev rpc.RawEvent) (Decoded, error) {
		dec, err := JSONAdapter{}.DecodeEvent(sc, blk, ev)
		if err == nil && dec.Position != nil {
			dec.Position.PoolID = badPool
		}
		return dec, err
	})
	e, err := New(Config{WindowMs: 100, APIKey: "secret", RunnerID: "test"}, Deps{
		Registry: testRegistry(t),
		Adapter:  adapter,
		Store:    store.NewMemory(),
		Sender:   d,
		Prices:   testPrices(t),
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	blocks := []rpc.Block{
		{Height: 1, TimestampMs: 0, Events: []rpc.RawEvent{
			transfer(t, zeroAddr, alice, "100", 0),
			rawEvent(t, KindPositionMint, 1, map[string]any{
				"positionId": "9", "poolId": poolAddr, "owner": alice,
				"liquidity": "1000", "tickLower": -60, "tickUpper": 60,
			}),
			rawEvent(t, KindPoolTick, 2, map[string]any{"poolId": poolAddr, "tick": 0}),
		}},
		{Height: 2, TimestampMs: 150},
	}
	res, err := e.ProcessBatch(context.Background(), "uniswap-v3:usdc-weth", blocks)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	// the position's [0,100] boundary window carries the bad pool address
	assert.Equal(t, 1, res.RejectedEvents)
	assert.Equal(t, 1, res.Windows)

	got := received()
	require.Len(t, got, 1)
	assert.Equal(t, alice, got[0]["base"].(map[string]any)["userId"])
	assert.Equal(t, "exhausted", got[0]["timeWindowTrigger"])
}

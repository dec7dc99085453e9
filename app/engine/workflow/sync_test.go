package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/canopy-network/twbx/app/engine/activity"
	"github.com/canopy-network/twbx/app/engine/types"
	"github.com/canopy-network/twbx/pkg/accounting"
	"github.com/canopy-network/twbx/pkg/engine"
	"github.com/canopy-network/twbx/pkg/events"
	"github.com/canopy-network/twbx/pkg/pricing"
	"github.com/canopy-network/twbx/pkg/rpc"
	"github.com/canopy-network/twbx/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap/zaptest"
)

const (
	testScope = "erc20:usdc"
	usdcAddr  = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	holder    = "0x00000000000000000000000000000000000000a1"
)

// chainSource serves one block per height, minting to holder on the first one.
type chainSource struct {
	head  int64
	calls [][2]int64
}

func (s *chainSource) Head(context.Context, string) (rpc.Head, error) {
	return rpc.Head{Height: s.head, TimestampMs: s.head * 1000}, nil
}

func (s *chainSource) Blocks(_ context.Context, _ string, from, to int64) ([]rpc.Block, error) {
	s.calls = append(s.calls, [2]int64{from, to})
	out := make([]rpc.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		b := rpc.Block{Height: h, TimestampMs: h * 1000}
		if h == 1 {
			data, _ := json.Marshal(map[string]string{"asset": usdcAddr, "to": holder, "amount": "1000000"})
			b.Events = []rpc.RawEvent{{TxHash: "0x01", Kind: engine.KindTransfer, Data: data}}
		}
		out = append(out, b)
	}
	return out, nil
}

type nopSender struct{ events int }

func (s *nopSender) Send(_ context.Context, records []events.Event) error {
	s.events += len(records)
	return nil
}

func newWorkflowEnv(t *testing.T, src rpc.Source) (*testsuite.TestWorkflowEnvironment, *Context) {
	t.Helper()
	reg, err := engine.NewRegistry(&engine.ScopeConfig{
		Key:         testScope,
		Chain:       events.Chain{ChainArch: "evm", NetworkID: 1},
		Assets:      []accounting.Asset{{Key: usdcAddr, Symbol: "USDC", Decimals: 6, PriceKey: "usd-coin"}},
		StartHeight: 1,
	})
	require.NoError(t, err)
	prices, err := pricing.NewCache(pricing.Config{}, pricing.StaticOracle{"usd-coin": decimal.NewFromInt(1)}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	st := store.NewMemory()
	eng, err := engine.New(engine.Config{WindowMs: 2000, APIKey: "k"}, engine.Deps{
		Registry: reg, Store: st, Sender: &nopSender{}, Prices: prices, Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ac := &activity.Context{Logger: zaptest.NewLogger(t), Engine: eng, Store: st, Source: src}
	wc := &Context{ActivityContext: ac, Config: DefaultConfig()}

	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflowWithOptions(wc.ScopeSyncWorkflow, workflow.RegisterOptions{Name: ScopeSyncWorkflowName})
	env.RegisterActivity(ac.ProcessRange)
	return env, wc
}

func TestScopeSyncWorkflow_CatchesUpInBatches(t *testing.T) {
	src := &chainSource{head: 10}
	env, _ := newWorkflowEnv(t, src)

	env.ExecuteWorkflow(ScopeSyncWorkflowName, types.ScopeSyncInput{Scope: testScope, MaxBlocksPerBatch: 4})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var out types.ScopeSyncOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Equal(t, 3, out.Batches)
	assert.Equal(t, 10, out.Blocks)
	assert.Equal(t, int64(10), out.LastHeight)
	assert.Equal(t, [][2]int64{{1, 4}, {5, 8}, {9, 10}}, src.calls)
	// boundaries 2s..8s each close one exhausted window for the holder
	assert.Equal(t, 4, out.Windows)
}

func TestScopeSyncWorkflow_UpToDateIsNoop(t *testing.T) {
	src := &chainSource{head: 0}
	env, _ := newWorkflowEnv(t, src)

	env.ExecuteWorkflow(ScopeSyncWorkflowName, types.ScopeSyncInput{Scope: testScope})

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	var out types.ScopeSyncOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	assert.Zero(t, out.Batches)
	assert.Empty(t, src.calls)
}

func TestScopeSyncWorkflow_ContinuesAsNewAfterMaxBatches(t *testing.T) {
	src := &chainSource{head: 10}
	env, _ := newWorkflowEnv(t, src)

	env.ExecuteWorkflow(ScopeSyncWorkflowName, types.ScopeSyncInput{Scope: testScope, MaxBlocksPerBatch: 4, MaxBatches: 1})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	assert.True(t, workflow.IsContinueAsNewError(err))
	assert.Equal(t, [][2]int64{{1, 4}}, src.calls)
}

func TestScopeSyncWorkflow_UnknownScopeFailsFast(t *testing.T) {
	env, _ := newWorkflowEnv(t, &chainSource{head: 5})

	env.ExecuteWorkflow(ScopeSyncWorkflowName, types.ScopeSyncInput{Scope: "missing"})

	require.True(t, env.IsWorkflowCompleted())
	err := env.GetWorkflowError()
	require.Error(t, err)
	var appErr *sdktemporal.ApplicationError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, activity.ErrTypeUnknownScope, appErr.Type())
}

package accounting

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	alice = Address("0x00000000000000000000000000000000000000a1")
	bob   = Address("0x00000000000000000000000000000000000000b2")
	zero  = Address("0x0000000000000000000000000000000000000000")
)

var usdc = Asset{Key: "0xusdc", Symbol: "USDC", Decimals: 6, PriceKey: "usd-coin"}

func testScope() *ScopeState {
	st := NewScopeState(Scope{ChainID: 1, Key: "erc20:usdc"})
	st.RegisterAsset(usdc)
	return st
}

func mint(to Address, amount int64, ts int64) BalanceDelta {
	return BalanceDelta{Asset: usdc, From: zero, To: to, Amount: big.NewInt(amount), At: BlockRef{Ts: ts, Height: ts}, TxHash: "0xmint", LogIndex: 0}
}

func TestApplyDelta_FirstCreditEmitsNothing(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()

	windows, err := l.ApplyDelta(st, mint(alice, 100, 0))
	require.NoError(t, err)
	assert.Empty(t, windows)
	assert.Equal(t, "100", st.Balance(BalanceKey{Asset: usdc.Key, User: alice}).String())
}

func TestApplyDelta_SecondCreditClosesWindow(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()

	_, err := l.ApplyDelta(st, mint(alice, 100, 0))
	require.NoError(t, err)
	windows, err := l.ApplyDelta(st, mint(alice, 50, 50))
	require.NoError(t, err)

	require.Len(t, windows, 1)
	w := windows[0]
	assert.Equal(t, TriggerTransfer, w.Trigger)
	assert.Equal(t, int64(0), w.StartTs)
	assert.Equal(t, int64(50), w.EndTs)
	assert.Equal(t, "100", w.BalanceBefore.String())
	assert.Equal(t, "150", w.BalanceAfter.String())
	assert.Equal(t, "0xmint", w.TxHash)
	assert.Equal(t, int64(50), w.PriceAt)
}

func TestApplyDelta_TransferEmitsSenderWindowOnly(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()
	_, err := l.ApplyDelta(st, mint(alice, 100, 0))
	require.NoError(t, err)

	windows, err := l.ApplyDelta(st, BalanceDelta{Asset: usdc, From: alice, To: bob, Amount: big.NewInt(40), At: BlockRef{Ts: 30, Height: 3}, TxHash: "0xt"})
	require.NoError(t, err)

	require.Len(t, windows, 1)
	assert.Equal(t, alice, windows[0].User)
	assert.Equal(t, "60", windows[0].BalanceAfter.String())
	assert.Equal(t, "40", st.Balance(BalanceKey{Asset: usdc.Key, User: bob}).String())
}

func TestApplyDelta_NegativeBalanceRejectedWithoutMutation(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()
	_, err := l.ApplyDelta(st, mint(alice, 10, 0))
	require.NoError(t, err)
	st.MarkClean()

	windows, err := l.ApplyDelta(st, BalanceDelta{Asset: usdc, From: alice, To: bob, Amount: big.NewInt(11), At: BlockRef{Ts: 5, Height: 5}})
	require.ErrorIs(t, err, ErrNegativeBalance)
	assert.Nil(t, windows)
	assert.Equal(t, "10", st.Balance(BalanceKey{Asset: usdc.Key, User: alice}).String())
	assert.Equal(t, "0", st.Balance(BalanceKey{Asset: usdc.Key, User: bob}).String())
	assert.Empty(t, st.DirtyBalances())
}

func TestApplyDelta_SentinelsIgnored(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()

	windows, err := l.ApplyDelta(st, BalanceDelta{Asset: usdc, From: zero, To: "", Amount: big.NewInt(5)})
	require.NoError(t, err)
	assert.Empty(t, windows)
	assert.Empty(t, st.Balances)
}

func TestApplyDelta_BurnToZeroAddress(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()
	_, err := l.ApplyDelta(st, mint(alice, 10, 0))
	require.NoError(t, err)

	windows, err := l.ApplyDelta(st, BalanceDelta{Asset: usdc, From: alice, To: zero, Amount: big.NewInt(10), At: BlockRef{Ts: 20, Height: 2}})
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "0", windows[0].BalanceAfter.String())
	assert.Empty(t, st.ActiveKeys())
}

func TestApplyDelta_SelfTransferProducesTwoWindows(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()
	_, err := l.ApplyDelta(st, mint(alice, 100, 0))
	require.NoError(t, err)

	windows, err := l.ApplyDelta(st, BalanceDelta{Asset: usdc, From: alice, To: alice, Amount: big.NewInt(30), At: BlockRef{Ts: 40, Height: 4}})
	require.NoError(t, err)

	require.Len(t, windows, 2)
	assert.Equal(t, int64(0), windows[0].StartTs)
	assert.Equal(t, "70", windows[0].BalanceAfter.String())
	assert.Equal(t, int64(40), windows[1].StartTs)
	assert.Equal(t, int64(40), windows[1].EndTs)
	assert.Equal(t, "100", windows[1].BalanceAfter.String())
	assert.Equal(t, "100", st.Balance(BalanceKey{Asset: usdc.Key, User: alice}).String())
}

func TestApplyDelta_OutOfOrderRejected(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()
	_, err := l.ApplyDelta(st, mint(alice, 100, 50))
	require.NoError(t, err)

	_, err = l.ApplyDelta(st, mint(alice, 1, 10))
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, "100", st.Balance(BalanceKey{Asset: usdc.Key, User: alice}).String())
}

func TestApplyDelta_InvalidAmount(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	st := testScope()

	_, err := l.ApplyDelta(st, BalanceDelta{Asset: usdc, To: alice, Amount: big.NewInt(0)})
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = l.ApplyDelta(st, BalanceDelta{Asset: usdc, To: alice})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, Address("0x00000000000000000000000000000000000000ab"), NormalizeAddress(" 0x00000000000000000000000000000000000000AB "))
	assert.Equal(t, Address("So11111111111111111111111111111111111111112"), NormalizeAddress("So11111111111111111111111111111111111111112"))
	assert.True(t, zero.IsSentinel())
	assert.True(t, Address("11111111111111111111111111111111").IsSentinel())
	assert.False(t, alice.IsSentinel())
}

package accounting

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSweeper(t *testing.T, windowMs int64, max int) *Sweeper {
	t.Helper()
	s, err := NewSweeper(SweeperConfig{WindowMs: windowMs, MaxBoundaries: max}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func TestNextBoundary(t *testing.T) {
	assert.Equal(t, int64(100), NextBoundary(0, 100))
	assert.Equal(t, int64(100), NextBoundary(50, 100))
	assert.Equal(t, int64(200), NextBoundary(100, 100))
	assert.Equal(t, int64(0), NextBoundary(-50, 100))
}

func TestNewSweeper_RejectsNonPositiveWindow(t *testing.T) {
	_, err := NewSweeper(SweeperConfig{WindowMs: 0}, nil)
	require.ErrorIs(t, err, ErrInvalidWindow)
}

func TestSweep_FirstCallInitializesWatermark(t *testing.T) {
	s := newTestSweeper(t, 100, 0)
	st := testScope()

	windows := s.Sweep(st, 1234, 7)
	assert.Empty(t, windows)
	assert.True(t, st.Process.Initialized)
	assert.Equal(t, int64(1234), st.Process.LastInterpolatedTs)
}

func TestSweep_DormantHolderScenario(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	s := newTestSweeper(t, 100, 0)
	st := testScope()

	_, err := l.ApplyDelta(st, mint(alice, 100, 0))
	require.NoError(t, err)
	assert.Empty(t, s.Sweep(st, 0, 0))

	_, err = l.ApplyDelta(st, mint(alice, 50, 50))
	require.NoError(t, err)
	assert.Empty(t, s.Sweep(st, 50, 50))

	windows := s.Sweep(st, 250, 250)
	require.Len(t, windows, 2)
	assert.Equal(t, TriggerExhausted, windows[0].Trigger)
	assert.Equal(t, int64(50), windows[0].StartTs)
	assert.Equal(t, int64(100), windows[0].EndTs)
	assert.Equal(t, int64(100), windows[0].PriceAt)
	assert.Equal(t, int64(100), windows[1].StartTs)
	assert.Equal(t, int64(200), windows[1].EndTs)
	assert.Equal(t, "150", windows[1].BalanceBefore.String())
	assert.Equal(t, "150", windows[1].BalanceAfter.String())
	assert.Equal(t, usdc, windows[1].Asset)
	assert.Equal(t, int64(200), st.Process.LastInterpolatedTs)

	assert.Empty(t, s.Sweep(st, 250, 251))
	assert.Empty(t, s.Sweep(st, 300, 300))
	require.Len(t, s.Sweep(st, 301, 301), 1)
}

func TestSweep_OneBoundaryPerCallWhenCapped(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	s := newTestSweeper(t, 100, 1)
	st := testScope()
	s.Sweep(st, 0, 0)
	_, err := l.ApplyDelta(st, mint(alice, 100, 0))
	require.NoError(t, err)
	_, err = l.ApplyDelta(st, mint(alice, 50, 50))
	require.NoError(t, err)

	first := s.Sweep(st, 250, 250)
	require.Len(t, first, 1)
	assert.Equal(t, int64(50), first[0].StartTs)
	assert.Equal(t, int64(100), first[0].EndTs)
	assert.Equal(t, int64(100), st.Process.LastInterpolatedTs)

	second := s.Sweep(st, 250, 250)
	require.Len(t, second, 1)
	assert.Equal(t, int64(100), second[0].StartTs)
	assert.Equal(t, int64(200), second[0].EndTs)

	assert.Empty(t, s.Sweep(st, 250, 250))
}

func TestSweep_DormancyCoverage(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	s := newTestSweeper(t, 10, 0)
	st := testScope()
	s.Sweep(st, 0, 0)
	_, err := l.ApplyDelta(st, mint(alice, 7, 0))
	require.NoError(t, err)

	const n = 25
	windows := s.Sweep(st, n*10+1, 99)
	require.Len(t, windows, n)

	prevEnd := int64(0)
	for _, w := range windows {
		assert.Equal(t, prevEnd, w.StartTs, "windows must be contiguous")
		assert.Greater(t, w.EndTs, w.StartTs)
		prevEnd = w.EndTs
	}
}

func TestSweep_SkipsZeroBalancesAndFreshUpdates(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	s := newTestSweeper(t, 100, 0)
	st := testScope()
	s.Sweep(st, 0, 0)

	_, err := l.ApplyDelta(st, mint(alice, 10, 0))
	require.NoError(t, err)
	_, err = l.ApplyDelta(st, mint(bob, 10, 0))
	require.NoError(t, err)
	_, err = l.ApplyDelta(st, BalanceDelta{Asset: usdc, From: bob, To: zero, Amount: big.NewInt(10), At: BlockRef{Ts: 20, Height: 2}})
	require.NoError(t, err)
	_, err = l.ApplyDelta(st, mint(alice, 1, 150))
	require.NoError(t, err)

	windows := s.Sweep(st, 160, 16)
	assert.Empty(t, windows, "alice was updated after boundary 100 and bob holds nothing")
	assert.Equal(t, int64(100), st.Process.LastInterpolatedTs)
}

func TestSweep_CatchUpResumesWithoutSkipping(t *testing.T) {
	l := NewLedger(zaptest.NewLogger(t))
	s := newTestSweeper(t, 10, 3)
	st := testScope()
	s.Sweep(st, 0, 0)
	_, err := l.ApplyDelta(st, mint(alice, 1, 0))
	require.NoError(t, err)

	var all []HistoryWindow
	for i := 0; i < 5; i++ {
		all = append(all, s.Sweep(st, 101, 10)...)
	}
	require.Len(t, all, 10)
	for i, w := range all {
		assert.Equal(t, int64(i*10), w.StartTs)
		assert.Equal(t, int64(i*10+10), w.EndTs)
	}
}

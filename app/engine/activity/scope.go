package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/twbx/app/engine/types"
	"github.com/canopy-network/twbx/pkg/engine"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.uber.org/zap"
)

// Application error types surfaced to workflows.
const (
	ErrTypeUnknownScope = "unknown_scope"
	ErrTypeBlockOrder   = "block_order"
	ErrTypeBadRange     = "bad_range"
)

// GetScopeProgress returns the next uncommitted height of the scope and the source head.
func (ac *Context) GetScopeProgress(ctx context.Context, in types.ScopeInput) (types.ScopeProgress, error) {
	sc, err := ac.Engine.Registry().Lookup(in.Scope)
	if err != nil {
		return types.ScopeProgress{}, classify(err)
	}

	st, err := ac.Store.LoadScope(ctx, sc.Scope())
	if err != nil {
		return types.ScopeProgress{}, fmt.Errorf("load scope %s: %w", in.Scope, err)
	}
	head, err := ac.Source.Head(ctx, in.Scope)
	if err != nil {
		return types.ScopeProgress{}, fmt.Errorf("source head %s: %w", in.Scope, err)
	}

	next := sc.StartHeight
	if st.Process.Initialized && st.Process.LastHeight >= next {
		next = st.Process.LastHeight + 1
	}
	return types.ScopeProgress{
		Scope:              in.Scope,
		NextHeight:         next,
		Head:               head.Height,
		LastInterpolatedTs: st.Process.LastInterpolatedTs,
	}, nil
}

// ProcessRange fetches [From, To] from the source and runs it through the engine as one batch. The batch
// is committed only after every produced event was delivered, so a failed attempt is safe to retry.
func (ac *Context) ProcessRange(ctx context.Context, in types.ProcessRangeInput) (types.ProcessRangeOutput, error) {
	start := time.Now()
	if in.From > in.To {
		return types.ProcessRangeOutput{}, sdktemporal.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid range [%d, %d]", in.From, in.To), ErrTypeBadRange, nil)
	}

	blocks, err := ac.Source.Blocks(ctx, in.Scope, in.From, in.To)
	if err != nil {
		return types.ProcessRangeOutput{}, fmt.Errorf("fetch blocks %s [%d, %d]: %w", in.Scope, in.From, in.To, err)
	}

	res, err := ac.Engine.ProcessBatch(ctx, in.Scope, blocks)
	if err != nil {
		ac.Logger.Error("batch failed",
			zap.String("scope", in.Scope),
			zap.Int64("from", in.From),
			zap.Int64("to", in.To),
			zap.Error(err))
		return types.ProcessRangeOutput{}, classify(err)
	}

	lastHeight := res.ToHeight
	if res.Blocks == 0 {
		lastHeight = in.To
	}
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	return types.ProcessRangeOutput{
		Blocks:             res.Blocks,
		SkippedBlocks:      res.SkippedBlocks,
		Windows:            res.Windows,
		Transactions:       res.Transactions,
		RejectedEvents:     res.RejectedEvents,
		LastHeight:         lastHeight,
		LastInterpolatedTs: res.LastInterpolatedTs,
		DurationMs:         durationMs,
	}, nil
}

// classify marks errors that retrying cannot fix.
func classify(err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownScope):
		return sdktemporal.NewNonRetryableApplicationError(err.Error(), ErrTypeUnknownScope, err)
	case errors.Is(err, engine.ErrBlockOrder):
		return sdktemporal.NewNonRetryableApplicationError(err.Error(), ErrTypeBlockOrder, err)
	default:
		return err
	}
}

package workflow

import (
	"time"

	"github.com/canopy-network/twbx/app/engine/activity"
	"github.com/canopy-network/twbx/app/engine/types"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// ScopeSyncWorkflow brings one scope up to the source head in consecutive batches. Batches run strictly
// one after another because each depends on the state committed by the previous one. After MaxBatches
// the workflow continues as new to keep the history small.
func (wc *Context) ScopeSyncWorkflow(ctx workflow.Context, in types.ScopeSyncInput) (types.ScopeSyncOutput, error) {
	logger := workflow.GetLogger(ctx)
	cfg := wc.effective(in)

	// Progress reads are cheap and run in-process.
	localCtx := workflow.WithLocalActivityOptions(ctx, workflow.LocalActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:        500 * time.Millisecond,
			BackoffCoefficient:     2.0,
			MaximumInterval:        10 * time.Second,
			MaximumAttempts:        5,
			NonRetryableErrorTypes: []string{activity.ErrTypeUnknownScope},
		},
	})
	// Delivery failures are retried here as well, after the dispatcher exhausted its own retries.
	batchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: cfg.BatchTimeout,
		RetryPolicy: &sdktemporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			NonRetryableErrorTypes: []string{activity.ErrTypeUnknownScope, activity.ErrTypeBlockOrder, activity.ErrTypeBadRange},
		},
	})

	var progress types.ScopeProgress
	if err := workflow.ExecuteLocalActivity(localCtx, wc.ActivityContext.GetScopeProgress, types.ScopeInput{Scope: in.Scope}).Get(localCtx, &progress); err != nil {
		return types.ScopeSyncOutput{}, err
	}
	head := progress.Head
	if in.TargetHead > 0 && in.TargetHead < head {
		head = in.TargetHead
	}

	out := types.ScopeSyncOutput{Scope: in.Scope, Head: head, LastHeight: progress.NextHeight - 1}
	if progress.NextHeight > head {
		return out, nil
	}

	logger.Info("scope sync starting",
		"scope", in.Scope,
		"from", progress.NextHeight,
		"head", head,
		"is_continuation", in.TargetHead > 0)

	from := progress.NextHeight
	for from <= head && out.Batches < cfg.MaxBatches {
		to := from + cfg.MaxBlocksPerBatch - 1
		if to > head {
			to = head
		}

		var res types.ProcessRangeOutput
		err := workflow.ExecuteActivity(batchCtx, wc.ActivityContext.ProcessRange, types.ProcessRangeInput{
			Scope: in.Scope,
			From:  from,
			To:    to,
		}).Get(batchCtx, &res)
		if err != nil {
			return out, err
		}

		out.Batches++
		out.Blocks += res.Blocks
		out.Windows += res.Windows
		out.Transactions += res.Transactions
		out.LastHeight = to
		from = to + 1
	}

	if from <= head {
		logger.Info("scope sync continuing as new", "scope", in.Scope, "next", from, "head", head)
		next := in
		next.TargetHead = head
		return out, workflow.NewContinueAsNewError(ctx, ScopeSyncWorkflowName, next)
	}

	logger.Info("scope sync complete",
		"scope", in.Scope,
		"batches", out.Batches,
		"windows", out.Windows,
		"last_height", out.LastHeight)
	return out, nil
}

func (wc *Context) effective(in types.ScopeSyncInput) Config {
	cfg := wc.Config
	def := DefaultConfig()
	if in.MaxBlocksPerBatch > 0 {
		cfg.MaxBlocksPerBatch = in.MaxBlocksPerBatch
	}
	if in.MaxBatches > 0 {
		cfg.MaxBatches = in.MaxBatches
	}
	if cfg.MaxBlocksPerBatch <= 0 {
		cfg.MaxBlocksPerBatch = def.MaxBlocksPerBatch
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = def.BatchTimeout
	}
	return cfg
}

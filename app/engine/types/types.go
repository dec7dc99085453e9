package types

// ScopeInput names one registry scope.
type ScopeInput struct {
	Scope string `json:"scope"`
}

// ScopeProgress is where a scope stands against the source head.
type ScopeProgress struct {
	Scope string `json:"scope"`
	// NextHeight is the first block not yet committed.
	NextHeight int64 `json:"nextHeight"`
	Head       int64 `json:"head"`
	// LastInterpolatedTs is the sweep watermark.
	LastInterpolatedTs int64 `json:"lastInterpolatedTs"`
}

// Pending reports whether blocks remain to be processed.
func (p ScopeProgress) Pending() bool { return p.NextHeight <= p.Head }

// ProcessRangeInput is one batch [From, To] of a scope.
type ProcessRangeInput struct {
	Scope string `json:"scope"`
	From  int64  `json:"from"`
	To    int64  `json:"to"`
}

// ProcessRangeOutput summarizes a committed batch.
type ProcessRangeOutput struct {
	Blocks             int     `json:"blocks"`
	SkippedBlocks      int     `json:"skippedBlocks"`
	Windows            int     `json:"windows"`
	Transactions       int     `json:"transactions"`
	RejectedEvents     int     `json:"rejectedEvents"`
	LastHeight         int64   `json:"lastHeight"`
	LastInterpolatedTs int64   `json:"lastInterpolatedTs"`
	DurationMs         float64 `json:"durationMs"`
}

// ScopeSyncInput drives ScopeSyncWorkflow.
type ScopeSyncInput struct {
	Scope string `json:"scope"`
	// MaxBlocksPerBatch bounds each ProcessRange call.
	MaxBlocksPerBatch int64 `json:"maxBlocksPerBatch"`
	// MaxBatches bounds one run before continuing as new.
	MaxBatches int `json:"maxBatches"`
	// TargetHead pins the head across continuations.
	TargetHead int64 `json:"targetHead,omitempty"`
}

// ScopeSyncOutput totals one workflow run.
type ScopeSyncOutput struct {
	Scope        string `json:"scope"`
	Batches      int    `json:"batches"`
	Blocks       int    `json:"blocks"`
	Windows      int    `json:"windows"`
	Transactions int    `json:"transactions"`
	LastHeight   int64  `json:"lastHeight"`
	Head         int64  `json:"head"`
}

package workflow

import (
	"time"

	"github.com/canopy-network/twbx/app/engine/activity"
)

const ScopeSyncWorkflowName = "ScopeSyncWorkflow"

// Config bounds scope sync runs.
type Config struct {
	MaxBlocksPerBatch int64
	MaxBatches        int
	BatchTimeout      time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MaxBlocksPerBatch: 500,
		MaxBatches:        200,
		BatchTimeout:      10 * time.Minute,
	}
}

// Context holds what workflows need to schedule activities.
type Context struct {
	ActivityContext *activity.Context
	Config          Config
}

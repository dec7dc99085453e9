package activity

import (
	"runtime"

	"github.com/canopy-network/twbx/pkg/engine"
	"github.com/canopy-network/twbx/pkg/rpc"
	"github.com/canopy-network/twbx/pkg/store"
	"go.uber.org/zap"
)

// Context carries the dependencies shared by all engine activities.
type Context struct {
	Logger *zap.Logger
	Engine *engine.Engine
	// Store is read for progress; writes go through Engine.
	Store  store.Store
	Source rpc.Source
}

// WorkerParallelism sizes the shared valuation pool: four workers per CPU, capped.
func WorkerParallelism(override int) int {
	if override > 0 {
		if override > 512 {
			return 512
		}
		return override
	}

	n := runtime.NumCPU() * 4
	if n < 2 {
		n = 2
	}
	if n > 512 {
		n = 512
	}
	return n
}

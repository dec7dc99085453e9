package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/twbx/app/engine/types"
	"github.com/canopy-network/twbx/app/engine/workflow"
	"github.com/canopy-network/twbx/pkg/temporal"
	"github.com/robfig/cron/v3"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// WorkflowStarter is the part of client.Client the scheduler needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Scheduler starts one sync workflow per scope on every cron tick. A scope whose workflow is still
// running is left alone.
type Scheduler struct {
	Starter           WorkflowStarter
	Queue             string
	Scopes            []string
	MaxBlocksPerBatch int64
	MaxBatches        int
	Logger            *zap.Logger

	cron *cron.Cron
}

// Tick starts or attaches to the sync workflow of every scope.
func (s *Scheduler) Tick(ctx context.Context) error {
	var errs []error
	for _, scope := range s.Scopes {
		opts := client.StartWorkflowOptions{
			ID:                       temporal.ScopeSyncWorkflowID(scope),
			TaskQueue:                s.Queue,
			WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
			WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		}
		run, err := s.Starter.ExecuteWorkflow(ctx, opts, workflow.ScopeSyncWorkflowName, types.ScopeSyncInput{
			Scope:             scope,
			MaxBlocksPerBatch: s.MaxBlocksPerBatch,
			MaxBatches:        s.MaxBatches,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("start sync %s: %w", scope, err))
			continue
		}
		s.Logger.Debug("scope sync scheduled",
			zap.String("scope", scope),
			zap.String("workflowId", run.GetID()),
			zap.String("runId", run.GetRunID()))
	}
	return errors.Join(errs...)
}

// Setup registers Tick on cronSpec. The spec has a leading seconds field.
func (s *Scheduler) Setup(ctx context.Context, logger cron.Logger, cronSpec string) error {
	s.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))

	_, err := s.cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := s.Tick(rctx); err != nil {
			s.Logger.Warn("[scheduler] tick error", zap.Error(err))
		}
	})
	return err
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler and waits for a running tick.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

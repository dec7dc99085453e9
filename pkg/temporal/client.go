package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/twbx/pkg/utils"
	"go.uber.org/zap"

	"go.temporal.io/api/enums/v1"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	workflowservicepb "go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
)

// Defaults for the engine deployment.
const (
	DefaultNamespace = "twbx"
	DefaultQueue     = "engine"

	// WorkflowIDScopeSync keeps at most one sync workflow per scope.
	WorkflowIDScopeSync = "sync:%s"
)

type Client struct {
	TClient   client.Client
	Namespace string

	// EngineQueue serves scope sync workflows and their batch activities.
	EngineQueue string
}

type Health struct {
	ConnectionOK bool                      `json:"connection_ok"`
	EngineQueue  []*taskqueuepb.PollerInfo `json:"engine_queue"`
}

// NewClient connects using TEMPORAL_HOSTPORT, TEMPORAL_NAMESPACE and TEMPORAL_QUEUE.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", DefaultNamespace)
	queue := utils.Env("TEMPORAL_QUEUE", DefaultQueue)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))
	tClient, err := Dial(ctx, host, ns, NewZapAdapter(logger))
	if err != nil {
		return nil, err
	}

	if _, err = tClient.CheckHealth(ctx, nil); err != nil {
		tClient.Close()
		return nil, err
	}

	return &Client{
		TClient:     tClient,
		Namespace:   ns,
		EngineQueue: queue,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// ScopeSyncWorkflowID returns the workflow id of the sync workflow for scope.
func ScopeSyncWorkflowID(scope string) string {
	return fmt.Sprintf(WorkflowIDScopeSync, scope)
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.TClient != nil {
		c.TClient.Close()
	}
}

// Health returns the health of the Temporal client.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	svc := c.TClient.WorkflowService()
	if svc != nil {
		rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.EngineQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		})
		if err != nil {
			h.ConnectionOK = false
			return h, err
		}
		h.EngineQueue = rep.GetPollers()
	}
	return h, nil
}

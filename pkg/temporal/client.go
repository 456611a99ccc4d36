package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/utils"
	"go.uber.org/zap"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	workflowservicepb "go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
)

type Client struct {
	TClient   client.Client
	TSClient  client.ScheduleClient
	Namespace string

	PromoterQueue string // promoter - promotion workflows and their activities

	PromoteScheduleID string
}

type Health struct {
	ConnectionOK  bool                      `json:"connection_ok"`
	PromoterQueue []*taskqueuepb.PollerInfo `json:"promoter_queue"`
}

// NewClient dials TEMPORAL_HOSTPORT in TEMPORAL_NAMESPACE and checks the connection.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", DefaultNamespace)

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
		TClient:           tClient,
		TSClient:          tClient.ScheduleClient(),
		Namespace:         ns,
		PromoterQueue:     utils.Env("TEMPORAL_QUEUE", QueuePromoter),
		PromoteScheduleID: SchedulePromoteChunks,
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

// Close closes the underlying connection.
func (c *Client) Close() {
	c.TClient.Close()
}

// Health reports the pollers currently attached to the promoter queue.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	if _, err := c.TClient.CheckHealth(ctx, nil); err != nil {
		h.ConnectionOK = false
		return h, err
	}
	svc := c.TClient.WorkflowService()
	if svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservicepb.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.PromoterQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.PromoterQueue = rep.GetPollers()
		}
	}
	return h, nil
}

// EnsureSchedule creates the schedule described by opts unless one with the same id exists.
// It reports whether a schedule was created.
func EnsureSchedule(ctx context.Context, sc client.ScheduleClient, logger *zap.Logger, opts client.ScheduleOptions) (bool, error) {
	h := sc.GetHandle(ctx, opts.ID)
	_, err := h.Describe(ctx)
	if err == nil {
		logger.Info("Schedule already exists", zap.String("id", opts.ID))
		return false, nil
	}

	var notFound *serviceerror.NotFound
	if !errors.As(err, &notFound) {
		return false, fmt.Errorf("describe schedule %s: %w", opts.ID, err)
	}

	logger.Info("Creating schedule", zap.String("id", opts.ID))
	if _, err := sc.Create(ctx, opts); err != nil {
		return false, fmt.Errorf("create schedule %s: %w", opts.ID, err)
	}
	return true, nil
}

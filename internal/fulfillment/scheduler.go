package fulfillment

import (
	"context"
	"log"

	"go.temporal.io/sdk/client"

	"github.com/MikeMC777/marketplace-engine/internal/config"
	"github.com/MikeMC777/marketplace-engine/internal/order"
)

// WorkflowClient is the subset of client.Client the scheduler uses.
type WorkflowClient interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
	SignalWorkflow(ctx context.Context, workflowID, runID, signalName string, arg interface{}) error
}

// Scheduler starts and signals item timer workflows as items change state.
// It implements order.Notifier.
type Scheduler struct {
	client  WorkflowClient
	queue   string
	windows config.Windows
}

func NewScheduler(c WorkflowClient, queue string, w config.Windows) *Scheduler {
	return &Scheduler{client: c, queue: queue, windows: w}
}

func WorkflowID(itemID string) string { return "item-timers-" + itemID }

func (s *Scheduler) ItemTransitioned(ctx context.Context, t order.Transition) {
	var err error
	switch t.To {
	case order.StatusPaid:
		_, err = s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        WorkflowID(t.ItemID),
			TaskQueue: s.queue,
		}, ItemTimersWorkflow, ItemTimersInput{ItemID: t.ItemID, Windows: s.windows})
	case order.StatusProcessing:
		return
	case order.StatusShipped:
		err = s.signal(ctx, t.ItemID, SignalShipped)
	case order.StatusDelivered:
		err = s.signal(ctx, t.ItemID, SignalDelivered)
	default:
		if t.From == order.StatusPendingPayment {
			// never paid, so no timers were started
			return
		}
		err = s.signal(ctx, t.ItemID, SignalClosed)
	}
	if err != nil {
		log.Printf("[fulfillment] item=%s %s -> %s: %v", t.ItemID, t.From, t.To, err)
	}
}

func (s *Scheduler) signal(ctx context.Context, itemID, name string) error {
	return s.client.SignalWorkflow(ctx, WorkflowID(itemID), "", name, nil)
}

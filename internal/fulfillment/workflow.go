// Package fulfillment runs the time-gated item transitions (ship-by
// cancellation, delivery timeout, auto-confirmation) as Temporal workflows.
package fulfillment

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/MikeMC777/marketplace-engine/internal/config"
)

const (
	SignalShipped   = "item-shipped"
	SignalDelivered = "item-delivered"
	SignalClosed    = "item-closed"
	QueryStage      = "stage"
)

type Stage string

const (
	StageAwaitingShipment Stage = "awaiting_shipment"
	StageInTransit        Stage = "in_transit"
	StageDelivered        Stage = "delivered"
	StageCompleted        Stage = "completed"
	StageCancelled        Stage = "cancelled"
	// StageClosed means the item left the timed path (disputed, cancelled or
	// confirmed by a person) and no timer applies any more.
	StageClosed Stage = "closed"
	// StageSuperseded means a timer fired but the item had already moved on.
	StageSuperseded Stage = "superseded"
)

type ItemTimersInput struct {
	ItemID  string
	Windows config.Windows
}

// ItemTimersWorkflow starts when an item is paid. Each stage arms one timer;
// a signal moves the item to the next stage and re-arms, an expired timer
// applies the system transition for that stage.
func ItemTimersWorkflow(ctx workflow.Context, in ItemTimersInput) (Stage, error) {
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        20,
			NonRetryableErrorTypes: []string{ErrTypeRejected},
		},
	})

	stage := StageAwaitingShipment
	if err := workflow.SetQueryHandler(ctx, QueryStage, func() (Stage, error) { return stage, nil }); err != nil {
		return "", err
	}

	sigShipped := workflow.GetSignalChannel(ctx, SignalShipped)
	sigDelivered := workflow.GetSignalChannel(ctx, SignalDelivered)
	sigClosed := workflow.GetSignalChannel(ctx, SignalClosed)

	var a *Activities
	var (
		timer  workflow.Future
		cancel workflow.CancelFunc
		armed  Stage
	)
	for {
		var (
			window   time.Duration
			activity interface{}
			next     Stage
		)
		switch stage {
		case StageAwaitingShipment:
			window, activity, next = in.Windows.ShipBy, a.CancelUnshipped, StageCancelled
		case StageInTransit:
			window, activity, next = in.Windows.Delivery, a.MarkDelivered, StageDelivered
		case StageDelivered:
			window, activity, next = in.Windows.Confirmation, a.AutoComplete, StageCompleted
		default:
			if cancel != nil {
				cancel()
			}
			logger.Info("Item timers finished", "itemID", in.ItemID, "stage", stage)
			return stage, nil
		}

		if armed != stage {
			if cancel != nil {
				cancel()
			}
			var timerCtx workflow.Context
			timerCtx, cancel = workflow.WithCancel(ctx)
			timer = workflow.NewTimer(timerCtx, window)
			armed = stage
		}

		fired := false
		selector := workflow.NewSelector(ctx)
		selector.AddReceive(sigShipped, func(ch workflow.ReceiveChannel, _ bool) {
			ch.Receive(ctx, nil)
			if stage == StageAwaitingShipment {
				stage = StageInTransit
			}
		})
		selector.AddReceive(sigDelivered, func(ch workflow.ReceiveChannel, _ bool) {
			ch.Receive(ctx, nil)
			if stage == StageAwaitingShipment || stage == StageInTransit {
				stage = StageDelivered
			}
		})
		selector.AddReceive(sigClosed, func(ch workflow.ReceiveChannel, _ bool) {
			ch.Receive(ctx, nil)
			stage = StageClosed
		})
		selector.AddFuture(timer, func(f workflow.Future) {
			fired = f.Get(ctx, nil) == nil
		})
		selector.Select(ctx)
		if !fired {
			continue
		}

		logger.Info("Window elapsed", "itemID", in.ItemID, "stage", stage)
		err := workflow.ExecuteActivity(ctx, activity, in.ItemID).Get(ctx, nil)
		var appErr *temporal.ApplicationError
		switch {
		case err == nil:
			stage = next
		case errors.As(err, &appErr) && appErr.Type() == ErrTypeRejected:
			logger.Info("Item already moved on", "itemID", in.ItemID, "error", err)
			stage = StageSuperseded
		default:
			logger.Error("Timed transition failed", "itemID", in.ItemID, "error", err)
			return stage, err
		}
	}
}

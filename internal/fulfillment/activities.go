package fulfillment

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/order"
)

// ErrTypeRejected marks a transition the item's current state no longer
// allows. Retrying it cannot succeed.
const ErrTypeRejected = "TransitionRejected"

// Applier is the part of order.Lifecycle the activities drive.
type Applier interface {
	Apply(ctx context.Context, cmd order.Command) (*order.Item, error)
}

type Activities struct {
	Orders Applier
}

func (a *Activities) CancelUnshipped(ctx context.Context, itemID string) error {
	return a.apply(ctx, itemID, order.StatusCancelled)
}

func (a *Activities) MarkDelivered(ctx context.Context, itemID string) error {
	return a.apply(ctx, itemID, order.StatusDelivered)
}

func (a *Activities) AutoComplete(ctx context.Context, itemID string) error {
	return a.apply(ctx, itemID, order.StatusCompleted)
}

func (a *Activities) apply(ctx context.Context, itemID string, to order.Status) error {
	logger := activity.GetLogger(ctx)
	logger.Info("Applying timed transition", "itemID", itemID, "to", to)

	it, err := a.Orders.Apply(ctx, order.Command{ItemID: itemID, To: to, Actor: order.System})
	if err == nil {
		logger.Info("Timed transition applied", "itemID", itemID, "status", it.Status)
		return nil
	}
	if permanent(err) {
		logger.Warn("Timed transition rejected", "itemID", itemID, "to", to, "error", err)
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeRejected, err)
	}
	return err
}

// permanent reports whether err will not change on retry. A window that has
// not quite elapsed on this host's clock is retried.
func permanent(err error) bool {
	var te *apperr.TransitionError
	if errors.As(err, &te) {
		return !order.CanTransition(order.Status(te.From), order.Status(te.To))
	}
	return errors.Is(err, apperr.ErrForbidden) ||
		errors.Is(err, apperr.ErrValidation) ||
		errors.Is(err, apperr.ErrNotFound)
}

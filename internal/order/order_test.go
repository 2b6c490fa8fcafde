package order

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/config"
	"github.com/MikeMC777/marketplace-engine/internal/fees"
	"github.com/MikeMC777/marketplace-engine/internal/ledger"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
)

func init() { log.SetOutput(io.Discard) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	buyer  = Actor{Kind: ActorBuyer, ID: "buyer-1"}
	seller = Actor{Kind: ActorSeller, ID: "seller-1"}
	admin  = Actor{Kind: ActorAdmin, ID: "ops"}
)

type fixture struct {
	store  *MemStore
	ledger *ledger.Memory
	lc     *Lifecycle
	clock  time.Time
	events []Transition
	mu     sync.Mutex
}

func (f *fixture) ItemTransitioned(_ context.Context, t Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, t)
}

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func breakdown(t *testing.T) fees.Breakdown {
	t.Helper()
	ent, ok := plan.DefaultTable().Lookup(plan.Key{AccountType: plan.Personal, Tier: plan.FreeTier})
	require.True(t, ok)
	b, err := fees.ComputeFees(d("100"), fees.Extras{}, ent)
	require.NoError(t, err)
	return b
}

func newFixture(t *testing.T, itemIDs ...string) *fixture {
	t.Helper()
	if len(itemIDs) == 0 {
		itemIDs = []string{"item-1"}
	}
	f := &fixture{
		store:  NewMemStore(),
		ledger: ledger.NewMemory(),
		clock:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.lc = NewLifecycle(f.store, f.ledger, config.DefaultWindows())
	f.lc.Now = func() time.Time { return f.clock }
	f.lc.Notifier = f

	o := &Order{ID: "order-1", BuyerID: "buyer-1", Status: StatusPendingPayment, Total: d("104.5")}
	var items []Item
	for _, id := range itemIDs {
		items = append(items, Item{
			ID: id, SellerID: "seller-1", ListingID: "listing-" + id, Quantity: 1,
			PriceAtPurchase: d("100"), Fees: breakdown(t), Status: StatusPendingPayment,
		})
	}
	require.NoError(t, f.store.CreateOrder(context.Background(), o, items))
	return f
}

func (f *fixture) apply(t *testing.T, cmd Command) *Item {
	t.Helper()
	it, err := f.lc.Apply(context.Background(), cmd)
	require.NoError(t, err)
	return it
}

func (f *fixture) pay(t *testing.T) {
	t.Helper()
	_, err := f.lc.HandleEvent(context.Background(), ExternalEvent{ID: "evt-pay", Kind: EventPaymentSucceeded, OrderID: "order-1"})
	require.NoError(t, err)
}

func (f *fixture) ship(t *testing.T) {
	t.Helper()
	f.pay(t)
	f.apply(t, Command{ItemID: "item-1", To: StatusShipped, Actor: seller, TrackingNumber: "BG1", Carrier: "speedy"})
}

func (f *fixture) deliver(t *testing.T) {
	t.Helper()
	f.ship(t)
	f.apply(t, Command{ItemID: "item-1", To: StatusDelivered, Actor: System})
}

func (f *fixture) item(t *testing.T) Item {
	t.Helper()
	it, err := f.store.GetItem(context.Background(), "item-1")
	require.NoError(t, err)
	return *it
}

func (f *fixture) disputes(t *testing.T) []Dispute {
	t.Helper()
	ds, err := f.store.ListDisputes(context.Background(), "item-1")
	require.NoError(t, err)
	return ds
}

func TestCanTransition(t *testing.T) {
	valid := [][2]Status{
		{StatusPendingPayment, StatusPaid}, {StatusPendingPayment, StatusCancelled},
		{StatusPaid, StatusProcessing}, {StatusPaid, StatusShipped}, {StatusPaid, StatusCancelled},
		{StatusProcessing, StatusShipped}, {StatusProcessing, StatusCancelled},
		{StatusShipped, StatusDelivered}, {StatusShipped, StatusDisputed},
		{StatusDelivered, StatusCompleted}, {StatusDelivered, StatusDisputed},
		{StatusDisputed, StatusCompleted}, {StatusDisputed, StatusCancelled},
	}
	for _, e := range valid {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
	invalid := [][2]Status{
		{StatusPaid, StatusCompleted}, {StatusPendingPayment, StatusShipped},
		{StatusShipped, StatusCancelled}, {StatusDelivered, StatusCancelled},
		{StatusCompleted, StatusDisputed}, {StatusCancelled, StatusPaid},
		{StatusPaid, StatusDisputed}, {StatusShipped, StatusPaid},
	}
	for _, e := range invalid {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusDisputed.Terminal())
}

func TestLifecycle_HappyPathAndRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.pay(t)
	it := f.item(t)
	assert.Equal(t, StatusPaid, it.Status)
	require.NotNil(t, it.PaidAt)
	_, err := f.ledger.Get(ctx, "fees:protection:item-1")
	require.NoError(t, err)

	f.apply(t, Command{ItemID: "item-1", To: StatusProcessing, Actor: seller})
	f.advance(time.Hour)
	it = *f.apply(t, Command{ItemID: "item-1", To: StatusShipped, Actor: seller, TrackingNumber: " BG123 ", Carrier: "speedy"})
	assert.Equal(t, "BG123", it.TrackingNumber)
	require.NotNil(t, it.ShippedAt)

	res, err := f.lc.HandleEvent(ctx, ExternalEvent{ID: "carrier-1", Kind: EventDelivered, ItemID: "item-1"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, StatusDelivered, res.Items[0].Status)

	it = *f.apply(t, Command{ItemID: "item-1", To: StatusCompleted, Actor: buyer})
	require.NotNil(t, it.ConfirmedAt)
	assert.True(t, EscrowEligible(it, nil, f.clock, time.Hour))

	e, err := f.lc.ReleaseFunds(ctx, "item-1", admin)
	require.NoError(t, err)
	assert.Equal(t, "payout:item-1", e.Key)
	assert.True(t, e.Amount.Equal(d("100")))

	again, err := f.lc.ReleaseFunds(ctx, "item-1", System)
	require.NoError(t, err)
	assert.Equal(t, e.ID, again.ID, "payout is recorded once")

	o, _ := f.store.GetOrder(ctx, "order-1")
	assert.Equal(t, StatusCompleted, o.Status)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.events, 5)
	assert.Equal(t, StatusPendingPayment, f.events[0].From)
	assert.Equal(t, StatusCompleted, f.events[4].To)
}

func TestLifecycle_DisputeBlocksEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ship(t)

	it := *f.apply(t, Command{ItemID: "item-1", To: StatusDisputed, Actor: buyer, Reason: "not as described"})
	assert.Equal(t, StatusDisputed, it.Status)
	require.NotNil(t, it.DisputeOpenedAt)
	assert.False(t, EscrowEligible(it, f.disputes(t), f.clock, 0))

	it = *f.apply(t, Command{ItemID: "item-1", To: StatusCompleted, Actor: admin, Outcome: OutcomePartial, RefundAmount: d("20")})
	assert.Equal(t, StatusCompleted, it.Status)

	f.advance(30 * 24 * time.Hour)
	assert.False(t, EscrowEligible(it, f.disputes(t), f.clock, time.Hour),
		"completed after a dispute without an explicit release outcome")

	_, err := f.lc.ReleaseFunds(ctx, "item-1", admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	entries, _ := f.ledger.ByItem(ctx, "item-1")
	var refunds []ledger.Entry
	for _, e := range entries {
		if e.Kind == ledger.KindRefund {
			refunds = append(refunds, e)
		}
		assert.NotEqual(t, ledger.KindPayout, e.Kind)
	}
	require.Len(t, refunds, 1)
	assert.True(t, refunds[0].Amount.Equal(d("20")))
}

func TestLifecycle_DisputeReleased(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	f.apply(t, Command{ItemID: "item-1", To: StatusDisputed, Actor: Processor})
	it := *f.apply(t, Command{ItemID: "item-1", To: StatusCompleted, Actor: Processor, Outcome: OutcomeRelease})

	assert.True(t, EscrowEligible(it, f.disputes(t), f.clock, 72*time.Hour))
	_, err := f.lc.ReleaseFunds(context.Background(), "item-1", System)
	require.NoError(t, err)
}

func TestLifecycle_DisputeRefunded(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	f.apply(t, Command{ItemID: "item-1", To: StatusDisputed, Actor: buyer})

	_, err := f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusCompleted, Actor: admin, Outcome: OutcomeRefund})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusCompleted, Actor: buyer, Outcome: OutcomeRelease})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	it := *f.apply(t, Command{ItemID: "item-1", To: StatusCancelled, Actor: admin, Outcome: OutcomeRefund})
	assert.Equal(t, StatusCancelled, it.Status)
	e, err := f.ledger.Get(context.Background(), "refund:item-1")
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(d("104.5")))
}

func TestLifecycle_DisputeWindow(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)
	f.advance(72 * time.Hour)

	_, err := f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusDisputed, Actor: buyer})
	var te *apperr.TransitionError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Reason, "dispute window")

	_, err = f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusDisputed, Actor: Processor})
	assert.NoError(t, err, "processor chargebacks are not bound by the buyer window")
}

func TestLifecycle_AutoCompleteAfterConfirmationWindow(t *testing.T) {
	f := newFixture(t)
	f.deliver(t)

	_, err := f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusCompleted, Actor: System})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	f.advance(72 * time.Hour)
	it := *f.apply(t, Command{ItemID: "item-1", To: StatusCompleted, Actor: System})
	assert.Nil(t, it.ConfirmedAt)
	assert.True(t, EscrowEligible(it, nil, f.clock, 72*time.Hour))
	assert.False(t, EscrowEligible(it, nil, f.clock.Add(-time.Minute), 72*time.Hour))
}

func TestLifecycle_ShipByCancellation(t *testing.T) {
	f := newFixture(t)
	f.pay(t)

	_, err := f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusCancelled, Actor: System})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	f.advance(120 * time.Hour)
	it := *f.apply(t, Command{ItemID: "item-1", To: StatusCancelled, Actor: System})
	assert.Equal(t, StatusCancelled, it.Status)
	_, err = f.ledger.Get(context.Background(), "refund:item-1")
	assert.NoError(t, err)
}

func TestLifecycle_Authorization(t *testing.T) {
	f := newFixture(t)
	f.pay(t)
	ctx := context.Background()

	_, err := f.lc.Apply(ctx, Command{ItemID: "item-1", To: StatusShipped, Actor: buyer, TrackingNumber: "X"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.lc.Apply(ctx, Command{ItemID: "item-1", To: StatusShipped, Actor: Actor{Kind: ActorSeller, ID: "seller-2"}, TrackingNumber: "X"})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.lc.Apply(ctx, Command{ItemID: "item-1", To: StatusShipped, Actor: seller})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.lc.Apply(ctx, Command{ItemID: "item-1", To: StatusCompleted, Actor: admin})
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition, "paid -> completed skips shipping")

	_, err = f.lc.Apply(ctx, Command{ItemID: "item-1", To: StatusProcessing, Actor: Actor{Kind: "robot"}})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = f.lc.Apply(ctx, Command{ItemID: "missing", To: StatusProcessing, Actor: seller})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, StatusPaid, f.item(t).Status)
}

func TestLifecycle_OnlyProcessorMarksPaid(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusPaid, Actor: buyer})
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestHandleEvent_Replay(t *testing.T) {
	f := newFixture(t, "item-1", "item-2")
	ctx := context.Background()
	ev := ExternalEvent{ID: "evt-42", Kind: EventPaymentSucceeded, OrderID: "order-1"}

	res, err := f.lc.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Len(t, res.Items, 2)
	version := f.item(t).Version

	res, err = f.lc.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Empty(t, res.Items)
	assert.Equal(t, version, f.item(t).Version)

	entries, _ := f.ledger.ByItem(ctx, "item-1")
	assert.Len(t, entries, 2)
	f.mu.Lock()
	assert.Len(t, f.events, 2)
	f.mu.Unlock()
}

func TestHandleEvent_RefundSkipsShipped(t *testing.T) {
	f := newFixture(t, "item-1", "item-2")
	f.ship(t)

	res, err := f.lc.HandleEvent(context.Background(), ExternalEvent{ID: "evt-refund", Kind: EventRefund, OrderID: "order-1"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "item-2", res.Items[0].ID)
	assert.Equal(t, StatusShipped, f.item(t).Status)

	o, _ := f.store.GetOrder(context.Background(), "order-1")
	assert.Equal(t, StatusShipped, o.Status)
}

func TestHandleEvent_DisputeLifecycle(t *testing.T) {
	f := newFixture(t)
	f.ship(t)
	ctx := context.Background()

	_, err := f.lc.HandleEvent(ctx, ExternalEvent{ID: "dp-1", Kind: EventDisputeCreated, ItemID: "item-1"})
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, f.item(t).Status)

	_, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "dp-2", Kind: EventDisputeClosed, ItemID: "item-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "dp-2", Kind: EventDisputeClosed, ItemID: "item-1", Outcome: OutcomeRefund})
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, f.item(t).Status)

	ds := f.disputes(t)
	require.Len(t, ds, 1)
	assert.Equal(t, DisputeClosed, ds[0].Status)
	assert.Equal(t, OutcomeRefund, ds[0].Outcome)
}

func TestHandleEvent_ChargebackAfterCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deliver(t)
	f.apply(t, Command{ItemID: "item-1", To: StatusCompleted, Actor: buyer})

	res, err := f.lc.HandleEvent(ctx, ExternalEvent{ID: "cb-open", Kind: EventDisputeCreated, ItemID: "item-1", Reason: "fraudulent"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, StatusCompleted, f.item(t).Status)
	require.NotNil(t, f.item(t).DisputeOpenedAt)

	ds := f.disputes(t)
	require.Len(t, ds, 1)
	assert.Equal(t, DisputeOpen, ds[0].Status)
	assert.Equal(t, ActorProcessor, ds[0].OpenedBy)
	assert.Equal(t, "fraudulent", ds[0].Reason)

	_, err = f.lc.ReleaseFunds(ctx, "item-1", admin)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	_, err = f.ledger.Get(ctx, "payout:item-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "cb-open-again", Kind: EventDisputeCreated, ItemID: "item-1"})
	require.NoError(t, err)
	assert.Len(t, f.disputes(t), 1, "one open dispute per item")

	_, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "cb-won", Kind: EventDisputeClosed, ItemID: "item-1", Outcome: OutcomeRelease})
	require.NoError(t, err)
	ds = f.disputes(t)
	require.Len(t, ds, 1)
	assert.Equal(t, DisputeClosed, ds[0].Status)

	e, err := f.lc.ReleaseFunds(ctx, "item-1", admin)
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(d("100")))

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.events, 4, "dispute records on a completed item are not transitions")
}

func TestHandleEvent_ChargebackAfterCompletionLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deliver(t)
	f.apply(t, Command{ItemID: "item-1", To: StatusCompleted, Actor: buyer})

	_, err := f.lc.HandleEvent(ctx, ExternalEvent{ID: "cb-open", Kind: EventDisputeCreated, OrderID: "order-1"})
	require.NoError(t, err)

	_, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "cb-lost", Kind: EventDisputeClosed, ItemID: "item-1", Outcome: OutcomePartial, RefundAmount: d("500")})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "cb-lost", Kind: EventDisputeClosed, ItemID: "item-1", Outcome: OutcomePartial, RefundAmount: d("30")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, f.item(t).Status)

	ds := f.disputes(t)
	require.Len(t, ds, 1)
	assert.Equal(t, OutcomePartial, ds[0].Outcome)
	e, err := f.ledger.Get(ctx, "refund:item-1:"+ds[0].ID)
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(d("30")))

	_, err = f.lc.ReleaseFunds(ctx, "item-1", System)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestHandleEvent_PartialRefundKeepsItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pay(t)

	res, err := f.lc.HandleEvent(ctx, ExternalEvent{ID: "re-part", Kind: EventRefund, OrderID: "order-1", RefundAmount: d("5.00")})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Equal(t, StatusPaid, f.item(t).Status)

	e, err := f.ledger.Get(ctx, "refund:item-1:re-part")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindRefund, e.Kind)
	assert.True(t, e.Amount.Equal(d("5")))
	_, err = f.ledger.Get(ctx, "refund:item-1")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	res, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "re-full", Kind: EventRefund, OrderID: "order-1", RefundAmount: d("104.50")})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, StatusCancelled, f.item(t).Status)

	e, err = f.ledger.Get(ctx, "refund:item-1")
	require.NoError(t, err)
	assert.True(t, e.Amount.Equal(d("99.5")), "full refund is net of the earlier partial one, got %s", e.Amount)
}

func TestHandleEvent_PartialRefundAcrossItems(t *testing.T) {
	f := newFixture(t, "item-1", "item-2")
	ctx := context.Background()
	f.pay(t)

	_, err := f.lc.HandleEvent(ctx, ExternalEvent{ID: "re-one", Kind: EventRefund, OrderID: "order-1", RefundAmount: d("104.5")})
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, f.item(t).Status)

	e, err := f.ledger.Get(ctx, "refund:order-1:re-one")
	require.NoError(t, err)
	assert.Equal(t, "order-1", e.OrderID)
	assert.Empty(t, e.ItemID)

	_, err = f.lc.HandleEvent(ctx, ExternalEvent{ID: "re-neg", Kind: EventRefund, OrderID: "order-1", RefundAmount: d("-1")})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestHandleEvent_Invalid(t *testing.T) {
	f := newFixture(t)
	_, err := f.lc.HandleEvent(context.Background(), ExternalEvent{Kind: EventPaymentSucceeded, OrderID: "order-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.lc.HandleEvent(context.Background(), ExternalEvent{ID: "x", Kind: "teleported", OrderID: "order-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	// a rejected event is not recorded and can be delivered again
	res, err := f.lc.HandleEvent(context.Background(), ExternalEvent{ID: "x", Kind: EventPaymentSucceeded, OrderID: "order-1"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

// flakyStore loses the version check for the next *stale updates.
type flakyStore struct {
	Store
	stale *int
}

func (s flakyStore) UpdateItem(ctx context.Context, it *Item, expected int) error {
	if *s.stale > 0 {
		*s.stale--
		return apperr.ErrStaleWrite
	}
	return s.Store.UpdateItem(ctx, it, expected)
}

func (s flakyStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.Store.WithTx(ctx, func(tx Store) error { return fn(flakyStore{Store: tx, stale: s.stale}) })
}

func TestApply_StaleWriteRetried(t *testing.T) {
	f := newFixture(t)
	f.pay(t)

	stale := 2
	lc := NewLifecycle(flakyStore{Store: f.store, stale: &stale}, f.ledger, config.DefaultWindows())
	lc.StaleRetries = 3
	it, err := lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusProcessing, Actor: seller})
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, it.Status)
	assert.Zero(t, stale)
}

func TestApply_StaleWriteSurfaced(t *testing.T) {
	f := newFixture(t)
	f.pay(t)

	stale := 10
	lc := NewLifecycle(flakyStore{Store: f.store, stale: &stale}, f.ledger, config.DefaultWindows())
	lc.StaleRetries = 2
	_, err := lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusProcessing, Actor: seller})
	assert.ErrorIs(t, err, apperr.ErrStaleWrite)
	assert.Equal(t, 7, stale, "one attempt plus two retries")
	assert.Equal(t, StatusPaid, f.item(t).Status)
}

func TestApply_ConcurrentSignalsApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.pay(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.lc.Apply(context.Background(), Command{ItemID: "item-1", To: StatusShipped, Actor: seller, TrackingNumber: "T"})
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, f.item(t).Version)
}

func TestMemStore_UpdateItemVersion(t *testing.T) {
	f := newFixture(t)
	it := f.item(t)
	it.Status = StatusPaid
	require.NoError(t, f.store.UpdateItem(context.Background(), &it, 0))
	assert.Equal(t, 1, it.Version)

	err := f.store.UpdateItem(context.Background(), &it, 0)
	assert.ErrorIs(t, err, apperr.ErrStaleWrite)
}

func TestRollup(t *testing.T) {
	items := func(ss ...Status) []Item {
		var out []Item
		for _, s := range ss {
			out = append(out, Item{Status: s})
		}
		return out
	}
	assert.Equal(t, StatusPendingPayment, Rollup(nil))
	assert.Equal(t, StatusShipped, Rollup(items(StatusShipped, StatusCompleted)))
	assert.Equal(t, StatusCancelled, Rollup(items(StatusCancelled, StatusCancelled)))
	assert.Equal(t, StatusDisputed, Rollup(items(StatusCompleted, StatusDisputed)))
	assert.Equal(t, StatusCompleted, Rollup(items(StatusCancelled, StatusCompleted)))
}

func TestEscrowEligible(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	delivered := now.Add(-96 * time.Hour)
	recent := now.Add(-time.Hour)
	closedAt := now.Add(-time.Hour)
	w := 72 * time.Hour

	cases := map[string]struct {
		it       Item
		disputes []Dispute
		want     bool
	}{
		"not completed": {Item{Status: StatusDelivered, DeliveredAt: &delivered}, nil, false},
		"window elapsed": {Item{Status: StatusCompleted, DeliveredAt: &delivered}, nil, true},
		"window open":    {Item{Status: StatusCompleted, DeliveredAt: &recent}, nil, false},
		"confirmed":      {Item{Status: StatusCompleted, DeliveredAt: &recent, ConfirmedAt: &recent}, nil, true},
		"open dispute": {Item{Status: StatusCompleted, DeliveredAt: &delivered},
			[]Dispute{{Status: DisputeOpen, OpenedAt: recent}}, false},
		"released": {Item{Status: StatusCompleted, DisputeOpenedAt: &recent},
			[]Dispute{{Status: DisputeClosed, Outcome: OutcomeRelease, OpenedAt: recent, ClosedAt: &closedAt}}, true},
		"latest dispute partial": {Item{Status: StatusCompleted, DeliveredAt: &delivered, ConfirmedAt: &recent},
			[]Dispute{
				{Status: DisputeClosed, Outcome: OutcomeRelease, OpenedAt: delivered},
				{Status: DisputeClosed, Outcome: OutcomePartial, OpenedAt: recent},
			}, false},
		"dispute without record": {Item{Status: StatusCompleted, DeliveredAt: &delivered, DisputeOpenedAt: &recent}, nil, false},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, c.want, EscrowEligible(c.it, c.disputes, now, w))
		})
	}
}

func TestMemStore_RollbackKeepsOutsideWrites(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	boom := errors.New("boom")
	done := make(chan error, 1)

	err := s.WithTx(ctx, func(tx Store) error {
		require.NoError(t, tx.RecordEvent(ctx, "evt-1", string(EventRefund)))
		go func() { done <- s.CreateOrder(ctx, &Order{ID: "order-2", BuyerID: "buyer-2"}, nil) }()
		select {
		case err := <-done:
			done <- err
			t.Error("write outside the transaction finished while it was running")
		case <-time.After(20 * time.Millisecond):
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, <-done)

	_, err = s.GetOrder(ctx, "order-2")
	assert.NoError(t, err, "order created during a failed transaction survives the rollback")
	assert.NoError(t, s.RecordEvent(ctx, "evt-1", string(EventRefund)), "the failed transaction's event was rolled back")
}

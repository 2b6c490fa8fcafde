package listing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeMC777/marketplace-engine/internal/apperr"
	"github.com/MikeMC777/marketplace-engine/internal/plan"
	"github.com/MikeMC777/marketplace-engine/internal/pricing"
	"github.com/MikeMC777/marketplace-engine/internal/ratelimit"
	"github.com/MikeMC777/marketplace-engine/internal/seller"
)

func init() { log.SetOutput(io.Discard) }

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func sp(s string) *string { return &s }

var profiles = seller.MemRepo{
	"ana":   {ID: "ana", Username: "ana_vintage", AccountType: plan.Personal},
	"biz":   {ID: "biz", Username: "bigshop", AccountType: plan.Business},
	"nouse": {ID: "nouse", AccountType: plan.Personal},
}

func newGate(t *testing.T, subs map[string]plan.Subscription) (*Gate, *MemStore) {
	t.Helper()
	store := NewMemStore()
	res := plan.NewResolver(plan.TableStore{Table: plan.DefaultTable(), Subs: subs}, nil, 10)
	return NewGate(profiles, res, store), store
}

func seed(t *testing.T, store *MemStore, sellerID string, n int, status Status) {
	t.Helper()
	for i := 0; i < n; i++ {
		l := &Listing{ID: fmt.Sprintf("%s-%s-%d", sellerID, status, i), SellerID: sellerID, Title: "item", Price: d("10"), Status: status}
		require.NoError(t, store.CreateWithinQuota(context.Background(), l, plan.Unlimited))
	}
}

func newListing() *Listing { return &Listing{Title: "Desk lamp", Price: d("25"), Stock: 1} }

func TestGate_QuotaReached(t *testing.T) {
	g, store := newGate(t, nil)
	seed(t, store, "ana", 10, StatusActive)

	err := g.Create(context.Background(), "ana", newListing())
	require.Error(t, err)
	var le *apperr.LimitError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, 10, le.Current)
	assert.Equal(t, 10, le.Max)
	assert.NotEmpty(t, le.UpgradeHint)
	assert.ErrorIs(t, err, apperr.ErrListingLimitReached)

	n, _ := store.CountActive(context.Background(), "ana")
	assert.Equal(t, 10, n)
}

func TestGate_OnlyActiveListingsCount(t *testing.T) {
	g, store := newGate(t, nil)
	seed(t, store, "ana", 9, StatusActive)
	seed(t, store, "ana", 5, StatusSold)
	seed(t, store, "ana", 5, StatusDraft)

	require.NoError(t, g.Create(context.Background(), "ana", newListing()))
	n, _ := store.CountActive(context.Background(), "ana")
	assert.Equal(t, 10, n)
}

func TestGate_DraftsSkipQuota(t *testing.T) {
	g, store := newGate(t, nil)
	seed(t, store, "ana", 10, StatusActive)

	l := newListing()
	l.Status = StatusDraft
	require.NoError(t, g.Create(context.Background(), "ana", l))

	_, err := g.SetStatus(context.Background(), "ana", l.ID, StatusActive)
	assert.ErrorIs(t, err, apperr.ErrListingLimitReached)

	got, _ := store.GetByID(context.Background(), l.ID)
	assert.Equal(t, StatusDraft, got.Status)
}

func TestGate_SubscriptionRaisesLimit(t *testing.T) {
	g, store := newGate(t, map[string]plan.Subscription{
		"ana": {SellerID: "ana", Tier: "plus", Status: "active", ExpiresAt: time.Now().Add(24 * time.Hour)},
	})
	seed(t, store, "ana", 10, StatusActive)

	a, err := g.TryReserveListingSlot(context.Background(), "ana", "ana")
	require.NoError(t, err)
	assert.Equal(t, "plus", a.Entitlement.Tier)
	assert.Equal(t, 40, a.Remaining())
}

func TestGate_UnlimitedAlwaysAdmits(t *testing.T) {
	g, store := newGate(t, map[string]plan.Subscription{
		"biz": {SellerID: "biz", Tier: "enterprise", Status: "active"},
	})
	seed(t, store, "biz", 2000, StatusActive)

	a, err := g.TryReserveListingSlot(context.Background(), "biz", "biz")
	require.NoError(t, err)
	assert.True(t, a.Entitlement.Unlimited())
	assert.Equal(t, plan.Unlimited, a.Remaining())
	assert.True(t, a.Quota().Unlimited)
}

func TestGate_Identity(t *testing.T) {
	g, _ := newGate(t, nil)
	ctx := context.Background()

	_, err := g.TryReserveListingSlot(ctx, "", "ana")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = g.TryReserveListingSlot(ctx, "biz", "ana")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = g.TryReserveListingSlot(ctx, "nouse", "nouse")
	assert.ErrorIs(t, err, apperr.ErrMissingUsername)

	_, err = g.TryReserveListingSlot(ctx, "ghost", "ghost")
	assert.ErrorIs(t, err, apperr.ErrMissingUsername)

	err = g.Create(ctx, "nouse", newListing())
	assert.ErrorIs(t, err, apperr.ErrMissingUsername)
}

func TestGate_Throttle(t *testing.T) {
	g, _ := newGate(t, nil)
	g.Throttle = ratelimit.NewLocalLimiter(ratelimit.Policy{PerMinute: 1, Burst: 2})

	require.NoError(t, g.Create(context.Background(), "ana", newListing()))
	require.NoError(t, g.Create(context.Background(), "ana", newListing()))
	err := g.Create(context.Background(), "ana", newListing())
	assert.ErrorIs(t, err, apperr.ErrRateLimited)
}

func TestGate_CreateValidates(t *testing.T) {
	g, _ := newGate(t, nil)
	err := g.Create(context.Background(), "ana", &Listing{Title: "x", Price: d("-1")})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestGate_ConcurrentCreatesNeverExceedQuota(t *testing.T) {
	g, store := newGate(t, nil)
	seed(t, store, "ana", 7, StatusActive)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Create(context.Background(), "ana", newListing())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, apperr.ErrListingLimitReached):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, admitted)
	assert.Equal(t, 17, rejected)
	n, _ := store.CountActive(context.Background(), "ana")
	assert.Equal(t, 10, n)
}

func TestGate_QuotaProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("parallel creates leave count <= max", prop.ForAll(
		func(existing, attempts int) bool {
			g, store := newGate(t, nil)
			seed(t, store, "ana", existing, StatusActive)
			var wg sync.WaitGroup
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_ = g.Create(context.Background(), "ana", newListing())
				}()
			}
			wg.Wait()
			n, _ := store.CountActive(context.Background(), "ana")
			want := existing
			if existing < 10 {
				want = existing + attempts
				if want > 10 {
					want = 10
				}
			}
			return n == want
		},
		gen.IntRange(0, 12),
		gen.IntRange(0, 15),
	))

	properties.TestingRun(t)
}

func TestUsage(t *testing.T) {
	g, store := newGate(t, nil)
	seed(t, store, "nouse", 3, StatusActive)

	a, err := g.Usage(context.Background(), "nouse", "nouse")
	require.NoError(t, err)
	q := a.Quota()
	assert.Equal(t, 3, q.Current)
	assert.Equal(t, 10, q.Max)
	assert.Equal(t, 7, q.Remaining)
	assert.Equal(t, "free", q.Tier)
}

func TestApplySale_On(t *testing.T) {
	l := Listing{Price: d("80")}
	require.NoError(t, l.ApplySale(SaleChange{Active: true, OriginalPrice: dp("100"), Percent: 55, EndsAt: sp("2030-01-01")}))
	assert.True(t, l.SaleActive)
	assert.Equal(t, 20, l.SalePercent, "percent recomputed from the original price")
	require.NotNil(t, l.SaleEndsAt)
	assert.Equal(t, "2030-01-01", *l.SaleEndsAt)
}

func TestApplySale_PercentOnly(t *testing.T) {
	l := Listing{Price: d("80")}
	require.NoError(t, l.ApplySale(SaleChange{Active: true, Percent: 15}))
	assert.Equal(t, 15, l.SalePercent)
	assert.Nil(t, l.OriginalPrice)
}

func TestApplySale_Rejects(t *testing.T) {
	for name, ch := range map[string]SaleChange{
		"original below price": {Active: true, OriginalPrice: dp("70"), Percent: 10},
		"no percent":           {Active: true},
		"percent over 100":     {Active: true, Percent: 120},
		"bad end":              {Active: true, Percent: 10, EndsAt: sp("soon")},
	} {
		t.Run(name, func(t *testing.T) {
			l := Listing{Price: d("80")}
			assert.ErrorIs(t, l.ApplySale(ch), apperr.ErrValidation)
			assert.False(t, l.SaleActive)
		})
	}
}

func TestApplySale_OffClearsTogether(t *testing.T) {
	l := Listing{Price: d("80"), OriginalPrice: dp("100"), SaleActive: true, SalePercent: 20, SaleEndsAt: sp("2030-01-01")}
	require.NoError(t, l.ApplySale(SaleChange{Active: false}))
	assert.False(t, l.SaleActive)
	assert.Zero(t, l.SalePercent)
	assert.Nil(t, l.SaleEndsAt)
	assert.Nil(t, l.OriginalPrice)
	assert.False(t, pricing.Resolve(l.PricingInput(), time.Now()).IsOnSale)
}

func TestValidate(t *testing.T) {
	ok := Listing{SellerID: "ana", Title: "Lamp", Price: d("10"), Status: StatusActive}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.SaleActive = true
	assert.ErrorIs(t, bad.Validate(), apperr.ErrValidation)

	bad.SalePercent = 10
	bad.OriginalPrice = dp("5")
	assert.ErrorIs(t, bad.Validate(), apperr.ErrValidation)

	bad = ok
	bad.Status = "deleted"
	assert.ErrorIs(t, bad.Validate(), apperr.ErrValidation)
}

func TestUpdateSale_Owner(t *testing.T) {
	g, store := newGate(t, nil)
	l := newListing()
	require.NoError(t, g.Create(context.Background(), "ana", l))

	_, err := UpdateSale(context.Background(), store, "biz", l.ID, SaleChange{Active: true, Percent: 10})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = UpdateSale(context.Background(), store, "", l.ID, SaleChange{Active: true, Percent: 10})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	got, err := UpdateSale(context.Background(), store, "ana", l.ID, SaleChange{Active: true, OriginalPrice: dp("50")})
	require.NoError(t, err)
	assert.Equal(t, 50, got.SalePercent)

	stored, _ := store.GetByID(context.Background(), l.ID)
	assert.True(t, stored.SaleActive)
}

func TestMemStore_ListBySellerPages(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		l := &Listing{ID: fmt.Sprintf("l-%d", i), SellerID: "ana", Title: "item", Price: d("10"), Status: StatusActive, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		require.NoError(t, store.CreateWithinQuota(ctx, l, plan.Unlimited))
	}

	ids := func(rows []Listing) []string {
		var out []string
		for _, r := range rows {
			out = append(out, r.ID)
		}
		return out
	}

	rows, err := store.ListBySeller(ctx, "ana", Query{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"l-4", "l-3"}, ids(rows))

	rows, err = store.ListBySeller(ctx, "ana", Query{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, []string{"l-0"}, ids(rows))

	rows, err = store.ListBySeller(ctx, "ana", Query{Limit: 2, Offset: 9})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = store.ListBySeller(ctx, "ana", Query{Limit: 1000, Offset: -3})
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

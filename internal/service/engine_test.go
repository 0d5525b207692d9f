package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"btc-order-service/internal/models"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore emulates the relational store: conditioned updates only apply to
// pending rows, claims enforce uniqueness under a single mutex, matching the
// atomicity the real database provides.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	orders     map[int64]*models.Order
	products   map[int64]*models.Product
	locations  map[int64]*models.Location
	usedTx     map[string]*models.UsedTransaction
	usedLinks  map[string]struct{} // "locationID/link"
	claimOrder map[int64]string    // orderID -> tx hash
}

func newMemStore() *memStore {
	return &memStore{
		orders:     make(map[int64]*models.Order),
		products:   make(map[int64]*models.Product),
		locations:  make(map[int64]*models.Location),
		usedTx:     make(map[string]*models.UsedTransaction),
		usedLinks:  make(map[string]struct{}),
		claimOrder: make(map[int64]string),
	}
}

func (m *memStore) addProduct(id int64, price string) {
	m.products[id] = &models.Product{
		ID: id, Name: fmt.Sprintf("product-%d", id),
		PriceFiat: decimal.RequireFromString(price), IsActive: true,
	}
}

func (m *memStore) addLocation(id, productID int64, links ...string) {
	m.locations[id] = &models.Location{
		ID: id, ProductID: productID, Name: fmt.Sprintf("location-%d", id),
		ContentLinks: pq.StringArray(links), IsActive: true,
	}
}

func (m *memStore) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("product not found: %d", id)
	}
	return p, nil
}

func (m *memStore) GetLocation(_ context.Context, id int64) (*models.Location, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locations[id]
	if !ok {
		return nil, fmt.Errorf("location not found: %d", id)
	}
	return l, nil
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	order.ID = m.nextID
	order.CreatedAt = time.Now()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memStore) HasPendingAmountCollision(_ context.Context, address string, amountSat, tol int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Status == models.OrderStatusPending && o.BitcoinAddress == address &&
			o.PaymentAmountSat >= amountSat-tol && o.PaymentAmountSat <= amountSat+tol {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) transition(id int64, to string, mutate func(*models.Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != models.OrderStatusPending {
		return models.ErrAlreadyProcessed
	}
	o.Status = to
	if mutate != nil {
		mutate(o)
	}
	return nil
}

func (m *memStore) CompleteOrder(_ context.Context, id int64, link, hash string) error {
	return m.transition(id, models.OrderStatusCompleted, func(o *models.Order) {
		o.ContentLink.String, o.ContentLink.Valid = link, true
		o.TransactionHash.String, o.TransactionHash.Valid = hash, true
		o.CompletedAt.Time, o.CompletedAt.Valid = time.Now(), true
	})
}

func (m *memStore) CancelOrder(_ context.Context, id int64) error {
	return m.transition(id, models.OrderStatusCancelled, nil)
}

func (m *memStore) ExpireOrder(_ context.Context, id int64) error {
	return m.transition(id, models.OrderStatusExpired, nil)
}

func (m *memStore) ClaimTransaction(_ context.Context, hash string, orderID, amountSat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.usedTx[hash]; taken {
		return models.ErrTxAlreadyClaimed
	}
	m.usedTx[hash] = &models.UsedTransaction{TransactionHash: hash, OrderID: orderID, AmountSat: amountSat}
	m.claimOrder[orderID] = hash
	return nil
}

func (m *memStore) IsTransactionUsed(_ context.Context, hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.usedTx[hash]
	return ok, nil
}

func (m *memStore) GetClaimByOrder(_ context.Context, orderID int64) (*models.UsedTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hash, ok := m.claimOrder[orderID]
	if !ok {
		return nil, nil
	}
	cp := *m.usedTx[hash]
	return &cp, nil
}

func (m *memStore) GetUsedLinks(_ context.Context, locationID int64) (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	used := make(map[string]struct{})
	prefix := fmt.Sprintf("%d/", locationID)
	for key := range m.usedLinks {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			used[key[len(prefix):]] = struct{}{}
		}
	}
	return used, nil
}

func (m *memStore) ClaimLink(_ context.Context, locationID int64, link string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d/%s", locationID, link)
	if _, taken := m.usedLinks[key]; taken {
		return models.ErrLinkAlreadyClaimed
	}
	m.usedLinks[key] = struct{}{}
	return nil
}

func (m *memStore) GetStats(_ context.Context) (*models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.Stats{TotalRevenue: decimal.Zero}
	for _, o := range m.orders {
		stats.TotalOrders++
		switch o.Status {
		case models.OrderStatusPending:
			stats.PendingOrders++
		case models.OrderStatusCompleted:
			stats.CompletedOrders++
			stats.TotalRevenue = stats.TotalRevenue.Add(o.PriceFiat)
		}
	}
	return stats, nil
}

// fakeMatcher returns a fixed hash (or none)
type fakeMatcher struct {
	mu   sync.Mutex
	hash string
}

func (f *fakeMatcher) Check(context.Context, string, int64, time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hash, nil
}

func (f *fakeMatcher) setHash(h string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hash = h
}

type fakeRates struct{ rate decimal.Decimal }

func (f *fakeRates) GetRate(context.Context) decimal.Decimal { return f.rate }

// nopPublisher records event types
type nopPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *nopPublisher) record(t string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, t)
	return nil
}

func (p *nopPublisher) PublishOrderCreated(context.Context, *models.Order) error {
	return p.record(models.EventTypeOrderCreated)
}
func (p *nopPublisher) PublishOrderCompleted(context.Context, *models.Order, string) error {
	return p.record(models.EventTypeOrderCompleted)
}
func (p *nopPublisher) PublishOrderCancelled(context.Context, *models.Order) error {
	return p.record(models.EventTypeOrderCancelled)
}
func (p *nopPublisher) PublishOrderExpired(context.Context, *models.Order) error {
	return p.record(models.EventTypeOrderExpired)
}

func newTestEngine(st *memStore, matcher PaymentMatcher) (*Engine, *nopPublisher) {
	pub := &nopPublisher{}
	eng := NewEngine(st, &fakeRates{rate: decimal.NewFromInt(5_000_000)}, matcher,
		NewAllocator(st), pub, nil, Config{
			BitcoinAddress: "bc1qsharedaddress",
			ExpiryWindow:   30 * time.Minute,
			JitterMinSat:   1,
			JitterMaxSat:   300,
		})
	return eng, pub
}

func TestCreateOrderJitterStrictlyPositive(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a")
	eng, _ := newTestEngine(st, &fakeMatcher{})

	for i := 0; i < 50; i++ {
		order, err := eng.CreateOrder(context.Background(), 7, 1, 1)
		require.NoError(t, err)

		assert.Greater(t, order.PaymentAmountSat, order.PriceBTCSat,
			"expected amount must exceed the base amount")
		jitter := order.PaymentAmountSat - order.PriceBTCSat
		assert.GreaterOrEqual(t, jitter, int64(1))
		assert.LessOrEqual(t, jitter, int64(300))
		assert.Equal(t, models.OrderStatusPending, order.Status)
		assert.True(t, order.ExpiresAt.After(time.Now()))

		// keep the pending set small so jitter redraws don't run out of room
		require.NoError(t, st.CancelOrder(context.Background(), order.ID))
	}
}

func TestCreateOrderRedrawsCollidingJitter(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a")
	eng, _ := newTestEngine(st, &fakeMatcher{})

	first, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	require.NoError(t, err)

	// Force the next draw to collide with the first order, then differ
	collide := first.PaymentAmountSat - first.PriceBTCSat
	draws := []int64{collide, collide + 7}
	if collide > 293 {
		draws[1] = collide - 7
	}
	i := 0
	eng.jitterFn = func() int64 { j := draws[i%len(draws)]; i++; return j }

	second, err := eng.CreateOrder(context.Background(), 8, 1, 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.PaymentAmountSat, second.PaymentAmountSat)
}

func TestCreateOrderRejectsInactiveProduct(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.products[1].IsActive = false
	st.addLocation(1, 1, "link-a")
	eng, _ := newTestEngine(st, &fakeMatcher{})

	_, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	assert.Error(t, err)
}

func TestCheckAndCompleteHappyPath(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a", "link-b")
	matcher := &fakeMatcher{}
	eng, pub := newTestEngine(st, matcher)

	order, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	require.NoError(t, err)

	matcher.setHash("txhash-1")
	result, err := eng.CheckAndComplete(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckMatched, result.Outcome)
	assert.Equal(t, "link-a", result.ContentLink)

	stored, err := eng.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, stored.Status)
	assert.Equal(t, "txhash-1", stored.TransactionHash.String)
	assert.Equal(t, "link-a", stored.ContentLink.String)
	assert.Contains(t, pub.events, models.EventTypeOrderCompleted)
}

func TestCheckAndCompleteIsIdempotent(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a", "link-b")
	matcher := &fakeMatcher{}
	eng, _ := newTestEngine(st, matcher)

	order, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	require.NoError(t, err)

	matcher.setHash("txhash-1")
	first, err := eng.CheckAndComplete(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, CheckMatched, first.Outcome)

	// Two more checks: already processed, and no second link handed out
	for i := 0; i < 2; i++ {
		again, err := eng.CheckAndComplete(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, CheckAlreadyProcessed, again.Outcome)
		assert.Equal(t, "link-a", again.ContentLink)
	}

	used, err := st.GetUsedLinks(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, used, 1)
}

func TestCheckAndCompleteNoMatchYet(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a")
	eng, _ := newTestEngine(st, &fakeMatcher{})

	order, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	require.NoError(t, err)

	result, err := eng.CheckAndComplete(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckNotYet, result.Outcome)

	stored, _ := eng.GetOrder(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
}

func TestTwoOrdersCannotClaimSameTransaction(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a", "link-b")
	matcher := &fakeMatcher{hash: "shared-hash"}
	eng, _ := newTestEngine(st, matcher)

	a, err := eng.CreateOrder(context.Background(), 1, 1, 1)
	require.NoError(t, err)
	b, err := eng.CreateOrder(context.Background(), 2, 1, 1)
	require.NoError(t, err)

	// Both matchers report the same hash; the unique claim decides
	resA, err := eng.CheckAndComplete(context.Background(), a.ID)
	require.NoError(t, err)
	resB, err := eng.CheckAndComplete(context.Background(), b.ID)
	require.NoError(t, err)

	assert.Equal(t, CheckMatched, resA.Outcome)
	assert.Equal(t, CheckNotYet, resB.Outcome)

	// The hash appears exactly once across all claims
	used, err := st.IsTransactionUsed(context.Background(), "shared-hash")
	require.NoError(t, err)
	assert.True(t, used)
	assert.Len(t, st.usedTx, 1)
}

func TestExpiredOrderCannotComplete(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a")
	matcher := &fakeMatcher{hash: "txhash-1"}
	eng, pub := newTestEngine(st, matcher)

	order, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	require.NoError(t, err)

	// Push the order past its payment window
	st.mu.Lock()
	st.orders[order.ID].ExpiresAt = time.Now().Add(-time.Minute)
	st.mu.Unlock()

	result, err := eng.CheckAndComplete(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckAlreadyProcessed, result.Outcome)
	assert.Contains(t, pub.events, models.EventTypeOrderExpired)

	stored, _ := eng.GetOrder(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusExpired, stored.Status)

	// Even with a matching payment, the terminal state holds
	again, err := eng.CheckAndComplete(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckAlreadyProcessed, again.Outcome)
	assert.Empty(t, stored.ContentLink.String)
}

func TestCancelThenCheckIsAlreadyProcessed(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a")
	matcher := &fakeMatcher{hash: "txhash-1"}
	eng, _ := newTestEngine(st, matcher)

	order, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	require.NoError(t, err)

	require.NoError(t, eng.CancelOrder(context.Background(), order.ID))
	assert.ErrorIs(t, eng.CancelOrder(context.Background(), order.ID), models.ErrAlreadyProcessed)

	result, err := eng.CheckAndComplete(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckAlreadyProcessed, result.Outcome)
}

func TestExhaustedLocationKeepsOrderPendingAndResumesClaim(t *testing.T) {
	st := newMemStore()
	st.addProduct(1, "5000.00")
	st.addLocation(1, 1, "link-a")
	matcher := &fakeMatcher{}
	eng, _ := newTestEngine(st, matcher)

	order, err := eng.CreateOrder(context.Background(), 7, 1, 1)
	require.NoError(t, err)

	// Drain the location before the payment lands
	_, err = eng.AllocateLink(context.Background(), 1)
	require.NoError(t, err)

	matcher.setHash("txhash-1")
	_, err = eng.CheckAndComplete(context.Background(), order.ID)
	assert.ErrorIs(t, err, models.ErrNoLinksAvailable)

	stored, _ := eng.GetOrder(context.Background(), order.ID)
	assert.Equal(t, models.OrderStatusPending, stored.Status)

	// The hash was claimed for this order; the admin resupplies and the next
	// check must resume from the claim even though the matcher sees nothing
	claim, err := st.GetClaimByOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "txhash-1", claim.TransactionHash)

	st.mu.Lock()
	st.locations[1].ContentLinks = append(st.locations[1].ContentLinks, "link-b")
	st.mu.Unlock()
	matcher.setHash("")

	result, err := eng.CheckAndComplete(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, CheckMatched, result.Outcome)
	assert.Equal(t, "link-b", result.ContentLink)

	stored, _ = eng.GetOrder(context.Background(), order.ID)
	assert.Equal(t, "txhash-1", stored.TransactionHash.String)
}

func TestFiatToSatoshi(t *testing.T) {
	// 5000 RUB at 5,000,000 RUB/BTC = 0.001 BTC = 100000 sat
	rate := decimal.NewFromInt(5_000_000)
	assert.Equal(t, int64(100_000), fiatToSatoshi(decimal.NewFromInt(5000), rate))

	// Fractions round up so we never undercharge
	assert.Equal(t, int64(100_001), fiatToSatoshi(decimal.RequireFromString("5000.03"), rate))

	assert.Equal(t, int64(0), fiatToSatoshi(decimal.NewFromInt(5000), decimal.Zero))
}

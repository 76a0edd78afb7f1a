package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftline/ordercore/internal/cache"
	"github.com/craftline/ordercore/internal/config"
	"github.com/craftline/ordercore/internal/entity"
	"github.com/craftline/ordercore/internal/gateway"
	repo "github.com/craftline/ordercore/internal/repository/order"
	ordersvc "github.com/craftline/ordercore/internal/service/order"
	"github.com/craftline/ordercore/pkg/errorbank"
)

// fakeStore is an in-memory repo.Store mirroring the terminal-state guard of
// the real repository, which is what the reconciliation tests exercise.
type fakeStore struct {
	mu     sync.Mutex
	seq    int64
	orders map[int64]*entity.Order
	events []entity.OrderEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{orders: make(map[int64]*entity.Order)}
}

func (f *fakeStore) NextOrderNumber(context.Context) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeStore) CreateWithItems(_ context.Context, order *entity.Order, items []*entity.OrderItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	order.ID = f.seq
	order.Items = items
	clone := *order
	f.orders[order.ID] = &clone
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, id int64) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	clone := *order
	return &clone, nil
}

func (f *fakeStore) GetByNumber(_ context.Context, number string) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.Number == number {
			clone := *order
			return &clone, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeStore) GetByPaymentReference(_ context.Context, reference string) (*entity.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if reference != "" && order.PaymentReference == reference {
			clone := *order
			return &clone, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeStore) SetPaymentInitiated(_ context.Context, id int64, reference, gatewayName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok || order.Status != entity.OrderPending {
		return false, nil
	}
	order.PaymentStatus = entity.PaymentInitiated
	order.PaymentReference = reference
	order.PaymentGateway = gatewayName
	return true, nil
}

func (f *fakeStore) ApplyPaymentOutcome(_ context.Context, id int64, payment entity.PaymentStatus, status entity.OrderStatus, reference string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if order.PaymentStatus.Terminal() {
		return false, nil
	}
	order.PaymentStatus = payment
	order.Status = status
	if reference != "" {
		order.PaymentReference = reference
	}
	return true, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, id int64, from, to entity.OrderStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok || order.Status != from {
		return false, nil
	}
	order.Status = to
	return true, nil
}

func (f *fakeStore) SetEstimatedDelivery(_ context.Context, id int64, date time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok || order.Status.Terminal() {
		return false, nil
	}
	order.EstimatedDelivery = &date
	return true, nil
}

func (f *fakeStore) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.orders[id]; !ok {
		return repo.ErrNotFound
	}
	delete(f.orders, id)
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, event *entity.OrderEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
	return nil
}

func (f *fakeStore) ListEvents(_ context.Context, orderID int64) ([]entity.OrderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []entity.OrderEvent
	for _, event := range f.events {
		if event.OrderID == orderID {
			out = append(out, event)
		}
	}
	return out, nil
}

func (f *fakeStore) eventCount(orderID int64, eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, event := range f.events {
		if event.OrderID == orderID && event.Type == eventType {
			n++
		}
	}
	return n
}

var _ repo.Store = (*fakeStore)(nil)

// fakeCache is a map-backed cache.Store used to assert that payment
// mutations drop the cached order snapshot.
type fakeCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string][]byte)}
}

func (f *fakeCache) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.entries[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return value, nil
}

func (f *fakeCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
	return nil
}

func (f *fakeCache) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

var _ cache.Store = (*fakeCache)(nil)

// failingGateway simulates an unreachable gateway for the initiation path.
type failingGateway struct {
	*gateway.StubClient
}

func (failingGateway) CreatePaymentOrder(context.Context, gateway.CreateRequest) (*gateway.PaymentOrder, error) {
	return nil, fmt.Errorf("%w: dial timeout", gateway.ErrUnreachable)
}

func newTestService(store repo.Store, client gateway.Client) *Service {
	return newCachedTestService(store, client, nil)
}

func newCachedTestService(store repo.Store, client gateway.Client, c cache.Store) *Service {
	cfg := config.Config{}
	cfg.Payment.Currency = "INR"
	return NewService(Params{
		Store:   store,
		Gateway: client,
		Cache:   c,
		Config:  cfg,
		Logger:  zap.NewNop(),
	})
}

func seedOrder(t *testing.T, store *fakeStore, status entity.OrderStatus, payment entity.PaymentStatus, reference string) *entity.Order {
	t.Helper()
	order := &entity.Order{
		Number:           fmt.Sprintf("SO-%05d", store.seq+1),
		CustomerName:     "Asha Rao",
		TotalAmount:      24900,
		Status:           status,
		PaymentStatus:    payment,
		PaymentReference: reference,
	}
	require.NoError(t, store.CreateWithItems(context.Background(), order, nil))
	return order
}

func webhookBody(event, orderRef string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"event":%q,"payload":{"payment":{"entity":{"id":"pay_1","order_id":%q,"amount":%d,"status":"captured"}}}}`,
		event, orderRef, amount,
	))
}

func TestInitiate(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentNone, "")

	res, err := svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID})
	require.NoError(t, err)

	assert.Equal(t, entity.PaymentInitiated, res.PaymentStatus)
	assert.Equal(t, order.Number, res.OrderNumber)
	assert.NotEmpty(t, res.PaymentReference)
	assert.Equal(t, "stubbed", res.Gateway)
	assert.Equal(t, gateway.NextActionPoll, res.NextAction)

	stored, err := store.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.PaymentReference, stored.PaymentReference)
	assert.Equal(t, entity.PaymentInitiated, stored.PaymentStatus)
	assert.Equal(t, 1, store.eventCount(order.ID, EventPaymentInitiated))
}

func TestInitiateAmountMismatch(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, gateway.NewStubClient("whsec"))
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentNone, "")

	_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID, Amount: 1})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func TestInitiateNonPendingOrder(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, gateway.NewStubClient("whsec"))

	for _, status := range []entity.OrderStatus{entity.OrderConfirmed, entity.OrderDispatched, entity.OrderDelivered, entity.OrderCancelled} {
		order := seedOrder(t, store, status, entity.PaymentNone, "")
		_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID})
		require.Error(t, err, "status %s", status)
		assert.Equal(t, errorbank.KindConflict, errorbank.From(err).Kind())

		stored, getErr := store.GetByID(context.Background(), order.ID)
		require.NoError(t, getErr)
		assert.Empty(t, stored.PaymentReference, "rejected initiation must not persist a reference")
	}
}

func TestInitiateGatewayUnreachable(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, failingGateway{gateway.NewStubClient("whsec")})
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentNone, "")

	_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindUnavailable, errorbank.From(err).Kind())

	// Nothing was persisted, a retry starts clean.
	stored, err := store.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.PaymentReference)
	assert.Equal(t, entity.PaymentNone, stored.PaymentStatus)
	assert.Equal(t, 0, store.eventCount(order.ID, EventPaymentInitiated))
}

func TestInitiateOrderNotFound(t *testing.T) {
	svc := newTestService(newFakeStore(), gateway.NewStubClient("whsec"))
	_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: 42})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindNotFound, errorbank.From(err).Kind())
}

func TestVerifyCheckout(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	updated, err := svc.VerifyCheckout(context.Background(), VerifyInput{
		GatewayOrderRef:   "stub_1_100",
		GatewayPaymentRef: "pay_77",
		Signature:         stub.SignCheckout("stub_1_100", "pay_77"),
		OrderID:           order.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPaid, updated.PaymentStatus)
	assert.Equal(t, entity.OrderConfirmed, updated.Status)
	assert.Equal(t, 1, store.eventCount(order.ID, EventPaymentConfirmed))
}

func TestVerifyCheckoutTamperedSignature(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	_, err := svc.VerifyCheckout(context.Background(), VerifyInput{
		GatewayOrderRef:   "stub_1_100",
		GatewayPaymentRef: "pay_77",
		Signature:         stub.SignCheckout("stub_1_100", "pay_other"),
		OrderID:           order.ID,
	})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindUnauthorized, errorbank.From(err).Kind())

	stored, getErr := store.GetByID(context.Background(), order.ID)
	require.NoError(t, getErr)
	assert.Equal(t, entity.PaymentInitiated, stored.PaymentStatus)
	assert.Equal(t, entity.OrderPending, stored.Status)
}

func TestVerifyCheckoutAfterWebhookPaid(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderConfirmed, entity.PaymentPaid, "stub_1_100")

	// The webhook already settled the payment; the sync path agrees and
	// reports the final state without a second audit entry.
	updated, err := svc.VerifyCheckout(context.Background(), VerifyInput{
		GatewayOrderRef:   "stub_1_100",
		GatewayPaymentRef: "pay_77",
		Signature:         stub.SignCheckout("stub_1_100", "pay_77"),
		OrderID:           order.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPaid, updated.PaymentStatus)
	assert.Equal(t, 0, store.eventCount(order.ID, EventPaymentConfirmed))
}

func TestVerifyCheckoutAfterWebhookFailed(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderCancelled, entity.PaymentFailed, "stub_1_100")

	_, err := svc.VerifyCheckout(context.Background(), VerifyInput{
		GatewayOrderRef:   "stub_1_100",
		GatewayPaymentRef: "pay_77",
		Signature:         stub.SignCheckout("stub_1_100", "pay_77"),
		OrderID:           order.ID,
	})
	require.Error(t, err)
	assert.Equal(t, errorbank.KindConflict, errorbank.From(err).Kind())
}

func TestHandleWebhookPaid(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	body := webhookBody("payment.captured", "stub_1_100", 24900)
	outcome, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.NoError(t, err)
	assert.True(t, outcome.Acked)
	assert.True(t, outcome.Applied)
	assert.Equal(t, order.ID, outcome.OrderID)

	stored, err := store.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPaid, stored.PaymentStatus)
	assert.Equal(t, entity.OrderConfirmed, stored.Status)
	assert.Equal(t, 1, store.eventCount(order.ID, EventPaymentWebhook))
}

func TestHandleWebhookFailed(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	body := webhookBody("payment.failed", "stub_1_100", 24900)
	outcome, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	stored, err := store.GetByID(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentFailed, stored.PaymentStatus)
	assert.Equal(t, entity.OrderCancelled, stored.Status)
}

func TestHandleWebhookInvalidSignature(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	body := webhookBody("payment.captured", "stub_1_100", 24900)
	_, err := svc.HandleWebhook(context.Background(), body, "deadbeef")
	require.Error(t, err)
	assert.Equal(t, errorbank.KindForbidden, errorbank.From(err).Kind())
}

func TestHandleWebhookMalformedBody(t *testing.T) {
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(newFakeStore(), stub)

	body := []byte("{not json")
	_, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.Error(t, err)
	assert.Equal(t, errorbank.KindBadRequest, errorbank.From(err).Kind())
}

func TestHandleWebhookUnknownReferenceAcked(t *testing.T) {
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(newFakeStore(), stub)

	body := webhookBody("payment.captured", "stub_99_1", 100)
	outcome, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.NoError(t, err)
	assert.True(t, outcome.Acked)
	assert.False(t, outcome.Applied)
	assert.Equal(t, "order_not_found", outcome.Reason)
}

func TestHandleWebhookIgnoredEvents(t *testing.T) {
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(newFakeStore(), stub)

	for _, event := range []string{"payment.authorized", "refund.created"} {
		body := webhookBody(event, "stub_1_100", 100)
		outcome, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
		require.NoError(t, err, "event %s", event)
		assert.True(t, outcome.Acked)
		assert.False(t, outcome.Applied)
		assert.Equal(t, "ignored_event", outcome.Reason)
	}
}

func TestHandleWebhookDuplicateDelivery(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	body := webhookBody("payment.captured", "stub_1_100", 24900)
	first, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.NoError(t, err)
	assert.True(t, second.Acked)
	assert.False(t, second.Applied)
	assert.Equal(t, "already_processed", second.Reason)

	// Exactly one audit entry despite two deliveries.
	assert.Equal(t, 1, store.eventCount(order.ID, EventPaymentWebhook))
}

func TestWebhookThenCheckoutEndToEnd(t *testing.T) {
	store := newFakeStore()
	stub := gateway.NewStubClient("whsec")
	svc := newTestService(store, stub)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentNone, "")

	res, err := svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID})
	require.NoError(t, err)

	body := webhookBody("payment.captured", res.PaymentReference, order.TotalAmount)
	outcome, err := svc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.NoError(t, err)
	require.True(t, outcome.Applied)

	// The late sync verification is a clean no-op.
	updated, err := svc.VerifyCheckout(context.Background(), VerifyInput{
		GatewayOrderRef:   res.PaymentReference,
		GatewayPaymentRef: "pay_1",
		Signature:         stub.SignCheckout(res.PaymentReference, "pay_1"),
		OrderID:           order.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, entity.PaymentPaid, updated.PaymentStatus)
	assert.Equal(t, entity.OrderConfirmed, updated.Status)
	assert.Equal(t, 1, store.eventCount(order.ID, EventPaymentWebhook))
	assert.Equal(t, 0, store.eventCount(order.ID, EventPaymentConfirmed))
}

func TestInitiateDropsCachedOrder(t *testing.T) {
	store := newFakeStore()
	cached := newFakeCache()
	svc := newCachedTestService(store, gateway.NewStubClient("whsec"), cached)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentNone, "")

	key := ordersvc.CacheKey(order.ID)
	require.NoError(t, cached.Set(context.Background(), key, []byte(`{}`), 0))

	_, err := svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID})
	require.NoError(t, err)
	assert.False(t, cached.has(key), "initiation must drop the cached order snapshot")
}

func TestVerifyCheckoutDropsCachedOrder(t *testing.T) {
	store := newFakeStore()
	cached := newFakeCache()
	stub := gateway.NewStubClient("whsec")
	svc := newCachedTestService(store, stub, cached)
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	key := ordersvc.CacheKey(order.ID)
	require.NoError(t, cached.Set(context.Background(), key, []byte(`{}`), 0))

	_, err := svc.VerifyCheckout(context.Background(), VerifyInput{
		GatewayOrderRef:   "stub_1_100",
		GatewayPaymentRef: "pay_77",
		Signature:         stub.SignCheckout("stub_1_100", "pay_77"),
		OrderID:           order.ID,
	})
	require.NoError(t, err)
	assert.False(t, cached.has(key), "verification must drop the cached order snapshot")
}

// The order read path caches snapshots; a webhook settling the payment must
// not leave a pre-reconciliation snapshot behind for subsequent reads.
func TestWebhookRefreshesCachedOrderRead(t *testing.T) {
	store := newFakeStore()
	cached := newFakeCache()
	stub := gateway.NewStubClient("whsec")
	paymentSvc := newCachedTestService(store, stub, cached)
	orderSvc := ordersvc.NewService(ordersvc.Params{
		Store:  store,
		Cache:  cached,
		Config: config.Config{},
		Logger: zap.NewNop(),
	})
	order := seedOrder(t, store, entity.OrderPending, entity.PaymentInitiated, "stub_1_100")

	// Warm the cache through the read path.
	before, err := orderSvc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, entity.OrderPending, before.Status)
	require.True(t, cached.has(ordersvc.CacheKey(order.ID)))

	body := webhookBody("payment.captured", "stub_1_100", 24900)
	outcome, err := paymentSvc.HandleWebhook(context.Background(), body, stub.SignWebhook(body))
	require.NoError(t, err)
	require.True(t, outcome.Applied)

	after, err := orderSvc.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderConfirmed, after.Status)
	assert.Equal(t, entity.PaymentPaid, after.PaymentStatus)
}

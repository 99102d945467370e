package ledger_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/store"
	"restaurant-order-service/internal/util"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var now = time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)

type recordingPublisher struct {
	mu      sync.Mutex
	changes []*models.OrderChange
}

func (p *recordingPublisher) Publish(_ context.Context, change *models.OrderChange) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
}

func (p *recordingPublisher) ofType(eventType string) []*models.OrderChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.OrderChange
	for _, c := range p.changes {
		if c.EventType == eventType {
			out = append(out, c)
		}
	}
	return out
}

// flakyRepo fails selected writes a number of times before delegating.
type flakyRepo struct {
	*store.Memory
	txnFailures   atomic.Int32
	mergeFailures atomic.Int32
}

func (f *flakyRepo) InsertTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, bool, error) {
	if f.txnFailures.Load() > 0 {
		f.txnFailures.Add(-1)
		return nil, false, errors.New("connection reset by peer")
	}
	return f.Memory.InsertTransaction(ctx, txn)
}

func (f *flakyRepo) MergeDailyAggregate(ctx context.Context, orderID string) (bool, error) {
	if f.mergeFailures.Load() > 0 {
		f.mergeFailures.Add(-1)
		return false, errors.New("deadlock detected")
	}
	return f.Memory.MergeDailyAggregate(ctx, orderID)
}

type fixture struct {
	repo      *flakyRepo
	publisher *recordingPublisher
	ledger    *ledger.Ledger
}

func newFixture(t *testing.T, cfg ledger.Config) *fixture {
	t.Helper()
	repo := &flakyRepo{Memory: store.NewMemory()}
	pub := &recordingPublisher{}
	if cfg.RetryInitial == 0 {
		cfg.RetryInitial = time.Millisecond
		cfg.RetryMax = 2 * time.Millisecond
	}
	cfg.Business = models.BusinessDetails{Name: "Corner Grill", TaxNumber: "VAT-1"}
	l := ledger.New(repo, pub, cfg).WithClock(func() time.Time { return now })
	return &fixture{repo: repo, publisher: pub, ledger: l}
}

func (f *fixture) createOrder(t *testing.T, id string, mode models.FulfillmentMode) *models.Order {
	t.Helper()
	order := &models.Order{
		ID: id,
		Items: models.LineItems{
			{ProductID: "burger", Name: "Burger", UnitPrice: decimal.RequireFromString("55.00"), Quantity: 2, Note: "no onion"},
			{ProductID: "chips", Name: "Chips", UnitPrice: decimal.RequireFromString("28.00"), Quantity: 1},
		},
		Customer:        models.Customer{Name: "Ada", Contact: "555-0100"},
		FulfillmentMode: mode,
		Subtotal:        decimal.RequireFromString("138.00"),
		Discount:        decimal.Zero,
		Tax:             decimal.RequireFromString("11.04"),
		Total:           decimal.RequireFromString("149.04"),
		Currency:        "ZAR",
		Status:          models.OrderStatusSubmitted,
		AgentID:         "cashier-7",
	}
	require.NoError(t, f.ledger.CreateOrder(context.Background(), order))
	return order
}

func (f *fixture) succeededAttempt(t *testing.T, orderID string, manual bool, resolvedAt time.Time) *models.PaymentAttempt {
	t.Helper()
	ctx := context.Background()
	att, created, err := f.repo.CreateAttempt(ctx, &models.PaymentAttempt{
		ID:             orderID + "-a1",
		OrderID:        orderID,
		Gateway:        "manual_qr",
		Sequence:       1,
		IdempotencyKey: orderID + "-key",
		Amount:         decimal.RequireFromString("149.04"),
		Currency:       "ZAR",
		Status:         models.AttemptStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	require.True(t, created)

	resolved, _, err := f.repo.ResolveAttempt(ctx, att.ID, models.AttemptResolution{
		Status:                     models.AttemptStatusSucceeded,
		ProviderTxID:               "ref-" + orderID,
		RequiresManualVerification: manual,
		ResolvedAt:                 resolvedAt,
	})
	require.NoError(t, err)
	return resolved
}

func (f *fixture) paidOrder(t *testing.T, id string, mode models.FulfillmentMode) *models.Order {
	t.Helper()
	f.createOrder(t, id, mode)
	att := f.succeededAttempt(t, id, false, now)
	recs, err := f.ledger.RecordPayment(context.Background(), id, att.ID)
	require.NoError(t, err)
	return recs.Order
}

func (f *fixture) advance(t *testing.T, id string, from, to models.OrderStatus, actor orderstate.Actor) {
	t.Helper()
	_, err := f.ledger.Advance(context.Background(), ledger.AdvanceRequest{OrderID: id, Expected: from, Target: to, Actor: actor})
	require.NoError(t, err)
}

func TestCreateOrderRejectsInconsistentTotal(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	order := &models.Order{
		ID:       "o1",
		Subtotal: decimal.RequireFromString("10.00"),
		Discount: decimal.Zero,
		Tax:      decimal.RequireFromString("1.00"),
		Total:    decimal.RequireFromString("12.00"),
		Status:   models.OrderStatusSubmitted,
	}
	err := f.ledger.CreateOrder(context.Background(), order)
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestCreateOrderStampsVersionAndDate(t *testing.T) {
	f := newFixture(t, ledger.Config{Location: time.FixedZone("SAST", 2*3600)})
	order := f.createOrder(t, "o1", models.FulfillmentPickup)

	assert.Equal(t, int64(1), order.Version)
	assert.Equal(t, "2026-03-14", order.BusinessDate)
	require.Len(t, f.publisher.ofType(models.EventTypeOrderCreated), 1)
}

func TestRecordPaymentIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	att := f.succeededAttempt(t, "o1", false, now)

	first, err := f.ledger.RecordPayment(ctx, "o1", att.ID)
	require.NoError(t, err)
	second, err := f.ledger.RecordPayment(ctx, "o1", att.ID)
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPaid, first.Order.Status)
	assert.Equal(t, "manual_qr", first.Order.PaymentMethod)
	assert.Equal(t, first.Receipt.ReceiptNumber, second.Receipt.ReceiptNumber)
	assert.Equal(t, "R-20260314-O1", first.Receipt.ReceiptNumber)
	assert.Equal(t, "Corner Grill", first.Receipt.Business.Name)
	assert.Equal(t, "Burger: no onion", first.Ticket.Notes)
	assert.Equal(t, models.TicketStatusPending, first.Ticket.Status)
	assert.Equal(t, "cashier-7", first.Transaction.AgentID)

	agg, err := f.ledger.GetDailyAggregate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.OrderCount)
	assert.True(t, agg.Total.Equal(decimal.RequireFromString("149.04")))
	assert.True(t, agg.Tax.Equal(decimal.RequireFromString("11.04")))

	txns, err := f.ledger.ListTransactions(ctx, ledger.TransactionQuery{From: "2026-03-01", To: "2026-03-31"})
	require.NoError(t, err)
	assert.Len(t, txns, 1)

	assert.Len(t, f.publisher.ofType(models.EventTypeOrderPaid), 1)
}

func TestRecordPaymentUsesCaptureDateInBusinessTimezone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{Location: time.FixedZone("SAST", 2*3600)})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	att := f.succeededAttempt(t, "o1", false, time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC))

	recs, err := f.ledger.RecordPayment(ctx, "o1", att.ID)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-15", recs.Transaction.BusinessDate)

	agg, err := f.ledger.GetDailyAggregate(ctx, "2026-03-15")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.OrderCount)
}

func TestRecordPaymentRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{RetryAttempts: 4})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	att := f.succeededAttempt(t, "o1", false, now)

	f.repo.txnFailures.Store(1)
	f.repo.mergeFailures.Store(1)

	recs, err := f.ledger.RecordPayment(ctx, "o1", att.ID)
	require.NoError(t, err)
	assert.NotNil(t, recs.Transaction)

	agg, err := f.ledger.GetDailyAggregate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.OrderCount)
	assert.Len(t, f.publisher.ofType(models.EventTypeOrderPaid), 1)
}

func TestRecordPaymentEscalatesAfterRetries(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	restore := util.SetLogger(zap.New(core))
	defer restore()

	ctx := context.Background()
	f := newFixture(t, ledger.Config{RetryAttempts: 3})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	att := f.succeededAttempt(t, "o1", false, now)

	f.repo.mergeFailures.Store(3)
	_, err := f.ledger.RecordPayment(ctx, "o1", att.ID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeLedgerWrite))
	assert.Equal(t, 1, logs.FilterMessageSnippet("operator action required").Len())

	// The order is already paid; re-invoking completes the remaining writes once.
	recs, err := f.ledger.RecordPayment(ctx, "o1", att.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, recs.Order.Status)

	agg, err := f.ledger.GetDailyAggregate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.OrderCount)
}

func TestRecordPaymentForCanceledOrderIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	att := f.succeededAttempt(t, "o1", false, now)

	// The status write below skips the ledger, as an operator editing the row would.
	_, err := f.repo.CompareAndSetStatus(ctx, "o1", models.OrderStatusSubmitted, models.OrderStatusCanceled,
		ledger.StatusPatch{At: now, CancelReason: "manual"})
	require.NoError(t, err)

	_, err = f.ledger.RecordPayment(ctx, "o1", att.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeLedgerWrite))

	_, err = f.ledger.GetReceipt(ctx, "o1")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestRecordPaymentRequiresSucceededAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	att, _, err := f.repo.CreateAttempt(ctx, &models.PaymentAttempt{
		ID: "p1", OrderID: "o1", Gateway: "cash", Sequence: 1, IdempotencyKey: "p1-key",
		Amount: decimal.RequireFromString("149.04"), Status: models.AttemptStatusPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	_, err = f.ledger.RecordPayment(ctx, "o1", att.ID)
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))

	order, err := f.ledger.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSubmitted, order.Status)
}

func TestAdvanceConflictLeavesOrderUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.paidOrder(t, "o1", models.FulfillmentPickup)

	_, err := f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusAccepted, Target: models.OrderStatusPreparing, Actor: orderstate.ActorKitchen,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeConflict))

	order, err := f.ledger.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, order.Status)
}

func TestAdvanceRejectsSkippedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.paidOrder(t, "o1", models.FulfillmentPickup)
	f.advance(t, "o1", models.OrderStatusPaid, models.OrderStatusAccepted, orderstate.ActorKitchen)

	_, err := f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusAccepted, Target: models.OrderStatusReady, Actor: orderstate.ActorKitchen,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))
}

func TestConcurrentAdvanceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.paidOrder(t, "o1", models.FulfillmentPickup)
	f.advance(t, "o1", models.OrderStatusPaid, models.OrderStatusAccepted, orderstate.ActorKitchen)
	f.advance(t, "o1", models.OrderStatusAccepted, models.OrderStatusPreparing, orderstate.ActorKitchen)

	const surfaces = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < surfaces; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Advance(ctx, ledger.AdvanceRequest{
				OrderID: "o1", Expected: models.OrderStatusPreparing, Target: models.OrderStatusReady, Actor: orderstate.ActorKitchen,
			})
			switch {
			case err == nil:
				successes.Add(1)
			case apperrors.Is(err, apperrors.CodeConflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(surfaces-1), conflicts.Load())

	order, err := f.ledger.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusReady, order.Status)
}

func TestCompletionRequiresReadyTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.paidOrder(t, "o1", models.FulfillmentPickup)
	f.advance(t, "o1", models.OrderStatusPaid, models.OrderStatusAccepted, orderstate.ActorKitchen)
	f.advance(t, "o1", models.OrderStatusAccepted, models.OrderStatusPreparing, orderstate.ActorKitchen)
	f.advance(t, "o1", models.OrderStatusPreparing, models.OrderStatusReady, orderstate.ActorKitchen)

	_, err := f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusReady, Target: models.OrderStatusCompleted, Actor: orderstate.ActorCashier,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))

	_, err = f.ledger.AdvanceTicket(ctx, "o1", models.TicketStatusPending, models.TicketStatusPreparing, orderstate.ActorKitchen)
	require.NoError(t, err)
	_, err = f.ledger.AdvanceTicket(ctx, "o1", models.TicketStatusPreparing, models.TicketStatusReady, orderstate.ActorKitchen)
	require.NoError(t, err)

	order, err := f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusReady, Target: models.OrderStatusCompleted, Actor: orderstate.ActorCashier,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, order.Status)

	ticket, err := f.ledger.GetKitchenTicket(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.TicketStatusCompleted, ticket.Status)
	assert.NotNil(t, ticket.CompletedAt)

	_, err = f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusCompleted, Target: models.OrderStatusCanceled, Actor: orderstate.ActorAdmin,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))
}

func TestAdvanceTicketIsOneStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	paid := f.paidOrder(t, "o1", models.FulfillmentPickup)

	_, err := f.ledger.AdvanceTicket(ctx, "o1", models.TicketStatusPending, models.TicketStatusReady, orderstate.ActorKitchen)
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))

	_, err = f.ledger.AdvanceTicket(ctx, "o1", models.TicketStatusPending, models.TicketStatusPreparing, orderstate.ActorCustomer)
	assert.True(t, apperrors.Is(err, apperrors.CodeForbidden))

	_, err = f.ledger.AdvanceTicket(ctx, "o1", models.TicketStatusPending, models.TicketStatusPreparing, orderstate.ActorKitchen)
	require.NoError(t, err)

	changes := f.publisher.ofType(models.EventTypeTicketUpdated)
	require.Len(t, changes, 1)
	assert.Equal(t, paid.Version+1, changes[0].Version)
	assert.Equal(t, models.TicketStatusPreparing, changes[0].Ticket.Status)
}

func TestCancelSubmittedOrderCancelsPendingAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	_, _, err := f.repo.CreateAttempt(ctx, &models.PaymentAttempt{
		ID: "p1", OrderID: "o1", Gateway: "card_redirect", Sequence: 1, IdempotencyKey: "p1-key",
		Amount: decimal.RequireFromString("149.04"), Status: models.AttemptStatusPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	order, err := f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusSubmitted, Target: models.OrderStatusCanceled,
		Actor: orderstate.ActorSystem, Reason: "payment timeout",
	})
	require.NoError(t, err)
	assert.Equal(t, "payment timeout", order.CancelReason)

	att, err := f.repo.GetAttempt(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusCanceled, att.Status)
	assert.Equal(t, "payment timeout", att.FailureReason)

	changes := f.publisher.ofType(models.EventTypeOrderCanceled)
	require.Len(t, changes, 1)
	require.NotNil(t, changes[0].Attempt)
	assert.Equal(t, "p1", changes[0].Attempt.ID)

	_, _, err = f.repo.CreateAttempt(ctx, &models.PaymentAttempt{
		ID: "p2", OrderID: "o1", Gateway: "cash", Sequence: 2, IdempotencyKey: "p2-key",
		Amount: decimal.RequireFromString("149.04"), Status: models.AttemptStatusPending, CreatedAt: now, UpdatedAt: now,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))
}

func TestSubmitStartsPaymentWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	clock := now
	f.ledger.WithClock(func() time.Time { return clock })

	submitted := f.createOrder(t, "o1", models.FulfillmentPickup)
	require.NotNil(t, submitted.SubmittedAt)
	assert.True(t, submitted.SubmittedAt.Equal(now))

	draft := &models.Order{
		ID:              "o2",
		Items:           models.LineItems{{ProductID: "chips", Name: "Chips", UnitPrice: decimal.RequireFromString("28.00"), Quantity: 1}},
		FulfillmentMode: models.FulfillmentPickup,
		Subtotal:        decimal.RequireFromString("28.00"),
		Discount:        decimal.Zero,
		Tax:             decimal.Zero,
		Total:           decimal.RequireFromString("28.00"),
		Currency:        "ZAR",
		Status:          models.OrderStatusDraft,
	}
	require.NoError(t, f.ledger.CreateOrder(ctx, draft))
	assert.Nil(t, draft.SubmittedAt)

	clock = now.Add(45 * time.Minute)
	f.advance(t, "o2", models.OrderStatusDraft, models.OrderStatusSubmitted, orderstate.ActorCustomer)

	stored, err := f.ledger.GetOrder(ctx, "o2")
	require.NoError(t, err)
	require.NotNil(t, stored.SubmittedAt)
	assert.True(t, stored.SubmittedAt.Equal(clock))
	assert.True(t, stored.CreatedAt.Equal(now))
}

func TestCancelAfterCaptureIsForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	f.succeededAttempt(t, "o1", false, now)

	_, err := f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusSubmitted, Target: models.OrderStatusCanceled, Actor: orderstate.ActorCashier,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))

	_, err = f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusSubmitted, Target: models.OrderStatusPaid, Actor: orderstate.ActorPayment,
	})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))
}

func TestVerifyManualPaymentReleasesAggregateOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Config{})
	f.createOrder(t, "o1", models.FulfillmentPickup)
	att := f.succeededAttempt(t, "o1", true, now)

	recs, err := f.ledger.RecordPayment(ctx, "o1", att.ID)
	require.NoError(t, err)
	assert.True(t, recs.Transaction.RequiresManualVerification)

	unverified, err := f.ledger.ListTransactions(ctx, ledger.TransactionQuery{From: "2026-03-14", To: "2026-03-14", UnverifiedOnly: true})
	require.NoError(t, err)
	require.Len(t, unverified, 1)

	agg, err := f.ledger.GetDailyAggregate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.ManualUnverifiedCount)

	for i := 0; i < 2; i++ {
		verified, err := f.ledger.VerifyManualPayment(ctx, att.ID, "admin-1")
		require.NoError(t, err)
		assert.Equal(t, "admin-1", verified.ManualVerifiedBy)
	}

	agg, err = f.ledger.GetDailyAggregate(ctx, "2026-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(0), agg.ManualUnverifiedCount)
	assert.True(t, agg.ManualUnverifiedTotal.IsZero())
	assert.Equal(t, int64(1), agg.OrderCount)

	unverified, err = f.ledger.ListTransactions(ctx, ledger.TransactionQuery{From: "2026-03-14", To: "2026-03-14", UnverifiedOnly: true})
	require.NoError(t, err)
	assert.Empty(t, unverified)
	assert.Len(t, f.publisher.ofType(models.EventTypePaymentVerified), 1)
}

func TestListTransactionsValidatesRange(t *testing.T) {
	f := newFixture(t, ledger.Config{})
	_, err := f.ledger.ListTransactions(context.Background(), ledger.TransactionQuery{From: "2026-03-15", To: "2026-03-14"})
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	_, err = f.ledger.GetDailyAggregate(context.Background(), "14/03/2026")
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))
}

func TestReceiptNumber(t *testing.T) {
	assert.Equal(t, "R-20260314-ABC123", ledger.ReceiptNumber("2026-03-14", "01HZZZZZZZabc123"))
	assert.Equal(t, "R-20260314-O1", ledger.ReceiptNumber("2026-03-14", "o1"))
}

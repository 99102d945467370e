package payment_test

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/gateway"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/payment"
	"restaurant-order-service/internal/settings"
	"restaurant-order-service/internal/store"

	"github.com/shopspring/decimal"
	sq "github.com/square/square-go-sdk"
	sqoption "github.com/square/square-go-sdk/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutPayments struct {
	mu   sync.Mutex
	keys []string
}

func (p *timeoutPayments) Create(_ context.Context, req *sq.CreatePaymentRequest, _ ...sqoption.RequestOption) (*sq.CreatePaymentResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, req.IdempotencyKey)
	return nil, context.DeadlineExceeded
}

var cardCreds = settings.Credentials{
	"merchant_id":  "10000100",
	"merchant_key": "46f0cd694581a",
	"passphrase":   "jt7NOE43FZPn",
	"notify_url":   "https://orders.example.com/api/v1/payments/card_redirect/callback",
	"return_url":   "https://orders.example.com/paid",
}

type fixture struct {
	repo         *store.Memory
	ledger       *ledger.Ledger
	orchestrator *payment.Orchestrator
	square       *timeoutPayments
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := store.NewMemory()
	l := ledger.New(repo, nil, ledger.Config{RetryInitial: time.Millisecond, RetryMax: time.Millisecond})

	square := &timeoutPayments{}
	registry := gateway.NewRegistry(
		gateway.NewCardRedirect(),
		gateway.NewSquareWith(gateway.MethodSquareCard, func(settings.Credentials) gateway.SquarePayments { return square }),
		gateway.NewManualQR(),
		gateway.NewCash(),
	)
	provider := settings.NewProvider(time.Minute, settings.StaticSource{
		gateway.MethodCardRedirect: cardCreds,
		gateway.MethodSquareCard:   {"access_token": "EAAA-test", "location_id": "L1"},
		gateway.MethodManualQR:     {"qr_payload": "000201010211"},
		gateway.MethodCash:         {},
	})

	o := payment.New(l, registry, provider, payment.Config{
		SubmitTimeout: time.Second,
		SubmitRetries: 3,
		RetryInitial:  time.Millisecond,
	})
	return &fixture{repo: repo, ledger: l, orchestrator: o, square: square}
}

func (f *fixture) submittedOrder(t *testing.T, id string) *models.Order {
	t.Helper()
	order := &models.Order{
		ID: id,
		Items: models.LineItems{
			{ProductID: "burger", Name: "Burger", UnitPrice: decimal.RequireFromString("55.00"), Quantity: 2},
			{ProductID: "chips", Name: "Chips", UnitPrice: decimal.RequireFromString("28.00"), Quantity: 1},
		},
		FulfillmentMode: models.FulfillmentPickup,
		Subtotal:        decimal.RequireFromString("138.00"),
		Discount:        decimal.Zero,
		Tax:             decimal.RequireFromString("11.04"),
		Total:           decimal.RequireFromString("149.04"),
		Currency:        "ZAR",
		Status:          models.OrderStatusSubmitted,
	}
	require.NoError(t, f.ledger.CreateOrder(context.Background(), order))
	return order
}

func notification(attemptID, status string) url.Values {
	form := url.Values{
		"m_payment_id":   {attemptID},
		"pf_payment_id":  {"1089250"},
		"payment_status": {status},
		"amount_gross":   {"149.04"},
		"merchant_id":    {cardCreds.Get("merchant_id")},
	}
	form.Set("signature", gateway.Sign(form, cardCreds.Get("passphrase")))
	return form
}

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	assert.Equal(t, payment.IdempotencyKey("o1", "cash", 1), payment.IdempotencyKey("o1", "cash", 1))
	assert.NotEqual(t, payment.IdempotencyKey("o1", "cash", 1), payment.IdempotencyKey("o1", "cash", 2))
	assert.NotEqual(t, payment.IdempotencyKey("o1", "cash", 1), payment.IdempotencyKey("o1", "manual_qr", 1))
}

func TestInitiateUnavailableMethod(t *testing.T) {
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	_, err := f.orchestrator.Initiate(context.Background(), "o1", gateway.MethodHostedCheckout, payment.Options{})
	assert.True(t, apperrors.Is(err, apperrors.CodeMethodUnavailable))

	attempts, err := f.repo.ListAttempts(context.Background(), "o1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestRedirectPaymentWithDuplicateCallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	first, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodCardRedirect, payment.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusPending, first.Attempt.Status)
	assert.NotEmpty(t, first.RedirectURL)

	order, err := f.ledger.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSubmitted, order.Status)

	again, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodCardRedirect, payment.Options{})
	require.NoError(t, err)
	assert.Equal(t, first.Attempt.ID, again.Attempt.ID)
	assert.Equal(t, first.RedirectURL, again.RedirectURL)

	cb := &gateway.Callback{Form: notification(first.Attempt.ID, "COMPLETE")}
	paid, err := f.orchestrator.Reconcile(ctx, gateway.MethodCardRedirect, cb)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusSucceeded, paid.Attempt.Status)
	assert.Equal(t, models.OrderStatusPaid, paid.Order.Status)
	require.NotNil(t, paid.Records)

	dup, err := f.orchestrator.Reconcile(ctx, gateway.MethodCardRedirect, cb)
	require.NoError(t, err)
	assert.Equal(t, paid.Records.Receipt.ReceiptNumber, dup.Records.Receipt.ReceiptNumber)

	agg, err := f.ledger.GetDailyAggregate(ctx, paid.Records.Transaction.BusinessDate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), agg.OrderCount)
	assert.True(t, agg.Total.Equal(decimal.RequireFromString("149.04")))
}

func TestCallbackAmountMismatchIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	res, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodCardRedirect, payment.Options{})
	require.NoError(t, err)

	form := notification(res.Attempt.ID, "COMPLETE")
	form.Set("amount_gross", "1.00")
	form.Set("signature", gateway.Sign(form, cardCreds.Get("passphrase")))

	_, err = f.orchestrator.Reconcile(ctx, gateway.MethodCardRedirect, &gateway.Callback{Form: form})
	assert.True(t, apperrors.Is(err, apperrors.CodeValidation))

	att, err := f.repo.GetAttempt(ctx, res.Attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusPending, att.Status)
}

func TestManualQRPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	res, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodManualQR, payment.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.AttemptStatusSucceeded, res.Attempt.Status)
	assert.True(t, res.Attempt.RequiresManualVerification)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	assert.True(t, res.Records.Transaction.RequiresManualVerification)

	pending, err := f.ledger.ListTransactions(ctx, ledger.TransactionQuery{
		From: res.Records.Transaction.BusinessDate, To: res.Records.Transaction.BusinessDate, UnverifiedOnly: true,
	})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestTimeoutThenDifferentMethod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	_, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodSquareCard, payment.Options{SourceToken: "cnon:card-nonce-ok", RetryOnFailure: true})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CodeGatewayTimeout))

	require.Len(t, f.square.keys, 3)
	assert.Equal(t, f.square.keys[0], f.square.keys[1])
	assert.Equal(t, f.square.keys[0], f.square.keys[2])

	order, err := f.ledger.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSubmitted, order.Status)

	tendered := decimal.RequireFromString("150.00")
	res, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodCash, payment.Options{AmountTendered: &tendered})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempt.Sequence)
	assert.Equal(t, models.OrderStatusPaid, res.Order.Status)
	require.NotNil(t, res.Change)
	assert.True(t, res.Change.Equal(decimal.RequireFromString("0.96")))

	attempts, err := f.ledger.ListAttempts(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, models.AttemptStatusFailed, attempts[0].Status)
	assert.Equal(t, models.AttemptStatusSucceeded, attempts[1].Status)
}

func TestFailedPaymentCancelsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	short := decimal.RequireFromString("20.00")
	_, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodCash, payment.Options{AmountTendered: &short})
	assert.True(t, apperrors.Is(err, apperrors.CodeGatewayRejected))

	order, err := f.ledger.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, order.Status)

	_, err = f.orchestrator.Initiate(ctx, "o1", gateway.MethodCash, payment.Options{})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))
}

func TestCaptureAfterCancelIsEscalated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	res, err := f.orchestrator.Initiate(ctx, "o1", gateway.MethodCardRedirect, payment.Options{})
	require.NoError(t, err)

	_, err = f.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID: "o1", Expected: models.OrderStatusSubmitted, Target: models.OrderStatusCanceled,
		Actor: orderstate.ActorSystem, Reason: "payment timeout",
	})
	require.NoError(t, err)

	_, err = f.orchestrator.Reconcile(ctx, gateway.MethodCardRedirect, &gateway.Callback{Form: notification(res.Attempt.ID, "COMPLETE")})
	assert.True(t, apperrors.Is(err, apperrors.CodeLedgerWrite))

	order, err := f.ledger.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, order.Status)
	_, err = f.ledger.GetReceipt(ctx, "o1")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

// cancelingRepo cancels the order right after the first attempt listing, between the
// orchestrator's status read and its attempt insert.
type cancelingRepo struct {
	*store.Memory
	once   sync.Once
	cancel func()
}

func (r *cancelingRepo) ListAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	attempts, err := r.Memory.ListAttempts(ctx, orderID)
	r.once.Do(r.cancel)
	return attempts, err
}

func TestCancelBetweenStatusReadAndAttemptInsert(t *testing.T) {
	ctx := context.Background()
	repo := &cancelingRepo{Memory: store.NewMemory()}
	l := ledger.New(repo, nil, ledger.Config{RetryInitial: time.Millisecond, RetryMax: time.Millisecond})
	repo.cancel = func() {
		_, err := l.Advance(ctx, ledger.AdvanceRequest{
			OrderID: "o1", Expected: models.OrderStatusSubmitted, Target: models.OrderStatusCanceled,
			Actor: orderstate.ActorSystem, Reason: "payment timeout",
		})
		require.NoError(t, err)
	}
	provider := settings.NewProvider(time.Minute, settings.StaticSource{gateway.MethodCash: {}})
	o := payment.New(l, gateway.NewRegistry(gateway.NewCash()), provider, payment.Config{})

	require.NoError(t, l.CreateOrder(ctx, &models.Order{
		ID:              "o1",
		Items:           models.LineItems{{ProductID: "burger", Name: "Burger", UnitPrice: decimal.RequireFromString("55.00"), Quantity: 1}},
		FulfillmentMode: models.FulfillmentPickup,
		Subtotal:        decimal.RequireFromString("55.00"),
		Discount:        decimal.Zero,
		Tax:             decimal.Zero,
		Total:           decimal.RequireFromString("55.00"),
		Currency:        "ZAR",
		Status:          models.OrderStatusSubmitted,
	}))

	_, err := o.Initiate(ctx, "o1", gateway.MethodCash, payment.Options{})
	assert.True(t, apperrors.Is(err, apperrors.CodeStateConflict))

	order, err := l.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCanceled, order.Status)

	attempts, err := repo.Memory.ListAttempts(ctx, "o1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
	_, err = l.GetReceipt(ctx, "o1")
	assert.True(t, apperrors.Is(err, apperrors.CodeNotFound))
}

func TestConcurrentInitiateKeepsOneActiveAttempt(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.submittedOrder(t, "o1")

	const callers = 30
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]*payment.Result, callers)
		errs    = make([]error, callers)
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = f.orchestrator.Initiate(ctx, "o1", gateway.MethodCardRedirect, payment.Options{})
		}(i)
	}
	close(start)
	wg.Wait()

	attempts, err := f.repo.ListAttempts(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, attempts[0].ID, results[i].Attempt.ID)
		assert.NotEmpty(t, results[i].RedirectURL, "caller %d got no redirect", i)
	}
}

func TestCancelRacingPaymentNeverCapturesCanceledOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	tendered := decimal.RequireFromString("200.00")

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("o%02d", i)
		f.submittedOrder(t, id)

		var (
			wg        sync.WaitGroup
			start     = make(chan struct{})
			payErr    error
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, payErr = f.orchestrator.Initiate(ctx, id, gateway.MethodCash, payment.Options{AmountTendered: &tendered})
		}()
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.ledger.Advance(ctx, ledger.AdvanceRequest{
				OrderID: id, Expected: models.OrderStatusSubmitted, Target: models.OrderStatusCanceled,
				Actor: orderstate.ActorCashier, Reason: "customer left",
			})
		}()
		close(start)
		wg.Wait()

		order, err := f.ledger.GetOrder(ctx, id)
		require.NoError(t, err)
		attempts, err := f.repo.ListAttempts(ctx, id)
		require.NoError(t, err)

		switch order.Status {
		case models.OrderStatusCanceled:
			require.NoError(t, cancelErr)
			require.Error(t, payErr)
			for _, att := range attempts {
				assert.NotEqual(t, models.AttemptStatusSucceeded, att.Status, "order %s", id)
				assert.NotEqual(t, models.AttemptStatusPending, att.Status, "order %s", id)
			}
			_, err = f.ledger.GetReceipt(ctx, id)
			assert.True(t, apperrors.Is(err, apperrors.CodeNotFound), "order %s", id)
		case models.OrderStatusPaid:
			require.NoError(t, payErr)
			require.Error(t, cancelErr)
			assert.True(t, apperrors.Is(cancelErr, apperrors.CodeConflict) || apperrors.Is(cancelErr, apperrors.CodeStateConflict))
			require.Len(t, attempts, 1)
			assert.Equal(t, models.AttemptStatusSucceeded, attempts[0].Status)
		default:
			t.Fatalf("order %s ended %s", id, order.Status)
		}
	}
}

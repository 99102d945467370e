package worker

import (
	"context"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/broker"
	"restaurant-order-service/internal/gateway"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/payment"
	"restaurant-order-service/internal/util"

	"go.uber.org/zap"
)

const defaultDedupeTTL = 24 * time.Hour

// Deduper remembers which events were already handled.
type Deduper interface {
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ClearProcessed(ctx context.Context, key string) error
}

// Reconciler verifies and applies a provider callback.
type Reconciler interface {
	HandleCallback(ctx context.Context, method string, cb *gateway.Callback) (*payment.Result, error)
}

// PaymentCallbackWorker applies provider callbacks queued by the HTTP surface.
type PaymentCallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	reconciler   Reconciler
	deduper      Deduper
	dedupeTTL    time.Duration
	logger       *zap.Logger
}

// NewPaymentCallbackWorker creates a callback worker. deduper may be nil, in which case
// redelivered events rely on the ledger's own idempotency.
func NewPaymentCallbackWorker(consumer *broker.Consumer, reconciler Reconciler, deduper Deduper) *PaymentCallbackWorker {
	w := &PaymentCallbackWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		reconciler:   reconciler,
		deduper:      deduper,
		dedupeTTL:    defaultDedupeTTL,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentCallback(w.HandleCallback)
	return w
}

// Start starts the worker
func (w *PaymentCallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentCallbackWorker) Stop() error {
	w.logger.Info("Stopping payment callback worker")
	return w.consumer.Close()
}

// HandleCallback applies one queued callback. Retryable failures are returned so the
// message stays uncommitted; anything else is logged and dropped.
func (w *PaymentCallbackWorker) HandleCallback(ctx context.Context, event *models.PaymentCallbackEvent) error {
	if w.deduper != nil && event.EventID != "" {
		fresh, err := w.deduper.MarkProcessed(ctx, "callback:"+event.EventID, w.dedupeTTL)
		if err != nil {
			w.logger.Warn("Failed to check callback idempotency", zap.String("event_id", event.EventID), zap.Error(err))
		} else if !fresh {
			w.logger.Info("Callback already processed", zap.String("event_id", event.EventID))
			return nil
		}
	}

	res, err := w.reconciler.HandleCallback(ctx, event.Method, &gateway.Callback{
		Body:   event.Body,
		Header: event.Header,
		Form:   event.Form,
	})
	if err != nil {
		if apperrors.Retryable(err) {
			if w.deduper != nil && event.EventID != "" {
				if clearErr := w.deduper.ClearProcessed(ctx, "callback:"+event.EventID); clearErr != nil {
					w.logger.Warn("Failed to clear callback marker", zap.String("event_id", event.EventID), zap.Error(clearErr))
				}
			}
			return err
		}
		w.logger.Warn("Dropping payment callback",
			zap.String("event_id", event.EventID),
			zap.String("method", event.Method),
			zap.String("code", string(apperrors.CodeOf(err))),
			zap.Error(err))
		return nil
	}

	if res != nil && res.Attempt != nil {
		w.logger.Info("Payment callback applied",
			zap.String("event_id", event.EventID),
			zap.String("attempt_id", res.Attempt.ID),
			zap.String("status", string(res.Attempt.Status)))
	}
	return nil
}

// OrderAdvancer is the part of the order service the expiry worker needs.
type OrderAdvancer interface {
	ListOrders(ctx context.Context, q ledger.OrderQuery) ([]models.Order, error)
	Advance(ctx context.Context, orderID string, expected, target models.OrderStatus, actor orderstate.Actor, reason string) (*models.Order, error)
}

// ExpiryWorker cancels submitted orders whose payment never arrived.
type ExpiryWorker struct {
	orders   OrderAdvancer
	timeout  time.Duration
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger
}

// NewExpiryWorker creates a worker that sweeps every interval for orders submitted
// more than timeout ago. The window starts at submission, not at draft creation.
func NewExpiryWorker(orders OrderAdvancer, timeout, interval time.Duration) *ExpiryWorker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryWorker{
		orders:   orders,
		timeout:  timeout,
		interval: interval,
		batch:    100,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// WithClock replaces the worker clock.
func (w *ExpiryWorker) WithClock(now func() time.Time) *ExpiryWorker {
	w.now = now
	return w
}

// Start sweeps until ctx is done.
func (w *ExpiryWorker) Start(ctx context.Context) error {
	if w.timeout <= 0 {
		w.logger.Info("Order expiry disabled")
		return nil
	}
	w.logger.Info("Starting order expiry worker",
		zap.Duration("timeout", w.timeout),
		zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping order expiry worker")
			return nil
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("Order expiry sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep cancels every submitted order whose payment window has closed and returns
// how many it canceled. Orders that moved on or hold a captured payment are left alone
// and paged past.
func (w *ExpiryWorker) Sweep(ctx context.Context) (int, error) {
	q := ledger.OrderQuery{
		Status:          models.OrderStatusSubmitted,
		SubmittedBefore: w.now().Add(-w.timeout),
		Limit:           w.batch,
	}

	canceled := 0
	for {
		stale, err := w.orders.ListOrders(ctx, q)
		if err != nil {
			return canceled, err
		}

		for _, order := range stale {
			_, err := w.orders.Advance(ctx, order.ID, models.OrderStatusSubmitted, models.OrderStatusCanceled,
				orderstate.ActorSystem, "payment timeout")
			switch {
			case err == nil:
				canceled++
				util.OrdersExpiredTotal.Inc()
				w.logger.Info("Order expired", zap.String("order_id", order.ID))
			case apperrors.Is(err, apperrors.CodeConflict), apperrors.Is(err, apperrors.CodeStateConflict):
				w.logger.Debug("Skipping order expiry", zap.String("order_id", order.ID), zap.Error(err))
			default:
				if ctx.Err() != nil {
					return canceled, ctx.Err()
				}
				w.logger.Warn("Failed to expire order", zap.String("order_id", order.ID), zap.Error(err))
			}
		}

		if len(stale) < w.batch {
			return canceled, nil
		}
		q.AfterID = stale[len(stale)-1].ID
	}
}

package api

import (
	"context"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/gateway"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/payment"
)

// CallbackOutcome is what happened to a provider callback.
type CallbackOutcome struct {
	Queued bool
	Result *payment.Result
}

// CallbackSink takes a raw provider callback off the HTTP request.
type CallbackSink interface {
	Accept(ctx context.Context, method string, cb *gateway.Callback) (*CallbackOutcome, error)
}

// CallbackReconciler applies callbacks synchronously.
type CallbackReconciler interface {
	HandleCallback(ctx context.Context, method string, cb *gateway.Callback) (*payment.Result, error)
}

// InlineCallbacks verifies and applies the callback within the request.
type InlineCallbacks struct {
	Reconciler CallbackReconciler
}

func (s InlineCallbacks) Accept(ctx context.Context, method string, cb *gateway.Callback) (*CallbackOutcome, error) {
	res, err := s.Reconciler.HandleCallback(ctx, method, cb)
	if err != nil {
		return nil, err
	}
	return &CallbackOutcome{Result: res}, nil
}

// CallbackEnqueuer publishes callbacks for asynchronous processing.
type CallbackEnqueuer interface {
	Enqueue(ctx context.Context, event *models.PaymentCallbackEvent) error
}

// QueuedCallbacks hands the callback to the callback worker and acknowledges at once.
// Verification happens in the worker.
type QueuedCallbacks struct {
	Queue CallbackEnqueuer
}

func (s QueuedCallbacks) Accept(ctx context.Context, method string, cb *gateway.Callback) (*CallbackOutcome, error) {
	if err := s.Queue.Enqueue(ctx, &models.PaymentCallbackEvent{
		Method:     method,
		Body:       cb.Body,
		Header:     cb.Header,
		Form:       cb.Form,
		ReceivedAt: time.Now().UTC(),
	}); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "enqueue payment callback")
	}
	return &CallbackOutcome{Queued: true}, nil
}

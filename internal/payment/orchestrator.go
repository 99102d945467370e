package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/gateway"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/settings"
	"restaurant-order-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var attemptNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:restaurant-order-service:payment-attempt"))

var errRedirectPending = errors.New("redirect not stored yet")

// IdempotencyKey derives the provider idempotency key of an attempt.
func IdempotencyKey(orderID, method string, sequence int) string {
	return uuid.NewSHA1(attemptNamespace, []byte(fmt.Sprintf("%s:%s:%d", orderID, method, sequence))).String()
}

// SnapshotSource supplies the current gateway credentials.
type SnapshotSource interface {
	Current(ctx context.Context) (*settings.Snapshot, error)
}

// Config tunes provider calls.
type Config struct {
	SubmitTimeout time.Duration
	SubmitRetries int
	RetryInitial  time.Duration
}

// Options carries caller input for one payment.
type Options struct {
	SourceToken    string           `json:"source_token,omitempty"`
	ReturnURL      string           `json:"return_url,omitempty"`
	CancelURL      string           `json:"cancel_url,omitempty"`
	AmountTendered *decimal.Decimal `json:"amount_tendered,omitempty"`
	// RetryOnFailure keeps the order submitted when the attempt fails so another
	// method can be tried. Otherwise a failed attempt cancels the order.
	RetryOnFailure bool `json:"retry_on_failure,omitempty"`
}

// Result is the state of a payment after an orchestrator call.
type Result struct {
	Attempt     *models.PaymentAttempt `json:"attempt"`
	Order       *models.Order          `json:"order,omitempty"`
	RedirectURL string                 `json:"redirect_url,omitempty"`
	Change      *decimal.Decimal       `json:"change,omitempty"`
	Records     *ledger.PaymentRecords `json:"records,omitempty"`
}

// Orchestrator drives payment attempts through gateway adapters and hands captured
// payments to the ledger.
type Orchestrator struct {
	ledger   *ledger.Ledger
	repo     ledger.Repository
	registry *gateway.Registry
	settings SnapshotSource
	cfg      Config
	logger   *zap.Logger
}

// New creates an orchestrator
func New(l *ledger.Ledger, registry *gateway.Registry, src SnapshotSource, cfg Config) *Orchestrator {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 15 * time.Second
	}
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = 3
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 200 * time.Millisecond
	}
	return &Orchestrator{
		ledger:   l,
		repo:     l.Repository(),
		registry: registry,
		settings: src,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// ListMethods returns the methods available under the current credentials.
func (o *Orchestrator) ListMethods(ctx context.Context) ([]gateway.Method, error) {
	snap, err := o.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	return o.registry.Available(snap), nil
}

// Initiate starts a payment of orderID with method. An order that already has a pending or
// succeeded attempt gets that attempt back instead of a new one. A pending redirect attempt
// is returned once its provider URL is stored, or after SubmitTimeout without one.
func (o *Orchestrator) Initiate(ctx context.Context, orderID, method string, opts Options) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Initiate",
		attribute.String("order_id", orderID), attribute.String("method", method))
	defer span.End()

	snap, err := o.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	adapter, creds, err := o.registry.Resolve(snap, method)
	if err != nil {
		return nil, err
	}

	order, err := o.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	attempts, err := o.repo.ListAttempts(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range attempts {
		if attempts[i].Status.IsActive() {
			return o.resume(ctx, order, &attempts[i])
		}
	}
	if order.Status != models.OrderStatusSubmitted {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "order is %s and cannot be paid", order.Status)
	}

	now := o.ledger.Now()
	seq := len(attempts) + 1
	attempt, created, err := o.repo.CreateAttempt(ctx, &models.PaymentAttempt{
		ID:             ulid.Make().String(),
		OrderID:        order.ID,
		Gateway:        method,
		Sequence:       seq,
		IdempotencyKey: IdempotencyKey(order.ID, method, seq),
		Amount:         order.Total,
		Currency:       order.Currency,
		Status:         models.AttemptStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !created {
		return o.resume(ctx, order, attempt)
	}

	util.PaymentAttemptsTotal.WithLabelValues(method).Inc()
	o.logger.Info("Payment attempt created",
		zap.String("order_id", order.ID),
		zap.String("attempt_id", attempt.ID),
		zap.String("method", method),
		zap.Int("sequence", seq))
	o.ledger.NotifyAttempt(ctx, attempt)

	req, err := adapter.BuildRequest(creds, order, attempt, gateway.RequestOptions{
		SourceToken:    opts.SourceToken,
		ReturnURL:      opts.ReturnURL,
		CancelURL:      opts.CancelURL,
		AmountTendered: opts.AmountTendered,
	})
	if err != nil {
		return o.failWith(ctx, attempt, err, !opts.RetryOnFailure)
	}

	outcome, err := o.submit(ctx, adapter, creds, req)
	if err != nil {
		util.RecordError(span, err)
		return o.failWith(ctx, attempt, err, !opts.RetryOnFailure)
	}

	if outcome.Redirect != nil {
		updated, err := o.repo.SetAttemptRedirect(ctx, attempt.ID, outcome.Redirect.ProviderTxID, outcome.Redirect.URL, o.ledger.Now())
		if err != nil {
			return nil, err
		}
		o.ledger.NotifyAttempt(ctx, updated)
		return &Result{Attempt: updated, Order: order, RedirectURL: updated.RedirectURL}, nil
	}

	result, err := o.apply(ctx, attempt, outcome.Sync, !opts.RetryOnFailure)
	if err != nil {
		return nil, err
	}
	if method == gateway.MethodCash && opts.AmountTendered != nil {
		change := gateway.Change(order.Total, opts.AmountTendered)
		result.Change = &change
	}
	return result, nil
}

// resume returns an active attempt, completing the ledger write of a succeeded one.
func (o *Orchestrator) resume(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt) (*Result, error) {
	if attempt.Status == models.AttemptStatusPending && attempt.RedirectURL == "" {
		attempt = o.awaitRedirect(ctx, attempt)
	}
	if attempt.Status != models.AttemptStatusSucceeded {
		return &Result{Attempt: attempt, Order: order, RedirectURL: attempt.RedirectURL}, nil
	}
	records, err := o.ledger.RecordPayment(ctx, order.ID, attempt.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Attempt: attempt, Order: records.Order, Records: records}, nil
}

// awaitRedirect re-reads a redirect attempt until the caller that created it has stored
// the provider URL or the attempt left pending.
func (o *Orchestrator) awaitRedirect(ctx context.Context, attempt *models.PaymentAttempt) *models.PaymentAttempt {
	if kind, ok := o.registry.Kind(attempt.Gateway); !ok || kind != gateway.KindRedirect {
		return attempt
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = o.cfg.SubmitTimeout

	current := attempt
	err := backoff.Retry(func() error {
		a, err := o.repo.GetAttempt(ctx, attempt.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		current = a
		if a.Status == models.AttemptStatusPending && a.RedirectURL == "" {
			return errRedirectPending
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		o.logger.Warn("Returning redirect attempt without a provider URL",
			zap.String("attempt_id", attempt.ID),
			zap.Error(err))
	}
	return current
}

// submit calls the adapter with a bounded timeout. Timeouts of in-page adapters are retried
// with the same request and therefore the same idempotency key.
func (o *Orchestrator) submit(ctx context.Context, adapter gateway.Adapter, creds settings.Credentials, req *gateway.ProviderRequest) (*gateway.Outcome, error) {
	var outcome *gateway.Outcome
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		defer cancel()

		start := time.Now()
		out, err := adapter.Submit(callCtx, creds, req)
		util.PaymentProcessingLatency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
		if err != nil {
			if apperrors.Is(err, apperrors.CodeGatewayTimeout) {
				util.GatewayTimeoutsTotal.WithLabelValues(req.Method).Inc()
				if adapter.Kind() == gateway.KindSync {
					return err
				}
			}
			return backoff.Permanent(err)
		}
		outcome = out
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryInitial
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.SubmitRetries-1)), ctx)

	err := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		o.logger.Warn("Retrying gateway submit",
			zap.String("attempt_id", req.AttemptID),
			zap.String("method", req.Method),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

// failWith resolves attempt as failed because of err and returns err to the caller.
func (o *Orchestrator) failWith(ctx context.Context, attempt *models.PaymentAttempt, cause error, cancelOrder bool) (*Result, error) {
	o.logger.Warn("Payment attempt failed",
		zap.String("order_id", attempt.OrderID),
		zap.String("attempt_id", attempt.ID),
		zap.String("method", attempt.Gateway),
		zap.Error(cause))

	if _, err := o.apply(ctx, attempt, &gateway.Result{
		AttemptID:     attempt.ID,
		Status:        models.AttemptStatusFailed,
		FailureReason: cause.Error(),
	}, cancelOrder); err != nil {
		o.logger.Error("Failed to record attempt failure", zap.String("attempt_id", attempt.ID), zap.Error(err))
	}
	return nil, cause
}

// ReconcileAttempt applies a provider result to an attempt and, for a capture, performs
// the ledger write.
func (o *Orchestrator) ReconcileAttempt(ctx context.Context, attemptID string, res *gateway.Result) (*Result, error) {
	attempt, err := o.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return o.apply(ctx, attempt, res, false)
}

// Reconcile verifies a provider callback for method and applies it. Callbacks that carry
// no payment outcome return a nil result.
func (o *Orchestrator) Reconcile(ctx context.Context, method string, cb *gateway.Callback) (*Result, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.Reconcile", attribute.String("method", method))
	defer span.End()

	snap, err := o.settings.Current(ctx)
	if err != nil {
		return nil, err
	}
	adapter, creds, err := o.registry.Verifier(snap, method)
	if err != nil {
		return nil, err
	}

	res, err := adapter.VerifyCallback(ctx, creds, cb)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues(method, "rejected").Inc()
		util.RecordError(span, err)
		o.logger.Warn("Payment callback rejected", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	if res == nil {
		util.PaymentCallbacksTotal.WithLabelValues(method, "ignored").Inc()
		return nil, nil
	}

	attempt, err := o.repo.GetAttempt(ctx, res.AttemptID)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues(method, "unknown_attempt").Inc()
		return nil, err
	}
	if attempt.Gateway != method {
		util.PaymentCallbacksTotal.WithLabelValues(method, "rejected").Inc()
		return nil, apperrors.Newf(apperrors.CodeValidation, "attempt %s was not made with %s", attempt.ID, method)
	}

	result, err := o.apply(ctx, attempt, res, false)
	if err != nil {
		util.PaymentCallbacksTotal.WithLabelValues(method, "failed").Inc()
		return nil, err
	}
	util.PaymentCallbacksTotal.WithLabelValues(method, "applied").Inc()
	return result, nil
}

// apply writes a provider result into the attempt and continues the order accordingly.
func (o *Orchestrator) apply(ctx context.Context, attempt *models.PaymentAttempt, res *gateway.Result, cancelOrder bool) (*Result, error) {
	now := o.ledger.Now()

	if res.Status == models.AttemptStatusPending {
		if res.ProviderTxID != "" && attempt.Status == models.AttemptStatusPending && attempt.ProviderTxID == "" {
			updated, err := o.repo.SetAttemptRedirect(ctx, attempt.ID, res.ProviderTxID, attempt.RedirectURL, now)
			if err == nil {
				attempt = updated
			}
		}
		return &Result{Attempt: attempt}, nil
	}

	if res.Status == models.AttemptStatusSucceeded && res.Amount != nil && !res.Amount.Equal(attempt.Amount) {
		o.logger.Error("Provider amount does not match attempt",
			zap.String("attempt_id", attempt.ID),
			zap.String("expected", attempt.Amount.StringFixed(2)),
			zap.String("reported", res.Amount.StringFixed(2)))
		return nil, apperrors.New(apperrors.CodeValidation, "provider amount does not match the attempt").
			WithDetails(map[string]string{"expected": attempt.Amount.StringFixed(2), "reported": res.Amount.StringFixed(2)})
	}

	stored, applied, err := o.repo.ResolveAttempt(ctx, attempt.ID, res.Resolution(now))
	if err != nil {
		if apperrors.Is(err, apperrors.CodeConflict) && res.Status == models.AttemptStatusSucceeded {
			return nil, o.captureOnClosedAttempt(ctx, attempt.ID, res)
		}
		return nil, err
	}

	if applied {
		util.PaymentResultsTotal.WithLabelValues(stored.Gateway, string(stored.Status)).Inc()
		o.logger.Info("Payment attempt resolved",
			zap.String("order_id", stored.OrderID),
			zap.String("attempt_id", stored.ID),
			zap.String("status", string(stored.Status)),
			zap.Bool("manual_verification", stored.RequiresManualVerification))
	}

	if stored.Status == models.AttemptStatusSucceeded {
		records, err := o.ledger.RecordPayment(ctx, stored.OrderID, stored.ID)
		if err != nil {
			return nil, err
		}
		return &Result{Attempt: stored, Order: records.Order, Records: records}, nil
	}

	if applied {
		o.ledger.NotifyAttempt(ctx, stored)
	}
	order, err := o.repo.GetOrder(ctx, stored.OrderID)
	if err != nil {
		return nil, err
	}
	if cancelOrder && order.Status == models.OrderStatusSubmitted {
		canceled, err := o.ledger.Advance(ctx, ledger.AdvanceRequest{
			OrderID:  order.ID,
			Expected: models.OrderStatusSubmitted,
			Target:   models.OrderStatusCanceled,
			Actor:    orderstate.ActorPayment,
			Reason:   fmt.Sprintf("payment %s: %s", stored.Status, stored.FailureReason),
		})
		switch {
		case err == nil:
			order = canceled
		case apperrors.Is(err, apperrors.CodeConflict), apperrors.Is(err, apperrors.CodeStateConflict):
			o.logger.Info("Order moved before failure cancel", zap.String("order_id", order.ID), zap.Error(err))
		default:
			return nil, err
		}
	}
	return &Result{Attempt: stored, Order: order}, nil
}

// captureOnClosedAttempt escalates a provider capture that arrived after the attempt was
// already failed or canceled. The funds need manual reconciliation.
func (o *Orchestrator) captureOnClosedAttempt(ctx context.Context, attemptID string, res *gateway.Result) error {
	current, err := o.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if current.Status == models.AttemptStatusSucceeded {
		return apperrors.Conflict("payment attempt", string(res.Status), string(current.Status))
	}

	util.PaymentAfterCancelTotal.Inc()
	o.logger.Error("Payment captured on a closed attempt, manual reconciliation required",
		zap.String("order_id", current.OrderID),
		zap.String("attempt_id", current.ID),
		zap.String("attempt_status", string(current.Status)),
		zap.String("gateway", current.Gateway),
		zap.String("provider_tx_id", res.ProviderTxID))
	return apperrors.New(apperrors.CodeLedgerWrite, "payment captured after the attempt was closed").
		WithDetails(map[string]string{"order_id": current.OrderID, "attempt_id": current.ID})
}

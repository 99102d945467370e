package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/util"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher receives every committed order change.
type Publisher interface {
	Publish(ctx context.Context, change *models.OrderChange)
}

// Config holds the business settings the ledger stamps onto records.
type Config struct {
	Business          models.BusinessDetails
	Location          *time.Location
	TargetPrepMinutes int
	RetryAttempts     int
	RetryInitial      time.Duration
	RetryMax          time.Duration
}

// Ledger is the only writer of orders, receipts, transactions, kitchen tickets and daily aggregates.
type Ledger struct {
	repo      Repository
	publisher Publisher
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a ledger over repo
func New(repo Repository, publisher Publisher, cfg Config) *Ledger {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 5
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 50 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 2 * time.Second
	}
	if cfg.TargetPrepMinutes <= 0 {
		cfg.TargetPrepMinutes = 15
	}
	return &Ledger{
		repo:      repo,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    util.GetLogger(),
	}
}

// WithClock replaces the ledger clock.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now returns the ledger clock reading.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// BusinessDate formats t as a business date in the configured timezone.
func (l *Ledger) BusinessDate(t time.Time) string {
	return t.In(l.cfg.Location).Format(models.BusinessDateLayout)
}

// Repository exposes the underlying repository to collaborators that own other records.
func (l *Ledger) Repository() Repository {
	return l.repo
}

// CreateOrder persists a new draft or submitted order.
func (l *Ledger) CreateOrder(ctx context.Context, order *models.Order) error {
	ctx, span := util.StartSpan(ctx, "Ledger.CreateOrder")
	defer span.End()

	if order.Status != models.OrderStatusDraft && order.Status != models.OrderStatusSubmitted {
		return apperrors.Newf(apperrors.CodeValidation, "orders start as draft or submitted, not %s", order.Status)
	}
	if !order.TotalConsistent() {
		return apperrors.New(apperrors.CodeValidation, "order total does not match subtotal, discount and tax")
	}

	now := l.now()
	order.Version = 1
	order.CreatedAt = now
	order.UpdatedAt = now
	order.BusinessDate = l.BusinessDate(now)
	if order.Status == models.OrderStatusSubmitted {
		order.SubmittedAt = &now
	}

	if err := l.repo.CreateOrder(ctx, order); err != nil {
		util.RecordError(span, err)
		return fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.WithLabelValues(string(order.FulfillmentMode)).Inc()
	l.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("total", order.Total.StringFixed(2)))

	l.publish(ctx, models.EventTypeOrderCreated, order, "", nil, nil)
	return nil
}

// AdvanceRequest asks for one conditional status transition.
type AdvanceRequest struct {
	OrderID  string
	Expected models.OrderStatus
	Target   models.OrderStatus
	Actor    orderstate.Actor
	Reason   string
}

// Advance applies a single legal transition if the stored status still equals Expected.
// A mismatch fails with CONFLICT and leaves every record untouched.
func (l *Ledger) Advance(ctx context.Context, req AdvanceRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.Advance")
	defer span.End()

	if req.Target == models.OrderStatusPaid {
		return nil, apperrors.New(apperrors.CodeStateConflict, "orders become paid only through a captured payment")
	}

	order, err := l.repo.GetOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if err := orderstate.Check(req.Expected, req.Target, req.Actor, order.FulfillmentMode); err != nil {
		return nil, err
	}
	if order.Status != req.Expected {
		util.OrderConflictsTotal.WithLabelValues("order").Inc()
		return nil, apperrors.Conflict("order", string(req.Expected), string(order.Status))
	}

	if req.Target == models.OrderStatusCompleted {
		if err := l.requireTicketReady(ctx, order.ID); err != nil {
			return nil, err
		}
	}

	patch := StatusPatch{At: l.now()}
	if req.Target == models.OrderStatusCanceled {
		patch.CancelReason = req.Reason
		if patch.CancelReason == "" {
			patch.CancelReason = fmt.Sprintf("canceled by %s", req.Actor)
		}
	}

	var (
		updated  *models.Order
		released []models.PaymentAttempt
	)
	if req.Target == models.OrderStatusCanceled && req.Expected == models.OrderStatusSubmitted {
		updated, released, err = l.repo.CancelSubmitted(ctx, order.ID, patch)
	} else {
		updated, err = l.repo.CompareAndSetStatus(ctx, order.ID, req.Expected, req.Target, patch)
	}
	if err != nil {
		if apperrors.Is(err, apperrors.CodeConflict) {
			util.OrderConflictsTotal.WithLabelValues("order").Inc()
		}
		util.RecordError(span, err)
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(string(req.Expected), string(req.Target)).Inc()
	for _, att := range released {
		util.PaymentResultsTotal.WithLabelValues(att.Gateway, string(att.Status)).Inc()
	}
	l.logger.Info("Order advanced",
		zap.String("order_id", updated.ID),
		zap.String("from", string(req.Expected)),
		zap.String("to", string(req.Target)),
		zap.String("actor", string(req.Actor)),
		zap.Int("released_attempts", len(released)))

	var ticket *models.KitchenTicket
	if req.Target == models.OrderStatusCompleted {
		ticket = l.closeTicket(ctx, updated.ID)
	}

	eventType := models.EventTypeOrderStatusChanged
	if req.Target == models.OrderStatusCanceled {
		eventType = models.EventTypeOrderCanceled
	}
	var att *models.PaymentAttempt
	if len(released) > 0 {
		att = &released[len(released)-1]
	}
	l.publish(ctx, eventType, updated, req.Expected, att, ticket)
	return updated, nil
}

func (l *Ledger) requireTicketReady(ctx context.Context, orderID string) error {
	ticket, err := l.repo.GetKitchenTicket(ctx, orderID)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNotFound) {
			return apperrors.New(apperrors.CodeStateConflict, "order has no kitchen ticket")
		}
		return err
	}
	if ticket.Status.Rank() < models.TicketStatusReady.Rank() {
		return apperrors.Newf(apperrors.CodeStateConflict, "kitchen ticket is %s, not ready", ticket.Status).
			WithDetails(map[string]string{"ticket_status": string(ticket.Status)})
	}
	return nil
}

// closeTicket moves a ready ticket to completed once its order is completed.
func (l *Ledger) closeTicket(ctx context.Context, orderID string) *models.KitchenTicket {
	ticket, err := l.repo.CompareAndSetTicketStatus(ctx, orderID, models.TicketStatusReady, models.TicketStatusCompleted, l.now())
	if err != nil {
		if !apperrors.Is(err, apperrors.CodeConflict) {
			l.logger.Warn("Failed to close kitchen ticket", zap.String("order_id", orderID), zap.Error(err))
		}
		return nil
	}
	return ticket
}

// PaymentRecords is everything RecordPayment guarantees to exist for a paid order.
type PaymentRecords struct {
	Order       *models.Order         `json:"order"`
	Receipt     *models.Receipt       `json:"receipt"`
	Transaction *models.Transaction   `json:"transaction"`
	Ticket      *models.KitchenTicket `json:"kitchen_ticket"`
}

// RecordPayment performs the linked write for a succeeded attempt: order to paid, receipt,
// transaction, kitchen ticket and daily aggregate. Every step is insert-if-absent, so the
// whole operation is retried on failure and may be re-invoked with the same arguments.
func (l *Ledger) RecordPayment(ctx context.Context, orderID, attemptID string) (*PaymentRecords, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.RecordPayment")
	defer span.End()

	var records *PaymentRecords
	op := func() error {
		r, err := l.recordPaymentOnce(ctx, orderID, attemptID)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		records = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		util.LedgerRetriesTotal.Inc()
		l.logger.Warn("Retrying payment record",
			zap.String("order_id", orderID),
			zap.String("attempt_id", attemptID),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, l.retryPolicy(ctx), notify); err != nil {
		util.RecordError(span, err)
		if isPermanent(err) {
			return nil, err
		}
		util.LedgerWriteFailuresTotal.Inc()
		l.logger.Error("Payment record failed after retries, operator action required",
			zap.String("order_id", orderID),
			zap.String("attempt_id", attemptID),
			zap.Int("attempts", l.cfg.RetryAttempts),
			zap.Error(err))
		return nil, apperrors.Wrap(apperrors.CodeLedgerWrite, err, "record payment")
	}
	return records, nil
}

func (l *Ledger) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.RetryInitial
	b.MaxInterval = l.cfg.RetryMax
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.cfg.RetryAttempts-1)), ctx)
}

// isPermanent reports whether retrying err cannot change the outcome.
func isPermanent(err error) bool {
	typed := apperrors.As(err)
	return typed != nil && !apperrors.MetadataFor(typed.Code()).Retryable
}

func (l *Ledger) recordPaymentOnce(ctx context.Context, orderID, attemptID string) (*PaymentRecords, error) {
	att, err := l.repo.GetAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	if att.OrderID != orderID {
		return nil, apperrors.Newf(apperrors.CodeValidation, "attempt %s does not belong to order %s", attemptID, orderID)
	}
	if att.Status != models.AttemptStatusSucceeded {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "attempt is %s, not succeeded", att.Status)
	}

	order, err := l.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order, paidNow, err := l.markPaid(ctx, order, att)
	if err != nil {
		return nil, err
	}

	capturedAt := att.UpdatedAt
	if att.ResolvedAt != nil {
		capturedAt = *att.ResolvedAt
	}
	date := l.BusinessDate(capturedAt)

	receipt, receiptCreated, err := l.repo.InsertReceipt(ctx, l.buildReceipt(order, att, date, capturedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert receipt: %w", err)
	}
	txn, txnCreated, err := l.repo.InsertTransaction(ctx, l.buildTransaction(order, att, date, capturedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	ticket, ticketCreated, err := l.repo.InsertKitchenTicket(ctx, l.buildTicket(order, capturedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert kitchen ticket: %w", err)
	}
	merged, err := l.repo.MergeDailyAggregate(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to merge daily aggregate: %w", err)
	}

	if paidNow || receiptCreated || txnCreated || ticketCreated || merged {
		l.logger.Info("Payment recorded",
			zap.String("order_id", order.ID),
			zap.String("attempt_id", att.ID),
			zap.String("receipt", receipt.ReceiptNumber),
			zap.String("business_date", txn.BusinessDate),
			zap.Bool("manual_verification", att.ManualVerificationPending()))
		l.publish(ctx, models.EventTypeOrderPaid, order, models.OrderStatusSubmitted, att, ticket)
	}

	return &PaymentRecords{
		Order:       order,
		Receipt:     receipt,
		Transaction: txn,
		Ticket:      ticket,
	}, nil
}

// markPaid moves a submitted order to paid. Orders already past paid are accepted as is.
func (l *Ledger) markPaid(ctx context.Context, order *models.Order, att *models.PaymentAttempt) (*models.Order, bool, error) {
	if order.Status == models.OrderStatusSubmitted {
		updated, err := l.repo.CompareAndSetStatus(ctx, order.ID, models.OrderStatusSubmitted, models.OrderStatusPaid, StatusPatch{
			At:            l.now(),
			PaymentMethod: att.Gateway,
		})
		if err == nil {
			util.OrderTransitionsTotal.WithLabelValues(string(models.OrderStatusSubmitted), string(models.OrderStatusPaid)).Inc()
			return updated, true, nil
		}
		if !apperrors.Is(err, apperrors.CodeConflict) {
			return nil, false, err
		}
		util.OrderConflictsTotal.WithLabelValues("order").Inc()
		if order, err = l.repo.GetOrder(ctx, order.ID); err != nil {
			return nil, false, err
		}
	}

	switch {
	case order.Status.IsCaptured():
		return order, false, nil
	case order.Status == models.OrderStatusCanceled:
		util.PaymentAfterCancelTotal.Inc()
		l.logger.Error("Payment captured for a canceled order, manual reconciliation required",
			zap.String("order_id", order.ID),
			zap.String("attempt_id", att.ID),
			zap.String("gateway", att.Gateway),
			zap.String("provider_tx_id", att.ProviderTxID),
			zap.String("amount", att.Amount.StringFixed(2)))
		return nil, false, apperrors.New(apperrors.CodeLedgerWrite, "payment captured for a canceled order").
			WithDetails(map[string]string{"order_id": order.ID, "attempt_id": att.ID})
	default:
		return nil, false, apperrors.Newf(apperrors.CodeStateConflict, "order is %s and cannot be paid", order.Status)
	}
}

// ReceiptNumber derives the receipt number of an order captured on date.
func ReceiptNumber(date, orderID string) string {
	suffix := orderID
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("R-%s-%s", strings.ReplaceAll(date, "-", ""), strings.ToUpper(suffix))
}

func (l *Ledger) buildReceipt(order *models.Order, att *models.PaymentAttempt, date string, at time.Time) *models.Receipt {
	return &models.Receipt{
		OrderID:       order.ID,
		ReceiptNumber: ReceiptNumber(date, order.ID),
		AttemptID:     att.ID,
		Business:      l.cfg.Business,
		Customer:      order.Customer,
		Items:         order.Items,
		Subtotal:      order.Subtotal,
		Discount:      order.Discount,
		Tax:           order.Tax,
		Total:         order.Total,
		Currency:      order.Currency,
		PaymentMethod: att.Gateway,
		IssuedAt:      at,
	}
}

func (l *Ledger) buildTransaction(order *models.Order, att *models.PaymentAttempt, date string, at time.Time) *models.Transaction {
	return &models.Transaction{
		OrderID:                    order.ID,
		AttemptID:                  att.ID,
		BusinessDate:               date,
		AgentID:                    order.AgentID,
		FulfillmentMode:            order.FulfillmentMode,
		Gateway:                    att.Gateway,
		ProviderTxID:               att.ProviderTxID,
		Subtotal:                   order.Subtotal,
		Discount:                   order.Discount,
		Tax:                        order.Tax,
		Total:                      order.Total,
		Currency:                   order.Currency,
		RequiresManualVerification: att.RequiresManualVerification,
		ManualVerifiedAt:           att.ManualVerifiedAt,
		CreatedAt:                  at,
	}
}

func (l *Ledger) buildTicket(order *models.Order, at time.Time) *models.KitchenTicket {
	var notes []string
	for _, item := range order.Items {
		if item.Note != "" {
			notes = append(notes, fmt.Sprintf("%s: %s", item.Name, item.Note))
		}
	}
	return &models.KitchenTicket{
		OrderID:           order.ID,
		Items:             order.Items,
		Notes:             strings.Join(notes, "; "),
		TargetPrepMinutes: l.cfg.TargetPrepMinutes,
		Status:            models.TicketStatusPending,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}

// AdvanceTicket moves a kitchen ticket exactly one step forward if it is still at expected.
func (l *Ledger) AdvanceTicket(ctx context.Context, orderID string, expected, target models.TicketStatus, actor orderstate.Actor) (*models.KitchenTicket, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.AdvanceTicket")
	defer span.End()

	switch actor {
	case orderstate.ActorKitchen, orderstate.ActorCashier, orderstate.ActorAdmin:
	default:
		return nil, apperrors.Newf(apperrors.CodeForbidden, "%s may not update kitchen tickets", actor)
	}
	if next, ok := expected.Next(); !ok || next != target {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "ticket transition %s -> %s is not allowed", expected, target)
	}

	ticket, err := l.repo.CompareAndSetTicketStatus(ctx, orderID, expected, target, l.now())
	if err != nil {
		if apperrors.Is(err, apperrors.CodeConflict) {
			util.OrderConflictsTotal.WithLabelValues("kitchen_ticket").Inc()
		}
		util.RecordError(span, err)
		return nil, err
	}

	l.logger.Info("Kitchen ticket advanced",
		zap.String("order_id", orderID),
		zap.String("from", string(expected)),
		zap.String("to", string(target)))
	l.touchAndPublish(ctx, orderID, models.EventTypeTicketUpdated, nil, ticket)
	return ticket, nil
}

// VerifyManualPayment records an operator's confirmation that manually collected funds arrived.
func (l *Ledger) VerifyManualPayment(ctx context.Context, attemptID, operator string) (*models.PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "Ledger.VerifyManualPayment")
	defer span.End()

	if strings.TrimSpace(operator) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "operator is required")
	}
	att, applied, err := l.repo.VerifyManualPayment(ctx, attemptID, operator, l.now())
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	if !applied {
		return att, nil
	}

	util.ManualVerificationsTotal.Inc()
	l.logger.Info("Manual payment verified",
		zap.String("attempt_id", att.ID),
		zap.String("order_id", att.OrderID),
		zap.String("operator", operator))
	l.touchAndPublish(ctx, att.OrderID, models.EventTypePaymentVerified, att, nil)
	return att, nil
}

// NotifyAttempt publishes a change for an attempt written outside the ledger.
func (l *Ledger) NotifyAttempt(ctx context.Context, att *models.PaymentAttempt) {
	l.touchAndPublish(ctx, att.OrderID, models.EventTypeAttemptUpdated, att, nil)
}

func (l *Ledger) touchAndPublish(ctx context.Context, orderID, eventType string, att *models.PaymentAttempt, ticket *models.KitchenTicket) {
	order, err := l.repo.TouchOrder(ctx, orderID, l.now())
	if err != nil {
		l.logger.Warn("Failed to bump order version",
			zap.String("order_id", orderID),
			zap.String("event_type", eventType),
			zap.Error(err))
		return
	}
	l.publish(ctx, eventType, order, order.Status, att, ticket)
}

func (l *Ledger) publish(ctx context.Context, eventType string, order *models.Order, prev models.OrderStatus, att *models.PaymentAttempt, ticket *models.KitchenTicket) {
	if l.publisher == nil {
		return
	}
	snapshot := *order
	l.publisher.Publish(ctx, &models.OrderChange{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.NewString(),
			EventType: eventType,
			Timestamp: l.now(),
		},
		OrderID:        order.ID,
		Version:        order.Version,
		Status:         order.Status,
		PreviousStatus: prev,
		BusinessDate:   order.BusinessDate,
		Order:          &snapshot,
		Attempt:        att,
		Ticket:         ticket,
	})
}

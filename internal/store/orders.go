package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, items, customer, fulfillment_mode, subtotal, discount, tax, total, currency,
			status, payment_method, agent_id, business_date, cancel_reason, version, created_at, updated_at,
			submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err := s.db.ExecContext(ctx, query,
		order.ID, order.Items, order.Customer, order.FulfillmentMode, order.Subtotal, order.Discount,
		order.Tax, order.Total, order.Currency, order.Status, order.PaymentMethod, order.AgentID,
		order.BusinessDate, order.CancelReason, order.Version, order.CreatedAt, order.UpdatedAt,
		order.SubmittedAt)
	if isUniqueViolation(err) {
		return apperrors.Newf(apperrors.CodeConflict, "order %s already exists", order.ID)
	}
	return err
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return &order, nil
}

// ListOrders retrieves orders matching q, oldest first
func (s *Store) ListOrders(ctx context.Context, q ledger.OrderQuery) ([]models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.OrderID != "" {
		where = append(where, "id = ?")
		args = append(args, q.OrderID)
	}
	if q.BusinessDate != "" {
		where = append(where, "business_date = ?")
		args = append(args, q.BusinessDate)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, q.Status)
	}
	if q.OpenOnly {
		where = append(where, "status NOT IN ('completed', 'canceled')")
	}
	if !q.SubmittedBefore.IsZero() {
		where = append(where, "submitted_at < ?")
		args = append(args, q.SubmittedBefore)
	}
	if q.AfterID != "" {
		where = append(where, "id > ?")
		args = append(args, q.AfterID)
	}

	query := "SELECT * FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, s.db.Rebind(query), args...)
	return orders, err
}

// CompareAndSetStatus updates order status only if it still equals expected
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, target models.OrderStatus, patch ledger.StatusPatch) (*models.Order, error) {
	query := `
		UPDATE orders
		SET status = $1,
			version = version + 1,
			updated_at = $2,
			submitted_at = CASE WHEN $1::text = 'submitted' THEN $2 ELSE submitted_at END,
			payment_method = COALESCE(NULLIF($3, ''), payment_method),
			cancel_reason = COALESCE(NULLIF($4, ''), cancel_reason)
		WHERE id = $5 AND status = $6
		RETURNING *`

	var order models.Order
	err := s.db.GetContext(ctx, &order, query, target, patch.At, patch.PaymentMethod, patch.CancelReason, id, expected)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetOrder(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Conflict("order", string(expected), string(current.Status))
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// TouchOrder bumps the order version
func (s *Store) TouchOrder(ctx context.Context, id string, at time.Time) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"UPDATE orders SET version = version + 1, updated_at = $1 WHERE id = $2 RETURNING *", at, id)
	if err != nil {
		return nil, notFound(err, "order", id)
	}
	return &order, nil
}

// CancelSubmitted cancels a submitted order and its pending attempts in one transaction.
// The order row lock serializes it with CreateAttempt.
func (s *Store) CancelSubmitted(ctx context.Context, id string, patch ledger.StatusPatch) (*models.Order, []models.PaymentAttempt, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	var status string
	if err := tx.GetContext(ctx, &status, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", id); err != nil {
		return nil, nil, notFound(err, "order", id)
	}
	if models.OrderStatus(status) != models.OrderStatusSubmitted {
		return nil, nil, apperrors.Conflict("order", string(models.OrderStatusSubmitted), status)
	}

	attempts := []models.PaymentAttempt{}
	if err := tx.SelectContext(ctx, &attempts,
		"SELECT * FROM payment_attempts WHERE order_id = $1 FOR UPDATE", id); err != nil {
		return nil, nil, err
	}
	for _, a := range attempts {
		if a.Status == models.AttemptStatusSucceeded {
			return nil, nil, apperrors.New(apperrors.CodeStateConflict, "order has a captured payment and cannot be canceled")
		}
	}

	canceled := []models.PaymentAttempt{}
	err = tx.SelectContext(ctx, &canceled, `
		UPDATE payment_attempts
		SET status = 'canceled', failure_reason = $1, resolved_at = $2, updated_at = $2
		WHERE order_id = $3 AND status = 'pending'
		RETURNING *`,
		patch.CancelReason, patch.At, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to cancel pending attempts: %w", err)
	}

	var order models.Order
	err = tx.GetContext(ctx, &order, `
		UPDATE orders
		SET status = 'canceled', version = version + 1, updated_at = $1, cancel_reason = $2
		WHERE id = $3
		RETURNING *`,
		patch.At, patch.CancelReason, id)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return &order, canceled, nil
}

// CreateAttempt inserts a payment attempt while the order is submitted and has no active one
func (s *Store) CreateAttempt(ctx context.Context, a *models.PaymentAttempt) (*models.PaymentAttempt, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var status string
	if err := tx.GetContext(ctx, &status, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", a.OrderID); err != nil {
		return nil, false, notFound(err, "order", a.OrderID)
	}

	var stored models.PaymentAttempt
	err = tx.GetContext(ctx, &stored,
		"SELECT * FROM payment_attempts WHERE order_id = $1 AND status IN ('pending', 'succeeded')", a.OrderID)
	if err == nil {
		return &stored, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	if models.OrderStatus(status) != models.OrderStatusSubmitted {
		return nil, false, apperrors.Newf(apperrors.CodeStateConflict, "order is %s and cannot be paid", status)
	}

	err = tx.GetContext(ctx, &stored, `
		INSERT INTO payment_attempts (id, order_id, gateway, sequence, idempotency_key, amount, currency, status,
			provider_tx_id, redirect_url, failure_reason, requires_manual_verification, raw_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING
		RETURNING *`,
		a.ID, a.OrderID, a.Gateway, a.Sequence, a.IdempotencyKey, a.Amount, a.Currency, a.Status,
		a.ProviderTxID, a.RedirectURL, a.FailureReason, a.RequiresManualVerification, rawJSON(a.RawPayload),
		a.CreatedAt, a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, apperrors.Newf(apperrors.CodeConflict, "attempt %d already exists", a.Sequence)
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &stored, true, nil
}

// GetAttempt retrieves a payment attempt by ID
func (s *Store) GetAttempt(ctx context.Context, id string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := s.db.GetContext(ctx, &attempt, "SELECT * FROM payment_attempts WHERE id = $1", id)
	if err != nil {
		return nil, notFound(err, "payment attempt", id)
	}
	return &attempt, nil
}

// ListAttempts retrieves all attempts of an order in sequence order
func (s *Store) ListAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	attempts := []models.PaymentAttempt{}
	err := s.db.SelectContext(ctx, &attempts,
		"SELECT * FROM payment_attempts WHERE order_id = $1 ORDER BY sequence", orderID)
	return attempts, err
}

// SetAttemptRedirect stores the provider reference of a pending attempt
func (s *Store) SetAttemptRedirect(ctx context.Context, id, providerTxID, redirectURL string, at time.Time) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := s.db.GetContext(ctx, &attempt, `
		UPDATE payment_attempts SET provider_tx_id = $1, redirect_url = $2, updated_at = $3
		WHERE id = $4 AND status = 'pending'
		RETURNING *`,
		providerTxID, redirectURL, at, id)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetAttempt(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Conflict("payment attempt", string(models.AttemptStatusPending), string(current.Status))
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// ResolveAttempt writes a terminal result into a pending attempt
func (s *Store) ResolveAttempt(ctx context.Context, id string, res models.AttemptResolution) (*models.PaymentAttempt, bool, error) {
	var payload interface{}
	if len(res.RawPayload) > 0 {
		payload = string(res.RawPayload)
	}

	var attempt models.PaymentAttempt
	err := s.db.GetContext(ctx, &attempt, `
		UPDATE payment_attempts
		SET status = $1,
			provider_tx_id = COALESCE(NULLIF($2, ''), provider_tx_id),
			failure_reason = $3,
			requires_manual_verification = $4,
			raw_payload = COALESCE($5::jsonb, raw_payload),
			resolved_at = $6,
			updated_at = $6
		WHERE id = $7 AND status = 'pending'
		RETURNING *`,
		res.Status, res.ProviderTxID, res.FailureReason, res.RequiresManualVerification, payload, res.ResolvedAt, id)
	if err == nil {
		return &attempt, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	current, err := s.GetAttempt(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Status == res.Status {
		return current, false, nil
	}
	return nil, false, apperrors.Conflict("payment attempt", string(models.AttemptStatusPending), string(current.Status))
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
)

// InsertReceipt stores the receipt of an order unless one already exists
func (s *Store) InsertReceipt(ctx context.Context, r *models.Receipt) (*models.Receipt, bool, error) {
	var stored models.Receipt
	err := s.db.GetContext(ctx, &stored, `
		INSERT INTO receipts (order_id, receipt_number, attempt_id, business, customer, items,
			subtotal, discount, tax, total, currency, payment_method, issued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING *`,
		r.OrderID, r.ReceiptNumber, r.AttemptID, r.Business, r.Customer, r.Items,
		r.Subtotal, r.Discount, r.Tax, r.Total, r.Currency, r.PaymentMethod, r.IssuedAt)
	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	existing, err := s.GetReceipt(ctx, r.OrderID)
	return existing, false, err
}

// GetReceipt retrieves the receipt of an order
func (s *Store) GetReceipt(ctx context.Context, orderID string) (*models.Receipt, error) {
	var receipt models.Receipt
	err := s.db.GetContext(ctx, &receipt, "SELECT * FROM receipts WHERE order_id = $1", orderID)
	if err != nil {
		return nil, notFound(err, "receipt for order", orderID)
	}
	return &receipt, nil
}

// InsertTransaction stores the transaction of an order unless one already exists
func (s *Store) InsertTransaction(ctx context.Context, t *models.Transaction) (*models.Transaction, bool, error) {
	var stored models.Transaction
	err := s.db.GetContext(ctx, &stored, `
		INSERT INTO transactions (order_id, attempt_id, business_date, agent_id, fulfillment_mode, gateway,
			provider_tx_id, subtotal, discount, tax, total, currency, requires_manual_verification,
			manual_verified_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING *`,
		t.OrderID, t.AttemptID, t.BusinessDate, t.AgentID, t.FulfillmentMode, t.Gateway,
		t.ProviderTxID, t.Subtotal, t.Discount, t.Tax, t.Total, t.Currency, t.RequiresManualVerification,
		t.ManualVerifiedAt, t.CreatedAt)
	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	err = s.db.GetContext(ctx, &stored, "SELECT * FROM transactions WHERE order_id = $1", t.OrderID)
	if err != nil {
		return nil, false, notFound(err, "transaction for order", t.OrderID)
	}
	return &stored, false, nil
}

// InsertKitchenTicket stores the kitchen ticket of an order unless one already exists
func (s *Store) InsertKitchenTicket(ctx context.Context, t *models.KitchenTicket) (*models.KitchenTicket, bool, error) {
	var stored models.KitchenTicket
	err := s.db.GetContext(ctx, &stored, `
		INSERT INTO kitchen_tickets (order_id, items, notes, target_prep_minutes, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING *`,
		t.OrderID, t.Items, t.Notes, t.TargetPrepMinutes, t.Status, t.CreatedAt, t.UpdatedAt)
	if err == nil {
		return &stored, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}
	existing, err := s.GetKitchenTicket(ctx, t.OrderID)
	return existing, false, err
}

// GetKitchenTicket retrieves the kitchen ticket of an order
func (s *Store) GetKitchenTicket(ctx context.Context, orderID string) (*models.KitchenTicket, error) {
	var ticket models.KitchenTicket
	err := s.db.GetContext(ctx, &ticket, "SELECT * FROM kitchen_tickets WHERE order_id = $1", orderID)
	if err != nil {
		return nil, notFound(err, "kitchen ticket for order", orderID)
	}
	return &ticket, nil
}

// CompareAndSetTicketStatus updates ticket status only if it still equals expected
func (s *Store) CompareAndSetTicketStatus(ctx context.Context, orderID string, expected, target models.TicketStatus, at time.Time) (*models.KitchenTicket, error) {
	var stampColumn string
	switch target {
	case models.TicketStatusPreparing:
		stampColumn = "started_at"
	case models.TicketStatusReady:
		stampColumn = "ready_at"
	case models.TicketStatusCompleted:
		stampColumn = "completed_at"
	default:
		return nil, apperrors.Newf(apperrors.CodeValidation, "unknown ticket status %q", target)
	}

	query := fmt.Sprintf(`
		UPDATE kitchen_tickets SET status = $1, updated_at = $2, %s = $2
		WHERE order_id = $3 AND status = $4
		RETURNING *`, stampColumn)

	var ticket models.KitchenTicket
	err := s.db.GetContext(ctx, &ticket, query, target, at, orderID, expected)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetKitchenTicket(ctx, orderID)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Conflict("kitchen ticket", string(expected), string(current.Status))
	}
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

// MergeDailyAggregate adds the order's transaction to its business date, once
func (s *Store) MergeDailyAggregate(ctx context.Context, orderID string) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var txn models.Transaction
	err = tx.GetContext(ctx, &txn, "SELECT * FROM transactions WHERE order_id = $1 FOR UPDATE", orderID)
	if err != nil {
		return false, notFound(err, "transaction for order", orderID)
	}
	delta := txn.Contribution()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO daily_aggregate_contributions (order_id, business_date, manual_unverified, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		orderID, delta.BusinessDate, delta.ManualUnverifiedCount > 0, txn.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record contribution: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_aggregates (business_date, order_count, subtotal, discount, tax, total,
			manual_unverified_count, manual_unverified_total, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (business_date) DO UPDATE SET
			order_count = daily_aggregates.order_count + EXCLUDED.order_count,
			subtotal = daily_aggregates.subtotal + EXCLUDED.subtotal,
			discount = daily_aggregates.discount + EXCLUDED.discount,
			tax = daily_aggregates.tax + EXCLUDED.tax,
			total = daily_aggregates.total + EXCLUDED.total,
			manual_unverified_count = daily_aggregates.manual_unverified_count + EXCLUDED.manual_unverified_count,
			manual_unverified_total = daily_aggregates.manual_unverified_total + EXCLUDED.manual_unverified_total,
			updated_at = EXCLUDED.updated_at`,
		delta.BusinessDate, delta.OrderCount, delta.Subtotal, delta.Discount, delta.Tax, delta.Total,
		delta.ManualUnverifiedCount, delta.ManualUnverifiedTotal, txn.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to merge aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// GetDailyAggregate retrieves the aggregate for a business date
func (s *Store) GetDailyAggregate(ctx context.Context, businessDate string) (*models.DailyAggregate, error) {
	var agg models.DailyAggregate
	err := s.db.GetContext(ctx, &agg, "SELECT * FROM daily_aggregates WHERE business_date = $1", businessDate)
	if errors.Is(err, sql.ErrNoRows) {
		return models.EmptyAggregate(businessDate), nil
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// ListTransactions retrieves transactions within a business date range
func (s *Store) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]models.Transaction, error) {
	query := "SELECT * FROM transactions WHERE business_date BETWEEN $1 AND $2"
	if q.UnverifiedOnly {
		query += " AND requires_manual_verification AND manual_verified_at IS NULL"
	}
	query += " ORDER BY business_date, order_id"

	txns := []models.Transaction{}
	err := s.db.SelectContext(ctx, &txns, query, q.From, q.To)
	return txns, err
}

// VerifyManualPayment clears the manual verification flag of an attempt and its records
func (s *Store) VerifyManualPayment(ctx context.Context, attemptID, operator string, at time.Time) (*models.PaymentAttempt, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	var attempt models.PaymentAttempt
	if err := tx.GetContext(ctx, &attempt, "SELECT * FROM payment_attempts WHERE id = $1", attemptID); err != nil {
		return nil, false, notFound(err, "payment attempt", attemptID)
	}
	if !attempt.RequiresManualVerification || attempt.Status != models.AttemptStatusSucceeded {
		return nil, false, apperrors.New(apperrors.CodeValidation, "attempt does not require manual verification")
	}
	if attempt.ManualVerifiedAt != nil {
		return &attempt, false, nil
	}

	var total string
	err = tx.GetContext(ctx, &total, "SELECT total FROM transactions WHERE order_id = $1 FOR UPDATE", attempt.OrderID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, false, err
	}

	err = tx.GetContext(ctx, &attempt, `
		UPDATE payment_attempts SET manual_verified_at = $1, manual_verified_by = $2, updated_at = $1
		WHERE id = $3 AND manual_verified_at IS NULL
		RETURNING *`,
		at, operator, attemptID)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := s.GetAttempt(ctx, attemptID)
		return current, false, getErr
	}
	if err != nil {
		return nil, false, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE transactions SET manual_verified_at = $1 WHERE order_id = $2", at, attempt.OrderID); err != nil {
		return nil, false, err
	}

	var businessDate string
	err = tx.GetContext(ctx, &businessDate, `
		UPDATE daily_aggregate_contributions SET manual_unverified = FALSE
		WHERE order_id = $1 AND manual_unverified
		RETURNING business_date`, attempt.OrderID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `
			UPDATE daily_aggregates
			SET manual_unverified_count = manual_unverified_count - 1,
				manual_unverified_total = manual_unverified_total - $1,
				updated_at = $2
			WHERE business_date = $3`, total, at, businessDate); err != nil {
			return nil, false, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &attempt, true, nil
}

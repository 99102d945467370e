package ledger

import (
	"context"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
)

func (l *Ledger) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return l.repo.GetOrder(ctx, id)
}

func (l *Ledger) ListOrders(ctx context.Context, q OrderQuery) ([]models.Order, error) {
	if q.BusinessDate != "" {
		if err := validateDate(q.BusinessDate); err != nil {
			return nil, err
		}
	}
	return l.repo.ListOrders(ctx, q)
}

func (l *Ledger) ListAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	if _, err := l.repo.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	return l.repo.ListAttempts(ctx, orderID)
}

func (l *Ledger) GetReceipt(ctx context.Context, orderID string) (*models.Receipt, error) {
	return l.repo.GetReceipt(ctx, orderID)
}

func (l *Ledger) GetKitchenTicket(ctx context.Context, orderID string) (*models.KitchenTicket, error) {
	return l.repo.GetKitchenTicket(ctx, orderID)
}

// GetDailyAggregate returns the aggregate for date, zeroed when nothing was captured that day.
func (l *Ledger) GetDailyAggregate(ctx context.Context, date string) (*models.DailyAggregate, error) {
	if err := validateDate(date); err != nil {
		return nil, err
	}
	return l.repo.GetDailyAggregate(ctx, date)
}

// ListTransactions returns transactions whose business date lies in [from, to].
func (l *Ledger) ListTransactions(ctx context.Context, q TransactionQuery) ([]models.Transaction, error) {
	if err := validateDate(q.From); err != nil {
		return nil, err
	}
	if err := validateDate(q.To); err != nil {
		return nil, err
	}
	if q.To < q.From {
		return nil, apperrors.New(apperrors.CodeValidation, "date range ends before it starts")
	}
	return l.repo.ListTransactions(ctx, q)
}

func validateDate(date string) error {
	if _, err := time.Parse(models.BusinessDateLayout, date); err != nil {
		return apperrors.Newf(apperrors.CodeValidation, "invalid business date %q", date)
	}
	return nil
}

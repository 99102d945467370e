package ledger

import (
	"context"
	"time"

	"restaurant-order-service/internal/models"
)

// OrderQuery selects orders for snapshot reads. Zero fields are ignored.
type OrderQuery struct {
	OrderID         string
	BusinessDate    string
	Status          models.OrderStatus
	OpenOnly        bool
	SubmittedBefore time.Time
	// AfterID pages through results ordered by id.
	AfterID string
	Limit   int
}

// TransactionQuery selects transactions by business date range (inclusive).
type TransactionQuery struct {
	From           string
	To             string
	UnverifiedOnly bool
}

// StatusPatch carries the fields written together with a status change.
type StatusPatch struct {
	At            time.Time
	PaymentMethod string
	CancelReason  string
}

// Repository is the persistence contract behind the ledger and the payment orchestrator.
// Every write is conditional or insert-if-absent so that callers can retry freely.
type Repository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, q OrderQuery) ([]models.Order, error)
	// CompareAndSetStatus moves an order from expected to target and bumps its version.
	// It fails with a CONFLICT error when the stored status differs from expected.
	CompareAndSetStatus(ctx context.Context, id string, expected, target models.OrderStatus, patch StatusPatch) (*models.Order, error)
	// TouchOrder bumps the version of an order whose linked records changed.
	TouchOrder(ctx context.Context, id string, at time.Time) (*models.Order, error)
	// CancelSubmitted cancels a submitted order and its pending attempts in one step and
	// returns the attempts it canceled. It fails with CONFLICT when the order is no longer
	// submitted and with STATE_CONFLICT when an attempt already captured funds.
	CancelSubmitted(ctx context.Context, id string, patch StatusPatch) (*models.Order, []models.PaymentAttempt, error)

	// CreateAttempt inserts the attempt while its order is submitted and has no active
	// attempt. An existing active attempt is returned with created=false; an order in any
	// other status fails with STATE_CONFLICT. It is serialized with CancelSubmitted.
	CreateAttempt(ctx context.Context, attempt *models.PaymentAttempt) (stored *models.PaymentAttempt, created bool, err error)
	GetAttempt(ctx context.Context, id string) (*models.PaymentAttempt, error)
	ListAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error)
	// SetAttemptRedirect records the provider reference of a pending attempt.
	SetAttemptRedirect(ctx context.Context, id, providerTxID, redirectURL string, at time.Time) (*models.PaymentAttempt, error)
	// ResolveAttempt writes a terminal result into a pending attempt. Repeating the same
	// terminal status is a no-op (applied=false); a different one is a CONFLICT.
	ResolveAttempt(ctx context.Context, id string, res models.AttemptResolution) (stored *models.PaymentAttempt, applied bool, err error)

	InsertReceipt(ctx context.Context, receipt *models.Receipt) (*models.Receipt, bool, error)
	GetReceipt(ctx context.Context, orderID string) (*models.Receipt, error)
	InsertTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, bool, error)
	InsertKitchenTicket(ctx context.Context, ticket *models.KitchenTicket) (*models.KitchenTicket, bool, error)
	GetKitchenTicket(ctx context.Context, orderID string) (*models.KitchenTicket, error)
	CompareAndSetTicketStatus(ctx context.Context, orderID string, expected, target models.TicketStatus, at time.Time) (*models.KitchenTicket, error)

	// MergeDailyAggregate adds the stored transaction of an order to its business date
	// aggregate exactly once.
	MergeDailyAggregate(ctx context.Context, orderID string) (bool, error)
	GetDailyAggregate(ctx context.Context, businessDate string) (*models.DailyAggregate, error)
	ListTransactions(ctx context.Context, q TransactionQuery) ([]models.Transaction, error)
	// VerifyManualPayment clears the manual verification flag on the attempt and its
	// transaction and releases the unverified counters of the aggregate, once.
	VerifyManualPayment(ctx context.Context, attemptID, operator string, at time.Time) (*models.PaymentAttempt, bool, error)
}

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// BusinessDateLayout is the format of every business date.
const BusinessDateLayout = "2006-01-02"

// Product is a menu entry as returned by the catalog lookup.
type Product struct {
	ID        string          `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Available bool            `db:"available" json:"available"`
}

// LineItem is a priced order line captured at submission time.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	Note      string          `json:"note,omitempty"`
}

// Total returns unit price times quantity.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// LineItems is stored as a JSON document.
type LineItems []LineItem

// Value implements driver.Valuer.
func (l LineItems) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *LineItems) Scan(src interface{}) error {
	return scanJSON(src, l)
}

// Customer describes who the order is for.
type Customer struct {
	Name            string `json:"name"`
	Contact         string `json:"contact,omitempty"`
	DeliveryAddress string `json:"delivery_address,omitempty"`
}

// Value implements driver.Valuer.
func (c Customer) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *Customer) Scan(src interface{}) error {
	return scanJSON(src, c)
}

// Order is the canonical unit of a customer's purchase request.
type Order struct {
	ID              string          `db:"id" json:"id"`
	Items           LineItems       `db:"items" json:"items"`
	Customer        Customer        `db:"customer" json:"customer"`
	FulfillmentMode FulfillmentMode `db:"fulfillment_mode" json:"fulfillment_mode"`
	Subtotal        decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount        decimal.Decimal `db:"discount" json:"discount"`
	Tax             decimal.Decimal `db:"tax" json:"tax"`
	Total           decimal.Decimal `db:"total" json:"total"`
	Currency        string          `db:"currency" json:"currency"`
	Status          OrderStatus     `db:"status" json:"status"`
	PaymentMethod   string          `db:"payment_method" json:"payment_method,omitempty"`
	AgentID         string          `db:"agent_id" json:"agent_id"`
	BusinessDate    string          `db:"business_date" json:"business_date"`
	CancelReason    string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Version         int64           `db:"version" json:"version"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	// SubmittedAt starts the payment window. Drafts have none.
	SubmittedAt *time.Time `db:"submitted_at" json:"submitted_at,omitempty"`
}

// TotalConsistent reports whether total == (subtotal - discount) + tax.
func (o *Order) TotalConsistent() bool {
	return o.Subtotal.Sub(o.Discount).Add(o.Tax).Equal(o.Total)
}

// PaymentAttempt is one try to capture funds for an order via one gateway.
type PaymentAttempt struct {
	ID                         string          `db:"id" json:"id"`
	OrderID                    string          `db:"order_id" json:"order_id"`
	Gateway                    string          `db:"gateway" json:"gateway"`
	Sequence                   int             `db:"sequence" json:"sequence"`
	IdempotencyKey             string          `db:"idempotency_key" json:"idempotency_key"`
	Amount                     decimal.Decimal `db:"amount" json:"amount"`
	Currency                   string          `db:"currency" json:"currency"`
	Status                     AttemptStatus   `db:"status" json:"status"`
	ProviderTxID               string          `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	RedirectURL                string          `db:"redirect_url" json:"redirect_url,omitempty"`
	FailureReason              string          `db:"failure_reason" json:"failure_reason,omitempty"`
	RequiresManualVerification bool            `db:"requires_manual_verification" json:"requires_manual_verification"`
	ManualVerifiedBy           string          `db:"manual_verified_by" json:"manual_verified_by,omitempty"`
	ManualVerifiedAt           *time.Time      `db:"manual_verified_at" json:"manual_verified_at,omitempty"`
	RawPayload                 json.RawMessage `db:"raw_payload" json:"raw_payload,omitempty"`
	CreatedAt                  time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time       `db:"updated_at" json:"updated_at"`
	ResolvedAt                 *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
}

// ManualVerificationPending reports whether an operator still has to confirm the funds.
func (a *PaymentAttempt) ManualVerificationPending() bool {
	return a.RequiresManualVerification && a.ManualVerifiedAt == nil
}

// AttemptResolution is the normalized terminal result written into an attempt.
type AttemptResolution struct {
	Status                     AttemptStatus
	ProviderTxID               string
	FailureReason              string
	RequiresManualVerification bool
	RawPayload                 json.RawMessage
	ResolvedAt                 time.Time
}

// BusinessDetails identifies the restaurant on receipts.
type BusinessDetails struct {
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	TaxNumber string `json:"tax_number,omitempty"`
}

// Value implements driver.Valuer.
func (b BusinessDetails) Value() (driver.Value, error) {
	return json.Marshal(b)
}

// Scan implements sql.Scanner.
func (b *BusinessDetails) Scan(src interface{}) error {
	return scanJSON(src, b)
}

// Receipt is an immutable snapshot of a paid order.
type Receipt struct {
	OrderID       string          `db:"order_id" json:"order_id"`
	ReceiptNumber string          `db:"receipt_number" json:"receipt_number"`
	AttemptID     string          `db:"attempt_id" json:"attempt_id"`
	Business      BusinessDetails `db:"business" json:"business"`
	Customer      Customer        `db:"customer" json:"customer"`
	Items         LineItems       `db:"items" json:"items"`
	Subtotal      decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount      decimal.Decimal `db:"discount" json:"discount"`
	Tax           decimal.Decimal `db:"tax" json:"tax"`
	Total         decimal.Decimal `db:"total" json:"total"`
	Currency      string          `db:"currency" json:"currency"`
	PaymentMethod string          `db:"payment_method" json:"payment_method"`
	IssuedAt      time.Time       `db:"issued_at" json:"issued_at"`
}

// Transaction is the accounting record used for reporting and reconciliation.
type Transaction struct {
	OrderID                    string          `db:"order_id" json:"order_id"`
	AttemptID                  string          `db:"attempt_id" json:"attempt_id"`
	BusinessDate               string          `db:"business_date" json:"business_date"`
	AgentID                    string          `db:"agent_id" json:"agent_id"`
	FulfillmentMode            FulfillmentMode `db:"fulfillment_mode" json:"fulfillment_mode"`
	Gateway                    string          `db:"gateway" json:"gateway"`
	ProviderTxID               string          `db:"provider_tx_id" json:"provider_tx_id"`
	Subtotal                   decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount                   decimal.Decimal `db:"discount" json:"discount"`
	Tax                        decimal.Decimal `db:"tax" json:"tax"`
	Total                      decimal.Decimal `db:"total" json:"total"`
	Currency                   string          `db:"currency" json:"currency"`
	RequiresManualVerification bool            `db:"requires_manual_verification" json:"requires_manual_verification"`
	ManualVerifiedAt           *time.Time      `db:"manual_verified_at" json:"manual_verified_at,omitempty"`
	CreatedAt                  time.Time       `db:"created_at" json:"created_at"`
}

// KitchenTicket is the fulfillment-facing view of an order.
type KitchenTicket struct {
	OrderID           string       `db:"order_id" json:"order_id"`
	Items             LineItems    `db:"items" json:"items"`
	Notes             string       `db:"notes" json:"notes,omitempty"`
	TargetPrepMinutes int          `db:"target_prep_minutes" json:"target_prep_minutes"`
	Status            TicketStatus `db:"status" json:"status"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at" json:"updated_at"`
	StartedAt         *time.Time   `db:"started_at" json:"started_at,omitempty"`
	ReadyAt           *time.Time   `db:"ready_at" json:"ready_at,omitempty"`
	CompletedAt       *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}

// DailyAggregate accumulates transaction totals per business date.
type DailyAggregate struct {
	BusinessDate          string          `db:"business_date" json:"business_date"`
	OrderCount            int64           `db:"order_count" json:"order_count"`
	Subtotal              decimal.Decimal `db:"subtotal" json:"subtotal"`
	Discount              decimal.Decimal `db:"discount" json:"discount"`
	Tax                   decimal.Decimal `db:"tax" json:"tax"`
	Total                 decimal.Decimal `db:"total" json:"total"`
	ManualUnverifiedCount int64           `db:"manual_unverified_count" json:"manual_unverified_count"`
	ManualUnverifiedTotal decimal.Decimal `db:"manual_unverified_total" json:"manual_unverified_total"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updated_at"`
}

// EmptyAggregate returns a zeroed aggregate for a date with no transactions.
func EmptyAggregate(date string) *DailyAggregate {
	return &DailyAggregate{
		BusinessDate:          date,
		Subtotal:              decimal.Zero,
		Discount:              decimal.Zero,
		Tax:                   decimal.Zero,
		Total:                 decimal.Zero,
		ManualUnverifiedTotal: decimal.Zero,
	}
}

// Contribution derives the aggregate delta a transaction adds to its business date.
func (t *Transaction) Contribution() *DailyAggregate {
	agg := &DailyAggregate{
		BusinessDate:          t.BusinessDate,
		OrderCount:            1,
		Subtotal:              t.Subtotal,
		Discount:              t.Discount,
		Tax:                   t.Tax,
		Total:                 t.Total,
		ManualUnverifiedTotal: decimal.Zero,
	}
	if t.RequiresManualVerification && t.ManualVerifiedAt == nil {
		agg.ManualUnverifiedCount = 1
		agg.ManualUnverifiedTotal = t.Total
	}
	return agg
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

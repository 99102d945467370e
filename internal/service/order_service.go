package service

import (
	"context"
	"strings"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/gateway"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/payment"
	"restaurant-order-service/internal/util"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds the pricing settings applied to new orders.
type Config struct {
	Currency string
	TaxRate  decimal.Decimal
}

// OrderService is the entry point the HTTP surfaces call.
type OrderService struct {
	ledger   *ledger.Ledger
	payments *payment.Orchestrator
	catalog  *CatalogClient
	cfg      Config
}

// NewOrderService creates a new order service
func NewOrderService(l *ledger.Ledger, payments *payment.Orchestrator, catalog *CatalogClient, cfg Config) *OrderService {
	if cfg.Currency == "" {
		cfg.Currency = "ZAR"
	}
	return &OrderService{
		ledger:   l,
		payments: payments,
		catalog:  catalog,
		cfg:      cfg,
	}
}

// CreateOrderRequest represents a request to create an order
type CreateOrderRequest struct {
	Items           []OrderItemRequest     `json:"items" binding:"required,min=1,dive"`
	Customer        models.Customer        `json:"customer"`
	FulfillmentMode models.FulfillmentMode `json:"fulfillment_mode" binding:"required"`
	Discount        *Discount              `json:"discount,omitempty"`
	// Draft stores the priced cart without opening the payment window; a later
	// draft to submitted transition opens it.
	Draft bool `json:"draft,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Note      string `json:"note,omitempty"`
}

// CreateOrder prices the items against the catalog and stores the order.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest, agentID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if err := validateCreate(req); err != nil {
		return nil, err
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		ids[i] = item.ProductID
	}
	products, err := s.catalog.Lookup(ctx, ids)
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	items := make(models.LineItems, 0, len(req.Items))
	for _, item := range req.Items {
		p := products[item.ProductID]
		items = append(items, models.LineItem{
			ProductID: p.ID,
			Name:      p.Name,
			UnitPrice: p.Price,
			Quantity:  item.Quantity,
			Note:      strings.TrimSpace(item.Note),
		})
	}

	totals, err := Price(items, req.Discount, s.cfg.TaxRate)
	if err != nil {
		return nil, err
	}

	status := models.OrderStatusSubmitted
	if req.Draft {
		status = models.OrderStatusDraft
	}
	order := &models.Order{
		ID:              ulid.Make().String(),
		Items:           items,
		Customer:        req.Customer,
		FulfillmentMode: req.FulfillmentMode,
		Subtotal:        totals.Subtotal,
		Discount:        totals.Discount,
		Tax:             totals.Tax,
		Total:           totals.Total,
		Currency:        s.cfg.Currency,
		Status:          status,
		AgentID:         agentID,
	}
	if err := s.ledger.CreateOrder(ctx, order); err != nil {
		util.RecordError(span, err)
		return nil, err
	}
	return order, nil
}

func validateCreate(req *CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return apperrors.New(apperrors.CodeValidation, "order needs at least one item")
	}
	for _, item := range req.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return apperrors.New(apperrors.CodeValidation, "product id is required")
		}
		if item.Quantity < 1 {
			return apperrors.Newf(apperrors.CodeValidation, "quantity of %s must be at least 1", item.ProductID)
		}
	}
	if !req.FulfillmentMode.IsValid() {
		return apperrors.Newf(apperrors.CodeValidation, "unknown fulfillment mode %q", req.FulfillmentMode)
	}
	if req.FulfillmentMode == models.FulfillmentDelivery && strings.TrimSpace(req.Customer.DeliveryAddress) == "" {
		return apperrors.New(apperrors.CodeValidation, "delivery orders need a delivery address")
	}
	return nil
}

// Pay starts or resumes the payment of an order.
func (s *OrderService) Pay(ctx context.Context, orderID, method string, opts payment.Options) (*payment.Result, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Pay", attribute.String("order_id", orderID))
	defer span.End()
	return s.payments.Initiate(ctx, orderID, method, opts)
}

// PaymentMethods lists the methods currently configured.
func (s *OrderService) PaymentMethods(ctx context.Context) ([]gateway.Method, error) {
	return s.payments.ListMethods(ctx)
}

// HandleCallback verifies and applies a provider callback.
func (s *OrderService) HandleCallback(ctx context.Context, method string, cb *gateway.Callback) (*payment.Result, error) {
	return s.payments.Reconcile(ctx, method, cb)
}

// Advance requests one status transition on behalf of actor.
func (s *OrderService) Advance(ctx context.Context, orderID string, expected, target models.OrderStatus, actor orderstate.Actor, reason string) (*models.Order, error) {
	return s.ledger.Advance(ctx, ledger.AdvanceRequest{
		OrderID:  orderID,
		Expected: expected,
		Target:   target,
		Actor:    actor,
		Reason:   reason,
	})
}

// AdvanceTicket moves a kitchen ticket one step.
func (s *OrderService) AdvanceTicket(ctx context.Context, orderID string, expected, target models.TicketStatus, actor orderstate.Actor) (*models.KitchenTicket, error) {
	return s.ledger.AdvanceTicket(ctx, orderID, expected, target, actor)
}

// VerifyManualPayment confirms manually collected funds.
func (s *OrderService) VerifyManualPayment(ctx context.Context, attemptID, operator string) (*models.PaymentAttempt, error) {
	return s.ledger.VerifyManualPayment(ctx, attemptID, operator)
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.ledger.GetOrder(ctx, orderID)
}

func (s *OrderService) ListOrders(ctx context.Context, q ledger.OrderQuery) ([]models.Order, error) {
	return s.ledger.ListOrders(ctx, q)
}

func (s *OrderService) ListAttempts(ctx context.Context, orderID string) ([]models.PaymentAttempt, error) {
	return s.ledger.ListAttempts(ctx, orderID)
}

func (s *OrderService) GetReceipt(ctx context.Context, orderID string) (*models.Receipt, error) {
	return s.ledger.GetReceipt(ctx, orderID)
}

func (s *OrderService) GetKitchenTicket(ctx context.Context, orderID string) (*models.KitchenTicket, error) {
	return s.ledger.GetKitchenTicket(ctx, orderID)
}

func (s *OrderService) GetDailyAggregate(ctx context.Context, date string) (*models.DailyAggregate, error) {
	return s.ledger.GetDailyAggregate(ctx, date)
}

func (s *OrderService) ListTransactions(ctx context.Context, q ledger.TransactionQuery) ([]models.Transaction, error) {
	return s.ledger.ListTransactions(ctx, q)
}

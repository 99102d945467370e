package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
)

// Memory is an in-process Repository. It backs tests and single-instance demo deployments.
type Memory struct {
	mu            sync.Mutex
	products      map[string]models.Product
	orders        map[string]*models.Order
	attempts      map[string]*models.PaymentAttempt
	receipts      map[string]*models.Receipt
	transactions  map[string]*models.Transaction
	tickets       map[string]*models.KitchenTicket
	aggregates    map[string]*models.DailyAggregate
	contributions map[string]*contribution
}

// contribution remembers what one order added to its business date aggregate.
type contribution struct {
	businessDate     string
	manualUnverified bool
}

var _ ledger.Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		products:      make(map[string]models.Product),
		orders:        make(map[string]*models.Order),
		attempts:      make(map[string]*models.PaymentAttempt),
		receipts:      make(map[string]*models.Receipt),
		transactions:  make(map[string]*models.Transaction),
		tickets:       make(map[string]*models.KitchenTicket),
		aggregates:    make(map[string]*models.DailyAggregate),
		contributions: make(map[string]*contribution),
	}
}

// PutProduct adds or replaces a catalog entry.
func (m *Memory) PutProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// GetProductsByIDs returns the catalog entries that exist among ids.
func (m *Memory) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	products := make([]models.Product, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := m.products[id]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

func (m *Memory) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return apperrors.Newf(apperrors.CodeConflict, "order %s already exists", order.ID)
	}
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *Memory) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) ListOrders(_ context.Context, q ledger.OrderQuery) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]models.Order, 0)
	for _, o := range m.orders {
		if q.OrderID != "" && o.ID != q.OrderID {
			continue
		}
		if q.BusinessDate != "" && o.BusinessDate != q.BusinessDate {
			continue
		}
		if q.Status != "" && o.Status != q.Status {
			continue
		}
		if q.OpenOnly && o.Status.IsTerminal() {
			continue
		}
		if !q.SubmittedBefore.IsZero() && (o.SubmittedAt == nil || !o.SubmittedAt.Before(q.SubmittedBefore)) {
			continue
		}
		if q.AfterID != "" && o.ID <= q.AfterID {
			continue
		}
		orders = append(orders, *o)
	}
	// ULIDs sort by creation time.
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID < orders[j].ID })
	if q.Limit > 0 && len(orders) > q.Limit {
		orders = orders[:q.Limit]
	}
	return orders, nil
}

func (m *Memory) CompareAndSetStatus(_ context.Context, id string, expected, target models.OrderStatus, patch ledger.StatusPatch) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	if o.Status != expected {
		return nil, apperrors.Conflict("order", string(expected), string(o.Status))
	}
	o.Status = target
	o.Version++
	o.UpdatedAt = patch.At
	if target == models.OrderStatusSubmitted {
		stamp := patch.At
		o.SubmittedAt = &stamp
	}
	if patch.PaymentMethod != "" {
		o.PaymentMethod = patch.PaymentMethod
	}
	if patch.CancelReason != "" {
		o.CancelReason = patch.CancelReason
	}
	cp := *o
	return &cp, nil
}

func (m *Memory) TouchOrder(_ context.Context, id string, at time.Time) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, apperrors.NotFound("order", id)
	}
	o.Version++
	o.UpdatedAt = at
	cp := *o
	return &cp, nil
}

func (m *Memory) CancelSubmitted(_ context.Context, id string, patch ledger.StatusPatch) (*models.Order, []models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, nil, apperrors.NotFound("order", id)
	}
	if o.Status != models.OrderStatusSubmitted {
		return nil, nil, apperrors.Conflict("order", string(models.OrderStatusSubmitted), string(o.Status))
	}

	var pending []*models.PaymentAttempt
	for _, a := range m.attempts {
		if a.OrderID != id {
			continue
		}
		switch a.Status {
		case models.AttemptStatusSucceeded:
			return nil, nil, apperrors.New(apperrors.CodeStateConflict, "order has a captured payment and cannot be canceled")
		case models.AttemptStatusPending:
			pending = append(pending, a)
		}
	}

	canceled := make([]models.PaymentAttempt, 0, len(pending))
	for _, a := range pending {
		resolvedAt := patch.At
		a.Status = models.AttemptStatusCanceled
		a.FailureReason = patch.CancelReason
		a.ResolvedAt = &resolvedAt
		a.UpdatedAt = patch.At
		canceled = append(canceled, *a)
	}

	o.Status = models.OrderStatusCanceled
	o.Version++
	o.UpdatedAt = patch.At
	o.CancelReason = patch.CancelReason
	cp := *o
	return &cp, canceled, nil
}

func (m *Memory) CreateAttempt(_ context.Context, attempt *models.PaymentAttempt) (*models.PaymentAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[attempt.OrderID]
	if !ok {
		return nil, false, apperrors.NotFound("order", attempt.OrderID)
	}
	for _, a := range m.attempts {
		if a.OrderID != attempt.OrderID {
			continue
		}
		if a.Status.IsActive() {
			cp := *a
			return &cp, false, nil
		}
		if a.Sequence == attempt.Sequence {
			return nil, false, apperrors.Newf(apperrors.CodeConflict, "attempt %d already exists", attempt.Sequence)
		}
	}
	if order.Status != models.OrderStatusSubmitted {
		return nil, false, apperrors.Newf(apperrors.CodeStateConflict, "order is %s and cannot be paid", order.Status)
	}
	cp := *attempt
	m.attempts[attempt.ID] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) GetAttempt(_ context.Context, id string) (*models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, apperrors.NotFound("payment attempt", id)
	}
	cp := *a
	return &cp, nil
}

func (m *Memory) ListAttempts(_ context.Context, orderID string) ([]models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempts := make([]models.PaymentAttempt, 0)
	for _, a := range m.attempts {
		if a.OrderID == orderID {
			attempts = append(attempts, *a)
		}
	}
	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Sequence < attempts[j].Sequence })
	return attempts, nil
}

func (m *Memory) SetAttemptRedirect(_ context.Context, id, providerTxID, redirectURL string, at time.Time) (*models.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, apperrors.NotFound("payment attempt", id)
	}
	if a.Status != models.AttemptStatusPending {
		return nil, apperrors.Conflict("payment attempt", string(models.AttemptStatusPending), string(a.Status))
	}
	a.ProviderTxID = providerTxID
	a.RedirectURL = redirectURL
	a.UpdatedAt = at
	cp := *a
	return &cp, nil
}

func (m *Memory) ResolveAttempt(_ context.Context, id string, res models.AttemptResolution) (*models.PaymentAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[id]
	if !ok {
		return nil, false, apperrors.NotFound("payment attempt", id)
	}
	if a.Status != models.AttemptStatusPending {
		cp := *a
		if a.Status == res.Status {
			return &cp, false, nil
		}
		return nil, false, apperrors.Conflict("payment attempt", string(models.AttemptStatusPending), string(a.Status))
	}

	a.Status = res.Status
	if res.ProviderTxID != "" {
		a.ProviderTxID = res.ProviderTxID
	}
	a.FailureReason = res.FailureReason
	a.RequiresManualVerification = res.RequiresManualVerification
	if len(res.RawPayload) > 0 {
		a.RawPayload = res.RawPayload
	}
	resolvedAt := res.ResolvedAt
	a.ResolvedAt = &resolvedAt
	a.UpdatedAt = res.ResolvedAt
	cp := *a
	return &cp, true, nil
}

func (m *Memory) InsertReceipt(_ context.Context, receipt *models.Receipt) (*models.Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.receipts[receipt.OrderID]; ok {
		cp := *r
		return &cp, false, nil
	}
	cp := *receipt
	m.receipts[receipt.OrderID] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) GetReceipt(_ context.Context, orderID string) (*models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.receipts[orderID]
	if !ok {
		return nil, apperrors.NotFound("receipt for order", orderID)
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) InsertTransaction(_ context.Context, txn *models.Transaction) (*models.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.transactions[txn.OrderID]; ok {
		cp := *t
		return &cp, false, nil
	}
	cp := *txn
	m.transactions[txn.OrderID] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) InsertKitchenTicket(_ context.Context, ticket *models.KitchenTicket) (*models.KitchenTicket, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.tickets[ticket.OrderID]; ok {
		cp := *t
		return &cp, false, nil
	}
	cp := *ticket
	m.tickets[ticket.OrderID] = &cp
	out := cp
	return &out, true, nil
}

func (m *Memory) GetKitchenTicket(_ context.Context, orderID string) (*models.KitchenTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[orderID]
	if !ok {
		return nil, apperrors.NotFound("kitchen ticket for order", orderID)
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) CompareAndSetTicketStatus(_ context.Context, orderID string, expected, target models.TicketStatus, at time.Time) (*models.KitchenTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tickets[orderID]
	if !ok {
		return nil, apperrors.NotFound("kitchen ticket for order", orderID)
	}
	if t.Status != expected {
		return nil, apperrors.Conflict("kitchen ticket", string(expected), string(t.Status))
	}
	t.Status = target
	t.UpdatedAt = at
	stamp := at
	switch target {
	case models.TicketStatusPreparing:
		t.StartedAt = &stamp
	case models.TicketStatusReady:
		t.ReadyAt = &stamp
	case models.TicketStatusCompleted:
		t.CompletedAt = &stamp
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) MergeDailyAggregate(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.transactions[orderID]
	if !ok {
		return false, apperrors.NotFound("transaction for order", orderID)
	}
	if _, done := m.contributions[orderID]; done {
		return false, nil
	}

	delta := txn.Contribution()
	agg, ok := m.aggregates[delta.BusinessDate]
	if !ok {
		agg = models.EmptyAggregate(delta.BusinessDate)
		m.aggregates[delta.BusinessDate] = agg
	}
	addAggregate(agg, delta)
	agg.UpdatedAt = txn.CreatedAt

	m.contributions[orderID] = &contribution{
		businessDate:     delta.BusinessDate,
		manualUnverified: delta.ManualUnverifiedCount > 0,
	}
	return true, nil
}

func addAggregate(agg, delta *models.DailyAggregate) {
	agg.OrderCount += delta.OrderCount
	agg.Subtotal = agg.Subtotal.Add(delta.Subtotal)
	agg.Discount = agg.Discount.Add(delta.Discount)
	agg.Tax = agg.Tax.Add(delta.Tax)
	agg.Total = agg.Total.Add(delta.Total)
	agg.ManualUnverifiedCount += delta.ManualUnverifiedCount
	agg.ManualUnverifiedTotal = agg.ManualUnverifiedTotal.Add(delta.ManualUnverifiedTotal)
}

func (m *Memory) GetDailyAggregate(_ context.Context, businessDate string) (*models.DailyAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg, ok := m.aggregates[businessDate]
	if !ok {
		return models.EmptyAggregate(businessDate), nil
	}
	cp := *agg
	return &cp, nil
}

func (m *Memory) ListTransactions(_ context.Context, q ledger.TransactionQuery) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txns := make([]models.Transaction, 0)
	for _, t := range m.transactions {
		if t.BusinessDate < q.From || t.BusinessDate > q.To {
			continue
		}
		if q.UnverifiedOnly && !(t.RequiresManualVerification && t.ManualVerifiedAt == nil) {
			continue
		}
		txns = append(txns, *t)
	}
	sort.Slice(txns, func(i, j int) bool {
		if txns[i].BusinessDate != txns[j].BusinessDate {
			return txns[i].BusinessDate < txns[j].BusinessDate
		}
		return strings.Compare(txns[i].OrderID, txns[j].OrderID) < 0
	})
	return txns, nil
}

func (m *Memory) VerifyManualPayment(_ context.Context, attemptID, operator string, at time.Time) (*models.PaymentAttempt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok {
		return nil, false, apperrors.NotFound("payment attempt", attemptID)
	}
	if !a.RequiresManualVerification || a.Status != models.AttemptStatusSucceeded {
		return nil, false, apperrors.New(apperrors.CodeValidation, "attempt does not require manual verification")
	}
	if a.ManualVerifiedAt != nil {
		cp := *a
		return &cp, false, nil
	}

	stamp := at
	a.ManualVerifiedAt = &stamp
	a.ManualVerifiedBy = operator
	a.UpdatedAt = at

	if t, ok := m.transactions[a.OrderID]; ok {
		t.ManualVerifiedAt = &stamp
	}
	if c, ok := m.contributions[a.OrderID]; ok && c.manualUnverified {
		c.manualUnverified = false
		if agg, ok := m.aggregates[c.businessDate]; ok {
			agg.ManualUnverifiedCount--
			agg.ManualUnverifiedTotal = agg.ManualUnverifiedTotal.Sub(m.transactions[a.OrderID].Total)
			agg.UpdatedAt = at
		}
	}

	cp := *a
	return &cp, true, nil
}

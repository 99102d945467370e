package models

// OrderStatus is the single canonical order status vocabulary shared by every surface.
type OrderStatus string

// Order statuses
const (
	OrderStatusDraft          OrderStatus = "draft"
	OrderStatusSubmitted      OrderStatus = "submitted"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusAccepted       OrderStatus = "accepted"
	OrderStatusPreparing      OrderStatus = "preparing"
	OrderStatusReady          OrderStatus = "ready"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusCompleted      OrderStatus = "completed"
	OrderStatusCanceled       OrderStatus = "canceled"
)

var orderStatuses = map[OrderStatus]bool{
	OrderStatusDraft:          true,
	OrderStatusSubmitted:      true,
	OrderStatusPaid:           true,
	OrderStatusAccepted:       true,
	OrderStatusPreparing:      true,
	OrderStatusReady:          true,
	OrderStatusOutForDelivery: true,
	OrderStatusCompleted:      true,
	OrderStatusCanceled:       true,
}

// IsValid reports whether s belongs to the canonical vocabulary.
func (s OrderStatus) IsValid() bool {
	return orderStatuses[s]
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCanceled
}

// IsCaptured reports whether the order has been paid for.
func (s OrderStatus) IsCaptured() bool {
	switch s {
	case OrderStatusPaid, OrderStatusAccepted, OrderStatusPreparing,
		OrderStatusReady, OrderStatusOutForDelivery, OrderStatusCompleted:
		return true
	}
	return false
}

// FulfillmentMode describes how the order leaves the restaurant.
type FulfillmentMode string

// Fulfillment modes
const (
	FulfillmentPickup   FulfillmentMode = "pickup"
	FulfillmentDelivery FulfillmentMode = "delivery"
	FulfillmentDineIn   FulfillmentMode = "dine_in"
)

// IsValid reports whether m is a known fulfillment mode.
func (m FulfillmentMode) IsValid() bool {
	switch m {
	case FulfillmentPickup, FulfillmentDelivery, FulfillmentDineIn:
		return true
	}
	return false
}

// AttemptStatus is the normalized payment attempt vocabulary.
type AttemptStatus string

// Payment attempt statuses
const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusCanceled  AttemptStatus = "canceled"
)

// IsTerminal reports whether the attempt can no longer change.
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed || s == AttemptStatusCanceled
}

// IsActive reports whether the attempt blocks a new attempt for the same order.
func (s AttemptStatus) IsActive() bool {
	return s == AttemptStatusPending || s == AttemptStatusSucceeded
}

// TicketStatus is the kitchen ticket sub-status.
type TicketStatus string

// Kitchen ticket statuses
const (
	TicketStatusPending   TicketStatus = "pending"
	TicketStatusPreparing TicketStatus = "preparing"
	TicketStatusReady     TicketStatus = "ready"
	TicketStatusCompleted TicketStatus = "completed"
)

var ticketRank = map[TicketStatus]int{
	TicketStatusPending:   0,
	TicketStatusPreparing: 1,
	TicketStatusReady:     2,
	TicketStatusCompleted: 3,
}

// IsValid reports whether s is a known ticket status.
func (s TicketStatus) IsValid() bool {
	_, ok := ticketRank[s]
	return ok
}

// Rank orders ticket statuses; unknown statuses rank below pending.
func (s TicketStatus) Rank() int {
	if r, ok := ticketRank[s]; ok {
		return r
	}
	return -1
}

// Next returns the single legal successor of s.
func (s TicketStatus) Next() (TicketStatus, bool) {
	switch s {
	case TicketStatusPending:
		return TicketStatusPreparing, true
	case TicketStatusPreparing:
		return TicketStatusReady, true
	case TicketStatusReady:
		return TicketStatusCompleted, true
	}
	return "", false
}

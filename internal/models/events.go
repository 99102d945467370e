package models

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Event types
const (
	EventTypeOrderCreated       = "ORDER_CREATED"
	EventTypeOrderStatusChanged = "ORDER_STATUS_CHANGED"
	EventTypeOrderPaid          = "ORDER_PAID"
	EventTypeOrderCanceled      = "ORDER_CANCELED"
	EventTypeAttemptUpdated     = "PAYMENT_ATTEMPT_UPDATED"
	EventTypeTicketUpdated      = "KITCHEN_TICKET_UPDATED"
	EventTypePaymentVerified    = "PAYMENT_VERIFIED"
	EventTypePaymentCallback    = "PAYMENT_CALLBACK"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderChange is published after every committed mutation of an order or its linked records.
// Version is the order's version after the mutation and orders changes of the same order.
type OrderChange struct {
	BaseEvent
	OrderID        string          `json:"order_id"`
	Version        int64           `json:"version"`
	Status         OrderStatus     `json:"status"`
	PreviousStatus OrderStatus     `json:"previous_status,omitempty"`
	BusinessDate   string          `json:"business_date"`
	Order          *Order          `json:"order,omitempty"`
	Attempt        *PaymentAttempt `json:"attempt,omitempty"`
	Ticket         *KitchenTicket  `json:"ticket,omitempty"`
}

// PaymentCallbackEvent carries a raw provider callback through the callback queue.
type PaymentCallbackEvent struct {
	BaseEvent
	Method     string      `json:"method"`
	Body       []byte      `json:"body"`
	Header     http.Header `json:"header"`
	Form       url.Values  `json:"form,omitempty"`
	ReceivedAt time.Time   `json:"received_at"`
}

// MarshalBinary lets an OrderChange be published directly over redis.
func (c *OrderChange) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

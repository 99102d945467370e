package orderstate

import (
	"fmt"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/models"
)

// Actor is whoever requests a transition.
type Actor string

const (
	ActorCustomer Actor = "customer"
	ActorCashier  Actor = "cashier"
	ActorKitchen  Actor = "kitchen"
	ActorDelivery Actor = "delivery"
	ActorAdmin    Actor = "admin"
	ActorPayment  Actor = "payment"
	ActorSystem   Actor = "system"
)

// IsValid reports whether a is a known actor.
func (a Actor) IsValid() bool {
	switch a {
	case ActorCustomer, ActorCashier, ActorKitchen, ActorDelivery, ActorAdmin, ActorPayment, ActorSystem:
		return true
	}
	return false
}

type edge struct {
	from models.OrderStatus
	to   models.OrderStatus
}

type rule struct {
	actors          map[Actor]bool
	deliveryOnly    bool
	nonDeliveryOnly bool
}

func actors(list ...Actor) map[Actor]bool {
	m := make(map[Actor]bool, len(list))
	for _, a := range list {
		m[a] = true
	}
	return m
}

var rules = map[edge]rule{
	{models.OrderStatusDraft, models.OrderStatusSubmitted}:     {actors: actors(ActorCustomer, ActorCashier)},
	{models.OrderStatusSubmitted, models.OrderStatusPaid}:      {actors: actors(ActorPayment)},
	{models.OrderStatusPaid, models.OrderStatusAccepted}:       {actors: actors(ActorKitchen, ActorCashier)},
	{models.OrderStatusAccepted, models.OrderStatusPreparing}:  {actors: actors(ActorKitchen)},
	{models.OrderStatusPreparing, models.OrderStatusReady}:     {actors: actors(ActorKitchen)},
	{models.OrderStatusReady, models.OrderStatusOutForDelivery}: {
		actors:       actors(ActorDelivery, ActorCashier),
		deliveryOnly: true,
	},
	{models.OrderStatusReady, models.OrderStatusCompleted}: {
		actors:          actors(ActorCashier, ActorKitchen),
		nonDeliveryOnly: true,
	},
	{models.OrderStatusOutForDelivery, models.OrderStatusCompleted}: {
		actors:       actors(ActorDelivery, ActorCashier),
		deliveryOnly: true,
	},

	{models.OrderStatusDraft, models.OrderStatusCanceled}:          {actors: actors(ActorCustomer, ActorCashier, ActorAdmin, ActorSystem)},
	{models.OrderStatusSubmitted, models.OrderStatusCanceled}:      {actors: actors(ActorCashier, ActorAdmin, ActorPayment, ActorSystem)},
	{models.OrderStatusPaid, models.OrderStatusCanceled}:           {actors: actors(ActorAdmin)},
	{models.OrderStatusAccepted, models.OrderStatusCanceled}:       {actors: actors(ActorAdmin)},
	{models.OrderStatusPreparing, models.OrderStatusCanceled}:      {actors: actors(ActorAdmin)},
	{models.OrderStatusReady, models.OrderStatusCanceled}:          {actors: actors(ActorAdmin)},
	{models.OrderStatusOutForDelivery, models.OrderStatusCanceled}: {actors: actors(ActorAdmin)},
}

// Check validates a single transition for the given actor and fulfillment mode.
// It returns a STATE_CONFLICT error for edges outside the graph and FORBIDDEN when
// the edge exists but the actor may not trigger it.
func Check(from, to models.OrderStatus, actor Actor, mode models.FulfillmentMode) error {
	if !to.IsValid() {
		return apperrors.Newf(apperrors.CodeValidation, "unknown status %q", to)
	}
	if from.IsTerminal() {
		return apperrors.Newf(apperrors.CodeStateConflict, "order is %s", from).
			WithDetails(map[string]string{"from": string(from), "to": string(to)})
	}

	r, ok := rules[edge{from, to}]
	if !ok {
		return apperrors.Newf(apperrors.CodeStateConflict, "transition %s -> %s is not allowed", from, to).
			WithDetails(map[string]string{"from": string(from), "to": string(to)})
	}
	if r.deliveryOnly && mode != models.FulfillmentDelivery {
		return apperrors.Newf(apperrors.CodeStateConflict, "transition %s -> %s applies to delivery orders only", from, to)
	}
	if r.nonDeliveryOnly && mode == models.FulfillmentDelivery {
		return apperrors.Newf(apperrors.CodeStateConflict, "delivery orders must go out for delivery before completion")
	}
	if !r.actors[actor] {
		return apperrors.New(apperrors.CodeForbidden, fmt.Sprintf("%s may not move an order from %s to %s", actor, from, to))
	}
	return nil
}

// Targets lists the statuses reachable from `from` in one step by actor.
func Targets(from models.OrderStatus, actor Actor, mode models.FulfillmentMode) []models.OrderStatus {
	var out []models.OrderStatus
	for _, to := range order {
		if Check(from, to, actor, mode) == nil {
			out = append(out, to)
		}
	}
	return out
}

// order is the canonical status order used for stable listings.
var order = []models.OrderStatus{
	models.OrderStatusDraft,
	models.OrderStatusSubmitted,
	models.OrderStatusPaid,
	models.OrderStatusAccepted,
	models.OrderStatusPreparing,
	models.OrderStatusReady,
	models.OrderStatusOutForDelivery,
	models.OrderStatusCompleted,
	models.OrderStatusCanceled,
}

// Statuses returns the canonical vocabulary in lifecycle order.
func Statuses() []models.OrderStatus {
	out := make([]models.OrderStatus, len(order))
	copy(out, order)
	return out
}

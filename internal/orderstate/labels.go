package orderstate

import "restaurant-order-service/internal/models"

// Surface is a consumer of order state with its own wording.
type Surface string

const (
	SurfaceCashier   Surface = "cashier"
	SurfaceKitchen   Surface = "kitchen"
	SurfaceTracker   Surface = "tracker"
	SurfaceDashboard Surface = "dashboard"
)

var labels = map[Surface]map[models.OrderStatus]string{
	SurfaceCashier: {
		models.OrderStatusDraft:          "Open cart",
		models.OrderStatusSubmitted:      "Awaiting payment",
		models.OrderStatusPaid:           "Paid",
		models.OrderStatusAccepted:       "Sent to kitchen",
		models.OrderStatusPreparing:      "In kitchen",
		models.OrderStatusReady:          "Ready for handover",
		models.OrderStatusOutForDelivery: "With driver",
		models.OrderStatusCompleted:      "Closed",
		models.OrderStatusCanceled:       "Voided",
	},
	SurfaceKitchen: {
		models.OrderStatusPaid:           "New",
		models.OrderStatusAccepted:       "Queued",
		models.OrderStatusPreparing:      "Cooking",
		models.OrderStatusReady:          "Bump",
		models.OrderStatusOutForDelivery: "Dispatched",
		models.OrderStatusCompleted:      "Done",
		models.OrderStatusCanceled:       "Void",
	},
	SurfaceTracker: {
		models.OrderStatusDraft:          "Building your order",
		models.OrderStatusSubmitted:      "Waiting for payment",
		models.OrderStatusPaid:           "Order received",
		models.OrderStatusAccepted:       "Order confirmed",
		models.OrderStatusPreparing:      "Being prepared",
		models.OrderStatusReady:          "Ready",
		models.OrderStatusOutForDelivery: "On the way",
		models.OrderStatusCompleted:      "Enjoy your meal",
		models.OrderStatusCanceled:       "Canceled",
	},
}

// Label returns the display text a surface shows for a canonical status.
// Surfaces without a custom wording (and the dashboard) fall back to the status itself.
func Label(surface Surface, status models.OrderStatus) string {
	if byStatus, ok := labels[surface]; ok {
		if l, ok := byStatus[status]; ok {
			return l
		}
	}
	return string(status)
}

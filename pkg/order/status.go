package order

import "github.com/example/storefront/pkg/models"

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.StatusPending:    {models.StatusProcessing, models.StatusCancelled},
	models.StatusProcessing: {models.StatusShipped, models.StatusCancelled},
	models.StatusShipped:    {models.StatusDelivered},
}

// ValidStatus reports whether s is one of the known order statuses.
func ValidStatus(s models.OrderStatus) bool {
	switch s {
	case models.StatusPending, models.StatusProcessing, models.StatusShipped,
		models.StatusDelivered, models.StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether an order may move from one status to another.
// Delivered and cancelled are final.
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

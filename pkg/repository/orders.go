package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"gorm.io/gorm"
)

// CreateOrder inserts the order and its items. A clashing order number is
// reported as ErrDuplicateKey.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return wrapWrite(err, "create order")
	}
	return nil
}

// ListOrdersByUser returns the user's orders newest first, items included.
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("id") }).
		Where("order_number = ?", number).
		First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("order %s not found", number)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return &order, nil
}

// UpdateOrderStatus moves the order from one status to another. It reports
// false if the order was no longer in the from status.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID uint, from, to models.OrderStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Update("status", to)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update order status: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

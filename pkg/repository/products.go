package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"gorm.io/gorm"
)

func (s *Store) GetProduct(ctx context.Context, id uint) (*models.Product, error) {
	var product models.Product
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("product %d not found", id)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	if product.Stock < 0 {
		return apperr.Invalid("stock must not be negative")
	}
	if err := s.db.WithContext(ctx).Create(product).Error; err != nil {
		return wrapWrite(err, "create product")
	}
	return nil
}

// DecrementStock subtracts amount from the product's stock only if enough is
// left. The check and the write are one statement, so concurrent callers can
// never drive stock below zero.
func (s *Store) DecrementStock(ctx context.Context, id uint, amount int) error {
	if amount <= 0 {
		return apperr.Invalid("decrement amount must be positive, got %d", amount)
	}

	res := s.db.WithContext(ctx).Model(&models.Product{}).
		Where("id = ? AND stock >= ?", id, amount).
		UpdateColumn("stock", gorm.Expr("stock - ?", amount))
	if res.Error != nil {
		return fmt.Errorf("failed to decrement stock: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	product, err := s.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	return apperr.InsufficientStock(product.ID, product.Name, amount, product.Stock)
}

// EnsureProduct inserts product unless one with the same name exists. It
// reports whether a row was created.
func (s *Store) EnsureProduct(ctx context.Context, product *models.Product) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Product{}).Where("name = ?", product.Name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to look up product: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	if err := s.CreateProduct(ctx, product); err != nil {
		return false, err
	}
	return true, nil
}

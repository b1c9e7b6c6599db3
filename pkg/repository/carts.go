package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FindCartByUser returns nil, nil when the user owns no cart.
func (s *Store) FindCartByUser(ctx context.Context, userID string) (*models.Cart, error) {
	return s.findCart(ctx, "user_id = ?", userID)
}

// FindCartByToken returns nil, nil when no cart carries the token.
func (s *Store) FindCartByToken(ctx context.Context, token string) (*models.Cart, error) {
	return s.findCart(ctx, "session_token = ?", token)
}

func (s *Store) GetCart(ctx context.Context, id uint) (*models.Cart, error) {
	cart, err := s.findCart(ctx, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, apperr.NotFound("cart %d not found", id)
	}
	return cart, nil
}

// LockCart is GetCart holding a row lock until the surrounding transaction
// ends. Dialects without row locks (SQLite) serialise writers instead.
func (s *Store) LockCart(ctx context.Context, id uint) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&cart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("cart %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock cart: %w", err)
	}
	return &cart, nil
}

func (s *Store) findCart(ctx context.Context, query string, arg any) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.WithContext(ctx).Where(query, arg).First(&cart).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cart: %w", err)
	}
	return &cart, nil
}

// CreateCart inserts a cart. It returns ErrDuplicateKey when another request
// already created a cart for the same token or user.
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	if err := s.db.WithContext(ctx).Create(cart).Error; err != nil {
		return wrapWrite(err, "create cart")
	}
	return nil
}

// ClaimCart attaches an owner to an unowned cart. It reports false when the
// cart already had an owner by the time the update ran.
func (s *Store) ClaimCart(ctx context.Context, cartID uint, userID string, email *string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Cart{}).
		Where("id = ? AND user_id IS NULL", cartID).
		Updates(map[string]any{"user_id": userID, "user_email": email})
	if res.Error != nil {
		return false, wrapWrite(res.Error, "claim cart")
	}
	return res.RowsAffected == 1, nil
}

// CartItems returns the cart's lines in insertion order with products loaded.
func (s *Store) CartItems(ctx context.Context, cartID uint) ([]models.CartItem, error) {
	var items []models.CartItem
	err := s.db.WithContext(ctx).
		Preload("Product").
		Where("cart_id = ?", cartID).
		Order("id").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list cart items: %w", err)
	}
	return items, nil
}

// GetCartItem returns NotFound unless the line exists and belongs to cartID.
func (s *Store) GetCartItem(ctx context.Context, cartID, itemID uint) (*models.CartItem, error) {
	var item models.CartItem
	err := s.db.WithContext(ctx).
		Preload("Product").
		Where("id = ? AND cart_id = ?", itemID, cartID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("cart item %d not found", itemID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cart item: %w", err)
	}
	return &item, nil
}

// FindCartItemByProduct returns nil, nil when the cart has no line for the product.
func (s *Store) FindCartItemByProduct(ctx context.Context, cartID, productID uint) (*models.CartItem, error) {
	var item models.CartItem
	err := s.db.WithContext(ctx).
		Where("cart_id = ? AND product_id = ?", cartID, productID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find cart item: %w", err)
	}
	return &item, nil
}

// CreateCartItem returns ErrDuplicateKey if the (cart, product) line exists.
func (s *Store) CreateCartItem(ctx context.Context, item *models.CartItem) error {
	if err := s.db.WithContext(ctx).Omit("Product").Create(item).Error; err != nil {
		return wrapWrite(err, "create cart item")
	}
	return nil
}

// IncrementCartItem adds delta to the line's quantity as long as the result
// stays within limit. It reports false when the limit would be exceeded.
func (s *Store) IncrementCartItem(ctx context.Context, itemID uint, delta, limit int) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.CartItem{}).
		Where("id = ? AND quantity + ? <= ?", itemID, delta, limit).
		UpdateColumns(map[string]any{
			"quantity":   gorm.Expr("quantity + ?", delta),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to increment cart item: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) SetCartItemQuantity(ctx context.Context, itemID uint, quantity int) error {
	err := s.db.WithContext(ctx).Model(&models.CartItem{}).
		Where("id = ?", itemID).
		Update("quantity", quantity).Error
	if err != nil {
		return fmt.Errorf("failed to update cart item: %w", err)
	}
	return nil
}

// DeleteCartItem reports whether a line was removed.
func (s *Store) DeleteCartItem(ctx context.Context, cartID, itemID uint) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("id = ? AND cart_id = ?", itemID, cartID).
		Delete(&models.CartItem{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete cart item: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RemoveCartLines deletes exactly the given lines, each only if its quantity
// is unchanged. It reports false when any line was changed or removed in the
// meantime; lines added since are left alone either way.
func (s *Store) RemoveCartLines(ctx context.Context, cartID uint, lines []models.CartItem) (bool, error) {
	var removed int64
	for _, line := range lines {
		res := s.db.WithContext(ctx).
			Where("id = ? AND cart_id = ? AND quantity = ?", line.ID, cartID, line.Quantity).
			Delete(&models.CartItem{})
		if res.Error != nil {
			return false, fmt.Errorf("failed to remove cart line: %w", res.Error)
		}
		removed += res.RowsAffected
	}
	return removed == int64(len(lines)), nil
}

// ClearCart removes every line of the cart and keeps the cart itself.
func (s *Store) ClearCart(ctx context.Context, cartID uint) error {
	err := s.db.WithContext(ctx).
		Where("cart_id = ?", cartID).
		Delete(&models.CartItem{}).Error
	if err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// Package order turns carts into orders and serves order history.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/cart"
	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// OrderCache caches per-user order history. *repository.RedisRepository
// satisfies it.
type OrderCache interface {
	UserOrdersVersion(ctx context.Context, userID string) (int64, error)
	GetUserOrders(ctx context.Context, userID string, version int64) ([]models.Order, error)
	CacheUserOrders(ctx context.Context, userID string, version int64, orders []models.Order) error
	InvalidateUserOrders(ctx context.Context, userID string) error
}

type Auditor interface {
	CreateAuditLog(ctx context.Context, log *repository.AuditLog) error
}

// Notifier is told about committed order events. Implementations must not
// block the caller.
type Notifier interface {
	OrderPlaced(order *models.Order)
	StatusChanged(order *models.Order, from models.OrderStatus)
}

type Shipping struct {
	FullName string
	Phone    string
	Address  string
}

type PlaceOrderRequest struct {
	cart.Identity
	Shipping
}

// Validate reports the first blank required field, in the order
// full_name, phone, address, user_id, user_email.
func (r PlaceOrderRequest) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"full_name", r.FullName},
		{"phone", r.Phone},
		{"address", r.Address},
		{"user_id", r.UserID},
		{"user_email", r.UserEmail},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return apperr.MissingField(f.name)
		}
	}
	return nil
}

type Option func(*Service)

func WithCache(c OrderCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithNumberGenerator(g NumberGenerator) Option {
	return func(s *Service) { s.numbers = g }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	store    *repository.Store
	resolver *cart.Resolver
	cfg      config.OrdersConfig
	logger   *zap.Logger

	cache    OrderCache
	auditor  Auditor
	notifier Notifier
	numbers  NumberGenerator
	now      func() time.Time
}

func NewService(store *repository.Store, resolver *cart.Resolver, cfg config.OrdersConfig, logger *zap.Logger, opts ...Option) *Service {
	if cfg.MaxNumberAttempts < 1 {
		cfg.MaxNumberAttempts = 1
	}
	if cfg.PaymentMethod == "" {
		cfg.PaymentMethod = models.PaymentCashOnDelivery
	}
	s := &Service{
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger.Named("order"),
		numbers:  RandomNumbers(cfg.NumberPrefix),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PlaceOrder converts the caller's cart into an order. Stock checks, the
// order insert, stock decrements and emptying the cart commit together or not
// at all. An order number collision, or a cart line changing under the
// placement, rolls back and retries with a new number and a fresh read.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*models.Order, error) {
	req.Identity = req.Identity.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := s.resolver.Resolve(ctx, req.Identity)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.EmptyCart()
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxNumberAttempts; attempt++ {
		number, err := s.numbers(s.now())
		if err != nil {
			return nil, err
		}

		order, err := s.place(ctx, c.ID, req, number)
		if err == nil {
			s.logger.Info("Order placed",
				zap.String("order_number", order.OrderNumber),
				zap.String("user_id", order.UserID),
				zap.Int("item_count", len(order.Items)),
				zap.String("total_amount", order.TotalAmount.StringFixed(2)))
			s.afterPlace(ctx, order)
			return order, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, err
		}

		lastErr = err
		s.logger.Warn("Order placement conflicted, retrying",
			zap.String("order_number", number),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, lastErr
}

func (s *Service) place(ctx context.Context, cartID uint, req PlaceOrderRequest, number string) (*models.Order, error) {
	var order *models.Order
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		c, err := tx.LockCart(ctx, cartID)
		if err != nil {
			return err
		}
		lines, err := tx.CartItems(ctx, c.ID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return apperr.EmptyCart()
		}
		if err := cart.CheckOwner(c, req.UserID); err != nil {
			return err
		}

		total := decimal.Zero
		items := make([]models.OrderItem, 0, len(lines))
		for _, line := range lines {
			product := line.Product
			if product == nil {
				return apperr.NotFound("product %d not found", line.ProductID)
			}
			if line.Quantity > product.Stock {
				return apperr.InsufficientStock(product.ID, product.Name, line.Quantity, product.Stock)
			}
			productID := product.ID
			item := models.OrderItem{
				ProductID:    &productID,
				ProductName:  product.Name,
				ProductPrice: product.Price,
				Quantity:     line.Quantity,
			}
			total = total.Add(item.Subtotal())
			items = append(items, item)
		}

		order = &models.Order{
			OrderNumber:   number,
			UserID:        req.UserID,
			UserEmail:     req.UserEmail,
			FullName:      strings.TrimSpace(req.FullName),
			Phone:         strings.TrimSpace(req.Phone),
			Address:       strings.TrimSpace(req.Address),
			TotalAmount:   total,
			PaymentMethod: s.cfg.PaymentMethod,
			Status:        models.StatusPending,
			Items:         items,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			if errors.Is(err, repository.ErrDuplicateKey) {
				return apperr.Conflict(err, "order number %s already taken", number)
			}
			return err
		}

		// The stock check above read a snapshot; the conditional decrement is
		// what actually guards against a concurrent placement.
		for _, line := range lines {
			if err := tx.DecrementStock(ctx, line.ProductID, line.Quantity); err != nil {
				return err
			}
		}
		removed, err := tx.RemoveCartLines(ctx, c.ID, lines)
		if err != nil {
			return err
		}
		if !removed {
			return apperr.Conflict(nil, "cart %d changed during checkout", c.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) afterPlace(ctx context.Context, order *models.Order) {
	s.invalidate(ctx, order.UserID)
	s.audit(ctx, repository.AuditPlaceOrder, order, bson.M{
		"total_amount": order.TotalAmount.StringFixed(2),
		"item_count":   len(order.Items),
	})
	if s.notifier != nil {
		s.notifier.OrderPlaced(order)
	}
}

// ListOrders returns the user's orders newest first. A blank user id has no
// orders.
func (s *Service) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return []models.Order{}, nil
	}

	// The version is read before the database so that an invalidation
	// in between retires whatever this call writes back.
	cacheable := s.cache != nil
	var version int64
	if cacheable {
		v, err := s.cache.UserOrdersVersion(ctx, userID)
		if err != nil {
			s.logger.Warn("Failed to read order cache version", zap.String("user_id", userID), zap.Error(err))
			cacheable = false
		}
		version = v
	}
	if cacheable {
		orders, err := s.cache.GetUserOrders(ctx, userID, version)
		if err == nil {
			return orders, nil
		}
		if !errors.Is(err, repository.ErrCacheMiss) {
			s.logger.Warn("Failed to read cached orders", zap.String("user_id", userID), zap.Error(err))
		}
	}

	orders, err := s.store.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if cacheable {
		if err := s.cache.CacheUserOrders(ctx, userID, version, orders); err != nil {
			s.logger.Warn("Failed to cache orders", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return orders, nil
}

// GetOrder returns one of the user's orders. Orders of other users are
// reported as not found.
func (s *Service) GetOrder(ctx context.Context, userID, number string) (*models.Order, error) {
	userID = strings.TrimSpace(userID)
	order, err := s.store.GetOrderByNumber(ctx, strings.TrimSpace(number))
	if err != nil {
		return nil, err
	}
	if userID == "" || order.UserID != userID {
		return nil, apperr.NotFound("order %s not found", number)
	}
	return order, nil
}

// UpdateStatus moves an order along its lifecycle. The write only applies if
// the status is still the one the transition was checked against.
func (s *Service) UpdateStatus(ctx context.Context, number string, status models.OrderStatus) (*models.Order, error) {
	if !ValidStatus(status) {
		return nil, apperr.Invalid("unknown order status %q", status)
	}

	order, err := s.store.GetOrderByNumber(ctx, strings.TrimSpace(number))
	if err != nil {
		return nil, err
	}
	from := order.Status
	if !CanTransition(from, status) {
		return nil, apperr.Invalid("cannot move order %s from %s to %s", order.OrderNumber, from, status)
	}

	updated, err := s.store.UpdateOrderStatus(ctx, order.ID, from, status)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, apperr.Conflict(nil, "order %s status changed concurrently", order.OrderNumber)
	}
	order.Status = status

	s.logger.Info("Order status updated",
		zap.String("order_number", order.OrderNumber),
		zap.String("from", string(from)),
		zap.String("to", string(status)))

	s.invalidate(ctx, order.UserID)
	s.audit(ctx, repository.AuditOrderStatus, order, bson.M{"from": string(from), "to": string(status)})
	if s.notifier != nil {
		s.notifier.StatusChanged(order, from)
	}
	return order, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateUserOrders(ctx, userID); err != nil {
		s.logger.Warn("Failed to invalidate cached orders", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, action string, order *models.Order, data bson.M) {
	if s.auditor == nil {
		return
	}
	entry := &repository.AuditLog{
		Action:   action,
		EntityID: fmt.Sprintf("order:%s", order.OrderNumber),
		UserID:   order.UserID,
		Data:     data,
	}
	if err := s.auditor.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("Failed to write audit log", zap.String("order_number", order.OrderNumber), zap.Error(err))
	}
}

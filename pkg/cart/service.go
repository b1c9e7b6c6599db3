package cart

import (
	"context"
	"errors"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxCreateAttempts = 3
	maxUpsertAttempts = 3
)

// View is the caller-facing rendering of a cart. An unresolved cart renders
// as an empty view.
type View struct {
	ID           uint            `json:"id,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
	UserID       string          `json:"user_id,omitempty"`
	UserEmail    string          `json:"user_email,omitempty"`
	Items        []LineView      `json:"items"`
	Total        decimal.Decimal `json:"total"`
}

type LineView struct {
	ID          uint            `json:"id"`
	ProductID   uint            `json:"product_id"`
	ProductName string          `json:"product_name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// Service implements the cart operations on top of a Resolver.
type Service struct {
	store    *repository.Store
	resolver *Resolver
	logger   *zap.Logger
	newToken func() string
}

func NewService(store *repository.Store, resolver *Resolver, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		resolver: resolver,
		logger:   logger.Named("cart"),
		newToken: uuid.NewString,
	}
}

// CheckOwner fails Unauthorized when cart is owned by someone other than userID.
func CheckOwner(cart *models.Cart, userID string) error {
	if cart.HasOwner() && !cart.OwnedBy(userID) {
		return apperr.Unauthorized("cart belongs to another user")
	}
	return nil
}

// View returns the caller's cart, or an empty view if there is none. An
// anonymous caller holding the token of an owned cart sees an empty view.
func (s *Service) View(ctx context.Context, id Identity) (*View, error) {
	id = id.Normalize()
	cart, err := s.resolver.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart == nil || (id.UserID == "" && cart.HasOwner()) {
		return emptyView(), nil
	}
	return s.render(ctx, cart)
}

// AddItem adds quantity units of a product, creating the cart on first use.
// The resulting line quantity may not exceed the product's current stock.
func (s *Service) AddItem(ctx context.Context, id Identity, productID uint, quantity int) (*View, error) {
	id = id.Normalize()
	if quantity <= 0 {
		return nil, apperr.Invalid("quantity must be positive, got %d", quantity)
	}

	product, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	cart, err := s.resolveOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckOwner(cart, id.UserID); err != nil {
		return nil, err
	}

	if err := s.upsertLine(ctx, cart.ID, product, quantity); err != nil {
		return nil, err
	}

	s.logger.Debug("Item added",
		zap.Uint("cart_id", cart.ID),
		zap.Uint("product_id", product.ID),
		zap.Int("quantity", quantity))

	return s.render(ctx, cart)
}

// upsertLine inserts the (cart, product) line or increments it. Both paths
// re-check stock in the same statement that writes.
func (s *Service) upsertLine(ctx context.Context, cartID uint, product *models.Product, quantity int) error {
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		existing, err := s.store.FindCartItemByProduct(ctx, cartID, product.ID)
		if err != nil {
			return err
		}

		if existing == nil {
			if quantity > product.Stock {
				return apperr.InsufficientStock(product.ID, product.Name, quantity, product.Stock)
			}
			err := s.store.CreateCartItem(ctx, &models.CartItem{
				CartID:    cartID,
				ProductID: product.ID,
				Quantity:  quantity,
			})
			if errors.Is(err, repository.ErrDuplicateKey) {
				continue
			}
			return err
		}

		ok, err := s.store.IncrementCartItem(ctx, existing.ID, quantity, product.Stock)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		// Either the limit was hit or the line vanished under us.
		if _, err := s.store.GetCartItem(ctx, cartID, existing.ID); errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		return apperr.InsufficientStock(product.ID, product.Name, existing.Quantity+quantity, product.Stock)
	}
	return apperr.Conflict(nil, "cart line for product %d changed concurrently", product.ID)
}

// UpdateItem sets a line's quantity. Zero or less removes the line.
func (s *Service) UpdateItem(ctx context.Context, id Identity, itemID uint, quantity int) (*View, error) {
	cart, err := s.resolveForMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, apperr.NotFound("cart item %d not found", itemID)
	}

	item, err := s.store.GetCartItem(ctx, cart.ID, itemID)
	if err != nil {
		return nil, err
	}

	if quantity <= 0 {
		if _, err := s.store.DeleteCartItem(ctx, cart.ID, item.ID); err != nil {
			return nil, err
		}
		return s.render(ctx, cart)
	}

	product := item.Product
	if product == nil {
		if product, err = s.store.GetProduct(ctx, item.ProductID); err != nil {
			return nil, err
		}
	}
	if quantity > product.Stock {
		return nil, apperr.InsufficientStock(product.ID, product.Name, quantity, product.Stock)
	}

	if err := s.store.SetCartItemQuantity(ctx, item.ID, quantity); err != nil {
		return nil, err
	}
	return s.render(ctx, cart)
}

func (s *Service) RemoveItem(ctx context.Context, id Identity, itemID uint) (*View, error) {
	cart, err := s.resolveForMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return nil, apperr.NotFound("cart item %d not found", itemID)
	}

	deleted, err := s.store.DeleteCartItem(ctx, cart.ID, itemID)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, apperr.NotFound("cart item %d not found", itemID)
	}
	return s.render(ctx, cart)
}

// Clear removes every line. Clearing an empty or missing cart is a no-op.
func (s *Service) Clear(ctx context.Context, id Identity) (*View, error) {
	cart, err := s.resolveForMutation(ctx, id)
	if err != nil {
		return nil, err
	}
	if cart == nil {
		return emptyView(), nil
	}
	if err := s.store.ClearCart(ctx, cart.ID); err != nil {
		return nil, err
	}
	return s.render(ctx, cart)
}

func (s *Service) resolveForMutation(ctx context.Context, id Identity) (*models.Cart, error) {
	id = id.Normalize()
	cart, err := s.resolver.Resolve(ctx, id)
	if err != nil || cart == nil {
		return nil, err
	}
	if err := CheckOwner(cart, id.UserID); err != nil {
		return nil, err
	}
	return cart, nil
}

// resolveOrCreate creates a cart when none resolves. The unique indexes on
// session token and user id turn a concurrent first add into a duplicate key,
// after which the winner's cart is resolved instead.
func (s *Service) resolveOrCreate(ctx context.Context, id Identity) (*models.Cart, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		cart, err := s.resolver.Resolve(ctx, id)
		if err != nil || cart != nil {
			return cart, err
		}

		cart = &models.Cart{SessionToken: id.SessionToken}
		if cart.SessionToken == "" {
			cart.SessionToken = s.newToken()
		}
		if id.UserID != "" {
			userID := id.UserID
			cart.UserID = &userID
			cart.UserEmail = id.email()
		}

		err = s.store.CreateCart(ctx, cart)
		if err == nil {
			s.logger.Info("Cart created", zap.Uint("cart_id", cart.ID), zap.Bool("owned", cart.HasOwner()))
			return cart, nil
		}
		if !errors.Is(err, repository.ErrDuplicateKey) {
			return nil, err
		}
	}
	return nil, apperr.Conflict(nil, "could not create cart")
}

func (s *Service) render(ctx context.Context, cart *models.Cart) (*View, error) {
	items, err := s.store.CartItems(ctx, cart.ID)
	if err != nil {
		return nil, err
	}
	return Render(cart, items), nil
}

// Render builds the view of cart from its loaded lines. Lines whose product
// is not loaded are skipped.
func Render(cart *models.Cart, items []models.CartItem) *View {
	view := emptyView()
	view.ID = cart.ID
	view.SessionToken = cart.SessionToken
	if cart.UserID != nil {
		view.UserID = *cart.UserID
	}
	if cart.UserEmail != nil {
		view.UserEmail = *cart.UserEmail
	}

	for _, item := range items {
		if item.Product == nil {
			continue
		}
		subtotal := item.Product.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		view.Items = append(view.Items, LineView{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.Product.Name,
			Price:       item.Product.Price,
			Quantity:    item.Quantity,
			Subtotal:    subtotal,
		})
		view.Total = view.Total.Add(subtotal)
	}
	return view
}

func emptyView() *View {
	return &View{Items: []LineView{}, Total: decimal.Zero}
}

// Package cart resolves which cart a request belongs to and mutates its lines.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/example/storefront/pkg/apperr"
	"github.com/example/storefront/pkg/models"
	"github.com/example/storefront/pkg/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

// Identity is what a request knows about its caller: the anonymous session
// token it echoed back, and the user id and email when authenticated.
type Identity struct {
	SessionToken string
	UserID       string
	UserEmail    string
}

// Normalize trims surrounding whitespace from every field.
func (id Identity) Normalize() Identity {
	return Identity{
		SessionToken: strings.TrimSpace(id.SessionToken),
		UserID:       strings.TrimSpace(id.UserID),
		UserEmail:    strings.TrimSpace(id.UserEmail),
	}
}

func (id Identity) email() *string {
	if id.UserEmail == "" {
		return nil
	}
	email := id.UserEmail
	return &email
}

// Auditor records claim events. *repository.MongoRepository satisfies it.
type Auditor interface {
	CreateAuditLog(ctx context.Context, log *repository.AuditLog) error
}

type Resolver struct {
	store   *repository.Store
	auditor Auditor
	logger  *zap.Logger
}

// NewResolver returns a resolver over store. auditor may be nil.
func NewResolver(store *repository.Store, auditor Auditor, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:   store,
		auditor: auditor,
		logger:  logger.Named("cart-resolver"),
	}
}

// Resolve returns the cart representing the caller, or nil when neither the
// user id nor the session token matches one. A user's own cart wins over the
// token's cart. An unowned token cart is claimed by the supplied user; a token
// cart owned by a different user is Unauthorized.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (*models.Cart, error) {
	id = id.Normalize()

	if id.UserID != "" {
		cart, err := r.store.FindCartByUser(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		if cart != nil {
			return cart, nil
		}
	}

	if id.SessionToken == "" {
		return nil, nil
	}

	cart, err := r.store.FindCartByToken(ctx, id.SessionToken)
	if err != nil || cart == nil {
		return nil, err
	}

	switch {
	case id.UserID == "":
		return cart, nil
	case cart.OwnedBy(id.UserID):
		return cart, nil
	case cart.HasOwner():
		return nil, apperr.Unauthorized("cart belongs to another user")
	}
	return r.claim(ctx, cart, id)
}

func (r *Resolver) claim(ctx context.Context, cart *models.Cart, id Identity) (*models.Cart, error) {
	claimed, err := r.store.ClaimCart(ctx, cart.ID, id.UserID, id.email())
	if errors.Is(err, repository.ErrDuplicateKey) {
		// The user got a cart of their own while this one was being claimed.
		own, err := r.store.FindCartByUser(ctx, id.UserID)
		if err != nil {
			return nil, err
		}
		if own == nil {
			return nil, apperr.Conflict(nil, "cart for user %s changed concurrently", id.UserID)
		}
		return own, nil
	}
	if err != nil {
		return nil, err
	}

	if !claimed {
		current, err := r.store.GetCart(ctx, cart.ID)
		if err != nil {
			return nil, err
		}
		if !current.OwnedBy(id.UserID) {
			return nil, apperr.Unauthorized("cart belongs to another user")
		}
		return current, nil
	}

	cart.UserID = &id.UserID
	cart.UserEmail = id.email()

	r.logger.Info("Cart claimed",
		zap.Uint("cart_id", cart.ID),
		zap.String("user_id", id.UserID))
	r.audit(ctx, cart)

	return cart, nil
}

func (r *Resolver) audit(ctx context.Context, cart *models.Cart) {
	if r.auditor == nil {
		return
	}
	entry := &repository.AuditLog{
		Action:   repository.AuditClaimCart,
		EntityID: fmt.Sprintf("cart:%d", cart.ID),
		UserID:   *cart.UserID,
		Data:     bson.M{"session_token": cart.SessionToken},
	}
	if err := r.auditor.CreateAuditLog(ctx, entry); err != nil {
		r.logger.Warn("Failed to write audit log", zap.Uint("cart_id", cart.ID), zap.Error(err))
	}
}

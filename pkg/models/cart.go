package models

import (
	"time"
)

// Cart is identified by UserID once an owner is attached, otherwise by
// SessionToken. UserID is never cleared after being set.
type Cart struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	SessionToken string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"session_token"`
	UserID       *string    `gorm:"type:varchar(100);uniqueIndex" json:"user_id,omitempty"`
	UserEmail    *string    `gorm:"type:varchar(254)" json:"user_email,omitempty"`
	Items        []CartItem `gorm:"constraint:OnDelete:CASCADE" json:"items,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func (Cart) TableName() string {
	return "carts"
}

// OwnedBy reports whether the cart has an owner and it is userID.
func (c *Cart) OwnedBy(userID string) bool {
	return c.UserID != nil && *c.UserID == userID
}

// HasOwner reports whether a user has claimed the cart.
func (c *Cart) HasOwner() bool {
	return c.UserID != nil && *c.UserID != ""
}

// CartItem holds one product line; (CartID, ProductID) is unique.
type CartItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CartID    uint      `gorm:"not null;uniqueIndex:idx_cart_product" json:"cart_id"`
	ProductID uint      `gorm:"not null;uniqueIndex:idx_cart_product" json:"product_id"`
	Quantity  int       `gorm:"not null" json:"quantity"`
	Product   *Product  `gorm:"foreignKey:ProductID" json:"product,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (CartItem) TableName() string {
	return "cart_items"
}

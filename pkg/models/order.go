package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

const PaymentCashOnDelivery = "cod"

// Order is immutable once created, apart from Status.
type Order struct {
	ID            uint            `gorm:"primaryKey" json:"id"`
	OrderNumber   string          `gorm:"type:varchar(32);uniqueIndex;not null" json:"order_number"`
	UserID        string          `gorm:"type:varchar(100);not null;index" json:"user_id"`
	UserEmail     string          `gorm:"type:varchar(254);not null" json:"user_email"`
	FullName      string          `gorm:"type:varchar(100);not null" json:"full_name"`
	Phone         string          `gorm:"type:varchar(20);not null" json:"phone"`
	Address       string          `gorm:"type:text;not null" json:"address"`
	TotalAmount   decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"total_amount"`
	PaymentMethod string          `gorm:"type:varchar(50);not null;default:'cod'" json:"payment_method"`
	Status        OrderStatus     `gorm:"type:varchar(20);not null;default:'pending'" json:"status"`
	Items         []OrderItem     `gorm:"constraint:OnDelete:CASCADE" json:"items"`
	CreatedAt     time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Order) TableName() string {
	return "orders"
}

// OrderItem is a frozen copy of a cart line taken at placement time. It does
// not follow later changes to the product.
type OrderItem struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	OrderID      uint            `gorm:"not null;index" json:"order_id"`
	ProductID    *uint           `gorm:"index" json:"product_id,omitempty"`
	ProductName  string          `gorm:"type:varchar(200);not null" json:"product_name"`
	ProductPrice decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"product_price"`
	Quantity     int             `gorm:"not null" json:"quantity"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (OrderItem) TableName() string {
	return "order_items"
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.ProductPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

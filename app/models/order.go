package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus represents the lifecycle status of an order
type OrderStatus string

const (
	OrderStatusNew    OrderStatus = "new"
	OrderStatusBilled OrderStatus = "billed"
	OrderStatusPaid   OrderStatus = "paid"
)

func (s OrderStatus) String() string {
	return string(s)
}

// Valid reports whether s is one of the known statuses
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusNew, OrderStatusBilled, OrderStatusPaid:
		return true
	}
	return false
}

func (s *OrderStatus) Scan(value interface{}) error {
	switch v := value.(type) {
	case string:
		*s = OrderStatus(v)
	case []byte:
		*s = OrderStatus(string(v))
	default:
		return fmt.Errorf("cannot scan %T into OrderStatus", value)
	}
	return nil
}

func (s OrderStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// CartLine is one line of a table's working cart, also used for deltas and bill items
type CartLine struct {
	ItemID string          `json:"id"`
	Name   string          `json:"name"`
	Price  decimal.Decimal `json:"price"`
	Qty    int             `json:"qty"`
}

// LineTotal returns price x qty
func (l CartLine) LineTotal() decimal.Decimal {
	return l.Price.Mul(decimal.NewFromInt(int64(l.Qty)))
}

// Order is one immutable kitchen round (KOT) for a table
type Order struct {
	ID             string          `gorm:"primaryKey;size:36" json:"id"`
	OrderNumber    int64           `gorm:"index;not null" json:"orderNumber"`
	Table          string          `gorm:"column:table_name;index;not null" json:"table"`
	Waiter         string          `json:"waiter"`
	Customer       string          `json:"customer"`
	Items          []OrderItem     `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE" json:"items"`
	Total          decimal.Decimal `gorm:"type:decimal(12,2)" json:"total"`
	Status         OrderStatus     `gorm:"index;not null;default:new" json:"status"`
	IsRunningOrder bool            `gorm:"default:false" json:"isRunningOrder"`
	Version        int             `gorm:"not null;default:1" json:"version"`
	CreatedAt      time.Time       `gorm:"index" json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// OrderItem represents a line of an order
type OrderItem struct {
	ID       uint            `gorm:"primaryKey" json:"-"`
	OrderID  string          `gorm:"index;size:36" json:"-"`
	Position int             `json:"-"`
	ItemID   string          `gorm:"not null" json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `gorm:"type:decimal(10,2)" json:"price"`
	Qty      int             `json:"qty"`
}

// Lines returns the order items as cart lines
func (o *Order) Lines() []CartLine {
	lines := make([]CartLine, 0, len(o.Items))
	for _, item := range o.Items {
		lines = append(lines, CartLine{ItemID: item.ItemID, Name: item.Name, Price: item.Price, Qty: item.Qty})
	}
	return lines
}

// SetLines replaces the order items and recomputes the total
func (o *Order) SetLines(lines []CartLine) {
	o.Items = make([]OrderItem, 0, len(lines))
	total := decimal.Zero
	for i, line := range lines {
		o.Items = append(o.Items, OrderItem{
			OrderID:  o.ID,
			Position: i,
			ItemID:   line.ItemID,
			Name:     line.Name,
			Price:    line.Price,
			Qty:      line.Qty,
		})
		total = total.Add(line.LineTotal())
	}
	o.Total = total
}

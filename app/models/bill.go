package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod is how a bill was settled
type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "Cash"
	PaymentMethodUPI  PaymentMethod = "UPI"
	PaymentMethodCard PaymentMethod = "Card"
)

// Valid reports whether m is an accepted payment method
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCash, PaymentMethodUPI, PaymentMethodCard:
		return true
	}
	return false
}

// DefaultCustomer is used when a bill has no customer name
const DefaultCustomer = "Walk-in"

// Bill is the merged settlement view of a table's open orders
type Bill struct {
	ID            string          `gorm:"primaryKey;size:36" json:"id"`
	OrderNumber   int64           `gorm:"index" json:"orderNumber"`
	Table         string          `gorm:"column:table_name;index" json:"table"`
	Customer      string          `json:"customer"`
	OrderIDs      []string        `gorm:"type:text;serializer:json" json:"orderIds"`
	Items         []CartLine      `gorm:"type:text;serializer:json" json:"items"`
	Total         decimal.Decimal `gorm:"type:decimal(12,2)" json:"total"`
	PaymentMethod PaymentMethod   `gorm:"default:Cash" json:"paymentMethod"`
	CycleDate     string          `gorm:"index" json:"cycleDate"`
	CycleLabel    string          `json:"cycleLabel"`
	CreatedAt     time.Time       `gorm:"index" json:"createdAt"`
}

// CycleSummary aggregates bills of one business cycle
type CycleSummary struct {
	CycleDate string          `json:"cycleDate"`
	Label     string          `json:"label"`
	BillCount int             `json:"billCount"`
	Total     decimal.Decimal `json:"total"`
	Cash      decimal.Decimal `json:"cash"`
	UPI       decimal.Decimal `json:"upi"`
	Card      decimal.Decimal `json:"card"`
}

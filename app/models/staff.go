package models

import (
	"time"
)

// Staff represents a waiter or cashier who signs in with a PIN
type Staff struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"not null" json:"name"`
	PIN         string     `json:"-"` // bcrypt hash
	Role        string     `json:"role"` // "waiter", "cashier", "admin"
	IsActive    bool       `gorm:"default:true" json:"is_active"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OrderSequence is the durable counter behind order numbers
type OrderSequence struct {
	Name      string    `gorm:"primaryKey;size:64" json:"name"`
	Value     int64     `gorm:"not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TicketType identifies the printed document
type TicketType string

const (
	TicketTypeKOT  TicketType = "KOT"
	TicketTypeBill TicketType = "BILL"
)

// PrintJobStatus tracks a job in the print queue
type PrintJobStatus string

const (
	PrintJobQueued PrintJobStatus = "queued"
	PrintJobDone   PrintJobStatus = "done"
	PrintJobFailed PrintJobStatus = "failed"
)

// Ticket is the payload handed to a printer sink
type Ticket struct {
	TicketType     TicketType       `json:"ticketType"`
	Table          string           `json:"table"`
	OrderNumber    int64            `json:"orderNumber"`
	Items          []CartLine       `json:"items"`
	Total          *decimal.Decimal `json:"total,omitempty"`
	Customer       string           `json:"customer,omitempty"`
	Waiter         string           `json:"waiter,omitempty"`
	PaymentMethod  PaymentMethod    `json:"paymentMethod,omitempty"`
	IsRunningOrder bool             `json:"isRunningOrder,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// PrintJob is a queued print of a KOT or a bill
type PrintJob struct {
	ID          string         `gorm:"primaryKey;size:36" json:"id"`
	Type        TicketType     `gorm:"index;not null" json:"type"`
	RefID       string         `gorm:"index" json:"refId"`
	Table       string         `gorm:"column:table_name" json:"table"`
	OrderNumber int64          `json:"orderNumber"`
	Status      PrintJobStatus `gorm:"index;not null;default:queued" json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"lastError,omitempty"`
	Payload     string         `gorm:"type:text" json:"payload,omitempty"`
	PrintedAt   *time.Time     `json:"printedAt,omitempty"`
	CreatedAt   time.Time      `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

package events

import (
	"encoding/json"
	"fmt"
	"time"

	"KotApp/app/models"
)

// EventType identifies a change pushed to every terminal
type EventType string

const (
	OrderCreated EventType = "ORDER_CREATED"
	OrderUpdated EventType = "ORDER_UPDATED"
	OrderDeleted EventType = "ORDER_DELETED"
	TableCleared EventType = "TABLE_CLEARED"

	// a ticket did not reach its printer; data is the print job
	PrintFailed EventType = "PRINT_FAILED"

	// wire-only messages, never stored
	Connected EventType = "CONNECTED"
	Heartbeat EventType = "HEARTBEAT"
)

// Event is a ledger mutation notification carrying the full record
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin,omitempty"`
}

// TableClearedData is the payload of a TABLE_CLEARED event
type TableClearedData struct {
	Table string `json:"table"`
}

// NewOrderEvent builds a CREATED/UPDATED/DELETED event for order
func NewOrderEvent(eventType EventType, order *models.Order) (Event, error) {
	data, err := json.Marshal(order)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal order: %w", err)
	}
	return Event{Type: eventType, Data: data, Timestamp: time.Now()}, nil
}

// NewTableClearedEvent builds a TABLE_CLEARED event
func NewTableClearedEvent(table string) Event {
	data, _ := json.Marshal(TableClearedData{Table: table})
	return Event{Type: TableCleared, Data: data, Timestamp: time.Now()}
}

// NewPrintFailedEvent announces a failed print job to the terminals
func NewPrintFailedEvent(job *models.PrintJob) (Event, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal print job: %w", err)
	}
	return Event{Type: PrintFailed, Data: data, Timestamp: time.Now()}, nil
}

// NewConnectedEvent is the first message a push client receives
func NewConnectedEvent(clientID string) Event {
	data, _ := json.Marshal(map[string]string{"clientId": clientID})
	return Event{Type: Connected, Data: data, Timestamp: time.Now()}
}

// IsOrderEvent reports whether the payload is an order record
func (e Event) IsOrderEvent() bool {
	return e.Type == OrderCreated || e.Type == OrderUpdated || e.Type == OrderDeleted
}

// Order decodes the order carried by an order event
func (e Event) Order() (*models.Order, error) {
	if !e.IsOrderEvent() {
		return nil, fmt.Errorf("event %s does not carry an order", e.Type)
	}
	var order models.Order
	if err := json.Unmarshal(e.Data, &order); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return &order, nil
}

// PrintJob decodes the job carried by a PRINT_FAILED event
func (e Event) PrintJob() (*models.PrintJob, error) {
	if e.Type != PrintFailed {
		return nil, fmt.Errorf("event %s is not %s", e.Type, PrintFailed)
	}
	var job models.PrintJob
	if err := json.Unmarshal(e.Data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode print job: %w", err)
	}
	return &job, nil
}

// ClearedTable decodes the table of a TABLE_CLEARED event
func (e Event) ClearedTable() (string, error) {
	if e.Type != TableCleared {
		return "", fmt.Errorf("event %s is not %s", e.Type, TableCleared)
	}
	var data TableClearedData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return "", fmt.Errorf("failed to decode table: %w", err)
	}
	return data.Table, nil
}

// Table returns the table an event affects, or "" when it has none
func (e Event) Table() string {
	switch e.Type {
	case TableCleared:
		table, _ := e.ClearedTable()
		return table
	case PrintFailed:
		if job, err := e.PrintJob(); err == nil {
			return job.Table
		}
		return ""
	}
	if e.IsOrderEvent() {
		if order, err := e.Order(); err == nil {
			return order.Table
		}
	}
	return ""
}

package services

import (
	"context"
	"log"
	"sort"

	"KotApp/app/config"
	"KotApp/app/models"

	"github.com/shopspring/decimal"
)

// TableState is derived from a table's orders on every read, never stored
type TableState string

const (
	TableFree                    TableState = "FREE"
	TableOccupied                TableState = "OCCUPIED"
	TableAwaitingPayment         TableState = "AWAITING_PAYMENT"
	TableOccupiedAwaitingPayment TableState = "OCCUPIED_AWAITING_PAYMENT"
)

// Occupied reports whether the table has an open kitchen round
func (s TableState) Occupied() bool {
	return s == TableOccupied || s == TableOccupiedAwaitingPayment
}

// AwaitingPayment reports whether the table has a printed, unpaid bill
func (s TableState) AwaitingPayment() bool {
	return s == TableAwaitingPayment || s == TableOccupiedAwaitingPayment
}

// TableStatus is one entry of the floor board
type TableStatus struct {
	Table        string          `json:"table"`
	State        TableState      `json:"state"`
	NewOrders    int             `json:"newOrders"`
	BilledOrders int             `json:"billedOrders"`
	OpenTotal    decimal.Decimal `json:"openTotal"`
	IsParcel     bool            `json:"isParcel"`
}

// DeriveState computes a table state from its orders. A table with both a
// new and a billed order is occupied and awaiting payment at the same time:
// a second round was opened before the first bill was settled.
func DeriveState(orders []models.Order) TableState {
	hasNew, hasBilled := false, false
	for _, order := range orders {
		switch order.Status {
		case models.OrderStatusNew:
			hasNew = true
		case models.OrderStatusBilled:
			hasBilled = true
		}
	}
	switch {
	case hasNew && hasBilled:
		return TableOccupiedAwaitingPayment
	case hasNew:
		return TableOccupied
	case hasBilled:
		return TableAwaitingPayment
	default:
		return TableFree
	}
}

func summarizeTable(table string, orders []models.Order) TableStatus {
	status := TableStatus{Table: table, State: DeriveState(orders), OpenTotal: decimal.Zero}
	for _, order := range orders {
		switch order.Status {
		case models.OrderStatusNew:
			status.NewOrders++
		case models.OrderStatusBilled:
			status.BilledOrders++
		default:
			continue
		}
		status.OpenTotal = status.OpenTotal.Add(order.Total)
	}
	return status
}

// TableStateMachine derives table states and settles tables
type TableStateMachine struct {
	ledger *OrderLedger
	tables config.TablesConfig
}

// NewTableStateMachine creates a state machine over ledger for the configured floor
func NewTableStateMachine(ledger *OrderLedger, tables config.TablesConfig) *TableStateMachine {
	return &TableStateMachine{ledger: ledger, tables: tables}
}

// State returns the current state of one table
func (m *TableStateMachine) State(ctx context.Context, table string) (*TableStatus, error) {
	orders, err := m.ledger.OrdersForTable(ctx, table)
	if err != nil {
		return nil, err
	}
	status := summarizeTable(table, orders)
	status.IsParcel = m.tables.IsParcel(table)
	return &status, nil
}

// Board returns every configured table, the parcel slot, and any other table
// that has orders in the ledger
func (m *TableStateMachine) Board(ctx context.Context) ([]TableStatus, error) {
	orders, err := m.ledger.List(ctx)
	if err != nil {
		return nil, err
	}

	byTable := make(map[string][]models.Order)
	for _, order := range orders {
		if order.Status == models.OrderStatusPaid {
			continue
		}
		byTable[order.Table] = append(byTable[order.Table], order)
	}

	board := make([]TableStatus, 0, len(m.tables.Names)+len(byTable))
	seen := make(map[string]bool)
	add := func(table string) {
		if seen[table] {
			return
		}
		seen[table] = true
		status := summarizeTable(table, byTable[table])
		status.IsParcel = m.tables.IsParcel(table)
		board = append(board, status)
	}

	for _, table := range m.tables.Names {
		add(table)
	}
	if m.tables.Parcel != "" {
		add(m.tables.Parcel)
	}

	extra := make([]string, 0)
	for table := range byTable {
		if !seen[table] {
			extra = append(extra, table)
		}
	}
	sort.Strings(extra)
	for _, table := range extra {
		add(table)
	}
	return board, nil
}

// MarkTableAsPaid moves every billed order of table to paid. Orders of a
// round opened after billing stay new. A table with nothing billed is left
// untouched and reports 0.
func (m *TableStateMachine) MarkTableAsPaid(ctx context.Context, table string) (int, error) {
	orders, err := m.ledger.OrdersForTable(ctx, table)
	if err != nil {
		return 0, err
	}

	paid := 0
	for i := range orders {
		order := &orders[i]
		if order.Status != models.OrderStatusBilled {
			continue
		}
		_, err := m.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusPaid, 0)
		if err != nil && IsTransient(err) && m.ledger.CanDefer() {
			deferredWrites.WithLabelValues("mark_paid").Inc()
			_, err = m.ledger.DeferStatus(ctx, order, models.OrderStatusPaid)
		}
		if err != nil {
			return paid, err
		}
		paid++
	}

	if paid > 0 {
		log.Printf("TableStateMachine: table %s settled (%d orders paid)", table, paid)
	}
	return paid, nil
}

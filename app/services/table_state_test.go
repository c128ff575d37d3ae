package services

import (
	"context"
	"testing"

	"KotApp/app/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveState(t *testing.T) {
	order := func(status models.OrderStatus) models.Order { return models.Order{Status: status} }

	tests := []struct {
		name   string
		orders []models.Order
		want   TableState
	}{
		{"no orders", nil, TableFree},
		{"only paid", []models.Order{order(models.OrderStatusPaid)}, TableFree},
		{"new round", []models.Order{order(models.OrderStatusNew)}, TableOccupied},
		{"billed", []models.Order{order(models.OrderStatusBilled), order(models.OrderStatusPaid)}, TableAwaitingPayment},
		{"both", []models.Order{order(models.OrderStatusBilled), order(models.OrderStatusNew)}, TableOccupiedAwaitingPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := DeriveState(tt.orders)
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.want == TableOccupied || tt.want == TableOccupiedAwaitingPayment, state.Occupied())
			assert.Equal(t, tt.want == TableAwaitingPayment || tt.want == TableOccupiedAwaitingPayment, state.AwaitingPayment())
		})
	}
}

func TestTableStateMachine_Board(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	appendOrder(t, e, "T2", models.OrderStatusNew, line("naan", "40", 2))
	appendOrder(t, e, "Z9", models.OrderStatusBilled, line("dal", "180", 1))
	appendOrder(t, e, "B4", models.OrderStatusNew, line("dal", "180", 1))

	board, err := e.tables.Board(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(board))
	for _, status := range board {
		names = append(names, status.Table)
	}
	assert.Equal(t, []string{"T1", "T2", "T3", "Parcel", "B4", "Z9"}, names)

	assert.Equal(t, TableFree, board[0].State)
	assert.Equal(t, TableOccupied, board[1].State)
	assert.Equal(t, 1, board[1].NewOrders)
	assert.Equal(t, "80.00", board[1].OpenTotal.StringFixed(2))
	assert.True(t, board[3].IsParcel)
	assert.Equal(t, TableAwaitingPayment, board[5].State)
}

func TestTableStateMachine_MarkTableAsPaid(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	// nothing billed yet
	appendOrder(t, e, "T3", models.OrderStatusNew, line("naan", "40", 1))
	paid, err := e.tables.MarkTableAsPaid(ctx, "T3")
	require.NoError(t, err)
	assert.Equal(t, 0, paid)

	paid, err = e.tables.MarkTableAsPaid(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 0, paid, "a free table reports 0")

	state, err := e.tables.State(ctx, "T3")
	require.NoError(t, err)
	assert.Equal(t, TableOccupied, state.State)
}

func TestTableStateMachine_MarkTableAsPaidWhileOffline(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	appendOrder(t, e, "T1", models.OrderStatusBilled, line("naan", "40", 1))

	e.store.setDown(true)
	paid, err := e.tables.MarkTableAsPaid(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 1, paid)

	state, err := e.tables.State(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, TableFree, state.State)
}

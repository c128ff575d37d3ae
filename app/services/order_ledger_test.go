package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"KotApp/app/database"
	"KotApp/app/events"
	"KotApp/app/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func appendOrder(t *testing.T, e *testEnv, table string, status models.OrderStatus, lines ...models.CartLine) *models.Order {
	t.Helper()
	order := &models.Order{Table: table, Status: status}
	order.SetLines(lines)
	stored, err := e.ledger.Append(context.Background(), order)
	require.NoError(t, err)
	return stored
}

func TestOrderLedger_AppendPublishesAndMirrors(t *testing.T) {
	e := newTestEnv(t)
	feed, unsubscribe := e.bus.Subscribe()
	defer unsubscribe()

	order := appendOrder(t, e, "T1", "", line("naan", "40", 2))
	assert.NotEmpty(t, order.ID)
	assert.Equal(t, models.OrderStatusNew, order.Status)
	assert.Equal(t, 1, order.Version)

	select {
	case ev := <-feed:
		assert.Equal(t, events.OrderCreated, ev.Type)
		got, err := ev.Order()
		require.NoError(t, err)
		assert.Equal(t, order.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	var cached models.Order
	found, err := e.cache.Get(database.KindOrder, order.ID, &cached)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestOrderLedger_AppendRejectsEmptyOrder(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.ledger.Append(context.Background(), &models.Order{Table: "T1"})
	assert.ErrorIs(t, err, ErrEmptyCart)
}

func TestOrderLedger_AppendRejectsInvalidLines(t *testing.T) {
	tests := []struct {
		name  string
		lines []models.CartLine
		field string
	}{
		{"negative quantity", []models.CartLine{line("dal", "180", 2), line("dal", "180", -2)}, "items[1].qty"},
		{"zero quantity", []models.CartLine{line("naan", "40", 0)}, "items[0].qty"},
		{"missing item id", []models.CartLine{line("", "40", 1)}, "items[0].itemId"},
		{"negative price", []models.CartLine{line("naan", "-40", 1)}, "items[0].price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			order := &models.Order{Table: "T1"}
			order.SetLines(tt.lines)

			_, err := e.ledger.Append(context.Background(), order)
			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.field, validation.Field)

			orders, err := e.ledger.List(context.Background())
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestOrderLedger_StatusTransitions(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := appendOrder(t, e, "T1", models.OrderStatusNew, line("naan", "40", 1))

	_, err := e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusPaid, 0)
	var transition *InvalidTransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, models.OrderStatusNew, transition.From)

	billed, err := e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusBilled, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, billed.Version)

	paid, err := e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusPaid, billed.Version)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, paid.Status)

	_, err = e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusNew, 0)
	require.ErrorAs(t, err, &transition)

	stored, err := e.ledger.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, stored.Status, "rejected transition leaves the ledger unchanged")
}

func TestOrderLedger_StaleVersionIsRejected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := appendOrder(t, e, "T1", models.OrderStatusNew, line("naan", "40", 1))

	_, err := e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusBilled, 1)
	require.NoError(t, err)

	// a second terminal still holding version 1
	_, err = e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusPaid, 1)
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestOrderLedger_MergeItemsForBilling(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	appendOrder(t, e, "A1", models.OrderStatusNew, line("paneer", "150", 2))
	appendOrder(t, e, "A1", models.OrderStatusBilled, line("paneer", "150", 1), line("lassi", "50", 1))
	paid := appendOrder(t, e, "A1", models.OrderStatusBilled, line("kulfi", "80", 1))
	_, err := e.ledger.UpdateStatus(ctx, paid.ID, models.OrderStatusPaid, 0)
	require.NoError(t, err)

	merge, err := e.ledger.MergeItemsForBilling(ctx, "A1", nil)
	require.NoError(t, err)
	assert.Len(t, merge.Orders, 2)
	assert.Equal(t, map[string]int{"paneer": 3, "lassi": 1}, qtyByItem(merge.Items))
	assert.Equal(t, "500.00", merge.Total.StringFixed(2))

	state, err := e.tables.State(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, TableOccupiedAwaitingPayment, state.State)
}

func TestMergeLines_TotalIndependentOfOrder(t *testing.T) {
	a := models.Order{}
	a.SetLines([]models.CartLine{line("x", "12.50", 2), line("y", "3", 1)})
	b := models.Order{}
	b.SetLines([]models.CartLine{line("y", "3", 4)})
	c := models.Order{}
	c.SetLines([]models.CartLine{line("z", "99.99", 1), line("x", "12.50", 1)})

	_, forward := MergeLines([]models.Order{a, b, c}, nil)
	_, backward := MergeLines([]models.Order{c, b, a}, nil)
	assert.True(t, forward.Equal(backward))
	assert.Equal(t, "152.49", forward.StringFixed(2))
}

func TestOrderLedger_DeleteAndClear(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	feed, unsubscribe := e.bus.Subscribe()
	defer unsubscribe()

	first := appendOrder(t, e, "T2", models.OrderStatusNew, line("naan", "40", 1))
	appendOrder(t, e, "T2", models.OrderStatusNew, line("dal", "180", 1))

	_, err := e.ledger.Delete(ctx, first.ID)
	require.NoError(t, err)
	_, err = e.ledger.Get(ctx, first.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	removed, err := e.ledger.ClearTable(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	var types []events.EventType
	for len(types) < 4 {
		select {
		case ev := <-feed:
			types = append(types, ev.Type)
		case <-time.After(time.Second):
			t.Fatalf("got only %v", types)
		}
	}
	assert.Equal(t, []events.EventType{events.OrderCreated, events.OrderCreated, events.OrderDeleted, events.TableCleared}, types)
}

func TestOrderLedger_PaidOrderCannotBeDeleted(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := appendOrder(t, e, "T1", models.OrderStatusBilled, line("naan", "40", 1))
	_, err := e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusPaid, 0)
	require.NoError(t, err)

	_, err = e.ledger.Delete(ctx, order.ID)
	assert.ErrorIs(t, err, ErrOrderPaid)
}

func TestOrderLedger_ReadsFallBackToCache(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := appendOrder(t, e, "T3", models.OrderStatusNew, line("naan", "40", 1))

	e.store.setDown(true)
	got, err := e.ledger.Get(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)

	all, err := e.ledger.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// status changes cannot reach the store and surface as transient
	_, err = e.ledger.UpdateStatus(ctx, order.ID, models.OrderStatusBilled, 0)
	assert.True(t, IsTransient(err))

	deferred, err := e.ledger.DeferStatus(ctx, got, models.OrderStatusBilled)
	require.NoError(t, err)
	assert.Equal(t, 2, deferred.Version)

	orders, err := e.ledger.OrdersForTable(ctx, "T3")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, models.OrderStatusBilled, orders[0].Status)
}

func TestOrderLedger_UpdateStatusOfDeferredOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	order := &models.Order{Table: "T3", OrderNumber: 12}
	order.SetLines([]models.CartLine{line("naan", "40", 2)})
	deferred, err := e.ledger.Defer(ctx, order)
	require.NoError(t, err)

	// the ledger is reachable but has never seen the order
	billed, err := e.ledger.UpdateStatus(ctx, deferred.ID, models.OrderStatusBilled, 1)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusBilled, billed.Status)
	assert.Equal(t, 2, billed.Version)

	pending, err := e.cache.IsPending(database.KindOrder, deferred.ID)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestOrderLedger_CommitBillingWritesNothingOnFailure(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	appendOrder(t, e, "T1", models.OrderStatusNew, line("naan", "40", 2))
	appendOrder(t, e, "T1", models.OrderStatusNew, line("dal", "180", 1))
	orders, err := e.ledger.OrdersForTable(ctx, "T1")
	require.NoError(t, err)

	errBillRejected := errors.New("bill rejected by database constraint")
	_, err = e.ledger.CommitBilling(ctx, nil, orders, func(tx *gorm.DB) error {
		return errBillRejected
	})
	require.ErrorIs(t, err, errBillRejected)
	assert.False(t, IsTransient(err))

	after, err := e.ledger.OrdersForTable(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, after, 2)
	for _, order := range after {
		assert.Equal(t, models.OrderStatusNew, order.Status)
		assert.Equal(t, 1, order.Version)
	}
}

func TestOrderLedger_CommitBillingRejectsStaleOrders(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	first := appendOrder(t, e, "T2", models.OrderStatusNew, line("naan", "40", 2))
	second := appendOrder(t, e, "T2", models.OrderStatusNew, line("dal", "180", 1))
	orders, err := e.ledger.OrdersForTable(ctx, "T2")
	require.NoError(t, err)

	// another terminal bills the second round in between
	_, err = e.ledger.UpdateStatus(ctx, second.ID, models.OrderStatusBilled, 1)
	require.NoError(t, err)

	ran := false
	_, err = e.ledger.CommitBilling(ctx, nil, orders, func(tx *gorm.DB) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.False(t, ran)

	stored, err := e.ledger.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusNew, stored.Status)
}

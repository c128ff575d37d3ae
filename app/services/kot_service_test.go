package services

import (
	"context"
	"errors"
	"testing"

	"KotApp/app/events"
	"KotApp/app/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKOTService_FirstAndRunningRounds(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	first, err := e.kot.Confirm(ctx, "A1", KOTRequest{Items: []models.CartLine{line("paneer", "180", 2)}, Waiter: "Ravi"})
	require.NoError(t, err)
	assert.False(t, first.NothingToSend)
	assert.False(t, first.IsRunningOrder)
	assert.Equal(t, map[string]int{"paneer": 2}, qtyByItem(first.Delta))
	require.NotNil(t, first.Order)
	assert.Equal(t, int64(36650), first.Order.OrderNumber)
	assert.Equal(t, "360.00", first.Order.Total.StringFixed(2))

	second, err := e.kot.Confirm(ctx, "A1", KOTRequest{Items: []models.CartLine{line("paneer", "180", 3)}})
	require.NoError(t, err)
	assert.True(t, second.IsRunningOrder)
	assert.Equal(t, map[string]int{"paneer": 1}, qtyByItem(second.Delta))
	assert.True(t, second.Order.IsRunningOrder)
	assert.Equal(t, int64(36651), second.Order.OrderNumber)

	// confirming the same cart again sends nothing
	again, err := e.kot.Confirm(ctx, "A1", KOTRequest{Items: []models.CartLine{line("paneer", "180", 3)}})
	require.NoError(t, err)
	assert.True(t, again.NothingToSend)
	assert.Nil(t, again.Order)

	e.prints.Wait()
	tickets := e.sink.Tickets()
	require.Len(t, tickets, 2)
	assert.Equal(t, "Ravi", findTicket(t, tickets, models.TicketTypeKOT, 36650).Waiter)
	assert.True(t, findTicket(t, tickets, models.TicketTypeKOT, 36651).IsRunningOrder)

	orders, err := e.ledger.OrdersForTable(ctx, "A1")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestKOTService_ReducedCartSendsNothing(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.kot.Confirm(ctx, "A1", KOTRequest{Items: []models.CartLine{line("paneer", "180", 3)}})
	require.NoError(t, err)

	result, err := e.kot.Confirm(ctx, "A1", KOTRequest{Items: []models.CartLine{line("paneer", "180", 1)}})
	require.NoError(t, err)
	assert.True(t, result.NothingToSend)
	assert.Empty(t, result.Delta)

	// billing still charges what the kitchen received
	bill, err := e.billing.PrintBill(ctx, "A1", BillRequest{Items: []models.CartLine{line("paneer", "180", 1)}})
	require.NoError(t, err)
	assert.Nil(t, bill.KOT)
	assert.Equal(t, map[string]int{"paneer": 3}, qtyByItem(bill.Bill.Items))
	assert.Equal(t, "540.00", bill.Bill.Total.StringFixed(2))
}

func TestKOTService_PreviewHasNoSideEffects(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	preview, err := e.kot.Preview(ctx, "T2", []models.CartLine{line("dal", "180", 2)})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"dal": 2}, qtyByItem(preview.Delta))
	assert.Equal(t, "360", preview.Total.String())

	snapshot, err := e.kot.Snapshot(ctx, "T2")
	require.NoError(t, err)
	assert.Empty(t, snapshot)

	orders, err := e.ledger.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestKOTService_RejectsConcurrentConfirmation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	release, ok, err := e.kot.lock.TryLock(ctx, "T1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.kot.Confirm(ctx, "T1", KOTRequest{Items: []models.CartLine{line("naan", "40", 1)}})
	assert.ErrorIs(t, err, ErrKOTInFlight)

	_, err = e.billing.PrintBill(ctx, "T1", BillRequest{})
	assert.ErrorIs(t, err, ErrKOTInFlight)

	release()
	_, err = e.kot.Confirm(ctx, "T1", KOTRequest{Items: []models.CartLine{line("naan", "40", 1)}})
	assert.NoError(t, err)
}

func TestKOTService_FailedAppendKeepsSnapshot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	// no local cache, so an unreachable ledger is a hard failure
	ledger := NewOrderLedger(e.store, nil, e.bus)
	kot := NewKOTService(ledger, e.sequence, e.prints, nil, e.bus)

	_, err := kot.Confirm(ctx, "T3", KOTRequest{Items: []models.CartLine{line("naan", "40", 2)}})
	require.NoError(t, err)

	e.store.setDown(true)
	_, err = kot.Confirm(ctx, "T3", KOTRequest{Items: []models.CartLine{line("naan", "40", 5)}})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	e.store.setDown(false)
	snapshot, err := kot.Snapshot(ctx, "T3")
	require.NoError(t, err)
	assert.Equal(t, PrintedSnapshot{"naan": 2}, snapshot)

	preview, err := kot.Preview(ctx, "T3", []models.CartLine{line("naan", "40", 5)})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"naan": 3}, qtyByItem(preview.Delta))
}

func TestKOTService_DefersWhenLedgerIsDown(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.kot.Confirm(ctx, "T1", KOTRequest{Items: []models.CartLine{line("naan", "40", 1)}})
	require.NoError(t, err)

	e.store.setDown(true)
	result, err := e.kot.Confirm(ctx, "T1", KOTRequest{Items: []models.CartLine{line("naan", "40", 3)}})
	require.NoError(t, err)
	assert.True(t, result.Deferred)
	assert.Equal(t, map[string]int{"naan": 2}, qtyByItem(result.Delta))

	// reads fall back to the cache, which holds both rounds
	orders, err := e.ledger.OrdersForTable(ctx, "T1")
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	pending, err := e.cache.PendingCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestKOTService_RemoteRoundInvalidatesSnapshot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.kot.Confirm(ctx, "T2", KOTRequest{Items: []models.CartLine{line("naan", "40", 1)}})
	require.NoError(t, err)

	// another server instance appended a round for the same table
	remote := &models.Order{ID: "remote-1", OrderNumber: 99, Table: "T2", Status: models.OrderStatusNew, Version: 1}
	remote.SetLines([]models.CartLine{line("dal", "180", 2)})
	require.NoError(t, NewGormLedgerStore(e.db).Append(ctx, remote))

	ev, err := events.NewOrderEvent(events.OrderCreated, remote)
	require.NoError(t, err)
	ev.Origin = "other-instance"
	e.bus.Publish(ev)

	snapshot, err := e.kot.Snapshot(ctx, "T2")
	require.NoError(t, err)
	assert.Equal(t, PrintedSnapshot{"naan": 1, "dal": 2}, snapshot)
}

func TestKOTService_RoundAfterBillingStartsFresh(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.kot.Confirm(ctx, "T1", KOTRequest{Items: []models.CartLine{line("naan", "40", 2)}})
	require.NoError(t, err)
	_, err = e.billing.PrintBill(ctx, "T1", BillRequest{})
	require.NoError(t, err)

	result, err := e.kot.Confirm(ctx, "T1", KOTRequest{Items: []models.CartLine{line("naan", "40", 1)}})
	require.NoError(t, err)
	assert.False(t, result.IsRunningOrder)
	assert.Equal(t, map[string]int{"naan": 1}, qtyByItem(result.Delta))

	state, err := e.tables.State(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, TableOccupiedAwaitingPayment, state.State)
}

func TestKOTService_PrintFailureKeepsOrder(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.sink.setErr(errors.New("printer offline"))

	result, err := e.kot.Confirm(ctx, "T1", KOTRequest{Items: []models.CartLine{line("naan", "40", 2)}})
	require.NoError(t, err)
	require.NotNil(t, result.PrintJob)
	e.prints.Wait()

	job, err := e.prints.Get(ctx, result.PrintJob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PrintJobFailed, job.Status)
	assert.Contains(t, job.LastError, "printer offline")
	assert.Equal(t, 1, job.Attempts)

	order, err := e.ledger.Get(ctx, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusNew, order.Status)
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"KotApp/app/config"
	"KotApp/app/database"
	"KotApp/app/events"
	"KotApp/app/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeSink records tickets instead of printing them
type fakeSink struct {
	mu      sync.Mutex
	tickets []models.Ticket
	err     error
}

func (f *fakeSink) Print(_ context.Context, ticket models.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickets = append(f.tickets, ticket)
	return f.err
}

func (f *fakeSink) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSink) Tickets() []models.Ticket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Ticket(nil), f.tickets...)
}

var errConnRefused = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

// flakyStore is a LedgerStore that can be switched offline
type flakyStore struct {
	LedgerStore
	mu   sync.Mutex
	down bool
}

func (f *flakyStore) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyStore) offline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *flakyStore) Append(ctx context.Context, order *models.Order) error {
	if f.offline() {
		return errConnRefused
	}
	return f.LedgerStore.Append(ctx, order)
}

func (f *flakyStore) Get(ctx context.Context, id string) (*models.Order, error) {
	if f.offline() {
		return nil, errConnRefused
	}
	return f.LedgerStore.Get(ctx, id)
}

func (f *flakyStore) List(ctx context.Context) ([]models.Order, error) {
	if f.offline() {
		return nil, errConnRefused
	}
	return f.LedgerStore.List(ctx)
}

func (f *flakyStore) ListByTable(ctx context.Context, table string) ([]models.Order, error) {
	if f.offline() {
		return nil, errConnRefused
	}
	return f.LedgerStore.ListByTable(ctx, table)
}

func (f *flakyStore) SetStatus(ctx context.Context, id string, version int, status models.OrderStatus) (*models.Order, error) {
	if f.offline() {
		return nil, errConnRefused
	}
	return f.LedgerStore.SetStatus(ctx, id, version, status)
}

func (f *flakyStore) CommitBilling(ctx context.Context, created *models.Order, changes []StatusChange, within func(tx *gorm.DB) error) error {
	if f.offline() {
		return errConnRefused
	}
	return f.LedgerStore.CommitBilling(ctx, created, changes, within)
}

// testEnv wires the services over an in-memory ledger
type testEnv struct {
	db       *gorm.DB
	cache    *database.LocalCache
	bus      *events.Bus
	store    *flakyStore
	sink     *fakeSink
	ledger   *OrderLedger
	sequence *SequenceService
	prints   *PrintQueueService
	kot      *KOTService
	billing  *BillingService
	tables   *TableStateMachine
}

var testTables = config.TablesConfig{Names: []string{"T1", "T2", "T3"}, Parcel: "Parcel"}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.OpenMemory(uuid.NewString())
	require.NoError(t, err)
	cache, err := database.OpenMemoryLocalCache(uuid.NewString())
	require.NoError(t, err)
	t.Cleanup(func() {
		cache.Close()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	e := &testEnv{
		db:    db,
		cache: cache,
		bus:   events.NewBus(64),
		store: &flakyStore{LedgerStore: NewGormLedgerStore(db)},
		sink:  &fakeSink{},
	}
	e.ledger = NewOrderLedger(e.store, cache, e.bus)
	e.sequence = NewSequenceService(db, 36650, 0)
	e.prints = NewPrintQueueService(db, cache, e.sink, e.bus, nil)
	e.kot = NewKOTService(e.ledger, e.sequence, e.prints, NewMemoryTableLock(), e.bus)
	e.billing = NewBillingService(db, cache, e.ledger, e.kot, e.sequence, e.prints, testTables, time.UTC)
	e.tables = NewTableStateMachine(e.ledger, testTables)
	t.Cleanup(e.prints.Wait)
	return e
}

func line(id string, price string, qty int) models.CartLine {
	return models.CartLine{ItemID: id, Name: id, Price: decimal.RequireFromString(price), Qty: qty}
}

func qtyByItem(lines []models.CartLine) map[string]int {
	out := make(map[string]int, len(lines))
	for _, l := range lines {
		out[l.ItemID] += l.Qty
	}
	return out
}

// findTicket picks a printed ticket; prints run concurrently so arrival order is not fixed
func findTicket(t *testing.T, tickets []models.Ticket, ticketType models.TicketType, number int64) models.Ticket {
	t.Helper()
	for _, ticket := range tickets {
		if ticket.TicketType == ticketType && ticket.OrderNumber == number {
			return ticket
		}
	}
	t.Fatalf("no %s ticket for order #%d in %d tickets", ticketType, number, len(tickets))
	return models.Ticket{}
}

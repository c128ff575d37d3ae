package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"KotApp/app/database"
	"KotApp/app/events"
	"KotApp/app/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// allowedTransitions is the whole order lifecycle: new -> billed -> paid
var allowedTransitions = map[models.OrderStatus]models.OrderStatus{
	models.OrderStatusNew:    models.OrderStatusBilled,
	models.OrderStatusBilled: models.OrderStatusPaid,
}

// CanTransition reports whether an order may move from -> to
func CanTransition(from, to models.OrderStatus) bool {
	next, ok := allowedTransitions[from]
	return ok && next == to
}

// BillingMerge is the quantity-summed union of a table's open orders
type BillingMerge struct {
	Items  []models.CartLine `json:"items"`
	Total  decimal.Decimal   `json:"total"`
	Orders []models.Order    `json:"orders"`
}

// OrderLedger is the source of truth for orders. Every mutation is mirrored
// into the local cache and published on the sync channel.
type OrderLedger struct {
	store     LedgerStore
	cache     *database.LocalCache
	publisher events.Publisher
}

// NewOrderLedger creates a ledger. cache may be nil to disable offline mode.
func NewOrderLedger(store LedgerStore, cache *database.LocalCache, publisher events.Publisher) *OrderLedger {
	return &OrderLedger{store: store, cache: cache, publisher: publisher}
}

// CanDefer reports whether writes can be parked in the local cache
func (l *OrderLedger) CanDefer() bool {
	return l.cache != nil
}

// ValidateLines rejects an empty order and lines without an item id, with a
// non-positive quantity or a negative price
func ValidateLines(lines []models.CartLine) error {
	if len(lines) == 0 {
		return ErrEmptyCart
	}
	for i, line := range lines {
		switch {
		case strings.TrimSpace(line.ItemID) == "":
			return &ValidationError{Field: fmt.Sprintf("items[%d].itemId", i), Message: "is required"}
		case line.Qty <= 0:
			return &ValidationError{Field: fmt.Sprintf("items[%d].qty", i), Message: "must be positive"}
		case line.Price.IsNegative():
			return &ValidationError{Field: fmt.Sprintf("items[%d].price", i), Message: "must not be negative"}
		}
	}
	return nil
}

func (l *OrderLedger) prepare(order *models.Order) error {
	if err := ValidateLines(order.Lines()); err != nil {
		return err
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Status == "" {
		order.Status = models.OrderStatusNew
	}
	if !order.Status.Valid() {
		return fmt.Errorf("unknown order status %q", order.Status)
	}
	order.Version = 1
	order.UpdatedAt = order.CreatedAt
	order.SetLines(order.Lines())
	return nil
}

// Append stores a new order and announces it
func (l *OrderLedger) Append(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := l.prepare(order); err != nil {
		return nil, err
	}

	if err := l.store.Append(ctx, order); err != nil {
		return nil, classify("append order", err)
	}

	l.mirror(order, false)
	l.publish(events.OrderCreated, order)
	log.Printf("OrderLedger: appended order #%d for table %s (%d items, total %s)",
		order.OrderNumber, order.Table, len(order.Items), order.Total.StringFixed(2))
	return order, nil
}

// Defer parks a new order in the local cache while the ledger is unreachable
// and announces it. The sync worker replays it later.
func (l *OrderLedger) Defer(ctx context.Context, order *models.Order) (*models.Order, error) {
	if !l.CanDefer() {
		return nil, fmt.Errorf("offline mode disabled: no local cache")
	}
	if err := l.prepare(order); err != nil {
		return nil, err
	}
	if err := l.cache.Put(database.KindOrder, order.ID, order.Table, order, true); err != nil {
		return nil, fmt.Errorf("failed to defer order: %w", err)
	}

	l.publish(events.OrderCreated, order)
	log.Printf("OrderLedger: ledger offline, deferred order #%d for table %s", order.OrderNumber, order.Table)
	return order, nil
}

// Get returns one order
func (l *OrderLedger) Get(ctx context.Context, id string) (*models.Order, error) {
	order, err := l.store.Get(ctx, id)
	if err == nil {
		return order, nil
	}
	if errors.Is(err, ErrOrderNotFound) {
		if cached, ok := l.cachedOrder(id); ok {
			return cached, nil
		}
		return nil, err
	}
	err = classify("get order", err)
	if IsTransient(err) {
		if cached, ok := l.cachedOrder(id); ok {
			return cached, nil
		}
	}
	return nil, err
}

// List returns every order in creation order
func (l *OrderLedger) List(ctx context.Context) ([]models.Order, error) {
	orders, err := l.store.List(ctx)
	if err != nil {
		err = classify("list orders", err)
		if !IsTransient(err) || l.cache == nil {
			return nil, err
		}
		log.Printf("OrderLedger: %v, serving orders from local cache", err)
		return l.cachedOrders("")
	}
	return l.withPending(orders, "")
}

// OrdersForTable returns the table's orders in creation order, skipping the
// excluded statuses (paid when none are given)
func (l *OrderLedger) OrdersForTable(ctx context.Context, table string, exclude ...models.OrderStatus) ([]models.Order, error) {
	if len(exclude) == 0 {
		exclude = []models.OrderStatus{models.OrderStatusPaid}
	}

	orders, err := l.store.ListByTable(ctx, table)
	if err != nil {
		err = classify("list table orders", err)
		if !IsTransient(err) || l.cache == nil {
			return nil, err
		}
		log.Printf("OrderLedger: %v, serving table %s from local cache", err, table)
		orders, err = l.cachedOrders(table)
		if err != nil {
			return nil, err
		}
	} else if orders, err = l.withPending(orders, table); err != nil {
		return nil, err
	}

	filtered := make([]models.Order, 0, len(orders))
	for _, order := range orders {
		if !containsStatus(exclude, order.Status) {
			filtered = append(filtered, order)
		}
	}
	return filtered, nil
}

// UpdateStatus moves an order along its lifecycle. A non-zero expectedVersion
// must match the stored version or ErrStaleVersion is returned.
func (l *OrderLedger) UpdateStatus(ctx context.Context, id string, next models.OrderStatus, expectedVersion int) (*models.Order, error) {
	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(current, next, expectedVersion); err != nil {
		return nil, err
	}

	updated, err := l.store.SetStatus(ctx, id, current.Version, next)
	if errors.Is(err, ErrOrderNotFound) && l.isPending(id) {
		// deferred while offline and not replayed yet
		return l.DeferStatus(ctx, current, next)
	}
	if err != nil {
		if errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		return nil, classify("update order status", err)
	}

	l.mirror(updated, false)
	l.publish(events.OrderUpdated, updated)
	return updated, nil
}

// DeferStatus applies a status change to the cached copy of order while the
// ledger is unreachable
func (l *OrderLedger) DeferStatus(ctx context.Context, order *models.Order, next models.OrderStatus) (*models.Order, error) {
	if !l.CanDefer() {
		return nil, fmt.Errorf("offline mode disabled: no local cache")
	}
	if err := checkTransition(order, next, 0); err != nil {
		return nil, err
	}

	updated := *order
	updated.Status = next
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()
	if err := l.cache.Put(database.KindOrder, updated.ID, updated.Table, &updated, true); err != nil {
		return nil, fmt.Errorf("failed to defer status change: %w", err)
	}

	l.publish(events.OrderUpdated, &updated)
	return &updated, nil
}

func checkTransition(current *models.Order, next models.OrderStatus, expectedVersion int) error {
	if expectedVersion > 0 && expectedVersion != current.Version {
		return ErrStaleVersion
	}
	if !CanTransition(current.Status, next) {
		return &InvalidTransitionError{OrderID: current.ID, From: current.Status, To: next}
	}
	return nil
}

// BillingCommit is what CommitBilling wrote
type BillingCommit struct {
	Created  *models.Order
	Billed   []models.Order
	Deferred bool
}

// CommitBilling moves every new order of orders to billed and appends
// created (an already billed order, may be nil) in one ledger transaction
// that also runs within. Nothing is written when any step fails. Orders that
// only exist as pending local records, or all of them when the ledger is
// unreachable, are billed in the local cache and Deferred is set in the
// latter case; within has not run then.
func (l *OrderLedger) CommitBilling(ctx context.Context, created *models.Order, orders []models.Order,
	within func(tx *gorm.DB) error) (*BillingCommit, error) {
	if created != nil {
		if err := l.prepare(created); err != nil {
			return nil, err
		}
	}

	var stored, local []models.Order
	for i := range orders {
		order := orders[i]
		if order.Status != models.OrderStatusNew {
			continue
		}
		if err := checkTransition(&order, models.OrderStatusBilled, 0); err != nil {
			return nil, err
		}
		if l.isPending(order.ID) {
			local = append(local, order)
		} else {
			stored = append(stored, order)
		}
	}

	now := time.Now().UTC()
	changes := make([]StatusChange, len(stored))
	for i, order := range stored {
		changes[i] = StatusChange{ID: order.ID, Version: order.Version, Status: models.OrderStatusBilled, At: now}
	}

	commit := &BillingCommit{Created: created}
	err := l.store.CommitBilling(ctx, created, changes, within)
	if err != nil {
		if errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		err = classify("commit bill", err)
		if !IsTransient(err) || !l.CanDefer() {
			return nil, err
		}
		log.Printf("OrderLedger: %v, billing in local cache", err)
		if created != nil {
			if _, err := l.Defer(ctx, created); err != nil {
				return nil, err
			}
		}
		local = append(local, stored...)
		commit.Deferred = true
	} else {
		if created != nil {
			l.mirror(created, false)
			l.publish(events.OrderCreated, created)
		}
		for _, order := range stored {
			order.Status = models.OrderStatusBilled
			order.Version++
			order.UpdatedAt = now
			l.mirror(&order, false)
			l.publish(events.OrderUpdated, &order)
			commit.Billed = append(commit.Billed, order)
		}
	}

	for i := range local {
		billed, err := l.DeferStatus(ctx, &local[i], models.OrderStatusBilled)
		if err != nil {
			return nil, err
		}
		commit.Billed = append(commit.Billed, *billed)
	}
	return commit, nil
}

// MergeItemsForBilling merges the table's unpaid orders with extra uncommitted lines
func (l *OrderLedger) MergeItemsForBilling(ctx context.Context, table string, extra []models.CartLine) (*BillingMerge, error) {
	orders, err := l.OrdersForTable(ctx, table)
	if err != nil {
		return nil, err
	}
	items, total := MergeLines(orders, extra)
	return &BillingMerge{Items: items, Total: total, Orders: orders}, nil
}

// MergeLines is the quantity-summed union by item id of every order's lines
// followed by extra. The total does not depend on the order of the inputs.
func MergeLines(orders []models.Order, extra []models.CartLine) ([]models.CartLine, decimal.Decimal) {
	merged := make([]models.CartLine, 0)
	index := make(map[string]int)

	add := func(line models.CartLine) {
		if line.Qty <= 0 {
			return
		}
		if i, ok := index[line.ItemID]; ok {
			merged[i].Qty += line.Qty
			return
		}
		index[line.ItemID] = len(merged)
		merged = append(merged, line)
	}

	for _, order := range orders {
		for _, line := range order.Lines() {
			add(line)
		}
	}
	for _, line := range extra {
		add(line)
	}

	total := decimal.Zero
	for _, line := range merged {
		total = total.Add(line.LineTotal())
	}
	return merged, total
}

// Delete removes a single unpaid order
func (l *OrderLedger) Delete(ctx context.Context, id string) (*models.Order, error) {
	order, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.Status == models.OrderStatusPaid {
		return nil, ErrOrderPaid
	}

	if err := l.store.Delete(ctx, id); err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, classify("delete order", err)
	}
	if l.cache != nil {
		if err := l.cache.Delete(database.KindOrder, id); err != nil {
			log.Printf("OrderLedger: failed to drop cached order %s: %v", id, err)
		}
	}

	l.publish(events.OrderDeleted, order)
	return order, nil
}

// ClearTable removes every order of table, paid ones included
func (l *OrderLedger) ClearTable(ctx context.Context, table string) (int64, error) {
	removed, err := l.store.DeleteTable(ctx, table)
	if err != nil {
		return 0, classify("clear table", err)
	}
	if l.cache != nil {
		if err := l.cache.DeleteTable(database.KindOrder, table); err != nil {
			log.Printf("OrderLedger: failed to drop cached orders of %s: %v", table, err)
		}
	}

	l.publisher.Publish(events.NewTableClearedEvent(table))
	log.Printf("OrderLedger: cleared table %s (%d orders)", table, removed)
	return removed, nil
}

// Reset removes every order and announces each affected table as cleared
func (l *OrderLedger) Reset(ctx context.Context) error {
	orders, err := l.List(ctx)
	if err != nil {
		return err
	}
	if err := l.store.DeleteAll(ctx); err != nil {
		return classify("reset ledger", err)
	}
	if l.cache != nil {
		if err := l.cache.Clear(); err != nil {
			log.Printf("OrderLedger: failed to clear local cache: %v", err)
		}
	}

	seen := make(map[string]bool)
	for _, order := range orders {
		if !seen[order.Table] {
			seen[order.Table] = true
			l.publisher.Publish(events.NewTableClearedEvent(order.Table))
		}
	}
	return nil
}

// Replay writes a deferred order to the ledger store
func (l *OrderLedger) Replay(ctx context.Context, order *models.Order) error {
	if err := l.store.Upsert(ctx, order); err != nil {
		return classify("replay order", err)
	}
	return nil
}

func (l *OrderLedger) mirror(order *models.Order, pending bool) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Put(database.KindOrder, order.ID, order.Table, order, pending); err != nil {
		log.Printf("OrderLedger: failed to mirror order %s: %v", order.ID, err)
	}
}

func (l *OrderLedger) publish(eventType events.EventType, order *models.Order) {
	ev, err := events.NewOrderEvent(eventType, order)
	if err != nil {
		log.Printf("OrderLedger: %v", err)
		return
	}
	l.publisher.Publish(ev)
}

// isPending reports whether id has a local write the ledger has not received
func (l *OrderLedger) isPending(id string) bool {
	if l.cache == nil {
		return false
	}
	pending, err := l.cache.IsPending(database.KindOrder, id)
	if err != nil {
		log.Printf("OrderLedger: failed to check pending order %s: %v", id, err)
		return false
	}
	return pending
}

func (l *OrderLedger) cachedOrder(id string) (*models.Order, bool) {
	if l.cache == nil {
		return nil, false
	}
	var order models.Order
	found, err := l.cache.Get(database.KindOrder, id, &order)
	if err != nil || !found {
		return nil, false
	}
	return &order, true
}

// cachedOrders decodes the cached orders, for one table or all when table is ""
func (l *OrderLedger) cachedOrders(table string) ([]models.Order, error) {
	var (
		records []database.LocalRecord
		err     error
	)
	if table == "" {
		records, err = l.cache.List(database.KindOrder)
	} else {
		records, err = l.cache.ListByTable(database.KindOrder, table)
	}
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	orders, err := decodeOrders(records)
	if err != nil {
		return nil, err
	}
	sortOrders(orders)
	return orders, nil
}

// withPending overlays deferred writes that the ledger has not received yet
func (l *OrderLedger) withPending(orders []models.Order, table string) ([]models.Order, error) {
	if l.cache == nil {
		return orders, nil
	}
	pending, err := l.cache.Pending(math.MaxInt32)
	if err != nil {
		log.Printf("OrderLedger: failed to read pending writes: %v", err)
		return orders, nil
	}

	index := make(map[string]int, len(orders))
	for i, order := range orders {
		index[order.ID] = i
	}
	changed := false
	for _, record := range pending {
		if record.Kind != database.KindOrder || (table != "" && record.Table != table) {
			continue
		}
		var order models.Order
		if err := json.Unmarshal([]byte(record.Data), &order); err != nil {
			continue
		}
		if i, ok := index[order.ID]; ok {
			if order.Version > orders[i].Version {
				orders[i] = order
			}
			continue
		}
		index[order.ID] = len(orders)
		orders = append(orders, order)
		changed = true
	}
	if changed {
		sortOrders(orders)
	}
	return orders, nil
}

func decodeOrders(records []database.LocalRecord) ([]models.Order, error) {
	orders := make([]models.Order, 0, len(records))
	for _, record := range records {
		var order models.Order
		if err := json.Unmarshal([]byte(record.Data), &order); err != nil {
			return nil, fmt.Errorf("failed to decode cached order %s: %w", record.ID, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func sortOrders(orders []models.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].OrderNumber < orders[j].OrderNumber
	})
}

func containsStatus(list []models.OrderStatus, status models.OrderStatus) bool {
	for _, s := range list {
		if s == status {
			return true
		}
	}
	return false
}

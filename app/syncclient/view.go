package syncclient

import (
	"sync"

	"KotApp/app/events"
	"KotApp/app/models"
)

// OrderView is a terminal's local copy of the ledger, kept current by
// applying pushed events. Orders are held newest first.
type OrderView struct {
	mu     sync.RWMutex
	orders []models.Order
}

// NewOrderView creates an empty view
func NewOrderView() *OrderView {
	return &OrderView{}
}

// Load replaces the view with a full listing from the server, which comes in
// creation order
func (v *OrderView) Load(orders []models.Order) {
	reversed := make([]models.Order, len(orders))
	for i, order := range orders {
		reversed[len(orders)-1-i] = order
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = reversed
}

// Apply merges one event into the view and reports whether it changed.
// Applying the same event twice leaves the view as after the first time.
func (v *OrderView) Apply(ev events.Event) (bool, error) {
	switch ev.Type {
	case events.OrderCreated, events.OrderUpdated, events.OrderDeleted:
		order, err := ev.Order()
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		switch ev.Type {
		case events.OrderCreated:
			return v.create(*order), nil
		case events.OrderUpdated:
			return v.update(*order), nil
		default:
			return v.remove(order.ID), nil
		}

	case events.TableCleared:
		table, err := ev.ClearedTable()
		if err != nil {
			return false, err
		}
		v.mu.Lock()
		defer v.mu.Unlock()
		return v.clearTable(table), nil
	}
	return false, nil
}

func (v *OrderView) indexOf(id string) int {
	for i := range v.orders {
		if v.orders[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *OrderView) create(order models.Order) bool {
	if v.indexOf(order.ID) >= 0 {
		return false
	}
	v.orders = append([]models.Order{order}, v.orders...)
	return true
}

// update replaces by id; an update older than the local copy is ignored
func (v *OrderView) update(order models.Order) bool {
	i := v.indexOf(order.ID)
	if i < 0 {
		return false
	}
	if order.Version < v.orders[i].Version {
		return false
	}
	if order.Version == v.orders[i].Version && order.Status == v.orders[i].Status {
		return false
	}
	v.orders[i] = order
	return true
}

func (v *OrderView) remove(id string) bool {
	i := v.indexOf(id)
	if i < 0 {
		return false
	}
	v.orders = append(v.orders[:i], v.orders[i+1:]...)
	return true
}

func (v *OrderView) clearTable(table string) bool {
	kept := v.orders[:0]
	for _, order := range v.orders {
		if order.Table != table {
			kept = append(kept, order)
		}
	}
	changed := len(kept) != len(v.orders)
	v.orders = kept
	return changed
}

// Orders returns a copy of the view, newest first
func (v *OrderView) Orders() []models.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]models.Order(nil), v.orders...)
}

// ForTable returns the orders of one table, newest first
func (v *OrderView) ForTable(table string) []models.Order {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var orders []models.Order
	for _, order := range v.orders {
		if order.Table == table {
			orders = append(orders, order)
		}
	}
	return orders
}

// Len returns the number of orders held
func (v *OrderView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.orders)
}

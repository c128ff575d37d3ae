package services

import (
	"KotApp/app/models"
)

// PrintedSnapshot maps itemId to the cumulative quantity already sent to the
// kitchen for one table
type PrintedSnapshot map[string]int

// Clone returns an independent copy
func (s PrintedSnapshot) Clone() PrintedSnapshot {
	out := make(PrintedSnapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// normalizeCart drops non-positive lines and folds repeated item ids into the
// first occurrence
func normalizeCart(cart []models.CartLine) []models.CartLine {
	out := make([]models.CartLine, 0, len(cart))
	index := make(map[string]int, len(cart))
	for _, line := range cart {
		if line.Qty <= 0 || line.ItemID == "" {
			continue
		}
		if i, ok := index[line.ItemID]; ok {
			out[i].Qty += line.Qty
			continue
		}
		index[line.ItemID] = len(out)
		out = append(out, line)
	}
	return out
}

// ComputeDelta returns the lines of cart that have not been sent yet.
// New items are sent in full, increased items send only the increase, and
// unchanged or reduced items are omitted. The result keeps cart order.
func ComputeDelta(cart []models.CartLine, snapshot PrintedSnapshot) []models.CartLine {
	delta := make([]models.CartLine, 0)
	for _, line := range normalizeCart(cart) {
		sent := snapshot[line.ItemID]
		if line.Qty > sent {
			line.Qty -= sent
			delta = append(delta, line)
		}
	}
	return delta
}

// IsRunningOrder reports whether the table already has a KOT in the current round
func IsRunningOrder(snapshot PrintedSnapshot) bool {
	return len(snapshot) > 0
}

// AdvanceSnapshot records the cart as sent. Quantities are replaced, not
// added, and items absent from the cart keep their previous value.
func AdvanceSnapshot(snapshot PrintedSnapshot, cart []models.CartLine) PrintedSnapshot {
	next := snapshot.Clone()
	for _, line := range normalizeCart(cart) {
		next[line.ItemID] = line.Qty
	}
	return next
}

// RebuildSnapshot replays the still-open KOT rounds of a table
func RebuildSnapshot(orders []models.Order) PrintedSnapshot {
	snapshot := make(PrintedSnapshot)
	for _, order := range orders {
		if order.Status != models.OrderStatusNew {
			continue
		}
		for _, item := range order.Items {
			if item.Qty > 0 {
				snapshot[item.ItemID] += item.Qty
			}
		}
	}
	return snapshot
}

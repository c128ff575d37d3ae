package services

import (
	"context"
	"log"
	"strings"
	"sync"

	"KotApp/app/events"
	"KotApp/app/models"

	"github.com/shopspring/decimal"
)

// KOTRequest is a table's working cart at the moment staff confirm a KOT
type KOTRequest struct {
	Items    []models.CartLine `json:"items"`
	Waiter   string            `json:"waiter"`
	Customer string            `json:"customer"`
}

// KOTPreview is what a confirmation would send, computed without side effects
type KOTPreview struct {
	Table          string            `json:"table"`
	Delta          []models.CartLine `json:"delta"`
	Total          decimal.Decimal   `json:"total"`
	IsRunningOrder bool              `json:"isRunningOrder"`
	NothingToSend  bool              `json:"nothingToSend"`
}

// KOTResult is the outcome of a confirmation. NothingToSend is a normal
// result, not an error.
type KOTResult struct {
	KOTPreview
	Order      *models.Order    `json:"order,omitempty"`
	PrintJob   *models.PrintJob `json:"printJob,omitempty"`
	PrintError string           `json:"printError,omitempty"`
	Deferred   bool             `json:"deferred"`
}

// KOTService turns cart changes into kitchen rounds. It keeps the printed
// snapshot of every table and only advances it after the ledger accepted
// the round.
type KOTService struct {
	ledger   *OrderLedger
	sequence *SequenceService
	prints   *PrintQueueService
	lock     TableLock

	mu         sync.Mutex
	snapshots  map[string]PrintedSnapshot
	generation map[string]uint64
}

// NewKOTService creates the KOT service and subscribes it to bus so that
// snapshots of tables changed elsewhere are rebuilt from the ledger
func NewKOTService(ledger *OrderLedger, sequence *SequenceService, prints *PrintQueueService, lock TableLock, bus *events.Bus) *KOTService {
	if lock == nil {
		lock = NewMemoryTableLock()
	}
	s := &KOTService{
		ledger:     ledger,
		sequence:   sequence,
		prints:     prints,
		lock:       lock,
		snapshots:  make(map[string]PrintedSnapshot),
		generation: make(map[string]uint64),
	}
	if bus != nil {
		bus.Listen(s.onEvent)
	}
	return s
}

func (s *KOTService) onEvent(ev events.Event) {
	switch ev.Type {
	case events.OrderCreated:
		// our own rounds already advanced the snapshot
		if ev.Origin == "" {
			return
		}
	case events.OrderUpdated, events.OrderDeleted, events.TableCleared:
	default:
		return
	}
	if table := ev.Table(); table != "" {
		s.Invalidate(table)
	}
}

// Invalidate drops the cached snapshot of table; the next read rebuilds it
func (s *KOTService) Invalidate(table string) {
	s.mu.Lock()
	delete(s.snapshots, table)
	s.generation[table]++
	s.mu.Unlock()
}

// ClearSnapshots drops every cached snapshot
func (s *KOTService) ClearSnapshots() {
	s.mu.Lock()
	for table := range s.snapshots {
		s.generation[table]++
	}
	s.snapshots = make(map[string]PrintedSnapshot)
	s.mu.Unlock()
}

// Snapshot returns what has been sent to the kitchen for table in the
// current round
func (s *KOTService) Snapshot(ctx context.Context, table string) (PrintedSnapshot, error) {
	snapshot, _, err := s.snapshotFor(ctx, table)
	return snapshot, err
}

func (s *KOTService) snapshotFor(ctx context.Context, table string) (PrintedSnapshot, uint64, error) {
	s.mu.Lock()
	gen := s.generation[table]
	if snapshot, ok := s.snapshots[table]; ok {
		s.mu.Unlock()
		return snapshot.Clone(), gen, nil
	}
	s.mu.Unlock()

	orders, err := s.ledger.OrdersForTable(ctx, table)
	if err != nil {
		return nil, 0, err
	}
	snapshot := RebuildSnapshot(orders)
	s.storeSnapshot(table, gen, snapshot)
	return snapshot.Clone(), gen, nil
}

// storeSnapshot keeps snapshot unless the table changed since gen was read
func (s *KOTService) storeSnapshot(table string, gen uint64, snapshot PrintedSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation[table] != gen {
		return
	}
	s.snapshots[table] = snapshot
}

func buildPreview(table string, cart []models.CartLine, snapshot PrintedSnapshot) KOTPreview {
	delta := ComputeDelta(cart, snapshot)
	total := decimal.Zero
	for _, line := range delta {
		total = total.Add(line.LineTotal())
	}
	return KOTPreview{
		Table:          table,
		Delta:          delta,
		Total:          total,
		IsRunningOrder: IsRunningOrder(snapshot),
		NothingToSend:  len(delta) == 0,
	}
}

// Preview computes the delta a confirmation would send. It touches neither
// the ledger nor the snapshot, so discarding it needs no undo.
func (s *KOTService) Preview(ctx context.Context, table string, cart []models.CartLine) (*KOTPreview, error) {
	snapshot, err := s.Snapshot(ctx, table)
	if err != nil {
		return nil, err
	}
	preview := buildPreview(table, cart, snapshot)
	return &preview, nil
}

// Confirm sends the delta of req as a new kitchen round. Only one
// confirmation per table runs at a time; a concurrent one gets ErrKOTInFlight.
func (s *KOTService) Confirm(ctx context.Context, table string, req KOTRequest) (*KOTResult, error) {
	table = strings.TrimSpace(table)
	release, ok, err := s.lock.TryLock(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKOTInFlight
	}
	defer release()

	return s.confirmLocked(ctx, table, req)
}

// confirmLocked runs a confirmation; the caller holds the table lock
func (s *KOTService) confirmLocked(ctx context.Context, table string, req KOTRequest) (*KOTResult, error) {
	snapshot, gen, err := s.snapshotFor(ctx, table)
	if err != nil {
		return nil, err
	}

	result := &KOTResult{KOTPreview: buildPreview(table, req.Items, snapshot)}
	if result.NothingToSend {
		kotNothingToSend.Inc()
		return result, nil
	}
	if err := ValidateLines(result.Delta); err != nil {
		return nil, err
	}

	number, err := drawOrderNumber(ctx, s.sequence)
	if err != nil {
		return nil, err
	}

	order := &models.Order{
		OrderNumber:    number,
		Table:          table,
		Waiter:         req.Waiter,
		Customer:       req.Customer,
		Status:         models.OrderStatusNew,
		IsRunningOrder: result.IsRunningOrder,
	}
	order.SetLines(result.Delta)

	stored, err := s.ledger.Append(ctx, order)
	if err != nil && IsTransient(err) && s.ledger.CanDefer() {
		deferredWrites.WithLabelValues("append").Inc()
		stored, err = s.ledger.Defer(ctx, order)
		result.Deferred = err == nil
	}
	if err != nil {
		// the round was not recorded, so nothing counts as sent
		return nil, err
	}

	s.storeSnapshot(table, gen, AdvanceSnapshot(snapshot, req.Items))
	result.Order = stored

	round := "first"
	if result.IsRunningOrder {
		round = "running"
	}
	kotTickets.WithLabelValues(round).Inc()
	log.Printf("KOTService: table %s order #%d sent %d lines (%s round)", table, stored.OrderNumber, len(result.Delta), round)

	if s.prints != nil {
		job, err := s.prints.Enqueue(ctx, models.Ticket{
			TicketType:     models.TicketTypeKOT,
			Table:          table,
			OrderNumber:    stored.OrderNumber,
			Items:          result.Delta,
			Customer:       stored.Customer,
			Waiter:         stored.Waiter,
			IsRunningOrder: stored.IsRunningOrder,
			CreatedAt:      stored.CreatedAt,
		}, stored.ID)
		if err != nil {
			log.Printf("KOTService: failed to queue KOT print for order #%d: %v", stored.OrderNumber, err)
			result.PrintError = err.Error()
		}
		result.PrintJob = job
	}
	return result, nil
}

// drawOrderNumber takes the next durable number, or a provisional one when
// the ledger database is unreachable
func drawOrderNumber(ctx context.Context, sequence *SequenceService) (int64, error) {
	number, err := sequence.NextOrderNumber(ctx)
	if err != nil && IsTransient(err) {
		if provisional, ok := sequence.Provisional(); ok {
			log.Printf("SequenceService: %v, using provisional order number %d", err, provisional)
			return provisional, nil
		}
	}
	return number, err
}

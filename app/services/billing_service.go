package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"KotApp/app/config"
	"KotApp/app/database"
	"KotApp/app/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BillRequest settles a table. Items is the current cart. Whatever part of
// it was not sent to the kitchen yet is confirmed as a KOT round first, so
// billing also prints a kitchen ticket for those lines. The parcel table
// skips the kitchen and bills Items directly.
type BillRequest struct {
	Items         []models.CartLine    `json:"items"`
	PaymentMethod models.PaymentMethod `json:"paymentMethod"`
	Customer      string               `json:"customer"`
	Waiter        string               `json:"waiter"`
}

// BillResult is the outcome of PrintBill
type BillResult struct {
	Bill       *models.Bill     `json:"bill"`
	KOT        *KOTResult       `json:"kot,omitempty"`
	PrintJob   *models.PrintJob `json:"printJob,omitempty"`
	PrintError string           `json:"printError,omitempty"`
	Deferred   bool             `json:"deferred"`
}

// BillingService merges a table's open orders into a bill
type BillingService struct {
	db       *gorm.DB
	cache    *database.LocalCache
	ledger   *OrderLedger
	kot      *KOTService
	sequence *SequenceService
	prints   *PrintQueueService
	tables   config.TablesConfig
	loc      *time.Location
}

// NewBillingService creates the billing service. Bills are assigned to the
// business cycle of their creation time in loc.
func NewBillingService(db *gorm.DB, cache *database.LocalCache, ledger *OrderLedger, kot *KOTService,
	sequence *SequenceService, prints *PrintQueueService, tables config.TablesConfig, loc *time.Location) *BillingService {
	if loc == nil {
		loc = time.Local
	}
	return &BillingService{
		db:       db,
		cache:    cache,
		ledger:   ledger,
		kot:      kot,
		sequence: sequence,
		prints:   prints,
		tables:   tables,
		loc:      loc,
	}
}

// PrintBill bills every unpaid order of table. New orders become billed.
// The parcel table is billed directly from the cart.
func (s *BillingService) PrintBill(ctx context.Context, table string, req BillRequest) (*BillResult, error) {
	table = strings.TrimSpace(table)
	if req.PaymentMethod == "" {
		req.PaymentMethod = models.PaymentMethodCash
	}
	if !req.PaymentMethod.Valid() {
		return nil, &ValidationError{Field: "paymentMethod", Message: "must be Cash, UPI or Card"}
	}

	release, ok, err := s.kot.lock.TryLock(ctx, table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKOTInFlight
	}
	defer release()

	if s.tables.IsParcel(table) {
		return s.parcelBill(ctx, table, req)
	}

	result := &BillResult{}
	if len(req.Items) > 0 {
		kot, err := s.kot.confirmLocked(ctx, table, KOTRequest{Items: req.Items, Waiter: req.Waiter, Customer: req.Customer})
		if err != nil {
			return nil, err
		}
		if !kot.NothingToSend {
			result.KOT = kot
			result.Deferred = kot.Deferred
		}
	}

	merge, err := s.ledger.MergeItemsForBilling(ctx, table, nil)
	if err != nil {
		return nil, err
	}
	if len(merge.Items) == 0 {
		return nil, ErrNothingToBill
	}

	first := merge.Orders[0]
	customer := firstNonEmpty(req.Customer, first.Customer, models.DefaultCustomer)
	bill := s.newBill(table, first.OrderNumber, customer, req.PaymentMethod)
	bill.Items = merge.Items
	bill.Total = merge.Total
	for _, order := range merge.Orders {
		bill.OrderIDs = append(bill.OrderIDs, order.ID)
	}

	commit, err := s.ledger.CommitBilling(ctx, nil, merge.Orders, saveBill(bill))
	if err != nil {
		return nil, err
	}
	if commit.Deferred {
		deferredWrites.WithLabelValues("bill_status").Inc()
	}
	return s.finish(ctx, bill, commit.Deferred, result)
}

// parcelBill turns the cart straight into a billed order and its bill
func (s *BillingService) parcelBill(ctx context.Context, table string, req BillRequest) (*BillResult, error) {
	lines := normalizeCart(req.Items)
	if err := ValidateLines(lines); err != nil {
		return nil, err
	}

	number, err := drawOrderNumber(ctx, s.sequence)
	if err != nil {
		return nil, err
	}

	customer := firstNonEmpty(req.Customer, models.DefaultCustomer)
	order := &models.Order{
		ID:          uuid.NewString(),
		OrderNumber: number,
		Table:       table,
		Waiter:      req.Waiter,
		Customer:    customer,
		Status:      models.OrderStatusBilled,
	}
	order.SetLines(lines)

	bill := s.newBill(table, order.OrderNumber, customer, req.PaymentMethod)
	bill.Items = order.Lines()
	bill.Total = order.Total
	bill.OrderIDs = []string{order.ID}

	commit, err := s.ledger.CommitBilling(ctx, order, nil, saveBill(bill))
	if err != nil {
		return nil, err
	}
	if commit.Deferred {
		deferredWrites.WithLabelValues("append").Inc()
	}
	return s.finish(ctx, bill, commit.Deferred, &BillResult{})
}

func saveBill(bill *models.Bill) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		return tx.Create(bill).Error
	}
}

func (s *BillingService) newBill(table string, orderNumber int64, customer string, method models.PaymentMethod) *models.Bill {
	now := time.Now().UTC()
	cycle := CycleForTime(now, s.loc)
	return &models.Bill{
		ID:            uuid.NewString(),
		OrderNumber:   orderNumber,
		Table:         table,
		Customer:      customer,
		PaymentMethod: method,
		CycleDate:     cycle.Date,
		CycleLabel:    cycle.Label,
		CreatedAt:     now,
	}
}

// finish caches the bill, parking it when the ledger did not take it, and
// queues its print
func (s *BillingService) finish(ctx context.Context, bill *models.Bill, parked bool, result *BillResult) (*BillResult, error) {
	if parked {
		if s.cache == nil {
			return nil, fmt.Errorf("offline mode disabled: no local cache")
		}
		deferredWrites.WithLabelValues("bill").Inc()
		if err := s.cache.Put(database.KindBill, bill.ID, bill.Table, bill, true); err != nil {
			return nil, fmt.Errorf("failed to park bill: %w", err)
		}
		result.Deferred = true
	} else if s.cache != nil {
		if err := s.cache.Put(database.KindBill, bill.ID, bill.Table, bill, false); err != nil {
			log.Printf("BillingService: failed to mirror bill %s: %v", bill.ID, err)
		}
	}

	result.Bill = bill
	billsPrinted.WithLabelValues(string(bill.PaymentMethod)).Inc()
	log.Printf("BillingService: bill #%d for table %s, %d items, total %s (%s)",
		bill.OrderNumber, bill.Table, len(bill.Items), bill.Total.StringFixed(2), bill.PaymentMethod)

	if s.prints != nil {
		total := bill.Total
		job, err := s.prints.Enqueue(ctx, models.Ticket{
			TicketType:    models.TicketTypeBill,
			Table:         bill.Table,
			OrderNumber:   bill.OrderNumber,
			Items:         bill.Items,
			Total:         &total,
			Customer:      bill.Customer,
			PaymentMethod: bill.PaymentMethod,
			CreatedAt:     bill.CreatedAt,
		}, bill.ID)
		if err != nil {
			log.Printf("BillingService: failed to queue bill print for #%d: %v", bill.OrderNumber, err)
			result.PrintError = err.Error()
		}
		result.PrintJob = job
	}
	return result, nil
}

// ListBills returns bills newest first, for one cycle when cycleDate is set
func (s *BillingService) ListBills(ctx context.Context, cycleDate string) ([]models.Bill, error) {
	query := s.db.WithContext(ctx).Order("created_at DESC")
	if cycleDate != "" {
		query = query.Where("cycle_date = ?", cycleDate)
	}
	var bills []models.Bill
	if err := query.Find(&bills).Error; err != nil {
		err = classify("list bills", err)
		if !IsTransient(err) || s.cache == nil {
			return nil, err
		}
		log.Printf("BillingService: %v, serving bills from local cache", err)
		return s.cachedBills(cycleDate)
	}
	return bills, nil
}

func (s *BillingService) cachedBills(cycleDate string) ([]models.Bill, error) {
	records, err := s.cache.List(database.KindBill)
	if err != nil {
		return nil, err
	}
	bills := make([]models.Bill, 0, len(records))
	for _, record := range records {
		var bill models.Bill
		if err := json.Unmarshal([]byte(record.Data), &bill); err != nil {
			continue
		}
		if cycleDate == "" || bill.CycleDate == cycleDate {
			bills = append(bills, bill)
		}
	}
	sort.SliceStable(bills, func(i, j int) bool {
		return bills[i].CreatedAt.After(bills[j].CreatedAt)
	})
	return bills, nil
}

// Cycles summarizes bills per business cycle, newest first
func (s *BillingService) Cycles(ctx context.Context) ([]models.CycleSummary, error) {
	bills, err := s.ListBills(ctx, "")
	if err != nil {
		return nil, err
	}
	return SummarizeCycles(bills), nil
}

// Replay writes a deferred bill to the database
func (s *BillingService) Replay(ctx context.Context, bill *models.Bill) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(bill).Error
	return classify("replay bill", err)
}

// DeleteAll drops every bill
func (s *BillingService) DeleteAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Bill{}).Error
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

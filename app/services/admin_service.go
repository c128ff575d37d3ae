package services

import (
	"context"
	"fmt"
	"log"
)

// AdminService wipes the working data of the restaurant
type AdminService struct {
	ledger   *OrderLedger
	billing  *BillingService
	prints   *PrintQueueService
	sequence *SequenceService
	kot      *KOTService
}

// NewAdminService creates the admin service
func NewAdminService(ledger *OrderLedger, billing *BillingService, prints *PrintQueueService,
	sequence *SequenceService, kot *KOTService) *AdminService {
	return &AdminService{ledger: ledger, billing: billing, prints: prints, sequence: sequence, kot: kot}
}

// Reset clears orders, bills, print jobs and snapshots and restarts order numbering
func (a *AdminService) Reset(ctx context.Context) error {
	if err := a.ledger.Reset(ctx); err != nil {
		return fmt.Errorf("reset orders: %w", err)
	}
	if err := a.billing.DeleteAll(ctx); err != nil {
		return fmt.Errorf("reset bills: %w", err)
	}
	if err := a.prints.DeleteAll(ctx); err != nil {
		return fmt.Errorf("reset print jobs: %w", err)
	}
	if err := a.sequence.Reset(ctx); err != nil {
		return fmt.Errorf("reset order numbers: %w", err)
	}
	a.kot.ClearSnapshots()
	log.Println("AdminService: all orders, bills and print jobs cleared")
	return nil
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"KotApp/app/config"
	"KotApp/app/database"
	"KotApp/app/models"

	"gorm.io/gorm"
)

// SyncReport summarizes one replay pass
type SyncReport struct {
	Replayed int  `json:"replayed"`
	Failed   int  `json:"failed"`
	Offline  bool `json:"offline"`
}

// SyncWorker replays writes that were parked in the local cache while the
// ledger database was unreachable. Replays are upserts, so the last writer
// wins.
type SyncWorker struct {
	db          *gorm.DB
	cache       *database.LocalCache
	ledger      *OrderLedger
	billing     *BillingService
	prints      *PrintQueueService
	logger      *LoggerService
	interval    time.Duration
	maxAttempts int

	mu sync.Mutex
}

// NewSyncWorker creates a sync worker
func NewSyncWorker(db *gorm.DB, cache *database.LocalCache, ledger *OrderLedger, billing *BillingService,
	prints *PrintQueueService, logger *LoggerService, cfg config.LocalCacheConfig) *SyncWorker {
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &SyncWorker{
		db:          db,
		cache:       cache,
		ledger:      ledger,
		billing:     billing,
		prints:      prints,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run replays pending writes every interval until ctx is done
func (worker *SyncWorker) Run(ctx context.Context) {
	defer worker.logger.RecoverPanic()

	ticker := time.NewTicker(worker.interval)
	defer ticker.Stop()
	log.Printf("Sync worker started with interval: %v", worker.interval)

	worker.performSync(ctx)
	for {
		select {
		case <-ticker.C:
			worker.performSync(ctx)
		case <-ctx.Done():
			log.Println("Sync worker stopped")
			return
		}
	}
}

func (worker *SyncWorker) performSync(ctx context.Context) {
	report, err := worker.SyncNow(ctx)
	if err != nil {
		worker.logger.LogError("Synchronization failed", err)
		return
	}
	if report.Replayed > 0 || report.Failed > 0 {
		log.Printf("SyncWorker: replayed %d deferred writes, %d failed", report.Replayed, report.Failed)
	}
}

// SyncNow runs one replay pass: orders first, then bills, then print jobs
func (worker *SyncWorker) SyncNow(ctx context.Context) (*SyncReport, error) {
	worker.mu.Lock()
	defer worker.mu.Unlock()

	report := &SyncReport{}
	pending, err := worker.cache.Pending(worker.maxAttempts)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		worker.cache.UpdateSyncStatus("completed", "")
		return report, nil
	}

	if !worker.checkConnection(ctx) {
		report.Offline = true
		worker.cache.UpdateSyncStatus("offline", "ledger database unreachable")
		return report, nil
	}
	worker.cache.UpdateSyncStatus("syncing", "")

	kinds := []database.RecordKind{database.KindOrder, database.KindBill, database.KindPrintJob}
	var lastError string
	for _, kind := range kinds {
		for _, record := range pending {
			if record.Kind != kind {
				continue
			}
			err := worker.replay(ctx, record)
			if err == nil {
				report.Replayed++
				replayedWrites.WithLabelValues("ok").Inc()
				if err := worker.cache.MarkSynced(record.Kind, record.ID); err != nil {
					log.Printf("SyncWorker: failed to mark %s %s synced: %v", record.Kind, record.ID, err)
				}
				worker.cache.LogSync(string(record.Kind), record.ID, "replay", "success", "")
				continue
			}

			lastError = err.Error()
			if IsTransient(err) {
				// connection dropped mid-pass, try again next tick
				report.Offline = true
				worker.cache.UpdateSyncStatus("offline", lastError)
				return report, nil
			}
			report.Failed++
			replayedWrites.WithLabelValues("failed").Inc()
			if err := worker.cache.MarkFailed(record.Kind, record.ID, err); err != nil {
				log.Printf("SyncWorker: failed to record failure of %s %s: %v", record.Kind, record.ID, err)
			}
			worker.cache.LogSync(string(record.Kind), record.ID, "replay", "failed", lastError)
		}
	}

	if report.Failed > 0 {
		worker.cache.UpdateSyncStatus("failed", lastError)
	} else {
		worker.cache.UpdateSyncStatus("completed", "")
	}
	worker.cleanOldData()
	return report, nil
}

func (worker *SyncWorker) replay(ctx context.Context, record database.LocalRecord) error {
	switch record.Kind {
	case database.KindOrder:
		var order models.Order
		if err := json.Unmarshal([]byte(record.Data), &order); err != nil {
			return fmt.Errorf("decode order %s: %w", record.ID, err)
		}
		return worker.ledger.Replay(ctx, &order)
	case database.KindBill:
		var bill models.Bill
		if err := json.Unmarshal([]byte(record.Data), &bill); err != nil {
			return fmt.Errorf("decode bill %s: %w", record.ID, err)
		}
		return worker.billing.Replay(ctx, &bill)
	case database.KindPrintJob:
		var job models.PrintJob
		if err := json.Unmarshal([]byte(record.Data), &job); err != nil {
			return fmt.Errorf("decode print job %s: %w", record.ID, err)
		}
		return worker.prints.Replay(ctx, &job)
	default:
		return fmt.Errorf("unknown record kind %q", record.Kind)
	}
}

// checkConnection pings the ledger database
func (worker *SyncWorker) checkConnection(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return database.Ping(pingCtx, worker.db) == nil
}

// cleanOldData drops sync log entries older than a week
func (worker *SyncWorker) cleanOldData() {
	if err := worker.cache.ClearSyncLogs(7); err != nil {
		log.Printf("Error cleaning old sync logs: %v", err)
	}
}

// Status returns the last recorded sync status
func (worker *SyncWorker) Status() (*database.SyncStatus, error) {
	return worker.cache.GetSyncStatus()
}

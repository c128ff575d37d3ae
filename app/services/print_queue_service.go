package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"KotApp/app/database"
	"KotApp/app/events"
	"KotApp/app/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PrintQueueService records every ticket as a print job and hands it to a
// PrinterSink in the background. A failed print never undoes the ledger
// write it belongs to; the job is marked failed and can be retried.
type PrintQueueService struct {
	db        *gorm.DB
	cache     *database.LocalCache
	sink      PrinterSink
	publisher events.Publisher
	logger    *LoggerService
	timeout   time.Duration

	wg sync.WaitGroup
}

// NewPrintQueueService creates a print queue. Failed prints are announced on
// publisher. cache and publisher may be nil.
func NewPrintQueueService(db *gorm.DB, cache *database.LocalCache, sink PrinterSink, publisher events.Publisher, logger *LoggerService) *PrintQueueService {
	if sink == nil {
		sink = NoopPrintSink{}
	}
	return &PrintQueueService{
		db:        db,
		cache:     cache,
		sink:      sink,
		publisher: publisher,
		logger:    logger,
		timeout:   15 * time.Second,
	}
}

// Enqueue stores a queued job for ticket and starts printing it. refID ties
// the job to the order or bill it prints. A bill that already has a queued
// job is not queued twice.
func (s *PrintQueueService) Enqueue(ctx context.Context, ticket models.Ticket, refID string) (*models.PrintJob, error) {
	if ticket.CreatedAt.IsZero() {
		ticket.CreatedAt = time.Now().UTC()
	}

	if ticket.TicketType == models.TicketTypeBill && refID != "" {
		var existing models.PrintJob
		err := s.db.WithContext(ctx).
			Where("type = ? AND ref_id = ? AND status = ?", models.TicketTypeBill, refID, models.PrintJobQueued).
			First(&existing).Error
		if err == nil {
			return &existing, nil
		}
	}

	payload, err := json.Marshal(ticket)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ticket: %w", err)
	}

	job := &models.PrintJob{
		ID:          uuid.NewString(),
		Type:        ticket.TicketType,
		RefID:       refID,
		Table:       ticket.Table,
		OrderNumber: ticket.OrderNumber,
		Status:      models.PrintJobQueued,
		Payload:     string(payload),
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		err = classify("queue print job", err)
		if !IsTransient(err) || s.cache == nil {
			return nil, err
		}
		// print anyway, the job row follows once the ledger is back
		job.CreatedAt = time.Now().UTC()
		job.UpdatedAt = job.CreatedAt
		s.park(job)
	}

	s.dispatch(job.ID, job, ticket)
	return job, nil
}

func (s *PrintQueueService) dispatch(id string, job *models.PrintJob, ticket models.Ticket) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.logger.RecoverPanic()

		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		err := s.sink.Print(ctx, ticket)
		if err != nil {
			err = &PrinterError{JobID: id, Err: err}
			s.logger.LogError(fmt.Sprintf("Print failed for %s table %s", ticket.TicketType, ticket.Table), err)
		}
		s.record(job, err)
		if err != nil {
			s.announceFailure(job, err)
		}
	}()
}

// announceFailure tells the terminals that a ticket did not print
func (s *PrintQueueService) announceFailure(job *models.PrintJob, printErr error) {
	if s.publisher == nil {
		return
	}
	failed := *job
	failed.Status = models.PrintJobFailed
	failed.Attempts++
	failed.LastError = printErr.Error()
	failed.Payload = ""
	ev, err := events.NewPrintFailedEvent(&failed)
	if err != nil {
		log.Printf("PrintQueue: %v", err)
		return
	}
	s.publisher.Publish(ev)
}

// record stores the outcome of one print attempt
func (s *PrintQueueService) record(job *models.PrintJob, printErr error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"attempts":   gorm.Expr("attempts + 1"),
		"updated_at": now,
	}
	status := models.PrintJobDone
	if printErr != nil {
		status = models.PrintJobFailed
		updates["last_error"] = printErr.Error()
	} else {
		updates["last_error"] = ""
		updates["printed_at"] = now
	}
	updates["status"] = status
	printJobResults.WithLabelValues(string(job.Type), string(status)).Inc()

	res := s.db.Model(&models.PrintJob{}).Where("id = ?", job.ID).Updates(updates)
	if res.Error == nil && res.RowsAffected > 0 {
		return
	}
	if res.Error != nil {
		log.Printf("PrintQueue: failed to record result of job %s: %v", job.ID, res.Error)
	}

	// the row only exists in the local cache
	parked := *job
	parked.Status = status
	parked.Attempts++
	parked.UpdatedAt = now
	if printErr != nil {
		parked.LastError = printErr.Error()
	} else {
		parked.LastError = ""
		parked.PrintedAt = &now
	}
	s.park(&parked)
}

func (s *PrintQueueService) park(job *models.PrintJob) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Put(database.KindPrintJob, job.ID, job.Table, job, true); err != nil {
		log.Printf("PrintQueue: failed to park job %s: %v", job.ID, err)
	}
}

// Get returns one job
func (s *PrintQueueService) Get(ctx context.Context, id string) (*models.PrintJob, error) {
	var job models.PrintJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPrintJobNotFound
	}
	if err != nil {
		return nil, classify("get print job", err)
	}
	return &job, nil
}

// List returns the newest jobs first, optionally filtered by status
func (s *PrintQueueService) List(ctx context.Context, status models.PrintJobStatus, limit int) ([]models.PrintJob, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var jobs []models.PrintJob
	if err := query.Find(&jobs).Error; err != nil {
		return nil, classify("list print jobs", err)
	}
	return jobs, nil
}

// Retry prints a failed or stuck job again from its stored payload
func (s *PrintQueueService) Retry(ctx context.Context, id string) (*models.PrintJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.PrintJobDone {
		return job, nil
	}

	var ticket models.Ticket
	if err := json.Unmarshal([]byte(job.Payload), &ticket); err != nil {
		return nil, fmt.Errorf("print job %s has an unreadable payload: %w", id, err)
	}

	if err := s.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":     models.PrintJobQueued,
		"updated_at": time.Now().UTC(),
	}).Error; err != nil {
		return nil, classify("requeue print job", err)
	}
	job.Status = models.PrintJobQueued

	log.Printf("PrintQueue: retrying %s job %s for table %s (attempt %d)", job.Type, job.ID, job.Table, job.Attempts+1)
	s.dispatch(job.ID, job, ticket)
	return job, nil
}

// MarkPrinted closes a job that was printed by other means
func (s *PrintQueueService) MarkPrinted(ctx context.Context, id string) (*models.PrintJob, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":     models.PrintJobDone,
		"last_error": "",
		"printed_at": now,
		"updated_at": now,
	}).Error; err != nil {
		return nil, classify("mark print job done", err)
	}
	job.Status = models.PrintJobDone
	job.LastError = ""
	job.PrintedAt = &now
	return job, nil
}

// Replay writes a parked job to the database
func (s *PrintQueueService) Replay(ctx context.Context, job *models.PrintJob) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(job).Error
	return classify("replay print job", err)
}

// DeleteAll drops every job
func (s *PrintQueueService) DeleteAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.PrintJob{}).Error
}

// Wait blocks until in-flight prints finish
func (s *PrintQueueService) Wait() {
	s.wg.Wait()
}

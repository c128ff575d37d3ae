package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"KotApp/app/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const orderNumberSequence = "order_number"

// SequenceService hands out order numbers from a durable counter. Numbers are
// strictly increasing until max (when set), after which they restart at start.
type SequenceService struct {
	db    *gorm.DB
	name  string
	start int64
	max   int64

	mu   sync.Mutex
	last int64 // last number handed out by this process
}

// NewSequenceService creates the order number sequence
func NewSequenceService(db *gorm.DB, start, max int64) *SequenceService {
	return &SequenceService{db: db, name: orderNumberSequence, start: start, max: max}
}

// NextOrderNumber reserves and returns the next order number. The durable
// counter never falls behind a number this process already handed out.
func (s *SequenceService) NextOrderNumber(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	floor := s.last
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := models.OrderSequence{Name: s.name, Value: s.start - 1}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.OrderSequence{}).Where("name = ?", s.name).
			Update("value", gorm.Expr("CASE WHEN value < ? THEN ? ELSE value END + 1", floor, floor)).Error; err != nil {
			return err
		}

		var seq models.OrderSequence
		if err := tx.Where("name = ?", s.name).First(&seq).Error; err != nil {
			return err
		}

		if s.max > 0 && seq.Value > s.max {
			log.Printf("SequenceService: order number passed %d, restarting at %d", s.max, s.start)
			seq.Value = s.start
			if err := tx.Model(&models.OrderSequence{}).Where("name = ?", s.name).
				Update("value", seq.Value).Error; err != nil {
				return err
			}
		}

		next = seq.Value
		return nil
	})
	if err != nil {
		return 0, classify("next order number", err)
	}
	s.last = next
	return next, nil
}

// Provisional hands out the next number from memory while the database is
// unreachable. ok is false when this process has not drawn a number yet.
func (s *SequenceService) Provisional() (next int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == 0 {
		return 0, false
	}
	s.last++
	if s.max > 0 && s.last > s.max {
		s.last = s.start
	}
	return s.last, true
}

// Current returns the last number handed out, or start-1 when none was
func (s *SequenceService) Current(ctx context.Context) (int64, error) {
	var seq models.OrderSequence
	err := s.db.WithContext(ctx).Where("name = ?", s.name).Limit(1).Find(&seq).Error
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	if seq.Name == "" {
		return s.start - 1, nil
	}
	return seq.Value, nil
}

// Reset makes the next number start again
func (s *SequenceService) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.last = 0
	s.mu.Unlock()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&models.OrderSequence{Name: s.name, Value: s.start - 1}).Error
}

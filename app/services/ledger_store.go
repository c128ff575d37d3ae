package services

import (
	"context"
	"errors"
	"time"

	"KotApp/app/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerStore persists orders. Implementations return raw driver errors;
// OrderLedger classifies them.
type LedgerStore interface {
	Append(ctx context.Context, order *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	List(ctx context.Context) ([]models.Order, error)
	ListByTable(ctx context.Context, table string) ([]models.Order, error)
	// SetStatus writes status only if the stored version still equals version
	SetStatus(ctx context.Context, id string, version int, status models.OrderStatus) (*models.Order, error)
	Delete(ctx context.Context, id string) error
	DeleteTable(ctx context.Context, table string) (int64, error)
	DeleteAll(ctx context.Context) error
	Upsert(ctx context.Context, order *models.Order) error
	// CommitBilling appends created when non-nil, applies changes and runs
	// within in one transaction
	CommitBilling(ctx context.Context, created *models.Order, changes []StatusChange, within func(tx *gorm.DB) error) error
}

// StatusChange is a version-checked status write
type StatusChange struct {
	ID      string
	Version int
	Status  models.OrderStatus
	At      time.Time
}

// GormLedgerStore is the LedgerStore backed by the ledger database
type GormLedgerStore struct {
	db *gorm.DB
}

// NewGormLedgerStore creates a store on db
func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db}
}

func preloadItems(db *gorm.DB) *gorm.DB {
	return db.Preload("Items", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position")
	})
}

func (s *GormLedgerStore) Append(ctx context.Context, order *models.Order) error {
	return s.db.WithContext(ctx).Create(order).Error
}

func (s *GormLedgerStore) Get(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := preloadItems(s.db.WithContext(ctx)).First(&order, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *GormLedgerStore) List(ctx context.Context) ([]models.Order, error) {
	var orders []models.Order
	err := preloadItems(s.db.WithContext(ctx)).
		Order("created_at, order_number").
		Find(&orders).Error
	return orders, err
}

func (s *GormLedgerStore) ListByTable(ctx context.Context, table string) ([]models.Order, error) {
	var orders []models.Order
	err := preloadItems(s.db.WithContext(ctx)).
		Where("table_name = ?", table).
		Order("created_at, order_number").
		Find(&orders).Error
	return orders, err
}

func (s *GormLedgerStore) SetStatus(ctx context.Context, id string, version int, status models.OrderStatus) (*models.Order, error) {
	change := StatusChange{ID: id, Version: version, Status: status, At: time.Now().UTC()}
	if err := applyStatus(s.db.WithContext(ctx), change); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func applyStatus(tx *gorm.DB, change StatusChange) error {
	result := tx.Model(&models.Order{}).
		Where("id = ? AND version = ?", change.ID, change.Version).
		Updates(map[string]interface{}{
			"status":     change.Status,
			"version":    gorm.Expr("version + 1"),
			"updated_at": change.At,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := tx.Model(&models.Order{}).Where("id = ?", change.ID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrOrderNotFound
	}
	return ErrStaleVersion
}

func (s *GormLedgerStore) CommitBilling(ctx context.Context, created *models.Order, changes []StatusChange, within func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if created != nil {
			if err := tx.Create(created).Error; err != nil {
				return err
			}
		}
		for _, change := range changes {
			if err := applyStatus(tx, change); err != nil {
				return err
			}
		}
		if within != nil {
			return within(tx)
		}
		return nil
	})
}

func (s *GormLedgerStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("order_id = ?", id).Delete(&models.OrderItem{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&models.Order{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrOrderNotFound
		}
		return nil
	})
}

func (s *GormLedgerStore) DeleteTable(ctx context.Context, table string) (int64, error) {
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Order{}).Where("table_name = ?", table).Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("order_id IN ?", ids).Delete(&models.OrderItem{}).Error; err != nil {
			return err
		}
		result := tx.Where("id IN ?", ids).Delete(&models.Order{})
		removed = result.RowsAffected
		return result.Error
	})
	return removed, err
}

func (s *GormLedgerStore) DeleteAll(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&models.OrderItem{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&models.Order{}).Error
	})
}

// Upsert writes order and replaces its items. Used to replay deferred writes.
func (s *GormLedgerStore) Upsert(ctx context.Context, order *models.Order) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Omit("Items").Create(order).Error; err != nil {
			return err
		}
		if err := tx.Where("order_id = ?", order.ID).Delete(&models.OrderItem{}).Error; err != nil {
			return err
		}
		if len(order.Items) == 0 {
			return nil
		}
		items := make([]models.OrderItem, len(order.Items))
		for i, item := range order.Items {
			item.ID = 0
			item.OrderID = order.ID
			item.Position = i
			items[i] = item
		}
		if err := tx.Create(&items).Error; err != nil {
			return err
		}
		order.Items = items
		return nil
	})
}

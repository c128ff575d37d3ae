package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// RecordKind names the entity stored in a LocalRecord
type RecordKind string

const (
	KindOrder    RecordKind = "order"
	KindBill     RecordKind = "bill"
	KindPrintJob RecordKind = "print_job"
)

// LocalCache is the SQLite store used when the ledger database is unreachable.
// Every ledger write is mirrored here; writes that could not reach the ledger
// are kept as pending until the sync worker replays them.
type LocalCache struct {
	db     *gorm.DB
	dbPath string
}

// LocalRecord is one cached entity serialized as JSON
type LocalRecord struct {
	ID           string     `gorm:"primaryKey;size:64"`
	Kind         RecordKind `gorm:"primaryKey;size:16"`
	Table        string     `gorm:"column:table_name;index"`
	Data         string     `gorm:"type:text"`
	Pending      bool       `gorm:"index"`
	SyncAttempts int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncStatus tracks synchronization status
type SyncStatus struct {
	ID             uint       `gorm:"primaryKey" json:"-"`
	LastSyncAt     *time.Time `json:"last_sync_at"`
	Status         string     `json:"status"` // "syncing", "completed", "failed", "offline"
	PendingRecords int        `json:"pending_records"`
	LastError      string     `json:"last_error"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// SyncLog tracks synchronization history
type SyncLog struct {
	ID         uint      `gorm:"primaryKey"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Action     string    `json:"action"`
	Status     string    `json:"status"` // "success", "failed"
	Error      string    `json:"error"`
	SyncedAt   time.Time `json:"synced_at"`
}

// OpenLocalCache opens (creating if needed) the cache at dbPath
func OpenLocalCache(dbPath string) (*LocalCache, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return openLocalCache(sqlite.Open(dbPath+"?_pragma=busy_timeout(5000)"), dbPath)
}

// OpenMemoryLocalCache opens a cache that lives only as long as the process
func OpenMemoryLocalCache(name string) (*LocalCache, error) {
	return openLocalCache(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), ":memory:")
}

func openLocalCache(dialector gorm.Dialector, dbPath string) (*LocalCache, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to local database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&LocalRecord{}, &SyncStatus{}, &SyncLog{}); err != nil {
		return nil, fmt.Errorf("failed to run local migrations: %w", err)
	}

	return &LocalCache{db: db, dbPath: dbPath}, nil
}

// Put stores v under (kind, id). pending marks a write the ledger has not seen.
// A pending record stays pending until MarkSynced, even if mirrored again.
func (l *LocalCache) Put(kind RecordKind, id, table string, v interface{}, pending bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", kind, id, err)
	}

	record := LocalRecord{
		ID:      id,
		Kind:    kind,
		Table:   table,
		Data:    string(data),
		Pending: pending,
	}

	updates := []string{"table_name", "data", "updated_at"}
	if pending {
		updates = append(updates, "pending")
	}

	return l.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}, {Name: "kind"}},
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(&record).Error
}

// Get decodes the record (kind, id) into dest. It reports false when absent.
func (l *LocalCache) Get(kind RecordKind, id string, dest interface{}) (bool, error) {
	var record LocalRecord
	err := l.db.Where("id = ? AND kind = ?", id, kind).Limit(1).Find(&record).Error
	if err != nil {
		return false, err
	}
	if record.ID == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(record.Data), dest); err != nil {
		return false, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return true, nil
}

// List returns every record of kind, oldest first
func (l *LocalCache) List(kind RecordKind) ([]LocalRecord, error) {
	var records []LocalRecord
	err := l.db.Where("kind = ?", kind).Order("created_at, id").Find(&records).Error
	return records, err
}

// ListByTable returns every record of kind for table, oldest first
func (l *LocalCache) ListByTable(kind RecordKind, table string) ([]LocalRecord, error) {
	var records []LocalRecord
	err := l.db.Where("kind = ? AND table_name = ?", kind, table).Order("created_at, id").Find(&records).Error
	return records, err
}

// Pending returns records not yet written to the ledger with fewer than maxAttempts tries
func (l *LocalCache) Pending(maxAttempts int) ([]LocalRecord, error) {
	var records []LocalRecord
	err := l.db.Where("pending = ? AND sync_attempts < ?", true, maxAttempts).
		Order("created_at, id").Find(&records).Error
	return records, err
}

// IsPending reports whether (kind, id) is cached and not yet written to the ledger
func (l *LocalCache) IsPending(kind RecordKind, id string) (bool, error) {
	var count int64
	err := l.db.Model(&LocalRecord{}).Where("id = ? AND kind = ? AND pending = ?", id, kind, true).Count(&count).Error
	return count > 0, err
}

// PendingCount returns the number of pending records
func (l *LocalCache) PendingCount() (int64, error) {
	var count int64
	err := l.db.Model(&LocalRecord{}).Where("pending = ?", true).Count(&count).Error
	return count, err
}

// MarkSynced clears the pending flag of a record
func (l *LocalCache) MarkSynced(kind RecordKind, id string) error {
	return l.db.Model(&LocalRecord{}).Where("id = ? AND kind = ?", id, kind).
		Updates(map[string]interface{}{"pending": false, "last_error": ""}).Error
}

// MarkFailed records a failed replay attempt
func (l *LocalCache) MarkFailed(kind RecordKind, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.db.Model(&LocalRecord{}).Where("id = ? AND kind = ?", id, kind).
		Updates(map[string]interface{}{
			"sync_attempts": gorm.Expr("sync_attempts + 1"),
			"last_error":    msg,
		}).Error
}

// Delete removes one record
func (l *LocalCache) Delete(kind RecordKind, id string) error {
	return l.db.Where("id = ? AND kind = ?", id, kind).Delete(&LocalRecord{}).Error
}

// DeleteTable removes every record of kind for table
func (l *LocalCache) DeleteTable(kind RecordKind, table string) error {
	return l.db.Where("kind = ? AND table_name = ?", kind, table).Delete(&LocalRecord{}).Error
}

// Clear removes every cached record
func (l *LocalCache) Clear() error {
	return l.db.Where("1 = 1").Delete(&LocalRecord{}).Error
}

// UpdateSyncStatus updates sync status
func (l *LocalCache) UpdateSyncStatus(status string, lastError string) error {
	var syncStatus SyncStatus
	if err := l.db.FirstOrCreate(&syncStatus).Error; err != nil {
		return err
	}

	now := time.Now()
	syncStatus.LastSyncAt = &now
	syncStatus.Status = status
	syncStatus.LastError = lastError

	pending, err := l.PendingCount()
	if err != nil {
		return err
	}
	syncStatus.PendingRecords = int(pending)

	return l.db.Save(&syncStatus).Error
}

// GetSyncStatus gets current sync status
func (l *LocalCache) GetSyncStatus() (*SyncStatus, error) {
	var status SyncStatus
	err := l.db.FirstOrCreate(&status).Error
	return &status, err
}

// LogSync logs a sync operation
func (l *LocalCache) LogSync(entityType string, entityID string, action string, status string, errMsg string) {
	l.db.Create(&SyncLog{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Status:     status,
		Error:      errMsg,
		SyncedAt:   time.Now(),
	})
}

// ClearSyncLogs removes sync logs older than daysOld
func (l *LocalCache) ClearSyncLogs(daysOld int) error {
	cutoff := time.Now().AddDate(0, 0, -daysOld)
	return l.db.Where("synced_at < ?", cutoff).Delete(&SyncLog{}).Error
}

// Path returns where the cache lives
func (l *LocalCache) Path() string {
	return l.dbPath
}

// Close closes the local database connection
func (l *LocalCache) Close() error {
	if l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"KotApp/app/config"
	"KotApp/app/models"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var db *gorm.DB

// GetDB returns the ledger database instance
func GetDB() *gorm.DB {
	return db
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Open connects to the ledger database described by cfg and runs migrations
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var (
		conn *gorm.DB
		err  error
	)

	switch cfg.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		conn, err = gorm.Open(sqlite.Open(cfg.SQLitePath+"?_pragma=busy_timeout(5000)"), gormConfig())
		log.Printf("Database: using sqlite ledger at %s", cfg.SQLitePath)
	default:
		pgConfig := gormConfig()
		pgConfig.PrepareStmt = true
		conn, err = gorm.Open(postgres.Open(cfg.PostgresDSN()), pgConfig)
		log.Printf("Database: using postgres ledger host=%s port=%d dbname=%s sslmode=%s",
			cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite serializes writers anyway
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := RunMigrations(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return conn, nil
}

// Initialize opens the process-wide ledger database
func Initialize(cfg config.DatabaseConfig) error {
	conn, err := Open(cfg)
	if err != nil {
		return err
	}
	db = conn
	return nil
}

// OpenMemory opens a migrated in-memory sqlite database shared by every
// connection of the returned handle
func OpenMemory(name string) (*gorm.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	conn, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := RunMigrations(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return conn, nil
}

// RunMigrations creates the ledger tables
func RunMigrations(conn *gorm.DB) error {
	err := conn.AutoMigrate(
		&models.Order{},
		&models.OrderItem{},
		&models.Bill{},
		&models.PrintJob{},
		&models.Staff{},
		&models.OrderSequence{},
	)
	if err != nil {
		return err
	}

	createIndexes(conn)
	return nil
}

// createIndexes adds the composite indexes AutoMigrate cannot express
func createIndexes(conn *gorm.DB) {
	conn.Exec("CREATE INDEX IF NOT EXISTS idx_orders_table_status ON orders(table_name, status)")
	conn.Exec("CREATE INDEX IF NOT EXISTS idx_orders_created_number ON orders(created_at, order_number)")
	conn.Exec("CREATE INDEX IF NOT EXISTS idx_order_items_order_position ON order_items(order_id, position)")
	conn.Exec("CREATE INDEX IF NOT EXISTS idx_print_jobs_status_created ON print_jobs(status, created_at)")
}

// Ping checks that the ledger database answers
func Ping(ctx context.Context, conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("database not initialized")
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the ledger database connection
func Close() error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

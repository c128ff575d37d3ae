package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"KotApp/app/security"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override, nested keys use "__"
// e.g. KOT_DATABASE__DSN, KOT_SYNC__REDIS_ADDR
const EnvPrefix = "KOT_"

// AppConfig holds all application configuration
type AppConfig struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	LocalCache LocalCacheConfig `koanf:"local_cache"`
	Business   BusinessConfig   `koanf:"business"`
	Tables     TablesConfig     `koanf:"tables"`
	Sequence   SequenceConfig   `koanf:"sequence"`
	Sync       SyncConfig       `koanf:"sync"`
	Printing   PrintingConfig   `koanf:"printing"`
	Reports    ReportsConfig    `koanf:"reports"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Addr     string `koanf:"addr"`
	DataDir  string `koanf:"data_dir"`
	MDNS     bool   `koanf:"mdns"`
	MDNSName string `koanf:"mdns_name"`
}

// DatabaseConfig holds ledger database connection settings
type DatabaseConfig struct {
	Driver       string `koanf:"driver"` // "postgres" or "sqlite"
	DSN          string `koanf:"dsn"`
	Host         string `koanf:"host"`
	Port         int    `koanf:"port"`
	Name         string `koanf:"name"`
	Username     string `koanf:"username"`
	Password     string `koanf:"password"`
	SSLMode      string `koanf:"ssl_mode"`
	SQLitePath   string `koanf:"sqlite_path"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
}

// LocalCacheConfig holds the offline cache settings
type LocalCacheConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Path         string        `koanf:"path"`
	SyncInterval time.Duration `koanf:"sync_interval"`
	MaxAttempts  int           `koanf:"max_attempts"`
}

// BusinessConfig holds what is printed on tickets
type BusinessConfig struct {
	Name     string `koanf:"name"`
	Address  string `koanf:"address"`
	Phone    string `koanf:"phone"`
	GSTIN    string `koanf:"gstin"`
	FSSAI    string `koanf:"fssai"`
	UPIVPA   string `koanf:"upi_vpa"`
	Footer   string `koanf:"footer"`
	Timezone string `koanf:"timezone"`
}

// TablesConfig lists the table slots of the floor
type TablesConfig struct {
	Names  []string `koanf:"names"`
	Parcel string   `koanf:"parcel"`
}

// SequenceConfig controls order numbering
type SequenceConfig struct {
	Start int64 `koanf:"start"`
	Max   int64 `koanf:"max"` // 0 disables rollover
}

// SyncConfig holds the fan-out and locking settings
type SyncConfig struct {
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisChannel  string        `koanf:"redis_channel"`
	KafkaBrokers  []string      `koanf:"kafka_brokers"`
	KafkaTopic    string        `koanf:"kafka_topic"`
	LockBackend   string        `koanf:"lock_backend"` // "memory" or "redis"
	LockTTL       time.Duration `koanf:"lock_ttl"`
	Heartbeat     time.Duration `koanf:"heartbeat"`
}

// PrinterConfig describes one ESC/POS device
type PrinterConfig struct {
	Type    string `koanf:"type"` // "network", "usb", "serial", "file"
	Address string `koanf:"address"`
	Columns int    `koanf:"columns"`
}

// PrintingConfig selects how tickets leave the server
type PrintingConfig struct {
	Mode            string        `koanf:"mode"` // "direct", "http", "rabbitmq", "none"
	PrintServerURL  string        `koanf:"print_server_url"`
	PrintServerAddr string        `koanf:"print_server_addr"`
	RabbitURL       string        `koanf:"rabbit_url"`
	RabbitQueue     string        `koanf:"rabbit_queue"`
	Timeout         time.Duration `koanf:"timeout"`
	Kitchen         PrinterConfig `koanf:"kitchen"`
	Counter         PrinterConfig `koanf:"counter"`
}

// ReportsConfig holds cycle report export settings
type ReportsConfig struct {
	SheetsEnabled   bool   `koanf:"sheets_enabled"`
	SpreadsheetID   string `koanf:"spreadsheet_id"`
	SheetName       string `koanf:"sheet_name"`
	CredentialsFile string `koanf:"credentials_file"`
	DailyAt         string `koanf:"daily_at"` // HH:MM, local time
}

// LoggingConfig holds log file rotation settings
type LoggingConfig struct {
	Dir        string `koanf:"dir"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

// Default returns the configuration used when nothing overrides it
func Default() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Addr:     ":8080",
			DataDir:  "data",
			MDNS:     true,
			MDNSName: "KOT Sync Server",
		},
		Database: DatabaseConfig{
			Driver:       "postgres",
			Host:         "localhost",
			Port:         5432,
			Name:         "kotapp",
			Username:     "postgres",
			SSLMode:      "disable",
			SQLitePath:   "data/ledger.db",
			MaxOpenConns: 50,
			MaxIdleConns: 10,
		},
		LocalCache: LocalCacheConfig{
			Enabled:      true,
			Path:         "data/local.db",
			SyncInterval: 30 * time.Second,
			MaxAttempts:  5,
		},
		Business: BusinessConfig{
			Name:   "Restaurant",
			Footer: "Thank you for visiting!",
		},
		Tables: TablesConfig{
			Names:  []string{"T1", "T2", "T3", "T4", "T5", "T6", "T7", "T8"},
			Parcel: "Parcel",
		},
		Sequence: SequenceConfig{
			Start: 36650,
		},
		Sync: SyncConfig{
			RedisChannel: "kot:events",
			KafkaTopic:   "kot.ledger.events",
			LockBackend:  "memory",
			LockTTL:      30 * time.Second,
			Heartbeat:    30 * time.Second,
		},
		Printing: PrintingConfig{
			Mode:            "http",
			PrintServerURL:  "http://localhost:5001",
			PrintServerAddr: ":5001",
			RabbitQueue:     "kot.print",
			Timeout:         5 * time.Second,
			Kitchen:         PrinterConfig{Type: "file", Address: "data/kitchen.prn", Columns: 48},
			Counter:         PrinterConfig{Type: "file", Address: "data/counter.prn", Columns: 48},
		},
		Reports: ReportsConfig{
			SheetName: "Cycles",
			DailyAt:   "04:30",
		},
		Logging: LoggingConfig{
			Dir:        "logs",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load builds the configuration from defaults, an optional yaml file and
// KOT_ environment variables, in that order
func Load(path string) (*AppConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", path, err)
			}
		} else {
			log.Printf("Config: %s not found, using defaults and environment", path)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ReplaceAll(s, "__", ".")
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("env overlay: %w", err)
	}

	cfg := Default()
	// slices are decoded in place, so a default list would leak past a shorter override
	defaultTables := cfg.Tables.Names
	cfg.Tables.Names = nil
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if len(cfg.Tables.Names) == 0 {
		cfg.Tables.Names = defaultTables
	}

	cfg.applyLegacyDatabaseEnv()
	cfg.Database.Password = security.DecryptOrPlain(cfg.Database.Password)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacyDatabaseEnv honours DATABASE_URL and DB_* variables from older deployments
func (c *AppConfig) applyLegacyDatabaseEnv() {
	if c.Database.DSN != "" {
		return
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
		return
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.Username = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		c.Database.SSLMode = v
	}
}

// PostgresDSN returns the DSN for the postgres driver
func (d DatabaseConfig) PostgresDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Name, d.SSLMode)
}

// Validate checks the configuration for values the server cannot start without
func (c AppConfig) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr required")
	}
	switch c.Database.Driver {
	case "postgres":
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path required for sqlite driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Printing.Mode {
	case "direct", "none":
	case "http":
		if c.Printing.PrintServerURL == "" {
			return fmt.Errorf("printing.print_server_url required for http mode")
		}
	case "rabbitmq":
		if c.Printing.RabbitURL == "" {
			return fmt.Errorf("printing.rabbit_url required for rabbitmq mode")
		}
	default:
		return fmt.Errorf("unknown printing.mode %q", c.Printing.Mode)
	}
	switch c.Sync.LockBackend {
	case "memory":
	case "redis":
		if c.Sync.RedisAddr == "" {
			return fmt.Errorf("sync.redis_addr required for redis lock backend")
		}
	default:
		return fmt.Errorf("unknown sync.lock_backend %q", c.Sync.LockBackend)
	}
	if len(c.Tables.Names) == 0 {
		return fmt.Errorf("tables.names must list at least one table")
	}
	if c.Sequence.Max > 0 && c.Sequence.Max <= c.Sequence.Start {
		return fmt.Errorf("sequence.max must be greater than sequence.start")
	}
	if c.Reports.SheetsEnabled && (c.Reports.SpreadsheetID == "" || c.Reports.CredentialsFile == "") {
		return fmt.Errorf("reports.spreadsheet_id and reports.credentials_file required when sheets are enabled")
	}
	return nil
}

// IsParcel reports whether table is the takeaway/delivery slot
func (t TablesConfig) IsParcel(table string) bool {
	return t.Parcel != "" && strings.EqualFold(t.Parcel, table)
}

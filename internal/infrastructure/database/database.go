package database

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tarikibrahimovic/NLB-Payments/internal/config"
	"github.com/tarikibrahimovic/NLB-Payments/internal/model"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database. Lock waits are bounded by
// LockTimeoutSeconds on both drivers so a blocked locking read fails instead
// of hanging.
func Open(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverMySQL:
		dialector = mysql.Open(MySQLDSN(cfg))
	case config.DriverPostgres:
		dialector = postgres.Open(PostgresDSN(cfg))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(ParseLogLevel(cfg.LogLevel)),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	// pool
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Printf("[Database] connected to %s %s:%d/%s", cfg.Driver, cfg.Host, cfg.Port, cfg.Name)
	return db, nil
}

// MySQLDSN builds the go-sql-driver DSN. innodb_lock_wait_timeout is sent as
// a session variable on every new connection.
func MySQLDSN(cfg *config.DatabaseConfig) string {
	c := mysqldriver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c.DBName = cfg.Name
	c.ParseTime = true
	c.Loc = time.Local
	c.Params = map[string]string{
		"charset":                  "utf8mb4",
		"innodb_lock_wait_timeout": strconv.Itoa(cfg.LockTimeoutSeconds),
	}
	return c.FormatDSN()
}

// PostgresDSN builds a keyword/value DSN for pgx. lock_timeout is passed as a
// runtime parameter in milliseconds.
func PostgresDSN(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable lock_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name, cfg.LockTimeoutSeconds*1000)
}

func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// AutoMigrate creates or updates every table the service owns.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Account{},
		&model.PaymentOrder{},
		&model.PaymentOrderItem{},
		&model.Transaction{},
		&model.IntegrationFailure{},
		&model.OutboxMessage{},
	)
}

// ============================================================================
// Unit of work
// ============================================================================

// TxManager runs a function inside one database transaction. fn receives the
// transaction handle explicitly; every repository call that must be part of
// the unit of work is given that handle.
type TxManager struct {
	db *gorm.DB
}

func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

// WithinTx commits when fn returns nil and rolls back on any error or panic.
func (m *TxManager) WithinTx(ctx context.Context, fn func(ctx context.Context, tx *gorm.DB) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, tx)
	})
}

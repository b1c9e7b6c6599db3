package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/storefront/pkg/config"
	"github.com/example/storefront/pkg/models"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// ErrDuplicateKey is returned when an insert or update hits a unique index.
var ErrDuplicateKey = errors.New("duplicate key")

// Store is the gorm-backed persistence for products, carts and orders. A
// Store obtained inside Transaction is bound to that transaction.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to the configured database and migrates the schema.
func Open(cfg *config.Config, logger *zap.Logger) (*gorm.DB, error) {
	switch cfg.Database.Driver {
	case "mysql":
		db, err := gorm.Open(mysql.Open(cfg.MySQL.DSN()), gormConfig(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get MySQL pool: %w", err)
		}
		sqlDB.SetMaxIdleConns(cfg.MySQL.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MySQL.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(time.Hour)
		if err := Migrate(db); err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", cfg.Database.SQLitePath)
		return OpenSQLite(dsn, logger)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}

// OpenSQLite opens a SQLite database (file or in-memory DSN) and migrates it.
// SQLite allows a single writer, so the pool is capped at one connection and
// concurrent transactions queue for it.
func OpenSQLite(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQLite pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Product{},
		&models.Cart{},
		&models.CartItem{},
		&models.Order{},
		&models.OrderItem{},
	); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

func gormConfig(logger *zap.Logger) *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
}

// Transaction runs fn inside a database transaction. fn must only use the
// Store it receives; the transaction is rolled back if fn returns an error or
// ctx is cancelled.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "Duplicate entry")
}

func wrapWrite(err error, action string) error {
	if isDuplicateKey(err) {
		return fmt.Errorf("failed to %s: %w", action, ErrDuplicateKey)
	}
	return fmt.Errorf("failed to %s: %w", action, err)
}

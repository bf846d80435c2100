package database

import (
	"context"
	"fmt"

	"github.com/ksred/ordersync/internal/database/migrations"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options selects the backing store
type Options struct {
	Driver string // sqlite or postgres
	DSN    string
	Debug  bool
}

// NewDatabase initializes and returns a new GORM DB connection with the
// order queue schema migrated
func NewDatabase(opt Options) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch opt.Driver {
	case "", "sqlite":
		dialector = sqlite.Open(opt.DSN)
	case "postgres":
		dialector = postgres.Open(opt.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", opt.Driver)
	}

	config := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if opt.Debug {
		config.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, err
	}

	if opt.Driver == "" || opt.Driver == "sqlite" {
		// sqlite permits a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate runs all schema migrations in order
func Migrate(db *gorm.DB) error {
	if err := migrations.CreateOrderRecords(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddOrderRecordIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the underlying connection pool
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks that the store is reachable
func Ping(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

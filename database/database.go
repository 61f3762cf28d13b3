package database

import (
	"fmt"

	"invoicekits/config"
	"invoicekits/logger"
	"invoicekits/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var DB *gorm.DB

var logLevels = map[string]gormlogger.LogLevel{
	"silent": gormlogger.Silent,
	"error":  gormlogger.Error,
	"warn":   gormlogger.Warn,
	"info":   gormlogger.Info,
}

// Models lists every table, in migration order.
func Models() []interface{} {
	return []interface{}{
		&models.Account{},
		&models.User{},
		&models.Client{},
		&models.RecurringInvoice{},
		&models.RecurringLineItem{},
		&models.Invoice{},
		&models.LineItem{},
		&models.LateFeeLog{},
		&models.PaymentEvent{},
	}
}

// ConnectDatabase opens the configured database, migrates it and stores the
// handle in DB.
func ConnectDatabase(cfg config.DatabaseConfig) error {
	db, err := Open(cfg)
	if err != nil {
		return err
	}

	logger.L.Info("Running database migrations...")
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to auto migrate database: %w", err)
	}
	logger.L.Info("Database migration completed!")

	DB = db
	return nil
}

func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	level, ok := logLevels[cfg.LogLevel]
	if !ok {
		level = gormlogger.Warn
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// An in-memory sqlite database lives and dies with its connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// OpenInMemory returns a migrated, private sqlite database. Used by tests.
func OpenInMemory() (*gorm.DB, error) {
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: "file::memory:", LogLevel: "silent"})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	return db, nil
}

// ClearDBAndMigrate drops all tables and re-runs migrations.
// This is primarily for development/testing purposes.
func ClearDBAndMigrate() error {
	logger.L.Info("Clearing database...")
	if err := DB.Migrator().DropTable(Models()...); err != nil {
		logger.L.Errorf("Failed to drop tables: %v", err)
		return fmt.Errorf("failed to drop tables: %w", err)
	}

	logger.L.Info("Database cleared. Running migrations again...")
	if err := DB.AutoMigrate(Models()...); err != nil {
		logger.L.Errorf("Failed to re-migrate database: %v", err)
		return fmt.Errorf("failed to re-migrate database: %w", err)
	}
	logger.L.Info("Database re-migrated successfully!")
	return nil
}

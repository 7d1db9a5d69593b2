package database

import (
	"fmt"
	"time"

	"bookshelf/pkg/config"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// CatalogModels are the tables owned by the catalog service.
var CatalogModels = []interface{}{&models.Book{}, &models.BookRating{}}

// ShelfModels are the tables owned by the shelf service.
var ShelfModels = []interface{}{&models.ShelfEntry{}, &models.ReadingSession{}, &models.ReadingGoal{}}

// Open connects to Postgres, retrying while the server comes up, sizes the
// pool and migrates the given models.
func Open(cfg config.DatabaseConfig, log *logger.Logger, tables ...interface{}) (*gorm.DB, error) {
	log.Info("connecting to database", "host", cfg.Host, "port", cfg.Port, "name", cfg.Name)

	attempts := max(1, cfg.ConnectAttempts)
	var (
		db  *gorm.DB
		err error
	)
	for i := 1; i <= attempts; i++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
			TranslateError: true,
		})
		if err == nil {
			break
		}
		log.Warn("database not ready", "attempt", i, "of", attempts, "error", err)
		if i < attempts {
			time.Sleep(cfg.ConnectDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to database after %d attempts: %w", attempts, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.AutoMigrate(tables...); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	log.Info("database connection established")
	return db, nil
}

// OpenInMemory opens a private in-memory SQLite database with the given models
// migrated. Foreign keys are enforced so cascades behave as on Postgres.
func OpenInMemory(tables ...interface{}) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open("file::memory:?_foreign_keys=on"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	// Every new connection would get its own empty database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(tables...); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return db, nil
}

// Ping reports whether the database answers.
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

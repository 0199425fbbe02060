package db

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"soundsync/config"
	"soundsync/logger"
	"soundsync/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SchemaVersion is the catalog schema version. Bumping it drops and recreates
// the sounds table on the next start; there is no in-place migration.
const SchemaVersion = 5

// Connect opens the catalog database selected by cfg.DBDriver.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DBDriver {
	case "mysql":
		// clientFoundRows makes UPDATE report matched rows, like SQLite does
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&clientFoundRows=true",
			cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)
		return open(mysql.Open(dsn), gormlogger.Warn, 10)
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return OpenSQLite(cfg.DBPath, gormlogger.Warn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
}

// OpenSQLite opens a SQLite catalog at path.
func OpenSQLite(path string, level gormlogger.LogLevel) (*gorm.DB, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	// a single connection serialises writers
	return open(sqlite.Open(dsn), level, 1)
}

func open(dialector gorm.Dialector, level gormlogger.LogLevel, maxOpen int) (*gorm.DB, error) {
	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database with GORM: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxOpen)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// Close closes the underlying connection pool.
func Close(gdb *gorm.DB) error {
	if gdb == nil {
		return nil
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Migrate brings the schema to SchemaVersion. It reports reset=true when the
// sounds table was dropped, in which case the caller must also reset the
// sync watermark or the emptied catalog would never be refilled.
func Migrate(gdb *gorm.DB) (reset bool, err error) {
	if err := gdb.AutoMigrate(&model.SchemaMeta{}, &model.Preference{}); err != nil {
		return false, fmt.Errorf("failed to migrate metadata tables: %w", err)
	}

	stored := 0
	var meta model.SchemaMeta
	err = gdb.First(&meta, "id = ?", 1).Error
	switch {
	case err == nil:
		stored = meta.Version
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, fmt.Errorf("failed to read schema version: %w", err)
	}

	if stored != SchemaVersion {
		migrator := gdb.Migrator()
		if migrator.HasTable(&model.Sound{}) {
			if err := migrator.DropTable(&model.Sound{}); err != nil {
				return false, fmt.Errorf("failed to drop sounds table: %w", err)
			}
			reset = true
			logger.Warn("sounds table dropped for schema upgrade",
				logger.Int("from", stored),
				logger.Int("to", SchemaVersion))
		}
	}

	if err := gdb.AutoMigrate(&model.Sound{}); err != nil {
		return reset, fmt.Errorf("failed to migrate sounds table: %w", err)
	}

	if stored != SchemaVersion {
		if err := gdb.Save(&model.SchemaMeta{ID: 1, Version: SchemaVersion}).Error; err != nil {
			return reset, fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return reset, nil
}

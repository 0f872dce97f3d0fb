package db

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/arencloud/bucketbridge/internal/config"
	"github.com/arencloud/bucketbridge/internal/logging"
	"github.com/arencloud/bucketbridge/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// DB is nil when persistence is disabled (DB_DRIVER=none).
var DB *gorm.DB

func Init(cfg *config.Config, logger logging.Logger) error {
	// Configure GORM to use our structured logger so SQL logs are not plain text
	var gormLevel gormlogger.LogLevel
	switch strings.ToLower(logging.GetLevel()) {
	case "debug":
		gormLevel = gormlogger.Info // log SQL traces at debug level
	case "error", "fatal":
		gormLevel = gormlogger.Error
	default:
		gormLevel = gormlogger.Warn
	}
	gormLogger := newGormLogger(logger, gormLevel)

	var dialector gorm.Dialector
	driver := strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	switch driver {
	case "none", "off", "disabled":
		logger.Info("db disabled", "driver", driver)
		DB = nil
		return nil
	case "postgres", "postgresql":
		// Use PostgreSQL via DATABASE_URL / DB_DSN
		if cfg.DBDsn == "" {
			return &os.PathError{Op: "open", Path: "DATABASE_URL/DB_DSN", Err: os.ErrInvalid}
		}
		dialector = postgres.Open(cfg.DBDsn)
		logger.Info("db connect", "driver", "postgres")
	default:
		// Default to sqlite
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return err
		}
		dialector = sqlite.Open(cfg.DBPath)
		logger.Info("db connect", "driver", "sqlite", "path", cfg.DBPath)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
	if err != nil {
		return err
	}
	if err := Migrate(gdb); err != nil {
		return err
	}
	DB = gdb
	return nil
}

func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.ContainerRecord{}, &models.TraceRow{}, &models.TraceEventRow{})
}

// SyncContainers upserts the live listing of backend and prunes rows that are
// no longer visible.
func SyncContainers(gdb *gorm.DB, backend string, live []models.ContainerRecord, now time.Time) error {
	return gdb.Transaction(func(tx *gorm.DB) error {
		names := make([]string, 0, len(live))
		for _, rec := range live {
			rec.ID = 0
			rec.Backend = backend
			rec.SyncedAt = now
			names = append(names, rec.Name)
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "backend"}, {Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"role", "is_public", "synced_at", "updated_at"}),
			}).Create(&rec).Error
			if err != nil {
				return err
			}
		}
		// prune containers in DB that are not present live
		q := tx.Where("backend = ?", backend)
		if len(names) > 0 {
			q = q.Where("name NOT IN ?", names)
		}
		return q.Delete(&models.ContainerRecord{}).Error
	})
}

// Containers returns the persisted snapshot of backend ordered by name.
func Containers(gdb *gorm.DB, backend string) ([]models.ContainerRecord, error) {
	var rows []models.ContainerRecord
	err := gdb.Where("backend = ?", backend).Order("name asc").Find(&rows).Error
	return rows, err
}

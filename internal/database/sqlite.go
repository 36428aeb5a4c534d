package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/users"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

// Models lists every table of the service.
func Models() []any {
	models := []any{&repository.Node{}, &migrationRecord{}}
	models = append(models, nodetype.Models()...)
	models = append(models, workflow.Models()...)
	return append(models, users.Models()...)
}

func newGormLogger() gormlogger.Interface {
	return gormlogger.New(log.New(os.Stderr, "\r\n", log.LstdFlags), gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return nil, err
	}

	if err := applyMigrations(ctx, db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

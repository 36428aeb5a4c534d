package database

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

const migrationSeedContentTree = "2026-03-01_seed_content_tree"

// ContentPath is the root folder of authored documents.
const ContentPath = "/content"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(context.Context, *gorm.DB) error
}

func applyMigrations(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationSeedContentTree, apply: seedContentTree},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := repository.FindOne(db.WithContext(ctx).Where("name = ?", migration.name), &record)
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(ctx, db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.WithContext(ctx).Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// seedContentTree creates the structural nodes every deployment starts from.
func seedContentTree(ctx context.Context, db *gorm.DB) error {
	return repository.Seed(ctx, db, nil, time.Now(), []repository.SeedNode{
		{Path: repository.RootPath, Type: nodetype.BuiltinRef(nodetype.RepRoot)},
		{Path: ContentPath, Type: nodetype.BuiltinRef(nodetype.HippoStdFolder)},
		{Path: initialize.ConfigurationPath, Type: nodetype.BuiltinRef(nodetype.HippoSysConfiguration)},
		{Path: initialize.FolderPath, Type: nodetype.BuiltinRef(nodetype.HippoSysInitializeFolder)},
		{Path: workflow.WorkflowsPath, Type: nodetype.BuiltinRef(nodetype.HippoSysWorkflowFolder)},
	})
}

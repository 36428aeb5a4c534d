package migration

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/metrics"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/tracing"
)

const (
	// SystemUser owns the sessions the migrator opens.
	SystemUser = "system:migration"

	defaultBatchSize = 100
)

var (
	errMissingRepository = errors.New("migration: repository is required")
	errMissingRegistry   = errors.New("migration: registry is required")
	errInstanceChanged   = errors.New("migration: instance changed type concurrently")
)

// Config describes the dependencies of a Migrator.
type Config struct {
	Repository *repository.Repository
	Registry   *nodetype.Registry
	Logger     *zap.Logger
	Tracer     trace.Tracer
	Metrics    *metrics.Metrics
	BatchSize  int
}

// Migrator rewrites instances of an old type version to a new one.
type Migrator struct {
	repo      *repository.Repository
	registry  *nodetype.Registry
	logger    *zap.Logger
	tracer    trace.Tracer
	metrics   *metrics.Metrics
	batchSize int
}

// Failure records one instance left in its pre-migration state.
type Failure struct {
	NodeID string
	Path   string
	Err    error
}

// Report summarises a migration run.
type Report struct {
	Migrated int
	Failed   int
	Failures []Failure
}

// NewMigrator constructs a Migrator.
func NewMigrator(cfg Config) (*Migrator, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Migrator{
		repo:      cfg.Repository,
		registry:  cfg.Registry,
		logger:    logger,
		tracer:    tracing.TracerOrNoop(cfg.Tracer),
		metrics:   cfg.Metrics,
		batchSize: batchSize,
	}, nil
}

// PlanFor detects the differences between two registered type versions and builds the plan.
func (m *Migrator) PlanFor(ctx context.Context, oldRef, newRef repository.TypeRef, hints PlanHints) (Plan, []MemberDiff, error) {
	previous, err := m.registry.Describe(ctx, oldRef)
	if err != nil {
		return Plan{}, nil, err
	}
	next, err := m.registry.Describe(ctx, newRef)
	if err != nil {
		return Plan{}, nil, err
	}
	target, err := m.registry.Effective(ctx, newRef)
	if err != nil {
		return Plan{}, nil, err
	}
	diffs := Detect(previous.Definition, next.Definition)
	return BuildPlan(diffs, target, hints), diffs, nil
}

// MigrateType plans and runs the migration between two registered type versions.
func (m *Migrator) MigrateType(ctx context.Context, oldRef, newRef repository.TypeRef, hints PlanHints) (Report, error) {
	plan, _, err := m.PlanFor(ctx, oldRef, newRef, hints)
	if err != nil {
		return Report{}, err
	}
	return m.Migrate(ctx, oldRef, newRef, plan)
}

// Migrate applies plan to every instance of oldRef and rebinds it to newRef in place. Each
// instance is saved in its own transaction; a failing instance keeps its old state, is
// logged, and does not stop the run. Instances created after the scan passes them are not
// visited.
func (m *Migrator) Migrate(ctx context.Context, oldRef, newRef repository.TypeRef, plan Plan) (Report, error) {
	ctx, span := m.tracer.Start(ctx, "migration.migrate", trace.WithAttributes(
		attribute.String("migration.old_type", oldRef.String()),
		attribute.String("migration.new_type", newRef.String()),
	))
	defer span.End()

	if err := m.registry.ResolveRef(ctx, newRef); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "target type not registered")
		return Report{}, err
	}

	var report Report
	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		batch, err := m.repo.FindByType(ctx, oldRef, afterID, m.batchSize)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "instance scan failed")
			return report, err
		}
		if len(batch) == 0 {
			break
		}
		for _, stored := range batch {
			afterID = stored.ID
			err := m.migrateInstance(ctx, stored.ID, oldRef, newRef, plan)
			switch {
			case err == nil:
				report.Migrated++
			case errors.Is(err, errInstanceChanged):
			default:
				report.Failed++
				report.Failures = append(report.Failures, Failure{NodeID: stored.ID, Path: stored.Path, Err: err})
				m.logger.Warn("instance migration failed",
					zap.String("node_id", stored.ID),
					zap.String("path", stored.Path),
					zap.String("old_type", oldRef.String()),
					zap.String("new_type", newRef.String()),
					zap.Error(err),
				)
			}
		}
	}

	m.metrics.RecordMigration("migrated", report.Migrated)
	m.metrics.RecordMigration("failed", report.Failed)
	span.SetAttributes(
		attribute.Int("migration.migrated", report.Migrated),
		attribute.Int("migration.failed", report.Failed),
	)
	m.logger.Info("type migration finished",
		zap.String("old_type", oldRef.String()),
		zap.String("new_type", newRef.String()),
		zap.Int("migrated", report.Migrated),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (m *Migrator) migrateInstance(ctx context.Context, id string, oldRef, newRef repository.TypeRef, plan Plan) error {
	session := m.repo.Login(SystemUser)
	node, err := session.GetNodeByID(ctx, id)
	if errors.Is(err, repository.ErrItemNotFound) {
		return errInstanceChanged
	}
	if err != nil {
		return err
	}
	if node.Ref() != oldRef {
		return errInstanceChanged
	}

	properties, dropped := plan.Apply(node.CopyProperties())
	if err := session.ReplaceProperties(node, properties); err != nil {
		return err
	}
	if len(plan.Children) > 0 {
		children, err := session.Children(ctx, node)
		if err != nil {
			return err
		}
		for _, child := range children {
			if plan.DropsChild(child.Name) {
				session.RemoveNode(child)
			}
		}
	}
	if err := session.SetPrimaryType(node, newRef); err != nil {
		return err
	}
	if err := session.Save(ctx); err != nil {
		return err
	}
	if len(dropped) > 0 {
		m.logger.Debug("dropped properties during migration",
			zap.String("node_id", id),
			zap.Strings("properties", dropped),
		)
	}
	return nil
}

package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Schema resolves type names and validates nodes against their definitions. It is
// implemented by the node type registry.
type Schema interface {
	ResolveNodeType(ctx context.Context, name string) (TypeRef, error)
	ValidateNode(ctx context.Context, node *Node) error
	ValidateChild(ctx context.Context, parent *Node, child *Node) error
}

// Config describes the dependencies of a Repository.
type Config struct {
	Database          *gorm.DB
	Schema            Schema
	Logger            *zap.Logger
	Clock             func() time.Time
	IDProvider        IDProvider
	ObservationBuffer int
}

// Repository owns the shared content graph. Callers access it through sessions.
type Repository struct {
	db          *gorm.DB
	schema      Schema
	logger      *zap.Logger
	clock       func() time.Time
	ids         IDProvider
	observation *ObservationManager
}

// New constructs a Repository. A nil schema accepts every type name without validation.
func New(cfg Config) (*Repository, error) {
	if cfg.Database == nil {
		return nil, newError(opRepositoryNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	schema := cfg.Schema
	if schema == nil {
		schema = permissiveSchema{}
	}
	return &Repository{
		db:          cfg.Database,
		schema:      schema,
		logger:      logger,
		clock:       clock,
		ids:         ids,
		observation: NewObservationManager(cfg.ObservationBuffer),
	}, nil
}

// Login opens a session for userID.
func (r *Repository) Login(userID string) *Session {
	return newSession(r, userID)
}

// Observation exposes the change notification fan-out.
func (r *Repository) Observation() *ObservationManager {
	return r.observation
}

// Database exposes the underlying handle for collaborators that keep their own tables.
func (r *Repository) Database() *gorm.DB {
	return r.db
}

// FindOne loads at most one row of query into dest. A miss is reported as
// gorm.ErrRecordNotFound without gorm logging it.
func FindOne(query *gorm.DB, dest any) error {
	result := query.Limit(1).Find(dest)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FindByType scans the live instance index for nodes of ref in identifier order, starting
// after afterID. Nodes added concurrently with a scan may be missed.
func (r *Repository) FindByType(ctx context.Context, ref TypeRef, afterID string, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 100
	}
	var nodes []Node
	err := r.db.WithContext(ctx).
		Where("primary_type = ? AND type_namespace = ? AND node_id > ?", ref.Name, ref.Namespace, afterID).
		Order("node_id ASC").
		Limit(limit).
		Find(&nodes).Error
	if err != nil {
		r.logError(opFindByType, "query_failed", err, zap.String("type", ref.String()))
		return nil, newError(opFindByType, "query_failed", err)
	}
	return nodes, nil
}

// CountByType returns the number of persisted nodes whose primary type is ref.
func (r *Repository) CountByType(ctx context.Context, ref TypeRef) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Node{}).
		Where("primary_type = ? AND type_namespace = ?", ref.Name, ref.Namespace).
		Count(&count).Error
	if err != nil {
		r.logError(opFindByType, "count_failed", err, zap.String("type", ref.String()))
		return 0, newError(opFindByType, "count_failed", err)
	}
	return count, nil
}

// SeedNode describes a structural node created without schema validation.
type SeedNode struct {
	Path string
	Type TypeRef
}

// Seed creates the listed nodes when their paths do not exist yet. Parents must precede
// children; the root path is created without a parent.
func Seed(ctx context.Context, db *gorm.DB, ids IDProvider, now time.Time, nodes []SeedNode) error {
	if db == nil {
		return newError(opSeed, "missing_database", errMissingDatabase)
	}
	if ids == nil {
		ids = NewUUIDProvider()
	}
	ordered := append([]SeedNode(nil), nodes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].Path) < len(ordered[j].Path)
	})
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, seed := range ordered {
			path, err := NormalizePath(seed.Path)
			if err != nil {
				return newError(opSeed, "invalid_path", err)
			}
			var existing Node
			err = FindOne(tx.Where("path = ?", path), &existing)
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return newError(opSeed, "lookup_failed", err)
			}
			parentID := ""
			name := ""
			if path != RootPath {
				var parent Node
				if err := tx.Where("path = ?", ParentPath(path)).Take(&parent).Error; err != nil {
					return newError(opSeed, "parent_missing", err)
				}
				parentID = parent.ID
				name = path[len(JoinPath(parent.Path, "")):]
			}
			id, err := ids.NewID()
			if err != nil {
				return newError(opSeed, "id_generation_failed", err)
			}
			node := Node{
				ID:               id,
				ParentID:         parentID,
				Name:             name,
				Path:             path,
				PrimaryType:      seed.Type.Name,
				TypeNamespace:    seed.Type.Namespace,
				Properties:       map[string]any{},
				Version:          1,
				CreatedAtSeconds: now.UTC().Unix(),
				UpdatedAtSeconds: now.UTC().Unix(),
			}
			if err := tx.Create(&node).Error; err != nil {
				return newError(opSeed, "insert_failed", err)
			}
		}
		return nil
	})
}

func (r *Repository) loggerOrDefault() *zap.Logger {
	if r == nil || r.logger == nil {
		return noOpLogger
	}
	return r.logger
}

func (r *Repository) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.loggerOrDefault().Error("repository error", attrs...)
}

type permissiveSchema struct{}

func (permissiveSchema) ResolveNodeType(_ context.Context, name string) (TypeRef, error) {
	if name == "" {
		return TypeRef{}, ErrNoSuchNodeType
	}
	return TypeRef{Name: name}, nil
}

func (permissiveSchema) ValidateNode(context.Context, *Node) error { return nil }

func (permissiveSchema) ValidateChild(context.Context, *Node, *Node) error { return nil }

package initialize

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/metrics"
	"github.com/onehippo/hippo-repository/internal/migration"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/syncguard"
	"github.com/onehippo/hippo-repository/internal/tracing"
)

const (
	// SystemUser owns the sessions the watcher opens.
	SystemUser = "system:initialize"

	defaultSweepInterval = 30 * time.Second

	opProcess = "initialize.process"
	opSweep   = "initialize.sweep"
)

var (
	errMissingRepository = errors.New("initialize: repository is required")
	errMissingRegistry   = errors.New("initialize: registry is required")
	errMissingMigrator   = errors.New("initialize: migrator is required")
)

// Config describes the dependencies of a Watcher.
type Config struct {
	Repository    *repository.Repository
	Registry      *nodetype.Registry
	Migrator      *migration.Migrator
	Resources     ResourceLoader
	Guard         *syncguard.Guard
	Logger        *zap.Logger
	Tracer        trace.Tracer
	Metrics       *metrics.Metrics
	SweepInterval time.Duration
	Clock         func() time.Time
}

// Watcher processes initialize items. Writes below FolderPath trigger a sweep; a periodic
// sweep picks up anything a missed notification left behind.
type Watcher struct {
	repo          *repository.Repository
	registry      *nodetype.Registry
	migrator      *migration.Migrator
	resources     ResourceLoader
	guard         *syncguard.Guard
	logger        *zap.Logger
	tracer        trace.Tracer
	metrics       *metrics.Metrics
	sweepInterval time.Duration
	clock         func() time.Time

	startOnce sync.Once
	done      chan struct{}
}

// NewWatcher constructs a Watcher.
func NewWatcher(cfg Config) (*Watcher, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Migrator == nil {
		return nil, errMissingMigrator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	guard := cfg.Guard
	if guard == nil {
		guard = syncguard.New(0, clock)
	}
	resources := cfg.Resources
	if resources == nil {
		resources = FileResourceLoader{Root: "."}
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Watcher{
		repo:          cfg.Repository,
		registry:      cfg.Registry,
		migrator:      cfg.Migrator,
		resources:     resources,
		guard:         guard,
		logger:        logger,
		tracer:        tracing.TracerOrNoop(cfg.Tracer),
		metrics:       cfg.Metrics,
		sweepInterval: interval,
		clock:         clock,
		done:          make(chan struct{}),
	}, nil
}

// Start subscribes to initialize writes and runs the watcher loop until ctx ends. Calling
// Start more than once has no effect.
func (w *Watcher) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		events, unsubscribe := w.repo.Observation().Subscribe(ctx, FolderPath)
		go func() {
			defer close(w.done)
			defer unsubscribe()
			w.loop(ctx, events)
		}()
	})
}

// Done is closed once a started watcher has stopped.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) loop(ctx context.Context, events <-chan repository.ChangeEvent) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	w.sweepAndLog(ctx, true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			drain(events)
			w.sweepAndLog(ctx, true)
		case <-ticker.C:
			w.sweepAndLog(ctx, false)
		}
	}
}

func drain(events <-chan repository.ChangeEvent) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

func (w *Watcher) sweepAndLog(ctx context.Context, force bool) {
	if _, err := w.Sweep(ctx, force); err != nil && ctx.Err() == nil {
		w.logError(opSweep, "sweep_failed", err)
	}
}

// Sweep processes every pending item in sequence order. Only one sweep runs at a time;
// an unforced sweep inside the guard's cache window is skipped. It reports whether the
// sweep ran. Item failures are recorded on the item and do not fail the sweep.
func (w *Watcher) Sweep(ctx context.Context, force bool) (bool, error) {
	return w.guard.Run(ctx, force, w.sweep)
}

func (w *Watcher) sweep(ctx context.Context) error {
	w.metrics.RecordSweep()
	paths, err := w.pendingPaths(ctx)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.ProcessItem(ctx, path); err != nil {
			w.logger.Warn("initialize item failed", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}

func (w *Watcher) pendingPaths(ctx context.Context) ([]string, error) {
	session := w.repo.Login(SystemUser)
	folder, err := session.GetNode(ctx, FolderPath)
	if errors.Is(err, repository.ErrItemNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	children, err := session.Children(ctx, folder)
	if err != nil {
		return nil, err
	}
	pending := make([]*repository.Node, 0, len(children))
	for _, child := range children {
		if IsPending(child) {
			pending = append(pending, child)
		}
	}
	sortItems(pending)
	paths := make([]string, 0, len(pending))
	for _, item := range pending {
		paths = append(paths, item.Path)
	}
	return paths, nil
}

// ProcessItem registers the definitions carried by the item at path, migrates instances
// of types whose namespace moved, and retires the item. A failure marks the item failed
// and keeps its trigger properties; rewriting the item re-arms it.
func (w *Watcher) ProcessItem(ctx context.Context, path string) error {
	ctx, span := w.tracer.Start(ctx, "initialize.process_item", trace.WithAttributes(attribute.String("initialize.item", path)))
	defer span.End()

	session := w.repo.Login(SystemUser)
	item, err := session.GetNode(ctx, path)
	if err != nil {
		return err
	}
	if !IsPending(item) {
		return nil
	}
	if err := session.SetProperty(item, PropStatus, StatusProcessing); err != nil {
		return err
	}
	if err := session.Save(ctx); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			w.logger.Debug("initialize item claimed elsewhere", zap.String("path", path))
			return nil
		}
		return err
	}
	w.metrics.RecordInitializeItem(StatusProcessing)

	summary, processErr := w.apply(ctx, item)
	if processErr != nil {
		span.RecordError(processErr)
		span.SetStatus(codes.Error, "initialize item failed")
		if err := w.markFailed(ctx, path, processErr); err != nil {
			return errors.Join(processErr, err)
		}
		w.metrics.RecordInitializeItem(StatusFailed)
		return processErr
	}

	if err := session.RemoveProperty(item, PropNodeTypes); err != nil {
		return err
	}
	if err := session.RemoveProperty(item, PropNodeTypesResource); err != nil {
		return err
	}
	if summary != "" {
		if err := session.SetProperty(item, PropErrorMessage, summary); err != nil {
			return err
		}
	} else if err := session.RemoveProperty(item, PropErrorMessage); err != nil {
		return err
	}
	if err := session.SetProperty(item, PropStatus, StatusDone); err != nil {
		return err
	}
	if err := session.SetProperty(item, PropProcessedAt, w.clock().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	if err := session.Save(ctx); err != nil {
		w.logError(opProcess, "retire_failed", err, zap.String("path", path))
		return err
	}
	w.metrics.RecordInitializeItem(StatusDone)
	w.logger.Info("initialize item processed", zap.String("path", path))
	return nil
}

// apply registers the item's definitions and migrates content. The returned summary notes
// instances left behind by the migration.
func (w *Watcher) apply(ctx context.Context, item *repository.Node) (string, error) {
	cndText, err := w.definition(ctx, item)
	if err != nil {
		return "", err
	}
	renames, err := ParseConversions(item.StringsProperty(PropConversion))
	if err != nil {
		return "", err
	}
	result, err := w.registry.Register(ctx, cndText)
	if err != nil {
		w.metrics.RecordRegistration("rejected", 1)
		return "", err
	}
	w.metrics.RecordRegistration("registered", len(result.Registered))
	w.metrics.RecordRegistration("redefined", len(result.Redefined))
	w.metrics.RecordRegistration("unchanged", len(result.Unchanged))

	if expected := item.StringProperty(PropNamespace); expected != "" && !w.declaresNamespace(ctx, expected) {
		w.logger.Warn("initialize item namespace not current after registration",
			zap.String("path", item.Path),
			zap.String("namespace", expected),
		)
	}

	failed := 0
	for _, remap := range result.Remaps {
		count, err := w.migrateNamespace(ctx, remap, migration.PlanHints{Renames: renames})
		if err != nil {
			return "", err
		}
		failed += count
	}
	if failed > 0 {
		return fmt.Sprintf("%d instances could not be migrated", failed), nil
	}
	return "", nil
}

func (w *Watcher) definition(ctx context.Context, item *repository.Node) (string, error) {
	if text := item.StringProperty(PropNodeTypes); text != "" {
		return text, nil
	}
	if reference := item.StringProperty(PropNodeTypesResource); reference != "" {
		return w.resources.Load(ctx, reference)
	}
	return "", errMissingDefinition
}

func (w *Watcher) declaresNamespace(ctx context.Context, uri string) bool {
	namespaces, err := w.registry.Namespaces(ctx)
	if err != nil {
		return false
	}
	for _, namespace := range namespaces {
		if namespace.URI == uri {
			return true
		}
	}
	return false
}

// migrateNamespace moves the instances of every type of the old namespace version to the
// same-named type of the new version, then unregisters old types left without instances.
// It returns the number of instances that could not be migrated.
func (w *Watcher) migrateNamespace(ctx context.Context, remap nodetype.NamespaceRemap, hints migration.PlanHints) (int, error) {
	oldRefs, err := w.registry.ReverseIndex(ctx, remap.OldURI)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, oldRef := range oldRefs {
		newRef := repository.TypeRef{Name: oldRef.Name, Namespace: remap.NewURI}
		if err := w.registry.ResolveRef(ctx, newRef); err != nil {
			if errors.Is(err, repository.ErrNoSuchNodeType) {
				w.logger.Warn("type has no successor in the new namespace version",
					zap.String("type", oldRef.String()),
					zap.String("namespace", remap.NewURI),
				)
				continue
			}
			return failed, err
		}
		report, err := w.migrator.MigrateType(ctx, oldRef, newRef, hints)
		if err != nil {
			return failed, err
		}
		failed += report.Failed
	}
	w.retire(ctx, oldRefs)
	return failed, nil
}

// retire unregisters unused old types. Types are retried while progress is made so that
// subtypes go before their supertypes.
func (w *Watcher) retire(ctx context.Context, refs []repository.TypeRef) {
	remaining := append([]repository.TypeRef(nil), refs...)
	for len(remaining) > 0 {
		var next []repository.TypeRef
		for _, ref := range remaining {
			err := w.registry.Unregister(ctx, ref)
			switch {
			case err == nil:
			case errors.Is(err, nodetype.ErrTypeInUse):
				next = append(next, ref)
			default:
				w.logger.Warn("failed to unregister old type version", zap.String("type", ref.String()), zap.Error(err))
			}
		}
		if len(next) == len(remaining) {
			for _, ref := range next {
				w.logger.Info("old type version kept while in use", zap.String("type", ref.String()))
			}
			return
		}
		remaining = next
	}
}

func (w *Watcher) markFailed(ctx context.Context, path string, cause error) error {
	session := w.repo.Login(SystemUser)
	item, err := session.GetNode(ctx, path)
	if err != nil {
		return err
	}
	if err := session.SetProperty(item, PropStatus, StatusFailed); err != nil {
		return err
	}
	if err := session.SetProperty(item, PropErrorMessage, cause.Error()); err != nil {
		return err
	}
	if err := session.Save(ctx); err != nil {
		w.logError(opProcess, "mark_failed", err, zap.String("path", path))
		return err
	}
	return nil
}

func (w *Watcher) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	w.logger.Error("initialize error", attrs...)
}

package bootstrap

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

const systemUser = "system:bootstrap"

var (
	errMissingRepository = errors.New("bootstrap: repository is required")
	errMissingWorkflows  = errors.New("bootstrap: workflow manager is required")
)

// Config describes the dependencies of an Applier.
type Config struct {
	Repository *repository.Repository
	Workflows  *workflow.Manager
	Logger     *zap.Logger
}

// Applier writes manifests into the repository.
type Applier struct {
	repo      *repository.Repository
	workflows *workflow.Manager
	logger    *zap.Logger
}

// Result lists what an Apply call wrote.
type Result struct {
	Categories []string
	Items      []string
}

// NewApplier constructs an Applier.
func NewApplier(cfg Config) (*Applier, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Workflows == nil {
		return nil, errMissingWorkflows
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{repo: cfg.Repository, workflows: cfg.Workflows, logger: logger}, nil
}

// Apply configures the manifest's workflow categories, then stages every initialize item
// in a single save. Items already present are re-armed so the watcher processes them again.
func (a *Applier) Apply(ctx context.Context, manifest Manifest) (Result, error) {
	if err := manifest.Validate(); err != nil {
		return Result{}, err
	}
	var result Result
	for _, category := range manifest.Categories() {
		if err := a.workflows.Configure(ctx, category, manifest.Workflows[category]); err != nil {
			a.logError("configure_category", err, zap.String("category", category))
			return result, err
		}
		result.Categories = append(result.Categories, category)
	}
	if len(manifest.Initialize) == 0 {
		return result, nil
	}

	session := a.repo.Login(systemUser)
	for _, spec := range manifest.Initialize {
		if _, err := initialize.CreateItem(ctx, session, spec.Item()); err != nil {
			a.logError("stage_item", err, zap.String("item", spec.Name))
			return result, err
		}
	}
	if err := session.Save(ctx); err != nil {
		a.logError("save_items", err)
		return result, err
	}
	for _, spec := range manifest.Initialize {
		result.Items = append(result.Items, spec.Name)
	}
	a.logger.Info("bootstrap manifest applied",
		zap.Strings("categories", result.Categories),
		zap.Strings("items", result.Items),
	)
	return result, nil
}

// Wait blocks until the watcher has consumed every item in result.
func Wait(ctx context.Context, repo *repository.Repository, result Result, opts initialize.WaitOptions) error {
	for _, name := range result.Items {
		if err := initialize.Wait(ctx, repo, repository.JoinPath(initialize.FolderPath, name), opts); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) logError(reason string, err error, fields ...zap.Field) {
	base := []zap.Field{
		zap.String("operation", "bootstrap.apply"),
		zap.String("reason", reason),
		zap.Error(err),
	}
	a.logger.Error("bootstrap error", append(base, fields...)...)
}

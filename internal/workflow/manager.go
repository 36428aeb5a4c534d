// Package workflow implements the review-publish document life cycle and the dispatcher
// that binds workflow categories to implementations.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/metrics"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/tracing"
)

const (
	// WorkflowsPath holds one child per workflow category.
	WorkflowsPath = "/hippo:configuration/hippo:workflows"

	PropEntryNodeType  = "hipposys:nodetype"
	PropEntryClassName = "hipposys:classname"
	PropEntryDisplay   = "hipposys:display"

	// Class names of the built-in workflow implementations.
	ClassDocument = "hippo.reviewedactions.document"
	ClassRequest  = "hippo.reviewedactions.request"
	ClassFolder   = "hippo.folder"

	// DefaultCategory is the category the built-in workflows are configured under.
	DefaultCategory = "default"

	configurationUser = "system:workflow-configuration"
	opGetWorkflow     = "getWorkflow"
)

// Workflow is the common surface of every workflow implementation. Callers type-assert to
// the concrete workflow for its operations.
type Workflow interface {
	Hints(ctx context.Context) (map[string]bool, error)
}

// Factory binds a workflow implementation to its subject.
type Factory func(ctx context.Context, binding Binding) (Workflow, error)

// Entry configures one implementation within a category.
type Entry struct {
	Name      string `yaml:"name"`
	NodeType  string `yaml:"nodetype"`
	ClassName string `yaml:"classname"`
	Display   string `yaml:"display,omitempty"`
}

// DefaultEntries returns the configuration of the built-in workflows.
func DefaultEntries() []Entry {
	return []Entry{
		{Name: "folder", NodeType: nodetype.HippoStdFolder, ClassName: ClassFolder, Display: "Folder workflow"},
		{Name: "handle", NodeType: nodetype.HippoHandle, ClassName: ClassDocument, Display: "Reviewed actions"},
		{Name: "request", NodeType: nodetype.HippoStdPubWfRequest, ClassName: ClassRequest, Display: "Request review"},
	}
}

// Config describes the dependencies of a Manager.
type Config struct {
	Repository *repository.Repository
	Registry   *nodetype.Registry
	Logger     *zap.Logger
	Tracer     trace.Tracer
	Metrics    *metrics.Metrics
	Clock      func() time.Time
}

// Manager resolves (category, subject) pairs to bound workflows.
type Manager struct {
	runtime *runtime
	logger  *zap.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewManager constructs a Manager with the built-in implementations registered.
func NewManager(cfg Config) (*Manager, error) {
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
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	manager := &Manager{
		runtime: &runtime{
			repo:     cfg.Repository,
			registry: cfg.Registry,
			clock:    clock,
			logger:   logger,
			tracer:   tracing.TracerOrNoop(cfg.Tracer),
			metrics:  cfg.Metrics,
			guard:    newHandleGuard(),
		},
		logger:    logger,
		factories: map[string]Factory{},
	}
	manager.RegisterFactory(ClassDocument, newDocumentWorkflow)
	manager.RegisterFactory(ClassRequest, newRequestWorkflow)
	manager.RegisterFactory(ClassFolder, newFolderWorkflow)
	return manager, nil
}

// RegisterFactory makes an implementation available under className, replacing any
// previous registration.
func (m *Manager) RegisterFactory(className string, factory Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[className] = factory
}

func (m *Manager) factory(className string) (Factory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	factory, ok := m.factories[className]
	return factory, ok
}

// Configure writes the entries of category, creating the category when needed. Existing
// entries with the same names are overwritten.
func (m *Manager) Configure(ctx context.Context, category string, entries []Entry) error {
	session := m.runtime.repo.Login(configurationUser)
	folder, err := session.GetNode(ctx, WorkflowsPath)
	if err != nil {
		return err
	}
	categoryNode, err := getOrAdd(ctx, session, folder, category, nodetype.HippoSysWorkflowCategory)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		node, err := getOrAdd(ctx, session, categoryNode, entry.Name, nodetype.HippoSysWorkflow)
		if err != nil {
			return err
		}
		properties := map[string]any{
			PropEntryNodeType:  entry.NodeType,
			PropEntryClassName: entry.ClassName,
		}
		if entry.Display != "" {
			properties[PropEntryDisplay] = entry.Display
		}
		if err := session.ReplaceProperties(node, properties); err != nil {
			return err
		}
	}
	if err := session.Save(ctx); err != nil {
		return err
	}
	m.logger.Info("workflow category configured", zap.String("category", category), zap.Int("entries", len(entries)))
	return nil
}

func getOrAdd(ctx context.Context, session *repository.Session, parent *repository.Node, name, nodeType string) (*repository.Node, error) {
	node, err := session.GetNode(ctx, repository.JoinPath(parent.Path, name))
	if errors.Is(err, repository.ErrItemNotFound) {
		return session.AddNode(ctx, parent, name, nodeType)
	}
	return node, err
}

// GetWorkflow returns the workflow of category for subject acting for principal. Entries
// are matched in name order against the subject's type and its supertypes. It returns nil
// and no error when nothing matches.
func (m *Manager) GetWorkflow(ctx context.Context, category string, subject *repository.Node, principal Principal) (Workflow, error) {
	if subject == nil {
		return nil, fmt.Errorf("%w: no subject", repository.ErrItemNotFound)
	}
	session := m.runtime.repo.Login(principal.UserID)
	categoryNode, err := session.GetNode(ctx, repository.JoinPath(WorkflowsPath, category))
	if errors.Is(err, repository.ErrItemNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries, err := session.Children(ctx, categoryNode)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		matches, err := m.runtime.registry.IsNodeType(ctx, subject.Ref(), entry.StringProperty(PropEntryNodeType))
		if err != nil {
			return nil, err
		}
		if !matches {
			continue
		}
		className := entry.StringProperty(PropEntryClassName)
		factory, ok := m.factory(className)
		if !ok {
			return nil, refuse(opGetWorkflow, subject.Path, "no implementation registered for class %q", className)
		}
		workflow, err := factory(ctx, Binding{Category: category, Subject: subject, Principal: principal, runtime: m.runtime})
		if err != nil {
			return nil, &Error{Operation: opGetWorkflow, Path: subject.Path, Message: "cannot instantiate " + className, Err: err}
		}
		return workflow, nil
	}
	return nil, nil
}

var (
	_ Workflow = (*DocumentWorkflow)(nil)
	_ Workflow = (*RequestWorkflow)(nil)
	_ Workflow = (*FolderWorkflow)(nil)
)

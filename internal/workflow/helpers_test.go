package workflow

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
)

const articleCND = `<hippotest='http://www.onehippo.org/jcr/hippotest/nt/1.0'>
[hippotest:article] > hippo:document
  - hippotest:title (string)
`

var (
	alice = Principal{UserID: "alice", Roles: []string{RoleAuthor}}
	bob   = Principal{UserID: "bob", Roles: []string{RoleAuthor}}
	erin  = Principal{UserID: "erin", Roles: []string{RoleEditor}}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type workflowFixture struct {
	db       *gorm.DB
	repo     *repository.Repository
	registry *nodetype.Registry
	manager  *Manager
	clock    *testClock
}

func newWorkflowFixture(t *testing.T) *workflowFixture {
	t.Helper()
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "workflow.db")), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(nodetype.Models(), &repository.Node{})
	models = append(models, Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	registry, err := nodetype.NewRegistry(nodetype.RegistryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	if err := registry.Bootstrap(ctx); err != nil {
		t.Fatalf("failed to bootstrap registry: %v", err)
	}
	if _, err := registry.Register(ctx, articleCND); err != nil {
		t.Fatalf("failed to register article type: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	if err := repository.Seed(ctx, db, nil, clock.Now(), []repository.SeedNode{
		{Path: repository.RootPath, Type: nodetype.BuiltinRef(nodetype.RepRoot)},
		{Path: "/content", Type: nodetype.BuiltinRef(nodetype.HippoStdFolder)},
		{Path: "/hippo:configuration", Type: nodetype.BuiltinRef(nodetype.HippoSysConfiguration)},
		{Path: WorkflowsPath, Type: nodetype.BuiltinRef(nodetype.HippoSysWorkflowFolder)},
	}); err != nil {
		t.Fatalf("failed to seed repository: %v", err)
	}
	repo, err := repository.New(repository.Config{Database: db, Schema: registry, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	manager := newTestManager(t, repo, registry, clock)
	if err := manager.Configure(ctx, DefaultCategory, DefaultEntries()); err != nil {
		t.Fatalf("failed to configure workflows: %v", err)
	}
	return &workflowFixture{db: db, repo: repo, registry: registry, manager: manager, clock: clock}
}

func newTestManager(t *testing.T, repo *repository.Repository, registry *nodetype.Registry, clock *testClock) *Manager {
	t.Helper()
	manager, err := NewManager(Config{Repository: repo, Registry: registry, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct manager: %v", err)
	}
	return manager
}

func (f *workflowFixture) node(t *testing.T, path string) *repository.Node {
	t.Helper()
	node, err := f.repo.Login("reader").GetNode(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return node
}

// createArticle adds a document below /content as alice and returns its handle.
func (f *workflowFixture) createArticle(t *testing.T, name, title string) *repository.Node {
	t.Helper()
	folder := f.folderWorkflow(t, f.node(t, "/content"), alice)
	handle, err := folder.AddDocument(context.Background(), name, "hippotest:article", map[string]any{"hippotest:title": title})
	if err != nil {
		t.Fatalf("failed to add document %s: %v", name, err)
	}
	return handle
}

func (f *workflowFixture) folderWorkflow(t *testing.T, folder *repository.Node, principal Principal) *FolderWorkflow {
	t.Helper()
	wf, err := f.manager.GetWorkflow(context.Background(), DefaultCategory, folder, principal)
	if err != nil {
		t.Fatalf("failed to get folder workflow: %v", err)
	}
	typed, ok := wf.(*FolderWorkflow)
	if !ok {
		t.Fatalf("expected folder workflow, got %T", wf)
	}
	return typed
}

func (f *workflowFixture) documentWorkflow(t *testing.T, handle *repository.Node, principal Principal) *DocumentWorkflow {
	t.Helper()
	return documentWorkflowFrom(t, f.manager, handle, principal)
}

func documentWorkflowFrom(t *testing.T, manager *Manager, handle *repository.Node, principal Principal) *DocumentWorkflow {
	t.Helper()
	wf, err := manager.GetWorkflow(context.Background(), DefaultCategory, handle, principal)
	if err != nil {
		t.Fatalf("failed to get document workflow: %v", err)
	}
	typed, ok := wf.(*DocumentWorkflow)
	if !ok {
		t.Fatalf("expected document workflow, got %T", wf)
	}
	return typed
}

func (f *workflowFixture) requestWorkflow(t *testing.T, handle *repository.Node, principal Principal) *RequestWorkflow {
	t.Helper()
	request := f.node(t, repository.JoinPath(handle.Path, RequestName))
	wf, err := f.manager.GetWorkflow(context.Background(), DefaultCategory, request, principal)
	if err != nil {
		t.Fatalf("failed to get request workflow: %v", err)
	}
	typed, ok := wf.(*RequestWorkflow)
	if !ok {
		t.Fatalf("expected request workflow, got %T", wf)
	}
	return typed
}

func (f *workflowFixture) document(t *testing.T, handleID string) *documentState {
	t.Helper()
	document, err := loadDocument(context.Background(), f.repo.Login("reader"), handleID)
	if err != nil {
		t.Fatalf("failed to load document %s: %v", handleID, err)
	}
	return document
}

type variantSnapshot struct {
	ID         string
	Version    int64
	Properties map[string]any
}

func (f *workflowFixture) snapshot(t *testing.T, handleID string) map[string]variantSnapshot {
	t.Helper()
	snapshot := map[string]variantSnapshot{}
	for state, variant := range f.document(t, handleID).variants {
		snapshot[state] = variantSnapshot{ID: variant.ID, Version: variant.Version, Properties: variant.CopyProperties()}
	}
	return snapshot
}

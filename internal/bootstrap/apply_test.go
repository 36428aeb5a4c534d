package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/migration"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/syncguard"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

const articleManifest = `
initialize:
  - name: hippotest
    nodetypes: |
      <hippotest='http://www.onehippo.org/jcr/hippotest/nt/1.0'>
      [hippotest:article] > hippo:document
        - hippotest:title (string)
workflows:
  default:
    - name: folder
      nodetype: hippostd:folder
      classname: hippo.folder
    - name: handle
      nodetype: hippo:handle
      classname: hippo.reviewedactions.document
`

type bootstrapFixture struct {
	repo     *repository.Repository
	registry *nodetype.Registry
	manager  *workflow.Manager
	watcher  *initialize.Watcher
	applier  *Applier
}

func newBootstrapFixture(t *testing.T, resourceRoot string) bootstrapFixture {
	t.Helper()
	ctx := context.Background()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "bootstrap.db")), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	models := append(nodetype.Models(), &repository.Node{})
	require.NoError(t, db.AutoMigrate(append(models, workflow.Models()...)...))

	registry, err := nodetype.NewRegistry(nodetype.RegistryConfig{Database: db})
	require.NoError(t, err)
	require.NoError(t, registry.Bootstrap(ctx))
	require.NoError(t, repository.Seed(ctx, db, nil, time.Unix(1700000000, 0), []repository.SeedNode{
		{Path: repository.RootPath, Type: nodetype.BuiltinRef(nodetype.RepRoot)},
		{Path: "/content", Type: nodetype.BuiltinRef(nodetype.HippoStdFolder)},
		{Path: initialize.ConfigurationPath, Type: nodetype.BuiltinRef(nodetype.HippoSysConfiguration)},
		{Path: initialize.FolderPath, Type: nodetype.BuiltinRef(nodetype.HippoSysInitializeFolder)},
		{Path: workflow.WorkflowsPath, Type: nodetype.BuiltinRef(nodetype.HippoSysWorkflowFolder)},
	}))
	repo, err := repository.New(repository.Config{Database: db, Schema: registry})
	require.NoError(t, err)
	manager, err := workflow.NewManager(workflow.Config{Repository: repo, Registry: registry})
	require.NoError(t, err)
	migrator, err := migration.NewMigrator(migration.Config{Repository: repo, Registry: registry})
	require.NoError(t, err)
	var resources initialize.ResourceLoader
	if resourceRoot != "" {
		resources = initialize.FileResourceLoader{Root: resourceRoot}
	}
	watcher, err := initialize.NewWatcher(initialize.Config{
		Repository:    repo,
		Registry:      registry,
		Migrator:      migrator,
		Resources:     resources,
		Guard:         syncguard.New(time.Hour, nil),
		SweepInterval: time.Hour,
	})
	require.NoError(t, err)
	applier, err := NewApplier(Config{Repository: repo, Workflows: manager})
	require.NoError(t, err)
	return bootstrapFixture{repo: repo, registry: registry, manager: manager, watcher: watcher, applier: applier}
}

func TestApplyConfiguresWorkflowsAndRegistersTypes(t *testing.T) {
	fixture := newBootstrapFixture(t, "")
	ctx := context.Background()
	manifest, err := Parse([]byte(articleManifest))
	require.NoError(t, err)

	result, err := fixture.applier.Apply(ctx, manifest)
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, result.Categories)
	assert.Equal(t, []string{"hippotest"}, result.Items)

	ran, err := fixture.watcher.Sweep(ctx, true)
	require.NoError(t, err)
	require.True(t, ran)
	require.NoError(t, Wait(ctx, fixture.repo, result, initialize.WaitOptions{Retries: 1}))

	_, err = fixture.registry.Resolve(ctx, "hippotest:article")
	require.NoError(t, err)

	content, err := fixture.repo.Login("reader").GetNode(ctx, "/content")
	require.NoError(t, err)
	author := workflow.Principal{UserID: "alice", Roles: []string{workflow.RoleAuthor}}
	wf, err := fixture.manager.GetWorkflow(ctx, workflow.DefaultCategory, content, author)
	require.NoError(t, err)
	folder, ok := wf.(*workflow.FolderWorkflow)
	require.True(t, ok, "expected folder workflow, got %T", wf)
	handle, err := folder.AddDocument(ctx, "news", "hippotest:article", map[string]any{"hippotest:title": "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "/content/news", handle.Path)
}

func TestApplyReArmsProcessedItems(t *testing.T) {
	fixture := newBootstrapFixture(t, "")
	ctx := context.Background()
	manifest, err := Parse([]byte(articleManifest))
	require.NoError(t, err)

	for round := 0; round < 2; round++ {
		result, err := fixture.applier.Apply(ctx, manifest)
		require.NoError(t, err)
		item, err := fixture.repo.Login("reader").GetNode(ctx, repository.JoinPath(initialize.FolderPath, "hippotest"))
		require.NoError(t, err)
		assert.True(t, initialize.IsPending(item), "round %d should leave the item pending", round)

		_, err = fixture.watcher.Sweep(ctx, true)
		require.NoError(t, err)
		require.NoError(t, Wait(ctx, fixture.repo, result, initialize.WaitOptions{Retries: 1}))
	}
}

func TestApplyRejectsInvalidManifest(t *testing.T) {
	fixture := newBootstrapFixture(t, "")
	_, err := fixture.applier.Apply(context.Background(), Manifest{Initialize: []ItemSpec{{Name: "empty"}}})
	assert.ErrorIs(t, err, errMissingDefinition)
}

func TestWatchReappliesChangedManifest(t *testing.T) {
	dir := t.TempDir()
	fixture := newBootstrapFixture(t, dir)
	manifestPath := filepath.Join(dir, "bootstrap.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "articles.cnd"), []byte(
		"<hippotest='http://www.onehippo.org/jcr/hippotest/nt/1.0'>\n[hippotest:article] > hippo:document\n"), 0o600))
	require.NoError(t, os.WriteFile(manifestPath, []byte("initialize: []\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- fixture.applier.Watch(ctx, WatchConfig{ManifestPath: manifestPath, ResourceRoot: dir, Debounce: 20 * time.Millisecond})
	}()

	updated := []byte("initialize:\n  - name: articles\n    nodetypesresource: articles.cnd\n")
	itemPath := repository.JoinPath(initialize.FolderPath, "articles")
	require.Eventually(t, func() bool {
		if err := os.WriteFile(manifestPath, updated, 0o600); err != nil {
			return false
		}
		_, err := fixture.repo.Login("reader").GetNode(context.Background(), itemPath)
		return err == nil
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("expected watch to stop after cancel")
	}

	_, err := fixture.watcher.Sweep(context.Background(), true)
	require.NoError(t, err)
	require.NoError(t, initialize.Wait(context.Background(), fixture.repo, itemPath, initialize.WaitOptions{Retries: 1}))
	_, err = fixture.registry.Resolve(context.Background(), "hippotest:article")
	require.NoError(t, err)
}

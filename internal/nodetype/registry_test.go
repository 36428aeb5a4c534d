package nodetype

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onehippo/hippo-repository/internal/repository"
)

const (
	testNamespaceV10 = "http://www.onehippo.org/jcr/hippotest1/nt/1.0"
	testNamespaceV11 = "http://www.onehippo.org/jcr/hippotest1/nt/1.1"
)

const testTypeV10 = `
<hippotest1='http://www.onehippo.org/jcr/hippotest1/nt/1.0'>
[hippotest1:test] > hippo:document
`

const testTypeV11 = `
<hippotest1='http://www.onehippo.org/jcr/hippotest1/nt/1.1'>
[hippotest1:test] > hippo:document
  - hippotest1:first (string) mandatory
`

type registryFixture struct {
	registry *Registry
	repo     *repository.Repository
}

func newRegistryFixture(t *testing.T, policy RedefinitionPolicy) registryFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "registry.db")), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(Models(), &repository.Node{})
	require.NoError(t, db.AutoMigrate(models...))

	registry, err := NewRegistry(RegistryConfig{Database: db, RedefinitionPolicy: policy})
	require.NoError(t, err)
	require.NoError(t, registry.Bootstrap(context.Background()))

	now := time.Unix(1700000000, 0).UTC()
	require.NoError(t, repository.Seed(context.Background(), db, nil, now, []repository.SeedNode{
		{Path: repository.RootPath, Type: BuiltinRef(RepRoot)},
	}))
	repo, err := repository.New(repository.Config{Database: db, Schema: registry})
	require.NoError(t, err)
	return registryFixture{registry: registry, repo: repo}
}

func (f registryFixture) addDocument(t *testing.T, name string, properties map[string]any) (*repository.Node, error) {
	t.Helper()
	ctx := context.Background()
	session := f.repo.Login("tester")
	root, err := session.GetNode(ctx, repository.RootPath)
	require.NoError(t, err)
	node, err := session.AddNode(ctx, root, name, "hippotest1:test")
	if err != nil {
		return nil, err
	}
	for key, value := range properties {
		require.NoError(t, session.SetProperty(node, key, value))
	}
	return node, session.Save(ctx)
}

func TestBootstrapRegistersBuiltinTypes(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	ctx := context.Background()

	ref, err := fixture.registry.Resolve(ctx, HippoHandle)
	require.NoError(t, err)
	assert.Equal(t, BuiltinRef(HippoHandle), ref)

	isBase, err := fixture.registry.IsNodeType(ctx, ref, NTBase)
	require.NoError(t, err)
	assert.True(t, isBase)

	require.NoError(t, fixture.registry.Bootstrap(ctx))
	revisions, err := fixture.registry.Revisions(ctx, ref)
	require.NoError(t, err)
	assert.Len(t, revisions, 1)
}

func TestResolveUnknownTypeReportsNoSuchNodeType(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	_, err := fixture.registry.Resolve(context.Background(), "hippotest1:test")
	assert.ErrorIs(t, err, repository.ErrNoSuchNodeType)

	_, err = fixture.addDocument(t, "early", nil)
	assert.ErrorIs(t, err, repository.ErrNoSuchNodeType)
}

func TestEffectiveMergesSupertypes(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	ctx := context.Background()
	_, err := fixture.registry.Register(ctx, testTypeV11)
	require.NoError(t, err)

	effective, err := fixture.registry.Effective(ctx, repository.TypeRef{Name: "hippotest1:test", Namespace: testNamespaceV11})
	require.NoError(t, err)
	assert.True(t, effective.IsNodeType(HippoDocument))
	assert.True(t, effective.IsNodeType(NTBase))

	_, ok := effective.NamedProperty("hippotest1:first")
	assert.True(t, ok)
	_, ok = effective.NamedProperty("hippostd:state")
	assert.True(t, ok)
	assert.True(t, effective.AllowsResidualProperty(true))
}

func TestRegisterRemapsNamespaceAndKeepsOldVersion(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	ctx := context.Background()

	first, err := fixture.registry.Register(ctx, testTypeV10)
	require.NoError(t, err)
	require.Len(t, first.Registered, 1)
	assert.Empty(t, first.Remaps)

	_, err = fixture.addDocument(t, "doc", nil)
	require.NoError(t, err)

	second, err := fixture.registry.Register(ctx, testTypeV11)
	require.NoError(t, err)
	require.Len(t, second.Remaps, 1)
	assert.Equal(t, NamespaceRemap{Prefix: "hippotest1", OldURI: testNamespaceV10, NewURI: testNamespaceV11}, second.Remaps[0])

	ref, err := fixture.registry.Resolve(ctx, "hippotest1:test")
	require.NoError(t, err)
	assert.Equal(t, testNamespaceV11, ref.Namespace)

	old, err := fixture.registry.ReverseIndex(ctx, testNamespaceV10)
	require.NoError(t, err)
	assert.Equal(t, []repository.TypeRef{{Name: "hippotest1:test", Namespace: testNamespaceV10}}, old)

	inUse, err := fixture.registry.IsInUse(ctx, old[0])
	require.NoError(t, err)
	assert.True(t, inUse)
	assert.ErrorIs(t, fixture.registry.Unregister(ctx, old[0]), ErrTypeInUse)
}

func TestRegisterRejectsInPlaceRedefinitionOfUsedType(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	ctx := context.Background()
	_, err := fixture.registry.Register(ctx, testTypeV10)
	require.NoError(t, err)
	_, err = fixture.addDocument(t, "doc", nil)
	require.NoError(t, err)

	narrowed := `<hippotest1='http://www.onehippo.org/jcr/hippotest1/nt/1.0'>
[hippotest1:test] > hippo:document
  - hippotest1:first (string) mandatory
`
	_, err = fixture.registry.Register(ctx, narrowed)
	assert.ErrorIs(t, err, ErrTypeInUse)
}

func TestRegisterAllowsInPlaceRedefinitionAcceptedByPolicy(t *testing.T) {
	fixture := newRegistryFixture(t, func(previous, next TypeDefinition) bool { return true })
	ctx := context.Background()
	_, err := fixture.registry.Register(ctx, testTypeV10)
	require.NoError(t, err)
	_, err = fixture.addDocument(t, "doc", nil)
	require.NoError(t, err)

	widened := `<hippotest1='http://www.onehippo.org/jcr/hippotest1/nt/1.0'>
[hippotest1:test] > hippo:document
  - hippotest1:extra (string)
`
	result, err := fixture.registry.Register(ctx, widened)
	require.NoError(t, err)
	require.Len(t, result.Redefined, 1)

	ref := result.Redefined[0]
	description, err := fixture.registry.Describe(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), description.Revision)

	revisions, err := fixture.registry.Revisions(ctx, ref)
	require.NoError(t, err)
	require.Len(t, revisions, 2)
	assert.Contains(t, revisions[1].Patch, "extra")
}

func TestRegisterRejectsUnknownReferences(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	_, err := fixture.registry.Register(context.Background(), `<x='urn:x'>
[x:t] > x:missing`)
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = fixture.registry.Register(context.Background(), `<other='http://www.jcp.org/jcr/nt/1.0'>`)
	assert.ErrorIs(t, err, ErrNamespaceConflict)
}

func TestValidateNodeEnforcesMandatoryAndConstraints(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	ctx := context.Background()
	_, err := fixture.registry.Register(ctx, testTypeV11)
	require.NoError(t, err)

	_, err = fixture.addDocument(t, "missing", nil)
	assert.ErrorIs(t, err, repository.ErrConstraintViolation)

	_, err = fixture.addDocument(t, "bad-state", map[string]any{"hippotest1:first": "x", "hippostd:state": "archived"})
	assert.ErrorIs(t, err, repository.ErrConstraintViolation)

	_, err = fixture.addDocument(t, "wrong-multiplicity", map[string]any{"hippotest1:first": []string{"x"}})
	assert.ErrorIs(t, err, repository.ErrConstraintViolation)

	node, err := fixture.addDocument(t, "valid", map[string]any{"hippotest1:first": "x", "hippostd:state": "draft", "extra": 3})
	require.NoError(t, err)
	assert.NotEmpty(t, node.ID)
}

func TestValidateChildHonoursRequiredTypes(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	ctx := context.Background()
	session := fixture.repo.Login("tester")
	root, err := session.GetNode(ctx, repository.RootPath)
	require.NoError(t, err)

	handle, err := session.AddNode(ctx, root, "handle", HippoHandle)
	require.NoError(t, err)
	_, err = session.AddNode(ctx, handle, "loose", NTUnstructured)
	require.NoError(t, err)
	assert.ErrorIs(t, session.Save(ctx), repository.ErrConstraintViolation)

	session.Refresh(false)
	root, err = session.GetNode(ctx, repository.RootPath)
	require.NoError(t, err)
	handle, err = session.AddNode(ctx, root, "handle", HippoHandle)
	require.NoError(t, err)
	_, err = session.AddNode(ctx, handle, "handle", HippoDocument)
	require.NoError(t, err)
	assert.NoError(t, session.Save(ctx))
}

func TestAbstractTypesCannotBeInstantiated(t *testing.T) {
	fixture := newRegistryFixture(t, nil)
	ctx := context.Background()
	session := fixture.repo.Login("tester")
	root, err := session.GetNode(ctx, repository.RootPath)
	require.NoError(t, err)
	_, err = session.AddNode(ctx, root, "base", NTBase)
	require.NoError(t, err)
	assert.ErrorIs(t, session.Save(ctx), repository.ErrConstraintViolation)
}

func TestInRange(t *testing.T) {
	assert.True(t, inRange("[0,10]", 10))
	assert.False(t, inRange("[0,10)", 10))
	assert.True(t, inRange("(,5]", -100))
	assert.False(t, inRange("(0,]", 0))
}

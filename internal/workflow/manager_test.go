package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onehippo/hippo-repository/internal/repository"
)

type stubWorkflow struct {
	binding Binding
}

func (s *stubWorkflow) Hints(context.Context) (map[string]bool, error) {
	return map[string]bool{"inspect": true}, nil
}

func TestGetWorkflowUnknownCategoryReturnsNil(t *testing.T) {
	fixture := newWorkflowFixture(t)
	handle := fixture.createArticle(t, "news", "Hello")

	wf, err := fixture.manager.GetWorkflow(context.Background(), "missing", handle, alice)
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestGetWorkflowWithoutMatchingEntryReturnsNil(t *testing.T) {
	fixture := newWorkflowFixture(t)
	wf, err := fixture.manager.GetWorkflow(context.Background(), DefaultCategory, fixture.node(t, repository.RootPath), alice)
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestGetWorkflowRefusesUnknownClass(t *testing.T) {
	fixture := newWorkflowFixture(t)
	ctx := context.Background()
	require.NoError(t, fixture.manager.Configure(ctx, "broken", []Entry{
		{Name: "handle", NodeType: "hippo:handle", ClassName: "org.example.Missing"},
	}))
	handle := fixture.createArticle(t, "news", "Hello")

	_, err := fixture.manager.GetWorkflow(ctx, "broken", handle, alice)
	require.ErrorIs(t, err, ErrNotAllowed)
	workflowErr, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, handle.Path, workflowErr.Path)
	assert.Contains(t, workflowErr.Message, "org.example.Missing")
}

func TestGetWorkflowMatchesSupertypes(t *testing.T) {
	fixture := newWorkflowFixture(t)
	ctx := context.Background()
	fixture.manager.RegisterFactory("org.example.Inspector", func(_ context.Context, binding Binding) (Workflow, error) {
		return &stubWorkflow{binding: binding}, nil
	})
	require.NoError(t, fixture.manager.Configure(ctx, "inspection", []Entry{
		{Name: "documents", NodeType: "hippo:document", ClassName: "org.example.Inspector"},
	}))
	handle := fixture.createArticle(t, "news", "Hello")
	variant := fixture.document(t, handle.ID).unpublished()

	wf, err := fixture.manager.GetWorkflow(ctx, "inspection", variant, erin)
	require.NoError(t, err)
	stub, ok := wf.(*stubWorkflow)
	require.True(t, ok, "expected stub workflow, got %T", wf)
	assert.Equal(t, "inspection", stub.binding.Category)
	assert.Equal(t, variant.ID, stub.binding.Subject.ID)
	assert.Equal(t, "erin", stub.binding.Principal.UserID)

	wf, err = fixture.manager.GetWorkflow(ctx, "inspection", handle, erin)
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestConfigureOverwritesEntries(t *testing.T) {
	fixture := newWorkflowFixture(t)
	ctx := context.Background()
	fixture.manager.RegisterFactory("org.example.Inspector", func(_ context.Context, binding Binding) (Workflow, error) {
		return &stubWorkflow{binding: binding}, nil
	})
	require.NoError(t, fixture.manager.Configure(ctx, DefaultCategory, []Entry{
		{Name: "handle", NodeType: "hippo:handle", ClassName: "org.example.Inspector"},
	}))
	handle := fixture.createArticle(t, "news", "Hello")

	wf, err := fixture.manager.GetWorkflow(ctx, DefaultCategory, handle, alice)
	require.NoError(t, err)
	_, ok := wf.(*stubWorkflow)
	assert.True(t, ok, "expected overwritten entry, got %T", wf)
}

func TestGetWorkflowFactoryErrorIsWrapped(t *testing.T) {
	fixture := newWorkflowFixture(t)
	ctx := context.Background()
	cause := errors.New("boom")
	fixture.manager.RegisterFactory("org.example.Failing", func(context.Context, Binding) (Workflow, error) {
		return nil, cause
	})
	require.NoError(t, fixture.manager.Configure(ctx, "failing", []Entry{
		{Name: "handle", NodeType: "hippo:handle", ClassName: "org.example.Failing"},
	}))
	handle := fixture.createArticle(t, "news", "Hello")

	_, err := fixture.manager.GetWorkflow(ctx, "failing", handle, alice)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.ErrorIs(t, err, cause)
}

func TestInvokeRoutesRequestAndFolderOperations(t *testing.T) {
	fixture := newWorkflowFixture(t)
	ctx := context.Background()
	folder := fixture.folderWorkflow(t, fixture.node(t, "/content"), alice)

	folderID, err := Invoke(ctx, folder, Invocation{Operation: OpAddFolder, Name: "sports"})
	require.NoError(t, err)
	sports := fixture.node(t, "/content/sports")
	assert.Equal(t, folderID, sports.ID)

	handleID, err := Invoke(ctx, fixture.folderWorkflow(t, sports, alice), Invocation{
		Operation:  OpAddDocument,
		Name:       "match",
		NodeType:   "hippotest:article",
		Properties: map[string]any{"hippotest:title": "Final"},
	})
	require.NoError(t, err)
	handle := fixture.node(t, "/content/sports/match")
	assert.Equal(t, handleID, handle.ID)

	_, err = Invoke(ctx, fixture.documentWorkflow(t, handle, alice), Invocation{Operation: OpRequestPublication})
	require.NoError(t, err)
	_, err = Invoke(ctx, fixture.requestWorkflow(t, handle, erin), Invocation{Operation: OpRejectRequest, Comment: "not yet"})
	require.NoError(t, err)

	events, err := Events(ctx, fixture.db, handle.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "not yet", events[len(events)-1].Comment)

	_, err = Invoke(ctx, &stubWorkflow{}, Invocation{Operation: OpPublish})
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestHandleGuardSerialisesPerHandle(t *testing.T) {
	guard := newHandleGuard()
	ctx := context.Background()

	release, err := guard.acquire(ctx, "h1")
	require.NoError(t, err)
	other, err := guard.acquire(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, 2, guard.size())

	waiting, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = guard.acquire(waiting, "h1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func(), 1)
	go func() {
		next, err := guard.acquire(ctx, "h1")
		if err == nil {
			acquired <- next
		}
	}()
	select {
	case <-acquired:
		t.Fatalf("expected second holder to wait")
	case <-time.After(20 * time.Millisecond):
	}
	release()
	release()
	select {
	case next := <-acquired:
		next()
	case <-time.After(time.Second):
		t.Fatalf("expected waiter to acquire after release")
	}
	other()
	assert.Equal(t, 0, guard.size())
}

func TestPrincipalRoles(t *testing.T) {
	assert.True(t, alice.CanEdit())
	assert.False(t, alice.CanPublish())
	assert.True(t, erin.CanEdit())
	assert.True(t, erin.CanPublish())
	admin := Principal{UserID: "root", Roles: []string{RoleAdmin}}
	assert.True(t, admin.HasRole(RoleAuthor))
	assert.True(t, SystemPrincipal().CanPublish())
	assert.False(t, Principal{UserID: "guest"}.CanEdit())
}

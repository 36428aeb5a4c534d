package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/onehippo/hippo-repository/internal/auth"
	"github.com/onehippo/hippo-repository/internal/database"
	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/metrics"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/users"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

const (
	testSigningSecret = "test-signing-secret"
	articleCND        = `<hippotest='http://www.onehippo.org/jcr/hippotest/nt/1.0'>
[hippotest:article] > hippo:document
  - hippotest:title (string)
`
)

type serverFixture struct {
	handler  http.Handler
	repo     *repository.Repository
	registry *nodetype.Registry
	users    *users.Service
	issuer   *auth.TokenIssuer
	metrics  *metrics.Metrics
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

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
	repo, err := repository.New(repository.Config{Database: db, Schema: registry})
	if err != nil {
		t.Fatalf("failed to construct repository: %v", err)
	}
	manager, err := workflow.NewManager(workflow.Config{Repository: repo, Registry: registry})
	if err != nil {
		t.Fatalf("failed to construct workflow manager: %v", err)
	}
	if err := manager.Configure(ctx, workflow.DefaultCategory, workflow.DefaultEntries()); err != nil {
		t.Fatalf("failed to configure workflows: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct user service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	recorder := metrics.New()

	handler, err := NewHTTPHandler(Dependencies{
		Repository:     repo,
		Registry:       registry,
		Workflows:      manager,
		Sessions:       validator,
		Principals:     userService,
		Metrics:        recorder,
		Logger:         zap.NewNop(),
		InitializeWait: initialize.WaitOptions{Retries: 2, Interval: 10 * time.Millisecond},
		Heartbeat:      50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return serverFixture{handler: handler, repo: repo, registry: registry, users: userService, issuer: issuer, metrics: recorder}
}

func (f serverFixture) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, _, err := f.issuer.IssueSessionToken(context.Background(), auth.Identity{UserID: userID, Roles: roles})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f serverFixture) do(t *testing.T, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, target, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decode(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingRepository) {
		t.Fatalf("expected missing repository error, got %v", err)
	}
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	fixture := newServerFixture(t)

	health := fixture.do(t, http.MethodGet, "/healthz", "", nil)
	if health.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", health.Code)
	}
	metricsResponse := fixture.do(t, http.MethodGet, "/metrics", "", nil)
	if metricsResponse.Code != http.StatusOK {
		t.Fatalf("unexpected metrics status: %d", metricsResponse.Code)
	}
	if !strings.Contains(metricsResponse.Body.String(), "/healthz") {
		t.Fatalf("expected the health request to be counted, got %s", metricsResponse.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	fixture := newServerFixture(t)
	response := fixture.do(t, http.MethodGet, "/nodes?path=/content", "", nil)
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", response.Code)
	}
	foreign := fixture.do(t, http.MethodGet, "/nodes?path=/content", "not-a-token", nil)
	if foreign.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for a malformed token, got %d", foreign.Code)
	}
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/nodes", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/nodes", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrInvalidSessionToken},
		logger:   zap.New(core),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %#v", entries)
	}
}

func TestAuthorizeRequestStoresResolvedPrincipal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/nodes", http.NoBody)

	handler := &httpHandler{
		sessions:   stubSessionValidator{claims: auth.SessionClaims{UserID: "alice"}},
		principals: stubPrincipalResolver{principal: workflow.Principal{UserID: "alice", Roles: []string{workflow.RoleEditor}}},
		logger:     zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	principal, ok := principalFrom(ctx)
	if !ok || principal.UserID != "alice" || !principal.CanPublish() {
		t.Fatalf("expected resolved principal in context, got %#v", principal)
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	fixture := newServerFixture(t)
	author := fixture.token(t, "alice", workflow.RoleAuthor)
	editor := fixture.token(t, "erin", workflow.RoleEditor)

	created := fixture.do(t, http.MethodPost, "/documents", author, addDocumentRequest{
		Folder:     database.ContentPath,
		Name:       "news",
		NodeType:   "hippotest:article",
		Properties: map[string]any{"hippotest:title": "Hello"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", created.Code, created.Body.String())
	}
	var handle struct {
		ID   string `json:"id"`
		Path string `json:"path"`
	}
	decode(t, created, &handle)
	if handle.Path != "/content/news" {
		t.Fatalf("unexpected handle path %q", handle.Path)
	}

	node := fixture.do(t, http.MethodGet, "/nodes?path=/content/news", author, nil)
	if node.Code != http.StatusOK {
		t.Fatalf("unexpected node status %d", node.Code)
	}
	var payload nodePayload
	decode(t, node, &payload)
	if len(payload.Children) != 1 || payload.Children[0] != "news[unpublished]" {
		t.Fatalf("unexpected variants %#v", payload.Children)
	}

	hints := fixture.do(t, http.MethodGet, "/workflows/hints?path=/content/news", author, nil)
	var hintPayload struct {
		Hints map[string]bool `json:"hints"`
	}
	decode(t, hints, &hintPayload)
	if !hintPayload.Hints[workflow.OpRequestPublication] || hintPayload.Hints[workflow.OpPublish] {
		t.Fatalf("unexpected author hints %#v", hintPayload.Hints)
	}

	requested := fixture.do(t, http.MethodPost, "/workflows/invoke", author, invokeRequest{Path: "/content/news", Operation: workflow.OpRequestPublication})
	if requested.Code != http.StatusOK {
		t.Fatalf("unexpected request status %d: %s", requested.Code, requested.Body.String())
	}
	again := fixture.do(t, http.MethodPost, "/workflows/invoke", author, invokeRequest{Path: "/content/news", Operation: workflow.OpRequestPublication})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected a second request to conflict, got %d", again.Code)
	}

	accepted := fixture.do(t, http.MethodPost, "/workflows/invoke", editor, invokeRequest{
		Path:      repository.JoinPath("/content/news", workflow.RequestName),
		Operation: workflow.OpAcceptRequest,
	})
	if accepted.Code != http.StatusOK {
		t.Fatalf("unexpected accept status %d: %s", accepted.Code, accepted.Body.String())
	}
	published := fixture.do(t, http.MethodGet, "/nodes?path=/content/news/news[published]", author, nil)
	if published.Code != http.StatusOK {
		t.Fatalf("expected a published variant, got %d", published.Code)
	}
}

func TestHistoryShowsRejectionComment(t *testing.T) {
	fixture := newServerFixture(t)
	author := fixture.token(t, "alice", workflow.RoleAuthor)
	editor := fixture.token(t, "erin", workflow.RoleEditor)

	created := fixture.do(t, http.MethodPost, "/documents", author, addDocumentRequest{
		Folder:     database.ContentPath,
		Name:       "news",
		NodeType:   "hippotest:article",
		Properties: map[string]any{"hippotest:title": "Hello"},
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("unexpected create status %d: %s", created.Code, created.Body.String())
	}
	requested := fixture.do(t, http.MethodPost, "/workflows/invoke", author, invokeRequest{Path: "/content/news", Operation: workflow.OpRequestPublication})
	if requested.Code != http.StatusOK {
		t.Fatalf("unexpected request status %d: %s", requested.Code, requested.Body.String())
	}
	rejected := fixture.do(t, http.MethodPost, "/workflows/invoke", editor, invokeRequest{
		Path:      repository.JoinPath("/content/news", workflow.RequestName),
		Operation: workflow.OpRejectRequest,
		Comment:   "needs rework",
	})
	if rejected.Code != http.StatusOK {
		t.Fatalf("unexpected reject status %d: %s", rejected.Code, rejected.Body.String())
	}

	response := fixture.do(t, http.MethodGet, "/workflows/history?path=/content/news", author, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected history status %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		HandleID string           `json:"handle_id"`
		Events   []workflow.Event `json:"events"`
	}
	decode(t, response, &payload)
	if payload.HandleID == "" || len(payload.Events) == 0 {
		t.Fatalf("expected handle events, got %#v", payload)
	}
	last := payload.Events[len(payload.Events)-1]
	if last.Operation != workflow.OpRejectRequest || last.Comment != "needs rework" || last.Requester != "alice" || last.Actor != "erin" {
		t.Fatalf("unexpected rejection event %#v", last)
	}

	missing := fixture.do(t, http.MethodGet, "/workflows/history", author, nil)
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected a missing path to be a bad request, got %d", missing.Code)
	}
}

func TestInvokeMapsErrors(t *testing.T) {
	fixture := newServerFixture(t)
	author := fixture.token(t, "alice", workflow.RoleAuthor)

	missing := fixture.do(t, http.MethodPost, "/workflows/invoke", author, invokeRequest{Path: "/content/missing", Operation: workflow.OpPublish})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", missing.Code)
	}
	unbound := fixture.do(t, http.MethodGet, "/workflows/hints?path=/content&category=inspection", author, nil)
	if unbound.Code != http.StatusNotFound {
		t.Fatalf("expected missing workflow to be not found, got %d", unbound.Code)
	}
	invalid := fixture.do(t, http.MethodPost, "/documents", author, addDocumentRequest{Folder: "/content", Name: "odd", NodeType: "hippotest:missing"})
	if invalid.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected unknown type to be unprocessable, got %d: %s", invalid.Code, invalid.Body.String())
	}
	malformed := fixture.do(t, http.MethodPost, "/workflows/invoke", author, map[string]string{"path": "/content"})
	if malformed.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", malformed.Code)
	}
}

func TestDescribeNodeType(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.token(t, "alice", workflow.RoleAuthor)

	response := fixture.do(t, http.MethodGet, "/nodetypes/hippotest:article", token, nil)
	if response.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		Name      string `json:"name"`
		Namespace string `json:"namespace"`
		Current   bool   `json:"current"`
		CND       string `json:"cnd"`
	}
	decode(t, response, &payload)
	if payload.Name != "hippotest:article" || payload.Namespace != "http://www.onehippo.org/jcr/hippotest/nt/1.0" || !payload.Current {
		t.Fatalf("unexpected description %#v", payload)
	}
	if !strings.Contains(payload.CND, "hippotest:title") {
		t.Fatalf("expected the stored definition text, got %q", payload.CND)
	}

	unknown := fixture.do(t, http.MethodGet, "/nodetypes/hippotest:nothing", token, nil)
	if unknown.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected unknown type to be unprocessable, got %d", unknown.Code)
	}
}

func TestCreateInitializeItemRequiresAdmin(t *testing.T) {
	fixture := newServerFixture(t)
	body := createItemRequest{Name: "hippotest2", NodeTypes: "<hippotest2='http://www.onehippo.org/jcr/hippotest2/nt/1.0'>\n[hippotest2:note] > hippo:document\n"}

	denied := fixture.do(t, http.MethodPost, "/initialize", fixture.token(t, "erin", workflow.RoleEditor), body)
	if denied.Code != http.StatusForbidden {
		t.Fatalf("expected forbidden, got %d", denied.Code)
	}

	admin := fixture.token(t, "root", workflow.RoleAdmin)
	queued := fixture.do(t, http.MethodPost, "/initialize", admin, body)
	if queued.Code != http.StatusAccepted {
		t.Fatalf("unexpected queue status %d: %s", queued.Code, queued.Body.String())
	}

	status := fixture.do(t, http.MethodGet, "/initialize/hippotest2", admin, nil)
	var payload struct {
		Status  string `json:"status"`
		Pending bool   `json:"pending"`
	}
	decode(t, status, &payload)
	if payload.Status != initialize.StatusPending || !payload.Pending {
		t.Fatalf("expected pending item without a watcher, got %#v", payload)
	}

	waited := fixture.do(t, http.MethodGet, "/initialize/hippotest2?wait=true", admin, nil)
	if waited.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected bounded wait to time out, got %d", waited.Code)
	}

	invalid := fixture.do(t, http.MethodPost, "/initialize", admin, createItemRequest{Name: "empty"})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected missing definition to be rejected, got %d", invalid.Code)
	}
}

func TestGrantedRolesApplyToRequests(t *testing.T) {
	fixture := newServerFixture(t)
	if err := fixture.users.Grant(context.Background(), "dana", workflow.RoleAdmin, "root"); err != nil {
		t.Fatalf("failed to grant role: %v", err)
	}
	body := createItemRequest{Name: "granted", NodeTypes: "<hippotest3='http://www.onehippo.org/jcr/hippotest3/nt/1.0'>\n[hippotest3:note] > hippo:document\n"}
	response := fixture.do(t, http.MethodPost, "/initialize", fixture.token(t, "dana"), body)
	if response.Code != http.StatusAccepted {
		t.Fatalf("expected granted admin to queue items, got %d", response.Code)
	}
}

func TestClassifyPrefersWorkflowRefusal(t *testing.T) {
	refused := &workflow.Error{Operation: workflow.OpPublish, Message: "busy", Err: repository.ErrConflict}
	if status, code := classify(refused); status != http.StatusConflict || code != "not_allowed" {
		t.Fatalf("unexpected classification %d %s", status, code)
	}
	if status, _ := classify(errors.New("boom")); status != http.StatusInternalServerError {
		t.Fatalf("expected internal error, got %d", status)
	}
}

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

type stubPrincipalResolver struct {
	principal workflow.Principal
}

func (s stubPrincipalResolver) ResolvePrincipal(context.Context, auth.SessionClaims) (workflow.Principal, error) {
	return s.principal, nil
}

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/auth"
	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/metrics"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

const principalContextKey = "hippo_principal"

var (
	errMissingRepository = errors.New("repository dependency required")
	errMissingRegistry   = errors.New("node type registry dependency required")
	errMissingWorkflows  = errors.New("workflow manager dependency required")
	errMissingValidator  = errors.New("session validator dependency required")
	errMissingResolver   = errors.New("principal resolver dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// PrincipalResolver maps validated claims onto the principal workflows act for.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (workflow.Principal, error)
}

type Dependencies struct {
	Repository     *repository.Repository
	Registry       *nodetype.Registry
	Workflows      *workflow.Manager
	Sessions       SessionValidator
	Principals     PrincipalResolver
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	InitializeWait initialize.WaitOptions
	AllowedOrigins []string
	Heartbeat      time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Repository == nil {
		return nil, errMissingRepository
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.Workflows == nil {
		return nil, errMissingWorkflows
	}
	if deps.Sessions == nil {
		return nil, errMissingValidator
	}
	if deps.Principals == nil {
		return nil, errMissingResolver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		repo:       deps.Repository,
		registry:   deps.Registry,
		workflows:  deps.Workflows,
		sessions:   deps.Sessions,
		principals: deps.Principals,
		metrics:    deps.Metrics,
		logger:     logger,
		wait:       deps.InitializeWait,
		heartbeat:  heartbeat,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.recordRequest)
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/nodes", handler.handleGetNode)
	protected.POST("/documents", handler.handleAddDocument)
	protected.GET("/workflows/hints", handler.handleHints)
	protected.GET("/workflows/history", handler.handleHistory)
	protected.POST("/workflows/invoke", handler.handleInvoke)
	protected.GET("/nodetypes/:name", handler.handleDescribeNodeType)
	protected.POST("/initialize", handler.handleCreateItem)
	protected.GET("/initialize/:name", handler.handleItemStatus)
	protected.GET("/events", handler.handleEventStream)

	return router, nil
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

type httpHandler struct {
	repo       *repository.Repository
	registry   *nodetype.Registry
	workflows  *workflow.Manager
	sessions   SessionValidator
	principals PrincipalResolver
	metrics    *metrics.Metrics
	logger     *zap.Logger
	wait       initialize.WaitOptions
	heartbeat  time.Duration
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) recordRequest(c *gin.Context) {
	c.Next()
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	h.metrics.RecordHTTPRequest(c.Request.Method, route, c.Writer.Status())
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	principal, err := h.principals.ResolvePrincipal(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to resolve principal", zap.String("user_id", claims.UserID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) (workflow.Principal, bool) {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return workflow.Principal{}, false
	}
	principal, ok := value.(workflow.Principal)
	return principal, ok && principal.UserID != ""
}

// writeError maps the repository error taxonomy onto HTTP statuses.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("route", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": code, "message": err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrNotAllowed):
		return http.StatusConflict, "not_allowed"
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, repository.ErrItemNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, initialize.ErrInitializationTimeout):
		return http.StatusGatewayTimeout, "initialization_timeout"
	case errors.Is(err, initialize.ErrInitializationFailed):
		return http.StatusUnprocessableEntity, "initialization_failed"
	case errors.Is(err, repository.ErrNoSuchNodeType),
		errors.Is(err, repository.ErrConstraintViolation),
		errors.Is(err, repository.ErrInvalidPath),
		errors.Is(err, repository.ErrInvalidName),
		errors.Is(err, repository.ErrInvalidValue),
		errors.Is(err, nodetype.ErrUnknownPrefix):
		return http.StatusUnprocessableEntity, "invalid"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	}
	var coded *repository.Error
	if errors.As(err, &coded) {
		return http.StatusInternalServerError, coded.Code()
	}
	return http.StatusInternalServerError, "internal"
}

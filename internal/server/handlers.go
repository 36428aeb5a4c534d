package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/initialize"
	"github.com/onehippo/hippo-repository/internal/repository"
	"github.com/onehippo/hippo-repository/internal/workflow"
)

type nodePayload struct {
	ID          string         `json:"id"`
	Path        string         `json:"path"`
	Name        string         `json:"name"`
	Qualifier   string         `json:"qualifier,omitempty"`
	PrimaryType string         `json:"primary_type"`
	Namespace   string         `json:"namespace,omitempty"`
	Version     int64          `json:"version"`
	UpdatedAt   int64          `json:"updated_at_s"`
	Properties  map[string]any `json:"properties"`
	Children    []string       `json:"children,omitempty"`
}

func toNodePayload(node *repository.Node) nodePayload {
	return nodePayload{
		ID:          node.ID,
		Path:        node.Path,
		Name:        node.Name,
		Qualifier:   node.Qualifier,
		PrimaryType: node.PrimaryType,
		Namespace:   node.TypeNamespace,
		Version:     node.Version,
		UpdatedAt:   node.UpdatedAtSeconds,
		Properties:  node.CopyProperties(),
	}
}

func (h *httpHandler) handleGetNode(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	path := c.DefaultQuery("path", repository.RootPath)
	ctx := c.Request.Context()
	session := h.repo.Login(principal.UserID)
	node, err := session.GetNode(ctx, path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	children, err := session.Children(ctx, node)
	if err != nil {
		h.writeError(c, err)
		return
	}
	payload := toNodePayload(node)
	for _, child := range children {
		payload.Children = append(payload.Children, repository.Segment(child.Name, child.Qualifier))
	}
	c.JSON(http.StatusOK, payload)
}

type addDocumentRequest struct {
	Folder     string         `json:"folder"`
	Category   string         `json:"category"`
	Name       string         `json:"name"`
	NodeType   string         `json:"node_type"`
	Properties map[string]any `json:"properties"`
}

func (h *httpHandler) handleAddDocument(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request addDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Folder) == "" || strings.TrimSpace(request.Name) == "" || strings.TrimSpace(request.NodeType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bound, err := h.bind(c, request.Category, request.Folder, principal)
	if err != nil {
		h.writeError(c, err)
		return
	}
	folder, ok := bound.(*workflow.FolderWorkflow)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "not_allowed", "message": "no folder workflow for " + request.Folder})
		return
	}
	handle, err := folder.AddDocument(c.Request.Context(), request.Name, request.NodeType, request.Properties)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": handle.ID, "path": handle.Path})
}

// bind resolves the workflow of category for the node at path. A missing workflow is
// reported as not found.
func (h *httpHandler) bind(c *gin.Context, category, path string, principal workflow.Principal) (workflow.Workflow, error) {
	if strings.TrimSpace(category) == "" {
		category = workflow.DefaultCategory
	}
	ctx := c.Request.Context()
	subject, err := h.repo.Login(principal.UserID).GetNode(ctx, path)
	if err != nil {
		return nil, err
	}
	bound, err := h.workflows.GetWorkflow(ctx, category, subject, principal)
	if err != nil {
		return nil, err
	}
	if bound == nil {
		return nil, fmt.Errorf("%w: no %s workflow for %s", repository.ErrItemNotFound, category, subject.Path)
	}
	return bound, nil
}

func (h *httpHandler) handleHints(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	path := strings.TrimSpace(c.Query("path"))
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bound, err := h.bind(c, c.Query("category"), path, principal)
	if err != nil {
		h.writeError(c, err)
		return
	}
	hints, err := bound.Hints(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "hints": hints})
}

// handleHistory returns the audited transitions of a document handle so requesters can
// read why a request was rejected.
func (h *httpHandler) handleHistory(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	path := strings.TrimSpace(c.Query("path"))
	if path == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bound, err := h.bind(c, c.Query("category"), path, principal)
	if err != nil {
		h.writeError(c, err)
		return
	}
	document, ok := bound.(*workflow.DocumentWorkflow)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "not_allowed", "message": "no document workflow for " + path})
		return
	}
	events, err := document.History(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "handle_id": document.HandleID(), "events": events})
}

type invokeRequest struct {
	Path        string         `json:"path"`
	Category    string         `json:"category"`
	Operation   string         `json:"operation"`
	Comment     string         `json:"comment"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	Name        string         `json:"name"`
	NodeType    string         `json:"node_type"`
	Properties  map[string]any `json:"properties"`
}

func (h *httpHandler) handleInvoke(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request invokeRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Path) == "" || strings.TrimSpace(request.Operation) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bound, err := h.bind(c, request.Category, request.Path, principal)
	if err != nil {
		h.writeError(c, err)
		return
	}
	result, err := workflow.Invoke(c.Request.Context(), bound, workflow.Invocation{
		Operation:   request.Operation,
		Comment:     request.Comment,
		ScheduledAt: request.ScheduledAt,
		Name:        request.Name,
		NodeType:    request.NodeType,
		Properties:  request.Properties,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Debug("workflow invoked",
		zap.String("user_id", principal.UserID),
		zap.String("operation", request.Operation),
		zap.String("path", request.Path),
	)
	c.JSON(http.StatusOK, gin.H{"operation": request.Operation, "result": result})
}

type revisionPayload struct {
	Revision  int64  `json:"revision"`
	Patch     string `json:"patch"`
	CreatedAt int64  `json:"created_at_s"`
}

func (h *httpHandler) handleDescribeNodeType(c *gin.Context) {
	ctx := c.Request.Context()
	ref, err := h.registry.Resolve(ctx, c.Param("name"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	description, err := h.registry.Describe(ctx, ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	revisions, err := h.registry.Revisions(ctx, ref)
	if err != nil {
		h.writeError(c, err)
		return
	}
	prefix, _, _ := strings.Cut(ref.Name, ":")
	currentURI, err := h.registry.NamespaceURI(ctx, prefix)
	if err != nil {
		h.writeError(c, err)
		return
	}
	history := make([]revisionPayload, 0, len(revisions))
	for _, revision := range revisions {
		history = append(history, revisionPayload{Revision: revision.Revision, Patch: revision.Patch, CreatedAt: revision.CreatedAtSeconds})
	}
	c.JSON(http.StatusOK, gin.H{
		"name":       ref.Name,
		"namespace":  ref.Namespace,
		"current":    ref.Namespace == currentURI,
		"revision":   description.Revision,
		"definition": description.Definition,
		"cnd":        description.CND,
		"revisions":  history,
	})
}

type createItemRequest struct {
	Name              string   `json:"name"`
	Namespace         string   `json:"namespace"`
	NodeTypes         string   `json:"nodetypes"`
	NodeTypesResource string   `json:"nodetypesresource"`
	Sequence          float64  `json:"sequence"`
	Conversion        []string `json:"conversion"`
}

func (h *httpHandler) handleCreateItem(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if !principal.HasRole(workflow.RoleAdmin) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	var request createItemRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if request.NodeTypes == "" && request.NodeTypesResource == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "nodetypes or nodetypesresource is required"})
		return
	}
	if _, err := initialize.ParseConversions(request.Conversion); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	session := h.repo.Login(principal.UserID)
	node, err := initialize.CreateItem(ctx, session, initialize.Item{
		Name:              request.Name,
		Namespace:         request.Namespace,
		NodeTypes:         request.NodeTypes,
		NodeTypesResource: request.NodeTypesResource,
		Sequence:          request.Sequence,
		Conversions:       request.Conversion,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	if err := session.Save(ctx); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("initialize item queued", zap.String("user_id", principal.UserID), zap.String("path", node.Path))

	if c.Query("wait") == "true" {
		if err := initialize.Wait(ctx, h.repo, node.Path, h.wait); err != nil {
			h.writeError(c, err)
			return
		}
		h.writeItemStatus(c, node.Path)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"path": node.Path, "status": initialize.StatusPending})
}

func (h *httpHandler) handleItemStatus(c *gin.Context) {
	path := repository.JoinPath(initialize.FolderPath, c.Param("name"))
	if c.Query("wait") == "true" {
		if err := initialize.Wait(c.Request.Context(), h.repo, path, h.wait); err != nil {
			h.writeError(c, err)
			return
		}
	}
	h.writeItemStatus(c, path)
}

func (h *httpHandler) writeItemStatus(c *gin.Context, path string) {
	principal, _ := principalFrom(c)
	node, err := h.repo.Login(principal.UserID).GetNode(c.Request.Context(), path)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":          node.Name,
		"path":          node.Path,
		"status":        node.StringProperty(initialize.PropStatus),
		"pending":       initialize.HasTrigger(node),
		"error_message": node.StringProperty(initialize.PropErrorMessage),
		"processed_at":  node.StringProperty(initialize.PropProcessedAt),
	})
}

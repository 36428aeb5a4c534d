package workflow

import (
	"context"

	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
)

// Folder workflow operation names, also used as hint keys.
const (
	OpAddDocument = "addDocument"
	OpAddFolder   = "addFolder"
)

// FolderWorkflow creates documents and subfolders below one folder.
type FolderWorkflow struct {
	binding  Binding
	folderID string
	path     string
}

func newFolderWorkflow(_ context.Context, binding Binding) (Workflow, error) {
	return &FolderWorkflow{binding: binding, folderID: binding.Subject.ID, path: binding.Subject.Path}, nil
}

// AddDocument creates a handle called name with an unpublished variant of nodeType holding
// properties. It returns the handle.
func (w *FolderWorkflow) AddDocument(ctx context.Context, name, nodeType string, properties map[string]any) (*repository.Node, error) {
	var handleID string
	err := w.binding.invoke(ctx, w.folderID, w.path, OpAddDocument, func(ctx context.Context, session *repository.Session) error {
		if err := w.checkAdd(OpAddDocument); err != nil {
			return err
		}
		registry := w.binding.runtime.registry
		ref, err := registry.Resolve(ctx, nodeType)
		if err != nil {
			return err
		}
		isDocument, err := registry.IsNodeType(ctx, ref, nodetype.HippoDocument)
		if err != nil {
			return err
		}
		if !isDocument {
			return refuse(OpAddDocument, w.path, "%s is not a document type", nodeType)
		}
		folder, err := session.GetNodeByID(ctx, w.folderID)
		if err != nil {
			return err
		}
		handle, err := session.AddNode(ctx, folder, name, nodetype.HippoHandle)
		if err != nil {
			return err
		}
		variant, err := session.AddNodeWithRef(ctx, handle, name, StateUnpublished, ref)
		if err != nil {
			return err
		}
		content := make(map[string]any, len(properties)+5)
		for key, value := range properties {
			content[key] = value
		}
		now := formatTime(w.binding.now())
		content[PropState] = StateUnpublished
		content[PropCreatedBy] = w.binding.Principal.UserID
		content[PropCreationDate] = now
		content[PropLastModifiedBy] = w.binding.Principal.UserID
		content[PropLastModificationDate] = now
		if err := session.ReplaceProperties(variant, content); err != nil {
			return err
		}
		handleID = handle.ID
		w.binding.audit(session, handle, OpAddDocument, nil, "")
		return session.Save(ctx)
	})
	if err != nil {
		return nil, err
	}
	return w.binding.runtime.repo.Login(w.binding.Principal.UserID).GetNodeByID(ctx, handleID)
}

// AddFolder creates a subfolder called name.
func (w *FolderWorkflow) AddFolder(ctx context.Context, name string) (*repository.Node, error) {
	var folderID string
	err := w.binding.invoke(ctx, w.folderID, w.path, OpAddFolder, func(ctx context.Context, session *repository.Session) error {
		if err := w.checkAdd(OpAddFolder); err != nil {
			return err
		}
		parent, err := session.GetNodeByID(ctx, w.folderID)
		if err != nil {
			return err
		}
		folder, err := session.AddNode(ctx, parent, name, nodetype.HippoStdFolder)
		if err != nil {
			return err
		}
		folderID = folder.ID
		return session.Save(ctx)
	})
	if err != nil {
		return nil, err
	}
	return w.binding.runtime.repo.Login(w.binding.Principal.UserID).GetNodeByID(ctx, folderID)
}

// Hints reports which operations the caller may invoke right now.
func (w *FolderWorkflow) Hints(context.Context) (map[string]bool, error) {
	return map[string]bool{
		OpAddDocument: w.checkAdd(OpAddDocument) == nil,
		OpAddFolder:   w.checkAdd(OpAddFolder) == nil,
	}, nil
}

func (w *FolderWorkflow) checkAdd(operation string) error {
	if !w.binding.Principal.CanEdit() {
		return refuse(operation, w.path, "%s may not create content", w.binding.Principal.UserID)
	}
	return nil
}

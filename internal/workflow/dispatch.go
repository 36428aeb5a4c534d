package workflow

import (
	"context"
	"time"
)

// Invocation names an operation and its arguments for callers that dispatch by name.
type Invocation struct {
	Operation   string
	Comment     string
	ScheduledAt *time.Time
	Name        string
	NodeType    string
	Properties  map[string]any
}

// Invoke runs inv against workflow. Operations that produce a node return its identifier.
func Invoke(ctx context.Context, workflow Workflow, inv Invocation) (string, error) {
	switch typed := workflow.(type) {
	case *DocumentWorkflow:
		return invokeDocument(ctx, typed, inv)
	case *RequestWorkflow:
		switch inv.Operation {
		case OpAcceptRequest:
			return "", typed.AcceptRequest(ctx)
		case OpRejectRequest:
			return "", typed.RejectRequest(ctx, inv.Comment)
		case OpCancelRequest:
			return "", typed.CancelRequest(ctx)
		}
		return "", unknownOperation(inv.Operation, typed.path)
	case *FolderWorkflow:
		switch inv.Operation {
		case OpAddDocument:
			node, err := typed.AddDocument(ctx, inv.Name, inv.NodeType, inv.Properties)
			if err != nil {
				return "", err
			}
			return node.ID, nil
		case OpAddFolder:
			node, err := typed.AddFolder(ctx, inv.Name)
			if err != nil {
				return "", err
			}
			return node.ID, nil
		}
		return "", unknownOperation(inv.Operation, typed.path)
	default:
		return "", unknownOperation(inv.Operation, "")
	}
}

func invokeDocument(ctx context.Context, workflow *DocumentWorkflow, inv Invocation) (string, error) {
	switch inv.Operation {
	case OpObtainEditableInstance:
		draft, err := workflow.ObtainEditableInstance(ctx)
		if err != nil {
			return "", err
		}
		return draft.ID, nil
	case OpCommitEditableInstance:
		return "", workflow.CommitEditableInstance(ctx)
	case OpDisposeEditableInstance:
		return "", workflow.DisposeEditableInstance(ctx)
	case OpRequestPublication:
		return "", workflow.RequestPublication(ctx, inv.ScheduledAt)
	case OpRequestDepublication:
		return "", workflow.RequestDepublication(ctx, inv.ScheduledAt)
	case OpRequestDeletion:
		return "", workflow.RequestDeletion(ctx)
	case OpPublish:
		return "", workflow.Publish(ctx)
	case OpDepublish:
		return "", workflow.Depublish(ctx)
	case OpDelete:
		return "", workflow.Delete(ctx)
	default:
		return "", unknownOperation(inv.Operation, workflow.path)
	}
}

func unknownOperation(operation, path string) error {
	return refuse(operation, path, "unknown operation")
}

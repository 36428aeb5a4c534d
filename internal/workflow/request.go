package workflow

import (
	"context"

	"github.com/onehippo/hippo-repository/internal/repository"
)

// Request workflow operation names, also used as hint keys.
const (
	OpAcceptRequest = "acceptRequest"
	OpRejectRequest = "rejectRequest"
	OpCancelRequest = "cancelRequest"
)

// RequestWorkflow reviews one pending request.
type RequestWorkflow struct {
	binding   Binding
	requestID string
	handleID  string
	path      string
}

func newRequestWorkflow(_ context.Context, binding Binding) (Workflow, error) {
	request := binding.Subject
	return &RequestWorkflow{
		binding:   binding,
		requestID: request.ID,
		handleID:  request.ParentID,
		path:      repository.ParentPath(request.Path),
	}, nil
}

// AcceptRequest carries out the request and removes it. A request scheduled in the future
// is only marked accepted; the scheduler executes it when it falls due.
func (w *RequestWorkflow) AcceptRequest(ctx context.Context) error {
	return w.binding.invoke(ctx, w.handleID, w.path, OpAcceptRequest, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := w.checkAccept(document); err != nil {
			return err
		}
		request := document.request
		if scheduled, ok := parseTime(request.StringProperty(PropRequestSchedule)); ok && scheduled.After(w.binding.now()) {
			if err := session.SetProperty(request, PropRequestAccepted, true); err != nil {
				return err
			}
			session.Touch(document.handle)
			w.binding.audit(session, document.handle, OpAcceptRequest, request, "")
			return session.Save(ctx)
		}
		return executeRequest(ctx, session, document, w.binding, OpAcceptRequest)
	})
}

// RejectRequest removes the request and records comment for the requester. The document
// variants are left untouched.
func (w *RequestWorkflow) RejectRequest(ctx context.Context, comment string) error {
	return w.binding.invoke(ctx, w.handleID, w.path, OpRejectRequest, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := w.checkReview(document, OpRejectRequest); err != nil {
			return err
		}
		return w.dropRequest(ctx, session, document, OpRejectRequest, comment)
	})
}

// CancelRequest withdraws the request. Only the requester may cancel.
func (w *RequestWorkflow) CancelRequest(ctx context.Context) error {
	return w.binding.invoke(ctx, w.handleID, w.path, OpCancelRequest, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := w.checkCancel(document); err != nil {
			return err
		}
		return w.dropRequest(ctx, session, document, OpCancelRequest, "")
	})
}

// Hints reports which operations the caller may invoke right now.
func (w *RequestWorkflow) Hints(ctx context.Context) (map[string]bool, error) {
	hints := map[string]bool{}
	err := w.binding.read(ctx, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		hints[OpAcceptRequest] = w.checkAccept(document) == nil
		hints[OpRejectRequest] = w.checkReview(document, OpRejectRequest) == nil
		hints[OpCancelRequest] = w.checkCancel(document) == nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hints, nil
}

func (w *RequestWorkflow) dropRequest(ctx context.Context, session *repository.Session, document *documentState, operation, comment string) error {
	request := document.request
	session.RemoveNode(request)
	session.Touch(document.handle)
	w.binding.audit(session, document.handle, operation, request, comment)
	return session.Save(ctx)
}

func (w *RequestWorkflow) pending(document *documentState, operation string) error {
	if document.request == nil || document.request.ID != w.requestID {
		return refuse(operation, w.path, "the request is no longer pending")
	}
	return nil
}

func (w *RequestWorkflow) checkReview(document *documentState, operation string) error {
	if !w.binding.Principal.CanPublish() {
		return refuse(operation, w.path, "%s may not review requests", w.binding.Principal.UserID)
	}
	return w.pending(document, operation)
}

func (w *RequestWorkflow) checkAccept(document *documentState) error {
	if err := w.checkReview(document, OpAcceptRequest); err != nil {
		return err
	}
	if document.request.BoolProperty(PropRequestAccepted) {
		return refuse(OpAcceptRequest, w.path, "the request is already accepted and waits for its schedule")
	}
	return nil
}

func (w *RequestWorkflow) checkCancel(document *documentState) error {
	if err := w.pending(document, OpCancelRequest); err != nil {
		return err
	}
	if requester := document.request.StringProperty(PropRequestUser); requester != w.binding.Principal.UserID {
		return refuse(OpCancelRequest, w.path, "only %s may cancel the request", requester)
	}
	return nil
}

// executeRequest removes the pending request and performs the transition it asks for, in
// the same save.
func executeRequest(ctx context.Context, session *repository.Session, document *documentState, binding Binding, operation string) error {
	request := document.request
	session.RemoveNode(request)
	document.request = nil

	var effect documentEffect
	switch requestType := request.StringProperty(PropRequestType); requestType {
	case RequestPublish:
		effect = publishDocument
	case RequestDepublish:
		effect = depublishDocument
	case RequestDelete:
		effect = deleteDocument
	default:
		return refuse(operation, document.handle.Path, "unknown request type %q", requestType)
	}
	if err := effect(ctx, session, document, binding); err != nil {
		return err
	}
	if request.StringProperty(PropRequestType) != RequestDelete {
		session.Touch(document.handle)
	}
	binding.audit(session, document.handle, operation, request, "")
	return session.Save(ctx)
}

package workflow

import (
	"context"
	"time"

	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
)

// Document workflow operation names, also used as hint keys.
const (
	OpObtainEditableInstance  = "obtainEditableInstance"
	OpCommitEditableInstance  = "commitEditableInstance"
	OpDisposeEditableInstance = "disposeEditableInstance"
	OpRequestPublication      = "requestPublication"
	OpRequestDepublication    = "requestDepublication"
	OpRequestDeletion         = "requestDeletion"
	OpPublish                 = "publish"
	OpDepublish               = "depublish"
	OpDelete                  = "delete"
)

// DocumentWorkflow drives the review-publish life cycle of one handle.
type DocumentWorkflow struct {
	binding  Binding
	handleID string
	path     string
}

func newDocumentWorkflow(_ context.Context, binding Binding) (Workflow, error) {
	return &DocumentWorkflow{binding: binding, handleID: binding.Subject.ID, path: binding.Subject.Path}, nil
}

// HandleID returns the identifier of the handle the workflow is bound to.
func (w *DocumentWorkflow) HandleID() string {
	return w.handleID
}

// History lists the audited transitions of the handle, oldest first, including the
// comments left when a request was rejected.
func (w *DocumentWorkflow) History(ctx context.Context) ([]Event, error) {
	return Events(ctx, w.binding.runtime.repo.Database(), w.handleID)
}

// ObtainEditableInstance returns the caller's draft, creating it from the unpublished
// variant, or the published one when there is no unpublished variant. Another user's draft
// or a pending request refuses the call.
func (w *DocumentWorkflow) ObtainEditableInstance(ctx context.Context) (*repository.Node, error) {
	var draftID string
	err := w.binding.invoke(ctx, w.handleID, w.path, OpObtainEditableInstance, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := checkObtain(document, w.binding.Principal, w.path); err != nil {
			return err
		}
		if draft := document.draft(); draft != nil {
			draftID = draft.ID
			return nil
		}
		draft, err := copyVariant(ctx, session, document, document.current(), StateDraft)
		if err != nil {
			return err
		}
		if err := session.SetProperty(draft, PropHolder, w.binding.Principal.UserID); err != nil {
			return err
		}
		draftID = draft.ID
		session.Touch(document.handle)
		w.binding.audit(session, document.handle, OpObtainEditableInstance, nil, "")
		return session.Save(ctx)
	})
	if err != nil {
		return nil, err
	}
	return w.binding.runtime.repo.Login(w.binding.Principal.UserID).GetNodeByID(ctx, draftID)
}

// CommitEditableInstance copies the caller's draft into the unpublished variant and
// releases it.
func (w *DocumentWorkflow) CommitEditableInstance(ctx context.Context) error {
	return w.binding.invoke(ctx, w.handleID, w.path, OpCommitEditableInstance, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := checkHolder(document, w.binding.Principal, OpCommitEditableInstance, w.path); err != nil {
			return err
		}
		if err := commitDraft(ctx, session, document, w.binding); err != nil {
			return err
		}
		session.Touch(document.handle)
		w.binding.audit(session, document.handle, OpCommitEditableInstance, nil, "")
		return session.Save(ctx)
	})
}

// DisposeEditableInstance drops the caller's draft without keeping its changes.
func (w *DocumentWorkflow) DisposeEditableInstance(ctx context.Context) error {
	return w.binding.invoke(ctx, w.handleID, w.path, OpDisposeEditableInstance, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := checkHolder(document, w.binding.Principal, OpDisposeEditableInstance, w.path); err != nil {
			return err
		}
		session.RemoveNode(document.draft())
		session.Touch(document.handle)
		w.binding.audit(session, document.handle, OpDisposeEditableInstance, nil, "")
		return session.Save(ctx)
	})
}

// RequestPublication asks a reviewer to publish the document, optionally at scheduledAt.
// The caller's draft is committed first so the request covers it.
func (w *DocumentWorkflow) RequestPublication(ctx context.Context, scheduledAt *time.Time) error {
	return w.request(ctx, OpRequestPublication, RequestPublish, scheduledAt)
}

// RequestDepublication asks a reviewer to take the document offline, optionally at scheduledAt.
func (w *DocumentWorkflow) RequestDepublication(ctx context.Context, scheduledAt *time.Time) error {
	return w.request(ctx, OpRequestDepublication, RequestDepublish, scheduledAt)
}

// RequestDeletion asks a reviewer to delete the document with all its variants.
func (w *DocumentWorkflow) RequestDeletion(ctx context.Context) error {
	return w.request(ctx, OpRequestDeletion, RequestDelete, nil)
}

func (w *DocumentWorkflow) request(ctx context.Context, operation, requestType string, scheduledAt *time.Time) error {
	return w.binding.invoke(ctx, w.handleID, w.path, operation, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := checkRequest(document, w.binding.Principal, operation, requestType, w.path); err != nil {
			return err
		}
		if requestType == RequestPublish && document.holder() == w.binding.Principal.UserID {
			if err := commitDraft(ctx, session, document, w.binding); err != nil {
				return err
			}
		}
		request, err := session.AddNode(ctx, document.handle, RequestName, nodetype.HippoStdPubWfRequest)
		if err != nil {
			return err
		}
		properties := map[string]any{
			PropRequestType: requestType,
			PropRequestUser: w.binding.Principal.UserID,
			PropRequestDate: formatTime(w.binding.now()),
		}
		if scheduledAt != nil {
			properties[PropRequestSchedule] = formatTime(*scheduledAt)
		}
		if target := document.current(); target != nil {
			properties[PropRequestDocument] = target.ID
		}
		if err := session.ReplaceProperties(request, properties); err != nil {
			return err
		}
		session.Touch(document.handle)
		w.binding.audit(session, document.handle, operation, request, "")
		return session.Save(ctx)
	})
}

// Publish makes the current content live without a review round. The published variant
// keeps its identity when it already exists.
func (w *DocumentWorkflow) Publish(ctx context.Context) error {
	return w.direct(ctx, OpPublish, checkPublish, publishDocument)
}

// Depublish takes the document offline, keeping its content in the unpublished variant.
func (w *DocumentWorkflow) Depublish(ctx context.Context) error {
	return w.direct(ctx, OpDepublish, checkDepublish, depublishDocument)
}

// Delete removes the handle with every variant.
func (w *DocumentWorkflow) Delete(ctx context.Context) error {
	return w.direct(ctx, OpDelete, checkDelete, deleteDocument)
}

type documentCheck func(document *documentState, principal Principal, path string) error

type documentEffect func(ctx context.Context, session *repository.Session, document *documentState, binding Binding) error

func (w *DocumentWorkflow) direct(ctx context.Context, operation string, check documentCheck, effect documentEffect) error {
	return w.binding.invoke(ctx, w.handleID, w.path, operation, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		if err := check(document, w.binding.Principal, w.path); err != nil {
			return err
		}
		if err := effect(ctx, session, document, w.binding); err != nil {
			return err
		}
		if operation != OpDelete {
			session.Touch(document.handle)
		}
		w.binding.audit(session, document.handle, operation, nil, "")
		return session.Save(ctx)
	})
}

// Hints reports which operations the caller may invoke right now.
func (w *DocumentWorkflow) Hints(ctx context.Context) (map[string]bool, error) {
	hints := map[string]bool{}
	err := w.binding.read(ctx, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, w.handleID)
		if err != nil {
			return err
		}
		principal := w.binding.Principal
		hints[OpObtainEditableInstance] = checkObtain(document, principal, w.path) == nil
		hints[OpCommitEditableInstance] = checkHolder(document, principal, OpCommitEditableInstance, w.path) == nil
		hints[OpDisposeEditableInstance] = checkHolder(document, principal, OpDisposeEditableInstance, w.path) == nil
		hints[OpRequestPublication] = checkRequest(document, principal, OpRequestPublication, RequestPublish, w.path) == nil
		hints[OpRequestDepublication] = checkRequest(document, principal, OpRequestDepublication, RequestDepublish, w.path) == nil
		hints[OpRequestDeletion] = checkRequest(document, principal, OpRequestDeletion, RequestDelete, w.path) == nil
		hints[OpPublish] = checkPublish(document, principal, w.path) == nil
		hints[OpDepublish] = checkDepublish(document, principal, w.path) == nil
		hints[OpDelete] = checkDelete(document, principal, w.path) == nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hints, nil
}

func checkObtain(document *documentState, principal Principal, path string) error {
	if !principal.CanEdit() {
		return refuse(OpObtainEditableInstance, path, "%s may not edit documents", principal.UserID)
	}
	if document.request != nil {
		return refuse(OpObtainEditableInstance, path, "a %s request is pending", document.request.StringProperty(PropRequestType))
	}
	if holder := document.holder(); document.draft() != nil && holder != principal.UserID {
		return refuse(OpObtainEditableInstance, path, "already being edited by %s", holder)
	}
	if document.draft() == nil && document.current() == nil {
		return refuse(OpObtainEditableInstance, path, "the document has no content to edit")
	}
	return nil
}

func checkHolder(document *documentState, principal Principal, operation, path string) error {
	if document.draft() == nil {
		return refuse(operation, path, "the document is not being edited")
	}
	if holder := document.holder(); holder != principal.UserID {
		return refuse(operation, path, "the draft is held by %s", holder)
	}
	return nil
}

func checkRequest(document *documentState, principal Principal, operation, requestType, path string) error {
	if !principal.CanEdit() {
		return refuse(operation, path, "%s may not request changes", principal.UserID)
	}
	if document.request != nil {
		return refuse(operation, path, "a %s request is already pending", document.request.StringProperty(PropRequestType))
	}
	if holder := document.holder(); document.draft() != nil && holder != principal.UserID {
		return refuse(operation, path, "being edited by %s", holder)
	}
	switch requestType {
	case RequestPublish:
		if document.unpublished() == nil && document.draft() == nil {
			return refuse(operation, path, "there is nothing to publish")
		}
	case RequestDepublish:
		if document.published() == nil {
			return refuse(operation, path, "the document is not published")
		}
	}
	return nil
}

func checkPublish(document *documentState, principal Principal, path string) error {
	if !principal.CanPublish() {
		return refuse(OpPublish, path, "%s may not publish", principal.UserID)
	}
	if document.request != nil {
		return refuse(OpPublish, path, "a %s request is pending", document.request.StringProperty(PropRequestType))
	}
	if holder := document.holder(); document.draft() != nil && holder != principal.UserID {
		return refuse(OpPublish, path, "being edited by %s", holder)
	}
	if document.unpublished() == nil && document.draft() == nil {
		return refuse(OpPublish, path, "there is nothing to publish")
	}
	return nil
}

func checkDepublish(document *documentState, principal Principal, path string) error {
	if !principal.CanPublish() {
		return refuse(OpDepublish, path, "%s may not depublish", principal.UserID)
	}
	if document.request != nil {
		return refuse(OpDepublish, path, "a %s request is pending", document.request.StringProperty(PropRequestType))
	}
	if document.published() == nil {
		return refuse(OpDepublish, path, "the document is not published")
	}
	return nil
}

func checkDelete(document *documentState, principal Principal, path string) error {
	if !principal.CanPublish() {
		return refuse(OpDelete, path, "%s may not delete documents", principal.UserID)
	}
	if document.request != nil {
		return refuse(OpDelete, path, "a %s request is pending", document.request.StringProperty(PropRequestType))
	}
	if holder := document.holder(); document.draft() != nil && holder != principal.UserID {
		return refuse(OpDelete, path, "being edited by %s", holder)
	}
	return nil
}

// publishDocument commits the actor's draft, then copies the unpublished content into the
// published variant.
func publishDocument(ctx context.Context, session *repository.Session, document *documentState, binding Binding) error {
	if document.draft() != nil && document.holder() == binding.Principal.UserID {
		if err := commitDraft(ctx, session, document, binding); err != nil {
			return err
		}
	}
	source := document.unpublished()
	if source == nil {
		return refuse(OpPublish, document.handle.Path, "there is nothing to publish")
	}
	now := formatTime(binding.now())
	var published *repository.Node
	var err error
	if existing := document.published(); existing != nil {
		err = overwriteVariant(ctx, session, existing, source, StatePublished)
		published = existing
	} else {
		published, err = copyVariant(ctx, session, document, source, StatePublished)
	}
	if err != nil {
		return err
	}
	if err := session.SetProperty(published, PropPublicationDate, now); err != nil {
		return err
	}
	return session.SetProperty(source, PropPublicationDate, now)
}

// depublishDocument removes the published variant, first copying it to unpublished when
// there is no unpublished variant.
func depublishDocument(ctx context.Context, session *repository.Session, document *documentState, _ Binding) error {
	published := document.published()
	if published == nil {
		return refuse(OpDepublish, document.handle.Path, "the document is not published")
	}
	if document.unpublished() == nil {
		if _, err := copyVariant(ctx, session, document, published, StateUnpublished); err != nil {
			return err
		}
	}
	session.RemoveNode(published)
	delete(document.variants, StatePublished)
	return nil
}

func deleteDocument(_ context.Context, session *repository.Session, document *documentState, _ Binding) error {
	session.RemoveNode(document.handle)
	return nil
}

// commitDraft moves the draft content into the unpublished variant and removes the draft.
func commitDraft(ctx context.Context, session *repository.Session, document *documentState, binding Binding) error {
	draft := document.draft()
	if draft == nil {
		return nil
	}
	var target *repository.Node
	var err error
	if existing := document.unpublished(); existing != nil {
		err = overwriteVariant(ctx, session, existing, draft, StateUnpublished)
		target = existing
	} else {
		target, err = copyVariant(ctx, session, document, draft, StateUnpublished)
	}
	if err != nil {
		return err
	}
	if err := session.RemoveProperty(target, PropHolder); err != nil {
		return err
	}
	if err := session.SetProperty(target, PropLastModifiedBy, binding.Principal.UserID); err != nil {
		return err
	}
	if err := session.SetProperty(target, PropLastModificationDate, formatTime(binding.now())); err != nil {
		return err
	}
	session.RemoveNode(draft)
	delete(document.variants, StateDraft)
	return nil
}

// copyVariant adds a new variant holding a deep copy of source.
func copyVariant(ctx context.Context, session *repository.Session, document *documentState, source *repository.Node, state string) (*repository.Node, error) {
	handle := document.handle
	variant, err := session.AddNodeWithRef(ctx, handle, handle.Name, state, source.Ref())
	if err != nil {
		return nil, err
	}
	if err := session.ReplaceProperties(variant, variantProperties(source, state)); err != nil {
		return nil, err
	}
	if err := syncChildren(ctx, session, source, variant); err != nil {
		return nil, err
	}
	document.variants[state] = variant
	return variant, nil
}

// overwriteVariant replaces the content of target with that of source in place.
func overwriteVariant(ctx context.Context, session *repository.Session, target, source *repository.Node, state string) error {
	if err := session.ReplaceProperties(target, variantProperties(source, state)); err != nil {
		return err
	}
	if err := session.SetPrimaryType(target, source.Ref()); err != nil {
		return err
	}
	return syncChildren(ctx, session, source, target)
}

func variantProperties(source *repository.Node, state string) map[string]any {
	properties := source.CopyProperties()
	properties[PropState] = state
	if state != StateDraft {
		delete(properties, PropHolder)
	}
	return properties
}

// syncChildren makes the subtree below target mirror the one below source. Children with
// the same path segment are rewritten in place and keep their identity.
func syncChildren(ctx context.Context, session *repository.Session, source, target *repository.Node) error {
	current, err := session.Children(ctx, target)
	if err != nil {
		return err
	}
	existing := make(map[string]*repository.Node, len(current))
	for _, child := range current {
		existing[repository.Segment(child.Name, child.Qualifier)] = child
	}
	children, err := session.Children(ctx, source)
	if err != nil {
		return err
	}
	for _, child := range children {
		segment := repository.Segment(child.Name, child.Qualifier)
		mirror, ok := existing[segment]
		if ok {
			delete(existing, segment)
			if err := session.SetPrimaryType(mirror, child.Ref()); err != nil {
				return err
			}
		} else {
			mirror, err = session.AddNodeWithRef(ctx, target, child.Name, child.Qualifier, child.Ref())
			if err != nil {
				return err
			}
		}
		if err := session.ReplaceProperties(mirror, child.CopyProperties()); err != nil {
			return err
		}
		if err := syncChildren(ctx, session, child, mirror); err != nil {
			return err
		}
	}
	for _, stale := range existing {
		session.RemoveNode(stale)
	}
	return nil
}

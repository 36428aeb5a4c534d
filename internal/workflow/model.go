package workflow

import (
	"context"
	"time"

	"github.com/onehippo/hippo-repository/internal/repository"
)

// Variant states. A variant is a child of its handle named like the handle and qualified
// by its state.
const (
	StateDraft       = "draft"
	StateUnpublished = "unpublished"
	StatePublished   = "published"
)

// Request types.
const (
	RequestPublish   = "publish"
	RequestDepublish = "depublish"
	RequestDelete    = "delete"
)

const (
	PropState                = "hippostd:state"
	PropHolder               = "hippostd:holder"
	PropCreatedBy            = "hippostdpubwf:createdBy"
	PropCreationDate         = "hippostdpubwf:creationDate"
	PropLastModifiedBy       = "hippostdpubwf:lastModifiedBy"
	PropLastModificationDate = "hippostdpubwf:lastModificationDate"
	PropPublicationDate      = "hippostdpubwf:publicationDate"

	PropRequestType     = "hippostdpubwf:type"
	PropRequestUser     = "hippostdpubwf:username"
	PropRequestDate     = "hippostdpubwf:reqdate"
	PropRequestSchedule = "hippostdpubwf:scheduledate"
	PropRequestAccepted = "hippostdpubwf:accepted"
	PropRequestDocument = "hippostdpubwf:document"

	// RequestName is the fixed child name of a pending request. One path per handle keeps
	// requests exclusive.
	RequestName = "hippo:request"
)

// documentState is one session's view of a handle: its variants and pending request.
type documentState struct {
	handle   *repository.Node
	variants map[string]*repository.Node
	request  *repository.Node
}

func loadDocument(ctx context.Context, session *repository.Session, handleID string) (*documentState, error) {
	handle, err := session.GetNodeByID(ctx, handleID)
	if err != nil {
		return nil, err
	}
	children, err := session.Children(ctx, handle)
	if err != nil {
		return nil, err
	}
	state := &documentState{handle: handle, variants: map[string]*repository.Node{}}
	for _, child := range children {
		switch {
		case child.Name == RequestName && child.Qualifier == "":
			state.request = child
		case child.Name == handle.Name && isVariantState(child.Qualifier):
			state.variants[child.Qualifier] = child
		}
	}
	return state, nil
}

func isVariantState(qualifier string) bool {
	switch qualifier {
	case StateDraft, StateUnpublished, StatePublished:
		return true
	default:
		return false
	}
}

func (d *documentState) draft() *repository.Node       { return d.variants[StateDraft] }
func (d *documentState) unpublished() *repository.Node { return d.variants[StateUnpublished] }
func (d *documentState) published() *repository.Node   { return d.variants[StatePublished] }

// current returns the freshest saved content: unpublished, else published.
func (d *documentState) current() *repository.Node {
	if node := d.unpublished(); node != nil {
		return node
	}
	return d.published()
}

func (d *documentState) holder() string {
	if draft := d.draft(); draft != nil {
		return draft.StringProperty(PropHolder)
	}
	return ""
}

func formatTime(value time.Time) string {
	return value.UTC().Format(time.RFC3339)
}

func parseTime(raw string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

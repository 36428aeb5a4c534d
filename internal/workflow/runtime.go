package workflow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/metrics"
	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
)

// Binding is what a factory receives: the subject a workflow acts on, who it acts for, and
// the machinery that runs its operations.
type Binding struct {
	Category  string
	Subject   *repository.Node
	Principal Principal

	runtime *runtime
}

// runtime runs workflow operations: one per handle at a time, each in a fresh session,
// traced and measured.
type runtime struct {
	repo     *repository.Repository
	registry *nodetype.Registry
	clock    func() time.Time
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *metrics.Metrics
	guard    *handleGuard
}

type operationFunc func(ctx context.Context, session *repository.Session) error

func (b Binding) now() time.Time {
	return b.runtime.clock().UTC()
}

// read runs fn against a fresh session without taking the handle slot.
func (b Binding) read(ctx context.Context, fn operationFunc) error {
	return fn(ctx, b.runtime.repo.Login(b.Principal.UserID))
}

// invoke runs one operation for the handle. Save conflicts become workflow errors:
// somebody else changed the document first and the caller has to look again.
func (b Binding) invoke(ctx context.Context, handleID, path, operation string, fn operationFunc) (err error) {
	rt := b.runtime
	ctx, span := rt.tracer.Start(ctx, "workflow."+operation, trace.WithAttributes(
		attribute.String("workflow.category", b.Category),
		attribute.String("workflow.path", path),
		attribute.String("workflow.user", b.Principal.UserID),
	))
	defer span.End()

	started := rt.clock()
	done := rt.metrics.TrackInFlight()
	defer func() {
		done()
		outcome := "ok"
		switch {
		case err == nil:
		case errors.Is(err, ErrNotAllowed):
			outcome = "refused"
		default:
			outcome = "error"
		}
		rt.metrics.RecordWorkflow(b.Category, operation, outcome, rt.clock().Sub(started))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
	}()

	release, err := rt.guard.acquire(ctx, handleID)
	if err != nil {
		return err
	}
	defer release()

	session := rt.repo.Login(b.Principal.UserID)
	err = fn(ctx, session)
	switch {
	case err == nil:
		rt.logger.Debug("workflow operation completed",
			zap.String("operation", operation),
			zap.String("path", path),
			zap.String("user_id", b.Principal.UserID),
		)
		return nil
	case errors.Is(err, ErrNotAllowed):
		return err
	case errors.Is(err, repository.ErrConflict):
		return &Error{Operation: operation, Path: path, Message: "the document was changed concurrently", Err: err}
	case errors.Is(err, repository.ErrItemNotFound):
		return &Error{Operation: operation, Path: path, Message: "the document no longer exists", Err: err}
	default:
		rt.logger.Error("workflow error",
			zap.String("operation", operation),
			zap.String("reason", "operation_failed"),
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}
}

func (b Binding) audit(session *repository.Session, handle *repository.Node, operation string, request *repository.Node, comment string) {
	event := Event{
		HandleID:         handle.ID,
		HandlePath:       handle.Path,
		Category:         b.Category,
		Operation:        operation,
		Actor:            b.Principal.UserID,
		Comment:          comment,
		CreatedAtSeconds: b.now().Unix(),
	}
	if request != nil {
		event.RequestType = request.StringProperty(PropRequestType)
		event.Requester = request.StringProperty(PropRequestUser)
	}
	record(session, event)
}

package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/onehippo/hippo-repository/internal/nodetype"
	"github.com/onehippo/hippo-repository/internal/repository"
)

const (
	// OpExecuteScheduled audits requests carried out by the scheduler.
	OpExecuteScheduled = "executeScheduledRequest"

	defaultSchedulerInterval = time.Minute
	schedulerBatchSize       = 100
)

// Scheduler carries out accepted requests whose schedule has passed.
type Scheduler struct {
	manager  *Manager
	interval time.Duration
}

// NewScheduler constructs a Scheduler polling every interval.
func NewScheduler(manager *Manager, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultSchedulerInterval
	}
	return &Scheduler{manager: manager, interval: interval}
}

// Run polls until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil && ctx.Err() == nil {
				s.manager.logger.Error("workflow error",
					zap.String("operation", OpExecuteScheduled),
					zap.String("reason", "scan_failed"),
					zap.Error(err),
				)
			}
		}
	}
}

// RunDue executes every accepted request that is due and returns how many ran. A request
// that fails is logged and left for the next run.
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	rt := s.manager.runtime
	ref, err := rt.registry.Resolve(ctx, nodetype.HippoStdPubWfRequest)
	if err != nil {
		return 0, err
	}
	now := rt.clock().UTC()
	executed := 0
	afterID := ""
	for {
		batch, err := rt.repo.FindByType(ctx, ref, afterID, schedulerBatchSize)
		if err != nil {
			return executed, err
		}
		if len(batch) == 0 {
			return executed, nil
		}
		for index := range batch {
			request := &batch[index]
			afterID = request.ID
			if !isDue(request, now) {
				continue
			}
			err := s.execute(ctx, request)
			switch {
			case err == nil:
				executed++
				rt.metrics.RecordScheduled("executed")
			case errors.Is(err, ErrNotAllowed):
				rt.metrics.RecordScheduled("skipped")
				rt.logger.Info("scheduled request skipped", zap.String("path", request.Path), zap.Error(err))
			default:
				rt.metrics.RecordScheduled("failed")
				rt.logger.Warn("scheduled request failed", zap.String("path", request.Path), zap.Error(err))
			}
		}
	}
}

func isDue(request *repository.Node, now time.Time) bool {
	if !request.BoolProperty(PropRequestAccepted) {
		return false
	}
	scheduled, ok := parseTime(request.StringProperty(PropRequestSchedule))
	return ok && !scheduled.After(now)
}

func (s *Scheduler) execute(ctx context.Context, request *repository.Node) error {
	binding := Binding{
		Category:  DefaultCategory,
		Subject:   request,
		Principal: SystemPrincipal(),
		runtime:   s.manager.runtime,
	}
	path := repository.ParentPath(request.Path)
	return binding.invoke(ctx, request.ParentID, path, OpExecuteScheduled, func(ctx context.Context, session *repository.Session) error {
		document, err := loadDocument(ctx, session, request.ParentID)
		if err != nil {
			return err
		}
		if document.request == nil || document.request.ID != request.ID {
			return refuse(OpExecuteScheduled, path, "the request is no longer pending")
		}
		if !isDue(document.request, binding.now()) {
			return refuse(OpExecuteScheduled, path, "the request is not due")
		}
		return executeRequest(ctx, session, document, binding, OpExecuteScheduled)
	})
}

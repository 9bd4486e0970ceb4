/**
 * @description
 * Moderator batch updates. A moderator stages status changes for many
 * applications and commits them together. Each staged change is an
 * independent guarded transition: there is no rollback, and the commit
 * reports per-row results instead of failing as a whole.
 *
 * @dependencies
 * - golang.org/x/sync/errgroup: bounded concurrent fan-out.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
	"golang.org/x/sync/errgroup"
)

// Failure reasons reported by CommitAll.
const (
	FailureStale     = "stale_transition"
	FailureIllegal   = "illegal_transition"
	FailureInvalid   = "invalid_status"
	FailureNotFound  = "not_found"
	FailureForbidden = "forbidden"
	FailureCanceled  = "canceled"
	FailureInternal  = "internal"
)

const defaultCommitConcurrency = 8

// StagingMap holds uncommitted status changes keyed by application id.
type StagingMap map[uuid.UUID]domain.ApplicationStatus

// Stage records a proposed status for id, replacing any earlier one. It does
// no I/O and no validation.
func (m StagingMap) Stage(id uuid.UUID, status domain.ApplicationStatus) {
	m[id] = status
}

// Transitioner applies one status change.
type Transitioner interface {
	TransitionStatus(ctx context.Context, actor Actor, id uuid.UUID, to domain.ApplicationStatus) (*domain.Application, error)
}

// Coordinator commits staging maps.
type Coordinator struct {
	transitioner Transitioner
	staging      StagingStore
	policy       Policy
	concurrency  int
}

func NewCoordinator(transitioner Transitioner, staging StagingStore, policy Policy, concurrency int) *Coordinator {
	if concurrency <= 0 {
		concurrency = defaultCommitConcurrency
	}
	return &Coordinator{transitioner: transitioner, staging: staging, policy: policy, concurrency: concurrency}
}

// CommitAll applies every staged change concurrently. Committed ids are removed
// from staged; failed ids stay so the moderator can retry or drop them.
// CommitAll never returns an error.
func (c *Coordinator) CommitAll(ctx context.Context, actor Actor, staged StagingMap) domain.BatchCommitReport {
	report := domain.BatchCommitReport{
		Committed: make([]uuid.UUID, 0, len(staged)),
		Failed:    make([]domain.BatchCommitFailure, 0),
	}
	if len(staged) == 0 {
		return report
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.concurrency)

	for id, status := range staged {
		id, status := id, status
		g.Go(func() error {
			err := c.commitOne(ctx, actor, id, status)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed = append(report.Failed, domain.BatchCommitFailure{
					ApplicationID: id,
					Requested:     status,
					Reason:        failureReason(err),
					Error:         err.Error(),
				})
				return nil
			}
			report.Committed = append(report.Committed, id)
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range report.Committed {
		delete(staged, id)
	}

	sort.Slice(report.Committed, func(i, j int) bool {
		return report.Committed[i].String() < report.Committed[j].String()
	})
	sort.Slice(report.Failed, func(i, j int) bool {
		return report.Failed[i].ApplicationID.String() < report.Failed[j].ApplicationID.String()
	})

	log.Printf("level=info component=batch_coordinator msg=\"batch committed\" actor=%s committed=%d failed=%d", actor.UserID, len(report.Committed), len(report.Failed))
	return report
}

func (c *Coordinator) commitOne(ctx context.Context, actor Actor, id uuid.UUID, status domain.ApplicationStatus) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("level=error component=batch_coordinator msg=\"transition panicked\" application_id=%s panic=%v", id, r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	_, err = c.transitioner.TransitionStatus(ctx, actor, id, status)
	return err
}

// CommitStaged commits the moderator's stored staging map and removes the
// committed entries from it, unless they were re-staged during the commit. The error is non-nil only when the staging store
// itself cannot be read.
func (c *Coordinator) CommitStaged(ctx context.Context, actor Actor) (domain.BatchCommitReport, error) {
	if err := c.policy.Authorize(actor, ActionTransition, nil); err != nil {
		return domain.BatchCommitReport{}, err
	}
	staged, err := c.staging.Load(ctx, actor.UserID)
	if err != nil {
		return domain.BatchCommitReport{}, err
	}
	snapshot := make(StagingMap, len(staged))
	for id, status := range staged {
		snapshot[id] = status
	}
	report := c.CommitAll(ctx, actor, staged)
	if len(report.Committed) > 0 {
		committed := make(StagingMap, len(report.Committed))
		for _, id := range report.Committed {
			committed[id] = snapshot[id]
		}
		if err := c.staging.UnstageCommitted(context.WithoutCancel(ctx), actor.UserID, committed); err != nil {
			log.Printf("level=warn component=batch_coordinator msg=\"failed to clear committed entries\" actor=%s err=%v", actor.UserID, err)
		}
	}
	return report, nil
}

// Stage stores one proposed change for the moderator.
func (c *Coordinator) Stage(ctx context.Context, actor Actor, id uuid.UUID, status domain.ApplicationStatus) (StagingMap, error) {
	if err := c.policy.Authorize(actor, ActionTransition, nil); err != nil {
		return nil, err
	}
	if err := c.staging.Stage(ctx, actor.UserID, id, status); err != nil {
		return nil, err
	}
	return c.staging.Load(ctx, actor.UserID)
}

// Staged returns the moderator's current staging map.
func (c *Coordinator) Staged(ctx context.Context, actor Actor) (StagingMap, error) {
	if err := c.policy.Authorize(actor, ActionTransition, nil); err != nil {
		return nil, err
	}
	return c.staging.Load(ctx, actor.UserID)
}

// Discard drops staged entries. With no ids, the whole map is cleared.
func (c *Coordinator) Discard(ctx context.Context, actor Actor, ids ...uuid.UUID) error {
	if err := c.policy.Authorize(actor, ActionTransition, nil); err != nil {
		return err
	}
	if len(ids) == 0 {
		return c.staging.Clear(ctx, actor.UserID)
	}
	return c.staging.Unstage(ctx, actor.UserID, ids...)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, store.ErrStaleTransition):
		return FailureStale
	case errors.Is(err, ErrIllegalTransition):
		return FailureIllegal
	case errors.Is(err, ErrInvalidStatus):
		return FailureInvalid
	case errors.Is(err, store.ErrApplicationNotFound):
		return FailureNotFound
	case errors.Is(err, ErrForbidden):
		return FailureForbidden
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCanceled
	default:
		return FailureInternal
	}
}

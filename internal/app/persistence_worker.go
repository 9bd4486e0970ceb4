package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1200 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
	defaultEscalateAfter   = 5
)

// PersistenceWorker creates applications for confirmed checkout attempts that
// the orchestrator could not persist inline. Creation is keyed by the
// processor transaction id, so a retry never produces a second row.
type PersistenceWorker struct {
	repo                store.Repository
	escalator           Escalator
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	escalateAfter       int
}

func NewPersistenceWorker(repo store.Repository, escalator Escalator, escalateAfter int) *PersistenceWorker {
	if escalateAfter <= 0 {
		escalateAfter = defaultEscalateAfter
	}
	return &PersistenceWorker{
		repo:                repo,
		escalator:           escalator,
		batchSize:           defaultBatchSize,
		pollInterval:        defaultPollInterval,
		staleProcessingTime: defaultStaleProcessing,
		escalateAfter:       escalateAfter,
	}
}

func (w *PersistenceWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.flushOnce(ctx); err != nil {
				log.Printf("level=error component=persistence_worker msg=\"flush failed\" err=%v", err)
			}
		}
	}
}

// flushOnce processes one batch and returns how many applications it persisted.
func (w *PersistenceWorker) flushOnce(ctx context.Context) (int, error) {
	attempts, err := w.repo.ClaimConfirmedAttempts(ctx, w.batchSize, int(w.staleProcessingTime.Seconds()))
	if err != nil {
		return 0, err
	}

	persisted := 0
	for i := range attempts {
		attempt := &attempts[i]
		if err := w.persist(ctx, attempt); err != nil {
			w.retry(ctx, attempt, err)
			continue
		}
		persisted++
	}
	return persisted, nil
}

func (w *PersistenceWorker) persist(ctx context.Context, attempt *domain.CheckoutAttempt) error {
	if attempt.TransactionRef == nil || *attempt.TransactionRef == "" {
		return fmt.Errorf("confirmed attempt %s has no transaction reference", attempt.ID)
	}
	draft := attempt.Draft
	draft.TransactionRef = *attempt.TransactionRef
	app, err := w.repo.CreateApplication(ctx, store.CreateApplicationParams{
		Application: draft.ToApplication(),
		AttemptID:   &attempt.ID,
	})
	if err != nil {
		return err
	}
	log.Printf("level=info component=persistence_worker msg=\"application persisted\" application_id=%s intent_id=%s transaction_id=%s attempts=%d", app.ID, attempt.IntentID, *attempt.TransactionRef, attempt.Attempts)
	return nil
}

func (w *PersistenceWorker) retry(ctx context.Context, attempt *domain.CheckoutAttempt, cause error) {
	retryAfter := retryDelaySeconds(attempt.Attempts)
	log.Printf("level=warn component=persistence_worker msg=\"persist failed; rescheduling\" intent_id=%s attempts=%d retry_after_s=%d err=%v", attempt.IntentID, attempt.Attempts, retryAfter, cause)
	if err := w.repo.MarkAttemptRetry(ctx, attempt.ID, retryAfter, cause.Error()); err != nil {
		log.Printf("level=error component=persistence_worker msg=\"failed to reschedule attempt\" intent_id=%s err=%v", attempt.IntentID, err)
	}
	if attempt.Attempts >= w.escalateAfter {
		w.escalator.Escalate(ctx, escalationFromAttempt(ReasonPersistenceFailed, attempt, cause.Error()))
		if err := w.repo.MarkAttemptEscalated(ctx, attempt.ID); err != nil {
			log.Printf("level=warn component=persistence_worker msg=\"failed to mark attempt escalated\" intent_id=%s err=%v", attempt.IntentID, err)
		}
	}
}

// retryDelaySeconds backs off exponentially from 2s, capped at five minutes.
func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

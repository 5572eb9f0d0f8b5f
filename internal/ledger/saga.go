package ledger

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// SagaState tracks the progress of a multi-entity write.
type SagaState string

const (
	SagaIdle                   SagaState = "IDLE"
	SagaLookupDone             SagaState = "LOOKUP_DONE"
	SagaItemReady              SagaState = "ITEM_READY"
	SagaTransactionRecorded    SagaState = "TRANSACTION_RECORDED"
	SagaDocumentIssued         SagaState = "DOCUMENT_ISSUED"
	SagaCommitted              SagaState = "COMMITTED"
	SagaFailed                 SagaState = "FAILED"
	SagaCompensationInProgress SagaState = "COMPENSATION_IN_PROGRESS"
	SagaCompensationDone       SagaState = "COMPENSATION_DONE"
)

// SagaStep is one unit of a multi-entity write. Compensate undoes the step's
// effect and may be nil for steps with nothing to undo.
type SagaStep struct {
	Name       string
	State      SagaState
	Run        func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga coordinates ordered steps with reverse-order compensation. On Postgres
// the steps additionally share one transaction, so compensation there is a
// belt-and-braces rollback; against stores without multi-statement
// transactions the compensations are what restores the ledger.
type Saga struct {
	id     string
	logger *slog.Logger
	state  SagaState
	done   []SagaStep
}

// NewSaga constructs a coordinator in the idle state.
func NewSaga(logger *slog.Logger) *Saga {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	return &Saga{id: id, logger: logger.With(slog.String("saga_id", id)), state: SagaIdle}
}

// ID returns the correlation ID attached to the saga's log records.
func (s *Saga) ID() string {
	return s.id
}

// State returns the current saga state.
func (s *Saga) State() SagaState {
	return s.state
}

// Run executes the step. On success its compensation is retained; on failure
// the saga enters the failed state and the step's error is returned.
func (s *Saga) Run(ctx context.Context, step SagaStep) error {
	if err := ctx.Err(); err != nil {
		s.state = SagaFailed
		return err
	}
	if err := step.Run(ctx); err != nil {
		s.state = SagaFailed
		return err
	}
	if step.State != "" {
		s.state = step.State
	}
	s.done = append(s.done, step)
	return nil
}

// Commit marks the saga complete and discards retained compensations.
func (s *Saga) Commit() {
	s.state = SagaCommitted
	s.done = nil
}

// Compensate undoes every completed step in strict reverse order. Each
// compensation failure is logged and counted but does not abort the rest;
// the caller keeps surfacing the original error, never a cleanup error.
// Runs detached from the caller's cancellation so an abandoned request still
// cleans up after itself.
func (s *Saga) Compensate(ctx context.Context) int {
	s.state = SagaCompensationInProgress
	ctx = context.WithoutCancel(ctx)
	failed := 0
	for i := len(s.done) - 1; i >= 0; i-- {
		step := s.done[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			failed++
			s.logger.Error("saga compensation step failed",
				slog.String("step", step.Name),
				slog.Any("error", err))
		}
	}
	s.done = nil
	s.state = SagaCompensationDone
	return failed
}

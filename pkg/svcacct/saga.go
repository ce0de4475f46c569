package svcacct

import (
	"context"
	"log/slog"
)

// SagaStep is one unit of a multi-backend operation. Do performs the step;
// Undo compensates it. Undo may be nil when the step leaves nothing behind.
type SagaStep struct {
	Name string
	Do   func(ctx context.Context) error
	Undo func(ctx context.Context) error
}

// Saga executes an ordered list of steps and, on the first failure, runs
// the Undo of every completed step in reverse order. The backends involved
// share no transaction, so this compensation is the only consistency
// mechanism available.
type Saga struct {
	name   string
	steps  []SagaStep
	logger *slog.Logger
}

// NewSaga creates a saga with the given operation name for logging.
func NewSaga(name string, logger *slog.Logger) *Saga {
	if logger == nil {
		logger = slog.Default()
	}
	return &Saga{name: name, logger: logger}
}

// Add appends a step. Steps run in the order added.
func (s *Saga) Add(step SagaStep) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Run executes the steps. On failure it returns either the failing step's
// error (after a clean rollback) or a RollbackError when compensation
// itself failed and left resources behind.
func (s *Saga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		err := step.Do(ctx)
		if err == nil {
			s.logger.Debug("saga step completed", "saga", s.name, "step", step.Name)
			continue
		}
		s.logger.Error("saga step failed, rolling back",
			"saga", s.name, "step", step.Name, "error", err)
		return s.rollback(ctx, i, err)
	}
	return nil
}

// rollback undoes steps [0, failed) in reverse order. Compensation is
// best-effort per step: a failed Undo is recorded and the remaining steps
// are still attempted.
func (s *Saga) rollback(ctx context.Context, failed int, cause error) error {
	var (
		rollbackErrs []error
		cleaned      []string
		orphaned     []string
	)
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Undo == nil {
			continue
		}
		if err := step.Undo(ctx); err != nil {
			s.logger.Error("saga rollback step failed",
				"saga", s.name, "step", step.Name, "error", err)
			rollbackErrs = append(rollbackErrs, err)
			orphaned = append(orphaned, step.Name)
			continue
		}
		cleaned = append(cleaned, step.Name)
	}

	if len(rollbackErrs) > 0 {
		return &RollbackError{
			OriginalError:     cause,
			RollbackErrors:    rollbackErrs,
			CleanedResources:  cleaned,
			OrphanedResources: orphaned,
		}
	}
	return cause
}

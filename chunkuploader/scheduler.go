package chunkuploader

import (
	"context"
	"errors"
	"fmt"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

// Task uploads one part.
type Task struct {
	PartNumber int
	Run        func(ctx context.Context) error
}

// Outcome of Scheduler.RunAll.
type Outcome int

// Outcomes.
const (
	OutcomeCompleted Outcome = iota
	OutcomePaused
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomePaused:
		return "paused"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Scheduler runs tasks in consecutive batches.
type Scheduler struct {
	logger log.Logger
}

// NewScheduler ...
func NewScheduler(logger log.Logger) *Scheduler {
	return &Scheduler{logger: logger}
}

// RunAll runs the tasks in batches of limit, in order. A batch starts once every task of the previous one returned.
// A done ctx before a batch, or a task returning ErrCancelled, ends the run as OutcomePaused.
// Any other task error ends it as OutcomeFailed after the rest of its batch returned.
// The first such error in task order is returned.
func (s *Scheduler) RunAll(ctx context.Context, tasks []Task, limit int) (Outcome, error) {
	if limit < 1 {
		return OutcomeFailed, fmt.Errorf("invalid concurrency limit: %d", limit)
	}

	seen := make(map[int]bool, len(tasks))
	for _, task := range tasks {
		if seen[task.PartNumber] {
			return OutcomeFailed, fmt.Errorf("duplicate task for part %d", task.PartNumber)
		}
		seen[task.PartNumber] = true
	}

	for start := 0; start < len(tasks); start += limit {
		if ctx.Err() != nil {
			s.logger.Debugf("Stopping before batch starting at part %d", tasks[start].PartNumber)
			return OutcomePaused, nil
		}

		end := start + limit
		if end > len(tasks) {
			end = len(tasks)
		}

		outcome, err := s.runBatch(ctx, tasks[start:end])
		if outcome != OutcomeCompleted {
			return outcome, err
		}
	}

	return OutcomeCompleted, nil
}

func (s *Scheduler) runBatch(ctx context.Context, batch []Task) (Outcome, error) {
	errs := make([]error, len(batch))

	var g errgroup.Group
	for i, task := range batch {
		i, task := i, task
		g.Go(func() error {
			errs[i] = task.Run(ctx)
			return errs[i]
		})
	}
	// Every task's error is inspected below, the group only waits.
	_ = g.Wait()

	paused := false
	for i, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, ErrCancelled):
			paused = true
		default:
			return OutcomeFailed, fmt.Errorf("part %d: %w", batch[i].PartNumber, err)
		}
	}

	if paused {
		return OutcomePaused, nil
	}
	return OutcomeCompleted, nil
}

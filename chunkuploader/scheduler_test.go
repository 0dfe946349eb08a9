package chunkuploader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type taskRecorder struct {
	mu          sync.Mutex
	events      []string
	running     int
	maxRunning  int
	startedPart []int
}

func (r *taskRecorder) task(partNumber int, run func(ctx context.Context) error) Task {
	return Task{
		PartNumber: partNumber,
		Run: func(ctx context.Context) error {
			r.mu.Lock()
			r.running++
			if r.running > r.maxRunning {
				r.maxRunning = r.running
			}
			r.startedPart = append(r.startedPart, partNumber)
			r.mu.Unlock()

			defer func() {
				r.mu.Lock()
				r.running--
				r.mu.Unlock()
			}()

			if run != nil {
				return run(ctx)
			}
			time.Sleep(5 * time.Millisecond)
			return nil
		},
	}
}

func TestScheduler_RunAll_LimitsConcurrency(t *testing.T) {
	r := &taskRecorder{}
	var tasks []Task
	for i := 1; i <= 12; i++ {
		tasks = append(tasks, r.task(i, nil))
	}

	outcome, err := NewScheduler(log.NewLogger()).RunAll(context.Background(), tasks, 5)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Len(t, r.startedPart, 12)
	assert.LessOrEqual(t, r.maxRunning, 5)
}

func TestScheduler_RunAll_BatchesInOrder(t *testing.T) {
	var mu sync.Mutex
	finished := map[int]time.Time{}
	started := map[int]time.Time{}

	var tasks []Task
	for i := 1; i <= 6; i++ {
		partNumber := i
		tasks = append(tasks, Task{
			PartNumber: partNumber,
			Run: func(context.Context) error {
				mu.Lock()
				started[partNumber] = time.Now()
				mu.Unlock()

				time.Sleep(time.Duration(partNumber) * time.Millisecond)

				mu.Lock()
				finished[partNumber] = time.Now()
				mu.Unlock()
				return nil
			},
		})
	}

	outcome, err := NewScheduler(log.NewLogger()).RunAll(context.Background(), tasks, 3)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome)

	for _, second := range []int{4, 5, 6} {
		for _, first := range []int{1, 2, 3} {
			assert.False(t, started[second].Before(finished[first]), "part %d started before part %d finished", second, first)
		}
	}
}

func TestScheduler_RunAll_FailureEndsAfterBatch(t *testing.T) {
	r := &taskRecorder{}
	tasks := []Task{
		r.task(1, nil),
		r.task(2, func(context.Context) error { return errors.New("first failure") }),
		r.task(3, func(context.Context) error {
			time.Sleep(10 * time.Millisecond)
			return errors.New("second failure")
		}),
		r.task(4, nil),
	}

	outcome, err := NewScheduler(log.NewLogger()).RunAll(context.Background(), tasks, 3)

	assert.Equal(t, OutcomeFailed, outcome)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "part 2: first failure")
	assert.ElementsMatch(t, []int{1, 2, 3}, r.startedPart)
}

func TestScheduler_RunAll_Pause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &taskRecorder{}
	tasks := []Task{
		r.task(1, nil),
		r.task(2, func(ctx context.Context) error {
			cancel()
			<-ctx.Done()
			return cancelledf("part 2")
		}),
		r.task(3, nil),
		r.task(4, nil),
	}

	outcome, err := NewScheduler(log.NewLogger()).RunAll(ctx, tasks, 2)

	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	assert.ElementsMatch(t, []int{1, 2}, r.startedPart)
}

func TestScheduler_RunAll_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := &taskRecorder{}
	outcome, err := NewScheduler(log.NewLogger()).RunAll(ctx, []Task{r.task(1, nil)}, 2)

	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	assert.Empty(t, r.startedPart)
}

func TestScheduler_RunAll_InvalidInput(t *testing.T) {
	s := NewScheduler(log.NewLogger())
	r := &taskRecorder{}

	_, err := s.RunAll(context.Background(), []Task{r.task(1, nil), r.task(1, nil)}, 2)
	assert.EqualError(t, err, "duplicate task for part 1")

	_, err = s.RunAll(context.Background(), []Task{r.task(1, nil)}, 0)
	assert.Error(t, err)

	assert.Empty(t, r.startedPart)
}

func TestScheduler_RunAll_NoTasks(t *testing.T) {
	outcome, err := NewScheduler(log.NewLogger()).RunAll(context.Background(), nil, 5)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, outcome)
}

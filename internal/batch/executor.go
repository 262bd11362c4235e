package batch

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/metrics"
)

// ActionRetry is the recommended action attached to failed items.
const ActionRetry = "retry"

// ItemError is the structured payload a failed item produces in place of a result.
type ItemError struct {
	ItemID            string `json:"item_id"`
	Err               error  `json:"-"`
	Message           string `json:"error"`
	RecommendedAction string `json:"recommended_action"`
	// Dispatched is false when the item never started because the batch was cancelled.
	Dispatched bool `json:"dispatched"`
}

func (e *ItemError) Error() string { return fmt.Sprintf("item %s: %s", e.ItemID, e.Message) }

func (e *ItemError) Unwrap() error { return e.Err }

// Worker processes one item.
type Worker[T, R any] func(ctx context.Context, item T) (R, error)

// Outcome is the per-item result, at the same index as its input.
type Outcome[R any] struct {
	ItemID string
	Value  R
	Err    *ItemError
}

// Failed reports whether the item produced an error payload.
func (o Outcome[R]) Failed() bool { return o.Err != nil }

// Job describes one batch.
type Job[T, R any] struct {
	Items []T
	// ItemID names items in error payloads; defaults to the index.
	ItemID func(T) string
	Worker Worker[T, R]
	// Select picks a worker per item before it takes a slot, e.g. a
	// multi-step worker for high-priority items. Nil means Worker.
	Select func(T) Worker[T, R]
}

// Executor runs independent items under a concurrency cap.
type Executor struct {
	concurrency int
	logger      *zap.Logger
}

// NewExecutor creates an executor allowing at most concurrency in-flight workers.
func NewExecutor(concurrency int, logger *zap.Logger) *Executor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{concurrency: concurrency, logger: logger}
}

// Concurrency returns the cap.
func (e *Executor) Concurrency() int { return e.concurrency }

// Run executes job and returns one outcome per item in input order. A failing
// or panicking worker never aborts the batch. Once ctx is done no further
// items are dispatched. Workers get a context detached from ctx's
// cancellation, so items already running finish or hit their own timeout.
func Run[T, R any](ctx context.Context, e *Executor, job Job[T, R]) []Outcome[R] {
	out := make([]Outcome[R], len(job.Items))
	if len(job.Items) == 0 {
		return out
	}
	workCtx := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(e.concurrency))
	var wg sync.WaitGroup

	for i, item := range job.Items {
		id := strconv.Itoa(i)
		if job.ItemID != nil {
			id = job.ItemID(item)
		}
		out[i].ItemID = id

		worker := job.Worker
		if job.Select != nil {
			if w := job.Select(item); w != nil {
				worker = w
			}
		}
		if worker == nil {
			out[i].Err = newItemError(id, fmt.Errorf("no worker for item"), false)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(job.Items); j++ {
				jid := strconv.Itoa(j)
				if job.ItemID != nil {
					jid = job.ItemID(job.Items[j])
				}
				out[j].ItemID = jid
				out[j].Err = newItemError(jid, err, false)
				metrics.BatchItems.WithLabelValues("not_dispatched").Inc()
			}
			e.logger.Info("Batch cancelled, remaining items not dispatched",
				zap.Int("dispatched", i),
				zap.Int("total", len(job.Items)),
			)
			break
		}

		wg.Add(1)
		go func(i int, id string, item T, worker Worker[T, R]) {
			defer wg.Done()
			defer sem.Release(1)
			metrics.BatchInFlight.Inc()
			defer metrics.BatchInFlight.Dec()

			v, err := safeCall(workCtx, worker, item)
			if err != nil {
				out[i].Err = newItemError(id, err, true)
				metrics.BatchItems.WithLabelValues("failed").Inc()
				e.logger.Warn("Batch item failed", zap.String("item_id", id), zap.Error(err))
				return
			}
			out[i].Value = v
			metrics.BatchItems.WithLabelValues("succeeded").Inc()
		}(i, id, item, worker)
	}

	wg.Wait()
	return out
}

func safeCall[T, R any](ctx context.Context, w Worker[T, R], item T) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return w(ctx, item)
}

func newItemError(id string, err error, dispatched bool) *ItemError {
	return &ItemError{
		ItemID:            id,
		Err:               err,
		Message:           err.Error(),
		RecommendedAction: ActionRetry,
		Dispatched:        dispatched,
	}
}

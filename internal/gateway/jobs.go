package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/store"
)

// JobRunner executes submissions asynchronously, persisting each job's
// lifecycle (pending → running → completed/failed) and publishing progress
// events while it runs.
type JobRunner struct {
	gw     *Gateway
	store  store.Store
	broker *EventBroker
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewJobRunner creates a job runner on top of the gateway's Submit path.
// Asynchronous jobs pass through the same admission control as synchronous
// submissions.
func NewJobRunner(gw *Gateway, s store.Store, logger *slog.Logger) *JobRunner {
	return &JobRunner{
		gw:     gw,
		store:  s,
		broker: NewEventBroker(),
		logger: logger,
	}
}

// Broker returns the runner's event broker for SSE subscription.
func (r *JobRunner) Broker() *EventBroker {
	return r.broker
}

// Submit stores the job as pending and launches its execution in a
// goroutine. The goroutine operates on a copy of the job to avoid data races
// with the caller.
func (r *JobRunner) Submit(ctx context.Context, j *model.Job, work model.WorkUnit) error {
	if err := r.store.CreateJob(ctx, j); err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	jCopy := *j
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(&jCopy, work)
	}()

	return nil
}

// Wait blocks until all in-flight job goroutines complete.
func (r *JobRunner) Wait() {
	r.wg.Wait()
}

func (r *JobRunner) execute(j *model.Job, work model.WorkUnit) {
	// Close the event stream when execution finishes, regardless of outcome.
	defer r.broker.Close(j.ID)

	if err := r.store.UpdateJobStatus(context.Background(), j.ID, model.StatusRunning); err != nil {
		r.logger.Error("failed to transition to running", "job_id", j.ID, "error", err)
		r.finishFailed(j.ID, nil, model.KindStage, fmt.Sprintf("failed to start: %v", err))
		return
	}
	r.broker.Publish(j.ID, Event{Status: model.StatusRunning})

	start := time.Now()
	work.Progress = func(st model.StageTiming) {
		r.broker.Publish(j.ID, Event{
			Stage:      st.Stage,
			DurationMS: st.Duration.Milliseconds(),
		})
	}

	res, err := r.gw.Submit(context.Background(), j.Pipeline, work)
	if err != nil {
		kind := model.KindOf(err)
		if kind == "" {
			kind = model.KindStage
		}
		r.finishFailed(j.ID, &start, kind, err.Error())
		return
	}

	now := time.Now().UTC()
	durationMS := int(res.Duration.Milliseconds())
	completed := &model.Job{
		ID:         j.ID,
		Status:     model.StatusCompleted,
		Output:     res.Output,
		Timings:    res.Timings,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}

	if err := r.store.UpdateJob(context.Background(), completed); err != nil {
		r.logger.Error("failed to update completed job", "job_id", j.ID, "error", err)
	}
	r.broker.Publish(j.ID, Event{Status: model.StatusCompleted, DurationMS: int64(durationMS)})
}

// finishFailed marks a job as failed with the given kind and message.
// startedAt may be nil if execution never started.
func (r *JobRunner) finishFailed(id string, startedAt *time.Time, kind model.ErrorKind, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	j := &model.Job{
		ID:         id,
		Status:     model.StatusFailed,
		ErrorKind:  string(kind),
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := r.store.UpdateJob(context.Background(), j); err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Error("failed to update failed job", "job_id", id, "error", err)
	}
	r.broker.Publish(id, Event{Status: model.StatusFailed, Error: errMsg})
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/calebwren/imagegate/internal/metrics"
	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/pipeline"
)

// Result is the output of one successful pipeline execution.
type Result struct {
	Output   []byte
	Timings  []model.StageTiming
	Duration time.Duration
}

// Engine executes work units on a bounded worker pool.
type Engine struct {
	pool    *Pool
	agg     *metrics.Aggregator
	logger  *slog.Logger
	limits  pipeline.Limits
	reclaim bool
}

// New creates an engine. When reclaimMemory is set, each finished run hints
// the runtime to return freed pages to the OS, as pixel buffers are large.
func New(pool *Pool, agg *metrics.Aggregator, logger *slog.Logger, limits pipeline.Limits, reclaimMemory bool) *Engine {
	return &Engine{
		pool:    pool,
		agg:     agg,
		logger:  logger,
		limits:  limits,
		reclaim: reclaimMemory,
	}
}

// Execute runs work through pl on the worker pool under a single deadline.
//
// release is the caller's admission slot release and is invoked exactly once,
// by the worker, when the run actually finishes. Go cannot preempt a running
// stage, so on timeout the caller gets model.KindTimeout within the deadline
// while the worker keeps the slot until the stage function returns.
//
// The outcome is counted exactly once. Normally the worker records it when
// the run finishes, but on timeout the caller records it at the deadline: a
// wedged stage may never return, and the timeout must be visible in metrics
// the moment the caller observes it.
func (e *Engine) Execute(ctx context.Context, work model.WorkUnit, pl *pipeline.Pipeline, timeout time.Duration, release func()) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)

	var recorded sync.Once
	recordOnce := func(res *Result, err error) {
		recorded.Do(func() { e.record(res, err) })
	}

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)

	task := func() {
		defer func() {
			release()
			cancel()
			if e.reclaim {
				debug.FreeOSMemory()
			}
		}()
		res, err := e.run(runCtx, work, pl)
		recordOnce(res, err)
		done <- outcome{res: res, err: err}
	}

	if err := e.pool.Submit(runCtx, task); err != nil {
		// The task never started, so the worker-side release never happens.
		release()
		cancel()
		recordOnce(nil, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, model.NewError(model.KindTimeout, "", err)
		}
		return nil, err
	}

	select {
	case out := <-done:
		if out.err != nil {
			return nil, e.classify(work.ID, out.err)
		}
		return out.res, nil
	case <-runCtx.Done():
		recordOnce(&Result{Duration: timeout}, runCtx.Err())
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			e.logger.Error("execution timed out",
				"work_id", work.ID,
				"pipeline", pl.Name,
				"timeout", timeout,
			)
			return nil, model.NewError(model.KindTimeout, "", runCtx.Err())
		}
		return nil, runCtx.Err()
	}
}

// run decodes the input and applies each stage in order, timing every stage
// regardless of how it ends.
func (e *Engine) run(ctx context.Context, work model.WorkUnit, pl *pipeline.Pipeline) (*Result, error) {
	start := time.Now()
	timings := make([]model.StageTiming, 0, len(pl.Stages)+1)

	notify := func(st model.StageTiming) {
		if work.Progress != nil {
			work.Progress(st)
		}
	}

	t0 := time.Now()
	img, err := pipeline.Decode(work.Data, e.limits)
	timings = append(timings, model.StageTiming{Stage: "decode", Duration: time.Since(t0)})
	notify(timings[len(timings)-1])
	if err != nil {
		return &Result{Timings: timings, Duration: time.Since(start)},
			model.NewError(model.KindValidation, "decode", err)
	}

	for _, st := range pl.Stages {
		t0 = time.Now()
		var next image.Image
		next, err = applyStage(ctx, st, img, work.Params)
		timings = append(timings, model.StageTiming{Stage: st.Name(), Duration: time.Since(t0)})
		notify(timings[len(timings)-1])
		if err != nil {
			return &Result{Timings: timings, Duration: time.Since(start)},
				e.stageError(st.Name(), err)
		}
		// A non-cooperative stage may return well after the deadline; the run
		// is still a timeout, and later stages must not start.
		if cerr := ctx.Err(); cerr != nil {
			return &Result{Timings: timings, Duration: time.Since(start)}, cerr
		}
		img = next
	}

	out, err := pipeline.EncodePNG(img)
	if err != nil {
		return &Result{Timings: timings, Duration: time.Since(start)},
			model.NewError(model.KindStage, "encode", err)
	}

	return &Result{
		Output:   out,
		Timings:  timings,
		Duration: time.Since(start),
	}, nil
}

// applyStage invokes one stage with a panic boundary so a faulty stage fails
// its own request instead of the process.
func applyStage(ctx context.Context, st pipeline.Stage, img image.Image, p model.Params) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return st.Apply(ctx, img, p)
}

// stageError classifies a stage failure: context errors pass through for the
// timeout path, known-bad input maps to validation, everything else is an
// unexpected stage failure.
func (e *Engine) stageError(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, pipeline.ErrInvalidImage) {
		return model.NewError(model.KindValidation, stage, err)
	}
	e.logger.Error("stage failed", "stage", stage, "error", err)
	return model.NewError(model.KindStage, stage, err)
}

// record feeds the run's outcome and timings to the aggregator. Execute
// guards it with a sync.Once: whichever of the worker and the timed-out
// caller gets here first counts the run, the other is a no-op.
func (e *Engine) record(res *Result, err error) {
	var timings []model.StageTiming
	var dur time.Duration
	if res != nil {
		timings = res.Timings
		dur = res.Duration
	}

	switch {
	case err == nil:
		e.agg.Record(metrics.OutcomeSuccess, dur, timings)
	case errors.Is(err, context.DeadlineExceeded):
		e.agg.Record(metrics.OutcomeTimeout, dur, timings)
	default:
		e.agg.Record(metrics.OutcomeError, dur, timings)
	}
}

// classify maps a worker-reported error to the caller-visible typed error.
func (e *Engine) classify(workID string, err error) error {
	if model.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewError(model.KindTimeout, "", err)
	}
	e.logger.Error("execution failed", "work_id", workID, "error", err)
	return model.NewError(model.KindStage, "", err)
}

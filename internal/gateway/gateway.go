package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/calebwren/imagegate/internal/admission"
	"github.com/calebwren/imagegate/internal/engine"
	"github.com/calebwren/imagegate/internal/metrics"
	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/pipeline"
)

// State is the gateway lifecycle state.
type State int32

// Lifecycle states.
const (
	StateUninitialized State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Options configures a Gateway.
type Options struct {
	MaxConcurrent int
	MaxQueue      int
	Timeout       time.Duration

	// MinFreeDisk is the pre-flight guard threshold in bytes; DiskPath is
	// the mount it is checked against.
	MinFreeDisk uint64
	DiskPath    string

	// FreeSpace overrides the disk probe, for tests. Nil uses gopsutil.
	FreeSpace func(path string) (uint64, error)

	// Sink optionally mirrors outcomes to Redis. Nil-safe.
	Sink *metrics.RedisSink
}

// Gateway is the single entry point combining admission, execution, and
// metrics recording.
type Gateway struct {
	opts   Options
	ctrl   *admission.Controller
	eng    *engine.Engine
	agg    *metrics.Aggregator
	reg    *pipeline.Registry
	logger *slog.Logger

	freeSpace func(path string) (uint64, error)
	started   time.Time
	state     atomic.Int32
}

// New constructs a running gateway and logs its sizing parameters.
func New(opts Options, eng *engine.Engine, agg *metrics.Aggregator, reg *pipeline.Registry, logger *slog.Logger) *Gateway {
	g := &Gateway{
		opts:      opts,
		ctrl:      admission.NewController(opts.MaxConcurrent, opts.MaxQueue),
		eng:       eng,
		agg:       agg,
		reg:       reg,
		logger:    logger,
		freeSpace: opts.FreeSpace,
		started:   time.Now(),
	}
	if g.freeSpace == nil {
		g.freeSpace = diskFree
	}
	g.state.Store(int32(StateRunning))

	logger.Info("gateway started",
		"max_concurrent", opts.MaxConcurrent,
		"max_queue", opts.MaxQueue,
		"timeout", opts.Timeout,
		"min_free_disk_mb", opts.MinFreeDisk/(1024*1024),
	)
	return g
}

func diskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Submit runs one work unit through the named pipeline: guard, admit,
// execute, record, release. Every failure comes back as a *model.Error; none
// leaks a slot.
func (g *Gateway) Submit(ctx context.Context, pipelineName string, work model.WorkUnit) (*engine.Result, error) {
	pl, err := g.reg.Resolve(pipelineName)
	if err != nil {
		return nil, model.NewError(model.KindValidation, "", err)
	}

	// Cheap environment guard before anything is counted or acquired.
	if g.opts.MinFreeDisk > 0 {
		free, ferr := g.freeSpace(g.opts.DiskPath)
		if ferr != nil {
			g.logger.Warn("disk probe failed", "error", ferr)
		} else if free < g.opts.MinFreeDisk {
			return nil, model.NewError(model.KindResourceExhausted, "",
				fmt.Errorf("low disk space: %d MB free (min %d MB)",
					free/(1024*1024), g.opts.MinFreeDisk/(1024*1024)))
		}
	}

	g.agg.RecordRequest()

	slot, err := g.ctrl.Acquire(ctx)
	if err != nil {
		g.agg.Record(metrics.OutcomeRejected, 0, nil)
		g.reportOutcome(metrics.OutcomeRejected)
		switch {
		case errors.Is(err, admission.ErrQueueFull):
			return nil, model.NewError(model.KindQueueFull, "", err)
		case errors.Is(err, admission.ErrShuttingDown):
			return nil, model.NewError(model.KindShuttingDown, "", err)
		default:
			return nil, err
		}
	}

	res, err := g.eng.Execute(ctx, work, pl, g.opts.Timeout, slot.Release)
	g.reportOutcome(outcomeOf(err))
	return res, err
}

func outcomeOf(err error) metrics.Outcome {
	switch model.KindOf(err) {
	case "":
		if err != nil {
			return metrics.OutcomeError
		}
		return metrics.OutcomeSuccess
	case model.KindTimeout:
		return metrics.OutcomeTimeout
	default:
		return metrics.OutcomeError
	}
}

// reportOutcome forwards the caller-visible outcome to the optional Redis
// sink without blocking the request path.
func (g *Gateway) reportOutcome(o metrics.Outcome) {
	if g.opts.Sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := g.opts.Sink.Record(ctx, o); err != nil {
			g.logger.Warn("stats sink record failed", "error", err)
		}
	}()
}

// Health is the status view served to health reporting.
type Health struct {
	State             string  `json:"state"`
	UptimeS           float64 `json:"uptime_s"`
	MaxConcurrent     int     `json:"max_concurrent"`
	MaxQueue          int     `json:"max_queue"`
	CurrentProcessing int     `json:"current_processing"`
	CurrentQueued     int     `json:"current_queued"`
}

// Health returns the current lifecycle state and load counts.
func (g *Gateway) Health() Health {
	maxC, maxQ := g.ctrl.Capacity()
	return Health{
		State:             g.State().String(),
		UptimeS:           time.Since(g.started).Seconds(),
		MaxConcurrent:     maxC,
		MaxQueue:          maxQ,
		CurrentProcessing: g.ctrl.InFlight(),
		CurrentQueued:     g.ctrl.Waiting(),
	}
}

// MetricsSnapshot returns the aggregator's current view.
func (g *Gateway) MetricsSnapshot() metrics.Snapshot {
	return g.agg.Snapshot()
}

// Pipelines returns the registered pipeline names.
func (g *Gateway) Pipelines() []string {
	return g.reg.Names()
}

// State returns the current lifecycle state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Shutdown transitions to draining, rejects new admissions, and waits for
// in-flight executions to finish. On success the gateway is stopped and the
// final aggregated metrics are logged; if ctx ends first the gateway stays
// draining and the remaining work is abandoned to the process exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		return nil
	}
	g.logger.Info("draining", "in_flight", g.ctrl.InFlight(), "queued", g.ctrl.Waiting())
	g.ctrl.BeginDrain()

	// The controller tracks held slots itself, so a slot granted in the same
	// instant drain begins is never missed here.
	if err := g.ctrl.AwaitIdle(ctx); err != nil {
		return fmt.Errorf("drain interrupted with %d in flight: %w", g.ctrl.InFlight(), err)
	}

	g.state.Store(int32(StateStopped))
	s := g.agg.Snapshot()
	g.logger.Info("gateway stopped",
		"uptime_s", time.Since(g.started).Seconds(),
		"total_requests", s.TotalRequests,
		"total_success", s.TotalSuccess,
		"total_errors", s.TotalErrors,
		"total_timeouts", s.TotalTimeouts,
		"total_rejected", s.TotalRejected,
	)
	return nil
}

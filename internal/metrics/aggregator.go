package metrics

import (
	"sync"
	"time"

	"github.com/calebwren/imagegate/internal/model"
)

// DefaultCapacity is the ring-buffer size used when none is configured.
const DefaultCapacity = 1000

// Outcome classifies how one admitted or rejected request ended.
type Outcome int

// Execution outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeTimeout
	OutcomeRejected
)

// String returns the outcome label used in logs and Prometheus series.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeError:
		return "error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRejected:
		return "rejected"
	}
	return "unknown"
}

// ring is a fixed-capacity buffer of duration samples in seconds. The write
// cursor increases monotonically; the slot it indexes (mod capacity) holds
// the oldest sample, which each append evicts.
type ring struct {
	samples []float64
	cursor  uint64
}

func newRing(capacity int) *ring {
	return &ring{samples: make([]float64, capacity)}
}

func (r *ring) append(v float64) {
	r.samples[r.cursor%uint64(len(r.samples))] = v
	r.cursor++
}

func (r *ring) mean() float64 {
	n := r.cursor
	if n > uint64(len(r.samples)) {
		n = uint64(len(r.samples))
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := uint64(0); i < n; i++ {
		sum += r.samples[i]
	}
	return sum / float64(n)
}

// Aggregator is the process-local metrics collector. All mutation happens
// under a single mutex so a sample append is never observed half-written.
type Aggregator struct {
	mu       sync.Mutex
	capacity int

	totalRequests uint64
	totalSuccess  uint64
	totalErrors   uint64
	totalTimeouts uint64
	totalRejected uint64

	total  *ring
	stages map[string]*ring
}

// NewAggregator creates an aggregator with ring buffers of the given
// capacity. A capacity below 1 falls back to DefaultCapacity.
func NewAggregator(capacity int) *Aggregator {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		capacity: capacity,
		total:    newRing(capacity),
		stages:   make(map[string]*ring),
	}
}

// RecordRequest counts one submission, admitted or not.
func (a *Aggregator) RecordRequest() {
	a.mu.Lock()
	a.totalRequests++
	a.mu.Unlock()
}

// Record counts one finished request. Timeouts count as errors too, matching
// the error-rate denominator. Duration samples are appended only when the
// pipeline actually ran (rejections carry none).
func (a *Aggregator) Record(outcome Outcome, total time.Duration, timings []model.StageTiming) {
	a.mu.Lock()
	switch outcome {
	case OutcomeSuccess:
		a.totalSuccess++
	case OutcomeTimeout:
		a.totalTimeouts++
		a.totalErrors++
	case OutcomeError:
		a.totalErrors++
	case OutcomeRejected:
		a.totalRejected++
	}
	if outcome != OutcomeRejected {
		a.total.append(total.Seconds())
		for _, st := range timings {
			r, ok := a.stages[st.Stage]
			if !ok {
				r = newRing(a.capacity)
				a.stages[st.Stage] = r
			}
			r.append(st.Duration.Seconds())
		}
	}
	a.mu.Unlock()

	observeOutcome(outcome, total, timings)
}

// Snapshot is an immutable view of the aggregator with derived values.
type Snapshot struct {
	TotalRequests uint64 `json:"total_requests"`
	TotalSuccess  uint64 `json:"total_success"`
	TotalErrors   uint64 `json:"total_errors"`
	TotalTimeouts uint64 `json:"total_timeouts"`
	TotalRejected uint64 `json:"total_rejected"`

	AvgProcessingTimeS float64            `json:"avg_processing_time_s"`
	ErrorRate          float64            `json:"error_rate"`
	AvgStageTimesS     map[string]float64 `json:"avg_stage_times_s"`
}

// Snapshot computes means and the error rate. With zero requests the error
// rate is 0, never a division fault.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Snapshot{
		TotalRequests:      a.totalRequests,
		TotalSuccess:       a.totalSuccess,
		TotalErrors:        a.totalErrors,
		TotalTimeouts:      a.totalTimeouts,
		TotalRejected:      a.totalRejected,
		AvgProcessingTimeS: a.total.mean(),
		AvgStageTimesS:     make(map[string]float64, len(a.stages)),
	}
	if a.totalRequests > 0 {
		s.ErrorRate = float64(a.totalErrors) / float64(a.totalRequests)
	}
	for name, r := range a.stages {
		s.AvgStageTimesS[name] = r.mean()
	}
	return s
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calebwren/imagegate/internal/model"
	"github.com/calebwren/imagegate/internal/store"
)

// jobResponse is the JSON shape for a job. Output bytes are excluded; the
// dedicated output endpoint serves them as a PNG instead.
type jobResponse struct {
	ID         string              `json:"id"`
	Status     string              `json:"status"`
	Pipeline   string              `json:"pipeline"`
	Params     model.Params        `json:"params"`
	HasOutput  bool                `json:"has_output"`
	ErrorKind  string              `json:"error_kind,omitempty"`
	Error      string              `json:"error,omitempty"`
	Timings    []model.StageTiming `json:"timings,omitempty"`
	DurationMS *int                `json:"duration_ms,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	StartedAt  *time.Time          `json:"started_at,omitempty"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
}

func toJobResponse(j *model.Job) jobResponse {
	return jobResponse{
		ID:         j.ID,
		Status:     j.Status,
		Pipeline:   j.Pipeline,
		Params:     j.Params,
		HasOutput:  len(j.Output) > 0,
		ErrorKind:  j.ErrorKind,
		Error:      j.Error,
		Timings:    j.Timings,
		DurationMS: j.DurationMS,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
	}
}

// handleCreateJob accepts a multipart upload and enqueues it for
// asynchronous execution. The response is 202 with the pending job record.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	data, params, err := s.readUpload(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pipelineName := r.FormValue("pipeline")
	if pipelineName == "" {
		s.writeError(w, http.StatusBadRequest, "missing pipeline field")
		return
	}
	known := false
	for _, name := range s.gw.Pipelines() {
		if name == pipelineName {
			known = true
			break
		}
	}
	if !known {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown pipeline %q", pipelineName))
		return
	}

	job := &model.Job{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Pipeline:  pipelineName,
		Params:    params,
		CreatedAt: time.Now().UTC(),
	}
	work := model.WorkUnit{
		ID:     job.ID,
		Data:   data,
		Params: params,
	}

	if err := s.runner.Submit(r.Context(), job, work); err != nil {
		s.logger.Error("create job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, toJobResponse(job))
}

// listJobsResponse is the JSON response for GET /v1/jobs.
type listJobsResponse struct {
	Jobs   []jobResponse `json:"jobs"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "offset must be non-negative")
			return
		}
		offset = n
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	resp := listJobsResponse{
		Jobs:   make([]jobResponse, len(jobs)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for i, j := range jobs {
		resp.Jobs[i] = toJobResponse(j)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

// handleGetJobOutput serves the completed job's PNG bytes.
func (s *Server) handleGetJobOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job output", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	if job.Status != model.StatusCompleted || len(job.Output) == 0 {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job is %s, no output available", job.Status))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(job.Output); err != nil {
		s.logger.Error("write job output", "error", err)
	}
}

// handleStreamJobEvents streams job progress events over SSE. Stage events
// arrive as they complete; the stream ends with a "done" event once the job
// reaches a terminal status.
func (s *Server) handleStreamJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// If already in a terminal state, return empty stream immediately.
	if job.Status == model.StatusCompleted || job.Status == model.StatusFailed {
		w.WriteHeader(http.StatusOK)
		return
	}

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// Safe even if the job finished between the status check above and this
	// call: Subscribe on a closed topic returns a closed channel, so the loop
	// below exits immediately.
	ch, unsub := s.runner.Broker().Subscribe(id)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return // Write failed (e.g. client gone).
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// handleGetStats returns aggregate statistics over stored jobs.
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

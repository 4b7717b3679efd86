package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/calebwren/imagegate/internal/model"
)

// handleProcess returns a handler that runs the named pipeline synchronously
// over an uploaded image and streams the resulting PNG back.
func (s *Server) handleProcess(pipelineName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, params, err := s.readUpload(r)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		work := model.WorkUnit{
			ID:     model.NewID(),
			Data:   data,
			Params: params,
		}

		start := time.Now()
		result, err := s.gw.Submit(r.Context(), pipelineName, work)
		if err != nil {
			s.writePipelineError(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("X-Request-Id", middleware.GetReqID(r.Context()))
		w.Header().Set("X-Processing-Time", fmt.Sprintf("%.3f", time.Since(start).Seconds()))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(result.Output); err != nil {
			s.logger.Error("write response body", "error", err)
		}
	}
}

// readUpload extracts the image bytes and processing parameters from a
// multipart form. Missing parameter fields fall back to defaults.
func (s *Server) readUpload(r *http.Request) ([]byte, model.Params, error) {
	params := model.DefaultParams()

	r.Body = http.MaxBytesReader(nil, r.Body, s.opts.MaxBodyBytes)

	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, params, fmt.Errorf("missing image field: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, params, fmt.Errorf("read upload: %w", err)
	}

	if v := r.FormValue("background"); v != "" {
		params.Background = v
	}
	if v := r.FormValue("padding"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, params, fmt.Errorf("invalid padding %q", v)
		}
		params.Padding = f
	}
	if v := r.FormValue("shadow"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, params, fmt.Errorf("invalid shadow %q", v)
		}
		params.Shadow = b
	}
	if v := r.FormValue("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, params, fmt.Errorf("invalid width %q", v)
		}
		params.Width = n
	}
	if v := r.FormValue("height"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, params, fmt.Errorf("invalid height %q", v)
		}
		params.Height = n
	}
	if v := r.FormValue("text"); v != "" {
		params.Text = v
	}
	if v := r.FormValue("bar_height"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, params, fmt.Errorf("invalid bar_height %q", v)
		}
		params.BarHeight = n
	}
	if v := r.FormValue("font_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, params, fmt.Errorf("invalid font_size %q", v)
		}
		params.FontSize = n
	}

	return data, params, nil
}

// writePipelineError maps a pipeline error to an HTTP status and body.
func (s *Server) writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	status := statusForKind(kind)

	if status >= 500 {
		s.logger.Error("pipeline request failed",
			"kind", string(kind),
			"error", err,
			"request_id", middleware.GetReqID(r.Context()),
		)
	}
	if kind == model.KindQueueFull || kind == model.KindShuttingDown {
		w.Header().Set("Retry-After", "1")
	}

	s.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

// statusForKind maps error kinds to HTTP status codes.
func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindQueueFull, model.KindShuttingDown, model.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

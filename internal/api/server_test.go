package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/calebwren/imagegate/internal/engine"
	"github.com/calebwren/imagegate/internal/gateway"
	"github.com/calebwren/imagegate/internal/metrics"
	"github.com/calebwren/imagegate/internal/pipeline"
	"github.com/calebwren/imagegate/internal/pipeline/stages"
	"github.com/calebwren/imagegate/internal/store"
)

type serverOptions struct {
	rateLimitRPS   float64
	rateLimitBurst int
}

func newTestServer(t *testing.T, opts serverOptions) (*Server, *gateway.Gateway) {
	t.Helper()

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	pool := engine.NewPool(4)
	t.Cleanup(pool.Close)

	agg := metrics.NewAggregator(100)
	limits := pipeline.Limits{MaxBytes: 10 << 20, MaxPixels: 10_000_000}
	eng := engine.New(pool, agg, logger, limits, false)

	gw := gateway.New(gateway.Options{
		MaxConcurrent: 2,
		MaxQueue:      10,
		Timeout:       10 * time.Second,
		MinFreeDisk:   1,
		DiskPath:      "/",
		FreeSpace:     func(string) (uint64, error) { return 1 << 40, nil },
	}, eng, agg, stages.DefaultRegistry(), logger)

	runner := gateway.NewJobRunner(gw, db, logger)
	t.Cleanup(runner.Wait)

	srv := NewServer(Options{
		Addr:            ":0",
		MaxBodyBytes:    10 << 20,
		RateLimitRPS:    opts.rateLimitRPS,
		RateLimitBurst:  opts.rateLimitBurst,
		ShutdownTimeout: 5 * time.Second,
	}, gw, runner, db, logger)

	return srv, gw
}

// testPNG encodes a small solid-color image.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// multipartBody builds an upload form with an image part plus extra fields.
func multipartBody(t *testing.T, imageData []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if imageData != nil {
		part, err := mw.CreateFormFile("image", "test.png")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(imageData); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestProcessFullReturnsPNG(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, contentType := multipartBody(t, testPNG(t), map[string]string{
		"width":  "200",
		"height": "200",
	})
	resp, err := http.Post(ts.URL+"/v1/process-full", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/process-full: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200, body: %s", resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if resp.Header.Get("X-Processing-Time") == "" {
		t.Error("missing X-Processing-Time header")
	}

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if cfg.Width != 200 || cfg.Height != 200 {
		t.Errorf("output size = %dx%d, want 200x200", cfg.Width, cfg.Height)
	}
}

func TestProcessMissingImage(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, contentType := multipartBody(t, nil, map[string]string{"width": "100"})
	resp, err := http.Post(ts.URL+"/v1/process", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/process: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestProcessInvalidImage(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, contentType := multipartBody(t, []byte("not an image"), nil)
	resp, err := http.Post(ts.URL+"/v1/remove-background", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/remove-background: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload["kind"] != "validation" {
		t.Errorf("kind = %q, want validation", payload["kind"])
	}
}

func TestProcessBadParam(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, contentType := multipartBody(t, testPNG(t), map[string]string{"padding": "lots"})
	resp, err := http.Post(ts.URL+"/v1/process", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/process: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		State         string `json:"state"`
		MaxConcurrent int    `json:"max_concurrent"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if payload.State != "running" {
		t.Errorf("state = %q, want running", payload.State)
	}
	if payload.MaxConcurrent != 2 {
		t.Errorf("max_concurrent = %d, want 2", payload.MaxConcurrent)
	}
}

func TestHealthzDraining(t *testing.T) {
	srv, gw := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := gw.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestMetricsJSON(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, contentType := multipartBody(t, testPNG(t), nil)
	resp, err := http.Post(ts.URL+"/v1/remove-background", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/remove-background: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/metrics")
	if err != nil {
		t.Fatalf("GET /v1/metrics: %v", err)
	}
	defer resp.Body.Close()

	var snap struct {
		TotalRequests uint64 `json:"total_requests"`
		TotalSuccess  uint64 `json:"total_success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if snap.TotalRequests != 1 {
		t.Errorf("total_requests = %d, want 1", snap.TotalRequests)
	}
	if snap.TotalSuccess != 1 {
		t.Errorf("total_success = %d, want 1", snap.TotalSuccess)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(data, []byte("imagegate_")) {
		t.Error("scrape output missing imagegate_ metrics")
	}
}

func TestListPipelines(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/pipelines")
	if err != nil {
		t.Fatalf("GET /v1/pipelines: %v", err)
	}
	defer resp.Body.Close()

	var payload map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(payload["pipelines"]) != 4 {
		t.Errorf("pipelines = %v, want 4 entries", payload["pipelines"])
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{rateLimitRPS: 0.001, rateLimitBurst: 1})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", resp.StatusCode)
	}
}

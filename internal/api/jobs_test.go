package api

import (
	"bufio"
	"bytes"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// waitForJobStatus polls the job endpoint until the job reaches the wanted
// status or the deadline passes.
func waitForJobStatus(t *testing.T, baseURL, id, want string) jobResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last jobResponse
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/v1/jobs/" + id)
		if err != nil {
			t.Fatalf("GET job: %v", err)
		}
		if err := json.NewDecoder(resp.Body).Decode(&last); err != nil {
			resp.Body.Close()
			t.Fatalf("decode job: %v", err)
		}
		resp.Body.Close()
		if last.Status == want {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s stuck in status %q, want %q (error: %s)", id, last.Status, want, last.Error)
	return last
}

func createTestJob(t *testing.T, baseURL, pipelineName string) jobResponse {
	t.Helper()
	body, contentType := multipartBody(t, testPNG(t), map[string]string{
		"pipeline": pipelineName,
	})
	resp, err := http.Post(baseURL+"/v1/jobs", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 202, body: %s", resp.StatusCode, data)
	}

	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.ID == "" {
		t.Fatal("job ID is empty")
	}
	if job.Status != "pending" {
		t.Errorf("status = %q, want pending", job.Status)
	}
	return job
}

func TestCreateJobCompletes(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	job := createTestJob(t, ts.URL, "remove-background")
	done := waitForJobStatus(t, ts.URL, job.ID, "completed")

	if !done.HasOutput {
		t.Error("completed job has no output")
	}
	if done.DurationMS == nil {
		t.Error("completed job missing duration_ms")
	}
	if len(done.Timings) == 0 {
		t.Error("completed job missing stage timings")
	}

	resp, err := http.Get(ts.URL + "/v1/jobs/" + job.ID + "/output")
	if err != nil {
		t.Fatalf("GET output: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("output status = %d, want 200", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	if _, err := png.DecodeConfig(bytes.NewReader(data)); err != nil {
		t.Errorf("output is not a PNG: %v", err)
	}
}

func TestCreateJobUnknownPipeline(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, contentType := multipartBody(t, testPNG(t), map[string]string{
		"pipeline": "sharpen",
	})
	resp, err := http.Post(ts.URL+"/v1/jobs", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCreateJobFailureRecordsKind(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, contentType := multipartBody(t, []byte("garbage"), map[string]string{
		"pipeline": "process",
	})
	resp, err := http.Post(ts.URL+"/v1/jobs", contentType, body)
	if err != nil {
		t.Fatalf("POST /v1/jobs: %v", err)
	}
	var job jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		resp.Body.Close()
		t.Fatalf("decode job: %v", err)
	}
	resp.Body.Close()

	failed := waitForJobStatus(t, ts.URL, job.ID, "failed")
	if failed.ErrorKind != "validation" {
		t.Errorf("error_kind = %q, want validation", failed.ErrorKind)
	}

	// No output for a failed job.
	outResp, err := http.Get(ts.URL + "/v1/jobs/" + job.ID + "/output")
	if err != nil {
		t.Fatalf("GET output: %v", err)
	}
	outResp.Body.Close()
	if outResp.StatusCode != http.StatusConflict {
		t.Errorf("output status = %d, want 409", outResp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent")
	if err != nil {
		t.Fatalf("GET job: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	first := createTestJob(t, ts.URL, "remove-background")
	second := createTestJob(t, ts.URL, "process")
	waitForJobStatus(t, ts.URL, first.ID, "completed")
	waitForJobStatus(t, ts.URL, second.ID, "completed")

	resp, err := http.Get(ts.URL + "/v1/jobs?limit=1")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	var list listJobsResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 2 {
		t.Errorf("total = %d, want 2", list.Total)
	}
	if len(list.Jobs) != 1 {
		t.Errorf("jobs = %d, want 1 (limit)", len(list.Jobs))
	}
}

func TestListJobsBadLimit(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs?limit=9999")
	if err != nil {
		t.Fatalf("GET /v1/jobs: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestJobStats(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	job := createTestJob(t, ts.URL, "render-template")
	waitForJobStatus(t, ts.URL, job.ID, "completed")

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()

	var stats struct {
		Total         int            `json:"total"`
		CountByStatus map[string]int `json:"count_by_status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
	if stats.CountByStatus["completed"] != 1 {
		t.Errorf("completed count = %d, want 1", stats.CountByStatus["completed"])
	}
}

func TestStreamJobEventsEndsWithDone(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	job := createTestJob(t, ts.URL, "process")

	resp, err := http.Get(ts.URL + "/v1/jobs/" + job.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// The job may finish before the subscription is set up, in which case the
	// stream is empty. If events were streamed, the "done" terminator must
	// follow them. Either way the connection closes once the job finishes.
	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if s := scanner.Text(); s != "" {
			lines = append(lines, s)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan stream: %v", err)
	}
	if len(lines) > 0 {
		sawDone := false
		for _, l := range lines {
			if strings.HasPrefix(l, "event: done") {
				sawDone = true
			}
		}
		if !sawDone {
			t.Errorf("stream had %d lines but no done event", len(lines))
		}
	}

	waitForJobStatus(t, ts.URL, job.ID, "completed")
}

func TestStreamJobEventsNotFound(t *testing.T) {
	srv, _ := newTestServer(t, serverOptions{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/jobs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
